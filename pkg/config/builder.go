package config

import "time"

// BuilderConfig holds runtime configuration for the builder service.
type BuilderConfig struct {
	Environment      string
	Addr             string
	LogLevel         string
	DatabaseURL      string
	Workdir          string
	Workers          int
	GitTimeout       time.Duration
	GitToken         string
	BuildTimeout     time.Duration
	Sandbox          DockerConfig
	Registry         string
	RegistryUsername string
	RegistryPassword string
	RedisAddr        string
	RedisPassword    string
	RedisDB          int
	QueueName        string
	NatsURL          string
	ObjectStore      ObjectStoreConfig
	FixerURL         string
	FixerTimeout     time.Duration
	BaseDomain       string
	DeployRateLimit  int
	DeployRateWindow time.Duration
}

// LoadBuilderConfig constructs a BuilderConfig from environment variables.
func LoadBuilderConfig() BuilderConfig {
	return BuilderConfig{
		Environment:  GetString("APP_ENV", "development"),
		Addr:         GetString("BUILDER_ADDR", ":5000"),
		LogLevel:     GetString("LOG_LEVEL", "info"),
		DatabaseURL:  GetString("DATABASE_URL", "postgres://vercel:vercel@db:5432/vercel?sslmode=disable"),
		Workdir:      GetString("BUILDER_WORKDIR", "/tmp/peep"),
		Workers:      GetInt("BUILDER_WORKERS", 2),
		GitTimeout:   time.Duration(GetInt("GIT_TIMEOUT_SECONDS", 120)) * time.Second,
		GitToken:     GetString("GIT_TOKEN", ""),
		BuildTimeout: GetDuration("BUILD_TIMEOUT", 15*time.Minute),
		Sandbox: DockerConfig{
			Host:      GetString("DOCKER_HOST", "unix:///var/run/docker.sock"),
			Image:     GetString("SANDBOX_IMAGE", "node:20-bullseye"),
			MemoryMB:  GetInt64("SANDBOX_MEMORY_MB", 2048),
			CPUs:      cpus("SANDBOX_CPUS", 1),
			PidsLimit: GetInt64("SANDBOX_PIDS_LIMIT", 512),
		},
		Registry:         GetString("DOCKER_REGISTRY", ""),
		RegistryUsername: GetString("DOCKER_REGISTRY_USERNAME", ""),
		RegistryPassword: GetString("DOCKER_REGISTRY_PASSWORD", ""),
		RedisAddr:        GetString("QUEUE_REDIS_ADDR", ""),
		RedisPassword:    GetString("QUEUE_REDIS_PASSWORD", ""),
		RedisDB:          GetInt("QUEUE_REDIS_DB", 0),
		QueueName:        GetString("QUEUE_NAME", "builds"),
		NatsURL:          GetString("NATS_URL", ""),
		ObjectStore:      loadObjectStoreConfig(),
		FixerURL:         GetString("FIXER_URL", ""),
		FixerTimeout:     time.Duration(GetInt("FIXER_TIMEOUT_SECONDS", 30)) * time.Second,
		BaseDomain:       GetString("BASE_DOMAIN", "localhost"),
		DeployRateLimit:  GetInt("DEPLOY_RATE_LIMIT", 30),
		DeployRateWindow: GetDuration("DEPLOY_RATE_WINDOW", time.Minute),
	}
}
