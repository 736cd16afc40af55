package config

import "time"

// RouterConfig holds runtime configuration for the edge router.
type RouterConfig struct {
	Environment        string
	Addr               string
	MetricsAddr        string
	LogLevel           string
	DatabaseURL        string
	Runtime            DockerConfig
	ContainerPort      int
	ContainerTTL       time.Duration
	SweepInterval      time.Duration
	HealthInterval     time.Duration
	HealthTimeout      time.Duration
	PullTimeout        time.Duration
	RegistryUsername   string
	RegistryPassword   string
	ProxyRetries       int
	ProxyRetryInterval time.Duration
	MaxBufferedBody    int64
	CacheDir           string
	CacheMaxBytes      int64
	CacheMaxIdle       time.Duration
	CacheLedgerPath    string
	ObjectStore        ObjectStoreConfig
	UsageURL           string
	UsageToken         string
	BaseDomain         string
}

// LoadRouterConfig constructs a RouterConfig from environment variables.
func LoadRouterConfig() RouterConfig {
	return RouterConfig{
		Environment: GetString("APP_ENV", "development"),
		Addr:        GetString("ROUTER_ADDR", ":8080"),
		MetricsAddr: GetString("ROUTER_METRICS_ADDR", ":9090"),
		LogLevel:    GetString("LOG_LEVEL", "info"),
		DatabaseURL: GetString("DATABASE_URL", "postgres://vercel:vercel@db:5432/vercel?sslmode=disable"),
		Runtime: DockerConfig{
			Host:      GetString("DOCKER_HOST", "unix:///var/run/docker.sock"),
			Image:     GetString("RUNTIME_IMAGE", "node:20-alpine"),
			MemoryMB:  GetInt64("RUNTIME_MEMORY_LIMIT_MB", 512),
			CPUs:      cpus("RUNTIME_CPUS", 1),
			PidsLimit: GetInt64("RUNTIME_PIDS_LIMIT", 256),
		},
		ContainerPort:      GetInt("RUNTIME_CONTAINER_PORT", 3000),
		ContainerTTL:       GetDuration("RUNTIME_CONTAINER_TTL", 30*time.Minute),
		SweepInterval:      GetDuration("RUNTIME_SWEEP_INTERVAL", time.Minute),
		HealthInterval:     GetDuration("RUNTIME_HEALTH_INTERVAL", 200*time.Millisecond),
		HealthTimeout:      GetDuration("RUNTIME_HEALTH_TIMEOUT", 30*time.Second),
		PullTimeout:        GetDuration("RUNTIME_PULL_TIMEOUT", 10*time.Minute),
		RegistryUsername:   GetString("DOCKER_REGISTRY_USERNAME", ""),
		RegistryPassword:   GetString("DOCKER_REGISTRY_PASSWORD", ""),
		ProxyRetries:       GetInt("PROXY_RETRIES", 20),
		ProxyRetryInterval: GetDuration("PROXY_RETRY_INTERVAL", 1500*time.Millisecond),
		MaxBufferedBody:    GetInt64("PROXY_MAX_BUFFERED_BODY", 32<<20),
		CacheDir:           GetString("CACHE_DIR", "/var/lib/peep/artifacts"),
		CacheMaxBytes:      GetInt64("CACHE_MAX_BYTES", 5<<30),
		CacheMaxIdle:       GetDuration("CACHE_MAX_IDLE", 60*time.Minute),
		CacheLedgerPath:    GetString("CACHE_LEDGER_PATH", ""),
		ObjectStore:        loadObjectStoreConfig(),
		UsageURL:           GetString("USAGE_URL", ""),
		UsageToken:         GetString("USAGE_TOKEN", ""),
		BaseDomain:         GetString("BASE_DOMAIN", "localhost"),
	}
}
