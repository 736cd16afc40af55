package config

import (
	"log"
	"os"
	"strconv"
	"time"
)

// GetString retrieves an environment variable or returns a fallback when unset.
func GetString(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

// GetInt retrieves an environment variable as integer or returns fallback.
func GetInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			log.Printf("invalid value for %s: %v", key, err)
			return fallback
		}
		return parsed
	}
	return fallback
}

// GetInt64 retrieves an environment variable as int64 or returns fallback.
func GetInt64(key string, fallback int64) int64 {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			log.Printf("invalid value for %s: %v", key, err)
			return fallback
		}
		return parsed
	}
	return fallback
}

// GetBool retrieves an environment variable as bool or returns fallback.
func GetBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.ParseBool(value)
		if err != nil {
			log.Printf("invalid value for %s: %v", key, err)
			return fallback
		}
		return parsed
	}
	return fallback
}

// GetDuration retrieves an environment variable as a Go duration string
// ("90s", "15m") or returns fallback.
func GetDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := time.ParseDuration(value)
		if err != nil {
			log.Printf("invalid value for %s: %v", key, err)
			return fallback
		}
		return parsed
	}
	return fallback
}

// ObjectStoreConfig selects and configures the artifact object store.
type ObjectStoreConfig struct {
	Backend   string
	Endpoint  string
	Bucket    string
	Region    string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// DockerConfig carries container engine connection and resource settings.
type DockerConfig struct {
	Host      string
	Image     string
	MemoryMB  int64
	CPUs      float64
	PidsLimit int64
}

func loadObjectStoreConfig() ObjectStoreConfig {
	return ObjectStoreConfig{
		Backend:   GetString("OBJECT_STORE_BACKEND", "minio"),
		Endpoint:  GetString("OBJECT_STORE_ENDPOINT", "minio:9000"),
		Bucket:    GetString("OBJECT_STORE_BUCKET", "peep-artifacts"),
		Region:    GetString("OBJECT_STORE_REGION", "us-east-1"),
		AccessKey: GetString("OBJECT_STORE_ACCESS_KEY", "minioadmin"),
		SecretKey: GetString("OBJECT_STORE_SECRET_KEY", "minioadmin"),
		UseSSL:    GetBool("OBJECT_STORE_USE_SSL", false),
	}
}

func cpus(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil || parsed <= 0 {
		log.Printf("invalid value for %s: %q", key, value)
		return fallback
	}
	return parsed
}
