package config

import "time"

// MigrateConfig holds settings for the schema migration command.
type MigrateConfig struct {
	DatabaseURL string
	LogLevel    string
	Timeout     time.Duration
}

// LoadMigrateConfig constructs a MigrateConfig from environment variables.
func LoadMigrateConfig() MigrateConfig {
	return MigrateConfig{
		DatabaseURL: GetString("DATABASE_URL", "postgres://vercel:vercel@db:5432/vercel?sslmode=disable"),
		LogLevel:    GetString("LOG_LEVEL", "info"),
		Timeout:     GetDuration("MIGRATE_TIMEOUT", time.Minute),
	}
}
