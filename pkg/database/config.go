package database

import (
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds store connection settings.
type Config struct {
	// URL selects the backend: "postgres://…" for PostgreSQL,
	// "sqlite://path" or a bare filesystem path for the embedded store.
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// LoadConfigFromEnv loads database configuration from environment variables.
// Without DATABASE_URL the store defaults to an embedded SQLite file under
// DATA_DIR (default ".").
func LoadConfigFromEnv() Config {
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		url = filepath.Join(getEnvOrDefault("DATA_DIR", "."), "taskhive.db")
	}

	maxOpen, _ := strconv.Atoi(getEnvOrDefault("DB_MAX_OPEN_CONNS", "10"))
	maxIdle, _ := strconv.Atoi(getEnvOrDefault("DB_MAX_IDLE_CONNS", "5"))

	return Config{
		URL:             url,
		MaxOpenConns:    maxOpen,
		MaxIdleConns:    maxIdle,
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
	}
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
