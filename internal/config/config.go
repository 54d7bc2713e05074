package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the sync daemon.
type Config struct {
	Port          string
	DatabasePath  string
	RemoteBaseURL string
	TenantID      string

	SyncInterval            time.Duration
	MaxBatchSize            int
	MaxConcurrentPartitions int
	MaxQueueDepth           int
	BatchTimeout            time.Duration
	OverloadPolicy          string
}

// Load reads configuration from the environment, after loading a local
// .env file when present.
func Load() (*Config, error) {
	// Missing .env is fine; explicit env vars win.
	_ = godotenv.Load()

	remoteURL := getEnv("REMOTE_BASE_URL", "")
	tenantID := getEnv("TENANT_ID", "")

	if remoteURL == "" {
		return nil, fmt.Errorf("REMOTE_BASE_URL is required")
	}
	if tenantID == "" {
		return nil, fmt.Errorf("TENANT_ID is required")
	}

	return &Config{
		Port:                    getEnv("PORT", "8090"),
		DatabasePath:            getEnv("DATABASE_PATH", "data/storesync.db"),
		RemoteBaseURL:           remoteURL,
		TenantID:                tenantID,
		SyncInterval:            getEnvDuration("SYNC_INTERVAL", 30*time.Second),
		MaxBatchSize:            getEnvInt("MAX_BATCH_SIZE", 100),
		MaxConcurrentPartitions: getEnvInt("MAX_CONCURRENT_PARTITIONS", 4),
		MaxQueueDepth:           getEnvInt("MAX_QUEUE_DEPTH", 10000),
		BatchTimeout:            getEnvDuration("BATCH_TIMEOUT", 30*time.Second),
		OverloadPolicy:          getEnv("OVERLOAD_POLICY", "COALESCE"),
	}, nil
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		n, err := strconv.Atoi(val)
		if err == nil {
			return n
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		d, err := time.ParseDuration(val)
		if err == nil {
			return d
		}
	}
	return fallback
}
