package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config carries every tunable the scheduler and workers consume. Values come
// from OCRESTRA_* environment variables with defaults suitable for a local
// batch run.
type Config struct {
	OCRBinary string

	TempRoot  string
	LogRoot   string
	StatePath string

	DefaultWorkers int
	MaxWorkers     int

	MaxQueueItems      int
	MaxDiscoveredFiles int
	MaxScanDepth       int
	MaxRestoreItems    int
	MaxInputFileBytes  int64

	PollInterval   time.Duration
	TerminateGrace time.Duration

	// Path prefixes under which a permission-style OCR failure triggers the
	// temp-staging fallback (typically network or removable mounts).
	FallbackPrefixes []string
}

func Load() *Config {
	return &Config{
		OCRBinary:          getEnv("OCRESTRA_OCR_BINARY", "ocrmypdf"),
		TempRoot:           getEnv("OCRESTRA_TEMP_ROOT", filepath.Join(os.TempDir(), "ocrestra_jobs")),
		LogRoot:            getEnv("OCRESTRA_LOG_ROOT", "logs"),
		StatePath:          getEnv("OCRESTRA_STATE_PATH", defaultStatePath()),
		DefaultWorkers:     getEnvAsInt("OCRESTRA_DEFAULT_WORKERS", 32),
		MaxWorkers:         getEnvAsInt("OCRESTRA_MAX_WORKERS", 64),
		MaxQueueItems:      getEnvAsInt("OCRESTRA_MAX_QUEUE_ITEMS", 500),
		MaxDiscoveredFiles: getEnvAsInt("OCRESTRA_MAX_DISCOVERED_FILES", 2000),
		MaxScanDepth:       getEnvAsInt("OCRESTRA_MAX_SCAN_DEPTH", 12),
		MaxRestoreItems:    getEnvAsInt("OCRESTRA_MAX_RESTORE_ITEMS", 5000),
		MaxInputFileBytes:  getEnvAsInt64("OCRESTRA_MAX_INPUT_BYTES", 2<<30),
		PollInterval:       getEnvAsDuration("OCRESTRA_POLL_INTERVAL", 300*time.Millisecond),
		TerminateGrace:     getEnvAsDuration("OCRESTRA_TERMINATE_GRACE", 2*time.Second),
		FallbackPrefixes:   getEnvAsList("OCRESTRA_FALLBACK_PREFIXES", []string{"/mnt/", "/media/"}),
	}
}

func defaultStatePath() string {
	configDir, err := os.UserConfigDir()
	if err != nil || configDir == "" {
		return filepath.Join("logs", "queue_state.db")
	}
	return filepath.Join(configDir, "ocrestra", "queue_state.db")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvAsList(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return defaultValue
}
