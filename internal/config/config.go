// Package config loads the daemon configuration from the environment.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/agrilink/fieldsync/backend/internal/db"
	"github.com/agrilink/fieldsync/backend/internal/logging"
)

type Config struct {
	DataDir  string
	APIURL   string
	HTTPAddr string

	PollInterval     time.Duration
	QueueInterval    time.Duration
	HandleTimeout    time.Duration
	RequestTimeout   time.Duration
	NotifyThreshold  int
	FlushConcurrency int

	LogLevel  logging.LogLevel
	LogFormat logging.Format

	// Observability. Empty disables tracing.
	JaegerEndpoint string
}

// Load reads envFile when given, otherwise an optional .env in the working
// directory, then the process environment.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	} else {
		_ = godotenv.Load()
	}

	cfg := &Config{
		DataDir:  getEnv("FIELDSYNC_DATA_DIR", "./data"),
		APIURL:   getEnv("FIELDSYNC_API_URL", ""),
		HTTPAddr: getEnv("FIELDSYNC_HTTP_ADDR", "127.0.0.1:8090"),

		PollInterval:     getEnvDuration("FIELDSYNC_POLL_INTERVAL", 5*time.Minute),
		QueueInterval:    getEnvDuration("FIELDSYNC_QUEUE_INTERVAL", time.Minute),
		HandleTimeout:    getEnvDuration("FIELDSYNC_HANDLE_TIMEOUT", 30*time.Second),
		RequestTimeout:   getEnvDuration("FIELDSYNC_REQUEST_TIMEOUT", 20*time.Second),
		NotifyThreshold:  getEnvInt("FIELDSYNC_NOTIFY_THRESHOLD", 2),
		FlushConcurrency: getEnvInt("FIELDSYNC_FLUSH_CONCURRENCY", 4),

		LogLevel:  logging.ParseLevel(getEnv("LOGGING_LEVEL", "info")),
		LogFormat: logging.Format(getEnv("LOGGING_FORMAT", string(logging.FormatJSON))),

		JaegerEndpoint: getEnv("FIELDSYNC_JAEGER_ENDPOINT", ""),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required keys and value ranges.
func (c *Config) Validate() error {
	if c.APIURL == "" {
		return fmt.Errorf("FIELDSYNC_API_URL is required")
	}
	u, err := url.Parse(c.APIURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("FIELDSYNC_API_URL must be an absolute URL, got %q", c.APIURL)
	}
	if c.DataDir == "" {
		return fmt.Errorf("FIELDSYNC_DATA_DIR is required")
	}
	if c.NotifyThreshold < 0 {
		return fmt.Errorf("FIELDSYNC_NOTIFY_THRESHOLD must not be negative")
	}
	if c.FlushConcurrency < 1 {
		return fmt.Errorf("FIELDSYNC_FLUSH_CONCURRENCY must be at least 1")
	}
	if c.LogFormat != logging.FormatJSON && c.LogFormat != logging.FormatConsole {
		return fmt.Errorf("LOGGING_FORMAT must be JSON or CONSOLE, got %q", c.LogFormat)
	}
	return nil
}

// DatabasePath returns the SQLite file path.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, db.FileName)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
		logging.Warn("Ignoring invalid integer setting", map[string]interface{}{"key": key, "value": value})
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
		logging.Warn("Ignoring invalid duration setting", map[string]interface{}{"key": key, "value": value})
	}
	return defaultValue
}
