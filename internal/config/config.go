// Package config provides configuration management for the pub/sub broker.
package config

import (
	"flag"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration options for the broker.
type Config struct {
	// Server configuration
	Port   string
	Host   string
	WSPath string

	// Topic configuration
	DefaultRingBufferSize int
	MaxRingBufferSize     int
	SubscriberQueueSize   int
	SlowConsumerThreshold int

	// Lifecycle configuration
	ShutdownTimeout time.Duration

	// Timeout configuration
	WriteTimeout time.Duration
	ReadTimeout  time.Duration

	// Logging configuration
	LogLevel string

	// Auth configuration
	APIKeys []string
}

// defaultAPIKeys is the development placeholder key set, used only when
// PUBSUB_API_KEYS is unset.
var defaultAPIKeys = []string{"dev-key-1", "dev-key-2"}

// NewConfig creates a new configuration with default values.
func NewConfig() *Config {
	return &Config{
		Port:                  getEnv("PORT", "8080"),
		Host:                  getEnv("HOST", "0.0.0.0"),
		WSPath:                getEnv("WS_PATH", "/ws"),
		DefaultRingBufferSize: getEnvAsInt("DEFAULT_RING_BUFFER_SIZE", 100),
		MaxRingBufferSize:     getEnvAsInt("MAX_RING_BUFFER_SIZE", 10000),
		SubscriberQueueSize:   getEnvAsInt("SUBSCRIBER_QUEUE_SIZE", 50),
		SlowConsumerThreshold: getEnvAsInt("SLOW_CONSUMER_THRESHOLD", 3),
		ShutdownTimeout:       getEnvAsDuration("SHUTDOWN_TIMEOUT_SEC", 30*time.Second),
		WriteTimeout:          getEnvAsDuration("WRITE_TIMEOUT", 30*time.Second),
		ReadTimeout:           getEnvAsDuration("READ_TIMEOUT", 60*time.Second),
		LogLevel:              getEnv("LOG_LEVEL", "info"),
		APIKeys:               getEnvAsList("PUBSUB_API_KEYS", defaultAPIKeys),
	}
}

// ParseFlags parses command-line flags and updates the configuration.
func (c *Config) ParseFlags() {
	flag.StringVar(&c.Port, "port", c.Port, "HTTP server port")
	flag.StringVar(&c.Host, "host", c.Host, "HTTP server host")
	flag.StringVar(&c.WSPath, "ws-path", c.WSPath, "WebSocket endpoint path")
	flag.IntVar(&c.DefaultRingBufferSize, "ring-buffer-size", c.DefaultRingBufferSize, "Default topic ring buffer size")
	flag.IntVar(&c.MaxRingBufferSize, "max-ring-buffer-size", c.MaxRingBufferSize, "Maximum allowed topic ring buffer size")
	flag.IntVar(&c.SubscriberQueueSize, "subscriber-queue-size", c.SubscriberQueueSize, "Per-subscriber queue capacity")
	flag.IntVar(&c.SlowConsumerThreshold, "slow-consumer-threshold", c.SlowConsumerThreshold, "Consecutive drops before ejecting a subscriber")
	flag.DurationVar(&c.ShutdownTimeout, "shutdown-timeout", c.ShutdownTimeout, "Drain budget for graceful shutdown")
	flag.DurationVar(&c.WriteTimeout, "write-timeout", c.WriteTimeout, "WebSocket write timeout")
	flag.DurationVar(&c.ReadTimeout, "read-timeout", c.ReadTimeout, "WebSocket read timeout")
	flag.StringVar(&c.LogLevel, "log-level", c.LogLevel, "Log level (debug, info, warn, error)")

	flag.Parse()
}

// getEnv gets an environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as an integer or returns a default value.
func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvAsDuration gets an environment variable as a duration or returns a default value.
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
		// Bare integers configure a second count, matching shutdown_timeout_sec's
		// documented unit.
		if seconds, err := strconv.Atoi(value); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}
	return defaultValue
}

// getEnvAsList gets a comma-separated environment variable as a string slice.
func getEnvAsList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
