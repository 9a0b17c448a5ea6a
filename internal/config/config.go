// Package config provides configuration management for the buffer pool daemon.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/penguintechinc/hwbufferpool/internal/media"
)

// ErrInvalidConfig is wrapped by every Validate failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds all configuration for the daemon.
type Config struct {
	// Server settings
	ServerHost string
	ServerPort int

	// Memory region settings
	RegionName      string
	RegionSize      int
	RegionHugepages bool
	RegionLock      bool
	BufferAlignment int

	// Pool settings
	NumBuffers     int
	AcquireTimeout time.Duration
	DefaultCaps    string

	// Simulated hardware component
	AttachComponent    bool
	ComponentFillDelay time.Duration

	// Element error bus
	RedisAddr    string
	RedisChannel string

	// Negotiation journal
	DatabaseDSN string

	// Metrics and logging
	MetricsEnabled bool
	LogLevel       string

	// Timeouts
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// Load loads configuration from environment variables.
func Load() *Config {
	return &Config{
		// Server
		ServerHost: getEnv("SERVER_HOST", "0.0.0.0"),
		ServerPort: getEnvInt("SERVER_PORT", 8080),

		// Memory region
		RegionName:      getEnv("REGION_NAME", "video"),
		RegionSize:      getEnvInt("REGION_SIZE", 64<<20),
		RegionHugepages: getEnvBool("REGION_HUGEPAGES", false),
		RegionLock:      getEnvBool("REGION_LOCK", false),
		BufferAlignment: getEnvInt("BUFFER_ALIGNMENT", 128),

		// Pool
		NumBuffers:     getEnvInt("NUM_BUFFERS", 3),
		AcquireTimeout: getEnvDuration("ACQUIRE_TIMEOUT", 0),
		DefaultCaps:    getEnv("DEFAULT_CAPS", "video/x-raw, format=NV12, width=1280, height=720, framerate=30/1"),

		// Component
		AttachComponent:    getEnvBool("ATTACH_COMPONENT", true),
		ComponentFillDelay: getEnvDuration("COMPONENT_FILL_DELAY", 33*time.Millisecond),

		// Redis
		RedisAddr:    getEnv("REDIS_ADDR", ""),
		RedisChannel: getEnv("REDIS_CHANNEL", "hwbuffer:element-errors"),

		// Database
		DatabaseDSN: getEnv("DATABASE_DSN", ""),

		// Metrics and logging
		MetricsEnabled: getEnvBool("METRICS_ENABLED", true),
		LogLevel:       getEnv("LOG_LEVEL", "info"),

		// Timeouts
		ReadTimeout:  getEnvDuration("READ_TIMEOUT", 30*time.Second),
		WriteTimeout: getEnvDuration("WRITE_TIMEOUT", 30*time.Second),
		IdleTimeout:  getEnvDuration("IDLE_TIMEOUT", 120*time.Second),
	}
}

// Validate checks value ranges. All problems are reported together.
func (c *Config) Validate() error {
	var errs []error
	if c.ServerPort <= 0 || c.ServerPort > 65535 {
		errs = append(errs, fmt.Errorf("SERVER_PORT %d out of range", c.ServerPort))
	}
	if c.RegionSize <= 0 {
		errs = append(errs, fmt.Errorf("REGION_SIZE must be positive, got %d", c.RegionSize))
	}
	if c.BufferAlignment <= 0 || c.BufferAlignment&(c.BufferAlignment-1) != 0 {
		errs = append(errs, fmt.Errorf("BUFFER_ALIGNMENT %d is not a power of two", c.BufferAlignment))
	}
	if c.NumBuffers < 1 || c.NumBuffers > 16 {
		errs = append(errs, fmt.Errorf("NUM_BUFFERS %d not in [1, 16]", c.NumBuffers))
	}
	if c.AcquireTimeout < 0 {
		errs = append(errs, errors.New("ACQUIRE_TIMEOUT must not be negative"))
	}
	if c.DefaultCaps != "" {
		if _, err := media.ParseCaps(c.DefaultCaps); err != nil {
			errs = append(errs, fmt.Errorf("DEFAULT_CAPS: %w", err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
