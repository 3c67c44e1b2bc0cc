package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all service configuration
type Config struct {
	Service   ServiceConfig
	Redis     RedisConfig
	Database  DatabaseConfig
	Pipeline  PipelineConfig
	Telemetry TelemetryConfig
}

// ServiceConfig holds service-specific settings
type ServiceConfig struct {
	Name        string
	Port        int
	Environment string
	LogLevel    string
	LogFormat   string
	EnableHTTP  bool
}

// RedisConfig holds datastore connection settings
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// DatabaseConfig holds Postgres settings for the archive store
type DatabaseConfig struct {
	Enabled     bool
	Host        string
	Port        int
	Database    string
	User        string
	Password    string
	MaxConns    int
	MinConns    int
	MaxIdleTime time.Duration
	MaxLifetime time.Duration
}

// PipelineConfig holds the orchestration knobs shared by all services
type PipelineConfig struct {
	PayloadMaxBytes    int64
	SyncWaitTimeout    time.Duration
	RequestTTL         time.Duration
	LifecycleBlock     time.Duration
	RequestStreamBlock time.Duration
	TaskWaitTimeout    time.Duration
	MaxTaskRetries     int
}

// TelemetryConfig holds observability settings
type TelemetryConfig struct {
	EnablePprof bool
	PprofPort   int
}

// Load loads configuration from environment variables
func Load(serviceName string) (*Config, error) {
	cfg := &Config{
		Service: ServiceConfig{
			Name:        serviceName,
			Port:        getEnvInt("HTTP_PORT", 8080),
			Environment: getEnv("ENVIRONMENT", "development"),
			LogLevel:    getEnv("LOG_LEVEL", "info"),
			LogFormat:   getEnv("LOG_FORMAT", "text"),
			EnableHTTP:  getEnvBool("ENABLE_HTTP", true),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Database: DatabaseConfig{
			Enabled:     getEnvBool("ARCHIVE_ENABLED", false),
			Host:        getEnv("POSTGRES_HOST", "localhost"),
			Port:        getEnvInt("POSTGRES_PORT", 5432),
			Database:    getEnv("POSTGRES_DB", "valuations"),
			User:        getEnv("POSTGRES_USER", "valuations"),
			Password:    getEnv("POSTGRES_PASSWORD", "valuations"),
			MaxConns:    getEnvInt("POSTGRES_MAX_CONNS", 20),
			MinConns:    getEnvInt("POSTGRES_MIN_CONNS", 2),
			MaxIdleTime: getEnvDuration("POSTGRES_MAX_IDLE_TIME", 30*time.Minute),
			MaxLifetime: getEnvDuration("POSTGRES_MAX_LIFETIME", 1*time.Hour),
		},
		Pipeline: PipelineConfig{
			PayloadMaxBytes:    int64(getEnvInt("PAYLOAD_MAX_BYTES", 1<<20)),
			SyncWaitTimeout:    getEnvMillis("SYNC_WAIT_TIMEOUT_MS", 120_000),
			RequestTTL:         time.Duration(getEnvInt("REQUEST_TTL_SECONDS", 86_400)) * time.Second,
			LifecycleBlock:     getEnvMillis("LIFECYCLE_BLOCK_MS", 1_000),
			RequestStreamBlock: getEnvMillis("REQUEST_STREAM_BLOCK_MS", 5_000),
			TaskWaitTimeout:    getEnvMillis("TASK_WAIT_TIMEOUT_MS", 10_000),
			MaxTaskRetries:     getEnvInt("MAX_TASK_RETRIES", 3),
		},
		Telemetry: TelemetryConfig{
			EnablePprof: getEnvBool("ENABLE_PPROF", false),
			PprofPort:   getEnvInt("PPROF_PORT", 6060),
		},
	}

	return cfg, cfg.Validate()
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.Service.Port < 1 || c.Service.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Service.Port)
	}

	if c.Redis.Host == "" {
		return fmt.Errorf("redis host is required")
	}

	if c.Pipeline.PayloadMaxBytes < 1 {
		return fmt.Errorf("payload max bytes must be positive")
	}

	if c.Pipeline.MaxTaskRetries < 1 {
		return fmt.Errorf("max task retries must be at least 1")
	}

	if c.Database.Enabled && c.Database.Host == "" {
		return fmt.Errorf("database host is required when archiving is enabled")
	}

	return nil
}

// RedisAddr returns the host:port address of the datastore
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// DatabaseURL returns the PostgreSQL connection string
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Database,
	)
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvMillis(key string, defaultValue int) time.Duration {
	return time.Duration(getEnvInt(key, defaultValue)) * time.Millisecond
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
