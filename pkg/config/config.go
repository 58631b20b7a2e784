package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/NikhilSetiya/agentguard/pkg/errors"
)

// Config holds the application configuration
type Config struct {
	Server    ServerConfig    `json:"server"`
	Database  DatabaseConfig  `json:"database"`
	Redis     RedisConfig     `json:"redis"`
	Store     StoreConfig     `json:"store"`
	Execution ExecutionConfig `json:"execution"`
	Logging   LoggingConfig   `json:"logging"`
	Tracing   TracingConfig   `json:"tracing"`
	Metrics   MetricsConfig   `json:"metrics"`
	Policy    PolicyConfig    `json:"policy"`
}

// ServerConfig contains the admin HTTP server configuration
type ServerConfig struct {
	Host            string        `json:"host"`
	Port            int           `json:"port"`
	ReadTimeout     time.Duration `json:"read_timeout"`
	WriteTimeout    time.Duration `json:"write_timeout"`
	IdleTimeout     time.Duration `json:"idle_timeout"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout"`
	CORSOrigins     []string      `json:"cors_origins"`
}

// DatabaseConfig contains the execution ledger connection configuration
type DatabaseConfig struct {
	Enabled         bool          `json:"enabled"`
	Host            string        `json:"host"`
	Port            int           `json:"port"`
	Name            string        `json:"name"`
	User            string        `json:"user"`
	Password        string        `json:"password"`
	SSLMode         string        `json:"ssl_mode"`
	MaxOpenConns    int           `json:"max_open_conns"`
	MaxIdleConns    int           `json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime"`
	MigrateOnStart  bool          `json:"migrate_on_start"`
}

// RedisConfig contains Redis connection configuration
type RedisConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

// StoreConfig selects and tunes the shared counting store
type StoreConfig struct {
	Backend        string        `json:"backend"` // redis | memory
	KeyPrefix      string        `json:"key_prefix"`
	ConcurrencyTTL time.Duration `json:"concurrency_ttl"`
	SweepInterval  time.Duration `json:"sweep_interval"`
	OpTimeout      time.Duration `json:"op_timeout"`
}

// ExecutionConfig contains coordinator defaults and the upstreams the
// gateway endpoint may call, keyed by resource name
type ExecutionConfig struct {
	DefaultTimeout time.Duration     `json:"default_timeout"`
	Upstreams      map[string]string `json:"upstreams"`
	UsageHeader    string            `json:"usage_header"`
	MaxBodyBytes   int64             `json:"max_body_bytes"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
	Output string `json:"output"`
}

// TracingConfig contains OpenTelemetry configuration
type TracingConfig struct {
	Enabled        bool    `json:"enabled"`
	ServiceName    string  `json:"service_name"`
	ServiceVersion string  `json:"service_version"`
	Environment    string  `json:"environment"`
	JaegerEndpoint string  `json:"jaeger_endpoint"`
	SampleRate     float64 `json:"sample_rate"`
}

// MetricsConfig contains Prometheus configuration
type MetricsConfig struct {
	Enabled   bool   `json:"enabled"`
	Namespace string `json:"namespace"`
	Path      string `json:"path"`
}

// PolicyConfig points at the rate-limit / breaker / retry policy file
type PolicyConfig struct {
	Path string `json:"path"`
}

// Load loads configuration from environment variables with sensible defaults.
// A .env file in the working directory is applied first when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	config := &Config{
		Server: ServerConfig{
			Host:            getEnvString("SERVER_HOST", "0.0.0.0"),
			Port:            getEnvInt("SERVER_PORT", 8080),
			ReadTimeout:     getEnvDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:    getEnvDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
			IdleTimeout:     getEnvDuration("SERVER_IDLE_TIMEOUT", 120*time.Second),
			ShutdownTimeout: getEnvDuration("SERVER_SHUTDOWN_TIMEOUT", 15*time.Second),
			CORSOrigins:     getEnvList("SERVER_CORS_ORIGINS", []string{"*"}),
		},
		Database: DatabaseConfig{
			Enabled:         getEnvBool("DB_ENABLED", false),
			Host:            getEnvString("DB_HOST", "localhost"),
			Port:            getEnvInt("DB_PORT", 5432),
			Name:            getEnvString("DB_NAME", "agentguard"),
			User:            getEnvString("DB_USER", "agentguard"),
			Password:        getEnvString("DB_PASSWORD", ""),
			SSLMode:         getEnvString("DB_SSL_MODE", "disable"),
			MaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
			MigrateOnStart:  getEnvBool("DB_MIGRATE_ON_START", true),
		},
		Redis: RedisConfig{
			Host:     getEnvString("REDIS_HOST", "localhost"),
			Port:     getEnvInt("REDIS_PORT", 6379),
			Password: getEnvString("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			PoolSize: getEnvInt("REDIS_POOL_SIZE", 10),
		},
		Store: StoreConfig{
			Backend:        getEnvString("STORE_BACKEND", "redis"),
			KeyPrefix:      getEnvString("STORE_KEY_PREFIX", "agentguard"),
			ConcurrencyTTL: getEnvDuration("STORE_CONCURRENCY_TTL", 15*time.Minute),
			SweepInterval:  getEnvDuration("STORE_SWEEP_INTERVAL", time.Minute),
			OpTimeout:      getEnvDuration("STORE_OP_TIMEOUT", 250*time.Millisecond),
		},
		Execution: ExecutionConfig{
			DefaultTimeout: getEnvDuration("EXECUTION_DEFAULT_TIMEOUT", 2*time.Minute),
			Upstreams:      getEnvMap("EXECUTION_UPSTREAMS"),
			UsageHeader:    getEnvString("EXECUTION_USAGE_HEADER", "X-Usage-Tokens"),
			MaxBodyBytes:   int64(getEnvInt("EXECUTION_MAX_BODY_BYTES", 1<<20)),
		},
		Logging: LoggingConfig{
			Level:  getEnvString("LOG_LEVEL", "info"),
			Format: getEnvString("LOG_FORMAT", "json"),
			Output: getEnvString("LOG_OUTPUT", "stdout"),
		},
		Tracing: TracingConfig{
			Enabled:        getEnvBool("TRACING_ENABLED", false),
			ServiceName:    getEnvString("TRACING_SERVICE_NAME", "agentguard"),
			ServiceVersion: getEnvString("TRACING_SERVICE_VERSION", "dev"),
			Environment:    getEnvString("ENVIRONMENT", "development"),
			JaegerEndpoint: getEnvString("JAEGER_ENDPOINT", "http://localhost:14268/api/traces"),
			SampleRate:     getEnvFloat("TRACING_SAMPLE_RATE", 0.1),
		},
		Metrics: MetricsConfig{
			Enabled:   getEnvBool("METRICS_ENABLED", true),
			Namespace: getEnvString("METRICS_NAMESPACE", "agentguard"),
			Path:      getEnvString("METRICS_PATH", "/metrics"),
		},
		Policy: PolicyConfig{
			Path: getEnvString("POLICY_PATH", "policy.yaml"),
		},
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return errors.NewConfigurationError(fmt.Sprintf("invalid server port %d", c.Server.Port))
	}

	switch c.Store.Backend {
	case "redis":
		if c.Redis.Host == "" {
			return errors.NewConfigurationError("redis host is required for the redis store backend")
		}
	case "memory":
	default:
		return errors.NewConfigurationError(fmt.Sprintf("unsupported store backend %q", c.Store.Backend))
	}

	if c.Store.KeyPrefix == "" {
		return errors.NewConfigurationError("store key prefix is required")
	}
	if c.Store.ConcurrencyTTL <= 0 {
		return errors.NewConfigurationError("store concurrency TTL must be positive")
	}
	if c.Execution.DefaultTimeout <= 0 {
		return errors.NewConfigurationError("default execution timeout must be positive")
	}

	for name, raw := range c.Execution.Upstreams {
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return errors.NewConfigurationError(fmt.Sprintf("invalid upstream URL for %q", name))
		}
	}
	if c.Execution.MaxBodyBytes <= 0 {
		return errors.NewConfigurationError("max body bytes must be positive")
	}

	if c.Database.Enabled && c.Database.Password == "" {
		return errors.NewConfigurationError("database password is required when the ledger is enabled")
	}

	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return errors.NewConfigurationError("tracing sample rate must be between 0 and 1")
	}

	return nil
}

// Addr returns host:port of the Redis server
func (c *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ServerAddr returns the admin listen address
func (c *Config) ServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// Helper functions for environment variable parsing
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// getEnvMap parses "name=value,name2=value2"
func getEnvMap(key string) map[string]string {
	out := make(map[string]string)
	for _, pair := range getEnvList(key, nil) {
		name, value, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		if name = strings.TrimSpace(name); name != "" {
			out[name] = strings.TrimSpace(value)
		}
	}
	return out
}
