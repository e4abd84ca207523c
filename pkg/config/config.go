package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/FACorreiaa/marketplace-ledger/pkg/money"

	// Load environment variables from .env files when present.
	_ "github.com/joho/godotenv/autoload"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Auth          AuthConfig
	Observability ObservabilityConfig
	Import        ImportConfig
	Storage       StorageConfig
}

type ServerConfig struct {
	Host               string
	Port               int
	RateLimitPerSecond int
	RateLimitBurst     int
	AllowedOrigins     []string
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

type AuthConfig struct {
	JWTSecret string
}

type ObservabilityConfig struct {
	MetricsEnabled bool
	MetricsPort    int
	LogLevel       string
}

// ImportConfig tunes the bulk import pipeline.
type ImportConfig struct {
	ChunkSize       int           // rows per insert call
	LookupChunkSize int           // fingerprints per duplicate lookup query
	Workers         int           // background job workers
	QueueCapacity   int           // buffered queue entries before Enqueue blocks
	StaleJobTTL     time.Duration // running jobs without progress for this long are failed
	SweepSchedule   string        // cron expression for the stale job sweep
	DefaultCurrency string
	MaxUploadBytes  int64
	StoreDriver     string // "postgres" or "memory"
}

type StorageConfig struct {
	Type       string // local, s3 or memory
	LocalPath  string
	S3Bucket   string
	S3Region   string
	S3Endpoint string
	S3Prefix   string
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host:               getEnv("SERVER_HOST", "localhost"),
			Port:               getEnvAsInt("SERVER_PORT", 8080),
			RateLimitPerSecond: getEnvAsInt("SERVER_RATE_LIMIT_PER_SECOND", 5),
			RateLimitBurst:     getEnvAsInt("SERVER_RATE_LIMIT_BURST", 10),
			AllowedOrigins:     getEnvAsSlice("SERVER_ALLOWED_ORIGINS", []string{"http://localhost:3000"}),
		},
		Database: DatabaseConfig{
			Host:     getEnv("POSTGRES_HOST", "localhost"),
			Port:     getEnvAsInt("POSTGRES_PORT", 5432),
			User:     getEnv("POSTGRES_USER", "postgres"),
			Password: getEnv("POSTGRES_PASSWORD", "postgres"),
			Database: getEnv("POSTGRES_DB", "marketplace-dev"),
			SSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),
		},
		Auth: AuthConfig{
			JWTSecret: getEnv("JWT_SECRET", ""),
		},
		Observability: ObservabilityConfig{
			MetricsEnabled: getEnvAsBool("METRICS_ENABLED", true),
			MetricsPort:    getEnvAsInt("METRICS_PORT", 9090),
			LogLevel:       getEnv("LOG_LEVEL", "info"),
		},
		Import: ImportConfig{
			ChunkSize:       getEnvAsInt("IMPORT_CHUNK_SIZE", 500),
			LookupChunkSize: getEnvAsInt("IMPORT_LOOKUP_CHUNK_SIZE", 200),
			Workers:         getEnvAsInt("IMPORT_WORKERS", 2),
			QueueCapacity:   getEnvAsInt("IMPORT_QUEUE_CAPACITY", 64),
			StaleJobTTL:     getEnvAsDuration("IMPORT_STALE_JOB_TTL", 2*time.Hour),
			SweepSchedule:   getEnv("IMPORT_SWEEP_SCHEDULE", "*/15 * * * *"),
			DefaultCurrency: getEnv("IMPORT_DEFAULT_CURRENCY", "BRL"),
			MaxUploadBytes:  int64(getEnvAsInt("IMPORT_MAX_UPLOAD_BYTES", 32<<20)),
			StoreDriver:     getEnv("IMPORT_STORE_DRIVER", "postgres"),
		},
		Storage: StorageConfig{
			Type:       getEnv("STORAGE_TYPE", "local"),
			LocalPath:  getEnv("STORAGE_LOCAL_PATH", "./uploads"),
			S3Bucket:   getEnv("STORAGE_S3_BUCKET", ""),
			S3Region:   getEnv("STORAGE_S3_REGION", ""),
			S3Endpoint: getEnv("STORAGE_S3_ENDPOINT", ""),
			S3Prefix:   getEnv("STORAGE_S3_PREFIX", "marketplace-imports"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the invariants the import pipeline relies on.
func (c *Config) Validate() error {
	if c.Auth.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}
	if c.Import.ChunkSize <= 0 {
		return fmt.Errorf("IMPORT_CHUNK_SIZE must be positive, got %d", c.Import.ChunkSize)
	}
	if c.Import.LookupChunkSize <= 0 {
		return fmt.Errorf("IMPORT_LOOKUP_CHUNK_SIZE must be positive, got %d", c.Import.LookupChunkSize)
	}
	if c.Import.Workers <= 0 {
		return fmt.Errorf("IMPORT_WORKERS must be positive, got %d", c.Import.Workers)
	}
	if err := money.ValidateCurrency(c.Import.DefaultCurrency); err != nil {
		return fmt.Errorf("IMPORT_DEFAULT_CURRENCY %q: %w", c.Import.DefaultCurrency, err)
	}
	if c.Storage.Type == "s3" && c.Storage.S3Bucket == "" {
		return errors.New("STORAGE_S3_BUCKET is required when STORAGE_TYPE is s3")
	}
	switch c.Import.StoreDriver {
	case "postgres", "memory":
	default:
		return fmt.Errorf("IMPORT_STORE_DRIVER must be postgres or memory, got %q", c.Import.StoreDriver)
	}
	return nil
}

// DSN returns the database connection string
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsSlice(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	parts := strings.Split(valueStr, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
