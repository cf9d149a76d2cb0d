package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	BackendTiDB   = "tidb"
	BackendMemory = "memory"
)

// Config holds all application configuration
type Config struct {
	// Service configuration
	ServicePort    string `mapstructure:"SERVICE_PORT"`
	ServiceName    string `mapstructure:"SERVICE_NAME"`
	ChunkSizeKB    int    `mapstructure:"CHUNK_SIZE_KB"`
	StorageBackend string `mapstructure:"STORAGE_BACKEND"`

	// MinIO configuration
	MinIOEndpoint   string `mapstructure:"MINIO_ENDPOINT"`
	MinIOAccessKey  string `mapstructure:"MINIO_ACCESS_KEY"`
	MinIOSecretKey  string `mapstructure:"MINIO_SECRET_KEY"`
	MinIOBucketName string `mapstructure:"MINIO_BUCKET_NAME"`
	MinIOUseSSL     bool   `mapstructure:"MINIO_USE_SSL"`

	// TiDB configuration
	TiDBHost     string `mapstructure:"TIDB_HOST"`
	TiDBPort     string `mapstructure:"TIDB_PORT"`
	TiDBUser     string `mapstructure:"TIDB_USER"`
	TiDBPassword string `mapstructure:"TIDB_PASSWORD"`
	TiDBDatabase string `mapstructure:"TIDB_DATABASE"`

	// Redis configuration
	RedisHost       string `mapstructure:"REDIS_HOST"`
	RedisPort       string `mapstructure:"REDIS_PORT"`
	RedisPassword   string `mapstructure:"REDIS_PASSWORD"`
	RedisDB         int    `mapstructure:"REDIS_DB"`
	RedisPendingKey string `mapstructure:"REDIS_PENDING_KEY"`

	// Tracing configuration
	TracingEnabled bool   `mapstructure:"TRACING_ENABLED"`
	JaegerEndpoint string `mapstructure:"JAEGER_ENDPOINT"`

	// Logging configuration
	LogLevel  string `mapstructure:"LOG_LEVEL"`
	LogFormat string `mapstructure:"LOG_FORMAT"`
	LogOutput string `mapstructure:"LOG_OUTPUT"`
	LogFile   string `mapstructure:"LOG_FILE"`
}

var defaults = map[string]any{
	"SERVICE_PORT":    "8080",
	"SERVICE_NAME":    "gridbox-service",
	"CHUNK_SIZE_KB":   255,
	"STORAGE_BACKEND": BackendTiDB,

	"MINIO_ENDPOINT":    "localhost:9000",
	"MINIO_ACCESS_KEY":  "minioadmin",
	"MINIO_SECRET_KEY":  "minioadmin",
	"MINIO_BUCKET_NAME": "gridbox",
	"MINIO_USE_SSL":     false,

	"TIDB_HOST":     "localhost",
	"TIDB_PORT":     "4000",
	"TIDB_USER":     "root",
	"TIDB_PASSWORD": "",
	"TIDB_DATABASE": "gridbox",

	"REDIS_HOST":        "localhost",
	"REDIS_PORT":        "6379",
	"REDIS_PASSWORD":    "",
	"REDIS_DB":          0,
	"REDIS_PENDING_KEY": "gridbox:pending-delete",

	"TRACING_ENABLED": true,
	"JAEGER_ENDPOINT": "localhost:4318",

	"LOG_LEVEL":  "info",
	"LOG_FORMAT": "json",
	"LOG_OUTPUT": "console",
	"LOG_FILE":   "logs/gridbox.log",
}

// flagKeys maps command-line flags onto config keys.
var flagKeys = map[string]string{
	"port":      "SERVICE_PORT",
	"backend":   "STORAGE_BACKEND",
	"log-level": "LOG_LEVEL",
}

// RegisterFlags adds the flags that can override environment configuration.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("env-file", ".env", "dotenv file loaded when present")
	fs.String("port", "", "HTTP listen port")
	fs.String("backend", "", "storage backend: tidb or memory")
	fs.String("log-level", "", "log level: debug, info, warn, error")
}

// Load reads configuration from the optional dotenv file, the environment
// and, when fs is non-nil, explicitly set flags. Flags win over env.
func Load(fs *pflag.FlagSet) (*Config, error) {
	envFile := ".env"
	if fs != nil {
		if f := fs.Lookup("env-file"); f != nil {
			envFile = f.Value.String()
		}
	}
	if envFile != "" {
		if _, err := os.Stat(envFile); err == nil {
			if err := godotenv.Load(envFile); err != nil {
				return nil, fmt.Errorf("load %s: %w", envFile, err)
			}
		}
	}

	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", key, err)
		}
	}
	v.AutomaticEnv()

	if fs != nil {
		for name, key := range flagKeys {
			if f := fs.Lookup(name); f != nil && f.Changed {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the service cannot start with.
func (c *Config) Validate() error {
	switch c.StorageBackend {
	case BackendTiDB, BackendMemory:
	default:
		return fmt.Errorf("invalid STORAGE_BACKEND %q, must be %q or %q", c.StorageBackend, BackendTiDB, BackendMemory)
	}
	if c.ChunkSizeKB <= 0 {
		return errors.New("CHUNK_SIZE_KB must be greater than 0")
	}
	if c.ServicePort == "" {
		return errors.New("SERVICE_PORT is required")
	}
	return nil
}

// GetDSN returns the TiDB connection string
func (c *Config) GetDSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		c.TiDBUser,
		c.TiDBPassword,
		c.TiDBHost,
		c.TiDBPort,
		c.TiDBDatabase,
	)
}

// GetRedisAddr returns the Redis address
func (c *Config) GetRedisAddr() string {
	return fmt.Sprintf("%s:%s", c.RedisHost, c.RedisPort)
}

// GetChunkSizeBytes returns chunk size in bytes
func (c *Config) GetChunkSizeBytes() int64 {
	return int64(c.ChunkSizeKB) * 1024
}

// String renders the configuration with secrets masked.
func (c *Config) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "service=%s port=%s backend=%s chunk_kb=%d", c.ServiceName, c.ServicePort, c.StorageBackend, c.ChunkSizeKB)
	fmt.Fprintf(&sb, " minio=%s/%s ssl=%v minio_secret=%s", c.MinIOEndpoint, c.MinIOBucketName, c.MinIOUseSSL, mask(c.MinIOSecretKey))
	fmt.Fprintf(&sb, " tidb=%s@%s:%s/%s tidb_password=%s", c.TiDBUser, c.TiDBHost, c.TiDBPort, c.TiDBDatabase, mask(c.TiDBPassword))
	fmt.Fprintf(&sb, " redis=%s db=%d redis_password=%s", c.GetRedisAddr(), c.RedisDB, mask(c.RedisPassword))
	return sb.String()
}

func mask(secret string) string {
	if secret == "" {
		return "(empty)"
	}
	return "********"
}
