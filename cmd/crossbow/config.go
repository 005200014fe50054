package main

import (
	"errors"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config validation errors
var (
	ErrInvalidStoreDir    = errors.New("store_dir cannot be empty")
	ErrInvalidMemoryLimit = errors.New("memory_limit must not be zero")
	ErrInvalidVectorBytes = errors.New("max_device_vector_bytes must be positive")
	ErrInvalidChunkBytes  = errors.New("chunk_bytes must be positive")
	ErrInvalidLogFormat   = errors.New("log_format must be 'json' or 'console'")
	ErrInvalidLogLevel    = errors.New("log_level must be debug, info, warn, or error")
)

// Config holds the runtime configuration, populated from the environment
// with CROSSBOW_ prefixed variables and overridden by flags.
type Config struct {
	StoreDir             string `envconfig:"STORE_DIR" default:"./data"`
	MemoryLimit          int    `envconfig:"MEMORY_LIMIT" default:"1073741824"`
	MaxDeviceVectorBytes int    `envconfig:"MAX_DEVICE_VECTOR_BYTES" default:"67108864"`
	ChunkBytes           int    `envconfig:"CHUNK_BYTES" default:"1048576"`
	MetricsAddr          string `envconfig:"METRICS_ADDR" default:""`
	LogFormat            string `envconfig:"LOG_FORMAT" default:"json"`
	LogLevel             string `envconfig:"LOG_LEVEL" default:"info"`
}

// DefaultConfig returns a Config with default values
func DefaultConfig() Config {
	return Config{
		StoreDir:             "./data",
		MemoryLimit:          1 << 30,
		MaxDeviceVectorBytes: 64 << 20,
		ChunkBytes:           1 << 20,
		LogFormat:            "json",
		LogLevel:             "info",
	}
}

// LoadConfig reads .env if present, then the process environment.
func LoadConfig() (Config, error) {
	_ = godotenv.Load()
	var cfg Config
	if err := envconfig.Process("crossbow", &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ValidateConfig validates the configuration and returns an error if invalid
func ValidateConfig(cfg *Config) error {
	if cfg.StoreDir == "" {
		return ErrInvalidStoreDir
	}
	if cfg.MemoryLimit == 0 {
		return ErrInvalidMemoryLimit
	}
	if cfg.MaxDeviceVectorBytes <= 0 {
		return ErrInvalidVectorBytes
	}
	if cfg.ChunkBytes <= 0 {
		return ErrInvalidChunkBytes
	}
	if cfg.LogFormat != "json" && cfg.LogFormat != "console" {
		return ErrInvalidLogFormat
	}
	if cfg.LogLevel != "debug" && cfg.LogLevel != "info" && cfg.LogLevel != "warn" && cfg.LogLevel != "error" {
		return ErrInvalidLogLevel
	}
	return nil
}
