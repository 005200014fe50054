package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateConfigDefaults(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, ValidateConfig(&cfg))
}

func TestValidateConfigStoreDir(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StoreDir = ""
	assert.ErrorIs(t, ValidateConfig(&cfg), ErrInvalidStoreDir)
}

func TestValidateConfigMemoryLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MemoryLimit = 0
	assert.ErrorIs(t, ValidateConfig(&cfg), ErrInvalidMemoryLimit)

	// Negative disables automatic flushing but stays valid.
	cfg.MemoryLimit = -1
	assert.NoError(t, ValidateConfig(&cfg))
}

func TestValidateConfigLogSettings(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LogFormat = "yaml"
	assert.ErrorIs(t, ValidateConfig(&cfg), ErrInvalidLogFormat)

	cfg = DefaultConfig()
	cfg.LogLevel = "trace"
	assert.ErrorIs(t, ValidateConfig(&cfg), ErrInvalidLogLevel)
}

func TestValidateConfigVectorBytes(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxDeviceVectorBytes = 0
	assert.ErrorIs(t, ValidateConfig(&cfg), ErrInvalidVectorBytes)
}

func TestLoadConfigEnvOverride(t *testing.T) {
	t.Setenv("CROSSBOW_STORE_DIR", "/var/lib/crossbow")
	t.Setenv("CROSSBOW_LOG_LEVEL", "debug")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/crossbow", cfg.StoreDir)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 1<<30, cfg.MemoryLimit)
}
