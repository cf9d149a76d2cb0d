package config

import (
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(nil)
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.ServicePort)
	assert.Equal(t, BackendTiDB, cfg.StorageBackend)
	assert.Equal(t, int64(255*1024), cfg.GetChunkSizeBytes())
	assert.Equal(t, "localhost:6379", cfg.GetRedisAddr())
}

func TestLoadEnvAndFlags(t *testing.T) {
	t.Setenv("SERVICE_PORT", "9090")
	t.Setenv("CHUNK_SIZE_KB", "64")
	t.Setenv("STORAGE_BACKEND", BackendTiDB)

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs)
	require.NoError(t, fs.Parse([]string{"--backend", BackendMemory, "--env-file", ""}))

	cfg, err := Load(fs)
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.ServicePort)
	assert.Equal(t, int64(64*1024), cfg.GetChunkSizeBytes())
	assert.Equal(t, BackendMemory, cfg.StorageBackend, "flag should override env")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "unknown backend", mutate: func(c *Config) { c.StorageBackend = "s3" }, wantErr: true},
		{name: "zero chunk size", mutate: func(c *Config) { c.ChunkSizeKB = 0 }, wantErr: true},
		{name: "missing port", mutate: func(c *Config) { c.ServicePort = "" }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{ServicePort: "8080", StorageBackend: BackendMemory, ChunkSizeKB: 1}
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestStringMasksSecrets(t *testing.T) {
	cfg := &Config{TiDBPassword: "hunter2", MinIOSecretKey: "s3cr3t"}
	out := cfg.String()
	assert.NotContains(t, out, "hunter2")
	assert.NotContains(t, out, "s3cr3t")
	assert.Contains(t, out, "********")
}
