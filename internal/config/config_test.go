package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("UPLOAD_SERVER_URL", "http://localhost:3000/api")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, int64(2097152), cfg.ChunkSize)
	assert.Equal(t, int64(2097152), cfg.HashWindow)
	assert.Equal(t, "md5", cfg.DigestAlgorithm)
	assert.Equal(t, 3, cfg.Concurrency)
	assert.Equal(t, 2, cfg.MaxParallelFiles)
	assert.Equal(t, "sqlite", cfg.StoreDriver)
	assert.Equal(t, "uploads.db", cfg.DBPath)
	assert.Equal(t, 168*time.Hour, cfg.KeepCompletedFor)
	assert.Equal(t, time.Hour, cfg.CleanupInterval)
	assert.Equal(t, 5*time.Minute, cfg.RequestTimeout)
	assert.True(t, cfg.ResumeOnStart)
	assert.False(t, cfg.PurgeOnSuccess)
	assert.False(t, cfg.Web.Enabled)
	assert.Equal(t, "0.0.0.0:9092", cfg.Web.BindAddress)
	assert.True(t, cfg.Telemetry.Enabled)
}

func TestLoadConfig_Overrides(t *testing.T) {
	t.Setenv("UPLOAD_SERVER_URL", "https://files.example.com")
	t.Setenv("UPLOAD_TOKEN", "secret")
	t.Setenv("CHUNK_SIZE", "1048576")
	t.Setenv("DIGEST_ALGORITHM", "xxh64")
	t.Setenv("STORE_DRIVER", "badger")
	t.Setenv("WEB_ENABLED", "true")
	t.Setenv("WEB_BIND_ADDRESS", "127.0.0.1:8080")
	t.Setenv("TELEMETRY_OTLP_ENDPOINT", "collector:4317")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "secret", cfg.UploadToken)
	assert.Equal(t, int64(1048576), cfg.ChunkSize)
	assert.Equal(t, "xxh64", cfg.DigestAlgorithm)
	assert.Equal(t, "badger", cfg.StoreDriver)
	assert.True(t, cfg.Web.Enabled)
	assert.Equal(t, "127.0.0.1:8080", cfg.Web.BindAddress)
	assert.Equal(t, "collector:4317", cfg.Telemetry.OTLPEndpoint)
}

func TestLoadConfig_MissingServerURL(t *testing.T) {
	t.Setenv("UPLOAD_SERVER_URL", "")

	_, err := LoadConfig()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			UploadServerURL:  "http://localhost:3000",
			ChunkSize:        1024,
			HashWindow:       1024,
			DigestAlgorithm:  "md5",
			Concurrency:      3,
			MaxParallelFiles: 1,
			StoreDriver:      "memory",
		}
	}

	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"relative url", func(c *Config) { c.UploadServerURL = "/api" }, "UPLOAD_SERVER_URL"},
		{"zero chunk size", func(c *Config) { c.ChunkSize = 0 }, "CHUNK_SIZE"},
		{"negative window", func(c *Config) { c.HashWindow = -1 }, "HASH_WINDOW"},
		{"zero concurrency", func(c *Config) { c.Concurrency = 0 }, "CONCURRENCY"},
		{"zero parallel files", func(c *Config) { c.MaxParallelFiles = 0 }, "MAX_PARALLEL_FILES"},
		{"unknown algorithm", func(c *Config) { c.DigestAlgorithm = "sha1" }, "DIGEST_ALGORITHM"},
		{"unknown driver", func(c *Config) { c.StoreDriver = "postgres" }, "STORE_DRIVER"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)

			assert.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}
}

func TestSlogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"Warn":    slog.LevelWarn,
		"ERROR":   slog.LevelError,
		"verbose": slog.LevelInfo,
	}

	for level, want := range tests {
		cfg := &Config{LogLevel: level}
		assert.Equal(t, want, cfg.SlogLevel(), level)
	}
}
