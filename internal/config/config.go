package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config struct for environment variables.
type Config struct {
	UploadServerURL string        `envconfig:"UPLOAD_SERVER_URL" required:"true"`
	UploadToken     string        `envconfig:"UPLOAD_TOKEN"`
	RequestTimeout  time.Duration `envconfig:"REQUEST_TIMEOUT" default:"5m"`

	ChunkSize        int64  `envconfig:"CHUNK_SIZE" default:"2097152"`
	HashWindow       int64  `envconfig:"HASH_WINDOW" default:"2097152"`
	DigestAlgorithm  string `envconfig:"DIGEST_ALGORITHM" default:"md5"`
	Concurrency      int    `envconfig:"CONCURRENCY" default:"3"`
	MaxParallelFiles int    `envconfig:"MAX_PARALLEL_FILES" default:"2"`

	StoreDriver string `envconfig:"STORE_DRIVER" default:"sqlite"`
	DBPath      string `envconfig:"DB_PATH" default:"uploads.db"`
	BadgerDir   string `envconfig:"BADGER_DIR" default:"uploads.badger"`

	KeepCompletedFor time.Duration `envconfig:"KEEP_COMPLETED_FOR" default:"168h"`
	CleanupInterval  time.Duration `envconfig:"CLEANUP_INTERVAL" default:"1h"`
	ResumeOnStart    bool          `envconfig:"RESUME_ON_START" default:"true"`
	PurgeOnSuccess   bool          `envconfig:"PURGE_ON_SUCCESS" default:"false"`

	LogLevel          string `envconfig:"LOG_LEVEL" default:"INFO"`
	DiscordWebhookURL string `envconfig:"DISCORD_WEBHOOK_URL"`

	Web struct {
		Enabled         bool          `split_words:"true" default:"false"`
		Username        string        `split_words:"true"`
		Password        string        `split_words:"true"`
		BindAddress     string        `split_words:"true" default:"0.0.0.0:9092"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"30s"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}

	Telemetry struct {
		Enabled        bool   `split_words:"true" default:"true"`
		ServiceName    string `split_words:"true" default:"resumable-uploader"`
		ServiceVersion string `split_words:"true" default:"dev"`
		OTLPEndpoint   string `envconfig:"OTLP_ENDPOINT"`
	}
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// Validate checks the values envconfig cannot express with tags.
func (c *Config) Validate() error {
	var errs []error

	if u, err := url.Parse(c.UploadServerURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("UPLOAD_SERVER_URL must be an absolute URL, got %q", c.UploadServerURL))
	}

	if c.ChunkSize <= 0 {
		errs = append(errs, fmt.Errorf("CHUNK_SIZE must be positive, got %d", c.ChunkSize))
	}

	if c.HashWindow <= 0 {
		errs = append(errs, fmt.Errorf("HASH_WINDOW must be positive, got %d", c.HashWindow))
	}

	if c.Concurrency <= 0 {
		errs = append(errs, fmt.Errorf("CONCURRENCY must be positive, got %d", c.Concurrency))
	}

	if c.MaxParallelFiles <= 0 {
		errs = append(errs, fmt.Errorf("MAX_PARALLEL_FILES must be positive, got %d", c.MaxParallelFiles))
	}

	switch c.DigestAlgorithm {
	case "md5", "xxh64":
	default:
		errs = append(errs, fmt.Errorf("unknown DIGEST_ALGORITHM: %s", c.DigestAlgorithm))
	}

	switch c.StoreDriver {
	case "sqlite", "badger", "memory":
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_DRIVER: %s", c.StoreDriver))
	}

	return errors.Join(errs...)
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
