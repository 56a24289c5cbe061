package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
)

const (
	// MaxAttachmentSize is the ceiling for a staged image (10 MiB).
	MaxAttachmentSize = 10 * 1024 * 1024

	// BannerTimeout is how long a transient error banner stays visible.
	BannerTimeout = 5 * time.Second

	// TokenLifetime is how long a persisted credential survives.
	TokenLifetime = 7 * 24 * time.Hour

	DefaultAPIURL         = "http://localhost:8000"
	DefaultDBPath         = "gatechat.db"
	DefaultLogDir         = "logs"
	DefaultRequestTimeout = 60 * time.Second
	DefaultPreviewSize    = 512
)

// Config holds application configuration
type Config struct {
	APIURL         string        `toml:"api_url" env:"GATECHAT_API_URL"`
	DBPath         string        `toml:"db_path" env:"GATECHAT_DB_PATH"`
	LogDir         string        `toml:"log_dir" env:"GATECHAT_LOG_DIR"`
	RequestTimeout time.Duration `toml:"request_timeout" env:"GATECHAT_REQUEST_TIMEOUT"`
	Debug          bool          `toml:"debug" env:"GATECHAT_DEBUG"`

	Telemetry bool `toml:"telemetry" env:"GATECHAT_TELEMETRY"` // Export traces and metrics to LogDir
	Ephemeral bool `toml:"ephemeral" env:"GATECHAT_EPHEMERAL"` // Keep the credential in memory only

	PreviewSize uint `toml:"preview_size" env:"GATECHAT_PREVIEW_SIZE"` // Longest preview edge in pixels
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		APIURL:         DefaultAPIURL,
		DBPath:         DefaultDBPath,
		LogDir:         DefaultLogDir,
		RequestTimeout: DefaultRequestTimeout,
		Telemetry:      true,
		PreviewSize:    DefaultPreviewSize,
	}
}

// Load builds the configuration from the defaults, the optional TOML file at
// path and the GATECHAT_* environment, in that order of precedence.
// A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil && !errors.Is(err, os.ErrNotExist) {
			return cfg, fmt.Errorf("parse config file: %w", err)
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse environment: %w", err)
	}

	return cfg, cfg.Validate()
}

// Validate reports settings the client cannot run with.
func (c Config) Validate() error {
	if c.APIURL == "" {
		return errors.New("api url is required")
	}
	if c.RequestTimeout < 0 {
		return fmt.Errorf("invalid request timeout: %s", c.RequestTimeout)
	}
	if !c.Ephemeral && c.DBPath == "" {
		return errors.New("db path is required unless running ephemeral")
	}
	return nil
}
