// Package config provides configuration management for the portfolio copilot.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	apperrors "portfolio-copilot/internal/errors"
	"portfolio-copilot/internal/logging"
	"portfolio-copilot/internal/models"
)

// Sources for ticks and holdings.
const (
	SourceGateway = "gateway"
	SourceKite    = "kite"
	SourcePaper   = "paper"
)

// Config holds all application configuration.
type Config struct {
	Stream      StreamConfig   `mapstructure:"stream"`
	Holdings    HoldingsConfig `mapstructure:"holdings"`
	Gateway     GatewayConfig  `mapstructure:"gateway"`
	Log         LogSettings    `mapstructure:"log"`
	Credentials Credentials    `mapstructure:"-"` // Loaded separately
	Dir         string         `mapstructure:"-"`
}

// StreamConfig holds live tick stream configuration.
type StreamConfig struct {
	Source           string        `mapstructure:"source"`
	URL              string        `mapstructure:"url"`
	Mode             string        `mapstructure:"mode"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	EventLogSize     int           `mapstructure:"event_log_size"`
	// PaperInterval is the tick period of the simulated feed.
	PaperInterval time.Duration `mapstructure:"paper_interval"`
}

// HoldingsConfig holds configuration of the holdings collaborator.
type HoldingsConfig struct {
	Source        string `mapstructure:"source"`
	GatewayURL    string `mapstructure:"gateway_url"`
	RetryAttempts int    `mapstructure:"retry_attempts"`
	CacheEnabled  bool   `mapstructure:"cache_enabled"`
}

// GatewayConfig holds configuration of the relay gateway ('copilot serve').
type GatewayConfig struct {
	Addr           string   `mapstructure:"addr"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	RedirectURL    string   `mapstructure:"redirect_url"`
	MaxMessageSize int64    `mapstructure:"max_message_size"`
}

// LogSettings mirrors logging.LogConfig for the config file.
type LogSettings struct {
	Level      string `mapstructure:"level"`
	Console    bool   `mapstructure:"console"`
	File       bool   `mapstructure:"file"`
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
}

// Credentials holds API credentials.
type Credentials struct {
	Kite KiteCredentials `mapstructure:"kite"`
}

// KiteCredentials holds Kite Connect API credentials.
type KiteCredentials struct {
	APIKey    string `mapstructure:"api_key"`
	APISecret string `mapstructure:"api_secret"`
	UserID    string `mapstructure:"user_id"`
}

// DefaultConfigDir returns the default configuration directory.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".config/portfolio-copilot"
	}
	return filepath.Join(home, ".config", "portfolio-copilot")
}

// Load loads configuration from the specified directory.
// If configDir is empty, uses the default config directory. Missing files are
// created from templates.
func Load(configDir string) (*Config, error) {
	if configDir == "" {
		configDir = DefaultConfigDir()
	}

	// .env next to the config and in the working directory; both optional.
	_ = godotenv.Load(filepath.Join(configDir, ".env"))
	_ = godotenv.Load()

	cfg := &Config{Dir: configDir}

	if err := loadConfigFile(configDir, "config", cfg); err != nil {
		return nil, fmt.Errorf("loading config.toml: %w", err)
	}

	if err := loadCredentials(configDir, &cfg.Credentials); err != nil {
		return nil, fmt.Errorf("loading credentials.toml: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper, configDir string) {
	v.SetDefault("stream.source", SourceGateway)
	v.SetDefault("stream.url", "ws://localhost:8000/ws/stream")
	v.SetDefault("stream.mode", string(models.DefaultMode))
	v.SetDefault("stream.handshake_timeout", "10s")
	v.SetDefault("stream.event_log_size", 50)
	v.SetDefault("stream.paper_interval", "1s")

	v.SetDefault("holdings.source", SourceGateway)
	v.SetDefault("holdings.gateway_url", "http://localhost:8000")
	v.SetDefault("holdings.retry_attempts", 3)
	v.SetDefault("holdings.cache_enabled", true)

	v.SetDefault("gateway.addr", ":8000")
	v.SetDefault("gateway.allowed_origins", []string{"http://localhost:5173"})
	v.SetDefault("gateway.redirect_url", "http://localhost:5173/auth/kite/callback")
	v.SetDefault("gateway.max_message_size", 512*1024)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.console", true)
	v.SetDefault("log.file", true)
	v.SetDefault("log.file_path", filepath.Join(configDir, "logs", "copilot.log"))
	v.SetDefault("log.max_size", 100)
	v.SetDefault("log.max_backups", 7)
	v.SetDefault("log.max_age", 30)
}

func loadConfigFile(configDir, name string, target *Config) error {
	v := viper.New()
	v.SetConfigName(name)
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)
	setDefaults(v, configDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return err
		}
		// First run: write the template and continue with defaults.
		if err := createTemplateConfig(configDir, name); err != nil {
			return err
		}
	}

	return v.Unmarshal(target)
}

func loadCredentials(configDir string, creds *Credentials) error {
	v := viper.New()
	v.SetConfigName("credentials")
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return createTemplateCredentials(configDir)
		}
		return err
	}

	return v.Unmarshal(creds)
}

func applyEnvOverrides(cfg *Config) {
	// Kite credentials (same names the relay used in its .env)
	if v := os.Getenv("KITE_API_KEY"); v != "" {
		cfg.Credentials.Kite.APIKey = v
	}
	if v := os.Getenv("KITE_API_SECRET"); v != "" {
		cfg.Credentials.Kite.APISecret = v
	}
	if v := os.Getenv("KITE_USER_ID"); v != "" {
		cfg.Credentials.Kite.UserID = v
	}
	if v := os.Getenv("REDIRECT_URL"); v != "" {
		cfg.Gateway.RedirectURL = v
	}

	if v := os.Getenv("COPILOT_STREAM_URL"); v != "" {
		cfg.Stream.URL = v
	}
	if v := os.Getenv("COPILOT_STREAM_SOURCE"); v != "" {
		cfg.Stream.Source = v
	}
	if v := os.Getenv("COPILOT_HOLDINGS_SOURCE"); v != "" {
		cfg.Holdings.Source = v
	}
	if v := os.Getenv("COPILOT_GATEWAY_URL"); v != "" {
		cfg.Holdings.GatewayURL = v
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if !validSource(c.Stream.Source) {
		return apperrors.NewValidationError("stream.source", c.Stream.Source, "must be 'gateway', 'kite' or 'paper'")
	}
	if !validSource(c.Holdings.Source) {
		return apperrors.NewValidationError("holdings.source", c.Holdings.Source, "must be 'gateway', 'kite' or 'paper'")
	}
	if _, err := models.ParseMode(c.Stream.Mode); err != nil {
		return apperrors.NewValidationError("stream.mode", c.Stream.Mode, err.Error())
	}
	if c.Stream.HandshakeTimeout <= 0 {
		return apperrors.NewValidationError("stream.handshake_timeout", c.Stream.HandshakeTimeout, "must be positive")
	}
	if c.Stream.EventLogSize < 0 {
		return apperrors.NewValidationError("stream.event_log_size", c.Stream.EventLogSize, "must be non-negative")
	}
	if c.Holdings.RetryAttempts < 1 {
		return apperrors.NewValidationError("holdings.retry_attempts", c.Holdings.RetryAttempts, "must be at least 1")
	}
	if c.Gateway.MaxMessageSize <= 0 {
		return apperrors.NewValidationError("gateway.max_message_size", c.Gateway.MaxMessageSize, "must be positive")
	}
	return nil
}

func validSource(s string) bool {
	return s == SourceGateway || s == SourceKite || s == SourcePaper
}

// StreamMode returns the configured subscription mode.
func (c *Config) StreamMode() models.Mode {
	m, err := models.ParseMode(c.Stream.Mode)
	if err != nil {
		return models.DefaultMode
	}
	return m
}

// LogConfig converts the log section into a logging.LogConfig.
func (c *Config) LogConfig() logging.LogConfig {
	return logging.LogConfig{
		Level:      c.Log.Level,
		Console:    c.Log.Console,
		File:       c.Log.File,
		FilePath:   c.Log.FilePath,
		MaxSize:    c.Log.MaxSize,
		MaxBackups: c.Log.MaxBackups,
		MaxAge:     c.Log.MaxAge,
	}
}

// SessionPath returns where the Kite access token is persisted.
func (c *Config) SessionPath() string {
	return filepath.Join(c.Dir, "session.json")
}

// DatabasePath returns the sqlite database path.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.Dir, "copilot.db")
}
