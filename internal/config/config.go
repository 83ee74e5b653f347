package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the client-side session engine settings. Values come from
// the environment first, with a .env file as fallback.
type Config struct {
	BaseURL         string        `mapstructure:"PORTAL_BASE_URL"`
	Env             string        `mapstructure:"ENV"`
	AccessTokenTTL  time.Duration `mapstructure:"ACCESS_TOKEN_TTL"`
	RefreshTokenTTL time.Duration `mapstructure:"REFRESH_TOKEN_TTL"`
	RefreshMargin   time.Duration `mapstructure:"REFRESH_MARGIN"`
	IdleTimeout     time.Duration `mapstructure:"IDLE_TIMEOUT"`
	IdleEvents      []string      `mapstructure:"IDLE_EVENTS"`
	CredentialsFile string        `mapstructure:"CREDENTIALS_FILE"`
	HTTPTimeout     time.Duration `mapstructure:"HTTP_TIMEOUT"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORTAL_BASE_URL", "http://localhost:8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("ACCESS_TOKEN_TTL", "900s")
	v.SetDefault("REFRESH_TOKEN_TTL", "604800s")
	v.SetDefault("REFRESH_MARGIN", "60s")
	v.SetDefault("IDLE_TIMEOUT", "0")
	v.SetDefault("IDLE_EVENTS", "pointer,keyboard,scroll,touch")
	v.SetDefault("CREDENTIALS_FILE", defaultCredentialsFile())
	v.SetDefault("HTTP_TIMEOUT", "15s")

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORTAL_BASE_URL")
	v.BindEnv("ENV")
	v.BindEnv("ACCESS_TOKEN_TTL")
	v.BindEnv("REFRESH_TOKEN_TTL")
	v.BindEnv("REFRESH_MARGIN")
	v.BindEnv("IDLE_TIMEOUT")
	v.BindEnv("IDLE_EVENTS")
	v.BindEnv("CREDENTIALS_FILE")
	v.BindEnv("HTTP_TIMEOUT")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.IdleEvents == nil {
		events := v.GetString("IDLE_EVENTS")
		if events != "" {
			cfg.IdleEvents = strings.Split(events, ",")
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks settings that would otherwise surface as confusing
// runtime behavior (a refresh armed in the past, zero HTTP timeouts).
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("PORTAL_BASE_URL is required")
	}
	if c.AccessTokenTTL <= 0 {
		return fmt.Errorf("ACCESS_TOKEN_TTL must be > 0")
	}
	if c.RefreshTokenTTL <= 0 {
		return fmt.Errorf("REFRESH_TOKEN_TTL must be > 0")
	}
	if c.RefreshMargin <= 0 || c.RefreshMargin >= c.AccessTokenTTL {
		return fmt.Errorf("REFRESH_MARGIN must be > 0 and < ACCESS_TOKEN_TTL")
	}
	if c.IdleTimeout < 0 {
		return fmt.Errorf("IDLE_TIMEOUT must be >= 0")
	}
	if c.HTTPTimeout <= 0 {
		return fmt.Errorf("HTTP_TIMEOUT must be > 0")
	}
	return nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func defaultCredentialsFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".portal-credentials.json"
	}
	return filepath.Join(home, ".portal", "credentials.json")
}
