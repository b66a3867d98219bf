// Package config loads feedloop configuration from a YAML file with
// FEEDLOOP_ environment variable overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ProviderConfig holds the OAuth application and API settings.
type ProviderConfig struct {
	ClientID     string   `mapstructure:"client_id"`
	ClientSecret string   `mapstructure:"client_secret"`
	Scopes       []string `mapstructure:"scopes"`
	UserAgent    string   `mapstructure:"user_agent"`
	RedirectURI  string   `mapstructure:"redirect_uri"`
	BaseURL      string   `mapstructure:"base_url"`
	AuthURL      string   `mapstructure:"auth_url"`
	TokenURL     string   `mapstructure:"token_url"`
}

// MediaConfig holds the media cache settings.
type MediaConfig struct {
	CacheDir string        `mapstructure:"cache_dir"`
	MaxSize  int64         `mapstructure:"max_size_bytes"`
	TTL      time.Duration `mapstructure:"ttl"`
	Workers  int           `mapstructure:"workers"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Config is the full application configuration.
type Config struct {
	DataDir  string         `mapstructure:"data_dir"`
	Provider ProviderConfig `mapstructure:"provider"`
	Media    MediaConfig    `mapstructure:"media"`
	Log      LogConfig      `mapstructure:"log"`
}

// DatabasePath returns the path of the persistent store under the data dir.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "feedloop.db")
}

// DefaultPath returns the default config file location.
func DefaultPath() string {
	base, err := os.UserConfigDir()
	if err != nil {
		return "feedloop.yaml"
	}
	return filepath.Join(base, "feedloop", "config.yaml")
}

func defaultDataDir() string {
	base, err := os.UserConfigDir()
	if err != nil {
		return "."
	}
	return filepath.Join(base, "feedloop")
}

// Load reads configuration from path (or the default location when path is
// empty) and applies FEEDLOOP_ environment overrides. A missing default
// file is not an error; required fields are validated at use sites.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	dataDir := defaultDataDir()
	v.SetDefault("data_dir", dataDir)
	// Every key needs a default registered for env overrides to reach
	// Unmarshal.
	v.SetDefault("provider.client_id", "")
	v.SetDefault("provider.client_secret", "")
	v.SetDefault("provider.base_url", "")
	v.SetDefault("provider.auth_url", "")
	v.SetDefault("provider.token_url", "")
	v.SetDefault("provider.scopes", []string{"identity", "read", "vote", "save", "submit", "subscribe", "report", "history", "mysubreddits"})
	v.SetDefault("provider.user_agent", "feedloop/1.0")
	v.SetDefault("provider.redirect_uri", "http://127.0.0.1:0/callback")
	v.SetDefault("media.cache_dir", filepath.Join(dataDir, "media"))
	v.SetDefault("media.max_size_bytes", int64(512*1024*1024))
	v.SetDefault("media.ttl", "24h")
	v.SetDefault("media.workers", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		if explicit {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// A missing default file is fine; defaults and env still apply.
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound && !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	v.SetEnvPrefix("FEEDLOOP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling configuration: %w", err)
	}
	return &cfg, nil
}
