package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix              = "ROOMSYNC"
	defaultHTTPAddress     = "0.0.0.0:8080"
	defaultDatabaseDriver  = DriverSQLite
	defaultDatabasePath    = "callback_data.db"
	defaultLogLevel        = "info"
	defaultUpstreamTimeout = 30

	// DriverSQLite selects the embedded pure Go SQLite store.
	DriverSQLite = "sqlite"
	// DriverMySQL selects a MySQL server reached through database.dsn.
	DriverMySQL = "mysql"
)

// AppConfig captures runtime configuration for the collector.
type AppConfig struct {
	HTTPAddress    string
	DatabaseDriver string
	DatabasePath   string
	DatabaseDSN    string
	LogLevel       string
	Upstream       UpstreamConfig
}

// UpstreamConfig points at the real-time server's management API.
type UpstreamConfig struct {
	BaseURL      string
	APIKey       string
	PullInterval time.Duration
	Timeout      time.Duration
}

// Enabled reports whether an upstream base URL was configured.
func (u UpstreamConfig) Enabled() bool {
	return u.BaseURL != ""
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("database.dsn", "")
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("upstream.base_url", "")
	configViper.SetDefault("upstream.api_key", "")
	configViper.SetDefault("upstream.pull_interval_seconds", 0)
	configViper.SetDefault("upstream.timeout_seconds", defaultUpstreamTimeout)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	pullSeconds := configViper.GetInt("upstream.pull_interval_seconds")
	timeoutSeconds := configViper.GetInt("upstream.timeout_seconds")

	cfg := AppConfig{
		HTTPAddress:    configViper.GetString("http.address"),
		DatabaseDriver: strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabasePath:   configViper.GetString("database.path"),
		DatabaseDSN:    configViper.GetString("database.dsn"),
		LogLevel:       configViper.GetString("log.level"),
		Upstream: UpstreamConfig{
			BaseURL:      strings.TrimRight(strings.TrimSpace(configViper.GetString("upstream.base_url")), "/"),
			APIKey:       configViper.GetString("upstream.api_key"),
			PullInterval: time.Duration(pullSeconds) * time.Second,
			Timeout:      time.Duration(timeoutSeconds) * time.Second,
		},
	}

	if pullSeconds < 0 {
		return AppConfig{}, fmt.Errorf("upstream.pull_interval_seconds must not be negative")
	}
	if timeoutSeconds < 0 {
		return AppConfig{}, fmt.Errorf("upstream.timeout_seconds must not be negative")
	}
	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.HTTPAddress) == "" {
		return fmt.Errorf("http.address is required")
	}
	switch c.DatabaseDriver {
	case DriverSQLite:
		if strings.TrimSpace(c.DatabasePath) == "" {
			return fmt.Errorf("database.path is required for the %s driver", DriverSQLite)
		}
	case DriverMySQL:
		if strings.TrimSpace(c.DatabaseDSN) == "" {
			return fmt.Errorf("database.dsn is required for the %s driver", DriverMySQL)
		}
	default:
		return fmt.Errorf("database.driver %q is not supported", c.DatabaseDriver)
	}
	if c.Upstream.Enabled() && strings.TrimSpace(c.Upstream.APIKey) == "" {
		return fmt.Errorf("upstream.api_key is required when upstream.base_url is set")
	}
	if c.Upstream.PullInterval > 0 && !c.Upstream.Enabled() {
		return fmt.Errorf("upstream.base_url is required when upstream.pull_interval_seconds is set")
	}
	return nil
}
