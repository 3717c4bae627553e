package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix              = "NITPICK"
	defaultHTTPAddress     = "0.0.0.0:8080"
	defaultDatabasePath    = "nitpick.db"
	defaultLogLevel        = "info"
	defaultLogFormat       = "json"
	defaultCookieName      = "app_session"
	defaultIssuer          = "nitpick-auth"
	defaultUnsubmitTimeout = 10 * time.Minute
	defaultQuotaTimezone   = "UTC"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress     string
	DatabasePath    string
	LogLevel        string
	LogFormat       string
	AuthSigningKey  string
	AuthIssuer      string
	AuthCookieName  string
	AllowedOrigins  []string
	UnsubmitTimeout time.Duration
	QuotaLocation   *time.Location
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
	configViper.SetDefault("http.allowed_origins", []string{})
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("auth.cookie_name", defaultCookieName)
	configViper.SetDefault("auth.issuer", defaultIssuer)
	configViper.SetDefault("review.unsubmit_timeout", defaultUnsubmitTimeout)
	configViper.SetDefault("review.quota_timezone", defaultQuotaTimezone)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:     configViper.GetString("http.address"),
		DatabasePath:    configViper.GetString("database.path"),
		LogLevel:        configViper.GetString("log.level"),
		LogFormat:       configViper.GetString("log.format"),
		AuthSigningKey:  configViper.GetString("auth.signing_secret"),
		AuthIssuer:      configViper.GetString("auth.issuer"),
		AuthCookieName:  configViper.GetString("auth.cookie_name"),
		AllowedOrigins:  configViper.GetStringSlice("http.allowed_origins"),
		UnsubmitTimeout: configViper.GetDuration("review.unsubmit_timeout"),
	}

	zone := strings.TrimSpace(configViper.GetString("review.quota_timezone"))
	location, err := time.LoadLocation(zone)
	if err != nil {
		return AppConfig{}, fmt.Errorf("review.quota_timezone %q: %w", zone, err)
	}
	cfg.QuotaLocation = location

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.AuthSigningKey) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.AuthCookieName) == "" {
		return fmt.Errorf("auth.cookie_name is required")
	}
	if strings.TrimSpace(c.AuthIssuer) == "" {
		return fmt.Errorf("auth.issuer is required")
	}
	if c.UnsubmitTimeout <= 0 {
		return fmt.Errorf("review.unsubmit_timeout must be positive")
	}
	return nil
}
