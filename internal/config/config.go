package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix             = "STRIDE"
	defaultGatewayAddress = "127.0.0.1:8420"
	defaultDatabasePath   = "stride.db"
	defaultLogLevel       = "info"
	defaultPublishQuorum  = 2
	defaultPublishTimeout = 10 * time.Second
	defaultQueryWindow    = 3 * time.Second
)

// AppConfig captures runtime configuration for the registry daemon.
type AppConfig struct {
	GatewayAddress string
	RelayURLs      []string
	PublishQuorum  int
	PublishTimeout time.Duration
	QueryWindow    time.Duration
	DatabasePath   string
	LogLevel       string
	SessionSecret  string
	SignerSecret   string
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

	configViper.SetDefault("gateway.address", defaultGatewayAddress)
	configViper.SetDefault("relays.urls", []string{})
	configViper.SetDefault("relays.publish_quorum", defaultPublishQuorum)
	configViper.SetDefault("relays.publish_timeout", defaultPublishTimeout)
	configViper.SetDefault("relays.query_window", defaultQueryWindow)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		GatewayAddress: configViper.GetString("gateway.address"),
		RelayURLs:      configViper.GetStringSlice("relays.urls"),
		PublishQuorum:  configViper.GetInt("relays.publish_quorum"),
		PublishTimeout: configViper.GetDuration("relays.publish_timeout"),
		QueryWindow:    configViper.GetDuration("relays.query_window"),
		DatabasePath:   configViper.GetString("database.path"),
		LogLevel:       configViper.GetString("log.level"),
		SessionSecret:  configViper.GetString("session.signing_secret"),
		SignerSecret:   configViper.GetString("signer.secret"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if len(c.RelayURLs) == 0 {
		return fmt.Errorf("relays.urls requires at least one relay")
	}
	if c.PublishQuorum < 1 || c.PublishQuorum > len(c.RelayURLs) {
		return fmt.Errorf("relays.publish_quorum must be between 1 and %d", len(c.RelayURLs))
	}
	if c.PublishTimeout <= 0 {
		return fmt.Errorf("relays.publish_timeout must be positive")
	}
	if c.QueryWindow <= 0 {
		return fmt.Errorf("relays.query_window must be positive")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.SessionSecret) == "" {
		return fmt.Errorf("session.signing_secret is required")
	}
	if strings.TrimSpace(c.SignerSecret) == "" {
		return fmt.Errorf("signer.secret is required")
	}
	return nil
}
