package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                 = "LODESTAR"
	defaultHTTPAddress        = "0.0.0.0:8080"
	defaultDatabasePath       = "lodestar.db"
	defaultLogLevel           = "info"
	defaultCompactionInterval = 2 * time.Minute
	defaultUpdateThreshold    = 100
	defaultMaxSnapshotAge     = 5 * time.Minute
	defaultPruneKeepDays      = 30
	defaultMailboxSize        = 256
)

// AppConfig captures runtime configuration for the collaboration backend.
type AppConfig struct {
	HTTPAddress        string
	DatabasePath       string
	LogLevel           string
	AuthAudience       string
	AuthJWKSURL        string
	AuthIssuers        []string
	CompactionInterval time.Duration
	UpdateThreshold    int
	MaxSnapshotAge     time.Duration
	PruneKeepDays      int
	MailboxSize        int
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
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("compaction.interval_seconds", int(defaultCompactionInterval.Seconds()))
	configViper.SetDefault("compaction.update_threshold", defaultUpdateThreshold)
	configViper.SetDefault("compaction.max_snapshot_age_seconds", int(defaultMaxSnapshotAge.Seconds()))
	configViper.SetDefault("retention.keep_days", defaultPruneKeepDays)
	configViper.SetDefault("realtime.mailbox_size", defaultMailboxSize)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:        configViper.GetString("http.address"),
		DatabasePath:       configViper.GetString("database.path"),
		LogLevel:           configViper.GetString("log.level"),
		AuthAudience:       configViper.GetString("auth.audience"),
		AuthJWKSURL:        configViper.GetString("auth.jwks_url"),
		AuthIssuers:        configViper.GetStringSlice("auth.issuers"),
		CompactionInterval: time.Duration(configViper.GetInt("compaction.interval_seconds")) * time.Second,
		UpdateThreshold:    configViper.GetInt("compaction.update_threshold"),
		MaxSnapshotAge:     time.Duration(configViper.GetInt("compaction.max_snapshot_age_seconds")) * time.Second,
		PruneKeepDays:      configViper.GetInt("retention.keep_days"),
		MailboxSize:        configViper.GetInt("realtime.mailbox_size"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.AuthAudience) == "" {
		return fmt.Errorf("auth.audience is required")
	}
	if strings.TrimSpace(c.AuthJWKSURL) == "" {
		return fmt.Errorf("auth.jwks_url is required")
	}
	if c.CompactionInterval <= 0 {
		return fmt.Errorf("compaction.interval_seconds must be positive")
	}
	if c.UpdateThreshold <= 0 {
		return fmt.Errorf("compaction.update_threshold must be positive")
	}
	if c.MaxSnapshotAge <= 0 {
		return fmt.Errorf("compaction.max_snapshot_age_seconds must be positive")
	}
	if c.PruneKeepDays < 0 {
		return fmt.Errorf("retention.keep_days must not be negative")
	}
	if c.MailboxSize <= 0 {
		return fmt.Errorf("realtime.mailbox_size must be positive")
	}
	return nil
}
