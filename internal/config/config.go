package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"
)

const (
	envPrefix            = "SYNCSTORE"
	defaultHTTPAddress   = "0.0.0.0:8080"
	defaultDatabasePath  = "syncstore.db"
	defaultLogLevel      = "info"
	defaultTokenIssuer   = "syncstore"
	defaultRetentionDays = 90
	defaultMaintenance   = 60
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress         string
	DatabasePath        string
	LogLevel            string
	LogFile             string
	SigningSecret       string
	TokenIssuer         string
	InstanceGUID        uuid.UUID
	SyncRetention       time.Duration
	LogAllChanges       bool
	StrictHierarchy     bool
	MaintenanceInterval time.Duration
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper
// instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.file", "")
	configViper.SetDefault("auth.issuer", defaultTokenIssuer)
	configViper.SetDefault("sync.retention_days", defaultRetentionDays)
	configViper.SetDefault("sync.log_all_changes", false)
	configViper.SetDefault("sync.strict_hierarchy", false)
	configViper.SetDefault("maintenance.interval_minutes", defaultMaintenance)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:         configViper.GetString("http.address"),
		DatabasePath:        configViper.GetString("database.path"),
		LogLevel:            configViper.GetString("log.level"),
		LogFile:             configViper.GetString("log.file"),
		SigningSecret:       configViper.GetString("auth.signing_secret"),
		TokenIssuer:         configViper.GetString("auth.issuer"),
		SyncRetention:       time.Duration(configViper.GetInt("sync.retention_days")) * 24 * time.Hour,
		LogAllChanges:       configViper.GetBool("sync.log_all_changes"),
		StrictHierarchy:     configViper.GetBool("sync.strict_hierarchy"),
		MaintenanceInterval: time.Duration(configViper.GetInt("maintenance.interval_minutes")) * time.Minute,
	}

	rawGUID := strings.TrimSpace(configViper.GetString("instance.guid"))
	if rawGUID != "" {
		parsed, err := uuid.Parse(rawGUID)
		if err != nil {
			return AppConfig{}, fmt.Errorf("instance.guid is not a valid UUID: %w", err)
		}
		cfg.InstanceGUID = parsed
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.InstanceGUID == uuid.Nil {
		return fmt.Errorf("instance.guid is required; change keys need a stable server identity")
	}
	if c.SyncRetention <= 0 {
		return fmt.Errorf("sync.retention_days must be positive")
	}
	return nil
}
