package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix            = "TA_SUPPORT"
	defaultHTTPAddress   = "0.0.0.0:8080"
	defaultDatabasePath  = "ta_support.db"
	defaultLogLevel      = "info"
	defaultBoardAPIBase  = "https://api.miro.com/v2"
	defaultSyncInterval  = 5 * time.Minute
	defaultLockTTL       = 5 * time.Minute
	defaultTokenTTLHours = 24
)

// GroupEntry names one scheduled board synchronization target.
type GroupEntry struct {
	GroupID string   `json:"group_id"`
	BoardID string   `json:"board_id"`
	Types   []string `json:"types,omitempty"`
}

// AppConfig captures runtime configuration for the worker.
type AppConfig struct {
	HTTPAddress   string
	DatabasePath  string
	LogLevel      string
	BoardAPIBase  string
	BoardAPIToken string
	SigningSecret string
	TokenTTL      time.Duration
	RedisURL      string
	LockTTL       time.Duration
	SyncInterval  time.Duration
	SyncGroups    []GroupEntry
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
	configViper.SetDefault("board.api_base", defaultBoardAPIBase)
	configViper.SetDefault("auth.token_ttl_hours", defaultTokenTTLHours)
	configViper.SetDefault("redis.url", "")
	configViper.SetDefault("redis.lock_ttl", defaultLockTTL.String())
	configViper.SetDefault("sync.interval", defaultSyncInterval.String())
	configViper.SetDefault("sync.groups", "")
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:   configViper.GetString("http.address"),
		DatabasePath:  configViper.GetString("database.path"),
		LogLevel:      configViper.GetString("log.level"),
		BoardAPIBase:  configViper.GetString("board.api_base"),
		BoardAPIToken: configViper.GetString("board.token"),
		SigningSecret: configViper.GetString("auth.signing_secret"),
		TokenTTL:      time.Duration(configViper.GetInt("auth.token_ttl_hours")) * time.Hour,
		RedisURL:      configViper.GetString("redis.url"),
		LockTTL:       configViper.GetDuration("redis.lock_ttl"),
		SyncInterval:  configViper.GetDuration("sync.interval"),
	}

	groups, err := parseGroups(configViper.GetString("sync.groups"))
	if err != nil {
		return AppConfig{}, err
	}
	cfg.SyncGroups = groups

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// parseGroups decodes the scheduled sync targets from a JSON array, e.g.
// [{"group_id":"g1","board_id":"b1"}]. An empty value disables the scheduler.
func parseGroups(raw string) ([]GroupEntry, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, nil
	}

	var entries []GroupEntry
	if err := json.Unmarshal([]byte(trimmed), &entries); err != nil {
		return nil, fmt.Errorf("sync.groups is not a valid JSON array: %w", err)
	}
	for index, entry := range entries {
		if strings.TrimSpace(entry.GroupID) == "" && strings.TrimSpace(entry.BoardID) == "" {
			return nil, fmt.Errorf("sync.groups entry %d needs a group_id or board_id", index)
		}
	}
	return entries, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.BoardAPIToken) == "" {
		return fmt.Errorf("board.token is required")
	}
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.SyncInterval <= 0 {
		return fmt.Errorf("sync.interval must be positive")
	}
	return nil
}
