package config

import (
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func newLoadedViper(overrides map[string]string) *viper.Viper {
	configViper := NewViper()
	configViper.Set("board.token", "test-token")
	configViper.Set("auth.signing_secret", "test-secret")
	for key, value := range overrides {
		configViper.Set(key, value)
	}
	return configViper
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(newLoadedViper(nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.HTTPAddress != "0.0.0.0:8080" {
		t.Fatalf("unexpected http address: %s", cfg.HTTPAddress)
	}
	if cfg.DatabasePath != "ta_support.db" {
		t.Fatalf("unexpected database path: %s", cfg.DatabasePath)
	}
	if cfg.BoardAPIBase != "https://api.miro.com/v2" {
		t.Fatalf("unexpected api base: %s", cfg.BoardAPIBase)
	}
	if cfg.SyncInterval != 5*time.Minute {
		t.Fatalf("unexpected sync interval: %s", cfg.SyncInterval)
	}
	if cfg.TokenTTL != 24*time.Hour {
		t.Fatalf("unexpected token ttl: %s", cfg.TokenTTL)
	}
	if len(cfg.SyncGroups) != 0 {
		t.Fatalf("expected no sync groups by default")
	}
}

func TestLoadRequiresBoardToken(t *testing.T) {
	configViper := NewViper()
	configViper.Set("auth.signing_secret", "test-secret")

	_, err := Load(configViper)
	if err == nil || !strings.Contains(err.Error(), "board.token") {
		t.Fatalf("expected a board.token error, got %v", err)
	}
}

func TestLoadRequiresSigningSecret(t *testing.T) {
	configViper := NewViper()
	configViper.Set("board.token", "test-token")

	_, err := Load(configViper)
	if err == nil || !strings.Contains(err.Error(), "auth.signing_secret") {
		t.Fatalf("expected an auth.signing_secret error, got %v", err)
	}
}

func TestLoadRejectsNonPositiveInterval(t *testing.T) {
	_, err := Load(newLoadedViper(map[string]string{"sync.interval": "0s"}))
	if err == nil || !strings.Contains(err.Error(), "sync.interval") {
		t.Fatalf("expected a sync.interval error, got %v", err)
	}
}

func TestLoadParsesSyncGroups(t *testing.T) {
	raw := `[{"group_id":"group-1","board_id":"board-1","types":["sticky_note"]},{"board_id":"board-2"}]`
	cfg, err := Load(newLoadedViper(map[string]string{"sync.groups": raw}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.SyncGroups) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(cfg.SyncGroups))
	}
	first := cfg.SyncGroups[0]
	if first.GroupID != "group-1" || first.BoardID != "board-1" {
		t.Fatalf("unexpected first entry: %#v", first)
	}
	if len(first.Types) != 1 || first.Types[0] != "sticky_note" {
		t.Fatalf("unexpected types: %v", first.Types)
	}
	if cfg.SyncGroups[1].BoardID != "board-2" {
		t.Fatalf("unexpected second entry: %#v", cfg.SyncGroups[1])
	}
}

func TestLoadRejectsMalformedSyncGroups(t *testing.T) {
	_, err := Load(newLoadedViper(map[string]string{"sync.groups": "{broken"}))
	if err == nil {
		t.Fatalf("expected a parse error")
	}
}

func TestLoadRejectsEmptySyncGroupEntry(t *testing.T) {
	_, err := Load(newLoadedViper(map[string]string{"sync.groups": `[{}]`}))
	if err == nil {
		t.Fatalf("expected an empty entry error")
	}
}
