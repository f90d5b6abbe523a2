package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadFrom(t.TempDir(), "missing")
	if err != nil {
		t.Fatalf("LoadFrom() error = %v", err)
	}

	if cfg.Room.TTL != 24*time.Hour {
		t.Errorf("Room.TTL = %v, want 24h", cfg.Room.TTL)
	}
	if cfg.Room.IDLength != 8 || cfg.Room.CodeLength != 6 {
		t.Errorf("Room lengths = %d/%d, want 8/6", cfg.Room.IDLength, cfg.Room.CodeLength)
	}
	if cfg.Sync.PollInterval != 3*time.Second {
		t.Errorf("Sync.PollInterval = %v, want 3s", cfg.Sync.PollInterval)
	}
	if cfg.PubSub.Driver != "memory" {
		t.Errorf("PubSub.Driver = %q, want memory", cfg.PubSub.Driver)
	}
	if cfg.Database.DBName != "ephemeral_chat" {
		t.Errorf("Database.DBName = %q", cfg.Database.DBName)
	}
	if cfg.Prefs.Storage.Type != "local" {
		t.Errorf("Prefs.Storage.Type = %q, want local", cfg.Prefs.Storage.Type)
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	yaml := []byte(`
room:
  ttl: 1h
pubsub:
  driver: redis
sync:
  poll_interval: 500ms
`)
	if err := os.WriteFile(filepath.Join(dir, "chat.yaml"), yaml, 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("MESSAGE_ID_STRATEGY", "ulid")
	t.Setenv("DB_DRIVER", "postgres")

	cfg, err := LoadFrom(dir, "chat")
	if err != nil {
		t.Fatalf("LoadFrom() error = %v", err)
	}

	if cfg.Room.TTL != time.Hour {
		t.Errorf("Room.TTL = %v, want 1h", cfg.Room.TTL)
	}
	if cfg.PubSub.Driver != "redis" {
		t.Errorf("PubSub.Driver = %q, want redis", cfg.PubSub.Driver)
	}
	if cfg.Sync.PollInterval != 500*time.Millisecond {
		t.Errorf("Sync.PollInterval = %v", cfg.Sync.PollInterval)
	}
	if cfg.IDs.MessageStrategy != "ulid" {
		t.Errorf("IDs.MessageStrategy = %q, want ulid", cfg.IDs.MessageStrategy)
	}
	if cfg.Database.Driver != "postgres" {
		t.Errorf("Database.Driver = %q, want postgres", cfg.Database.Driver)
	}
}
