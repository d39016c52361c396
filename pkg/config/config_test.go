package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTemp(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadDefaultsToMemoryBackend(t *testing.T) {
	path := writeTemp(t, `
peers = ["127.0.0.1:4001"]

[identity]
key_path = "identity.key"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Storage.Backend != StorageMemory {
		t.Fatalf("Backend = %q, want %q", cfg.Storage.Backend, StorageMemory)
	}
	if len(cfg.Peers) != 1 || cfg.Peers[0] != "127.0.0.1:4001" {
		t.Fatalf("Peers = %v, want one peer", cfg.Peers)
	}
}

func TestLoadSQLiteRequiresPath(t *testing.T) {
	path := writeTemp(t, `
[storage]
backend = "sqlite"
`)
	if _, err := Load(path); err == nil {
		t.Fatalf("Load should reject a sqlite backend with no path")
	}
}

func TestLoadRejectsUnknownBackend(t *testing.T) {
	path := writeTemp(t, `
[storage]
backend = "postgres"
`)
	if _, err := Load(path); err == nil {
		t.Fatalf("Load should reject an unrecognized storage backend")
	}
}

func TestLoadSQLiteWithPath(t *testing.T) {
	path := writeTemp(t, `
[storage]
backend = "sqlite"
path = "node.db"

[sync]
channel_capacity = 256
dedup_capacity = 1024
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Storage.Path != "node.db" {
		t.Fatalf("Storage.Path = %q, want node.db", cfg.Storage.Path)
	}
	if cfg.Sync.ChannelCapacity != 256 || cfg.Sync.DedupCapacity != 1024 {
		t.Fatalf("Sync = %+v, want ChannelCapacity=256 DedupCapacity=1024", cfg.Sync)
	}
}
