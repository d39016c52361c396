// Package config loads the node configuration file cmd/dcgka-node reads
// at startup: local identity, storage backend selection, sync manager
// tuning, and the peer addresses to dial.
package config

import (
	"fmt"

	"github.com/BurntSushi/toml"

	"github.com/p2panda/dcgka-core/internal/logging"
)

var logger = logging.Logger("config")

// StorageBackend selects which pkg/store implementation a node runs
// against.
type StorageBackend string

const (
	StorageMemory StorageBackend = "memory"
	StorageSQLite StorageBackend = "sqlite"
)

// Config is the root of a node's TOML configuration file.
type Config struct {
	Identity Identity `toml:"identity"`
	Storage  Storage  `toml:"storage"`
	Sync     Sync     `toml:"sync"`
	Peers    []string `toml:"peers"`
}

// Identity locates the local member's long-term key material on disk.
type Identity struct {
	// KeyPath is where the node's identity keypair is stored. pkg/keys.Init
	// does not read it: it generates a fresh identity key pair each time.
	KeyPath string `toml:"key_path"`
}

// Storage selects and configures the operation/log store collaborator
// (spec.md §6).
type Storage struct {
	Backend StorageBackend `toml:"backend"`
	// Path is the sqlite database file; ignored when Backend is memory.
	Path string `toml:"path"`
}

// Sync configures the Sync Manager (spec.md §5).
type Sync struct {
	// ChannelCapacity bounds each hosted session's forwarding channel.
	// Zero falls back to syncmanager's own default (1024, per spec.md §5).
	ChannelCapacity int `toml:"channel_capacity"`
	// DedupCapacity bounds pkg/logsync's inbound hash dedup buffer.
	DedupCapacity int `toml:"dedup_capacity"`
}

// Load parses the TOML file at path into a Config, applying the documented
// defaults for any field the file leaves unset.
func Load(path string) (Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode %s: %w", path, err)
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = StorageMemory
	}
	if cfg.Storage.Backend != StorageMemory && cfg.Storage.Backend != StorageSQLite {
		return Config{}, fmt.Errorf("config: unknown storage backend %q", cfg.Storage.Backend)
	}
	if cfg.Storage.Backend == StorageSQLite && cfg.Storage.Path == "" {
		return Config{}, fmt.Errorf("config: storage.path is required for the sqlite backend")
	}
	logger.Infof("loaded config from %s (storage=%s, peers=%d)", path, cfg.Storage.Backend, len(cfg.Peers))
	return cfg, nil
}
