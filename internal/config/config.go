// Package config loads the orchestrator's daemon configuration from a
// single orchestrator.toml, strictly decoded via github.com/BurntSushi/
// toml — any key not recognized by one of the steward config structs is
// rejected rather than silently ignored. Every field defaults in code
// when left unset in the file.
package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"

	"github.com/stoneforge-ai/orchestrator/internal/health"
	"github.com/stoneforge-ai/orchestrator/internal/merge"
)

// IdGenConfig holds internal/idgen's tunables.
type IdGenConfig struct {
	// ElementCount is decoded from the config file; nothing in this
	// repository passes it to idgen, so it does not affect the hash length
	// of generated ids.
	ElementCount int `toml:"element_count"`
}

// StoreConfig names the backing Store implementation and its connection
// string; the core treats Store as an opaque external dependency, so
// this is deployment wiring, not a core config surface.
type StoreConfig struct {
	Driver string `toml:"driver"` // "memory" or "sqlite"
	DSN    string `toml:"dsn"`    // e.g. a sqlite file path
}

// Config is the full decoded shape of orchestrator.toml.
type Config struct {
	LogLevel string `toml:"log_level"`

	Store  StoreConfig   `toml:"store"`
	IdGen  IdGenConfig   `toml:"idgen"`
	Health health.Config `toml:"health"`
	Merge  merge.Config  `toml:"merge"`
}

// Default returns a Config with every steward's documented defaults
// applied, suitable as the base a loaded file is decoded on top of.
func Default() Config {
	return Config{
		LogLevel: "info",
		Store:    StoreConfig{Driver: "memory"},
		Health:   health.DefaultConfig(),
		Merge:    merge.DefaultConfig(),
	}
}

// Load reads and strict-decodes path into a Config seeded with Default's
// values. Unknown keys anywhere in the file are rejected (toml.MetaData.
// Undecoded()), matching strict config-loading posture.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}

	meta, err := toml.Decode(string(data), &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("config %s: unknown key %q", path, undecoded[0].String())
	}

	return cfg, nil
}

// LoadOrDefault behaves like Load, but returns Default() unmodified when
// path does not exist — a missing orchestrator.toml is not an error, the
// daemon simply runs with every steward's documented defaults.
func LoadOrDefault(path string) (Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return Default(), nil
	}
	return Load(path)
}
