// Package config loads the runtime's TOML configuration. Every field has
// a default matching the reference firmware's constants, so an empty or
// missing file yields a working runtime.
package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"

	"github.com/chahilhyper9725/easy-lua-esp32-sub001/alloc"
	"github.com/chahilhyper9725/easy-lua-esp32-sub001/msgbus"
	"github.com/chahilhyper9725/easy-lua-esp32-sub001/transport"
	"github.com/chahilhyper9725/easy-lua-esp32-sub001/wire"
)

// Config is the full runtime configuration.
type Config struct {
	// Listen is the transport bind address.
	Listen string `toml:"listen"`
	// StoragePath locates the key/value database.
	StoragePath string `toml:"storage_path"`
	// Headerless selects the compact frame variant.
	Headerless bool `toml:"headerless"`

	// PoolSize and Threshold shape the interpreter allocator arena.
	PoolSize  int `toml:"pool_size"`
	Threshold int `toml:"threshold"`

	QueueCapacity int `toml:"queue_capacity"`
	PumpCapacity  int `toml:"pump_capacity"`

	// MTU and PaceMS shape outbound transport chunking.
	MTU    int `toml:"mtu"`
	PaceMS int `toml:"pace_ms"`
}

// Default returns the firmware defaults.
func Default() Config {
	return Config{
		Listen:        ":7627",
		StoragePath:   "easylua.db",
		Headerless:    false,
		PoolSize:      alloc.DefaultPoolSize,
		Threshold:     alloc.DefaultThreshold,
		QueueCapacity: msgbus.DefaultCapacity,
		PumpCapacity:  wire.DefaultPumpCapacity,
		MTU:           transport.DefaultMTU,
		PaceMS:        int(transport.DefaultPace.Milliseconds()),
	}
}

// Load reads path over the defaults. A missing file is not an error; a
// malformed one is.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}
