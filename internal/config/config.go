// Package config loads node configuration from TOML, in the shape
// echenim-Bedrock's ControlPlane uses go-toml/v2 for its own node
// config.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// NodeConfig is the on-disk configuration for a hdcnode instance.
type NodeConfig struct {
	DataDir    string         `toml:"data_dir"`
	ListenAddr string         `toml:"listen_addr"`
	MetricsAddr string        `toml:"metrics_addr"`
	PrivateKey string         `toml:"private_key_hex"`
	Validators []string       `toml:"validators"`
	Peers      []string       `toml:"peers"`
	Consensus  ConsensusConfig `toml:"consensus"`
}

// ConsensusConfig maps onto bft.EngineConfig.
type ConsensusConfig struct {
	RoundTimeoutMS     int64   `toml:"round_timeout_ms"`
	RoundTimeoutFactor float64 `toml:"round_timeout_factor"`
	SyncEnabled        bool    `toml:"sync_enabled"`
}

// RoundTimeout converts the configured milliseconds to a
// time.Duration, defaulting to 1s when unset.
func (c ConsensusConfig) RoundTimeout() time.Duration {
	if c.RoundTimeoutMS <= 0 {
		return time.Second
	}
	return time.Duration(c.RoundTimeoutMS) * time.Millisecond
}

// Default returns sensible defaults for a single-node devnet.
func Default() NodeConfig {
	return NodeConfig{
		DataDir:     "./data",
		ListenAddr:  "/ip4/0.0.0.0/tcp/26656",
		MetricsAddr: ":9102",
		Consensus: ConsensusConfig{
			RoundTimeoutMS:     1000,
			RoundTimeoutFactor: 1.2,
			SyncEnabled:        true,
		},
	}
}

// Load reads and parses a TOML config file at path.
func Load(path string) (NodeConfig, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}
