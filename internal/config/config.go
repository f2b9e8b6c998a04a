// Package config loads the simulator's YAML configuration file,
// following the same read-substitute-unmarshal-default shape the
// teacher uses for its own gatherer config.
package config

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// InstanceConfig identifies this simulator process.
type InstanceConfig struct {
	ID string `yaml:"id"`
}

// EngineConfig configures the simulation loop.
type EngineConfig struct {
	IterBlock uint64 `yaml:"iter_block"`
}

// ControlConfig configures the HTTP/JSON control surface.
type ControlConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// TransportConfig configures the subscriber-facing transports.
type TransportConfig struct {
	UDPListenAddr string `yaml:"udp_listen_addr"`
	WSFeedAddr    string `yaml:"wsfeed_listen_addr"`
}

// LoggingConfig configures the process-wide slog handler.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// SimConfig is the simulator's top-level configuration.
type SimConfig struct {
	Instance  InstanceConfig  `yaml:"instance"`
	Engine    EngineConfig    `yaml:"engine"`
	Control   ControlConfig   `yaml:"control"`
	Transport TransportConfig `yaml:"transport"`
	Logging   LoggingConfig   `yaml:"logging"`
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// substituteEnv replaces every ${VAR} reference in raw with the
// current value of the named environment variable (empty if unset).
func substituteEnv(raw []byte) []byte {
	return envRef.ReplaceAllFunc(raw, func(match []byte) []byte {
		name := envRef.FindSubmatch(match)[1]
		return []byte(os.Getenv(string(name)))
	})
}

// Load reads and parses the YAML file at path, substituting any
// ${VAR} environment references first. It applies no defaults.
func Load(path string) (SimConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return SimConfig{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	raw = substituteEnv(raw)

	var cfg SimConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return SimConfig{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// LoadWithDefaults loads path and fills in every unset optional field
// with its built-in default.
func LoadWithDefaults(path string) (SimConfig, error) {
	cfg, err := Load(path)
	if err != nil {
		return SimConfig{}, err
	}
	cfg.applyDefaults()
	return cfg, nil
}
