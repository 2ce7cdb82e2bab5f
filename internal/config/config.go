// Package config handles sensorhub configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order. An explicit
// path (from -config flag) is checked first. Then: ./config.yaml,
// ~/.config/sensorhub/config.yaml, the container convention
// /config/config.yaml, /etc/sensorhub/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "sensorhub", "config.yaml"))
	}

	paths = append(paths, "/config/config.yaml") // Container convention
	paths = append(paths, "/etc/sensorhub/config.yaml")
	return paths
}

// searchPathsFunc is swapped out in tests to avoid matching real config
// files on developer/deploy machines.
var searchPathsFunc = DefaultSearchPaths

// FindConfig locates a config file. If explicit is non-empty, it must
// exist. Otherwise, searches DefaultSearchPaths and returns the first
// that exists. Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	paths := searchPathsFunc()
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", paths)
}

// Config holds all sensorhub configuration (spec.md §6.3,
// SPEC_FULL.md §6.3).
type Config struct {
	Listen              ListenConfig        `yaml:"listen"`
	HotCapacity         int                 `yaml:"hot_capacity"`
	WarmCapacity        int                 `yaml:"warm_capacity"`
	MailboxCapacity     int                 `yaml:"mailbox_capacity"`
	SystemPulseWeights  WeightsConfig       `yaml:"system_pulse_weights"`
	AttributeVocabulary []string            `yaml:"attribute_id_vocabulary"`
	MQTTBridge          MQTTBridgeConfig    `yaml:"mqtt_bridge"`
	ColdStorage         ColdStorageConfig   `yaml:"cold_storage"`
	TokenVerifier       TokenVerifierConfig `yaml:"token_verifier"`
	DataDir             string              `yaml:"data_dir"`
	LogLevel            string              `yaml:"log_level"`
}

// ListenConfig defines the WebSocket/HTTP server's bind address.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// WeightsConfig defines the system-load pulse weights (spec.md §4.7).
// They are loaded and defaulted here only: cmd/sensorhub does not pass
// them to the load monitor, which always combines its signals with
// sysload.DefaultWeights().
type WeightsConfig struct {
	CPU     float64 `yaml:"cpu"`
	Bus     float64 `yaml:"bus"`
	Mailbox float64 `yaml:"mailbox"`
	Mem     float64 `yaml:"mem"`
}

// MQTTBridgeConfig configures the optional MQTT ingest bridge (C11).
type MQTTBridgeConfig struct {
	Enabled      bool     `yaml:"enabled"`
	BrokerURL    string   `yaml:"broker_url"`
	TopicFilters []string `yaml:"topic_filters"`
	BearerToken  string   `yaml:"bearer_token"`
}

// ColdStorageConfig configures the optional SQLite cold-storage sink (C12).
type ColdStorageConfig struct {
	Enabled         bool   `yaml:"enabled"`
	SQLitePath      string `yaml:"sqlite_path"`
	BatchSize       int    `yaml:"batch_size"`
	FlushIntervalMS int    `yaml:"flush_interval_ms"`
}

// TokenVerifierConfig configures the static bearer-token allowlist (C13).
type TokenVerifierConfig struct {
	StaticTokens map[string]string `yaml:"static_tokens"`
}

// Configured reports whether the MQTT bridge has enough configuration
// to start (a broker URL and a bearer token). A partially configured
// bridge with Enabled=true but missing fields is caught by Validate.
func (c MQTTBridgeConfig) Configured() bool {
	return c.Enabled && c.BrokerURL != "" && c.BearerToken != ""
}

// Configured reports whether cold storage has enough configuration to
// start.
func (c ColdStorageConfig) Configured() bool {
	return c.Enabled && c.SQLitePath != ""
}

// Load reads configuration from a YAML file, expands environment
// variables, applies defaults for any unset fields, and validates the
// result. After Load returns successfully, all fields are usable
// without additional nil/empty checks.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables (e.g., ${HOME}, ${MQTT_BEARER_TOKEN}).
	// This is a convenience for container deployments; the recommended
	// approach is to put values directly in the config file.
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// applyDefaults fills in zero-value fields with sensible defaults.
// Called automatically by Load. After this, callers can read any field
// without checking for empty strings or zero values.
func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8080
	}
	if c.HotCapacity == 0 {
		c.HotCapacity = 500
	}
	if c.WarmCapacity == 0 {
		c.WarmCapacity = 10000
	}
	if c.MailboxCapacity == 0 {
		c.MailboxCapacity = 1024
	}
	if c.SystemPulseWeights == (WeightsConfig{}) {
		c.SystemPulseWeights = WeightsConfig{CPU: 0.45, Bus: 0.30, Mailbox: 0.15, Mem: 0.10}
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.ColdStorage.Enabled && c.ColdStorage.SQLitePath == "" {
		c.ColdStorage.SQLitePath = filepath.Join(c.DataDir, "coldstore.db")
	}
	if c.ColdStorage.BatchSize == 0 {
		c.ColdStorage.BatchSize = 200
	}
	if c.ColdStorage.FlushIntervalMS == 0 {
		c.ColdStorage.FlushIntervalMS = 1000
	}
	if c.MQTTBridge.Enabled && len(c.MQTTBridge.TopicFilters) == 0 {
		c.MQTTBridge.TopicFilters = []string{"sensors/+/measurement", "sensors/+/batch"}
	}
}

// Validate checks that the configuration is internally consistent. It
// runs after applyDefaults, so it can assume defaults are populated.
// Returns an error describing the first problem found, or nil.
func (c *Config) Validate() error {
	if c.Listen.Port < 1 || c.Listen.Port > 65535 {
		return fmt.Errorf("listen.port %d out of range (1-65535)", c.Listen.Port)
	}
	if c.HotCapacity < 1 {
		return fmt.Errorf("hot_capacity %d must be >= 1", c.HotCapacity)
	}
	if c.WarmCapacity < c.HotCapacity {
		return fmt.Errorf("warm_capacity %d must be >= hot_capacity %d", c.WarmCapacity, c.HotCapacity)
	}
	if c.MailboxCapacity < 1 {
		return fmt.Errorf("mailbox_capacity %d must be >= 1", c.MailboxCapacity)
	}
	if c.MQTTBridge.Enabled {
		if c.MQTTBridge.BrokerURL == "" {
			return fmt.Errorf("mqtt_bridge.broker_url is required when mqtt_bridge.enabled is true")
		}
		if c.MQTTBridge.BearerToken == "" {
			return fmt.Errorf("mqtt_bridge.bearer_token is required when mqtt_bridge.enabled is true")
		}
	}
	if c.ColdStorage.Enabled && c.ColdStorage.SQLitePath == "" {
		return fmt.Errorf("cold_storage.sqlite_path is required when cold_storage.enabled is true")
	}
	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			return err
		}
	}
	return nil
}

// Default returns a default configuration suitable for local
// development: no MQTT bridge, no cold storage, an empty token
// allowlist. All defaults are already applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}
