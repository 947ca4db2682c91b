// Package config loads the core's runtime configuration: decision-tier
// timeouts, cache sizing, encryption key sourcing, and replication
// behavior, per the external-interfaces contract. Precedence mirrors the
// original decision-config loader: file, then CIS_-prefixed environment
// variables, then built-in defaults.
package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// Decision holds the four-tier gate's timeouts and arbitration threshold.
type Decision struct {
	TimeoutRecommendedSecs uint16  `toml:"timeout_recommended"`
	TimeoutConfirmedSecs   uint16  `toml:"timeout_confirmed"`
	TimeoutArbitratedSecs  uint16  `toml:"timeout_arbitrated"`
	ShowCountdown          bool    `toml:"show_countdown"`
	Interactive            bool    `toml:"interactive"`
	ArbitrationThreshold   float64 `toml:"arbitration_threshold"`
}

// Cache configures the Memory Store's optional decrypted-entry LRU.
type Cache struct {
	Enabled     bool `toml:"enabled"`
	MaxEntries  int  `toml:"max_entries"`
	DefaultTTLS int  `toml:"default_ttl_secs"`
}

// Encryption configures private-domain key sourcing.
type Encryption struct {
	NodeKeySource   string `toml:"node_key_source"` // "file" | "env"
	NodeKeyPath     string `toml:"node_key_path"`
	NodeKeyEnv      string `toml:"node_key_env"`
	RotationEnabled bool   `toml:"rotation_enabled"`
}

// Replication configures the anti-entropy coordinator.
type Replication struct {
	Enabled           bool   `toml:"enabled"`
	PerPeerQueueDepth int    `toml:"per_peer_queue_depth"`
	RetryBackoffMS    int    `toml:"retry_backoff_ms"`
	EnforceCheck      bool   `toml:"enforce_check"` // config-layer no-bypass guard, defaults true
}

// Config is the core's plain-struct configuration surface.
type Config struct {
	Decision    Decision    `toml:"decision"`
	Cache       Cache       `toml:"cache"`
	Encryption  Encryption  `toml:"encryption"`
	Replication Replication `toml:"replication"`
}

const (
	defaultTimeoutRecommended = 30
	defaultTimeoutConfirmed   = 300
	defaultTimeoutArbitrated  = 3600
)

// Default returns the built-in default configuration.
func Default() Config {
	return Config{
		Decision: Decision{
			TimeoutRecommendedSecs: defaultTimeoutRecommended,
			TimeoutConfirmedSecs:   defaultTimeoutConfirmed,
			TimeoutArbitratedSecs:  defaultTimeoutArbitrated,
			ShowCountdown:          true,
			Interactive:            true,
			ArbitrationThreshold:   0.5,
		},
		Cache: Cache{
			Enabled:     true,
			MaxEntries:  4096,
			DefaultTTLS: 300,
		},
		Encryption: Encryption{
			NodeKeySource: "env",
			NodeKeyEnv:    "CIS_NODE_KEY",
		},
		Replication: Replication{
			Enabled:           true,
			PerPeerQueueDepth: 256,
			RetryBackoffMS:    500,
			EnforceCheck:      true,
		},
	}
}

// Load loads configuration from an optional TOML file, then overlays
// CIS_-prefixed environment variables, then falls back to defaults for
// anything unset. A deployer attempting to disable EnforceCheck is honored
// but logged by the caller — config.Load itself stays side-effect free
// besides reading files/env.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, decErr := toml.DecodeFile(path, &cfg); decErr != nil {
				return cfg, decErr
			}
		}
	}

	applyEnvOverrides(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v, ok := envUint16("CIS_DECISION_TIMEOUT_RECOMMENDED"); ok {
		cfg.Decision.TimeoutRecommendedSecs = v
	}
	if v, ok := envUint16("CIS_DECISION_TIMEOUT_CONFIRMED"); ok {
		cfg.Decision.TimeoutConfirmedSecs = v
	}
	if v, ok := envUint16("CIS_DECISION_TIMEOUT_ARBITRATED"); ok {
		cfg.Decision.TimeoutArbitratedSecs = v
	}
	if v, ok := envBool("CIS_DECISION_SHOW_COUNTDOWN"); ok {
		cfg.Decision.ShowCountdown = v
	}
	if v, ok := envBool("CIS_DECISION_INTERACTIVE"); ok {
		cfg.Decision.Interactive = v
	}
	if v, ok := envFloat("CIS_DECISION_ARBITRATION_THRESHOLD"); ok {
		if v < 0 {
			v = 0
		}
		if v > 1 {
			v = 1
		}
		cfg.Decision.ArbitrationThreshold = v
	}
	if v, ok := envBool("CIS_REPLICATION_ENABLED"); ok {
		cfg.Replication.Enabled = v
	}
	if v, ok := envBool("CIS_REPLICATION_ENFORCE_CHECK"); ok {
		cfg.Replication.EnforceCheck = v
	}
	if v := os.Getenv("CIS_ENCRYPTION_NODE_KEY_SOURCE"); v != "" {
		cfg.Encryption.NodeKeySource = v
	}
}

func envUint16(key string) (uint16, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.ParseUint(v, 10, 16)
	if err != nil {
		return 0, false
	}
	return uint16(n), true
}

func envBool(key string) (bool, bool) {
	v := strings.ToLower(os.Getenv(key))
	if v == "" {
		return false, false
	}
	return v == "1" || v == "true", true
}

func envFloat(key string) (float64, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}
