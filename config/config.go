// Package config loads agent daemon configuration from agent.toml with
// environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/agentfleet/relay/errors"
	"github.com/agentfleet/relay/identity"
)

// Default file name searched in the working directory.
const DefaultPath = "agent.toml"

const (
	DefaultNATSURL      = "nats://127.0.0.1:4222"
	DefaultFleetBucket  = "agent-fleet"
	DefaultFleetTTL     = 30 * time.Second
	DefaultMetricsPort  = 9091
	DefaultEmitInterval = 5 * time.Second
	DefaultDedupTTL     = 30 * time.Second
	DefaultDedupEntries = 4096
)

// Duration wraps time.Duration for TOML decoding ("30s", "5m").
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// AgentConfig identifies this agent instance. Name, ID and Cluster are
// mandatory: an agent must never invent its own identity.
type AgentConfig struct {
	Name    string `toml:"name"`
	ID      string `toml:"id"`
	Cluster string `toml:"cluster"`
	Wave    int    `toml:"wave"`
}

// MigrationConfig carries the dual-publish flag. The flag is read once
// at startup and never changes for the life of the process; flipping it
// requires a restart.
type MigrationConfig struct {
	UnifiedEnabled bool `toml:"unified_enabled"`
}

// NATSConfig holds connection settings for the message bus.
type NATSConfig struct {
	URL            string   `toml:"url"`
	Token          string   `toml:"token"`
	User           string   `toml:"user"`
	Password       string   `toml:"password"`
	ReconnectWait  Duration `toml:"reconnect_wait"`
	ConnectTimeout Duration `toml:"connect_timeout"`
}

// FleetConfig holds registry settings.
type FleetConfig struct {
	Bucket string   `toml:"bucket"`
	TTL    Duration `toml:"ttl"`
}

// MetricsConfig holds telemetry settings.
type MetricsConfig struct {
	Port         int      `toml:"port"`
	EmitInterval Duration `toml:"emit_interval"`
}

// DedupConfig bounds the duplicate-suppression window.
type DedupConfig struct {
	TTL        Duration `toml:"ttl"`
	MaxEntries int      `toml:"max_entries"`
}

// RetryConfig bounds per-pattern publish retries.
type RetryConfig struct {
	MaxAttempts    int      `toml:"max_attempts"`
	InitialBackoff Duration `toml:"initial_backoff"`
	MaxBackoff     Duration `toml:"max_backoff"`
}

// Config is the full agent daemon configuration.
type Config struct {
	Agent     AgentConfig     `toml:"agent"`
	Migration MigrationConfig `toml:"migration"`
	NATS      NATSConfig      `toml:"nats"`
	Fleet     FleetConfig     `toml:"fleet"`
	Metrics   MetricsConfig   `toml:"metrics"`
	Dedup     DedupConfig     `toml:"dedup"`
	Retry     RetryConfig     `toml:"retry"`
}

// Default returns a config with all tunables at their defaults. Identity
// fields stay empty and must come from the file or environment.
func Default() Config {
	return Config{
		NATS: NATSConfig{
			URL: DefaultNATSURL,
		},
		Fleet: FleetConfig{
			Bucket: DefaultFleetBucket,
			TTL:    Duration{DefaultFleetTTL},
		},
		Metrics: MetricsConfig{
			Port:         DefaultMetricsPort,
			EmitInterval: Duration{DefaultEmitInterval},
		},
		Dedup: DedupConfig{
			TTL:        Duration{DefaultDedupTTL},
			MaxEntries: DefaultDedupEntries,
		},
	}
}

// Load reads path (if it exists), applies environment overrides, and
// validates the result. A missing file is not an error: everything can
// come from the environment.
func Load(path string) (Config, error) {
	cfg := Default()

	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, errors.Wrap(err, "decode "+path)
		}
	} else if path != DefaultPath {
		// An explicitly named file must exist.
		return Config{}, errors.Wrap(err, "config file")
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv overlays RELAY_* and NATS_URL environment variables.
func (c *Config) applyEnv() {
	if v := os.Getenv("RELAY_AGENT_NAME"); v != "" {
		c.Agent.Name = v
	}
	if v := os.Getenv("RELAY_AGENT_ID"); v != "" {
		c.Agent.ID = v
	}
	if v := os.Getenv("RELAY_CLUSTER"); v != "" {
		c.Agent.Cluster = v
	}
	if v := os.Getenv("RELAY_WAVE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Agent.Wave = n
		}
	}
	if v := os.Getenv("RELAY_UNIFIED_ENABLED"); v != "" {
		c.Migration.UnifiedEnabled = v == "true" || v == "1"
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		c.NATS.URL = v
	}
	if v := os.Getenv("RELAY_METRICS_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Metrics.Port = n
		}
	}
}

// Validate rejects incomplete or malformed identity up front. A daemon
// with a bad identity must refuse to start rather than register under
// a guessed one.
func (c *Config) Validate() error {
	if c.Agent.Name == "" {
		return errors.Construction("agent name is required (agent.name or RELAY_AGENT_NAME)")
	}
	if c.Agent.ID == "" {
		return errors.Construction("agent id is required (agent.id or RELAY_AGENT_ID)")
	}
	if c.Agent.Cluster == "" {
		return errors.Construction("capability cluster is required (agent.cluster or RELAY_CLUSTER)")
	}
	if _, err := c.Reference(); err != nil {
		return err
	}
	if c.NATS.URL == "" {
		return errors.Construction("nats url must not be empty")
	}
	if c.Fleet.Bucket == "" {
		return errors.Construction("fleet bucket must not be empty")
	}
	if c.Fleet.TTL.Duration <= 0 {
		return errors.Construction("fleet ttl must be positive")
	}
	if c.Metrics.Port <= 0 || c.Metrics.Port > 65535 {
		return errors.Construction(fmt.Sprintf("metrics port %d out of range", c.Metrics.Port))
	}
	if c.Metrics.EmitInterval.Duration <= 0 {
		return errors.Construction("metrics emit interval must be positive")
	}
	if c.Dedup.TTL.Duration <= 0 {
		return errors.Construction("dedup ttl must be positive")
	}
	if c.Dedup.MaxEntries <= 0 {
		return errors.Construction("dedup max entries must be positive")
	}
	if c.Retry.MaxAttempts < 0 {
		return errors.Construction("retry max attempts must not be negative")
	}
	return nil
}

// Reference builds the validated agent reference from the identity
// fields. The id must be a well-formed v7 UUID and the cluster one of
// the known capability clusters.
func (c *Config) Reference() (identity.AgentReference, error) {
	name, err := identity.NewAgentName(c.Agent.Name)
	if err != nil {
		return identity.AgentReference{}, err
	}
	id, err := identity.ParseAgentID(c.Agent.ID)
	if err != nil {
		return identity.AgentReference{}, err
	}
	cluster := identity.CapabilityCluster(c.Agent.Cluster)
	return identity.NewAgentReference(cluster, name, id)
}
