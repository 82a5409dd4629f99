package rollout

import (
	"time"

	"github.com/BurntSushi/toml"

	"github.com/agentfleet/relay/errors"
)

// Go / no-go threshold defaults. A wave proceeds only when every
// criterion holds over the whole monitoring window.
const (
	DefaultMinDualSuccessRate = 0.995
	DefaultMaxErrorRate       = 0.01
	DefaultMaxP99LatencyMS    = 250.0
	DefaultMonitoringWindow   = 10 * time.Minute
	DefaultMaxRollbackTime    = 5 * time.Minute
	DefaultMaxRegistryChurn   = 3
)

// Duration wraps time.Duration for TOML string decoding ("10m", "30s").
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler for TOML values.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Thresholds are the go / no-go criteria for one monitoring window.
type Thresholds struct {
	// MinDualSuccessRate is the minimum fraction of dual publishes where
	// both grammars succeeded.
	MinDualSuccessRate float64 `toml:"min_dual_success_rate"`

	// MaxErrorRate is the maximum errors-per-delivery over the window.
	MaxErrorRate float64 `toml:"max_error_rate"`

	// MaxP99LatencyMS bounds handler latency at the 99th percentile.
	MaxP99LatencyMS float64 `toml:"max_p99_latency_ms"`

	// MonitoringWindow is how long a wave must stay healthy before
	// proceeding.
	MonitoringWindow Duration `toml:"monitoring_window"`

	// MaxRollbackTime bounds how long a rollback may take before it is
	// reported as failed.
	MaxRollbackTime Duration `toml:"max_rollback_time"`

	// MaxRegistryChurn is the maximum number of re-registrations per
	// agent tolerated within the window; more indicates a restart loop.
	MaxRegistryChurn int `toml:"max_registry_churn"`
}

// DefaultThresholds returns the standard criteria.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MinDualSuccessRate: DefaultMinDualSuccessRate,
		MaxErrorRate:       DefaultMaxErrorRate,
		MaxP99LatencyMS:    DefaultMaxP99LatencyMS,
		MonitoringWindow:   Duration{DefaultMonitoringWindow},
		MaxRollbackTime:    Duration{DefaultMaxRollbackTime},
		MaxRegistryChurn:   DefaultMaxRegistryChurn,
	}
}

// Validate rejects thresholds that could never pass or never fail.
func (t Thresholds) Validate() error {
	if t.MinDualSuccessRate <= 0 || t.MinDualSuccessRate > 1 {
		return errors.Construction("min_dual_success_rate must be in (0, 1]")
	}
	if t.MaxErrorRate < 0 || t.MaxErrorRate >= 1 {
		return errors.Construction("max_error_rate must be in [0, 1)")
	}
	if t.MaxP99LatencyMS <= 0 {
		return errors.Construction("max_p99_latency_ms must be positive")
	}
	if t.MonitoringWindow.Duration <= 0 {
		return errors.Construction("monitoring_window must be positive")
	}
	if t.MaxRollbackTime.Duration <= 0 {
		return errors.Construction("max_rollback_time must be positive")
	}
	if t.MaxRegistryChurn < 0 {
		return errors.Construction("max_registry_churn must not be negative")
	}
	return nil
}

// LoadThresholds reads criteria from a TOML file, filling unset fields
// with defaults.
func LoadThresholds(path string) (Thresholds, error) {
	t := DefaultThresholds()
	if _, err := toml.DecodeFile(path, &t); err != nil {
		return Thresholds{}, errors.New(errors.ErrCodeInvalidConfig,
			"load thresholds: "+path, errors.WithCause(err))
	}
	if err := t.Validate(); err != nil {
		return Thresholds{}, err
	}
	return t, nil
}
