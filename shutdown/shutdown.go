// Package shutdown tears down an agent daemon in stages: first the
// message intake stops accepting deliveries, then telemetry flushes,
// then the fleet registration is withdrawn, and finally the transport
// closes. Stages run in order; steps within a stage run concurrently.
package shutdown

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrAlreadyStopped indicates teardown was already initiated.
	ErrAlreadyStopped = errors.New("shutdown already initiated")

	// ErrDeadlineExceeded indicates teardown did not finish in time.
	ErrDeadlineExceeded = errors.New("shutdown deadline exceeded")

	// ErrStepFailed indicates one or more steps returned an error.
	ErrStepFailed = errors.New("one or more shutdown steps failed")
)

// Stage orders teardown. Lower stages stop first.
type Stage int

const (
	// StageIntake stops subscriptions and drains in-flight handlers.
	StageIntake Stage = iota * 10
	// StageTelemetry flushes the metrics emitter and exporter.
	StageTelemetry
	// StageFleet withdraws the registry entry so peers stop routing here.
	StageFleet
	// StageTransport closes the bus connection last.
	StageTransport
)

// String names the stage for logging.
func (s Stage) String() string {
	switch s {
	case StageIntake:
		return "intake"
	case StageTelemetry:
		return "telemetry"
	case StageFleet:
		return "fleet"
	case StageTransport:
		return "transport"
	default:
		return "custom"
	}
}

// StepFunc is one teardown action. The context carries the overall
// deadline; steps that outlive it are abandoned, not killed.
type StepFunc func(ctx context.Context) error

// StepResult records one step's outcome.
type StepResult struct {
	Name     string
	Stage    Stage
	Duration time.Duration
	Err      error
}

// Report is the outcome of a full teardown.
type Report struct {
	TotalDuration time.Duration
	Steps         []StepResult
	Err           error
}

// Failed returns the names of steps that returned errors.
func (r *Report) Failed() []string {
	var names []string
	for _, s := range r.Steps {
		if s.Err != nil {
			names = append(names, s.Name)
		}
	}
	return names
}
