package metrics

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/agentfleet/relay/bus"
	"github.com/agentfleet/relay/errors"
	"github.com/agentfleet/relay/identity"
	"github.com/agentfleet/relay/logging"
	"github.com/agentfleet/relay/subject"
)

// DefaultEmitInterval is how often snapshots are published when the
// config leaves the interval unset.
const DefaultEmitInterval = 5 * time.Second

// EmitterConfig configures a snapshot emitter.
type EmitterConfig struct {
	Bus       bus.MessageBus
	Collector *Collector
	AgentID   identity.AgentID
	Factory   subject.Factory
	Interval  time.Duration
	Logger    *logging.Logger
}

// Validate checks required fields.
func (c EmitterConfig) Validate() error {
	if c.Bus == nil {
		return errors.Construction("emitter requires a bus")
	}
	if c.Collector == nil {
		return errors.Construction("emitter requires a collector")
	}
	if c.AgentID.IsZero() {
		return errors.Construction("emitter requires an agent id")
	}
	return nil
}

// Emitter periodically publishes collector snapshots to the agent's
// telemetry subject so the rollout monitor can aggregate fleet health.
type Emitter struct {
	bus       bus.MessageBus
	collector *Collector
	subj      string
	interval  time.Duration
	log       *logging.Logger

	running atomic.Bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewEmitter creates an emitter publishing to
// agent.telemetry.{agent-id}.metrics.
func NewEmitter(cfg EmitterConfig) (*Emitter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	factory := cfg.Factory
	if factory.Domain() == "" {
		factory = subject.DefaultFactory()
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultEmitInterval
	}
	log := cfg.Logger
	if log == nil {
		log = logging.New().WithComponent("metrics-emitter")
	}

	return &Emitter{
		bus:       cfg.Bus,
		collector: cfg.Collector,
		subj:      factory.MetricsSnapshot(cfg.AgentID).String(),
		interval:  interval,
		log:       log,
	}, nil
}

// Subject returns the telemetry subject snapshots are published to.
func (e *Emitter) Subject() string {
	return e.subj
}

// Start begins publishing snapshots at the configured interval.
func (e *Emitter) Start(ctx context.Context) error {
	if e.running.Swap(true) {
		return errors.Internal("emitter already started")
	}

	if ctx == nil {
		ctx = context.Background()
	}

	e.stopCh = make(chan struct{})
	e.doneCh = make(chan struct{})

	go e.run(ctx)
	return nil
}

// run is the main emit loop.
func (e *Emitter) run(ctx context.Context) {
	defer close(e.doneCh)

	// Emit an initial snapshot immediately
	e.emit()

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.running.Store(false)
			return
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.emit()
		}
	}
}

// emit publishes one snapshot. Publish failures are logged, not fatal;
// the next tick tries again.
func (e *Emitter) emit() {
	snap := e.collector.Snapshot()
	data, err := snap.Marshal()
	if err != nil {
		e.log.Error("snapshot marshal failed", map[string]interface{}{"error": err})
		return
	}

	if err := e.bus.Publish(e.subj, data); err != nil {
		e.log.Warn("snapshot publish failed", map[string]interface{}{
			"subject": e.subj,
			"error":   err,
		})
	}
}

// Stop halts the emit loop and waits for it to exit.
func (e *Emitter) Stop() {
	if !e.running.Swap(false) {
		return
	}
	close(e.stopCh)
	<-e.doneCh
}
