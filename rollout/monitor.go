package rollout

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentfleet/relay/bus"
	"github.com/agentfleet/relay/errors"
	"github.com/agentfleet/relay/identity"
	"github.com/agentfleet/relay/logging"
	"github.com/agentfleet/relay/metrics"
	"github.com/agentfleet/relay/subject"
)

// MonitorConfig configures a telemetry monitor.
type MonitorConfig struct {
	Bus     bus.MessageBus
	Factory subject.Factory
	Logger  *logging.Logger
}

// agentTrack is one agent's telemetry over the current window.
type agentTrack struct {
	baseline metrics.Snapshot
	latest   metrics.Snapshot
	samples  int
	lastSeen time.Time
}

// Monitor aggregates the snapshots agents publish on their telemetry
// subjects. Counters are cumulative per process, so window rates come
// from deltas against a per-agent baseline captured when the window
// opens.
type Monitor struct {
	bus     bus.MessageBus
	factory subject.Factory
	log     *logging.Logger

	mu     sync.RWMutex
	tracks map[string]*agentTrack

	running atomic.Bool
	sub     bus.Subscription
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewMonitor creates a monitor over the fleet telemetry pattern.
func NewMonitor(cfg MonitorConfig) (*Monitor, error) {
	if cfg.Bus == nil {
		return nil, errors.Construction("monitor requires a bus")
	}

	factory := cfg.Factory
	if factory.Domain() == "" {
		factory = subject.DefaultFactory()
	}
	log := cfg.Logger
	if log == nil {
		log = logging.New().WithComponent("rollout-monitor")
	}

	return &Monitor{
		bus:     cfg.Bus,
		factory: factory,
		log:     log,
		tracks:  make(map[string]*agentTrack),
	}, nil
}

// Start subscribes to all agents' telemetry subjects.
func (m *Monitor) Start(ctx context.Context) error {
	if m.running.Swap(true) {
		return errors.Internal("monitor already started")
	}

	sub, err := m.bus.Subscribe(m.factory.AllMetricsPattern().String())
	if err != nil {
		m.running.Store(false)
		return errors.Wrap(err, "subscribe telemetry pattern")
	}

	m.sub = sub
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})

	go m.run(ctx)
	return nil
}

// run consumes telemetry snapshots.
func (m *Monitor) run(ctx context.Context) {
	defer close(m.doneCh)

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case msg, ok := <-m.sub.Messages():
			if !ok {
				return
			}
			m.ingest(msg)
		}
	}
}

// ingest records one snapshot. Malformed payloads are logged and skipped.
func (m *Monitor) ingest(msg *bus.Message) {
	id, err := m.factory.ParseMetricsSubject(msg.Subject)
	if err != nil {
		m.log.ParseRejected(msg.Subject, err)
		return
	}

	snap, err := metrics.ParseSnapshot(msg.Data)
	if err != nil {
		m.log.ParseRejected(msg.Subject, err)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	track, ok := m.tracks[id.String()]
	if !ok {
		track = &agentTrack{baseline: snap}
		m.tracks[id.String()] = track
	}
	track.latest = snap
	track.samples++
	track.lastSeen = time.Now()
}

// ResetWindow opens a new monitoring window: every agent's baseline
// becomes its latest snapshot and sample counts restart.
func (m *Monitor) ResetWindow() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, track := range m.tracks {
		track.baseline = track.latest
		track.samples = 0
	}
}

// WaveStats summarizes one wave's telemetry over the current window.
type WaveStats struct {
	// Aggregate is the summed per-agent delta since the window opened.
	Aggregate metrics.Snapshot

	// Reporting is how many of the wave's agents published at least one
	// snapshot inside the window.
	Reporting int

	// Missing lists wave members with no snapshot inside the window.
	Missing []identity.AgentID
}

// DualSuccessRate applies the snapshot helper to the aggregate delta.
func (s WaveStats) DualSuccessRate() float64 { return s.Aggregate.DualSuccessRate() }

// ErrorRate applies the snapshot helper to the aggregate delta.
func (s WaveStats) ErrorRate() float64 { return s.Aggregate.ErrorRate() }

// P99LatencyMS applies the snapshot helper to the aggregate delta.
func (s WaveStats) P99LatencyMS() float64 { return s.Aggregate.P99LatencyMS() }

// WaveStats aggregates window deltas for the given wave members.
func (m *Monitor) WaveStats(agents []identity.AgentID) WaveStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var stats WaveStats
	for _, id := range agents {
		track, ok := m.tracks[id.String()]
		if !ok || track.samples == 0 {
			stats.Missing = append(stats.Missing, id)
			continue
		}
		stats.Reporting++

		delta := track.latest.Delta(track.baseline)
		stats.Aggregate = sumSnapshots(stats.Aggregate, delta)
	}

	return stats
}

// AgentRefActivity reports the unified-pattern counter movement for each
// wave member since the window opened. Rollback verification watches
// these flatten to zero.
func (m *Monitor) AgentRefActivity(agents []identity.AgentID) map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]int64, len(agents))
	for _, id := range agents {
		track, ok := m.tracks[id.String()]
		if !ok {
			continue
		}
		out[id.String()] = track.latest.AgentRefCount - track.baseline.AgentRefCount
	}
	return out
}

// Stop halts ingestion.
func (m *Monitor) Stop() {
	if !m.running.Swap(false) {
		return
	}

	m.sub.Unsubscribe()
	close(m.stopCh)
	<-m.doneCh
}

// sumSnapshots adds counter fields; timestamps keep the later value.
func sumSnapshots(a, b metrics.Snapshot) metrics.Snapshot {
	out := a
	if b.Timestamp.After(a.Timestamp) {
		out.Timestamp = b.Timestamp
	}
	out.InboxCount += b.InboxCount
	out.BroadcastCount += b.BroadcastCount
	out.AgentRefCount += b.AgentRefCount
	out.DedupHits += b.DedupHits
	out.DualPublishSuccess += b.DualPublishSuccess
	out.DualPublishPartial += b.DualPublishPartial
	out.DualPublishFailure += b.DualPublishFailure

	if out.ErrorsByCategory == nil {
		out.ErrorsByCategory = make(map[string]int64, len(b.ErrorsByCategory))
	}
	for cat, n := range b.ErrorsByCategory {
		out.ErrorsByCategory[cat] += n
	}

	if len(out.LatencyBounds) == 0 {
		out.LatencyBounds = b.LatencyBounds
	}
	if len(out.LatencyBuckets) < len(b.LatencyBuckets) {
		buckets := make([]int64, len(b.LatencyBuckets))
		copy(buckets, out.LatencyBuckets)
		out.LatencyBuckets = buckets
	}
	for i, n := range b.LatencyBuckets {
		out.LatencyBuckets[i] += n
	}
	out.LatencySumUS += b.LatencySumUS
	out.LatencyCount += b.LatencyCount

	return out
}
