package rollout

import (
	"context"
	"testing"
	"time"

	"github.com/agentfleet/relay/bus"
	"github.com/agentfleet/relay/identity"
	"github.com/agentfleet/relay/metrics"
	"github.com/agentfleet/relay/subject"
)

// publishSnapshot pushes one collector snapshot onto the telemetry subject.
func publishSnapshot(t *testing.T, mb bus.MessageBus, id identity.AgentID, c *metrics.Collector) {
	t.Helper()
	data, err := c.Snapshot().Marshal()
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}
	subj := subject.DefaultFactory().MetricsSnapshot(id).String()
	if err := mb.Publish(subj, data); err != nil {
		t.Fatalf("Publish error: %v", err)
	}
}

// waitReporting polls until the monitor has samples for n agents.
func waitReporting(t *testing.T, m *Monitor, agents []identity.AgentID, n int) WaveStats {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		stats := m.WaveStats(agents)
		if stats.Reporting >= n {
			return stats
		}
		select {
		case <-deadline:
			t.Fatalf("timeout: %d of %d agents reporting", stats.Reporting, n)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// --- Integration Tests ---

func TestMonitor_WaveStats(t *testing.T) {
	mb := bus.NewMemoryBus(bus.DefaultConfig())
	defer mb.Close()

	m, err := NewMonitor(MonitorConfig{Bus: mb})
	if err != nil {
		t.Fatalf("NewMonitor error: %v", err)
	}
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	defer m.Stop()

	ctx := context.Background()
	a, b := identity.NewAgentID(), identity.NewAgentID()

	ca := metrics.NewCollector()
	ca.RecordInbox(ctx)
	ca.RecordDualPublish(ctx, metrics.DualSuccess)
	publishSnapshot(t, mb, a, ca)

	cb := metrics.NewCollector()
	cb.RecordAgentRef(ctx)
	cb.RecordDualPublish(ctx, metrics.DualPartial)
	publishSnapshot(t, mb, b, cb)

	stats := waitReporting(t, m, []identity.AgentID{a, b}, 2)

	if len(stats.Missing) != 0 {
		t.Errorf("Missing = %v, want none", stats.Missing)
	}
	// First snapshot is its own baseline: delta is zero until the next one.
	if stats.Aggregate.DualAttempts() != 0 {
		t.Errorf("first-sample delta should be zero, got %d attempts", stats.Aggregate.DualAttempts())
	}

	// Counters move, second snapshots arrive: deltas become visible.
	ca.RecordDualPublish(ctx, metrics.DualSuccess)
	publishSnapshot(t, mb, a, ca)
	cb.RecordDualPublish(ctx, metrics.DualFailure)
	publishSnapshot(t, mb, b, cb)

	deadline := time.After(2 * time.Second)
	for {
		stats = m.WaveStats([]identity.AgentID{a, b})
		if stats.Aggregate.DualAttempts() == 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timeout: aggregate attempts = %d, want 2", stats.Aggregate.DualAttempts())
		case <-time.After(10 * time.Millisecond):
		}
	}

	if stats.Aggregate.DualPublishSuccess != 1 || stats.Aggregate.DualPublishFailure != 1 {
		t.Errorf("aggregate = %+v", stats.Aggregate)
	}
	if rate := stats.DualSuccessRate(); rate != 0.5 {
		t.Errorf("DualSuccessRate = %v, want 0.5", rate)
	}
}

func TestMonitor_MissingAgents(t *testing.T) {
	mb := bus.NewMemoryBus(bus.DefaultConfig())
	defer mb.Close()

	m, err := NewMonitor(MonitorConfig{Bus: mb})
	if err != nil {
		t.Fatalf("NewMonitor error: %v", err)
	}
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	defer m.Stop()

	reporting, silent := identity.NewAgentID(), identity.NewAgentID()
	publishSnapshot(t, mb, reporting, metrics.NewCollector())
	waitReporting(t, m, []identity.AgentID{reporting}, 1)

	stats := m.WaveStats([]identity.AgentID{reporting, silent})
	if stats.Reporting != 1 {
		t.Errorf("Reporting = %d, want 1", stats.Reporting)
	}
	if len(stats.Missing) != 1 || stats.Missing[0].String() != silent.String() {
		t.Errorf("Missing = %v, want [%s]", stats.Missing, silent)
	}
}

func TestMonitor_ResetWindow(t *testing.T) {
	mb := bus.NewMemoryBus(bus.DefaultConfig())
	defer mb.Close()

	m, err := NewMonitor(MonitorConfig{Bus: mb})
	if err != nil {
		t.Fatalf("NewMonitor error: %v", err)
	}
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	defer m.Stop()

	ctx := context.Background()
	id := identity.NewAgentID()
	c := metrics.NewCollector()
	c.RecordDualPublish(ctx, metrics.DualFailure)
	publishSnapshot(t, mb, id, c)
	waitReporting(t, m, []identity.AgentID{id}, 1)

	m.ResetWindow()

	// After reset the agent has no samples inside the new window.
	stats := m.WaveStats([]identity.AgentID{id})
	if len(stats.Missing) != 1 {
		t.Errorf("Missing = %v, want the reset agent", stats.Missing)
	}

	// The pre-window failure does not leak into the new window's delta.
	publishSnapshot(t, mb, id, c)
	stats = waitReporting(t, m, []identity.AgentID{id}, 1)
	if stats.Aggregate.DualPublishFailure != 0 {
		t.Errorf("old failure leaked into new window: %+v", stats.Aggregate)
	}
}

func TestMonitor_MalformedSnapshotIgnored(t *testing.T) {
	mb := bus.NewMemoryBus(bus.DefaultConfig())
	defer mb.Close()

	m, err := NewMonitor(MonitorConfig{Bus: mb})
	if err != nil {
		t.Fatalf("NewMonitor error: %v", err)
	}
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	defer m.Stop()

	id := identity.NewAgentID()
	subj := subject.DefaultFactory().MetricsSnapshot(id).String()
	mb.Publish(subj, []byte("not json"))

	// Monitor keeps working
	publishSnapshot(t, mb, id, metrics.NewCollector())
	waitReporting(t, m, []identity.AgentID{id}, 1)
}

func TestMonitor_AgentRefActivity(t *testing.T) {
	mb := bus.NewMemoryBus(bus.DefaultConfig())
	defer mb.Close()

	m, err := NewMonitor(MonitorConfig{Bus: mb})
	if err != nil {
		t.Fatalf("NewMonitor error: %v", err)
	}
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	defer m.Stop()

	ctx := context.Background()
	id := identity.NewAgentID()
	c := metrics.NewCollector()
	publishSnapshot(t, mb, id, c)
	waitReporting(t, m, []identity.AgentID{id}, 1)

	m.ResetWindow()

	c.RecordAgentRef(ctx)
	c.RecordAgentRef(ctx)
	publishSnapshot(t, mb, id, c)

	deadline := time.After(2 * time.Second)
	for {
		activity := m.AgentRefActivity([]identity.AgentID{id})
		if activity[id.String()] == 2 {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("activity = %v, want 2", activity)
		case <-time.After(10 * time.Millisecond):
		}
	}
}
