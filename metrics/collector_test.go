package metrics

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/agentfleet/relay/errors"
)

// --- Unit Tests ---

func TestCollector_Counters(t *testing.T) {
	ctx := context.Background()
	c := NewCollector()

	c.RecordInbox(ctx)
	c.RecordInbox(ctx)
	c.RecordBroadcast(ctx)
	c.RecordAgentRef(ctx)
	c.RecordAgentRef(ctx)
	c.RecordAgentRef(ctx)
	c.RecordDedupHit(ctx)

	snap := c.Snapshot()
	if snap.InboxCount != 2 {
		t.Errorf("InboxCount = %d, want 2", snap.InboxCount)
	}
	if snap.BroadcastCount != 1 {
		t.Errorf("BroadcastCount = %d, want 1", snap.BroadcastCount)
	}
	if snap.AgentRefCount != 3 {
		t.Errorf("AgentRefCount = %d, want 3", snap.AgentRefCount)
	}
	if snap.DedupHits != 1 {
		t.Errorf("DedupHits = %d, want 1", snap.DedupHits)
	}
	if snap.Deliveries() != 6 {
		t.Errorf("Deliveries() = %d, want 6", snap.Deliveries())
	}
}

func TestCollector_DualOutcomes(t *testing.T) {
	ctx := context.Background()
	c := NewCollector()

	c.RecordDualPublish(ctx, DualSuccess)
	c.RecordDualPublish(ctx, DualSuccess)
	c.RecordDualPublish(ctx, DualSuccess)
	c.RecordDualPublish(ctx, DualPartial)
	c.RecordDualPublish(ctx, DualFailure)

	snap := c.Snapshot()
	if snap.DualPublishSuccess != 3 {
		t.Errorf("DualPublishSuccess = %d, want 3", snap.DualPublishSuccess)
	}
	if snap.DualPublishPartial != 1 {
		t.Errorf("DualPublishPartial = %d, want 1", snap.DualPublishPartial)
	}
	if snap.DualPublishFailure != 1 {
		t.Errorf("DualPublishFailure = %d, want 1", snap.DualPublishFailure)
	}
	if snap.DualAttempts() != 5 {
		t.Errorf("DualAttempts() = %d, want 5", snap.DualAttempts())
	}
	if got := snap.DualSuccessRate(); got != 0.6 {
		t.Errorf("DualSuccessRate() = %v, want 0.6", got)
	}
}

func TestCollector_ErrorsByCategory(t *testing.T) {
	ctx := context.Background()
	c := NewCollector()

	c.RecordError(ctx, errors.CategoryParse)
	c.RecordError(ctx, errors.CategoryParse)
	c.RecordError(ctx, errors.CategoryPublish)
	c.RecordError(ctx, errors.CategoryInternal)

	snap := c.Snapshot()
	if snap.ErrorsByCategory["parse"] != 2 {
		t.Errorf("parse errors = %d, want 2", snap.ErrorsByCategory["parse"])
	}
	if snap.ErrorsByCategory["publish"] != 1 {
		t.Errorf("publish errors = %d, want 1", snap.ErrorsByCategory["publish"])
	}
	if snap.TotalErrors() != 4 {
		t.Errorf("TotalErrors() = %d, want 4", snap.TotalErrors())
	}
}

func TestCollector_SnapshotIdempotent(t *testing.T) {
	ctx := context.Background()
	c := NewCollector()
	c.RecordInbox(ctx)
	c.RecordDualPublish(ctx, DualSuccess)

	a := c.Snapshot()
	b := c.Snapshot()

	if a.InboxCount != b.InboxCount || a.DualPublishSuccess != b.DualPublishSuccess {
		t.Error("consecutive snapshots should report equal counters")
	}
}

func TestCollector_SnapshotIsolated(t *testing.T) {
	ctx := context.Background()
	c := NewCollector()
	c.RecordInbox(ctx)

	snap := c.Snapshot()
	c.RecordInbox(ctx)

	if snap.InboxCount != 1 {
		t.Errorf("snapshot mutated after capture: InboxCount = %d, want 1", snap.InboxCount)
	}
}

func TestSnapshot_LatencyPercentile(t *testing.T) {
	ctx := context.Background()
	c := NewCollector()

	// 98 fast, 2 slow: the 99th of 100 ranked samples is slow
	for i := 0; i < 98; i++ {
		c.ObserveLatency(ctx, 2*time.Millisecond)
	}
	c.ObserveLatency(ctx, 400*time.Millisecond)
	c.ObserveLatency(ctx, 400*time.Millisecond)

	snap := c.Snapshot()
	if snap.LatencyCount != 100 {
		t.Fatalf("LatencyCount = %d, want 100", snap.LatencyCount)
	}
	if got := snap.P99LatencyMS(); got != 500 {
		t.Errorf("P99LatencyMS() = %v, want 500 (bucket bound of 400ms samples)", got)
	}
}

func TestSnapshot_EmptyRates(t *testing.T) {
	snap := NewCollector().Snapshot()

	if got := snap.DualSuccessRate(); got != 1.0 {
		t.Errorf("DualSuccessRate() on empty = %v, want 1.0", got)
	}
	if got := snap.ErrorRate(); got != 0 {
		t.Errorf("ErrorRate() on empty = %v, want 0", got)
	}
	if got := snap.P99LatencyMS(); got != 0 {
		t.Errorf("P99LatencyMS() on empty = %v, want 0", got)
	}
}

func TestSnapshot_RoundTrip(t *testing.T) {
	ctx := context.Background()
	c := NewCollector()
	c.RecordInbox(ctx)
	c.RecordDualPublish(ctx, DualPartial)
	c.RecordError(ctx, errors.CategoryPublish)
	c.ObserveLatency(ctx, 12*time.Millisecond)

	data, err := c.Snapshot().Marshal()
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}

	parsed, err := ParseSnapshot(data)
	if err != nil {
		t.Fatalf("ParseSnapshot error: %v", err)
	}
	if parsed.InboxCount != 1 {
		t.Errorf("InboxCount = %d, want 1", parsed.InboxCount)
	}
	if parsed.DualPublishPartial != 1 {
		t.Errorf("DualPublishPartial = %d, want 1", parsed.DualPublishPartial)
	}
	if parsed.ErrorsByCategory["publish"] != 1 {
		t.Errorf("publish errors = %d, want 1", parsed.ErrorsByCategory["publish"])
	}
	if parsed.LatencyCount != 1 {
		t.Errorf("LatencyCount = %d, want 1", parsed.LatencyCount)
	}
}

func TestParseSnapshot_Invalid(t *testing.T) {
	_, err := ParseSnapshot([]byte("not json"))
	if err == nil {
		t.Fatal("expected error for invalid payload")
	}
	if !errors.IsParse(err) {
		t.Errorf("expected parse category, got %v", errors.Category(err))
	}
}

func TestSnapshot_StableFieldNames(t *testing.T) {
	data, err := NewCollector().Snapshot().Marshal()
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}

	for _, field := range []string{
		"inbox_count", "broadcast_count", "agent_ref_count",
		"dual_publish_success", "dual_publish_partial", "dual_publish_failure",
		"errors_by_category", "latency_buckets", "timestamp",
	} {
		if _, ok := raw[field]; !ok {
			t.Errorf("snapshot JSON missing field %q", field)
		}
	}
}

func TestSnapshot_Delta(t *testing.T) {
	ctx := context.Background()
	c := NewCollector()
	c.RecordInbox(ctx)
	c.RecordDualPublish(ctx, DualSuccess)
	earlier := c.Snapshot()

	c.RecordInbox(ctx)
	c.RecordInbox(ctx)
	c.RecordDualPublish(ctx, DualFailure)
	c.RecordError(ctx, errors.CategoryPublish)
	later := c.Snapshot()

	delta := later.Delta(earlier)
	if delta.InboxCount != 2 {
		t.Errorf("delta InboxCount = %d, want 2", delta.InboxCount)
	}
	if delta.DualPublishSuccess != 0 {
		t.Errorf("delta DualPublishSuccess = %d, want 0", delta.DualPublishSuccess)
	}
	if delta.DualPublishFailure != 1 {
		t.Errorf("delta DualPublishFailure = %d, want 1", delta.DualPublishFailure)
	}
	if delta.ErrorsByCategory["publish"] != 1 {
		t.Errorf("delta publish errors = %d, want 1", delta.ErrorsByCategory["publish"])
	}
}

// --- Integration Tests ---

func TestCollector_Concurrent(t *testing.T) {
	ctx := context.Background()
	c := NewCollector()

	const workers = 8
	const perWorker = 1000

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				c.RecordInbox(ctx)
				c.RecordDualPublish(ctx, DualSuccess)
				c.ObserveLatency(ctx, time.Millisecond)
			}
		}()
	}
	wg.Wait()

	snap := c.Snapshot()
	if snap.InboxCount != workers*perWorker {
		t.Errorf("InboxCount = %d, want %d", snap.InboxCount, workers*perWorker)
	}
	if snap.DualPublishSuccess != workers*perWorker {
		t.Errorf("DualPublishSuccess = %d, want %d", snap.DualPublishSuccess, workers*perWorker)
	}
	if snap.LatencyCount != workers*perWorker {
		t.Errorf("LatencyCount = %d, want %d", snap.LatencyCount, workers*perWorker)
	}
}
