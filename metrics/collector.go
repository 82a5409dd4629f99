package metrics

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/agentfleet/relay/errors"
)

// DualOutcome classifies the result of a dual-publish attempt.
type DualOutcome string

const (
	// DualSuccess means every attempted pattern published cleanly.
	DualSuccess DualOutcome = "success"
	// DualPartial means legacy published but unified failed, or vice versa.
	DualPartial DualOutcome = "partial"
	// DualFailure means no pattern published.
	DualFailure DualOutcome = "failure"
)

// latencyBounds are handler latency bucket upper bounds in milliseconds.
// The last bucket is open-ended.
var latencyBounds = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500}

// Collector accumulates delivery and publish counters for one agent process.
// All methods are safe for concurrent use; counters only grow.
type Collector struct {
	inbox     atomic.Int64
	broadcast atomic.Int64
	agentRef  atomic.Int64
	dedupHits atomic.Int64

	dualSuccess atomic.Int64
	dualPartial atomic.Int64
	dualFailure atomic.Int64

	errConstruction atomic.Int64
	errParse        atomic.Int64
	errPublish      atomic.Int64
	errDedup        atomic.Int64
	errInternal     atomic.Int64

	latencyBuckets []atomic.Int64 // len(latencyBounds)+1, last is overflow
	latencySum     atomic.Int64   // microseconds
	latencyCount   atomic.Int64

	inst *Instruments // optional OTel bridge
}

// NewCollector creates an empty collector.
func NewCollector() *Collector {
	return &Collector{
		latencyBuckets: make([]atomic.Int64, len(latencyBounds)+1),
	}
}

// WithInstruments attaches an OTel instrument set; every recording is
// mirrored onto the meter so Prometheus scrapes see the same counters.
func (c *Collector) WithInstruments(inst *Instruments) *Collector {
	c.inst = inst
	return c
}

// RecordInbox counts a delivery that arrived via the legacy inbox pattern.
func (c *Collector) RecordInbox(ctx context.Context) {
	c.inbox.Add(1)
	if c.inst != nil {
		c.inst.recordInbox(ctx)
	}
}

// RecordBroadcast counts a delivery that arrived via the broadcast pattern.
func (c *Collector) RecordBroadcast(ctx context.Context) {
	c.broadcast.Add(1)
	if c.inst != nil {
		c.inst.recordBroadcast(ctx)
	}
}

// RecordAgentRef counts a delivery or publish on the unified
// reference-addressed pattern. Rollback verification watches this
// counter flatten.
func (c *Collector) RecordAgentRef(ctx context.Context) {
	c.agentRef.Add(1)
	if c.inst != nil {
		c.inst.recordAgentRef(ctx)
	}
}

// RecordDedupHit counts a duplicate delivery dropped by the dedup window.
func (c *Collector) RecordDedupHit(ctx context.Context) {
	c.dedupHits.Add(1)
	if c.inst != nil {
		c.inst.recordDedupHit(ctx)
	}
}

// RecordDualPublish counts one completed outbound attempt set.
func (c *Collector) RecordDualPublish(ctx context.Context, outcome DualOutcome) {
	switch outcome {
	case DualSuccess:
		c.dualSuccess.Add(1)
	case DualPartial:
		c.dualPartial.Add(1)
	case DualFailure:
		c.dualFailure.Add(1)
	}
	if c.inst != nil {
		c.inst.recordDualPublish(ctx, outcome)
	}
}

// RecordError counts an error by category.
func (c *Collector) RecordError(ctx context.Context, cat errors.ErrorCategory) {
	switch cat {
	case errors.CategoryConstruction:
		c.errConstruction.Add(1)
	case errors.CategoryParse:
		c.errParse.Add(1)
	case errors.CategoryPublish:
		c.errPublish.Add(1)
	case errors.CategoryDedup:
		c.errDedup.Add(1)
	default:
		c.errInternal.Add(1)
	}
	if c.inst != nil {
		c.inst.recordError(ctx, cat)
	}
}

// ObserveLatency records one handler round-trip duration.
func (c *Collector) ObserveLatency(ctx context.Context, d time.Duration) {
	ms := float64(d) / float64(time.Millisecond)
	idx := len(latencyBounds)
	for i, bound := range latencyBounds {
		if ms <= bound {
			idx = i
			break
		}
	}
	c.latencyBuckets[idx].Add(1)
	c.latencySum.Add(d.Microseconds())
	c.latencyCount.Add(1)
	if c.inst != nil {
		c.inst.observeLatency(ctx, d)
	}
}

// Snapshot is an immutable copy of the collector state at one instant.
type Snapshot struct {
	Timestamp time.Time `json:"timestamp"`

	InboxCount     int64 `json:"inbox_count"`
	BroadcastCount int64 `json:"broadcast_count"`
	AgentRefCount  int64 `json:"agent_ref_count"`
	DedupHits      int64 `json:"dedup_hits"`

	DualPublishSuccess int64 `json:"dual_publish_success"`
	DualPublishPartial int64 `json:"dual_publish_partial"`
	DualPublishFailure int64 `json:"dual_publish_failure"`

	ErrorsByCategory map[string]int64 `json:"errors_by_category"`

	LatencyBounds  []float64 `json:"latency_bounds_ms"`
	LatencyBuckets []int64   `json:"latency_buckets"`
	LatencySumUS   int64     `json:"latency_sum_us"`
	LatencyCount   int64     `json:"latency_count"`
}

// Snapshot captures current counter values. Calling it never resets
// anything; two immediate calls return equal counters.
func (c *Collector) Snapshot() Snapshot {
	buckets := make([]int64, len(c.latencyBuckets))
	for i := range c.latencyBuckets {
		buckets[i] = c.latencyBuckets[i].Load()
	}

	bounds := make([]float64, len(latencyBounds))
	copy(bounds, latencyBounds)

	return Snapshot{
		Timestamp:          time.Now().UTC(),
		InboxCount:         c.inbox.Load(),
		BroadcastCount:     c.broadcast.Load(),
		AgentRefCount:      c.agentRef.Load(),
		DedupHits:          c.dedupHits.Load(),
		DualPublishSuccess: c.dualSuccess.Load(),
		DualPublishPartial: c.dualPartial.Load(),
		DualPublishFailure: c.dualFailure.Load(),
		ErrorsByCategory: map[string]int64{
			string(errors.CategoryConstruction): c.errConstruction.Load(),
			string(errors.CategoryParse):        c.errParse.Load(),
			string(errors.CategoryPublish):      c.errPublish.Load(),
			string(errors.CategoryDedup):        c.errDedup.Load(),
			string(errors.CategoryInternal):     c.errInternal.Load(),
		},
		LatencyBounds:  bounds,
		LatencyBuckets: buckets,
		LatencySumUS:   c.latencySum.Load(),
		LatencyCount:   c.latencyCount.Load(),
	}
}

// DualAttempts is the total number of outbound attempt sets.
func (s Snapshot) DualAttempts() int64 {
	return s.DualPublishSuccess + s.DualPublishPartial + s.DualPublishFailure
}

// DualSuccessRate is the fraction of attempt sets where every pattern
// published. Returns 1.0 when nothing has been attempted.
func (s Snapshot) DualSuccessRate() float64 {
	total := s.DualAttempts()
	if total == 0 {
		return 1.0
	}
	return float64(s.DualPublishSuccess) / float64(total)
}

// TotalErrors sums every category.
func (s Snapshot) TotalErrors() int64 {
	var total int64
	for _, n := range s.ErrorsByCategory {
		total += n
	}
	return total
}

// Deliveries is the total inbound delivery count across all patterns.
func (s Snapshot) Deliveries() int64 {
	return s.InboxCount + s.BroadcastCount + s.AgentRefCount
}

// ErrorRate is errors per delivery. Returns 0 when nothing was delivered.
func (s Snapshot) ErrorRate() float64 {
	deliveries := s.Deliveries()
	if deliveries == 0 {
		return 0
	}
	return float64(s.TotalErrors()) / float64(deliveries)
}

// P99LatencyMS estimates the 99th percentile handler latency from the
// bucket counts. Returns 0 when no latencies were observed; the overflow
// bucket reports the largest bound.
func (s Snapshot) P99LatencyMS() float64 {
	if s.LatencyCount == 0 {
		return 0
	}
	target := (s.LatencyCount*99 + 99) / 100 // ceil(count * 0.99)
	var cum int64
	for i, n := range s.LatencyBuckets {
		cum += n
		if cum >= target {
			if i < len(s.LatencyBounds) {
				return s.LatencyBounds[i]
			}
			break
		}
	}
	return s.LatencyBounds[len(s.LatencyBounds)-1]
}

// Marshal serializes the snapshot with its stable JSON field layout.
func (s Snapshot) Marshal() ([]byte, error) {
	return json.Marshal(s)
}

// ParseSnapshot decodes a snapshot published on a telemetry subject.
func ParseSnapshot(data []byte) (Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return Snapshot{}, errors.Parse("invalid metrics snapshot payload", errors.WithCause(err))
	}
	return s, nil
}

// Delta subtracts an earlier snapshot's counters from this one, giving
// rates over a monitoring window. Timestamp keeps the later instant.
func (s Snapshot) Delta(earlier Snapshot) Snapshot {
	out := s
	out.InboxCount -= earlier.InboxCount
	out.BroadcastCount -= earlier.BroadcastCount
	out.AgentRefCount -= earlier.AgentRefCount
	out.DedupHits -= earlier.DedupHits
	out.DualPublishSuccess -= earlier.DualPublishSuccess
	out.DualPublishPartial -= earlier.DualPublishPartial
	out.DualPublishFailure -= earlier.DualPublishFailure
	out.ErrorsByCategory = make(map[string]int64, len(s.ErrorsByCategory))
	for cat, n := range s.ErrorsByCategory {
		out.ErrorsByCategory[cat] = n - earlier.ErrorsByCategory[cat]
	}
	out.LatencyBuckets = make([]int64, len(s.LatencyBuckets))
	for i, n := range s.LatencyBuckets {
		if i < len(earlier.LatencyBuckets) {
			out.LatencyBuckets[i] = n - earlier.LatencyBuckets[i]
		} else {
			out.LatencyBuckets[i] = n
		}
	}
	out.LatencySumUS -= earlier.LatencySumUS
	out.LatencyCount -= earlier.LatencyCount
	return out
}
