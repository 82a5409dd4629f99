package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/agentfleet/relay/errors"
)

// Instruments mirrors collector counters onto an OpenTelemetry meter so a
// Prometheus scrape of the agent shows the same numbers the rollout
// monitor receives over the bus.
type Instruments struct {
	meter metric.Meter

	deliveriesTotal  metric.Int64Counter
	dedupHitsTotal   metric.Int64Counter
	dualPublishTotal metric.Int64Counter
	errorsTotal      metric.Int64Counter
	handlerLatency   metric.Float64Histogram
}

// NewInstruments registers the relay instrument set on a meter.
func NewInstruments(meter metric.Meter) (*Instruments, error) {
	inst := &Instruments{meter: meter}

	var err error

	inst.deliveriesTotal, err = meter.Int64Counter(
		"relay_deliveries_total",
		metric.WithDescription("Inbound deliveries by subscription pattern"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	inst.dedupHitsTotal, err = meter.Int64Counter(
		"relay_dedup_hits_total",
		metric.WithDescription("Duplicate deliveries dropped by the dedup window"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	inst.dualPublishTotal, err = meter.Int64Counter(
		"relay_dual_publish_total",
		metric.WithDescription("Outbound dual-publish attempt sets by outcome"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	inst.errorsTotal, err = meter.Int64Counter(
		"relay_errors_total",
		metric.WithDescription("Errors by category"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	inst.handlerLatency, err = meter.Float64Histogram(
		"relay_handler_latency_seconds",
		metric.WithDescription("Handler round-trip latency in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return inst, nil
}

func (i *Instruments) recordInbox(ctx context.Context) {
	i.deliveriesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("pattern", "inbox")))
}

func (i *Instruments) recordBroadcast(ctx context.Context) {
	i.deliveriesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("pattern", "broadcast")))
}

func (i *Instruments) recordAgentRef(ctx context.Context) {
	i.deliveriesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("pattern", "agent_ref")))
}

func (i *Instruments) recordDedupHit(ctx context.Context) {
	i.dedupHitsTotal.Add(ctx, 1)
}

func (i *Instruments) recordDualPublish(ctx context.Context, outcome DualOutcome) {
	i.dualPublishTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", string(outcome))))
}

func (i *Instruments) recordError(ctx context.Context, cat errors.ErrorCategory) {
	i.errorsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("category", string(cat))))
}

func (i *Instruments) observeLatency(ctx context.Context, d time.Duration) {
	i.handlerLatency.Record(ctx, d.Seconds())
}

// Exporter owns the Prometheus-backed meter provider and its scrape
// endpoint. One per process.
type Exporter struct {
	provider *sdkmetric.MeterProvider
	server   *http.Server
}

// NewExporter sets up a Prometheus exporter, installs the meter provider
// globally, and returns an Exporter whose Serve method exposes /metrics.
func NewExporter(serviceName string, port int) (*Exporter, metric.Meter, error) {
	promExporter, err := prometheus.New()
	if err != nil {
		return nil, nil, fmt.Errorf("prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(promExporter),
	)
	otel.SetMeterProvider(provider)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	exp := &Exporter{
		provider: provider,
		server: &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: mux,
		},
	}

	return exp, provider.Meter(serviceName), nil
}

// Serve blocks on the scrape endpoint until Shutdown.
func (e *Exporter) Serve() error {
	err := e.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the scrape endpoint and flushes the meter provider.
func (e *Exporter) Shutdown(ctx context.Context) error {
	if err := e.server.Shutdown(ctx); err != nil {
		return err
	}
	return e.provider.Shutdown(ctx)
}
