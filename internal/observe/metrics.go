// Package observe provides application-wide observability primitives for the
// council: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/democratizeAI/council/internal/council"
	"github.com/democratizeAI/council/pkg/provider/llm"
)

// meterName is the instrumentation scope name used for all council metrics.
const meterName = "github.com/democratizeAI/council"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// Agent0Duration tracks the Agent-0 draft latency.
	Agent0Duration metric.Float64Histogram

	// SpecialistDuration tracks specialist run latency. Use with attribute:
	//   attribute.String("specialist", ...)
	SpecialistDuration metric.Float64Histogram

	// VoteDuration tracks end-to-end voting round latency.
	VoteDuration metric.Float64Histogram

	// --- Counters ---

	// RefinementImproved counts refinements that replaced the draft.
	RefinementImproved metric.Int64Counter

	// RefinementSkipped counts refinements discarded below the margin or
	// not materially different.
	RefinementSkipped metric.Int64Counter

	// StubFiltered counts specialist candidates dropped by the scrubber.
	StubFiltered metric.Int64Counter

	// ProviderRequests counts registry dispatches. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// --- Gauges ---

	// BudgetSpent is the daily budget spend in USD.
	BudgetSpent metric.Float64Gauge

	// MemoryPendingQueue is the write-behind queue depth.
	MemoryPendingQueue metric.Int64Gauge

	// ProviderHealth is the provider status as 0=healthy, 1=degraded, 2=down.
	// Use with attribute: attribute.String("provider", ...)
	ProviderHealth metric.Int64Gauge

	// ActiveSessions tracks sessions with at least one live stream.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for sub-second draft latencies with a tail for slow voting rounds.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.Agent0Duration, err = m.Float64Histogram("council.agent0.duration",
		metric.WithDescription("Latency of the Agent-0 draft generation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SpecialistDuration, err = m.Float64Histogram("council.specialist.duration",
		metric.WithDescription("Latency of one specialist run by specialist name."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.VoteDuration, err = m.Float64Histogram("council.vote.duration",
		metric.WithDescription("End-to-end latency of a voting round."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.RefinementImproved, err = m.Int64Counter("council.refinement.improved",
		metric.WithDescription("Refinements that replaced the draft answer."),
	); err != nil {
		return nil, err
	}
	if met.RefinementSkipped, err = m.Int64Counter("council.refinement.skipped",
		metric.WithDescription("Refinements discarded below the margin or unchanged."),
	); err != nil {
		return nil, err
	}
	if met.StubFiltered, err = m.Int64Counter("council.candidates.stub_filtered",
		metric.WithDescription("Specialist candidates dropped by the stub scrubber."),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("council.provider.requests",
		metric.WithDescription("Registry dispatches by provider and status."),
	); err != nil {
		return nil, err
	}

	// Gauges.
	if met.BudgetSpent, err = m.Float64Gauge("council.budget.spent_usd",
		metric.WithDescription("Budget spend in USD for the current daily window."),
	); err != nil {
		return nil, err
	}
	if met.MemoryPendingQueue, err = m.Int64Gauge("council.memory.pending_queue",
		metric.WithDescription("Write-behind pending queue depth."),
	); err != nil {
		return nil, err
	}
	if met.ProviderHealth, err = m.Int64Gauge("council.provider.health",
		metric.WithDescription("Provider health by name: 0 healthy, 1 degraded, 2 down."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("council.active_sessions",
		metric.WithDescription("Sessions with at least one live stream."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("council.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// Metrics satisfies the recorder contracts of the voting engine and the
// provider registry.
var _ council.Recorder = (*Metrics)(nil)

// RecordSpecialist implements the voting engine's recorder: one latency
// sample per candidate, attributed by specialist name and outcome status.
func (m *Metrics) RecordSpecialist(name string, d time.Duration, status string) {
	m.SpecialistDuration.Record(context.Background(), d.Seconds(),
		metric.WithAttributes(
			attribute.String("specialist", name),
			attribute.String("status", status),
		),
	)
}

// RecordStubFiltered implements the voting engine's recorder.
func (m *Metrics) RecordStubFiltered(n int) {
	m.StubFiltered.Add(context.Background(), int64(n))
}

// RecordProviderRequest implements the registry's recorder.
func (m *Metrics) RecordProviderRequest(name, status string) {
	m.ProviderRequests.Add(context.Background(), 1,
		metric.WithAttributes(
			attribute.String("provider", name),
			attribute.String("status", status),
		),
	)
}

// RecordProviderHealth implements the registry's recorder.
func (m *Metrics) RecordProviderHealth(name string, status llm.Status) {
	m.ProviderHealth.Record(context.Background(), int64(status),
		metric.WithAttributes(attribute.String("provider", name)),
	)
}

// RecordAgent0 records one draft latency sample.
func (m *Metrics) RecordAgent0(d time.Duration) {
	m.Agent0Duration.Record(context.Background(), d.Seconds())
}

// RecordVote records one voting round duration.
func (m *Metrics) RecordVote(d time.Duration) {
	m.VoteDuration.Record(context.Background(), d.Seconds())
}

// RecordRefinement counts a refinement decision.
func (m *Metrics) RecordRefinement(improved bool) {
	if improved {
		m.RefinementImproved.Add(context.Background(), 1)
		return
	}
	m.RefinementSkipped.Add(context.Background(), 1)
}

// RecordBudget records the current daily spend gauge.
func (m *Metrics) RecordBudget(spentUSD float64) {
	m.BudgetSpent.Record(context.Background(), spentUSD)
}

// RecordPendingQueue records the write-behind queue depth gauge.
func (m *Metrics) RecordPendingQueue(depth int) {
	m.MemoryPendingQueue.Record(context.Background(), int64(depth))
}
