package observe

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/democratizeAI/council/pkg/provider/llm"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// collect gathers all metric data from the reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

// findMetric searches for a metric by name across all scope metrics.
func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestHistogramObservation(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	histograms := []struct {
		name string
		h    metric.Float64Histogram
	}{
		{"council.agent0.duration", m.Agent0Duration},
		{"council.specialist.duration", m.SpecialistDuration},
		{"council.vote.duration", m.VoteDuration},
	}

	for _, tc := range histograms {
		tc.h.Record(ctx, 0.123)
		tc.h.Record(ctx, 0.456)
	}

	rm := collect(t, reader)

	for _, tc := range histograms {
		t.Run(tc.name, func(t *testing.T) {
			met := findMetric(rm, tc.name)
			if met == nil {
				t.Fatalf("metric %q not found", tc.name)
			}
			hist, ok := met.Data.(metricdata.Histogram[float64])
			if !ok {
				t.Fatalf("metric %q is not a histogram", tc.name)
			}
			if len(hist.DataPoints) == 0 {
				t.Fatalf("metric %q has no data points", tc.name)
			}
			if got := hist.DataPoints[0].Count; got != 2 {
				t.Errorf("sample count = %d, want 2", got)
			}
		})
	}
}

func TestRecordSpecialist(t *testing.T) {
	m, reader := newTestMetrics(t)

	m.RecordSpecialist("math", 150*time.Millisecond, "ok")
	m.RecordSpecialist("math", 4*time.Second, "timeout")

	rm := collect(t, reader)
	met := findMetric(rm, "council.specialist.duration")
	if met == nil {
		t.Fatal("specialist duration metric not found")
	}
	hist := met.Data.(metricdata.Histogram[float64])
	if len(hist.DataPoints) != 2 {
		t.Fatalf("data points = %d, want one per status", len(hist.DataPoints))
	}
	for _, dp := range hist.DataPoints {
		if name, ok := dp.Attributes.Value(attribute.Key("specialist")); !ok || name.AsString() != "math" {
			t.Errorf("missing specialist attribute: %v", dp.Attributes)
		}
	}
}

func TestProviderRecorders(t *testing.T) {
	m, reader := newTestMetrics(t)

	m.RecordProviderRequest("openai", "ok")
	m.RecordProviderRequest("openai", "ok")
	m.RecordProviderRequest("openai", "timeout")
	m.RecordProviderHealth("openai", llm.StatusDegraded)

	rm := collect(t, reader)

	reqs := findMetric(rm, "council.provider.requests")
	if reqs == nil {
		t.Fatal("provider requests metric not found")
	}
	sum := reqs.Data.(metricdata.Sum[int64])
	var okCount int64
	for _, dp := range sum.DataPoints {
		if status, _ := dp.Attributes.Value(attribute.Key("status")); status.AsString() == "ok" {
			okCount = dp.Value
		}
	}
	if okCount != 2 {
		t.Errorf("ok requests = %d, want 2", okCount)
	}

	health := findMetric(rm, "council.provider.health")
	if health == nil {
		t.Fatal("provider health metric not found")
	}
	gauge := health.Data.(metricdata.Gauge[int64])
	if len(gauge.DataPoints) != 1 || gauge.DataPoints[0].Value != int64(llm.StatusDegraded) {
		t.Errorf("health gauge = %+v", gauge.DataPoints)
	}
}

func TestGauges(t *testing.T) {
	m, reader := newTestMetrics(t)

	m.RecordBudget(0.42)
	m.RecordPendingQueue(17)

	rm := collect(t, reader)

	budget := findMetric(rm, "council.budget.spent_usd")
	if budget == nil {
		t.Fatal("budget gauge not found")
	}
	if g := budget.Data.(metricdata.Gauge[float64]); g.DataPoints[0].Value != 0.42 {
		t.Errorf("budget = %f", g.DataPoints[0].Value)
	}

	queue := findMetric(rm, "council.memory.pending_queue")
	if queue == nil {
		t.Fatal("pending queue gauge not found")
	}
	if g := queue.Data.(metricdata.Gauge[int64]); g.DataPoints[0].Value != 17 {
		t.Errorf("queue depth = %d", g.DataPoints[0].Value)
	}
}

func TestRefinementCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RefinementImproved.Add(ctx, 1)
	m.RefinementSkipped.Add(ctx, 1)
	m.RefinementSkipped.Add(ctx, 1)

	rm := collect(t, reader)
	skipped := findMetric(rm, "council.refinement.skipped")
	if skipped == nil {
		t.Fatal("refinement skipped metric not found")
	}
	if sum := skipped.Data.(metricdata.Sum[int64]); sum.DataPoints[0].Value != 2 {
		t.Errorf("skipped = %d, want 2", sum.DataPoints[0].Value)
	}
}
