package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
)

func TestObservePassRecordsMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewMonitorCollector(reg)
	if err != nil {
		t.Fatalf("NewMonitorCollector: %v", err)
	}

	collector.ObservePass(12*time.Millisecond, 5, 2)
	collector.ObservePass(8*time.Millisecond, 6, 1)

	if got := testutil.ToFloat64(collector.EstimatorPasses); got != 2 {
		t.Fatalf("monitor_estimator_passes_total = %v, want 2", got)
	}
	if got := testutil.ToFloat64(collector.NodesPlaced); got != 6 {
		t.Fatalf("monitor_nodes_placed = %v, want 6", got)
	}
	if got := testutil.ToFloat64(collector.NodesUnplaced); got != 1 {
		t.Fatalf("monitor_nodes_unplaced = %v, want 1", got)
	}
	if count := histogramSampleCount(t, reg, "monitor_estimator_pass_duration_seconds"); count != 2 {
		t.Fatalf("monitor_estimator_pass_duration_seconds sample_count = %d, want 2", count)
	}
}

func TestPollFailureCounterIsPerNode(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewMonitorCollector(reg)
	if err != nil {
		t.Fatalf("NewMonitorCollector: %v", err)
	}

	collector.IncPollFailure("10.0.0.1")
	collector.IncPollFailure("10.0.0.1")
	collector.IncPollFailure("10.0.0.2")

	if got := counterValue(t, reg, "monitor_poll_failures_total", map[string]string{"node": "10.0.0.1"}); got != 2 {
		t.Fatalf("monitor_poll_failures_total{node=10.0.0.1} = %v, want 2", got)
	}
	if got := counterValue(t, reg, "monitor_poll_failures_total", map[string]string{"node": "10.0.0.2"}); got != 1 {
		t.Fatalf("monitor_poll_failures_total{node=10.0.0.2} = %v, want 1", got)
	}
}

func TestMetricsHandlerExposesGraphGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewMonitorCollector(reg)
	if err != nil {
		t.Fatalf("NewMonitorCollector: %v", err)
	}
	collector.SetGraphCounts(7, 6, 24)
	collector.ObservePass(5*time.Millisecond, 6, 1)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	collector.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("/metrics status = %d, want 200", rr.Code)
	}
	body := rr.Body.String()
	for _, metric := range []string{
		"monitor_nodes_tracked",
		"monitor_nodes_online",
		"monitor_neighbor_edges",
		"monitor_nodes_placed",
		"monitor_nodes_unplaced",
		"monitor_estimator_passes_total",
		"monitor_estimator_pass_duration_seconds",
	} {
		if !strings.Contains(body, metric) {
			t.Fatalf("expected %q in /metrics output", metric)
		}
	}
}

func TestRepeatRegistrationReturnsExistingCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewMonitorCollector(reg)
	if err != nil {
		t.Fatalf("first NewMonitorCollector: %v", err)
	}
	second, err := NewMonitorCollector(reg)
	if err != nil {
		t.Fatalf("second NewMonitorCollector: %v", err)
	}

	first.EstimatorPasses.Inc()
	second.EstimatorPasses.Inc()
	if got := testutil.ToFloat64(second.EstimatorPasses); got != 2 {
		t.Fatalf("shared counter = %v, want 2 (collectors must alias)", got)
	}
}

func histogramSampleCount(t *testing.T, gatherer prometheus.Gatherer, name string) uint64 {
	t.Helper()

	metrics, err := gatherer.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range metrics {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.Metric {
			if h := m.GetHistogram(); h != nil {
				return h.GetSampleCount()
			}
		}
	}
	return 0
}

func counterValue(t *testing.T, gatherer prometheus.Gatherer, name string, labels map[string]string) float64 {
	t.Helper()

	metrics, err := gatherer.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range metrics {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.Metric {
			if matchLabels(m.GetLabel(), labels) && m.GetCounter() != nil {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func matchLabels(got []*dto.LabelPair, want map[string]string) bool {
	if len(got) < len(want) {
		return false
	}
	matched := 0
	for _, lp := range got {
		if val, ok := want[lp.GetName()]; ok && val == lp.GetValue() {
			matched++
		}
	}
	return matched == len(want)
}
