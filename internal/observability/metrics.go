package observability

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MonitorCollector bundles the Prometheus metrics of the monitor: the size
// and health of the measurement graph, collector failures, and estimator
// pass outcomes. It provides a ready-to-serve /metrics handler.
type MonitorCollector struct {
	gatherer prometheus.Gatherer

	NodesTracked  prometheus.Gauge
	NodesOnline   prometheus.Gauge
	NeighborEdges prometheus.Gauge

	NodesPlaced   prometheus.Gauge
	NodesUnplaced prometheus.Gauge

	EstimatorPasses prometheus.Counter
	PassDuration    prometheus.Histogram

	PollFailures    *prometheus.CounterVec
	PlacementErrors *prometheus.CounterVec
}

// NewMonitorCollector registers the monitor metrics against the provided
// registerer, defaulting to the global Prometheus registry when nil.
// Re-registration of identical collectors is tolerated so tests can build
// several collectors against the default registry.
func NewMonitorCollector(reg prometheus.Registerer) (*MonitorCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	tracked, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "monitor_nodes_tracked",
		Help: "Number of APs currently tracked in the measurement store.",
	}), "monitor_nodes_tracked")
	if err != nil {
		return nil, err
	}
	online, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "monitor_nodes_online",
		Help: "Number of tracked APs currently online.",
	}), "monitor_nodes_online")
	if err != nil {
		return nil, err
	}
	edges, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "monitor_neighbor_edges",
		Help: "Number of fresh directed neighbor observations in the last snapshot.",
	}), "monitor_neighbor_edges")
	if err != nil {
		return nil, err
	}
	placed, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "monitor_nodes_placed",
		Help: "Number of APs with a coordinate after the last estimation pass.",
	}), "monitor_nodes_placed")
	if err != nil {
		return nil, err
	}
	unplaced, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "monitor_nodes_unplaced",
		Help: "Number of APs left without a coordinate after the last estimation pass.",
	}), "monitor_nodes_unplaced")
	if err != nil {
		return nil, err
	}

	passes, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "monitor_estimator_passes_total",
		Help: "Total number of completed estimation passes.",
	}), "monitor_estimator_passes_total")
	if err != nil {
		return nil, err
	}
	duration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "monitor_estimator_pass_duration_seconds",
		Help:    "Estimation pass latency in seconds, snapshot included.",
		Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	})
	duration, err = registerHistogram(reg, duration, "monitor_estimator_pass_duration_seconds")
	if err != nil {
		return nil, err
	}

	pollFailures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "monitor_poll_failures_total",
		Help: "Total failed telemetry polls, labeled by AP address.",
	}, []string{"node"})
	pollFailures, err = registerCounterVec(reg, pollFailures, "monitor_poll_failures_total")
	if err != nil {
		return nil, err
	}
	placementErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "monitor_placement_errors_total",
		Help: "Total per-node placement failures, labeled by AP address.",
	}, []string{"node"})
	placementErrors, err = registerCounterVec(reg, placementErrors, "monitor_placement_errors_total")
	if err != nil {
		return nil, err
	}

	return &MonitorCollector{
		gatherer:        gatherer,
		NodesTracked:    tracked,
		NodesOnline:     online,
		NeighborEdges:   edges,
		NodesPlaced:     placed,
		NodesUnplaced:   unplaced,
		EstimatorPasses: passes,
		PassDuration:    duration,
		PollFailures:    pollFailures,
		PlacementErrors: placementErrors,
	}, nil
}

// Handler exposes a ready-to-use /metrics handler.
func (c *MonitorCollector) Handler() http.Handler {
	gatherer := c.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetGraphCounts records the size of the measurement graph as seen by the
// latest snapshot.
func (c *MonitorCollector) SetGraphCounts(tracked, online, edges int) {
	if c == nil {
		return
	}
	if c.NodesTracked != nil {
		c.NodesTracked.Set(float64(tracked))
	}
	if c.NodesOnline != nil {
		c.NodesOnline.Set(float64(online))
	}
	if c.NeighborEdges != nil {
		c.NeighborEdges.Set(float64(edges))
	}
}

// ObservePass records the outcome of one estimation pass.
func (c *MonitorCollector) ObservePass(d time.Duration, placed, unplaced int) {
	if c == nil {
		return
	}
	if c.EstimatorPasses != nil {
		c.EstimatorPasses.Inc()
	}
	if c.PassDuration != nil {
		c.PassDuration.Observe(d.Seconds())
	}
	if c.NodesPlaced != nil {
		c.NodesPlaced.Set(float64(placed))
	}
	if c.NodesUnplaced != nil {
		c.NodesUnplaced.Set(float64(unplaced))
	}
}

// IncPollFailure counts one failed telemetry poll for the given AP.
func (c *MonitorCollector) IncPollFailure(node string) {
	if c == nil || c.PollFailures == nil {
		return
	}
	c.PollFailures.WithLabelValues(node).Inc()
}

// IncPlacementError counts one per-node placement failure.
func (c *MonitorCollector) IncPlacementError(node string) {
	if c == nil || c.PlacementErrors == nil {
		return
	}
	c.PlacementErrors.WithLabelValues(node).Inc()
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogram(reg prometheus.Registerer, hist prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(hist); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return hist, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}
