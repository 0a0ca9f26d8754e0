package observability

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// StreamingCollector bundles Prometheus metrics for the streaming runtime. It
// satisfies the metrics recorder interfaces of the scene scheduler, region
// controller, scenario overlay and proximity streamer.
type StreamingCollector struct {
	gatherer prometheus.Gatherer

	QueueDepth         *prometheus.GaugeVec
	InFlight           *prometheus.GaugeVec
	LoadedScenes       prometheus.Gauge
	Operations         *prometheus.CounterVec
	OperationDurations *prometheus.HistogramVec
	ValidationRejects  prometheus.Counter
	BatchCompletions   prometheus.Counter
	BudgetExhausted    prometheus.Counter

	RegionTransitions *prometheus.CounterVec
	ActiveScenarios   prometheus.Gauge
	ProximityOps      *prometheus.CounterVec
	ProximityDeferred prometheus.Counter
}

// NewStreamingCollector registers streaming metrics against the provided
// registerer, defaulting to the global Prometheus registry when nil.
func NewStreamingCollector(reg prometheus.Registerer) (*StreamingCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	c := &StreamingCollector{gatherer: gatherer}
	var err error

	if c.QueueDepth, err = register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "scene_queue_depth",
		Help: "Scene operations waiting to start, labeled by kind.",
	}, []string{"kind"}), "scene_queue_depth"); err != nil {
		return nil, err
	}
	if c.InFlight, err = register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "scene_operations_in_flight",
		Help: "Scene operations currently running, labeled by kind.",
	}, []string{"kind"}), "scene_operations_in_flight"); err != nil {
		return nil, err
	}
	if c.LoadedScenes, err = register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "scene_loaded",
		Help: "Scenes confirmed active by the scheduler.",
	}), "scene_loaded"); err != nil {
		return nil, err
	}
	if c.Operations, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "scene_operations_total",
		Help: "Finished scene operations, labeled by kind and result.",
	}, []string{"kind", "result"}), "scene_operations_total"); err != nil {
		return nil, err
	}
	if c.OperationDurations, err = register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "scene_operation_duration_seconds",
		Help:    "Wall time between starting a scene operation and its completion.",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"kind"}), "scene_operation_duration_seconds"); err != nil {
		return nil, err
	}
	if c.ValidationRejects, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "scene_validation_rejected_total",
		Help: "Scene names dropped by offline validation.",
	}), "scene_validation_rejected_total"); err != nil {
		return nil, err
	}
	if c.BatchCompletions, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "scene_batches_completed_total",
		Help: "Debounced quiescence periods reached by the scheduler.",
	}), "scene_batches_completed_total"); err != nil {
		return nil, err
	}
	if c.BudgetExhausted, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "scene_frame_budget_exhausted_total",
		Help: "Ticks in which the scheduler yielded before polling every in-flight operation.",
	}), "scene_frame_budget_exhausted_total"); err != nil {
		return nil, err
	}
	if c.RegionTransitions, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "region_transition_requests_total",
		Help: "Region change requests, labeled by outcome.",
	}, []string{"outcome"}), "region_transition_requests_total"); err != nil {
		return nil, err
	}
	if c.ActiveScenarios, err = register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "scenarios_active",
		Help: "Scenarios currently active.",
	}), "scenarios_active"); err != nil {
		return nil, err
	}
	if c.ProximityOps, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "proximity_operations_total",
		Help: "Scene operations issued by the proximity streamer, labeled by kind.",
	}, []string{"kind"}), "proximity_operations_total"); err != nil {
		return nil, err
	}
	if c.ProximityDeferred, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "proximity_transitions_deferred_total",
		Help: "Set transitions pushed to a later tick by the per-tick operation limit.",
	}), "proximity_transitions_deferred_total"); err != nil {
		return nil, err
	}
	return c, nil
}

// Handler exposes a ready-to-use /metrics handler.
func (c *StreamingCollector) Handler() http.Handler {
	gatherer := c.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *StreamingCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

func (c *StreamingCollector) SetQueueDepth(kind string, n int) {
	if c == nil {
		return
	}
	c.QueueDepth.WithLabelValues(kind).Set(float64(n))
}

func (c *StreamingCollector) SetInFlight(kind string, n int) {
	if c == nil {
		return
	}
	c.InFlight.WithLabelValues(kind).Set(float64(n))
}

func (c *StreamingCollector) SetLoadedScenes(n int) {
	if c == nil {
		return
	}
	c.LoadedScenes.Set(float64(n))
}

// ObserveOperation records one finished scene operation. result is "ok",
// "failed" or "superseded".
func (c *StreamingCollector) ObserveOperation(kind, result string, d time.Duration) {
	if c == nil {
		return
	}
	c.Operations.WithLabelValues(kind, result).Inc()
	c.OperationDurations.WithLabelValues(kind).Observe(d.Seconds())
}

func (c *StreamingCollector) IncValidationRejected() {
	if c == nil {
		return
	}
	c.ValidationRejects.Inc()
}

func (c *StreamingCollector) IncBatchComplete() {
	if c == nil {
		return
	}
	c.BatchCompletions.Inc()
}

func (c *StreamingCollector) IncBudgetExhausted() {
	if c == nil {
		return
	}
	c.BudgetExhausted.Inc()
}

func (c *StreamingCollector) IncRegionTransition(outcome string) {
	if c == nil {
		return
	}
	c.RegionTransitions.WithLabelValues(outcome).Inc()
}

func (c *StreamingCollector) SetActiveScenarios(n int) {
	if c == nil {
		return
	}
	c.ActiveScenarios.Set(float64(n))
}

func (c *StreamingCollector) IncProximityOp(kind string) {
	if c == nil {
		return
	}
	c.ProximityOps.WithLabelValues(kind).Inc()
}

func (c *StreamingCollector) AddProximityDeferred(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.ProximityDeferred.Add(float64(n))
}

// register adds col to reg, returning the already-registered collector of the
// same type when one exists under that name.
func register[T prometheus.Collector](reg prometheus.Registerer, col T, name string) (T, error) {
	if err := reg.Register(col); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
			var zero T
			return zero, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		var zero T
		return zero, err
	}
	return col, nil
}
