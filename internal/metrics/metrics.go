package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "astra_outbound"

// Metrics exposes Prometheus collectors for call orchestration and agent workers.
type Metrics struct {
	stageDuration    *prometheus.HistogramVec
	stageFailures    *prometheus.CounterVec
	callResults      *prometheus.CounterVec
	workersRunning   prometheus.Gauge
	notifyDeliveries *prometheus.CounterVec
	joinChecks       *prometheus.CounterVec
}

// MustNewMetrics constructs a Metrics instance using the provided registerer.
// Tests should pass a fresh registry. Collectors already registered under the
// same name are reused; any other registration error panics.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "stage_duration_seconds",
			Help:      "Duration spent in each outbound call stage.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"stage", "status"}),
		stageFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "stage_failures_total",
			Help:      "Outbound call stages that ended the workflow.",
		}, []string{"stage"}),
		callResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "calls_total",
			Help:      "Outbound call workflows by terminal status.",
		}, []string{"status"}),
		workersRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "workers_running",
			Help:      "Agent worker processes currently tracked as running.",
		}),
		notifyDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notifier",
			Name:      "deliveries_total",
			Help:      "Call event webhook deliveries by result.",
		}, []string{"result"}),
		joinChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "join_checks_total",
			Help:      "Post-dispatch join checks by outcome.",
		}, []string{"joined"}),
	}

	m.stageDuration = register(reg, m.stageDuration)
	m.stageFailures = register(reg, m.stageFailures)
	m.callResults = register(reg, m.callResults)
	m.workersRunning = register(reg, m.workersRunning)
	m.notifyDeliveries = register(reg, m.notifyDeliveries)
	m.joinChecks = register(reg, m.joinChecks)
	return m
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

// ObserveStage records the time spent in a stage with the provided status label.
func (m *Metrics) ObserveStage(stage, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage, status).Observe(duration.Seconds())
}

// IncStageFailure counts a stage that terminated a workflow.
func (m *Metrics) IncStageFailure(stage string) {
	if m == nil {
		return
	}
	m.stageFailures.WithLabelValues(stage).Inc()
}

// IncCallResult counts a finished workflow.
func (m *Metrics) IncCallResult(status string) {
	if m == nil {
		return
	}
	m.callResults.WithLabelValues(status).Inc()
}

// SetWorkersRunning sets the running worker gauge.
func (m *Metrics) SetWorkersRunning(n int) {
	if m == nil {
		return
	}
	m.workersRunning.Set(float64(n))
}

// IncNotifyDelivery counts a webhook delivery outcome.
func (m *Metrics) IncNotifyDelivery(result string) {
	if m == nil {
		return
	}
	m.notifyDeliveries.WithLabelValues(result).Inc()
}

// ObserveJoinCheck counts a dispatch join check outcome.
func (m *Metrics) ObserveJoinCheck(_, _ string, joined bool) {
	if m == nil {
		return
	}
	label := "false"
	if joined {
		label = "true"
	}
	m.joinChecks.WithLabelValues(label).Inc()
}
