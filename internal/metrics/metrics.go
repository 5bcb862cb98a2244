package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "wamesh"

// Metrics holds the process collectors on a private registry. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	initSlotsInUse    prometheus.Gauge
	launches          *prometheus.CounterVec
	reconnectAttempts prometheus.Counter
	readySessions     prometheus.Gauge
	enqueues          *prometheus.CounterVec
	jobsProcessed     *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		initSlotsInUse: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "init_slots_in_use",
			Help:      "Client launch slots currently held.",
		}),
		launches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "client_launches_total",
			Help:      "Client launches by result.",
		}, []string{"result"}),
		reconnectAttempts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_attempts_total",
			Help:      "Reconnect timers that fired.",
		}),
		readySessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ready_sessions",
			Help:      "Sessions owned by this process that are ready.",
		}),
		enqueues: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_enqueues_total",
			Help:      "Command enqueue attempts by queue and outcome.",
		}, []string{"queue", "result"}),
		jobsProcessed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_jobs_processed_total",
			Help:      "Command jobs handled by workers in this process.",
		}, []string{"queue", "job", "result"}),
	}
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) SlotAcquired() {
	if m != nil {
		m.initSlotsInUse.Inc()
	}
}

func (m *Metrics) SlotReleased() {
	if m != nil {
		m.initSlotsInUse.Dec()
	}
}

// Launch records a launch outcome: "ok" or "failed".
func (m *Metrics) Launch(result string) {
	if m != nil {
		m.launches.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) ReconnectAttempt() {
	if m != nil {
		m.reconnectAttempts.Inc()
	}
}

func (m *Metrics) SessionReady() {
	if m != nil {
		m.readySessions.Inc()
	}
}

func (m *Metrics) SessionNotReady() {
	if m != nil {
		m.readySessions.Dec()
	}
}

// Enqueue records an enqueue outcome: "ok", "fallback" or "lua_incompatible".
func (m *Metrics) Enqueue(queue, result string) {
	if m != nil {
		m.enqueues.WithLabelValues(queue, result).Inc()
	}
}

// JobProcessed records a worker outcome: "ok" or "error".
func (m *Metrics) JobProcessed(queue, job, result string) {
	if m != nil {
		m.jobsProcessed.WithLabelValues(queue, job, result).Inc()
	}
}
