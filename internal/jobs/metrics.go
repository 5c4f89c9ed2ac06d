package jobs

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds job manager instruments.
type Metrics struct {
	created  prometheus.Counter
	finished *prometheus.CounterVec
	active   *prometheus.GaugeVec
	duration *prometheus.HistogramVec
	rounds   prometheus.Histogram
	events   *prometheus.CounterVec
}

// NewMetrics creates job metrics and registers them with reg when reg is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		created: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lexconverge",
			Subsystem: "jobs",
			Name:      "created_total",
			Help:      "Jobs accepted by the manager.",
		}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lexconverge",
			Subsystem: "jobs",
			Name:      "finished_total",
			Help:      "Jobs that reached a terminal status, by status.",
		}, []string{"status"}),
		active: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "lexconverge",
			Subsystem: "jobs",
			Name:      "active",
			Help:      "Jobs currently pending or running, by status.",
		}, []string{"status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "lexconverge",
			Subsystem: "jobs",
			Name:      "duration_seconds",
			Help:      "Running time of finished jobs, by terminal status.",
			Buckets:   []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"status"}),
		rounds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "lexconverge",
			Subsystem: "jobs",
			Name:      "rounds",
			Help:      "Convergence rounds executed per completed job.",
			Buckets:   prometheus.LinearBuckets(1, 1, 10),
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lexconverge",
			Subsystem: "jobs",
			Name:      "events_total",
			Help:      "Job events by event and publish result (ok, error).",
		}, []string{"event", "result"}),
	}
	if reg != nil {
		reg.MustRegister(m.created, m.finished, m.active, m.duration, m.rounds, m.events)
	}
	return m
}

func (m *Metrics) jobCreated() {
	if m == nil {
		return
	}
	m.created.Inc()
	m.active.WithLabelValues(string(StatusPending)).Inc()
}

// transition moves one job between the active gauges and records
// terminal outcomes.
func (m *Metrics) transition(from Status, j Job) {
	if m == nil {
		return
	}
	m.active.WithLabelValues(string(from)).Dec()
	if !j.Status.IsTerminal() {
		m.active.WithLabelValues(string(j.Status)).Inc()
		return
	}
	m.finished.WithLabelValues(string(j.Status)).Inc()
	if j.StartedAt != nil {
		m.duration.WithLabelValues(string(j.Status)).Observe(j.Duration().Seconds())
	}
	if j.Status == StatusCompleted {
		m.rounds.Observe(float64(len(j.Rounds)))
	}
}

func (m *Metrics) event(e Event, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.events.WithLabelValues(string(e), result).Inc()
}
