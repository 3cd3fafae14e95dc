package services

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for session lifecycle activity.
type Metrics struct {
	sessions     *prometheus.CounterVec
	saves        *prometheus.CounterVec
	transitions  *prometheus.CounterVec
	finalized    *prometheus.CounterVec
	registryScan *prometheus.CounterVec
}

var (
	defaultMetricsOnce sync.Once
	sharedMetrics      *Metrics
)

// DefaultMetrics returns the instance registered with the global registry.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		sharedMetrics = MustNewMetrics(prometheus.DefaultRegisterer)
	})
	return sharedMetrics
}

// MustNewMetrics registers the collectors on reg. Collectors that are already
// registered are reused; any other registration error panics.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fieldform",
			Subsystem: "sessions",
			Name:      "resolved_total",
			Help:      "Resolve-or-create outcomes (created, resumed, blocked).",
		}, []string{"outcome"}),
		saves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fieldform",
			Subsystem: "sessions",
			Name:      "saves_total",
			Help:      "Session saves by result (ok, error, unchanged).",
		}, []string{"result"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fieldform",
			Subsystem: "sessions",
			Name:      "transitions_total",
			Help:      "Phase transitions by source state, target state and trigger.",
		}, []string{"from", "to", "trigger"}),
		finalized: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fieldform",
			Subsystem: "sessions",
			Name:      "finalized_total",
			Help:      "Finalize attempts by result.",
		}, []string{"result"}),
		registryScan: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fieldform",
			Subsystem: "registry",
			Name:      "scan_events_total",
			Help:      "Completion registry scan events (match, skipped_entry, fail_open).",
		}, []string{"event"}),
	}
	targets := []**prometheus.CounterVec{&m.sessions, &m.saves, &m.transitions, &m.finalized, &m.registryScan}
	for _, target := range targets {
		if err := reg.Register(*target); err != nil {
			if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
				*target = already.ExistingCollector.(*prometheus.CounterVec)
				continue
			}
			panic(err)
		}
	}
	return m
}

func (m *Metrics) incSession(outcome string) {
	if m == nil {
		return
	}
	m.sessions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) incSave(result string) {
	if m == nil {
		return
	}
	m.saves.WithLabelValues(result).Inc()
}

func (m *Metrics) incTransition(from, to, trigger string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to, trigger).Inc()
}

func (m *Metrics) incFinalized(result string) {
	if m == nil {
		return
	}
	m.finalized.WithLabelValues(result).Inc()
}

func (m *Metrics) incRegistry(event string) {
	if m == nil {
		return
	}
	m.registryScan.WithLabelValues(event).Inc()
}
