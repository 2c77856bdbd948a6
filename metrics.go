package svinit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "svinit"

// Metrics holds the Prometheus collectors of a manager. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	transitions   *prometheus.CounterVec
	restarts      *prometheus.CounterVec
	spawnFailures *prometheus.CounterVec
	state         *prometheus.GaugeVec
	requests      *prometheus.CounterVec
}

// NewMetrics registers the collectors with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "state_transitions_total",
			Help:      "Service state transitions by source and destination state.",
		}, []string{"service", "from", "to"}),
		restarts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "restarts_total",
			Help:      "Restarts scheduled after an unexpected daemon exit.",
		}, []string{"service"}),
		spawnFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "spawn_failures_total",
			Help:      "Process launch failures by kind.",
		}, []string{"service", "kind"}),
		state: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "service_state",
			Help:      "1 for the current state of each service, 0 otherwise.",
		}, []string{"service", "state"}),
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "requests_total",
			Help:      "Control requests by action and result.",
		}, []string{"action", "result"}),
	}
}

func (m *Metrics) observeTransition(service string, from, to State) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(service, from.String(), to.String()).Inc()
	m.state.WithLabelValues(service, from.String()).Set(0)
	m.state.WithLabelValues(service, to.String()).Set(1)
}

func (m *Metrics) observeState(service string, st State) {
	if m == nil {
		return
	}
	m.state.WithLabelValues(service, st.String()).Set(1)
}

func (m *Metrics) observeRestart(service string) {
	if m == nil {
		return
	}
	m.restarts.WithLabelValues(service).Inc()
}

func (m *Metrics) observeSpawnFailure(service string, kind SpawnErrorKind) {
	if m == nil {
		return
	}
	m.spawnFailures.WithLabelValues(service, kind.String()).Inc()
}

func (m *Metrics) observeRequest(action string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.requests.WithLabelValues(action, result).Inc()
}

func (m *Metrics) forget(service string) {
	if m == nil {
		return
	}
	for st := StateDown; st <= StateFailed; st++ {
		m.state.DeleteLabelValues(service, st.String())
	}
}
