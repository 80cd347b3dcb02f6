package syncmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "convsync"

const (
	Conversations = "conversations"
	Messages      = "messages"
)

// Metrics holds the counters both synchronizers report to. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	events       *prometheus.CounterVec
	dropped      *prometheus.CounterVec
	sounds       prometheus.Counter
	replaySteps  *prometheus.CounterVec
	escalations  prometheus.Counter
	sendFailures prometheus.Counter
}

// New registers the counters on reg. Passing nil uses a private registry,
// which keeps tests independent of the default one.
func New(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Transport events handled, by synchronizer and kind.",
		}, []string{"synchronizer", "kind"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Transport events dropped, by synchronizer and reason.",
		}, []string{"synchronizer", "reason"}),
		sounds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sound_triggers_total",
			Help:      "Debounced notification sounds played.",
		}),
		replaySteps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replay_steps_total",
			Help:      "Scripted replay steps executed, by step type.",
		}, []string{"step"}),
		escalations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "status_escalations_total",
			Help:      "Status updates issued to mark messages received.",
		}),
		sendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_failures_total",
			Help:      "Outgoing messages marked failed after a transport error.",
		}),
	}
	for _, c := range []prometheus.Collector{m.events, m.dropped, m.sounds, m.replaySteps, m.escalations, m.sendFailures} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) Event(synchronizer, kind string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(synchronizer, kind).Inc()
}

func (m *Metrics) Dropped(synchronizer, reason string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(synchronizer, reason).Inc()
}

func (m *Metrics) Sound() {
	if m == nil {
		return
	}
	m.sounds.Inc()
}

func (m *Metrics) ReplayStep(step string) {
	if m == nil {
		return
	}
	m.replaySteps.WithLabelValues(step).Inc()
}

func (m *Metrics) Escalated() {
	if m == nil {
		return
	}
	m.escalations.Inc()
}

func (m *Metrics) SendFailed() {
	if m == nil {
		return
	}
	m.sendFailures.Inc()
}
