package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// Event names shared by the mesh peer and the rendezvous hub.
const (
	PeersAdded           = "peers_added"
	PeersRemoved         = "peers_removed"
	OffersSent           = "offers_sent"
	AnswersSent          = "answers_sent"
	OffersIgnored        = "offers_ignored"
	Rollbacks            = "rollbacks"
	ICERestarts          = "ice_restarts"
	CandidateAddFailures = "candidate_add_failures"

	PeersRegistered     = "peers_registered"
	PeersUnregistered   = "peers_unregistered"
	UniquenessConflicts = "uniqueness_conflicts"
	MessagesRouted      = "messages_routed"
	MessagesDropped     = "messages_dropped"
	AuthFailures        = "auth_failures"
	RateLimited         = "rate_limited"
)

// Metrics is a set of event counters exported as a single Prometheus counter
// vector labelled by event. All methods are safe on a nil receiver so
// components can treat metrics as optional.
type Metrics struct {
	registry *prometheus.Registry
	events   *prometheus.CounterVec
}

func New(namespace string) *Metrics {
	events := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_total",
		Help:      "Internal event counters.",
	}, []string{"event"})

	reg := prometheus.NewRegistry()
	reg.MustRegister(events)
	return &Metrics{registry: reg, events: events}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, n uint64) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(name).Add(float64(n))
}

// Get returns the current value of the named counter, or 0 if it was never
// incremented.
func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	var pb dto.Metric
	if err := m.events.WithLabelValues(name).Write(&pb); err != nil {
		return 0
	}
	return uint64(pb.GetCounter().GetValue())
}

// Registry exposes the underlying registry so callers can register extra
// collectors (for example Go runtime stats) next to the event counters.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
