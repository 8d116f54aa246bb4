package htsp

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/outofforest/htsp/wire"
)

const metricsNamespace = "htsp"

// Metrics collects counters of the connection engine and ticket caches.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	connects         prometheus.Counter
	faults           prometheus.Counter
	requests         prometheus.Counter
	requestTimeouts  prometheus.Counter
	orphanResponses  prometheus.Counter
	evictedRequests  prometheus.Counter
	abandonedReqs    prometheus.Counter
	pushEvents       *prometheus.CounterVec
	ticketRequests   *prometheus.CounterVec
	ticketAttemptErr *prometheus.CounterVec
}

// NewMetrics registers metrics in the registry.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	factory := promauto.With(registry)

	return &Metrics{
		connects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "connects_total",
			Help:      "Number of established server connections",
		}),
		faults: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "faults_total",
			Help:      "Number of connections torn down because of transport faults",
		}),
		requests: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "requests_total",
			Help:      "Number of messages queued for sending",
		}),
		requestTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "request_timeouts_total",
			Help:      "Number of requests which did not receive response in time",
		}),
		orphanResponses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "orphan_responses_total",
			Help:      "Number of responses dropped because nobody waited for them",
		}),
		evictedRequests: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "evicted_requests_total",
			Help:      "Number of stale pending requests evicted by sequence number reuse",
		}),
		abandonedReqs: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "abandoned_requests_total",
			Help:      "Number of pending requests dropped on connection reset",
		}),
		pushEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "push_events_total",
			Help:      "Number of push events received from the server",
		}, []string{"event"}),
		ticketRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "ticket_requests_total",
			Help:      "Number of ticket lookups by result",
		}, []string{"item_type", "result"}),
		ticketAttemptErr: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "ticket_attempt_failures_total",
			Help:      "Number of failed getTicket attempts",
		}, []string{"item_type"}),
	}
}

func (m *Metrics) connected() {
	if m != nil {
		m.connects.Inc()
	}
}

func (m *Metrics) faulted() {
	if m != nil {
		m.faults.Inc()
	}
}

func (m *Metrics) requestQueued() {
	if m != nil {
		m.requests.Inc()
	}
}

func (m *Metrics) requestTimedOut() {
	if m != nil {
		m.requestTimeouts.Inc()
	}
}

func (m *Metrics) orphanResponse() {
	if m != nil {
		m.orphanResponses.Inc()
	}
}

func (m *Metrics) requestEvicted() {
	if m != nil {
		m.evictedRequests.Inc()
	}
}

func (m *Metrics) requestsAbandoned(n int) {
	if m != nil {
		m.abandonedReqs.Add(float64(n))
	}
}

func (m *Metrics) pushEvent(ev wire.Event) {
	if m != nil {
		m.pushEvents.WithLabelValues(ev.Kind.String()).Inc()
	}
}

func (m *Metrics) ticketLookup(itemType ItemType, result string) {
	if m != nil {
		m.ticketRequests.WithLabelValues(itemType.String(), result).Inc()
	}
}

func (m *Metrics) ticketAttemptFailed(itemType ItemType) {
	if m != nil {
		m.ticketAttemptErr.WithLabelValues(itemType.String()).Inc()
	}
}
