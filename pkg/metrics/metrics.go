package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Exchange metrics
	ExchangesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "steward_exchanges_total",
			Help: "Total number of exchange cycles by result",
		},
		[]string{"result"},
	)

	ExchangeDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "steward_exchange_duration_seconds",
			Help:    "Exchange cycle duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	MessagesSentTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "steward_messages_sent_total",
			Help: "Total number of outbound messages delivered in payloads",
		},
	)

	MessagesReceivedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "steward_messages_received_total",
			Help: "Total number of inbound server messages by type",
		},
		[]string{"type"},
	)

	MessagesHeldTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "steward_messages_held_total",
			Help: "Total number of messages diverted to the held queue",
		},
	)

	PendingMessages = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "steward_pending_messages",
			Help: "Number of messages awaiting transmission",
		},
	)

	ResynchronizationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "steward_resynchronizations_total",
			Help: "Total number of resynchronization flows triggered",
		},
	)

	// Broker metrics
	IPCRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "steward_ipc_requests_total",
			Help: "Total number of IPC method calls by method and status",
		},
		[]string{"method", "status"},
	)

	RegisteredClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "steward_registered_clients",
			Help: "Number of registered broker clients",
		},
	)
)

func init() {
	prometheus.MustRegister(ExchangesTotal)
	prometheus.MustRegister(ExchangeDuration)
	prometheus.MustRegister(MessagesSentTotal)
	prometheus.MustRegister(MessagesReceivedTotal)
	prometheus.MustRegister(MessagesHeldTotal)
	prometheus.MustRegister(PendingMessages)
	prometheus.MustRegister(ResynchronizationsTotal)
	prometheus.MustRegister(IPCRequestsTotal)
	prometheus.MustRegister(RegisteredClients)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}
