package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	activeConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_active_connections",
			Help: "Number of authenticated websocket connections on this instance",
		},
	)
	authRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_auth_rejections_total",
			Help: "Number of rejected websocket handshakes",
		},
		[]string{"reason"},
	)
	inboundEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_inbound_events_total",
			Help: "Number of inbound application events",
		},
		[]string{"event"},
	)
	eventsThrottled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_events_throttled_total",
			Help: "Number of inbound events dropped by the per-connection rate limit",
		},
	)
	messagesRelayed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_messages_relayed_total",
			Help: "Number of private messages delivered to an online recipient",
		},
	)
	messagesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_messages_dropped_total",
			Help: "Number of private messages dropped",
		},
		[]string{"reason"},
	)
	messagesQueued = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_messages_queued_total",
			Help: "Number of private messages queued for an offline recipient",
		},
	)
	storeErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_store_errors_total",
			Help: "Number of failed directory or queue operations",
		},
		[]string{"op"},
	)
)

func init() {
	prometheus.MustRegister(activeConnections)
	prometheus.MustRegister(authRejections)
	prometheus.MustRegister(inboundEvents)
	prometheus.MustRegister(eventsThrottled)
	prometheus.MustRegister(messagesRelayed)
	prometheus.MustRegister(messagesDropped)
	prometheus.MustRegister(messagesQueued)
	prometheus.MustRegister(storeErrors)
}

// Handler expone las métricas registradas.
func Handler() http.Handler {
	return promhttp.Handler()
}

func ConnectionOpened() {
	activeConnections.Inc()
}

func ConnectionClosed() {
	activeConnections.Dec()
}

func AuthRejected(reason string) {
	authRejections.With(prometheus.Labels{"reason": reason}).Inc()
}

func InboundEvent(event string) {
	inboundEvents.With(prometheus.Labels{"event": event}).Inc()
}

func EventThrottled() {
	eventsThrottled.Inc()
}

func MessageRelayed() {
	messagesRelayed.Inc()
}

func MessageDropped(reason string) {
	messagesDropped.With(prometheus.Labels{"reason": reason}).Inc()
}

func MessageQueued() {
	messagesQueued.Inc()
}

func StoreError(op string) {
	storeErrors.With(prometheus.Labels{"op": op}).Inc()
}
