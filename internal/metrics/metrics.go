package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Upstream API calls issued through the gateway
	GatewayRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "console_gateway_request_duration_seconds",
			Help:    "Upstream API request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~10s
		},
		[]string{"method", "status"},
	)

	GatewayConnectivityErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "console_gateway_connectivity_errors_total",
			Help: "Upstream API calls that failed at the network level",
		},
	)

	GatewayRenewals = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "console_gateway_renewals_total",
			Help: "Access token renewals by outcome",
		},
		[]string{"result"}, // result: success, rejected, connectivity, abandoned
	)

	GatewayReplays = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "console_gateway_replays_total",
			Help: "Requests replayed after a successful renewal",
		},
	)

	// Push channel
	PushEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "console_push_events_total",
			Help: "Inbound push messages by outcome",
		},
		[]string{"result"}, // result: accepted, malformed
	)

	ChannelState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "console_channel_state",
			Help: "Push channel state (0 disconnected, 1 connecting, 2 connected, 3 reconnecting)",
		},
	)

	ChannelReconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "console_channel_reconnects_total",
			Help: "Reconnect attempts scheduled by the push channel",
		},
	)

	// Feed
	UnreadNotifications = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "console_notifications_unread",
			Help: "Unread notifications in the feed",
		},
	)

	FeedResyncs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "console_feed_resyncs_total",
			Help: "Feed resynchronisations by trigger and outcome",
		},
		[]string{"trigger", "result"},
	)
)

// RecordGatewayRequest records an upstream request that produced a response
func RecordGatewayRequest(method string, status int, duration time.Duration) {
	GatewayRequestDuration.WithLabelValues(method, strconv.Itoa(status)).Observe(duration.Seconds())
}

// IncrementRenewal counts a renewal outcome
func IncrementRenewal(result string) {
	GatewayRenewals.WithLabelValues(result).Inc()
}

// IncrementPushEvent counts an inbound push message outcome
func IncrementPushEvent(result string) {
	PushEvents.WithLabelValues(result).Inc()
}

// IncrementResync counts a feed resync
func IncrementResync(trigger, result string) {
	FeedResyncs.WithLabelValues(trigger, result).Inc()
}
