package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	DeviceRegistrationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "device_registrations_total",
			Help: "Device registrations by result.",
		},
		[]string{"result"},
	)

	PreKeyBundlesFetchedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prekey_bundles_fetched_total",
			Help: "Per-device prekey bundles handed out, by whether a one-time key was attached.",
		},
		[]string{"one_time_key"},
	)

	KeySweepRemovedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "key_sweep_removed_total",
			Help: "Rows touched by the key maintenance sweep.",
		},
		[]string{"kind"},
	)

	MessagesAcceptedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_accepted_total",
			Help: "Messages accepted over the gateway by target and dedup outcome.",
		},
		[]string{"target", "outcome"},
	)

	WebsocketConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "websocket_connections",
			Help: "Currently registered websocket connections.",
		},
	)

	WebsocketDroppedFramesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "websocket_dropped_frames_total",
			Help: "Frames dropped because a socket send queue was full.",
		},
	)
)

func MustRegister() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDurationSeconds,
		DeviceRegistrationsTotal,
		PreKeyBundlesFetchedTotal,
		KeySweepRemovedTotal,
		MessagesAcceptedTotal,
		WebsocketConnections,
		WebsocketDroppedFramesTotal,
	)
}
