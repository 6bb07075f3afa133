package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics contains all Prometheus metrics for the recorder.
// Each instance owns its registry so several can coexist in one process.
type Metrics struct {
	registry *prometheus.Registry

	// Broker connection metrics
	ConnectAttempts  prometheus.Counter
	ConnectFailures  prometheus.Counter
	Connects         prometheus.Counter
	ConnectionLosses prometheus.Counter
	Connected        prometheus.Gauge

	// Routing metrics
	MessagesReceived *prometheus.CounterVec

	// Frame metrics
	FramesWritten   prometheus.Counter
	FramesPartial   prometheus.Counter
	FramesDiscarded prometheus.Counter
	FramesRejected  prometheus.Counter
	WriteErrors     prometheus.Counter
	BytesWritten    *prometheus.CounterVec
	QueueDepth      prometheus.Gauge

	// Session metrics
	Recording       prometheus.Gauge
	SessionsStarted prometheus.Counter
	SessionsFailed  prometheus.Counter
	CloseErrors     prometheus.Counter
	SessionDuration prometheus.Histogram
}

// New creates and registers all recorder metrics on a fresh registry
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		ConnectAttempts: factory.NewCounter(prometheus.CounterOpts{
			Name: "mqttcapture_connect_attempts_total",
			Help: "Total number of broker connection attempts",
		}),
		ConnectFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "mqttcapture_connect_failures_total",
			Help: "Total number of failed broker connection attempts",
		}),
		Connects: factory.NewCounter(prometheus.CounterOpts{
			Name: "mqttcapture_connects_total",
			Help: "Total number of successful (re)connections to the broker",
		}),
		ConnectionLosses: factory.NewCounter(prometheus.CounterOpts{
			Name: "mqttcapture_connection_losses_total",
			Help: "Total number of unexpected broker disconnects",
		}),
		Connected: factory.NewGauge(prometheus.GaugeOpts{
			Name: "mqttcapture_connected",
			Help: "1 while the broker connection is up",
		}),

		MessagesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mqttcapture_messages_received_total",
			Help: "Total number of broker messages seen by the router",
		}, []string{"routed"}),

		FramesWritten: factory.NewCounter(prometheus.CounterOpts{
			Name: "mqttcapture_frames_written_total",
			Help: "Total number of frames written to every channel",
		}),
		FramesPartial: factory.NewCounter(prometheus.CounterOpts{
			Name: "mqttcapture_frames_partial_total",
			Help: "Total number of frames that failed to write on at least one channel",
		}),
		FramesDiscarded: factory.NewCounter(prometheus.CounterOpts{
			Name: "mqttcapture_frames_discarded_total",
			Help: "Total number of audio frames dropped because no session was recording",
		}),
		FramesRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "mqttcapture_frames_rejected_total",
			Help: "Total number of malformed audio frames",
		}),
		WriteErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "mqttcapture_write_errors_total",
			Help: "Total number of failed channel writes",
		}),
		BytesWritten: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mqttcapture_bytes_written_total",
			Help: "Sample bytes written per channel",
		}, []string{"channel"}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "mqttcapture_queue_depth",
			Help: "Requests waiting in the session engine queue",
		}),

		Recording: factory.NewGauge(prometheus.GaugeOpts{
			Name: "mqttcapture_recording",
			Help: "1 while a session is recording",
		}),
		SessionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "mqttcapture_sessions_started_total",
			Help: "Total number of recording sessions started",
		}),
		SessionsFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "mqttcapture_sessions_failed_total",
			Help: "Total number of session starts rolled back after a writer failed to open",
		}),
		CloseErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "mqttcapture_close_errors_total",
			Help: "Total number of channel writers that failed to close",
		}),
		SessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "mqttcapture_session_duration_seconds",
			Help:    "Duration of recording sessions in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~68 minutes
		}),
	}
}

// Registry exposes the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
