package routing

import (
	"context"
	"log/slog"

	"github.com/audiolibrelab/mqttcapture/internal/metrics"
)

// DefaultTopic is the audio topic producers publish to
const DefaultTopic = "/audio"

// Sink receives audio payloads that matched the router's topic
type Sink interface {
	Deliver(ctx context.Context, payload []byte) error
}

// Router forwards messages on exactly one topic to a sink and ignores the rest
type Router struct {
	topic   string
	sink    Sink
	metrics *metrics.Metrics
}

// New creates a router for topic; m may be nil
func New(topic string, sink Sink, m *metrics.Metrics) *Router {
	if topic == "" {
		topic = DefaultTopic
	}
	return &Router{topic: topic, sink: sink, metrics: m}
}

// Topic returns the audio topic
func (r *Router) Topic() string {
	return r.topic
}

// Route dispatches one inbound message. Topics are compared by string equality,
// so MQTT wildcards in the configured topic are not expanded here.
func (r *Router) Route(ctx context.Context, topic string, payload []byte) {
	if topic != r.topic {
		r.count("false")
		slog.Debug("Ignoring message on unrouted topic", "topic", topic, "bytes", len(payload))
		return
	}

	r.count("true")
	if err := r.sink.Deliver(ctx, payload); err != nil {
		slog.Warn("Failed to deliver audio frame", "topic", topic, "error", err)
	}
}

func (r *Router) count(routed string) {
	if r.metrics != nil {
		r.metrics.MessagesReceived.WithLabelValues(routed).Inc()
	}
}
