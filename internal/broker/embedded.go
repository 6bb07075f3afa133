package broker

import (
	"fmt"
	"log/slog"

	mochi "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
)

// Embedded is an in-process MQTT broker for running a producer and the
// recorder on one machine without an external broker. It accepts every client.
type Embedded struct {
	server *mochi.Server
	addr   string
}

// StartEmbedded listens on addr (host:port) and starts serving
func StartEmbedded(addr string) (*Embedded, error) {
	return startEmbedded(addr, new(auth.AllowHook))
}

// startEmbedded serves with access decided by the given auth hook
func startEmbedded(addr string, access mochi.Hook) (*Embedded, error) {
	server := mochi.New(&mochi.Options{InlineClient: true})
	if err := server.AddHook(access, nil); err != nil {
		return nil, fmt.Errorf("failed to add auth hook: %w", err)
	}

	tcp := listeners.NewTCP(listeners.Config{ID: "mqttcapture", Address: addr})
	if err := server.AddListener(tcp); err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	if err := server.Serve(); err != nil {
		server.Close()
		return nil, fmt.Errorf("failed to start embedded broker: %w", err)
	}

	slog.Info("Embedded broker started", "address", addr)
	return &Embedded{server: server, addr: addr}, nil
}

// Addr returns the listen address
func (e *Embedded) Addr() string {
	return e.addr
}

// Publish injects a message as if a client had published it
func (e *Embedded) Publish(topic string, payload []byte) error {
	return e.server.Publish(topic, payload, false, 0)
}

// Close disconnects every client and stops listening
func (e *Embedded) Close() error {
	slog.Info("Stopping embedded broker", "address", e.addr)
	return e.server.Close()
}
