package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/audiolibrelab/mqttcapture/internal/events"
	"github.com/audiolibrelab/mqttcapture/internal/metrics"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

const (
	DefaultPort           = 1883
	DefaultKeepAlive      = 60 * time.Second
	DefaultRetryDelay     = 5 * time.Second
	DefaultConnectTimeout = 10 * time.Second

	disconnectQuiesce = 250 // milliseconds

	// SUBACK return codes from here up refuse the subscription
	subackFailure = 0x80
)

var (
	// ErrNotConnected is returned by Publish while the connection is down
	ErrNotConnected = errors.New("not connected to broker")

	// ErrSubscribeRejected means the broker answered the subscription with a failure code
	ErrSubscribeRejected = errors.New("subscription rejected by broker")
)

// Handler receives every message delivered on the subscription
type Handler func(topic string, payload []byte)

// Options configures the broker connection
type Options struct {
	Host           string
	Port           int
	KeepAlive      time.Duration
	ClientID       string
	Topic          string
	QoS            byte
	ConnectTimeout time.Duration
	Retry          RetryPolicy

	Metrics          *metrics.Metrics
	Events           events.Publisher
	OnConnectionLost func(err error)
}

// NewClientID returns a short unique client identifier
func NewClientID() string {
	return "mqttcapture-" + uuid.NewString()[:8]
}

// Manager owns the broker connection. Once connected, paho reconnects on its
// own and the subscription is re-issued after every reconnect.
type Manager struct {
	opts    Options
	url     string
	handler Handler
	client  mqtt.Client
	metrics *metrics.Metrics
	events  events.Publisher

	mu     sync.Mutex
	waiter chan error
	seen   bool
	conns  int

	stop     chan struct{}
	stopOnce sync.Once
}

// NewManager creates a disconnected manager; handler runs on paho's delivery goroutine
func NewManager(opts Options, handler Handler) *Manager {
	if opts.Port == 0 {
		opts.Port = DefaultPort
	}
	if opts.KeepAlive == 0 {
		opts.KeepAlive = DefaultKeepAlive
	}
	if opts.ClientID == "" {
		opts.ClientID = NewClientID()
	}
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.Retry == nil {
		opts.Retry = FixedDelay{Delay: DefaultRetryDelay}
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.Events == nil {
		opts.Events = events.Discard
	}

	m := &Manager{
		opts:    opts,
		url:     URL(opts.Host, opts.Port),
		handler: handler,
		metrics: opts.Metrics,
		events:  opts.Events,
		stop:    make(chan struct{}),
	}

	clientOpts := mqtt.NewClientOptions().
		AddBroker(m.url).
		SetClientID(opts.ClientID).
		SetKeepAlive(opts.KeepAlive).
		SetConnectTimeout(opts.ConnectTimeout).
		SetAutoReconnect(true).
		SetConnectRetry(false).
		SetOrderMatters(true).
		SetCleanSession(true).
		SetOnConnectHandler(m.onConnect).
		SetConnectionLostHandler(m.onConnectionLost).
		SetReconnectingHandler(func(_ mqtt.Client, _ *mqtt.ClientOptions) {
			slog.Info("Reconnecting to broker", "broker", m.url)
		})
	m.client = mqtt.NewClient(clientOpts)

	return m
}

// URL formats the tcp:// broker address
func URL(host string, port int) string {
	return "tcp://" + net.JoinHostPort(host, strconv.Itoa(port))
}

// BrokerURL returns the broker address this manager dials
func (m *Manager) BrokerURL() string {
	return m.url
}

// Connect blocks until the client is connected and subscribed. Failed attempts
// are retried as the RetryPolicy dictates; with the default policy this only
// returns nil or ctx.Err().
func (m *Manager) Connect(ctx context.Context) error {
	slog.Info("Connecting to broker", "broker", m.url, "client_id", m.opts.ClientID, "topic", m.opts.Topic)

	for attempt := 1; ; attempt++ {
		m.metrics.ConnectAttempts.Inc()
		err := m.connectOnce(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		m.metrics.ConnectFailures.Inc()
		cerr := &ConnectionError{Broker: m.url, Attempt: attempt, Err: err}
		delay, retry := m.opts.Retry.Next(attempt, cerr)
		if !retry {
			slog.Error("Giving up on broker connection", "broker", m.url, "attempts", attempt, "error", err)
			return cerr
		}
		slog.Warn("Broker connection failed, retrying", "broker", m.url, "attempt", attempt, "retry_in", delay, "error", err)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (m *Manager) connectOnce(ctx context.Context) error {
	waiter := make(chan error, 1)
	m.mu.Lock()
	m.waiter = waiter
	m.mu.Unlock()

	token := m.client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		// abort the pending attempt so it cannot complete unnoticed; paho
		// waits for the attempt to finish before tearing it down
		go m.client.Disconnect(0)
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return err
	}

	select {
	case err := <-waiter:
		if err != nil {
			m.client.Disconnect(disconnectQuiesce)
			return err
		}
		return nil
	case <-ctx.Done():
		go m.client.Disconnect(0)
		return ctx.Err()
	}
}

func (m *Manager) onConnect(client mqtt.Client) {
	m.mu.Lock()
	waiter := m.waiter
	m.waiter = nil
	reconnect := m.seen
	m.conns++
	conn := m.conns
	m.mu.Unlock()

	err := m.subscribe(client)
	if waiter != nil {
		// Connect owns the retry of a first connection
		waiter <- err
	}
	if err != nil {
		slog.Error("Failed to subscribe", "topic", m.opts.Topic, "error", err)
		if waiter == nil {
			go m.resubscribe(client, conn, err)
		}
		return
	}
	m.connected(reconnect)
}

// resubscribe retries a subscription that failed after a reconnect. The
// connection is kept open meanwhile so paho keeps reconnecting on its own.
func (m *Manager) resubscribe(client mqtt.Client, conn int, err error) {
	for attempt := 1; ; attempt++ {
		cerr := &ConnectionError{Broker: m.url, Attempt: attempt, Err: err}
		delay, retry := m.opts.Retry.Next(attempt, cerr)
		if !retry {
			slog.Error("Giving up on subscription", "topic", m.opts.Topic, "attempts", attempt, "error", err)
			client.Disconnect(disconnectQuiesce)
			m.connectionLost(cerr)
			return
		}
		slog.Warn("Subscription failed, retrying", "topic", m.opts.Topic, "attempt", attempt, "retry_in", delay, "error", err)

		timer := time.NewTimer(delay)
		select {
		case <-m.stop:
			timer.Stop()
			return
		case <-timer.C:
		}

		// a newer connection subscribes for itself
		m.mu.Lock()
		stale := m.conns != conn
		m.mu.Unlock()
		if stale || !client.IsConnectionOpen() {
			return
		}

		if err = m.subscribe(client); err == nil {
			m.connected(true)
			return
		}
	}
}

func (m *Manager) connected(reconnect bool) {
	m.mu.Lock()
	m.seen = true
	m.mu.Unlock()

	m.metrics.Connects.Inc()
	m.metrics.Connected.Set(1)
	msg := "Connected to broker"
	if reconnect {
		msg = "Reconnected to broker"
	}
	m.events.Publish(events.Event{
		Type:    events.TypeConnected,
		Message: msg,
		Fields:  map[string]string{"broker": m.url, "topic": m.opts.Topic},
	})
	slog.Info(msg, "broker", m.url, "topic", m.opts.Topic, "qos", m.opts.QoS)
}

func (m *Manager) subscribe(client mqtt.Client) error {
	// publish-only clients have nothing to subscribe to
	if m.opts.Topic == "" || m.handler == nil {
		return nil
	}
	token := client.Subscribe(m.opts.Topic, m.opts.QoS, func(_ mqtt.Client, msg mqtt.Message) {
		m.handler(msg.Topic(), msg.Payload())
	})
	if !token.WaitTimeout(m.opts.ConnectTimeout) {
		return fmt.Errorf("subscribe to %s timed out after %s", m.opts.Topic, m.opts.ConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe to %s failed: %w", m.opts.Topic, err)
	}
	if st, ok := token.(*mqtt.SubscribeToken); ok && st.Result()[m.opts.Topic] >= subackFailure {
		return fmt.Errorf("%w: %s", ErrSubscribeRejected, m.opts.Topic)
	}
	return nil
}

func (m *Manager) onConnectionLost(_ mqtt.Client, err error) {
	m.connectionLost(err)
}

func (m *Manager) connectionLost(err error) {
	m.metrics.ConnectionLosses.Inc()
	m.metrics.Connected.Set(0)
	m.events.Publish(events.Event{
		Type:    events.TypeConnectionLost,
		Message: err.Error(),
		Fields:  map[string]string{"broker": m.url},
	})
	slog.Error("Broker connection lost", "broker", m.url, "error", err)

	if m.opts.OnConnectionLost != nil {
		m.opts.OnConnectionLost(err)
	}
}

// Publish sends payload to topic with the configured QoS
func (m *Manager) Publish(ctx context.Context, topic string, payload []byte) error {
	if !m.client.IsConnectionOpen() {
		return ErrNotConnected
	}
	token := m.client.Publish(topic, m.opts.QoS, false, payload)
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsConnected reports whether the connection is currently up
func (m *Manager) IsConnected() bool {
	return m.client.IsConnectionOpen()
}

// Disconnect closes the connection and stops reconnecting
func (m *Manager) Disconnect() {
	m.stopOnce.Do(func() { close(m.stop) })

	// paho also cancels a connection attempt that is still in progress
	wasOpen := m.client.IsConnectionOpen()
	m.client.Disconnect(disconnectQuiesce)
	m.metrics.Connected.Set(0)
	if wasOpen {
		slog.Info("Disconnected from broker", "broker", m.url)
	}
}
