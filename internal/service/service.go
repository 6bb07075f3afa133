package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/audiolibrelab/mqttcapture/internal/audio"
	"github.com/audiolibrelab/mqttcapture/internal/broker"
	"github.com/audiolibrelab/mqttcapture/internal/config"
	"github.com/audiolibrelab/mqttcapture/internal/events"
	"github.com/audiolibrelab/mqttcapture/internal/metrics"
	"github.com/audiolibrelab/mqttcapture/internal/routing"
)

// stopTimeout bounds how long a shutdown waits for the engine to finalize files
const stopTimeout = 30 * time.Second

// Service represents the core recorder service interface
type Service interface {
	// Connection operations
	Connect(ctx context.Context) error
	IsConnected() bool

	// Recording operations
	StartRecording(ctx context.Context, filenameTemplate string) error
	StopRecording(ctx context.Context) error
	RecordFor(ctx context.Context, filenameTemplate string, d time.Duration) error
	GetRecordingStatus(ctx context.Context) (audio.Status, *audio.SessionInfo)

	// Information operations
	GetConfig() *config.Config
	GetLastError() string
	Metrics() *metrics.Metrics
	Events() *events.Bus

	Close() error
}

// RecorderService is the main service implementation
type RecorderService struct {
	cfg      *config.Config
	engine   *audio.Engine
	router   *routing.Router
	broker   *broker.Manager
	embedded *broker.Embedded
	metrics  *metrics.Metrics
	bus      *events.Bus

	ctx        context.Context
	cancel     context.CancelFunc
	engineDone chan struct{}
	closeOnce  sync.Once

	// Error tracking
	lastError      string
	lastErrorMutex sync.RWMutex
}

var _ Service = (*RecorderService)(nil)

// New wires the session engine, router and broker connection for cfg and
// starts the engine. Call Connect to reach the broker and Close when done.
func New(cfg *config.Config) (*RecorderService, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	format := cfg.Session.Format()
	layout, err := audio.ParseLayout(cfg.Payload.Layout)
	if err != nil {
		return nil, err
	}
	codec, err := audio.NewCodec(cfg.Payload.Format, cfg.Session.Channels, format, layout)
	if err != nil {
		return nil, err
	}

	m := metrics.New()
	bus := events.NewBus()

	engine, err := audio.NewEngine(audio.EngineConfig{
		Channels:  cfg.Session.Channels,
		Format:    format,
		Codec:     codec,
		OutputDir: cfg.Output.Directory,
		QueueSize: cfg.Session.QueueSize,
		Metrics:   m,
		Events:    bus,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create session engine: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &RecorderService{
		cfg:        cfg,
		engine:     engine,
		router:     routing.New(cfg.Broker.Topic, engine, m),
		metrics:    m,
		bus:        bus,
		ctx:        ctx,
		cancel:     cancel,
		engineDone: make(chan struct{}),
	}

	s.broker = broker.NewManager(broker.Options{
		Host:           cfg.Broker.Host,
		Port:           cfg.Broker.Port,
		KeepAlive:      cfg.Broker.KeepAlive,
		ClientID:       cfg.Broker.ClientID,
		Topic:          cfg.Broker.Topic,
		QoS:            byte(cfg.Broker.QoS),
		ConnectTimeout: cfg.Broker.ConnectTimeout,
		Retry:          broker.FixedDelay{Delay: cfg.Broker.RetryDelay},
		Metrics:        m,
		Events:         bus,
		OnConnectionLost: func(err error) {
			s.setLastError(fmt.Sprintf("Broker connection lost: %v", err))
		},
	}, func(topic string, payload []byte) {
		s.router.Route(s.ctx, topic, payload)
	})

	go func() {
		defer close(s.engineDone)
		if err := engine.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("Session engine stopped", "error", err)
		}
	}()

	slog.Debug("Service created",
		"channels", cfg.Session.Channels,
		"payload", codec.Name(),
		"layout", layout,
		"topic", cfg.Broker.Topic)
	return s, nil
}

// Connect blocks until the broker connection is up and subscribed, retrying
// on failure. It starts the embedded broker first when configured.
func (s *RecorderService) Connect(ctx context.Context) error {
	if s.cfg.Broker.Embedded && s.embedded == nil {
		addr := net.JoinHostPort(s.cfg.Broker.Host, strconv.Itoa(s.cfg.Broker.Port))
		embedded, err := broker.StartEmbedded(addr)
		if err != nil {
			s.setLastError(fmt.Sprintf("Failed to start embedded broker: %v", err))
			return err
		}
		s.embedded = embedded
	}

	if err := s.broker.Connect(ctx); err != nil {
		s.setLastError(fmt.Sprintf("Failed to connect: %v", err))
		return err
	}
	return nil
}

// IsConnected reports whether the broker connection is up
func (s *RecorderService) IsConnected() bool {
	return s.broker.IsConnected()
}

// StartRecording opens one file per channel (STANDBY -> RECORDING); an empty
// template uses the configured one
func (s *RecorderService) StartRecording(ctx context.Context, filenameTemplate string) error {
	if filenameTemplate == "" {
		filenameTemplate = s.cfg.Output.FilenameTemplate
	}
	slog.Debug("Service.StartRecording called", "template", filenameTemplate)

	s.clearLastError()
	if err := s.engine.Start(ctx, filenameTemplate); err != nil {
		s.setLastError(fmt.Sprintf("Failed to start recording: %v", err))
		return err
	}
	return nil
}

// StopRecording stops the current recording session
func (s *RecorderService) StopRecording(ctx context.Context) error {
	if err := s.engine.Stop(ctx); err != nil {
		s.setLastError(fmt.Sprintf("Failed to stop recording: %v", err))
		return err
	}
	return nil
}

// RecordFor records one session lasting d, or until ctx is cancelled when d is 0.
// Cancellation ends the session early and is not an error; the files are
// always finalized.
func (s *RecorderService) RecordFor(ctx context.Context, filenameTemplate string, d time.Duration) error {
	if err := s.StartRecording(ctx, filenameTemplate); err != nil {
		return err
	}

	var elapsed <-chan time.Time
	if d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		elapsed = timer.C
		slog.Info("Recording", "duration", d)
	} else {
		slog.Info("Recording until interrupted - Press Ctrl+C to stop")
	}

	select {
	case <-elapsed:
		slog.Info("Session duration elapsed")
	case <-ctx.Done():
		slog.Info("Recording interrupted, stopping")
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	return s.StopRecording(stopCtx)
}

// GetRecordingStatus returns the current recording status and session info
func (s *RecorderService) GetRecordingStatus(ctx context.Context) (audio.Status, *audio.SessionInfo) {
	status, info, err := s.engine.Status(ctx)
	if err != nil {
		slog.Debug("Status unavailable", "error", err)
		return audio.StatusStandby, nil
	}
	return status, info
}

// GetConfig returns the current configuration
func (s *RecorderService) GetConfig() *config.Config {
	return s.cfg
}

// Metrics returns the service's metrics
func (s *RecorderService) Metrics() *metrics.Metrics {
	return s.metrics
}

// Events returns the lifecycle event bus
func (s *RecorderService) Events() *events.Bus {
	return s.bus
}

// Close stops any active session, disconnects and shuts the engine down
func (s *RecorderService) Close() error {
	var err error
	s.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()

		// disconnect first so no frame arrives after the stop
		s.broker.Disconnect()
		err = s.engine.Stop(ctx)

		s.cancel()
		<-s.engineDone

		if s.embedded != nil {
			if cerr := s.embedded.Close(); cerr != nil {
				err = errors.Join(err, cerr)
			}
		}
		s.bus.Close()
	})
	return err
}

// GetLastError returns the last error message
func (s *RecorderService) GetLastError() string {
	s.lastErrorMutex.RLock()
	defer s.lastErrorMutex.RUnlock()
	return s.lastError
}

// setLastError sets the last error message
func (s *RecorderService) setLastError(err string) {
	s.lastErrorMutex.Lock()
	defer s.lastErrorMutex.Unlock()
	s.lastError = err
}

// clearLastError clears the last error message
func (s *RecorderService) clearLastError() {
	s.lastErrorMutex.Lock()
	defer s.lastErrorMutex.Unlock()
	s.lastError = ""
}
