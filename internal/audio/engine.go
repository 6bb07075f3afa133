package audio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/audiolibrelab/mqttcapture/internal/events"
	"github.com/audiolibrelab/mqttcapture/internal/metrics"
)

// DefaultQueueSize is the number of pending frames and control requests the engine buffers
const DefaultQueueSize = 1024

// EngineConfig configures a session engine
type EngineConfig struct {
	Channels  int
	Format    Format
	Codec     FrameCodec
	OutputDir string
	QueueSize int

	// Open defaults to OpenWavWriter
	Open    OpenFunc
	Metrics *metrics.Metrics
	Events  events.Publisher
}

type requestKind int

const (
	requestFrame requestKind = iota
	requestStart
	requestStop
	requestStatus
)

type request struct {
	ctx      context.Context
	kind     requestKind
	payload  []byte
	template string
	reply    chan response
}

type response struct {
	status Status
	info   *SessionInfo
	err    error
}

// Engine is the session controller. A single goroutine (Run) owns the session
// state and every channel writer; Start, Stop, Status and Deliver are requests
// queued to it in arrival order, so a Stop never races an in-flight write.
type Engine struct {
	cfg     EngineConfig
	metrics *metrics.Metrics
	events  events.Publisher

	queue   chan request
	done    chan struct{}
	running atomic.Bool

	// owned by Run
	status  Status
	writers []ChannelWriter
	session *SessionInfo
}

var _ Recorder = (*Engine)(nil)

// NewEngine validates cfg and creates an idle engine; call Run to start it
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Channels < 1 {
		return nil, fmt.Errorf("channel count must be >= 1, got %d", cfg.Channels)
	}
	if err := cfg.Format.Validate(); err != nil {
		return nil, err
	}
	if cfg.Codec == nil {
		codec, err := NewCodec(CodecRaw, cfg.Channels, cfg.Format, LayoutBlock)
		if err != nil {
			return nil, err
		}
		cfg.Codec = codec
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.Open == nil {
		cfg.Open = OpenWavWriter
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.New()
	}
	pub := cfg.Events
	if pub == nil {
		pub = events.Discard
	}

	return &Engine{
		cfg:     cfg,
		metrics: m,
		events:  pub,
		queue:   make(chan request, cfg.QueueSize),
		done:    make(chan struct{}),
		status:  StatusStandby,
	}, nil
}

// Run processes requests until ctx is cancelled. An active session is stopped
// (and its files finalized) before Run returns.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return fmt.Errorf("session engine is already running")
	}
	defer close(e.done)

	slog.Debug("Session engine started", "channels", e.cfg.Channels, "codec", e.cfg.Codec.Name())

	for {
		select {
		case <-ctx.Done():
			if e.status == StatusRecording {
				slog.Info("Shutting down with an active session, stopping it")
				if err := e.stop(); err != nil {
					slog.Error("Session stop during shutdown reported errors", "error", err)
				}
			}
			return ctx.Err()
		case req := <-e.queue:
			e.metrics.QueueDepth.Set(float64(len(e.queue)))
			e.handle(req)
		}
	}
}

func (e *Engine) handle(req request) {
	switch req.kind {
	case requestFrame:
		e.writeFrame(req.payload)
	case requestStart:
		// a start whose caller already gave up must not open files
		if err := req.ctx.Err(); err != nil {
			req.reply <- response{err: err}
			return
		}
		req.reply <- response{err: e.start(req.template)}
	case requestStop:
		req.reply <- response{err: e.stop()}
	case requestStatus:
		req.reply <- response{status: e.status, info: e.session.clone()}
	}
}

// Start opens one writer per channel (Idle -> Recording)
func (e *Engine) Start(ctx context.Context, filenameTemplate string) error {
	resp, err := e.call(ctx, request{kind: requestStart, template: filenameTemplate})
	if err != nil {
		return err
	}
	return resp.err
}

// Stop closes every writer (Recording -> Idle). Close failures are collected
// into a *CloseError; the engine is Idle afterwards regardless.
func (e *Engine) Stop(ctx context.Context) error {
	resp, err := e.call(ctx, request{kind: requestStop})
	if err != nil {
		return err
	}
	return resp.err
}

// Status returns the current status and a copy of the session info
func (e *Engine) Status(ctx context.Context) (Status, *SessionInfo, error) {
	resp, err := e.call(ctx, request{kind: requestStatus})
	if err != nil {
		return "", nil, err
	}
	return resp.status, resp.info, nil
}

// Deliver queues an inbound audio payload; it blocks while the queue is full
func (e *Engine) Deliver(ctx context.Context, payload []byte) error {
	return e.enqueue(ctx, request{kind: requestFrame, payload: payload})
}

func (e *Engine) enqueue(ctx context.Context, req request) error {
	select {
	case <-e.done:
		return ErrEngineStopped
	default:
	}

	select {
	case e.queue <- req:
		return nil
	case <-e.done:
		return ErrEngineStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// call queues req and waits for its reply. ctx bounds the wait only until a
// start or stop is queued; from then on the caller learns what the engine did.
func (e *Engine) call(ctx context.Context, req request) (response, error) {
	req.ctx = ctx
	req.reply = make(chan response, 1)
	if err := e.enqueue(ctx, req); err != nil {
		return response{}, err
	}

	cancelled := ctx.Done()
	if req.kind != requestStatus {
		cancelled = nil
	}

	select {
	case resp := <-req.reply:
		return resp, nil
	case <-e.done:
		select {
		case resp := <-req.reply:
			return resp, nil
		default:
			return response{}, ErrEngineStopped
		}
	case <-cancelled:
		return response{}, ctx.Err()
	}
}

func (e *Engine) start(template string) error {
	if e.status == StatusRecording {
		return ErrAlreadyRecording
	}
	if err := ValidateTemplate(template); err != nil {
		return err
	}

	if e.cfg.OutputDir != "" {
		if err := os.MkdirAll(e.cfg.OutputDir, 0755); err != nil {
			e.failStart(err)
			return fmt.Errorf("%w: failed to create output directory: %w", ErrWriterOpen, err)
		}
	}

	paths := ChannelPaths(e.cfg.OutputDir, template, e.cfg.Channels)
	writers := make([]ChannelWriter, 0, len(paths))
	for i, path := range paths {
		w, err := e.cfg.Open(path, e.cfg.Format)
		if err != nil {
			for _, opened := range writers {
				if cerr := opened.Close(); cerr != nil {
					slog.Warn("Failed to close writer during rollback", "path", opened.Path(), "error", cerr)
				}
			}
			e.failStart(err)
			return fmt.Errorf("%w: channel %d (%s): %w", ErrWriterOpen, i, path, err)
		}
		writers = append(writers, w)
	}

	e.writers = writers
	e.session = &SessionInfo{
		StartTime:        time.Now(),
		FilenameTemplate: template,
		Files:            paths,
		ChannelCount:     len(writers),
		Format:           e.cfg.Format,
		BytesWritten:     make([]int64, len(writers)),
	}
	e.status = StatusRecording

	e.metrics.Recording.Set(1)
	e.metrics.SessionsStarted.Inc()
	e.events.Publish(events.Event{
		Type:    events.TypeSessionStarted,
		Message: "Recording started",
		Fields:  map[string]string{"channels": strconv.Itoa(len(writers)), "template": template},
	})
	slog.Info("Recording started", "channels", len(writers), "template", template)
	return nil
}

func (e *Engine) failStart(err error) {
	e.metrics.SessionsFailed.Inc()
	e.events.Publish(events.Event{
		Type:    events.TypeSessionFailed,
		Message: err.Error(),
	})
	slog.Error("Failed to start recording", "error", err)
}

func (e *Engine) stop() error {
	if e.status != StatusRecording {
		slog.Debug("Stop requested with no active session")
		return nil
	}

	var errs []error
	for _, w := range e.writers {
		if err := w.Close(); err != nil {
			slog.Error("Failed to close channel writer", "path", w.Path(), "error", err)
			errs = append(errs, err)
		}
	}

	session := e.session
	duration := time.Since(session.StartTime)

	e.writers = nil
	e.session = nil
	e.status = StatusStandby

	e.metrics.Recording.Set(0)
	e.metrics.SessionDuration.Observe(duration.Seconds())
	e.metrics.CloseErrors.Add(float64(len(errs)))
	e.events.Publish(events.Event{
		Type:    events.TypeSessionStopped,
		Message: "Recording stopped",
		Fields: map[string]string{
			"frames_written":  strconv.FormatInt(session.FramesWritten, 10),
			"frames_partial":  strconv.FormatInt(session.FramesPartial, 10),
			"frames_rejected": strconv.FormatInt(session.FramesRejected, 10),
			"duration":        duration.Round(time.Millisecond).String(),
		},
	})
	slog.Info("Recording stopped",
		"frames_written", session.FramesWritten,
		"frames_partial", session.FramesPartial,
		"frames_rejected", session.FramesRejected,
		"duration", duration.Round(time.Millisecond))

	if len(errs) > 0 {
		return &CloseError{Failed: len(errs), Err: errors.Join(errs...)}
	}
	return nil
}

func (e *Engine) writeFrame(payload []byte) {
	if e.status != StatusRecording {
		e.metrics.FramesDiscarded.Inc()
		return
	}

	channels, err := e.cfg.Codec.Decode(payload)
	if err == nil && len(channels) != len(e.writers) {
		err = fmt.Errorf("%w: codec produced %d channels, expected %d", ErrMalformedFrame, len(channels), len(e.writers))
	}
	if err != nil {
		e.session.FramesRejected++
		e.metrics.FramesRejected.Inc()
		e.events.Publish(events.Event{
			Type:    events.TypeFrameRejected,
			Message: err.Error(),
			Fields:  map[string]string{"bytes": strconv.Itoa(len(payload))},
		})
		slog.Warn("Dropping malformed frame", "bytes", len(payload), "error", err)
		return
	}

	partial := false
	for i, w := range e.writers {
		if err := w.Write(channels[i]); err != nil {
			partial = true
			e.metrics.WriteErrors.Inc()
			e.events.Publish(events.Event{
				Type:    events.TypeWriteFailed,
				Message: err.Error(),
				Fields:  map[string]string{"channel": strconv.Itoa(i), "path": w.Path()},
			})
			slog.Error("Failed to write channel samples", "channel", i, "path", w.Path(), "error", err)
			continue
		}
		e.session.BytesWritten[i] += int64(len(channels[i]))
		e.metrics.BytesWritten.WithLabelValues(strconv.Itoa(i)).Add(float64(len(channels[i])))
	}

	// a frame missing from any channel file is not counted as written
	if partial {
		e.session.FramesPartial++
		e.metrics.FramesPartial.Inc()
		return
	}
	e.session.FramesWritten++
	e.metrics.FramesWritten.Inc()
}
