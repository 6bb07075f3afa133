package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/audiolibrelab/mqttcapture/internal/audio"
	"github.com/audiolibrelab/mqttcapture/internal/service"
	"github.com/gorilla/websocket"
	"gopkg.in/yaml.v3"
)

const (
	shutdownTimeout = 10 * time.Second
	eventBuffer     = 64
	writeWait       = 5 * time.Second
)

// Server exposes the recorder over HTTP
type Server struct {
	service  service.Service
	addr     string
	upgrader websocket.Upgrader
}

// StatusResponse represents the JSON response for status endpoint
type StatusResponse struct {
	Status    string             `json:"status"`
	Message   string             `json:"message,omitempty"`
	Session   *audio.SessionInfo `json:"session,omitempty"`
	Connected bool               `json:"connected"`
	Broker    string             `json:"broker"`
	Topic     string             `json:"topic"`
	LastError string             `json:"last_error,omitempty"`
}

// New creates a new web server for svc listening on addr
func New(svc service.Service, addr string) *Server {
	return &Server{
		service: svc,
		addr:    addr,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler returns the routes served by the server
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/start", s.handleStartRecording)
	mux.HandleFunc("/stop", s.handleStopRecording)
	mux.HandleFunc("/config", s.handleConfig)
	mux.HandleFunc("/events", s.handleEvents)
	mux.Handle("/metrics", s.service.Metrics().Handler())
	return mux
}

// Start serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	slog.Info("Starting mqttcapture web server", "address", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	slog.Info("Shutting down web server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down web server: %w", err)
	}
	return nil
}

// handleStatus returns the current status and session info
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w)
		return
	}

	status, session := s.service.GetRecordingStatus(r.Context())
	cfg := s.service.GetConfig()

	response := StatusResponse{
		Status:    string(status),
		Message:   statusMessage(status, session),
		Session:   session,
		Connected: s.service.IsConnected(),
		Broker:    net.JoinHostPort(cfg.Broker.Host, fmt.Sprint(cfg.Broker.Port)),
		Topic:     cfg.Broker.Topic,
		LastError: s.service.GetLastError(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

func statusMessage(status audio.Status, session *audio.SessionInfo) string {
	if status != audio.StatusRecording || session == nil {
		return "Waiting for a recording to start"
	}
	return fmt.Sprintf("Recording %d channels for %s",
		session.ChannelCount, time.Since(session.StartTime).Round(time.Second))
}

// handleStartRecording starts a session (STANDBY -> RECORDING)
func (s *Server) handleStartRecording(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w)
		return
	}

	if err := r.ParseForm(); err != nil {
		s.sendErrorResponse(w, http.StatusBadRequest, "Failed to parse form", "operation", "start_recording")
		return
	}
	template := r.FormValue("filename")
	if template != "" {
		if err := audio.ValidateTemplate(template); err != nil {
			s.sendErrorResponse(w, http.StatusBadRequest, err.Error(),
				"filename", template, "operation", "start_recording")
			return
		}
	}

	if err := s.service.StartRecording(r.Context(), template); err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, audio.ErrAlreadyRecording) {
			code = http.StatusConflict
		}
		s.sendErrorResponse(w, code,
			fmt.Sprintf("Failed to start recording: %v", err),
			"filename", template, "operation", "start_recording")
		return
	}

	_, session := s.service.GetRecordingStatus(r.Context())
	response := map[string]interface{}{
		"success": true,
		"message": "Recording started",
	}
	if session != nil {
		response["files"] = session.Files
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// handleStopRecording stops the current recording session
func (s *Server) handleStopRecording(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w)
		return
	}

	if err := s.service.StopRecording(r.Context()); err != nil {
		s.sendErrorResponse(w, http.StatusInternalServerError,
			fmt.Sprintf("Failed to stop recording: %v", err),
			"operation", "stop_recording")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": true,
		"message": "Recording stopped",
	})
}

// handleConfig returns the resolved configuration as YAML
func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w)
		return
	}

	data, err := yaml.Marshal(s.service.GetConfig())
	if err != nil {
		s.sendErrorResponse(w, http.StatusInternalServerError,
			fmt.Sprintf("Failed to marshal config: %v", err), "operation", "show_config")
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.Write(data)
}

// handleEvents streams lifecycle events to a websocket client as JSON
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Debug("Websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	events, unsubscribe := s.service.Events().Subscribe(eventBuffer)
	defer unsubscribe()
	slog.Debug("Event subscriber connected", "remote", r.RemoteAddr)

	// the read loop only exists to notice the client going away
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-gone:
			slog.Debug("Event subscriber disconnected", "remote", r.RemoteAddr)
			return
		case evt, ok := <-events:
			if !ok {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
					time.Now().Add(writeWait))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(evt); err != nil {
				slog.Debug("Failed to write event", "error", err, "remote", r.RemoteAddr)
				return
			}
		}
	}
}

func (s *Server) methodNotAllowed(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusMethodNotAllowed)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": false,
		"error":   "Method not allowed",
	})
}

// sendErrorResponse sends a standardized error response and logs the error
func (s *Server) sendErrorResponse(w http.ResponseWriter, statusCode int, errorMsg string, logContext ...interface{}) {
	logFields := []interface{}{"error_message", errorMsg, "status_code", statusCode}
	if len(logContext) > 0 {
		logFields = append(logFields, logContext...)
	}
	slog.Error("Sending error response to client", logFields...)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": false,
		"error":   errorMsg,
	})
}
