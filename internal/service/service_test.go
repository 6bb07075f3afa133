package service

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/audiolibrelab/mqttcapture/internal/audio"
	"github.com/audiolibrelab/mqttcapture/internal/broker"
	"github.com/audiolibrelab/mqttcapture/internal/config"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to find a free port: %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func testConfig(t *testing.T, port, channels int) *config.Config {
	t.Helper()
	cfg, err := config.LoadWithProfile("", "", nil)
	if err != nil {
		t.Fatalf("Failed to load default config: %v", err)
	}
	cfg.Broker.Host = "127.0.0.1"
	cfg.Broker.Port = port
	cfg.Broker.RetryDelay = 50 * time.Millisecond
	cfg.Session.Channels = channels
	cfg.Output.Directory = t.TempDir()
	return cfg
}

func newService(t *testing.T, cfg *config.Config) *RecorderService {
	t.Helper()
	svc, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { svc.Close() })
	return svc
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func counterValue(c prometheus.Counter) float64 {
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		return -1
	}
	return m.GetCounter().GetValue()
}

func pcm16(samples ...int16) []byte {
	buf := make([]byte, 2*len(samples))
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

func readSamples(t *testing.T, path string) []byte {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read %s: %v", path, err)
	}
	if len(data) < 44 {
		t.Fatalf("Expected a WAV header in %s, got %d bytes", path, len(data))
	}
	return data[44:]
}

func TestService_RecordsFramesFromBroker(t *testing.T) {
	port := freePort(t)
	b, err := broker.StartEmbedded(net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		t.Fatalf("StartEmbedded failed: %v", err)
	}
	defer b.Close()

	cfg := testConfig(t, port, 2)
	svc := newService(t, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := svc.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if !svc.IsConnected() {
		t.Error("Expected service to report connected")
	}

	// discarded while idle
	if err := b.Publish("/audio", pcm16(100, 200)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	waitFor(t, "idle frame discarded", func() bool {
		return counterValue(svc.Metrics().FramesDiscarded) == 1
	})

	if err := svc.StartRecording(ctx, ""); err != nil {
		t.Fatalf("StartRecording failed: %v", err)
	}

	var want0, want1 []byte
	for i := 0; i < 5; i++ {
		ch0, ch1 := pcm16(int16(i)), pcm16(int16(-i))
		want0 = append(want0, ch0...)
		want1 = append(want1, ch1...)
		if err := b.Publish("/audio", append(append([]byte{}, ch0...), ch1...)); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
		if err := b.Publish("/telemetry", pcm16(7, 7)); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}

	waitFor(t, "5 frames written", func() bool {
		_, info := svc.GetRecordingStatus(ctx)
		return info != nil && info.FramesWritten == 5
	})

	if err := svc.StopRecording(ctx); err != nil {
		t.Fatalf("StopRecording failed: %v", err)
	}

	dir := cfg.Output.Directory
	if got := readSamples(t, filepath.Join(dir, "audio_dump-0.wav")); !bytes.Equal(got, want0) {
		t.Errorf("Channel 0: expected %v, got %v", want0, got)
	}
	if got := readSamples(t, filepath.Join(dir, "audio_dump-1.wav")); !bytes.Equal(got, want1) {
		t.Errorf("Channel 1: expected %v, got %v", want1, got)
	}
}

func TestService_RecordForStopsAfterDuration(t *testing.T) {
	cfg := testConfig(t, freePort(t), 1)
	svc := newService(t, cfg)
	ctx := context.Background()

	start := time.Now()
	if err := svc.RecordFor(ctx, "take-{channel}.wav", 100*time.Millisecond); err != nil {
		t.Fatalf("RecordFor failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Errorf("Expected RecordFor to last at least 100ms, took %s", elapsed)
	}

	status, _ := svc.GetRecordingStatus(ctx)
	if status != audio.StatusStandby {
		t.Errorf("Expected STANDBY after the session, got %s", status)
	}
	if _, err := os.Stat(filepath.Join(cfg.Output.Directory, "take-0.wav")); err != nil {
		t.Errorf("Expected take-0.wav to exist: %v", err)
	}
}

func TestService_RecordForCancelledEarly(t *testing.T) {
	svc := newService(t, testConfig(t, freePort(t), 1))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	if err := svc.RecordFor(ctx, "", time.Hour); err != nil {
		t.Fatalf("Expected a clean stop on cancel, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Errorf("Expected cancellation to end the session early, took %s", elapsed)
	}

	status, _ := svc.GetRecordingStatus(context.Background())
	if status != audio.StatusStandby {
		t.Errorf("Expected STANDBY after cancel, got %s", status)
	}
}

func TestService_StartFailureSetsLastError(t *testing.T) {
	cfg := testConfig(t, freePort(t), 2)
	// a regular file where the output directory should be
	blocker := filepath.Join(t.TempDir(), "not-a-dir")
	if err := os.WriteFile(blocker, nil, 0644); err != nil {
		t.Fatalf("Failed to create file: %v", err)
	}
	cfg.Output.Directory = blocker

	svc := newService(t, cfg)
	err := svc.StartRecording(context.Background(), "")
	if !errors.Is(err, audio.ErrWriterOpen) {
		t.Fatalf("Expected ErrWriterOpen, got %v", err)
	}
	if svc.GetLastError() == "" {
		t.Error("Expected last error to be set")
	}

	status, _ := svc.GetRecordingStatus(context.Background())
	if status != audio.StatusStandby {
		t.Errorf("Expected STANDBY after a failed start, got %s", status)
	}
}

func TestService_EmbeddedBroker(t *testing.T) {
	port := freePort(t)
	cfg := testConfig(t, port, 1)
	cfg.Broker.Embedded = true
	svc := newService(t, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := svc.Connect(ctx); err != nil {
		t.Fatalf("Connect with embedded broker failed: %v", err)
	}

	pub := broker.NewManager(broker.Options{Host: "127.0.0.1", Port: port}, nil)
	defer pub.Disconnect()
	if err := pub.Connect(ctx); err != nil {
		t.Fatalf("Publisher Connect failed: %v", err)
	}

	if err := svc.StartRecording(ctx, "solo-{channel}.wav"); err != nil {
		t.Fatalf("StartRecording failed: %v", err)
	}
	if err := pub.Publish(ctx, "/audio", pcm16(11, 12)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	waitFor(t, "1 frame written", func() bool {
		_, info := svc.GetRecordingStatus(ctx)
		return info != nil && info.FramesWritten == 1
	})
	if err := svc.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if got := readSamples(t, filepath.Join(cfg.Output.Directory, "solo-0.wav")); !bytes.Equal(got, pcm16(11, 12)) {
		t.Errorf("Expected %v, got %v", pcm16(11, 12), got)
	}
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t, freePort(t), 2)
	cfg.Payload.Format = "opus"
	if _, err := New(cfg); err == nil {
		t.Error("Expected error for an unknown payload format")
	}
}
