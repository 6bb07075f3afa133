package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// createTempConfig writes content to a config file inside the test's temp dir
func createTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mqttcapture.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write temp file: %v", err)
	}
	return path
}

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	cfg, err := LoadWithProfile(filepath.Join(t.TempDir(), "missing.yaml"), "", nil)
	if err != nil {
		t.Fatalf("Expected no error for a missing file, got: %v", err)
	}

	if cfg.Broker.Host != "localhost" || cfg.Broker.Port != 1883 {
		t.Errorf("Expected localhost:1883, got %s:%d", cfg.Broker.Host, cfg.Broker.Port)
	}
	if cfg.Broker.Topic != "/audio" {
		t.Errorf("Expected topic /audio, got %s", cfg.Broker.Topic)
	}
	if cfg.Broker.KeepAlive != 60*time.Second {
		t.Errorf("Expected keepalive 60s, got %s", cfg.Broker.KeepAlive)
	}
	if cfg.Broker.RetryDelay != 5*time.Second {
		t.Errorf("Expected retry delay 5s, got %s", cfg.Broker.RetryDelay)
	}
	if cfg.Session.Channels != 4 {
		t.Errorf("Expected 4 channels, got %d", cfg.Session.Channels)
	}
	if cfg.Session.SampleRate != 16000 || cfg.Session.SampleWidth != 2 {
		t.Errorf("Expected 16000 Hz / 2 bytes, got %d / %d", cfg.Session.SampleRate, cfg.Session.SampleWidth)
	}
	if cfg.Session.Duration != 10*time.Second {
		t.Errorf("Expected duration 10s, got %s", cfg.Session.Duration)
	}
	if cfg.Output.FilenameTemplate != "audio_dump-{channel}.wav" {
		t.Errorf("Expected default filename template, got %s", cfg.Output.FilenameTemplate)
	}
	if cfg.Payload.Format != "raw" || cfg.Payload.Layout != "block" {
		t.Errorf("Expected raw/block payload, got %s/%s", cfg.Payload.Format, cfg.Payload.Layout)
	}
	if cfg.Sources["broker.host"] != SourceDefault {
		t.Errorf("Expected broker.host from defaults, got %s", cfg.Sources["broker.host"])
	}
}

func TestLoad_FileOverrides(t *testing.T) {
	configFile := createTempConfig(t, `
broker:
  host: broker.local
  retry_delay: 2s
session:
  channels: 8
output:
  directory: /tmp/takes
  filename_template: mic-{channel}.wav
`)

	cfg, err := LoadWithProfile(configFile, "", nil)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if cfg.Broker.Host != "broker.local" {
		t.Errorf("Expected host broker.local, got %s", cfg.Broker.Host)
	}
	if cfg.Broker.RetryDelay != 2*time.Second {
		t.Errorf("Expected retry delay 2s, got %s", cfg.Broker.RetryDelay)
	}
	if cfg.Broker.Port != 1883 {
		t.Errorf("Expected default port to survive, got %d", cfg.Broker.Port)
	}
	if cfg.Session.Channels != 8 {
		t.Errorf("Expected 8 channels, got %d", cfg.Session.Channels)
	}
	if cfg.Output.Directory != "/tmp/takes" {
		t.Errorf("Expected directory /tmp/takes, got %s", cfg.Output.Directory)
	}
	if cfg.Sources["session.channels"] != SourceFile {
		t.Errorf("Expected session.channels from file, got %s", cfg.Sources["session.channels"])
	}
	if cfg.Sources["broker.port"] != SourceDefault {
		t.Errorf("Expected broker.port from defaults, got %s", cfg.Sources["broker.port"])
	}
}

const profilesConfig = `
active_profile: studio

broker:
  host: broker.local
session:
  channels: 4

profiles:
  studio:
    session:
      channels: 8
    payload:
      format: iu-json
  field:
    broker:
      host: 10.0.0.5
    session:
      duration: 1m
`

func TestLoad_ActiveProfile(t *testing.T) {
	cfg, err := LoadWithProfile(createTempConfig(t, profilesConfig), "", nil)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if cfg.Profile != "studio" {
		t.Errorf("Expected profile studio, got %s", cfg.Profile)
	}
	if cfg.Session.Channels != 8 {
		t.Errorf("Expected profile channels 8, got %d", cfg.Session.Channels)
	}
	if cfg.Payload.Format != "iu-json" {
		t.Errorf("Expected profile payload format iu-json, got %s", cfg.Payload.Format)
	}
	if cfg.Broker.Host != "broker.local" {
		t.Errorf("Expected host inherited from base, got %s", cfg.Broker.Host)
	}
	if cfg.Sources["session.channels"] != SourceProfile {
		t.Errorf("Expected session.channels from profile, got %s", cfg.Sources["session.channels"])
	}
	if cfg.Sources["broker.host"] != SourceFile {
		t.Errorf("Expected broker.host from file, got %s", cfg.Sources["broker.host"])
	}
}

func TestLoad_ProfileArgumentWins(t *testing.T) {
	cfg, err := LoadWithProfile(createTempConfig(t, profilesConfig), "field", nil)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if cfg.Broker.Host != "10.0.0.5" {
		t.Errorf("Expected host 10.0.0.5, got %s", cfg.Broker.Host)
	}
	if cfg.Session.Duration != time.Minute {
		t.Errorf("Expected duration 1m, got %s", cfg.Session.Duration)
	}
	if cfg.Session.Channels != 4 {
		t.Errorf("Expected base channels 4, got %d", cfg.Session.Channels)
	}
}

func TestLoad_UnknownProfile(t *testing.T) {
	_, err := LoadWithProfile(createTempConfig(t, profilesConfig), "nope", nil)
	if err == nil {
		t.Fatal("Expected error for an unknown profile")
	}
	if !strings.Contains(err.Error(), "nope") {
		t.Errorf("Expected error to name the profile, got: %v", err)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	t.Setenv("MQTTCAPTURE_BROKER_PORT", "1884")
	t.Setenv("MQTTCAPTURE_SESSION_CHANNELS", "2")

	cfg, err := LoadWithProfile(createTempConfig(t, profilesConfig), "", nil)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if cfg.Broker.Port != 1884 {
		t.Errorf("Expected port 1884 from env, got %d", cfg.Broker.Port)
	}
	if cfg.Session.Channels != 2 {
		t.Errorf("Expected env to beat the profile, got %d channels", cfg.Session.Channels)
	}
	if cfg.Sources["broker.port"] != SourceEnv {
		t.Errorf("Expected broker.port from env, got %s", cfg.Sources["broker.port"])
	}
}

func TestLoad_ChangedFlagsOverride(t *testing.T) {
	flags := pflag.NewFlagSet("record", pflag.ContinueOnError)
	flags.String("topic", "/audio", "")
	flags.Int("num-channels", 4, "")
	flags.String("mqtt-ip", "localhost", "")
	flags.Duration("duration", 10*time.Second, "")
	if err := flags.Parse([]string{"--num-channels=2", "--duration=3s"}); err != nil {
		t.Fatalf("Failed to parse flags: %v", err)
	}

	cfg, err := LoadWithProfile(createTempConfig(t, profilesConfig), "", flags)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if cfg.Session.Channels != 2 {
		t.Errorf("Expected 2 channels from flag, got %d", cfg.Session.Channels)
	}
	if cfg.Session.Duration != 3*time.Second {
		t.Errorf("Expected duration 3s from flag, got %s", cfg.Session.Duration)
	}
	// unchanged flags keep the file value
	if cfg.Broker.Host != "broker.local" {
		t.Errorf("Expected host from file, got %s", cfg.Broker.Host)
	}
	if cfg.Sources["session.channels"] != SourceFlag {
		t.Errorf("Expected session.channels from flag, got %s", cfg.Sources["session.channels"])
	}
}

func TestLoad_InvalidFile(t *testing.T) {
	_, err := LoadWithProfile(createTempConfig(t, "broker: [unclosed"), "", nil)
	if err == nil {
		t.Error("Expected error for invalid YAML")
	}
}

func TestExpandPath(t *testing.T) {
	home, _ := os.UserHomeDir()
	if got := expandPath("~/Audio/takes"); got != filepath.Join(home, "Audio", "takes") {
		t.Errorf("Expected %s, got %s", filepath.Join(home, "Audio", "takes"), got)
	}
	if got := expandPath("/abs/path"); got != "/abs/path" {
		t.Errorf("Expected /abs/path unchanged, got %s", got)
	}
}

func TestConfigYAMLShowsDurations(t *testing.T) {
	cfg, err := LoadWithProfile("", "", nil)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	out, err := yaml.Marshal(cfg)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	for _, want := range []string{"keepalive: 1m0s", "retry_delay: 5s", "duration: 10s"} {
		if !strings.Contains(string(out), want) {
			t.Errorf("Expected %q in YAML output:\n%s", want, out)
		}
	}
}
