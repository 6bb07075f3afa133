package config

import (
	"testing"
)

func validConfig(t *testing.T) *Config {
	t.Helper()
	cfg, err := LoadWithProfile("", "", nil)
	if err != nil {
		t.Fatalf("Failed to load defaults: %v", err)
	}
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"defaults", func(c *Config) {}, false},
		{"one channel", func(c *Config) { c.Session.Channels = 1 }, false},
		{"zero channels", func(c *Config) { c.Session.Channels = 0 }, true},
		{"24-bit samples", func(c *Config) { c.Session.SampleWidth = 3 }, true},
		{"zero sample rate", func(c *Config) { c.Session.SampleRate = 0 }, true},
		{"negative duration", func(c *Config) { c.Session.Duration = -1 }, true},
		{"zero duration", func(c *Config) { c.Session.Duration = 0 }, false},
		{"zero queue", func(c *Config) { c.Session.QueueSize = 0 }, true},
		{"empty host", func(c *Config) { c.Broker.Host = " " }, true},
		{"port too large", func(c *Config) { c.Broker.Port = 70000 }, true},
		{"wildcard topic", func(c *Config) { c.Broker.Topic = "/audio/#" }, true},
		{"empty topic", func(c *Config) { c.Broker.Topic = "" }, true},
		{"qos 3", func(c *Config) { c.Broker.QoS = 3 }, true},
		{"zero retry delay", func(c *Config) { c.Broker.RetryDelay = 0 }, true},
		{"iu-json", func(c *Config) { c.Payload.Format = "iu-json" }, false},
		{"unknown payload", func(c *Config) { c.Payload.Format = "opus" }, true},
		{"interleaved", func(c *Config) { c.Payload.Layout = "interleaved" }, false},
		{"unknown layout", func(c *Config) { c.Payload.Layout = "planar" }, true},
		{"template without placeholder", func(c *Config) { c.Output.FilenameTemplate = "dump.wav" }, true},
		{"python-style template", func(c *Config) { c.Output.FilenameTemplate = "audio_dump-{}.wav" }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(t)
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Expected error=%v, got %v", tt.wantErr, err)
			}
		})
	}
}
