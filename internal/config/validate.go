package config

import (
	"fmt"
	"strings"

	"github.com/audiolibrelab/mqttcapture/internal/audio"
)

// Validate checks the resolved configuration
func (c *Config) Validate() error {
	if err := c.Broker.validate(); err != nil {
		return fmt.Errorf("broker: %w", err)
	}
	if err := c.Session.validate(); err != nil {
		return fmt.Errorf("session: %w", err)
	}
	if err := c.Payload.validate(); err != nil {
		return fmt.Errorf("payload: %w", err)
	}
	if err := audio.ValidateTemplate(c.Output.FilenameTemplate); err != nil {
		return fmt.Errorf("output: %w", err)
	}
	return nil
}

func (b BrokerConfig) validate() error {
	if strings.TrimSpace(b.Host) == "" {
		return fmt.Errorf("host is required")
	}
	if b.Port < 1 || b.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", b.Port)
	}
	if b.Topic == "" {
		return fmt.Errorf("topic is required")
	}
	// routing compares topics by equality, so a filter would never match
	if strings.ContainsAny(b.Topic, "+#") {
		return fmt.Errorf("topic %q must not contain MQTT wildcards", b.Topic)
	}
	if b.QoS < 0 || b.QoS > 2 {
		return fmt.Errorf("qos must be 0, 1 or 2, got %d", b.QoS)
	}
	if b.KeepAlive <= 0 {
		return fmt.Errorf("keepalive must be positive, got %s", b.KeepAlive)
	}
	if b.RetryDelay <= 0 {
		return fmt.Errorf("retry_delay must be positive, got %s", b.RetryDelay)
	}
	if b.ConnectTimeout <= 0 {
		return fmt.Errorf("connect_timeout must be positive, got %s", b.ConnectTimeout)
	}
	return nil
}

func (s SessionConfig) validate() error {
	if s.Channels < 1 {
		return fmt.Errorf("channels must be >= 1, got %d", s.Channels)
	}
	if err := s.Format().Validate(); err != nil {
		return err
	}
	if s.Duration < 0 {
		return fmt.Errorf("duration must not be negative, got %s", s.Duration)
	}
	if s.QueueSize < 1 {
		return fmt.Errorf("queue_size must be >= 1, got %d", s.QueueSize)
	}
	return nil
}

func (p PayloadConfig) validate() error {
	switch strings.ToLower(p.Format) {
	case audio.CodecRaw, audio.CodecIUJSON:
	default:
		return fmt.Errorf("unknown format %q (valid: %s, %s)", p.Format, audio.CodecRaw, audio.CodecIUJSON)
	}
	if _, err := audio.ParseLayout(p.Layout); err != nil {
		return err
	}
	return nil
}

// Format returns the per-channel sample format
func (s SessionConfig) Format() audio.Format {
	return audio.Format{SampleRate: s.SampleRate, SampleWidth: s.SampleWidth}
}

// yaml.v3 writes time.Duration as nanoseconds; show durations the way they are written in the file

type brokerYAML struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	KeepAlive      string `yaml:"keepalive"`
	ClientID       string `yaml:"client_id"`
	Topic          string `yaml:"topic"`
	QoS            int    `yaml:"qos"`
	RetryDelay     string `yaml:"retry_delay"`
	ConnectTimeout string `yaml:"connect_timeout"`
	Embedded       bool   `yaml:"embedded"`
}

func (b BrokerConfig) MarshalYAML() (any, error) {
	return brokerYAML{
		Host:           b.Host,
		Port:           b.Port,
		KeepAlive:      b.KeepAlive.String(),
		ClientID:       b.ClientID,
		Topic:          b.Topic,
		QoS:            b.QoS,
		RetryDelay:     b.RetryDelay.String(),
		ConnectTimeout: b.ConnectTimeout.String(),
		Embedded:       b.Embedded,
	}, nil
}

type sessionYAML struct {
	Channels    int    `yaml:"channels"`
	SampleRate  int    `yaml:"sample_rate"`
	SampleWidth int    `yaml:"sample_width"`
	Duration    string `yaml:"duration"`
	QueueSize   int    `yaml:"queue_size"`
}

func (s SessionConfig) MarshalYAML() (any, error) {
	return sessionYAML{
		Channels:    s.Channels,
		SampleRate:  s.SampleRate,
		SampleWidth: s.SampleWidth,
		Duration:    s.Duration.String(),
		QueueSize:   s.QueueSize,
	}, nil
}
