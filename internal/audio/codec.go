package audio

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// CodecRaw carries PCM bytes directly in the message payload
	CodecRaw = "raw"
	// CodecIUJSON carries an AudioInputIU JSON document with base64 channels
	CodecIUJSON = "iu-json"

	iuCreator = "mqttcapture"
)

// FrameCodec converts between broker payloads and per-channel sample bytes
type FrameCodec interface {
	Name() string
	Decode(payload []byte) ([][]byte, error)
	Encode(channels [][]byte) ([]byte, error)
}

// NewCodec returns the codec registered under name
func NewCodec(name string, channels int, format Format, layout Layout) (FrameCodec, error) {
	if channels < 1 {
		return nil, fmt.Errorf("channel count must be >= 1, got %d", channels)
	}

	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", CodecRaw:
		return &RawCodec{Channels: channels, SampleWidth: format.SampleWidth, Layout: layout}, nil
	case CodecIUJSON:
		return &IUCodec{Channels: channels, Format: format}, nil
	default:
		return nil, fmt.Errorf("unknown payload format: %s (valid: %s, %s)", name, CodecRaw, CodecIUJSON)
	}
}

// RawCodec is a plain PCM payload in a fixed layout
type RawCodec struct {
	Channels    int
	SampleWidth int
	Layout      Layout
}

func (c *RawCodec) Name() string { return CodecRaw }

func (c *RawCodec) Decode(payload []byte) ([][]byte, error) {
	return Demultiplex(payload, c.Channels, c.SampleWidth, c.Layout)
}

func (c *RawCodec) Encode(channels [][]byte) ([]byte, error) {
	if len(channels) != c.Channels {
		return nil, fmt.Errorf("expected %d channels, got %d", c.Channels, len(channels))
	}
	return Multiplex(channels, c.SampleWidth, c.Layout)
}

// AudioInputIU is the JSON document published by the beamforming streamer
type AudioInputIU struct {
	Creator        string    `json:"creator"`
	IUID           string    `json:"iuid"`
	CreatedAt      float64   `json:"created_at"`
	Audio          string    `json:"audio"`
	AllChannels    []string  `json:"all_channels"`
	SampleWidth    int       `json:"sample_width"`
	SampleRate     int       `json:"sample_rate"`
	NumChannels    int       `json:"num_channels"`
	BufferDuration int       `json:"buffer_duration"`
	RMS            float64   `json:"rms"`
	AllRMS         []float64 `json:"all_rms"`
}

// IUCodec decodes AudioInputIU documents
type IUCodec struct {
	Channels int
	Format   Format
}

func (c *IUCodec) Name() string { return CodecIUJSON }

func (c *IUCodec) Decode(payload []byte) ([][]byte, error) {
	var iu AudioInputIU
	if err := json.Unmarshal(payload, &iu); err != nil {
		return nil, fmt.Errorf("%w: invalid AudioInputIU JSON: %v", ErrMalformedFrame, err)
	}

	if iu.NumChannels != 0 && iu.NumChannels != c.Channels {
		return nil, fmt.Errorf("%w: num_channels %d does not match session channel count %d",
			ErrMalformedFrame, iu.NumChannels, c.Channels)
	}
	if len(iu.AllChannels) != c.Channels {
		return nil, fmt.Errorf("%w: all_channels has %d entries, expected %d",
			ErrMalformedFrame, len(iu.AllChannels), c.Channels)
	}
	if iu.SampleWidth != 0 && iu.SampleWidth != c.Format.SampleWidth {
		return nil, fmt.Errorf("%w: sample_width %d does not match %d",
			ErrMalformedFrame, iu.SampleWidth, c.Format.SampleWidth)
	}
	if iu.SampleRate != 0 && iu.SampleRate != c.Format.SampleRate {
		return nil, fmt.Errorf("%w: sample_rate %d does not match %d",
			ErrMalformedFrame, iu.SampleRate, c.Format.SampleRate)
	}

	out := make([][]byte, len(iu.AllChannels))
	for i, encoded := range iu.AllChannels {
		data, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("%w: channel %d is not valid base64: %v", ErrMalformedFrame, i, err)
		}
		if len(data)%c.Format.SampleWidth != 0 {
			return nil, fmt.Errorf("%w: channel %d has %d bytes, not a multiple of sample width %d",
				ErrMalformedFrame, i, len(data), c.Format.SampleWidth)
		}
		if i > 0 && len(data) != len(out[0]) {
			return nil, fmt.Errorf("%w: channel %d has %d bytes, channel 0 has %d",
				ErrMalformedFrame, i, len(data), len(out[0]))
		}
		out[i] = data
	}

	if len(out[0]) == 0 {
		return nil, fmt.Errorf("%w: empty channels", ErrMalformedFrame)
	}
	return out, nil
}

func (c *IUCodec) Encode(channels [][]byte) ([]byte, error) {
	if len(channels) != c.Channels {
		return nil, fmt.Errorf("expected %d channels, got %d", c.Channels, len(channels))
	}

	encoded := make([]string, len(channels))
	for i, ch := range channels {
		encoded[i] = base64.StdEncoding.EncodeToString(ch)
	}

	samples := len(channels[0]) / c.Format.SampleWidth
	iu := AudioInputIU{
		Creator:        iuCreator,
		IUID:           uuid.NewString(),
		CreatedAt:      float64(time.Now().UnixNano()) / float64(time.Second),
		Audio:          encoded[0],
		AllChannels:    encoded,
		SampleWidth:    c.Format.SampleWidth,
		SampleRate:     c.Format.SampleRate,
		NumChannels:    c.Channels,
		BufferDuration: samples * 1000 / c.Format.SampleRate,
		AllRMS:         []float64{},
	}
	return json.Marshal(iu)
}
