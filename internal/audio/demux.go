package audio

import (
	"errors"
	"fmt"
	"strings"
)

// ErrMalformedFrame marks a payload that cannot be split into the configured channels
var ErrMalformedFrame = errors.New("malformed frame")

// Layout is the byte arrangement of a raw multi-channel frame
type Layout string

const (
	// LayoutBlock is N equal-size channel-ordered slices: ch0 bytes, then ch1 bytes, ...
	LayoutBlock Layout = "block"
	// LayoutInterleaved is one sample per channel per instant: s0ch0 s0ch1 ... s1ch0 ...
	LayoutInterleaved Layout = "interleaved"
)

// ParseLayout maps a config string to a Layout
func ParseLayout(s string) (Layout, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", string(LayoutBlock):
		return LayoutBlock, nil
	case string(LayoutInterleaved):
		return LayoutInterleaved, nil
	default:
		return "", fmt.Errorf("unknown frame layout: %s (valid: block, interleaved)", s)
	}
}

// Demultiplex splits payload into one byte slice per channel.
// Block layout returns sub-slices of payload; interleaved layout allocates.
func Demultiplex(payload []byte, channels, sampleWidth int, layout Layout) ([][]byte, error) {
	if channels < 1 {
		return nil, fmt.Errorf("%w: channel count must be >= 1, got %d", ErrMalformedFrame, channels)
	}
	if sampleWidth < 1 {
		return nil, fmt.Errorf("%w: sample width must be >= 1, got %d", ErrMalformedFrame, sampleWidth)
	}
	if len(payload) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrMalformedFrame)
	}

	frameSize := channels * sampleWidth
	if len(payload)%frameSize != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not divisible by %d channels x %d bytes",
			ErrMalformedFrame, len(payload), channels, sampleWidth)
	}

	perChannel := len(payload) / channels
	out := make([][]byte, channels)

	switch layout {
	case LayoutBlock, "":
		for ch := 0; ch < channels; ch++ {
			out[ch] = payload[ch*perChannel : (ch+1)*perChannel : (ch+1)*perChannel]
		}
	case LayoutInterleaved:
		for ch := range out {
			out[ch] = make([]byte, 0, perChannel)
		}
		for off := 0; off < len(payload); off += frameSize {
			for ch := 0; ch < channels; ch++ {
				start := off + ch*sampleWidth
				out[ch] = append(out[ch], payload[start:start+sampleWidth]...)
			}
		}
	default:
		return nil, fmt.Errorf("unknown frame layout: %s", layout)
	}

	return out, nil
}

// Multiplex is the inverse of Demultiplex; every channel must hold the same number of bytes
func Multiplex(channels [][]byte, sampleWidth int, layout Layout) ([]byte, error) {
	if len(channels) == 0 {
		return nil, fmt.Errorf("no channels to multiplex")
	}
	perChannel := len(channels[0])
	for i, ch := range channels {
		if len(ch) != perChannel {
			return nil, fmt.Errorf("channel %d has %d bytes, expected %d", i, len(ch), perChannel)
		}
	}
	if sampleWidth < 1 || perChannel%sampleWidth != 0 {
		return nil, fmt.Errorf("channel length %d is not a multiple of sample width %d", perChannel, sampleWidth)
	}

	out := make([]byte, 0, perChannel*len(channels))
	switch layout {
	case LayoutBlock, "":
		for _, ch := range channels {
			out = append(out, ch...)
		}
	case LayoutInterleaved:
		for off := 0; off < perChannel; off += sampleWidth {
			for _, ch := range channels {
				out = append(out, ch[off:off+sampleWidth]...)
			}
		}
	default:
		return nil, fmt.Errorf("unknown frame layout: %s", layout)
	}
	return out, nil
}
