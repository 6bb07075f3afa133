package stream

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/audiolibrelab/mqttcapture/internal/audio"
	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// DefaultChunk is the audio duration carried by one published frame
const DefaultChunk = 30 * time.Millisecond

// Publisher sends one payload to a broker topic
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Options controls how a file is replayed onto the broker
type Options struct {
	Topic    string
	Codec    audio.FrameCodec
	Channels int
	Chunk    time.Duration
	// Realtime paces frames at one per Chunk; otherwise they are sent as fast as possible
	Realtime bool
}

// Stats summarizes a finished replay
type Stats struct {
	Frames  int
	Samples int64
	Elapsed time.Duration
}

// File decodes the 16-bit multichannel WAV at path and publishes it frame by
// frame. The file's channel count must match opts.Channels.
func File(ctx context.Context, path string, pub Publisher, opts Options) (Stats, error) {
	var stats Stats
	if opts.Chunk <= 0 {
		opts.Chunk = DefaultChunk
	}

	f, err := os.Open(path)
	if err != nil {
		return stats, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return stats, fmt.Errorf("%s is not a valid WAV file", path)
	}
	if dec.BitDepth != 16 {
		return stats, fmt.Errorf("%s: only 16-bit PCM is supported, got %d bits", path, dec.BitDepth)
	}
	channels := int(dec.NumChans)
	if channels != opts.Channels {
		return stats, fmt.Errorf("%s has %d channels, expected %d", path, channels, opts.Channels)
	}

	framesPerChunk := int(time.Duration(dec.SampleRate) * opts.Chunk / time.Second)
	if framesPerChunk < 1 {
		framesPerChunk = 1
	}
	buf := &goaudio.IntBuffer{
		Format: &goaudio.Format{NumChannels: channels, SampleRate: int(dec.SampleRate)},
		Data:   make([]int, framesPerChunk*channels),
	}

	slog.Info("Streaming file",
		"path", path,
		"channels", channels,
		"sample_rate", dec.SampleRate,
		"chunk", opts.Chunk,
		"topic", opts.Topic)

	var ticker *time.Ticker
	if opts.Realtime {
		ticker = time.NewTicker(opts.Chunk)
		defer ticker.Stop()
	}

	start := time.Now()
	for {
		n, err := dec.PCMBuffer(buf)
		if err != nil && !errors.Is(err, io.EOF) {
			return stats, fmt.Errorf("failed to decode %s: %w", path, err)
		}
		n -= n % channels
		if n == 0 {
			break
		}

		payload, err := opts.Codec.Encode(deinterleave(buf.Data[:n], channels))
		if err != nil {
			return stats, fmt.Errorf("failed to encode frame %d: %w", stats.Frames, err)
		}

		if ticker != nil && stats.Frames > 0 {
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return stats, ctx.Err()
			}
		}
		if err := pub.Publish(ctx, opts.Topic, payload); err != nil {
			return stats, fmt.Errorf("failed to publish frame %d: %w", stats.Frames, err)
		}

		stats.Frames++
		stats.Samples += int64(n / channels)
		slog.Debug("Published frame", "frame", stats.Frames, "samples", n/channels)
	}
	stats.Elapsed = time.Since(start)

	slog.Info("Streaming finished", "frames", stats.Frames, "samples", stats.Samples, "elapsed", stats.Elapsed)
	return stats, nil
}

// deinterleave splits interleaved 16-bit samples into little-endian byte
// streams, one per channel
func deinterleave(samples []int, channels int) [][]byte {
	perChannel := len(samples) / channels
	out := make([][]byte, channels)
	for ch := range out {
		out[ch] = make([]byte, perChannel*2)
	}
	for i, s := range samples {
		ch, idx := i%channels, i/channels
		binary.LittleEndian.PutUint16(out[ch][idx*2:], uint16(int16(s)))
	}
	return out
}
