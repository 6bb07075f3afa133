package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const (
	// DefaultSampleRate is the rate every channel file is written at
	DefaultSampleRate = 16000
	// DefaultSampleWidth is the sample width in bytes (16-bit PCM)
	DefaultSampleWidth = 2

	wavFormatPCM = 1
)

var (
	// ErrWriterClosed is returned by Write and Close once a writer has been closed
	ErrWriterClosed = errors.New("channel writer already closed")
)

// Format describes the PCM layout of a single channel file
type Format struct {
	SampleRate  int `json:"sample_rate"`
	SampleWidth int `json:"sample_width"`
}

// DefaultFormat returns the 16 kHz / 16-bit format
func DefaultFormat() Format {
	return Format{SampleRate: DefaultSampleRate, SampleWidth: DefaultSampleWidth}
}

// Validate checks that the format can be encoded
func (f Format) Validate() error {
	if f.SampleRate <= 0 {
		return fmt.Errorf("sample rate must be positive, got %d", f.SampleRate)
	}
	if f.SampleWidth != 2 {
		return fmt.Errorf("only 16-bit samples are supported, got sample width %d", f.SampleWidth)
	}
	return nil
}

// ChannelWriter is an append-only sink for one audio channel
type ChannelWriter interface {
	Write(samples []byte) error
	Close() error
	Path() string
}

// OpenFunc opens a ChannelWriter for a path
type OpenFunc func(path string, format Format) (ChannelWriter, error)

// WavWriter writes one mono PCM channel to a WAV file
type WavWriter struct {
	path    string
	format  Format
	file    *os.File
	encoder *wav.Encoder
	buf     *goaudio.IntBuffer
	written int64
	closed  bool
}

// OpenWavWriter creates (or truncates) path and writes the mono WAV header
func OpenWavWriter(path string, format Format) (ChannelWriter, error) {
	if err := format.Validate(); err != nil {
		return nil, err
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", path, err)
	}

	w := &WavWriter{
		path:    path,
		format:  format,
		file:    f,
		encoder: wav.NewEncoder(f, format.SampleRate, format.SampleWidth*8, 1, wavFormatPCM),
		buf: &goaudio.IntBuffer{
			Format:         &goaudio.Format{NumChannels: 1, SampleRate: format.SampleRate},
			SourceBitDepth: format.SampleWidth * 8,
		},
	}

	// An empty write emits the RIFF/fmt/data headers so the file is valid even if no audio arrives
	if err := w.encoder.Write(w.buf); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to write WAV header to %s: %w", path, err)
	}

	return w, nil
}

// Path returns the output file path
func (w *WavWriter) Path() string {
	return w.path
}

// BytesWritten returns the number of sample bytes appended so far
func (w *WavWriter) BytesWritten() int64 {
	return w.written
}

// Write appends little-endian 16-bit samples
func (w *WavWriter) Write(samples []byte) error {
	if w.closed {
		return ErrWriterClosed
	}
	if len(samples)%w.format.SampleWidth != 0 {
		return fmt.Errorf("%d bytes is not a multiple of sample width %d", len(samples), w.format.SampleWidth)
	}
	if len(samples) == 0 {
		return nil
	}

	n := len(samples) / w.format.SampleWidth
	if cap(w.buf.Data) < n {
		w.buf.Data = make([]int, n)
	}
	w.buf.Data = w.buf.Data[:n]
	for i := 0; i < n; i++ {
		w.buf.Data[i] = int(int16(binary.LittleEndian.Uint16(samples[i*2:])))
	}

	if err := w.encoder.Write(w.buf); err != nil {
		return fmt.Errorf("failed to write samples to %s: %w", w.path, err)
	}
	w.written += int64(len(samples))
	return nil
}

// Close finalizes the WAV length fields and closes the file
func (w *WavWriter) Close() error {
	if w.closed {
		return ErrWriterClosed
	}
	w.closed = true

	encErr := w.encoder.Close()
	fileErr := w.file.Close()
	if encErr != nil {
		return fmt.Errorf("failed to finalize %s: %w", w.path, errors.Join(encErr, fileErr))
	}
	if fileErr != nil {
		return fmt.Errorf("failed to close %s: %w", w.path, fileErr)
	}
	return nil
}
