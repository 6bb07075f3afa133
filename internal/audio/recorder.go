package audio

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Status represents the current state of the recorder
type Status string

const (
	StatusStandby   Status = "STANDBY"
	StatusRecording Status = "RECORDING"
)

var (
	// ErrAlreadyRecording is returned by Start while a session is active
	ErrAlreadyRecording = errors.New("already recording")
	// ErrWriterOpen marks a session start that failed because a channel file could not be opened
	ErrWriterOpen = errors.New("failed to open channel writer")
	// ErrEngineStopped is returned once the engine loop has exited
	ErrEngineStopped = errors.New("session engine stopped")
)

// CloseError collects every writer close failure of one Stop call
type CloseError struct {
	Failed int
	Err    error
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("%d channel writer(s) failed to close: %v", e.Failed, e.Err)
}

func (e *CloseError) Unwrap() error { return e.Err }

// SessionInfo contains information about the current recording session
type SessionInfo struct {
	StartTime        time.Time `json:"start_time"`
	FilenameTemplate string    `json:"filename_template"`
	Files            []string  `json:"files"`
	ChannelCount     int       `json:"channel_count"`
	Format           Format    `json:"format"`
	FramesWritten    int64     `json:"frames_written"`
	FramesPartial    int64     `json:"frames_partial"`
	FramesRejected   int64     `json:"frames_rejected"`
	BytesWritten     []int64   `json:"bytes_written"`
}

func (s *SessionInfo) clone() *SessionInfo {
	if s == nil {
		return nil
	}
	c := *s
	c.Files = append([]string(nil), s.Files...)
	c.BytesWritten = append([]int64(nil), s.BytesWritten...)
	return &c
}

// Recorder defines the session controller surface
type Recorder interface {
	Start(ctx context.Context, filenameTemplate string) error
	Stop(ctx context.Context) error
	Deliver(ctx context.Context, payload []byte) error
	Status(ctx context.Context) (Status, *SessionInfo, error)
}

// ChannelPlaceholder is substituted with the zero-based channel index
const ChannelPlaceholder = "{channel}"

// ValidateTemplate checks that a filename template names each channel distinctly
func ValidateTemplate(template string) error {
	if strings.TrimSpace(template) == "" {
		return fmt.Errorf("filename template is required")
	}
	if !strings.Contains(template, ChannelPlaceholder) && !strings.Contains(template, "{}") {
		return fmt.Errorf("filename template %q must contain %s", template, ChannelPlaceholder)
	}
	return nil
}

// ChannelPath instantiates template for one channel, relative to dir when dir is set
func ChannelPath(dir, template string, channel int) string {
	idx := strconv.Itoa(channel)
	name := template
	if strings.Contains(name, ChannelPlaceholder) {
		name = strings.ReplaceAll(name, ChannelPlaceholder, idx)
	} else {
		name = strings.Replace(name, "{}", idx, 1)
	}
	if dir == "" || filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(dir, name)
}

// ChannelPaths returns the output path for every channel
func ChannelPaths(dir, template string, channels int) []string {
	paths := make([]string, channels)
	for i := range paths {
		paths[i] = ChannelPath(dir, template, i)
	}
	return paths
}
