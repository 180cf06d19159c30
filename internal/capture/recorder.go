package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"go.uber.org/zap"
)

var (
	// ErrPermissionDenied reports that the capture device refused access.
	ErrPermissionDenied = errors.New("capture: microphone permission denied")
	// ErrNoDevice reports that no capture device is available.
	ErrNoDevice = errors.New("capture: no capture device")
	// ErrRecorderInactive reports an operation that needs a started recorder.
	ErrRecorderInactive = errors.New("capture: recorder is not active")
)

// Blob is a finalized audio segment.
type Blob struct {
	Data     []byte
	MimeType string
}

// Size returns the payload length in bytes.
func (b Blob) Size() int {
	return len(b.Data)
}

// Recorder captures one segment at a time from a continuous audio stream.
type Recorder interface {
	Start(ctx context.Context) error
	Pause() error
	Resume() error
	// Stop finalizes the running segment.
	Stop(ctx context.Context) (Blob, error)
	// Release stops the underlying stream. It is safe to call at any time.
	Release()
}

// SourceOpener acquires the audio stream. Errors wrapping ErrPermissionDenied
// or ErrNoDevice are reported to the user as such.
type SourceOpener func(ctx context.Context) (io.ReadCloser, error)

type recorderState int

const (
	recorderInactive recorderState = iota
	recorderRecording
	recorderPaused
)

// StreamRecorderConfig describes a StreamRecorder.
type StreamRecorderConfig struct {
	Source   SourceOpener
	MimeType string
	Logger   *zap.Logger
}

// StreamRecorder buffers audio chunks into the running segment. Chunks arrive
// through Write, either from the pump attached to Source or from a caller.
// Chunks written while paused or inactive are discarded.
type StreamRecorder struct {
	open     SourceOpener
	mimeType string
	logger   *zap.Logger

	mu      sync.Mutex
	state   recorderState
	segment []byte
	source  io.ReadCloser
}

// NewStreamRecorder constructs a StreamRecorder.
func NewStreamRecorder(cfg StreamRecorderConfig) *StreamRecorder {
	mimeType := cfg.MimeType
	if mimeType == "" {
		mimeType = "audio/webm"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StreamRecorder{open: cfg.Source, mimeType: mimeType, logger: logger}
}

// Start begins a new segment, acquiring the source on first use.
func (r *StreamRecorder) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != recorderInactive {
		return fmt.Errorf("capture: recorder already active")
	}
	if r.open != nil && r.source == nil {
		source, err := r.open(ctx)
		if err != nil {
			return err
		}
		r.source = source
		go r.pump(source)
	}
	r.segment = nil
	r.state = recorderRecording
	return nil
}

// Pause stops appending chunks to the running segment.
func (r *StreamRecorder) Pause() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != recorderRecording {
		return ErrRecorderInactive
	}
	r.state = recorderPaused
	return nil
}

// Resume continues a paused segment.
func (r *StreamRecorder) Resume() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch r.state {
	case recorderPaused:
		r.state = recorderRecording
		return nil
	case recorderRecording:
		return nil
	default:
		return ErrRecorderInactive
	}
}

// Stop finalizes the running segment. The source stays open for the next one.
func (r *StreamRecorder) Stop(context.Context) (Blob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == recorderInactive {
		return Blob{}, ErrRecorderInactive
	}
	blob := Blob{Data: r.segment, MimeType: r.mimeType}
	r.segment = nil
	r.state = recorderInactive
	return blob, nil
}

// Write appends a chunk to the running segment.
func (r *StreamRecorder) Write(chunk []byte) (int, error) {
	r.mu.Lock()
	if r.state == recorderRecording {
		r.segment = append(r.segment, chunk...)
	}
	r.mu.Unlock()
	return len(chunk), nil
}

// Release closes the source and discards any running segment.
func (r *StreamRecorder) Release() {
	r.mu.Lock()
	source := r.source
	r.source = nil
	r.segment = nil
	r.state = recorderInactive
	r.mu.Unlock()
	if source != nil {
		if err := source.Close(); err != nil {
			r.logger.Debug("audio source close failed", zap.Error(err))
		}
	}
}

func (r *StreamRecorder) pump(source io.ReadCloser) {
	_, err := io.Copy(r, source)
	r.mu.Lock()
	if r.source == source {
		r.source = nil
	}
	r.mu.Unlock()
	if err != nil {
		r.logger.Warn("audio source ended with error", zap.Error(err))
		return
	}
	r.logger.Info("audio source ended")
}

// FileSource opens path as the audio stream, typically a named pipe fed by a
// capture tool.
func FileSource(path string) SourceOpener {
	return func(context.Context) (io.ReadCloser, error) {
		file, err := os.Open(path)
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNoDevice, path)
		}
		if errors.Is(err, os.ErrPermission) {
			return nil, fmt.Errorf("%w: %s", ErrPermissionDenied, path)
		}
		if err != nil {
			return nil, err
		}
		return file, nil
	}
}

// CommandSource runs a capture command and reads audio from its stdout.
// Closing the stream stops the command.
func CommandSource(name string, args ...string) SourceOpener {
	return func(context.Context) (io.ReadCloser, error) {
		cmd := exec.Command(name, args...)
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, err
		}
		if err := cmd.Start(); err != nil {
			if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("%w: %s", ErrNoDevice, name)
			}
			if errors.Is(err, os.ErrPermission) {
				return nil, fmt.Errorf("%w: %s", ErrPermissionDenied, name)
			}
			return nil, err
		}
		return &commandStream{ReadCloser: stdout, cmd: cmd}, nil
	}
}

type commandStream struct {
	io.ReadCloser
	cmd *exec.Cmd
}

func (s *commandStream) Close() error {
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	closeErr := s.ReadCloser.Close()
	_ = s.cmd.Wait()
	return closeErr
}
