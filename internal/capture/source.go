package capture

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

var (
	ErrDeviceNotFound = errors.New("capture device not found")
	ErrFormatMismatch = errors.New("audio format mismatch")
	ErrStreamStopped  = errors.New("audio stream stopped by backend")
	ErrBackendWarning = errors.New("audio backend warning")
)

// Handler receives one block of PCM from the backend goroutine. A non-nil
// status reports a backend problem for that invocation; data is still valid.
type Handler func(data []byte, status error)

// Stream is an open input stream.
type Stream interface {
	Start() error
	Close() error
	// Failed delivers at most one error when the backend terminates the
	// stream on its own.
	Failed() <-chan error
}

// Source opens input streams bound to a device. An empty deviceID selects
// the system default input.
type Source interface {
	Open(deviceID string, format Format, handler Handler) (Stream, error)
	Devices() ([]Device, error)
	Close() error
}

// Device describes a selectable capture device.
type Device struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Default bool   `json:"default"`
}

// DeviceError reports an audio backend failure.
type DeviceError struct {
	Op     string
	Device string
	Err    error
}

func (e *DeviceError) Error() string {
	if e.Device == "" {
		return fmt.Sprintf("audio device %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("audio device %q %s: %v", e.Device, e.Op, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }

// statusLatch holds backend warnings raised between two blocks so the next
// handler call can report them.
type statusLatch struct {
	mu     sync.Mutex
	device string
	msgs   []string
}

func (l *statusLatch) raise(msg string) {
	l.mu.Lock()
	l.msgs = append(l.msgs, msg)
	l.mu.Unlock()
}

// take returns the pending warnings as one status and clears them.
func (l *statusLatch) take() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.msgs) == 0 {
		return nil
	}
	err := &DeviceError{Op: "status", Device: l.device, Err: fmt.Errorf("%w: %s", ErrBackendWarning, strings.Join(l.msgs, "; "))}
	l.msgs = l.msgs[:0]
	return err
}

// isBackendWarning reports whether a backend log line describes a problem
// rather than routine progress.
func isBackendWarning(msg string) bool {
	lower := strings.ToLower(msg)
	for _, marker := range []string{"warning", "error", "overrun", "underrun", "xrun", "failed"} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
