package session

import (
	"errors"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/capture"
)

// State is the lifecycle position of a Session.
type State int

const (
	StateIdle State = iota
	StateLoading
	StateReady
	StateRecording
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateRecording:
		return "recording"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

var (
	// ErrModelNotFound is returned when <modelRoot>/<language> does not exist.
	ErrModelNotFound = errors.New("model not found")
	// ErrModelNotLoaded is returned by Start before a successful LoadModel.
	ErrModelNotLoaded = errors.New("model not loaded")
	// ErrBusy is returned when the requested transition is not allowed from
	// the current state, e.g. LoadModel while recording.
	ErrBusy = errors.New("session busy")

	errStopped = errors.New("recording stopped")
)

// DeviceError is the audio backend failure type surfaced by Start and by
// recordings whose stream died.
type DeviceError = capture.DeviceError

// Utterance is one recognized fragment.
type Utterance struct {
	RecordingID string
	Seq         int
	Language    string
	Text        string
	At          time.Time
}

// Result summarizes a finished recording.
type Result struct {
	RecordingID    string
	Language       string
	Device         string
	Text           string
	Fragments      []string
	Pushed         int
	Consumed       int
	Abandoned      int
	DeviceWarnings int
	StartedAt      time.Time
	StoppedAt      time.Time
	Err            error
}

// Listener observes session activity. Calls are made without the session
// lock held, from the goroutine that caused the event.
type Listener interface {
	OnStateChange(from, to State)
	OnUtterance(u Utterance)
	OnRecordingFinished(r Result)
}

// ListenerFuncs adapts optional callbacks to Listener.
type ListenerFuncs struct {
	StateChange       func(from, to State)
	Utterance         func(u Utterance)
	RecordingFinished func(r Result)
}

func (l ListenerFuncs) OnStateChange(from, to State) {
	if l.StateChange != nil {
		l.StateChange(from, to)
	}
}

func (l ListenerFuncs) OnUtterance(u Utterance) {
	if l.Utterance != nil {
		l.Utterance(u)
	}
}

func (l ListenerFuncs) OnRecordingFinished(r Result) {
	if l.RecordingFinished != nil {
		l.RecordingFinished(r)
	}
}
