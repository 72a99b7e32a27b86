package protocol

import "time"

// Transcript carries recognized text on the bus. Partial marks a single
// utterance fragment; the final message holds the joined recording text.
type Transcript struct {
	RecordingID string    `json:"recording_id"`
	Sequence    int       `json:"sequence,omitempty"`
	Language    string    `json:"language,omitempty"`
	Text        string    `json:"text"`
	Partial     bool      `json:"partial"`
	Timestamp   time.Time `json:"timestamp"`
}

// StateEvent is broadcast whenever the recognition session changes state.
type StateEvent struct {
	From      string    `json:"from"`
	To        string    `json:"to"`
	Language  string    `json:"language,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// SubmitRequest is the body accepted by the local text sink endpoint.
type SubmitRequest struct {
	Text string `json:"text"`
}

// SubmitResponse is returned by the local text sink endpoint.
type SubmitResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// ControlRequest drives the session over the bus or the HTTP API.
type ControlRequest struct {
	Language string `json:"language,omitempty"`
	Device   string `json:"device,omitempty"`
}

// ControlReply reports the outcome of a control request.
type ControlReply struct {
	OK          bool   `json:"ok"`
	State       string `json:"state"`
	Language    string `json:"language,omitempty"`
	RecordingID string `json:"recording_id,omitempty"`
	Text        string `json:"text,omitempty"`
	Error       string `json:"error,omitempty"`
}

const (
	SubjectUtterance    = "dictate.text.partial"
	SubjectTextFinal    = "dictate.text.final"
	SubjectState        = "dictate.state"
	SubjectControlLoad  = "dictate.ctrl.load"
	SubjectControlStart = "dictate.ctrl.start"
	SubjectControlStop  = "dictate.ctrl.stop"
	SubjectControlState = "dictate.ctrl.status"
)
