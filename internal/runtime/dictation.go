package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/bus"
	"github.com/loqalabs/loqa-dictate/internal/capture"
	"github.com/loqalabs/loqa-dictate/internal/config"
	"github.com/loqalabs/loqa-dictate/internal/journal"
	"github.com/loqalabs/loqa-dictate/internal/protocol"
	"github.com/loqalabs/loqa-dictate/internal/session"
	"github.com/loqalabs/loqa-dictate/internal/sink"
	"github.com/loqalabs/loqa-dictate/internal/stt"
)

// Summary is what a caller gets back for a finished recording. The text is
// always present, even when the sink rejected it.
type Summary struct {
	RecordingID string   `json:"recording_id"`
	Language    string   `json:"language"`
	Text        string   `json:"text"`
	Fragments   []string `json:"fragments"`
	Consumed    int      `json:"consumed"`
	Abandoned   int      `json:"abandoned"`
	SinkStatus  string   `json:"sink_status"`
	Err         error    `json:"-"`
	SinkErr     error    `json:"-"`
}

// Status is a snapshot of the dictation state.
type Status struct {
	State       string   `json:"state"`
	Language    string   `json:"language,omitempty"`
	RecordingID string   `json:"recording_id,omitempty"`
	Last        *Summary `json:"last,omitempty"`
	Bus         bool     `json:"bus"`
	Clients     int      `json:"clients"`
}

const (
	sinkStatusOK     = "ok"
	sinkStatusFailed = "failed"
	sinkStatusEmpty  = "empty"
)

// Dictation ties the session to the sink, the journal, the bus and the
// websocket hub. It is the session's listener.
type Dictation struct {
	cfg     config.Config
	session *session.Session
	sink    sink.Sink
	journal *journal.Store
	bus     *bus.Client
	hub     *Hub
	log     *slog.Logger

	mu      sync.Mutex
	pending map[string]*pendingResult
	last    *Summary
}

type pendingResult struct {
	done    chan struct{}
	summary Summary
}

// DictationDeps are the collaborators of a Dictation. Journal, Bus and Hub
// may be nil.
type DictationDeps struct {
	Loader  stt.Loader
	Source  capture.Source
	Sink    sink.Sink
	Journal *journal.Store
	Bus     *bus.Client
	Hub     *Hub
}

func NewDictation(cfg config.Config, deps DictationDeps, log *slog.Logger) *Dictation {
	if deps.Sink == nil {
		deps.Sink = sink.Discard()
	}
	d := &Dictation{
		cfg:     cfg,
		sink:    deps.Sink,
		journal: deps.Journal,
		bus:     deps.Bus,
		hub:     deps.Hub,
		log:     log.With(slog.String("component", "dictation")),
		pending: make(map[string]*pendingResult),
	}
	d.session = session.New(session.Options{
		ModelRoot: cfg.STT.ModelRoot,
		Format: capture.Format{
			SampleRate:  cfg.STT.SampleRate,
			Channels:    1,
			BlockFrames: cfg.STT.BlockFrames,
		},
		Resolve:   cfg.STT.ModelFor,
		Listeners: []session.Listener{d},
		Logger:    log,
	}, deps.Loader, deps.Source)
	return d
}

// Session exposes the underlying recognition session.
func (d *Dictation) Session() *session.Session { return d.session }

// Languages returns the configured language table.
func (d *Dictation) Languages() []config.Language { return d.cfg.STT.Languages }

// Devices lists capture devices.
func (d *Dictation) Devices() ([]capture.Device, error) { return d.session.Devices() }

// LoadModel loads the model for language, or the default language when
// empty.
func (d *Dictation) LoadModel(ctx context.Context, language string) error {
	if strings.TrimSpace(language) == "" {
		language = d.cfg.STT.DefaultLanguage
	}
	return d.session.LoadModel(ctx, language)
}

// Start begins a recording on device, or the configured device when empty.
func (d *Dictation) Start(ctx context.Context, device string) (*session.Recording, error) {
	if device == "" {
		device = d.cfg.Capture.Device
	}
	d.mu.Lock()
	for id, p := range d.pending {
		select {
		case <-p.done:
			delete(d.pending, id)
		default:
		}
	}
	d.mu.Unlock()

	rec, err := d.session.Start(ctx, device)
	if err != nil {
		return nil, err
	}
	d.waiter(rec.ID())
	return rec, nil
}

// Stop ends the active recording and returns its summary once the text has
// been handed to the sink. When nothing is recording it returns a zero
// Summary and no error.
func (d *Dictation) Stop(ctx context.Context) (Summary, error) {
	rec := d.session.Current()
	if rec == nil {
		return Summary{}, nil
	}
	d.session.Stop()
	return d.await(ctx, rec.ID())
}

// ToggleResult reports what Toggle did.
type ToggleResult struct {
	Action      string   `json:"action"` // started, stopped
	RecordingID string   `json:"recording_id"`
	Summary     *Summary `json:"summary,omitempty"`
}

// Toggle stops an active recording, otherwise it makes sure the model for
// language is loaded and starts recording.
func (d *Dictation) Toggle(ctx context.Context, language, device string) (ToggleResult, error) {
	if d.session.State() == session.StateRecording {
		sum, err := d.Stop(ctx)
		return ToggleResult{Action: "stopped", RecordingID: sum.RecordingID, Summary: &sum}, err
	}

	if strings.TrimSpace(language) == "" {
		language = d.cfg.STT.DefaultLanguage
	}
	want := d.cfg.STT.ModelFor(language)
	if d.session.State() == session.StateIdle || d.session.Language() != want {
		if err := d.LoadModel(ctx, language); err != nil {
			return ToggleResult{}, err
		}
	}
	rec, err := d.Start(ctx, device)
	if err != nil {
		return ToggleResult{}, err
	}
	return ToggleResult{Action: "started", RecordingID: rec.ID()}, nil
}

// Status returns the current state and the last finished recording.
func (d *Dictation) Status() Status {
	st := Status{
		State:    d.session.State().String(),
		Language: d.session.Language(),
		Bus:      d.bus.Healthy(),
	}
	if rec := d.session.Current(); rec != nil {
		st.RecordingID = rec.ID()
	}
	if d.hub != nil {
		st.Clients = d.hub.Clients()
	}
	d.mu.Lock()
	if d.last != nil {
		last := *d.last
		st.Last = &last
	}
	d.mu.Unlock()
	return st
}

// Close stops recording, waits until every finished recording has reached
// the sink and the journal, then releases the recognizer.
func (d *Dictation) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), d.sinkTimeout()+time.Second)
	defer cancel()
	if sum, err := d.Stop(ctx); err != nil {
		d.log.Warn("last recording finished with error",
			slog.String("recording_id", sum.RecordingID),
			slog.String("error", err.Error()))
	}
	d.mu.Lock()
	waiting := make([]*pendingResult, 0, len(d.pending))
	for _, p := range d.pending {
		waiting = append(waiting, p)
	}
	d.mu.Unlock()
	for _, p := range waiting {
		select {
		case <-p.done:
		case <-ctx.Done():
			d.log.Error("gave up waiting for recording delivery", slog.String("error", ctx.Err().Error()))
			return d.session.Close()
		}
	}
	return d.session.Close()
}

func (d *Dictation) waiter(id string) *pendingResult {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.pending[id]
	if !ok {
		p = &pendingResult{done: make(chan struct{})}
		d.pending[id] = p
	}
	return p
}

func (d *Dictation) await(ctx context.Context, id string) (Summary, error) {
	p := d.waiter(id)
	select {
	case <-p.done:
	case <-ctx.Done():
		return Summary{RecordingID: id}, ctx.Err()
	}
	d.mu.Lock()
	sum := p.summary
	d.mu.Unlock()
	if sum.Err != nil {
		return sum, sum.Err
	}
	return sum, sum.SinkErr
}

func (d *Dictation) OnStateChange(from, to session.State) {
	evt := protocol.StateEvent{
		From:      from.String(),
		To:        to.String(),
		Language:  d.session.Language(),
		Timestamp: time.Now().UTC(),
	}
	if to == session.StateRecording {
		if rec := d.session.Current(); rec != nil {
			if err := d.journal.BeginRecording(context.Background(), rec.ID(), rec.Language(), rec.Device(), rec.StartedAt()); err != nil {
				d.log.Warn("journal begin failed", slog.String("recording_id", rec.ID()), slog.String("error", err.Error()))
			}
		}
	}
	d.publish(protocol.SubjectState, evt)
	d.broadcast(Event{Type: "state", Data: evt})
}

func (d *Dictation) OnUtterance(u session.Utterance) {
	if err := d.journal.AppendFragment(context.Background(), u.RecordingID, u.Seq, u.Text); err != nil {
		d.log.Warn("journal fragment failed", slog.String("recording_id", u.RecordingID), slog.String("error", err.Error()))
	}
	tr := protocol.Transcript{
		RecordingID: u.RecordingID,
		Sequence:    u.Seq,
		Language:    u.Language,
		Text:        u.Text,
		Partial:     true,
		Timestamp:   u.At,
	}
	d.publish(protocol.SubjectUtterance, tr)
	d.broadcast(Event{Type: "utterance", Data: tr})
}

func (d *Dictation) OnRecordingFinished(r session.Result) {
	sum := Summary{
		RecordingID: r.RecordingID,
		Language:    r.Language,
		Text:        r.Text,
		Fragments:   r.Fragments,
		Consumed:    r.Consumed,
		Abandoned:   r.Abandoned,
		Err:         r.Err,
	}

	sum.SinkStatus = sinkStatusEmpty
	if strings.TrimSpace(r.Text) != "" {
		ctx, cancel := context.WithTimeout(context.Background(), d.sinkTimeout())
		err := d.sink.Submit(sink.WithRecordingID(ctx, r.RecordingID), r.Text)
		cancel()
		if err != nil {
			sum.SinkStatus = sinkStatusFailed
			sum.SinkErr = err
			d.log.Error("text submission failed",
				slog.String("recording_id", r.RecordingID),
				slog.String("error", err.Error()))
		} else {
			sum.SinkStatus = sinkStatusOK
		}
	}

	out := journal.Outcome{
		Text:       r.Text,
		Consumed:   r.Consumed,
		Abandoned:  r.Abandoned,
		SinkStatus: sum.SinkStatus,
		StoppedAt:  r.StoppedAt,
	}
	if r.Err != nil {
		out.Error = r.Err.Error()
	}
	if err := d.journal.FinishRecording(context.Background(), r.RecordingID, out); err != nil {
		d.log.Warn("journal finish failed", slog.String("recording_id", r.RecordingID), slog.String("error", err.Error()))
	}

	payload := map[string]any{
		"recording_id": sum.RecordingID,
		"language":     sum.Language,
		"text":         sum.Text,
		"sink_status":  sum.SinkStatus,
	}
	if r.Err != nil {
		payload["error"] = r.Err.Error()
	}
	d.broadcast(Event{Type: "final", Data: payload})
	if !d.sinkPublishesFinal() {
		d.publish(protocol.SubjectTextFinal, protocol.Transcript{
			RecordingID: r.RecordingID,
			Language:    r.Language,
			Text:        r.Text,
			Partial:     false,
			Timestamp:   r.StoppedAt,
		})
	}

	p := d.waiter(r.RecordingID)
	d.mu.Lock()
	p.summary = sum
	last := sum
	d.last = &last
	d.mu.Unlock()
	close(p.done)
}

// Submitted handles text that arrived on the local submit endpoint.
func (d *Dictation) Submitted(ctx context.Context, text string) error {
	d.broadcast(Event{Type: "submit", Data: protocol.SubmitRequest{Text: text}})
	if err := d.journal.RecordSubmission(ctx, text); err != nil {
		return fmt.Errorf("journal submission: %w", err)
	}
	return nil
}

// History returns recent recordings from the journal.
func (d *Dictation) History(ctx context.Context, limit int) ([]journal.Recording, error) {
	return d.journal.ListRecordings(ctx, limit)
}

func (d *Dictation) sinkTimeout() time.Duration {
	if d.cfg.Sink.TimeoutMS > 0 {
		return time.Duration(d.cfg.Sink.TimeoutMS) * time.Millisecond
	}
	return 5 * time.Second
}

// sinkPublishesFinal reports whether the sink already puts the final text
// on the final transcript subject.
func (d *Dictation) sinkPublishesFinal() bool {
	bs, ok := d.sink.(*sink.BusSink)
	return ok && bs.Subject() == protocol.SubjectTextFinal
}

func (d *Dictation) publish(subject string, v any) {
	if !d.bus.Healthy() {
		return
	}
	if err := d.bus.PublishJSON(subject, v); err != nil {
		d.log.Warn("bus publish failed", slog.String("subject", subject), slog.String("error", err.Error()))
	}
}

func (d *Dictation) broadcast(evt Event) {
	if d.hub != nil {
		d.hub.Broadcast(evt)
	}
}

// isDeviceError reports whether err came from the audio backend.
func isDeviceError(err error) bool {
	var devErr *session.DeviceError
	return errors.As(err, &devErr)
}
