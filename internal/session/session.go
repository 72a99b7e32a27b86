// Package session owns the recognizer and drives one recording at a time:
// the audio backend pushes chunks into a queue while a consumer goroutine
// feeds them to the recognizer and collects utterance text.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-dictate/internal/capture"
	"github.com/loqalabs/loqa-dictate/internal/stt"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Options configures a Session.
type Options struct {
	ModelRoot string
	Format    capture.Format
	// Resolve maps a display name to a model directory name. Nil means the
	// language id is used as is.
	Resolve   func(language string) string
	Listeners []Listener
	Logger    *slog.Logger
}

type Session struct {
	opts    Options
	loader  stt.Loader
	source  capture.Source
	queue   *capture.Queue
	log     *slog.Logger
	tracer  trace.Tracer
	metrics *metrics

	mu         sync.Mutex
	state      State
	recognizer stt.Recognizer
	language   string
	current    *Recording

	recording atomic.Bool
}

// Recording is the handle of one Start..Stop cycle.
type Recording struct {
	id        string
	language  string
	device    string
	startedAt time.Time
	ctx       context.Context
	cancel    context.CancelCauseFunc
	stream    capture.Stream
	span      trace.Span
	done      chan struct{}

	seq      atomic.Int64
	warnings atomic.Int64
	result   Result
}

func New(opts Options, loader stt.Loader, source capture.Source) *Session {
	if opts.Format.SampleRate == 0 {
		opts.Format = capture.DefaultFormat()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Session{
		opts:   opts,
		loader: loader,
		source: source,
		queue:  capture.NewQueue(),
		log:    opts.Logger.With(slog.String("component", "session")),
		tracer: otel.Tracer(instrumentationName),
		state:  StateIdle,
	}
	s.metrics = newMetrics(s.log, func() int64 { return int64(s.queue.Len()) })
	return s
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Language returns the model id of the active recognizer, if any.
func (s *Session) Language() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.language
}

// Current returns the in-flight recording or nil.
func (s *Session) Current() *Recording {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Devices lists the capture devices of the underlying source.
func (s *Session) Devices() ([]capture.Device, error) {
	return s.source.Devices()
}

func (s *Session) modelDir(language string) (string, string, error) {
	model := strings.TrimSpace(language)
	if s.opts.Resolve != nil {
		model = s.opts.Resolve(model)
	}
	if model == "" || model == "." || model == ".." || strings.ContainsAny(model, `/\`) {
		return "", "", fmt.Errorf("%w: invalid language %q", ErrModelNotFound, language)
	}
	dir := filepath.Join(s.opts.ModelRoot, model)
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return "", "", fmt.Errorf("%w: %s", ErrModelNotFound, dir)
	}
	return model, dir, nil
}

// LoadModel loads the recognizer for language and makes it active. It is
// only allowed from Idle or Ready; the previous recognizer is kept when
// loading fails.
func (s *Session) LoadModel(ctx context.Context, language string) error {
	ctx, span := s.tracer.Start(ctx, "session.load_model", trace.WithAttributes(attribute.String("language", language)))
	defer span.End()

	err := s.loadModel(ctx, language)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.log.Error("model load failed", slog.String("language", language), slog.String("error", err.Error()))
	}
	return err
}

func (s *Session) loadModel(ctx context.Context, language string) error {
	s.mu.Lock()
	prev := s.state
	if prev != StateIdle && prev != StateReady {
		s.mu.Unlock()
		return fmt.Errorf("load model %q while %s: %w", language, prev, ErrBusy)
	}
	model, dir, err := s.modelDir(language)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.state = StateLoading
	s.mu.Unlock()
	s.notifyState(prev, StateLoading)

	s.log.Info("loading model", slog.String("model", model), slog.String("path", dir))
	started := time.Now()
	rec, err := s.loader.Load(ctx, dir, s.opts.Format.SampleRate)
	if err != nil {
		s.setState(StateLoading, prev)
		return fmt.Errorf("load model %s: %w", model, err)
	}

	s.mu.Lock()
	old := s.recognizer
	s.recognizer = rec
	s.language = model
	s.state = StateReady
	s.mu.Unlock()
	s.notifyState(StateLoading, StateReady)

	if old != nil {
		if err := old.Close(); err != nil {
			s.log.Warn("failed to release previous recognizer", slog.String("error", err.Error()))
		}
	}
	s.log.Info("model loaded", slog.String("model", model), slog.Duration("elapsed", time.Since(started)))
	return nil
}

// Start opens the audio stream on deviceID (empty for the system default)
// and begins feeding the recognizer. ctx only scopes tracing; the
// recording runs until Stop or a fatal stream error.
func (s *Session) Start(ctx context.Context, deviceID string) (*Recording, error) {
	s.mu.Lock()
	// no recognizer yet, including while the first model is still loading
	if s.recognizer == nil {
		s.mu.Unlock()
		return nil, ErrModelNotLoaded
	}
	if s.state != StateReady {
		state := s.state
		s.mu.Unlock()
		return nil, fmt.Errorf("start while %s: %w", state, ErrBusy)
	}

	rec := &Recording{
		id:        uuid.NewString(),
		language:  s.language,
		device:    deviceID,
		startedAt: time.Now().UTC(),
		done:      make(chan struct{}),
	}
	rec.ctx, rec.cancel = context.WithCancelCause(context.Background())
	_, rec.span = s.tracer.Start(ctx, "session.recording", trace.WithAttributes(
		attribute.String("recording_id", rec.id),
		attribute.String("language", rec.language),
		attribute.String("device", deviceID),
	))

	s.queue.Clear()
	stream, err := s.source.Open(deviceID, s.opts.Format, s.producer(rec))
	if err != nil {
		s.mu.Unlock()
		rec.cancel(err)
		rec.span.RecordError(err)
		rec.span.End()
		return nil, asDeviceError("open", deviceID, err)
	}
	s.recording.Store(true)
	if err := stream.Start(); err != nil {
		s.recording.Store(false)
		_ = stream.Close()
		s.mu.Unlock()
		rec.cancel(err)
		rec.span.RecordError(err)
		rec.span.End()
		return nil, asDeviceError("start", deviceID, err)
	}
	rec.stream = stream
	s.current = rec
	s.state = StateRecording
	recognizer := s.recognizer
	s.mu.Unlock()

	s.notifyState(StateReady, StateRecording)
	s.log.Info("recording started",
		slog.String("recording_id", rec.id),
		slog.String("language", rec.language),
		slog.String("device", deviceID))

	go s.watch(rec)
	go s.consume(rec, recognizer)
	return rec, nil
}

// Stop ends the active recording and waits for the consumer loop to exit.
// Chunks still queued are abandoned. Stop is a no-op when not recording.
func (s *Session) Stop() {
	s.mu.Lock()
	rec := s.current
	if s.state != StateRecording || rec == nil {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.recording.Store(false)
	rec.cancel(errStopped)
	<-rec.done
}

// Close stops any recording and releases the recognizer.
func (s *Session) Close() error {
	s.Stop()
	s.mu.Lock()
	rec := s.current
	s.mu.Unlock()
	if rec != nil {
		<-rec.done
	}

	s.mu.Lock()
	old := s.recognizer
	prev := s.state
	s.recognizer = nil
	s.language = ""
	s.state = StateIdle
	s.mu.Unlock()
	if prev != StateIdle {
		s.notifyState(prev, StateIdle)
	}
	if old != nil {
		return old.Close()
	}
	return nil
}

func (s *Session) producer(rec *Recording) capture.Handler {
	ctx := context.Background()
	return func(data []byte, status error) {
		if status != nil {
			rec.warnings.Add(1)
			s.metrics.warnings.Add(ctx, 1)
			s.log.Warn("audio device status",
				slog.String("recording_id", rec.id),
				slog.String("error", status.Error()))
		}
		if !s.recording.Load() {
			return
		}
		seq := int(rec.seq.Add(1)) - 1
		s.queue.Push(capture.NewChunk(seq, data, time.Now()))
		s.metrics.chunks.Add(ctx, 1, dispositionPushed)
	}
}

func (s *Session) watch(rec *Recording) {
	select {
	case err, ok := <-rec.stream.Failed():
		if ok && err != nil {
			rec.cancel(asDeviceError("capture", rec.device, err))
		}
	case <-rec.done:
	}
}

func (s *Session) consume(rec *Recording, recognizer stt.Recognizer) {
	ctx := context.Background()
	var (
		fragments []string
		consumed  int
		late      int
		runErr    error
	)

	for {
		chunk, err := s.queue.Pop(rec.ctx)
		if err != nil {
			if !errors.Is(err, errStopped) {
				runErr = err
			}
			break
		}
		if rec.ctx.Err() != nil {
			// popped after stop was requested
			late++
			if cause := context.Cause(rec.ctx); !errors.Is(cause, errStopped) {
				runErr = cause
			}
			break
		}

		consumed++
		s.metrics.chunks.Add(ctx, 1, dispositionConsumed)
		started := time.Now()
		boundary, err := recognizer.AcceptWaveform(chunk.Data())
		s.metrics.latency.Record(ctx, float64(time.Since(started).Microseconds())/1000)
		if err != nil {
			runErr = fmt.Errorf("recognize chunk %d: %w", chunk.Seq, err)
			break
		}
		if !boundary {
			continue
		}
		text, err := recognizer.Result()
		if err != nil {
			runErr = fmt.Errorf("read result: %w", err)
			break
		}
		fragments = append(fragments, text)
		s.metrics.utterances.Add(ctx, 1)
		s.log.Debug("utterance recognized",
			slog.String("recording_id", rec.id),
			slog.Int("seq", len(fragments)-1),
			slog.String("text", text))
		u := Utterance{RecordingID: rec.id, Seq: len(fragments) - 1, Language: rec.language, Text: text, At: time.Now().UTC()}
		for _, l := range s.opts.Listeners {
			l.OnUtterance(u)
		}
	}

	s.finish(rec, fragments, consumed, late, runErr)
}

func (s *Session) finish(rec *Recording, fragments []string, consumed, late int, runErr error) {
	ctx := context.Background()
	s.recording.Store(false)
	if err := rec.stream.Close(); err != nil {
		s.log.Warn("failed to close audio stream", slog.String("error", err.Error()))
	}
	abandoned := s.queue.Clear() + late
	s.metrics.chunks.Add(ctx, int64(abandoned), dispositionAbandoned)
	rec.cancel(errStopped)

	rec.result = Result{
		RecordingID:    rec.id,
		Language:       rec.language,
		Device:         rec.device,
		Text:           strings.Join(fragments, " "),
		Fragments:      fragments,
		Pushed:         int(rec.seq.Load()),
		Consumed:       consumed,
		Abandoned:      abandoned,
		DeviceWarnings: int(rec.warnings.Load()),
		StartedAt:      rec.startedAt,
		StoppedAt:      time.Now().UTC(),
		Err:            runErr,
	}
	s.metrics.recordings.Add(ctx, 1, outcome(runErr))
	if runErr != nil {
		rec.span.RecordError(runErr)
		rec.span.SetStatus(codes.Error, runErr.Error())
		s.log.Error("recording failed", slog.String("recording_id", rec.id), slog.String("error", runErr.Error()))
	}
	rec.span.SetAttributes(
		attribute.Int("chunks.consumed", consumed),
		attribute.Int("chunks.abandoned", abandoned),
		attribute.Int("utterances", len(fragments)),
	)
	rec.span.End()

	s.setState(StateRecording, StateStopped)
	s.mu.Lock()
	s.current = nil
	s.state = StateReady
	s.mu.Unlock()
	s.notifyState(StateStopped, StateReady)

	s.log.Info("recording stopped",
		slog.String("recording_id", rec.id),
		slog.Int("consumed", consumed),
		slog.Int("abandoned", abandoned),
		slog.Int("utterances", len(fragments)))

	close(rec.done)
	for _, l := range s.opts.Listeners {
		l.OnRecordingFinished(rec.result)
	}
}

func (s *Session) setState(from, to State) {
	s.mu.Lock()
	s.state = to
	s.mu.Unlock()
	s.notifyState(from, to)
}

func (s *Session) notifyState(from, to State) {
	for _, l := range s.opts.Listeners {
		l.OnStateChange(from, to)
	}
}

func asDeviceError(op, device string, err error) error {
	var devErr *DeviceError
	if errors.As(err, &devErr) {
		return err
	}
	return &DeviceError{Op: op, Device: device, Err: err}
}

// ID returns the recording id.
func (r *Recording) ID() string { return r.id }

// Language returns the model id the recording runs with.
func (r *Recording) Language() string { return r.language }

// Device returns the capture device id, empty for the system default.
func (r *Recording) Device() string { return r.device }

// StartedAt returns when the stream was opened.
func (r *Recording) StartedAt() time.Time { return r.startedAt }

// Done is closed once the recording has fully stopped.
func (r *Recording) Done() <-chan struct{} { return r.done }

// Wait blocks until the recording finishes and returns its result. The
// returned error is Result.Err; ctx only bounds the wait.
func (r *Recording) Wait(ctx context.Context) (Result, error) {
	select {
	case <-r.done:
		return r.result, r.result.Err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}
