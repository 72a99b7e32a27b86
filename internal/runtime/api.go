package runtime

import (
	_ "embed"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/loqalabs/loqa-dictate/internal/presence"
	"github.com/loqalabs/loqa-dictate/internal/protocol"
	"github.com/loqalabs/loqa-dictate/internal/session"
	"github.com/loqalabs/loqa-dictate/internal/sink"
)

//go:embed index.html
var indexHTML []byte

type api struct {
	d       *Dictation
	hub     *Hub
	log     *slog.Logger
	ready   func() bool
	metrics http.Handler
	nodes   func() []presence.Node
}

func (a *api) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", a.handleIndex)
	mux.HandleFunc("POST /submit", a.handleSubmit)
	mux.HandleFunc("GET /api/languages", a.handleLanguages)
	mux.HandleFunc("GET /api/devices", a.handleDevices)
	mux.HandleFunc("GET /api/status", a.handleStatus)
	mux.HandleFunc("GET /api/history", a.handleHistory)
	mux.HandleFunc("GET /api/nodes", a.handleNodes)
	mux.HandleFunc("POST /api/model", a.handleLoadModel)
	mux.HandleFunc("POST /api/recording/start", a.handleStart)
	mux.HandleFunc("POST /api/recording/stop", a.handleStop)
	mux.HandleFunc("POST /api/recording/toggle", a.handleToggle)
	if a.hub != nil {
		mux.Handle("GET /ws", a.hub)
	}
	mux.HandleFunc("/healthz", a.handleHealth)
	mux.HandleFunc("/readyz", a.handleReady)
	if a.metrics != nil {
		mux.Handle("/metrics", a.metrics)
	}
	return mux
}

func (a *api) handleIndex(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(indexHTML)
}

func (a *api) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req protocol.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, protocol.SubmitResponse{Status: "error", Message: "invalid JSON body"})
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		a.log.Debug("empty text received")
		writeJSON(w, http.StatusOK, protocol.SubmitResponse{Status: "success", Message: "text received"})
		return
	}
	a.log.Info("text received", slog.Int("length", len(req.Text)))
	if err := a.d.Submitted(r.Context(), req.Text); err != nil {
		a.log.Warn("failed to journal submission", slog.String("error", err.Error()))
	}
	writeJSON(w, http.StatusOK, protocol.SubmitResponse{Status: "success", Message: "text received"})
}

func (a *api) handleLanguages(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"default":   a.d.cfg.STT.DefaultLanguage,
		"languages": a.d.Languages(),
	})
}

func (a *api) handleDevices(w http.ResponseWriter, _ *http.Request) {
	devices, err := a.d.Devices()
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": devices})
}

func (a *api) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.d.Status())
}

func (a *api) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, protocol.ControlReply{Error: "limit must be a positive integer"})
			return
		}
		limit = n
	}
	recs, err := a.d.History(r.Context(), limit)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"recordings": recs})
}

func (a *api) handleNodes(w http.ResponseWriter, _ *http.Request) {
	nodes := []presence.Node{}
	if a.nodes != nil {
		nodes = append(nodes, a.nodes()...)
	}
	writeJSON(w, http.StatusOK, map[string]any{"nodes": nodes})
}

func (a *api) handleLoadModel(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeControl(w, r)
	if !ok {
		return
	}
	if err := a.d.LoadModel(r.Context(), req.Language); err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a.reply())
}

func (a *api) handleStart(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeControl(w, r)
	if !ok {
		return
	}
	rec, err := a.d.Start(r.Context(), req.Device)
	if err != nil {
		a.writeError(w, err)
		return
	}
	reply := a.reply()
	reply.RecordingID = rec.ID()
	writeJSON(w, http.StatusOK, reply)
}

func (a *api) handleStop(w http.ResponseWriter, r *http.Request) {
	sum, err := a.d.Stop(r.Context())
	reply := a.reply()
	reply.RecordingID = sum.RecordingID
	reply.Text = sum.Text
	if err != nil {
		reply.OK = false
		reply.Error = err.Error()
		writeJSON(w, statusFor(err), reply)
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

func (a *api) handleToggle(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeControl(w, r)
	if !ok {
		return
	}
	res, err := a.d.Toggle(r.Context(), req.Language, req.Device)
	reply := a.reply()
	reply.RecordingID = res.RecordingID
	if res.Summary != nil {
		reply.Text = res.Summary.Text
	}
	if err != nil {
		reply.OK = false
		reply.Error = err.Error()
		writeJSON(w, statusFor(err), reply)
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

func (a *api) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (a *api) handleReady(w http.ResponseWriter, _ *http.Request) {
	if a.ready == nil || a.ready() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (a *api) reply() protocol.ControlReply {
	st := a.d.Status()
	return protocol.ControlReply{OK: true, State: st.State, Language: st.Language, RecordingID: st.RecordingID}
}

func (a *api) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		a.log.Error("request failed", slog.String("error", err.Error()))
	}
	reply := a.reply()
	reply.OK = false
	reply.Error = err.Error()
	writeJSON(w, status, reply)
}

func decodeControl(w http.ResponseWriter, r *http.Request) (protocol.ControlRequest, bool) {
	var req protocol.ControlRequest
	if r.ContentLength == 0 {
		return req, true
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, protocol.ControlReply{Error: "invalid JSON body"})
		return req, false
	}
	return req, true
}

// statusFor maps session and sink errors to HTTP status codes.
func statusFor(err error) int {
	var sinkErr *sink.SinkError
	switch {
	case errors.Is(err, session.ErrModelNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrModelNotLoaded), errors.Is(err, session.ErrBusy):
		return http.StatusConflict
	case isDeviceError(err), errors.As(err, &sinkErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
