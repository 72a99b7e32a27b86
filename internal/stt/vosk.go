//go:build vosk

package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	vosk "github.com/alphacep/vosk-api/go"
)

type voskLoader struct {
	log *slog.Logger
}

func newVoskLoader(log *slog.Logger) (Loader, error) {
	vosk.SetLogLevel(-1)
	return &voskLoader{log: log.With(slog.String("component", "stt-vosk"))}, nil
}

func (l *voskLoader) Load(_ context.Context, modelDir string, sampleRate int) (Recognizer, error) {
	model, err := vosk.NewModel(modelDir)
	if err != nil {
		return nil, fmt.Errorf("load vosk model: %w", err)
	}
	rec, err := vosk.NewRecognizer(model, float64(sampleRate))
	if err != nil {
		model.Free()
		return nil, fmt.Errorf("create vosk recognizer: %w", err)
	}
	l.log.Info("vosk model loaded", slog.String("model", modelDir))
	return &voskRecognizer{model: model, rec: rec}, nil
}

type voskRecognizer struct {
	model *vosk.VoskModel
	rec   *vosk.VoskRecognizer
}

type voskResult struct {
	Text string `json:"text"`
}

func (r *voskRecognizer) AcceptWaveform(pcm []byte) (bool, error) {
	switch r.rec.AcceptWaveform(pcm) {
	case 1:
		return true, nil
	case 0:
		return false, nil
	default:
		return false, fmt.Errorf("vosk rejected waveform")
	}
}

func (r *voskRecognizer) Result() (string, error) {
	var res voskResult
	if err := json.Unmarshal([]byte(r.rec.Result()), &res); err != nil {
		return "", fmt.Errorf("decode vosk result: %w", err)
	}
	return res.Text, nil
}

func (r *voskRecognizer) Close() error {
	r.rec.Free()
	r.model.Free()
	return nil
}
