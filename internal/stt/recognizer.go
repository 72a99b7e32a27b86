package stt

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/loqalabs/loqa-dictate/internal/config"
)

// Recognizer abstracts a streaming STT engine. Callers feed fixed-size
// 16-bit mono PCM chunks; AcceptWaveform reports true when the chunk closed
// an utterance, after which Result returns that utterance's text.
type Recognizer interface {
	AcceptWaveform(pcm []byte) (bool, error)
	Result() (string, error)
	Close() error
}

// Loader builds a Recognizer from a model directory.
type Loader interface {
	Load(ctx context.Context, modelDir string, sampleRate int) (Recognizer, error)
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc func(ctx context.Context, modelDir string, sampleRate int) (Recognizer, error)

func (f LoaderFunc) Load(ctx context.Context, modelDir string, sampleRate int) (Recognizer, error) {
	return f(ctx, modelDir, sampleRate)
}

// NewLoader selects a backend by cfg.Mode.
func NewLoader(cfg config.STTConfig, log *slog.Logger) (Loader, error) {
	switch cfg.Mode {
	case "mock":
		return NewMockLoader(cfg.MockEvery), nil
	case "exec":
		return NewExecLoader(cfg, log)
	case "vosk":
		return newVoskLoader(log)
	default:
		return nil, fmt.Errorf("unsupported stt mode %q", cfg.Mode)
	}
}
