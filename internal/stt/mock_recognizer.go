package stt

import (
	"context"
	"fmt"
)

type mockRecognizer struct {
	every      int
	chunks     int
	bytes      int
	utterances int
}

// NewMockLoader returns recognizers that close an utterance every n chunks.
func NewMockLoader(every int) Loader {
	if every <= 0 {
		every = 4
	}
	return LoaderFunc(func(_ context.Context, _ string, _ int) (Recognizer, error) {
		return &mockRecognizer{every: every}, nil
	})
}

func (m *mockRecognizer) AcceptWaveform(pcm []byte) (bool, error) {
	m.chunks++
	m.bytes += len(pcm)
	return m.chunks%m.every == 0, nil
}

func (m *mockRecognizer) Result() (string, error) {
	m.utterances++
	text := fmt.Sprintf("[utterance %d length=%d]", m.utterances, m.bytes)
	m.bytes = 0
	return text, nil
}

func (m *mockRecognizer) Close() error { return nil }
