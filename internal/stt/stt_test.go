package stt

import (
	"context"
	"encoding/binary"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func pcmLevel(frames int, amplitude int16) []byte {
	buf := make([]byte, frames*2)
	for i := 0; i < frames; i++ {
		v := amplitude
		if i%2 == 1 {
			v = -amplitude
		}
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(v))
	}
	return buf
}

func TestRMS(t *testing.T) {
	if got := RMS(pcmLevel(100, 1000)); got < 999 || got > 1001 {
		t.Fatalf("expected rms ~1000, got %v", got)
	}
	if RMS(nil) != 0 {
		t.Fatal("expected zero rms for empty buffer")
	}
}

func TestEndpointerBoundaryAfterSilence(t *testing.T) {
	ep := NewEndpointer(500, 500*time.Millisecond, 0, 16000)
	loud := pcmLevel(8000, 3000)
	quiet := pcmLevel(8000, 10)

	if ep.Feed(quiet) || ep.InSpeech() {
		t.Fatal("leading silence must not open an utterance")
	}
	if ep.Feed(loud) {
		t.Fatal("speech chunk must not close the utterance")
	}
	if !ep.InSpeech() {
		t.Fatal("expected utterance open")
	}
	if !ep.Feed(quiet) {
		t.Fatal("expected boundary after 500ms of silence")
	}
	if ep.InSpeech() {
		t.Fatal("expected endpointer reset after boundary")
	}
}

func TestEndpointerMaxLength(t *testing.T) {
	ep := NewEndpointer(500, time.Second, time.Second, 16000)
	loud := pcmLevel(8000, 3000)
	if ep.Feed(loud) {
		t.Fatal("unexpected early boundary")
	}
	if !ep.Feed(loud) {
		t.Fatal("expected forced boundary at max length")
	}
}

func TestMockRecognizer(t *testing.T) {
	rec, err := NewMockLoader(2).Load(context.Background(), "model/x", 16000)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	defer rec.Close()
	chunk := make([]byte, 16000)
	if ok, _ := rec.AcceptWaveform(chunk); ok {
		t.Fatal("first chunk should not close an utterance")
	}
	ok, err := rec.AcceptWaveform(chunk)
	if err != nil || !ok {
		t.Fatalf("expected boundary on second chunk (%v)", err)
	}
	text, _ := rec.Result()
	if text != "[utterance 1 length=32000]" {
		t.Fatalf("unexpected mock text %q", text)
	}
}

func TestExecRecognizerRunsCommand(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "fake-stt.sh")
	body := "#!/bin/sh\necho \"$@\" > " + filepath.Join(dir, "args.txt") + "\necho '{\"text\": \" hello there \", \"confidence\": 0.8}'\n"
	if err := os.WriteFile(script, []byte(body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}

	cfg := config.Default().STT
	cfg.Mode = "exec"
	cfg.Command = script + " --beam 2"
	loader, err := NewLoader(cfg, newLogger())
	if err != nil {
		t.Fatalf("new loader: %v", err)
	}
	modelDir := filepath.Join(dir, "vosk-model-en")
	rec, err := loader.Load(context.Background(), modelDir, 16000)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	defer rec.Close()

	if ok, err := rec.AcceptWaveform(pcmLevel(8000, 4000)); ok || err != nil {
		t.Fatalf("speech chunk should not finish utterance (%v)", err)
	}
	ok, err := rec.AcceptWaveform(pcmLevel(8000, 0))
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if !ok {
		t.Fatal("expected utterance boundary after silence")
	}
	text, _ := rec.Result()
	if text != "hello there" {
		t.Fatalf("unexpected text %q", text)
	}

	args, err := os.ReadFile(filepath.Join(dir, "args.txt"))
	if err != nil {
		t.Fatalf("read args: %v", err)
	}
	got := string(args)
	for _, want := range []string{"--beam 2", "--audio ", "--model " + modelDir, "--language vosk-model-en"} {
		if !strings.Contains(got, want) {
			t.Fatalf("expected %q in args %q", want, got)
		}
	}
}

func TestNewLoaderRejectsUnknownMode(t *testing.T) {
	cfg := config.Default().STT
	cfg.Mode = "whisper"
	if _, err := NewLoader(cfg, newLogger()); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}
