package capture

import (
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func writeWAV(t *testing.T, sampleRate, channels, frames int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "input.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create wav: %v", err)
	}
	defer f.Close()
	data := make([]int, frames*channels)
	for i := range data {
		data[i] = i % 1000
	}
	enc := wav.NewEncoder(f, sampleRate, 16, channels, 1)
	buf := &audio.IntBuffer{Data: data, Format: &audio.Format{NumChannels: channels, SampleRate: sampleRate}}
	if err := enc.Write(buf); err != nil {
		t.Fatalf("encode wav: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("close encoder: %v", err)
	}
	return path
}

func TestWAVSourceDeliversBlocks(t *testing.T) {
	path := writeWAV(t, 16000, 1, 20000)
	src := NewWAVSource(path, false, newLogger())
	format := DefaultFormat()

	var mu sync.Mutex
	var blocks [][]byte
	stream, err := src.Open("", format, func(data []byte, status error) {
		mu.Lock()
		blocks = append(blocks, append([]byte(nil), data...))
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := stream.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(blocks)
		mu.Unlock()
		if n >= 3 || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err := stream.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(blocks) != 3 {
		t.Fatalf("expected 3 blocks for 20000 frames, got %d", len(blocks))
	}
	for i, b := range blocks {
		if len(b) != format.BlockBytes() {
			t.Fatalf("block %d has %d bytes", i, len(b))
		}
	}
	if got := int16(binary.LittleEndian.Uint16(blocks[0][2:])); got != 1 {
		t.Fatalf("expected second sample 1, got %d", got)
	}
	last := blocks[2]
	if binary.LittleEndian.Uint16(last[len(last)-2:]) != 0 {
		t.Fatal("expected final block padded with silence")
	}
}

func TestWAVSourceRejectsFormat(t *testing.T) {
	path := writeWAV(t, 44100, 2, 100)
	src := NewWAVSource(path, false, newLogger())
	_, err := src.Open("", DefaultFormat(), func([]byte, error) {})
	if !errors.Is(err, ErrFormatMismatch) {
		t.Fatalf("expected format mismatch, got %v", err)
	}
	var devErr *DeviceError
	if !errors.As(err, &devErr) || devErr.Op != "open" {
		t.Fatalf("expected DeviceError, got %T", err)
	}
}

func TestWAVSourceUnknownDevice(t *testing.T) {
	path := writeWAV(t, 16000, 1, 100)
	src := NewWAVSource(path, false, newLogger())
	_, err := src.Open("other.wav", DefaultFormat(), func([]byte, error) {})
	if !errors.Is(err, ErrDeviceNotFound) {
		t.Fatalf("expected device not found, got %v", err)
	}
	devices, _ := src.Devices()
	if len(devices) != 1 || devices[0].Name != "input.wav" {
		t.Fatalf("unexpected devices %+v", devices)
	}
}
