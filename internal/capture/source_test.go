package capture

import (
	"errors"
	"strings"
	"testing"
)

func TestStatusLatchReportsOnce(t *testing.T) {
	l := &statusLatch{device: "mic"}
	if err := l.take(); err != nil {
		t.Fatalf("expected no status, got %v", err)
	}

	l.raise("WARNING: capture overrun")
	l.raise("xrun detected")
	err := l.take()
	if !errors.Is(err, ErrBackendWarning) {
		t.Fatalf("expected backend warning, got %v", err)
	}
	var devErr *DeviceError
	if !errors.As(err, &devErr) || devErr.Device != "mic" || devErr.Op != "status" {
		t.Fatalf("unexpected status error %#v", err)
	}
	if !strings.Contains(err.Error(), "capture overrun; xrun detected") {
		t.Fatalf("expected both messages, got %q", err.Error())
	}
	if err := l.take(); err != nil {
		t.Fatalf("status must clear after take, got %v", err)
	}
}

func TestIsBackendWarning(t *testing.T) {
	cases := map[string]bool{
		"WARNING: Failed to open device":   true,
		"ALSA: buffer overrun":             true,
		"Attempting to initialize backend": false,
		"System default capture device: X": false,
	}
	for msg, want := range cases {
		if got := isBackendWarning(msg); got != want {
			t.Errorf("isBackendWarning(%q) = %v, want %v", msg, got, want)
		}
	}
}
