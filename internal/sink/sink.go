// Package sink delivers recognized text to its destination.
package sink

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/bus"
	"github.com/loqalabs/loqa-dictate/internal/config"
)

// Sink accepts recognized text. Failures are reported as *SinkError and
// never retried.
type Sink interface {
	Submit(ctx context.Context, text string) error
}

// SinkError reports a failed delivery. Status is the HTTP status code when
// the destination answered.
type SinkError struct {
	Target string
	Status int
	Err    error
}

func (e *SinkError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("submit text to %s: status %d: %v", e.Target, e.Status, e.Err)
	}
	return fmt.Sprintf("submit text to %s: %v", e.Target, e.Err)
}

func (e *SinkError) Unwrap() error { return e.Err }

type discard struct{}

// Discard drops every submission.
func Discard() Sink { return discard{} }

func (discard) Submit(context.Context, string) error { return nil }

// New builds the sink selected by cfg.Mode. busClient may be nil unless
// mode is "bus".
func New(cfg config.SinkConfig, busClient *bus.Client, log *slog.Logger) (Sink, error) {
	timeout := time.Duration(cfg.TimeoutMS) * time.Millisecond
	switch cfg.Mode {
	case "none":
		return Discard(), nil
	case "http":
		return NewHTTP(cfg.Endpoint, timeout, log), nil
	case "bus":
		if busClient == nil {
			return nil, fmt.Errorf("bus sink requires a bus connection")
		}
		return NewBus(busClient, cfg.Subject), nil
	default:
		return nil, fmt.Errorf("unsupported sink mode %q", cfg.Mode)
	}
}
