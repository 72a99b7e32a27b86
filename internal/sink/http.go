package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/protocol"
)

// HTTPSink POSTs {"text": ...} to a fixed endpoint.
type HTTPSink struct {
	endpoint string
	client   *http.Client
	log      *slog.Logger
}

func NewHTTP(endpoint string, timeout time.Duration, log *slog.Logger) *HTTPSink {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPSink{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
		log:      log.With(slog.String("component", "sink-http")),
	}
}

func (h *HTTPSink) Submit(ctx context.Context, text string) error {
	body, err := json.Marshal(protocol.SubmitRequest{Text: text})
	if err != nil {
		return &SinkError{Target: h.endpoint, Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(body))
	if err != nil {
		return &SinkError{Target: h.endpoint, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return &SinkError{Target: h.endpoint, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &SinkError{Target: h.endpoint, Status: resp.StatusCode, Err: fmt.Errorf("unexpected response %q", bytes.TrimSpace(msg))}
	}

	var ack protocol.SubmitResponse
	if err := json.NewDecoder(resp.Body).Decode(&ack); err == nil && ack.Status != "" && ack.Status != "success" {
		return &SinkError{Target: h.endpoint, Status: resp.StatusCode, Err: fmt.Errorf("endpoint reported %s: %s", ack.Status, ack.Message)}
	}
	h.log.Info("text submitted", slog.Int("length", len(text)))
	return nil
}
