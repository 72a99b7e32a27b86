package sink

import (
	"context"
	"encoding/json"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/bus"
	"github.com/loqalabs/loqa-dictate/internal/protocol"
)

// BusSink publishes the text as a final transcript on a NATS subject.
type BusSink struct {
	client  *bus.Client
	subject string
}

func NewBus(client *bus.Client, subject string) *BusSink {
	return &BusSink{client: client, subject: subject}
}

// Subject returns the subject transcripts are published on.
func (b *BusSink) Subject() string { return b.subject }

func (b *BusSink) Submit(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return &SinkError{Target: b.subject, Err: err}
	}
	data, err := json.Marshal(protocol.Transcript{
		RecordingID: recordingID(ctx),
		Text:        text,
		Timestamp:   time.Now().UTC(),
	})
	if err != nil {
		return &SinkError{Target: b.subject, Err: err}
	}
	if err := b.client.Conn().Publish(b.subject, data); err != nil {
		return &SinkError{Target: b.subject, Err: err}
	}
	if err := b.client.Conn().FlushWithContext(ctx); err != nil {
		return &SinkError{Target: b.subject, Err: err}
	}
	return nil
}

type recordingKey struct{}

// WithRecordingID tags a submission with the recording it came from.
func WithRecordingID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, recordingKey{}, id)
}

func recordingID(ctx context.Context) string {
	id, _ := ctx.Value(recordingKey{}).(string)
	return id
}
