package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/bus"
	"github.com/loqalabs/loqa-dictate/internal/protocol"
	"github.com/nats-io/nats.go"
)

// controlService answers dictate.ctrl.* requests on the bus.
type controlService struct {
	d       *Dictation
	client  *bus.Client
	log     *slog.Logger
	timeout time.Duration
	subs    []*nats.Subscription
}

func newControlService(d *Dictation, client *bus.Client, timeout time.Duration, log *slog.Logger) *controlService {
	return &controlService{
		d:       d,
		client:  client,
		log:     log.With(slog.String("component", "control")),
		timeout: timeout,
	}
}

func (c *controlService) Start() error {
	handlers := map[string]func(context.Context, protocol.ControlRequest) protocol.ControlReply{
		protocol.SubjectControlLoad:  c.load,
		protocol.SubjectControlStart: c.start,
		protocol.SubjectControlStop:  c.stop,
		protocol.SubjectControlState: c.status,
	}
	for subject, handle := range handlers {
		handle := handle
		sub, err := c.client.Conn().Subscribe(subject, func(msg *nats.Msg) {
			c.serve(msg, handle)
		})
		if err != nil {
			c.Close()
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		c.subs = append(c.subs, sub)
	}
	if err := c.client.Conn().Flush(); err != nil {
		c.Close()
		return fmt.Errorf("flush control subscriptions: %w", err)
	}
	c.log.Info("control subjects ready", slog.Int("subjects", len(c.subs)))
	return nil
}

func (c *controlService) Close() {
	for _, sub := range c.subs {
		if err := sub.Unsubscribe(); err != nil {
			c.log.Warn("unsubscribe failed", slog.String("subject", sub.Subject), slog.String("error", err.Error()))
		}
	}
	c.subs = nil
}

func (c *controlService) serve(msg *nats.Msg, handle func(context.Context, protocol.ControlRequest) protocol.ControlReply) {
	var req protocol.ControlRequest
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			c.respond(msg, protocol.ControlReply{Error: "invalid request: " + err.Error()})
			return
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	c.respond(msg, handle(ctx, req))
}

func (c *controlService) respond(msg *nats.Msg, reply protocol.ControlReply) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(reply)
	if err != nil {
		c.log.Error("failed to encode control reply", slog.String("error", err.Error()))
		return
	}
	if err := msg.Respond(data); err != nil {
		c.log.Warn("failed to send control reply", slog.String("subject", msg.Subject), slog.String("error", err.Error()))
	}
}

func (c *controlService) load(ctx context.Context, req protocol.ControlRequest) protocol.ControlReply {
	return c.reply(c.d.LoadModel(ctx, req.Language))
}

func (c *controlService) start(ctx context.Context, req protocol.ControlRequest) protocol.ControlReply {
	rec, err := c.d.Start(ctx, req.Device)
	out := c.reply(err)
	if rec != nil {
		out.RecordingID = rec.ID()
	}
	return out
}

func (c *controlService) stop(ctx context.Context, _ protocol.ControlRequest) protocol.ControlReply {
	sum, err := c.d.Stop(ctx)
	out := c.reply(err)
	out.RecordingID = sum.RecordingID
	out.Text = sum.Text
	return out
}

func (c *controlService) status(context.Context, protocol.ControlRequest) protocol.ControlReply {
	return c.reply(nil)
}

func (c *controlService) reply(err error) protocol.ControlReply {
	st := c.d.Status()
	out := protocol.ControlReply{OK: err == nil, State: st.State, Language: st.Language, RecordingID: st.RecordingID}
	if err != nil {
		out.Error = err.Error()
	}
	return out
}
