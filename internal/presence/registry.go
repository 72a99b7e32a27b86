// Package presence announces this dictation daemon on the bus and tracks
// the other daemons it hears from.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/bus"
	"github.com/loqalabs/loqa-dictate/internal/config"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const (
	SubjectAnnounce  = "dictate.node.announce"
	SubjectHeartbeat = "dictate.node.heartbeat"
)

// Node is what the registry knows about one daemon.
type Node struct {
	ID        string    `json:"id"`
	Languages []string  `json:"languages,omitempty"`
	State     string    `json:"state,omitempty"`
	LastSeen  time.Time `json:"last_seen"`
	Healthy   bool      `json:"healthy"`
}

type announceMessage struct {
	NodeID    string    `json:"node_id"`
	Languages []string  `json:"languages"`
	State     string    `json:"state"`
	Timestamp time.Time `json:"timestamp"`
}

// StateFunc reports the local session state for heartbeats.
type StateFunc func() string

type Registry struct {
	cfg       config.BusConfig
	languages []string
	state     StateFunc
	log       *slog.Logger
	bus       *bus.Client
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	subs      []*nats.Subscription

	mu    sync.RWMutex
	nodes map[string]*Node
}

func NewRegistry(ctx context.Context, cfg config.BusConfig, languages []string, state StateFunc, busClient *bus.Client, log *slog.Logger) (*Registry, error) {
	ctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		cfg:       cfg,
		languages: languages,
		state:     state,
		log:       log.With(slog.String("component", "presence")),
		bus:       busClient,
		nodes:     make(map[string]*Node),
		cancel:    cancel,
	}

	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}

	if err := r.subscribe(); err != nil {
		r.Close()
		return nil, err
	}

	r.wg.Add(2)
	go r.runHeartbeat(ctx)
	go r.monitorHealth(ctx)

	if err := r.announce(SubjectAnnounce); err != nil {
		r.log.Warn("failed to announce node", slog.String("error", err.Error()))
	}
	return r, nil
}

func (r *Registry) Close() {
	r.cancel()
	r.wg.Wait()
	for _, sub := range r.subs {
		_ = sub.Unsubscribe()
	}
	r.subs = nil
}

func (r *Registry) subscribe() error {
	conn := r.bus.Conn()
	for _, subject := range []string{SubjectAnnounce, SubjectHeartbeat + ".*"} {
		sub, err := conn.Subscribe(subject, r.handle)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		r.subs = append(r.subs, sub)
	}
	return conn.Flush()
}

func (r *Registry) runHeartbeat(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(time.Duration(r.cfg.HeartbeatMS) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.announce(SubjectHeartbeat + "." + r.cfg.NodeID); err != nil {
				r.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
			}
		}
	}
}

func (r *Registry) monitorHealth(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.evaluateHealth(time.Now())
		}
	}
}

func (r *Registry) announce(subject string) error {
	msg := announceMessage{
		NodeID:    r.cfg.NodeID,
		Languages: r.languages,
		Timestamp: time.Now().UTC(),
	}
	if r.state != nil {
		msg.State = r.state()
	}
	if err := r.bus.PublishJSON(subject, msg); err != nil {
		return err
	}
	r.update(msg)
	return nil
}

func (r *Registry) handle(msg *nats.Msg) {
	var m announceMessage
	if err := json.Unmarshal(msg.Data, &m); err != nil {
		r.log.Warn("invalid presence message", slog.String("subject", msg.Subject), slog.String("error", err.Error()))
		return
	}
	if m.NodeID == "" {
		return
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}
	r.update(m)
}

func (r *Registry) update(m announceMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[m.NodeID]
	if !ok {
		node = &Node{ID: m.NodeID}
		r.nodes[m.NodeID] = node
		if m.NodeID != r.cfg.NodeID {
			r.log.Info("dictation node discovered", slog.String("node_id", m.NodeID))
		}
	}
	if len(m.Languages) > 0 {
		node.Languages = m.Languages
	}
	if m.State != "" {
		node.State = m.State
	}
	if m.Timestamp.After(node.LastSeen) {
		node.LastSeen = m.Timestamp
	}
	node.Healthy = true
}

func (r *Registry) evaluateHealth(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	timeout := time.Duration(r.cfg.HeartbeatTimeout) * time.Millisecond
	for _, node := range r.nodes {
		if now.Sub(node.LastSeen) > timeout {
			node.Healthy = false
		}
	}
}

// Healthy reports whether this node's own heartbeats are arriving.
func (r *Registry) Healthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	node, ok := r.nodes[r.cfg.NodeID]
	return ok && node.Healthy
}

// Nodes returns every known node sorted by id.
func (r *Registry) Nodes() []Node {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Node, 0, len(r.nodes))
	for _, node := range r.nodes {
		out = append(out, *node)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-dictate/presence")
	_, err := meter.Int64ObservableGauge(
		"dictate.presence.nodes_healthy",
		metric.WithDescription("Dictation nodes with a recent heartbeat"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			var healthy int64
			for _, n := range r.Nodes() {
				if n.Healthy {
					healthy++
				}
			}
			o.Observe(healthy)
			return nil
		}),
	)
	return err
}
