package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/bus"
	"github.com/loqalabs/loqa-dictate/internal/capture"
	"github.com/loqalabs/loqa-dictate/internal/config"
	"github.com/loqalabs/loqa-dictate/internal/journal"
	"github.com/loqalabs/loqa-dictate/internal/natsserver"
	"github.com/loqalabs/loqa-dictate/internal/presence"
	"github.com/loqalabs/loqa-dictate/internal/sink"
	"github.com/loqalabs/loqa-dictate/internal/stt"
)

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	tracerClose func(context.Context) error
	ready       atomic.Bool
	wg          sync.WaitGroup

	embedded  *natsserver.EmbeddedServer
	busClient *bus.Client
	journal   *journal.Store
	source    capture.Source
	hub       *Hub
	dictation *Dictation
	control   *controlService
	presence  *presence.Registry
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	if err := r.setup(ctx); err != nil {
		r.teardown(context.Background())
		return err
	}

	handler := (&api{
		d:       r.dictation,
		hub:     r.hub,
		log:     r.logger.With(slog.String("component", "http")),
		ready:   r.ready.Load,
		metrics: metricsHandler,
		nodes:   r.nodes,
	}).routes()

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		r.teardown(context.Background())
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	r.httpServer = &http.Server{
		Addr:              ln.Addr().String(),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	if r.cfg.STT.Preload {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.preload(ctx)
		}()
	}

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", r.httpServer.Addr))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	if err := r.dictation.Close(); err != nil {
		r.logger.Error("session close error", slog.String("error", err.Error()))
	}
	r.hub.Close()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()
	r.teardown(shutdownCtx)

	return nil
}

// setup builds every component the HTTP API depends on.
func (r *Runtime) setup(ctx context.Context) error {
	embedded, err := natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("start embedded nats: %w", err)
	}
	r.embedded = embedded

	if r.cfg.Bus.Enabled {
		var servers []string
		if url := embedded.ClientURL(); url != "" {
			servers = []string{url}
		}
		client, err := bus.Connect(ctx, r.cfg.Bus, r.logger.With(slog.String("component", "bus")), servers...)
		if err != nil {
			return err
		}
		r.busClient = client
		maxAge := time.Duration(r.cfg.Journal.RetentionDays) * 24 * time.Hour
		if err := client.EnsureTranscriptStream(maxAge); err != nil {
			r.logger.Warn("transcript stream unavailable", slog.String("error", err.Error()))
		}
	}

	store, err := journal.Open(ctx, r.cfg.Journal, r.logger)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	r.journal = store

	loader, err := stt.NewLoader(r.cfg.STT, r.logger)
	if err != nil {
		return fmt.Errorf("init recognizer backend: %w", err)
	}
	source, err := newSource(r.cfg.Capture, r.logger)
	if err != nil {
		return fmt.Errorf("init capture backend: %w", err)
	}
	r.source = source

	textSink, err := sink.New(r.cfg.Sink, r.busClient, r.logger)
	if err != nil {
		return fmt.Errorf("init text sink: %w", err)
	}

	r.hub = NewHub(r.logger)
	r.dictation = NewDictation(r.cfg, DictationDeps{
		Loader:  loader,
		Source:  source,
		Sink:    textSink,
		Journal: store,
		Bus:     r.busClient,
		Hub:     r.hub,
	}, r.logger)

	if r.busClient != nil {
		r.control = newControlService(r.dictation, r.busClient, time.Duration(r.cfg.STT.TimeoutMS)*time.Millisecond, r.logger)
		if err := r.control.Start(); err != nil {
			return err
		}

		names := make([]string, 0, len(r.cfg.STT.Languages))
		for _, l := range r.cfg.STT.Languages {
			names = append(names, l.Name)
		}
		state := func() string { return r.dictation.Session().State().String() }
		reg, err := presence.NewRegistry(ctx, r.cfg.Bus, names, state, r.busClient, r.logger)
		if err != nil {
			return fmt.Errorf("start presence: %w", err)
		}
		r.presence = reg
	}
	return nil
}

func (r *Runtime) nodes() []presence.Node {
	if r.presence == nil {
		return nil
	}
	return r.presence.Nodes()
}

func (r *Runtime) preload(ctx context.Context) {
	language := r.cfg.STT.DefaultLanguage
	if err := r.dictation.LoadModel(ctx, language); err != nil {
		r.logger.Warn("model preload failed", slog.String("language", language), slog.String("error", err.Error()))
		return
	}
	r.logger.Info("model preloaded", slog.String("language", language))
}

// teardown releases whatever setup managed to create, in reverse order.
func (r *Runtime) teardown(ctx context.Context) {
	if r.presence != nil {
		r.presence.Close()
	}
	if r.control != nil {
		r.control.Close()
	}
	if r.source != nil {
		if err := r.source.Close(); err != nil {
			r.logger.Error("capture close error", slog.String("error", err.Error()))
		}
	}
	if r.journal != nil {
		if err := r.journal.Close(); err != nil {
			r.logger.Error("journal close error", slog.String("error", err.Error()))
		}
	}
	r.busClient.Close()
	r.embedded.Shutdown()

	if r.tracerClose != nil {
		if err := r.tracerClose(ctx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}

func newSource(cfg config.CaptureConfig, log *slog.Logger) (capture.Source, error) {
	switch cfg.Backend {
	case "wav":
		return capture.NewWAVSource(cfg.WAVPath, cfg.Realtime, log), nil
	case "malgo":
		return capture.NewMalgoSource(log)
	default:
		return nil, fmt.Errorf("unsupported capture backend %q", cfg.Backend)
	}
}
