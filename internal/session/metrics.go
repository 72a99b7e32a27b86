package session

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const instrumentationName = "github.com/loqalabs/loqa-dictate/session"

type metrics struct {
	chunks     metric.Int64Counter
	warnings   metric.Int64Counter
	utterances metric.Int64Counter
	recordings metric.Int64Counter
	latency    metric.Float64Histogram
}

var (
	dispositionPushed    = metric.WithAttributes(attribute.String("disposition", "pushed"))
	dispositionConsumed  = metric.WithAttributes(attribute.String("disposition", "consumed"))
	dispositionAbandoned = metric.WithAttributes(attribute.String("disposition", "abandoned"))
)

func newMetrics(log *slog.Logger, queueDepth func() int64) *metrics {
	m, err := initMetrics(otel.Meter(instrumentationName), queueDepth)
	if err != nil {
		log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
		m, _ = initMetrics(noop.NewMeterProvider().Meter(instrumentationName), queueDepth)
	}
	return m
}

func initMetrics(meter metric.Meter, queueDepth func() int64) (*metrics, error) {
	var (
		m   metrics
		err error
	)
	if m.chunks, err = meter.Int64Counter("dictate.capture.chunks",
		metric.WithDescription("Audio chunks by disposition")); err != nil {
		return nil, err
	}
	if m.warnings, err = meter.Int64Counter("dictate.capture.device_warnings",
		metric.WithDescription("Audio backend status warnings")); err != nil {
		return nil, err
	}
	if m.utterances, err = meter.Int64Counter("dictate.stt.utterances",
		metric.WithDescription("Recognized utterance fragments")); err != nil {
		return nil, err
	}
	if m.recordings, err = meter.Int64Counter("dictate.session.recordings",
		metric.WithDescription("Finished recordings by outcome")); err != nil {
		return nil, err
	}
	if m.latency, err = meter.Float64Histogram("dictate.stt.accept_latency_ms",
		metric.WithDescription("Recognizer time per chunk"), metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	depth, err := meter.Int64ObservableGauge("dictate.capture.queue_depth",
		metric.WithDescription("Chunks waiting for the recognizer"))
	if err != nil {
		return nil, err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		obs.ObserveInt64(depth, queueDepth())
		return nil
	}, depth)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func outcome(err error) metric.AddOption {
	value := "ok"
	if err != nil {
		value = "error"
	}
	return metric.WithAttributes(attribute.String("outcome", value))
}
