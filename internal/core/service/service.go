package service

import (
	"context"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/rl1809/medistock/internal/core/domain"
	"github.com/rl1809/medistock/internal/port"
	"github.com/rl1809/medistock/pkg/metrics"
)

var tracer = otel.Tracer("github.com/rl1809/medistock/internal/core/service")

type Option func(*options)

type options struct {
	now     func() time.Time
	codes   CodeGenerator
	metrics *metrics.Collector
}

func defaultOptions() options {
	return options{now: time.Now, codes: RandomCode}
}

func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func WithCodeGenerator(g CodeGenerator) Option {
	return func(o *options) { o.codes = g }
}

func WithMetrics(m *metrics.Collector) Option {
	return func(o *options) { o.metrics = m }
}

func applyOptions(opts []Option) options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// runTx repeats fn in a fresh transaction while it fails with a conflict.
// fn must not leak state from a failed attempt.
func runTx(ctx context.Context, store port.Store, retries int, op string, log *zap.Logger, m *metrics.Collector,
	fn func(ctx context.Context, tx port.Tx) error) error {
	for attempt := 0; ; attempt++ {
		err := store.WithinTx(ctx, fn)
		if err == nil || !domain.Retryable(err) || attempt >= retries || ctx.Err() != nil {
			return err
		}
		m.ObserveRetry(op)
		log.Warn("transaction conflict, retrying",
			zap.String("operation", op),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}
}

func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	return string(domain.KindOf(err))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(domain.KindOf(err)))
	}
	span.End()
}

// NormalizeCode makes hand-typed codes comparable to stored ones.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
