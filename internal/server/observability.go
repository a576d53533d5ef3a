package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	oteltrace "go.opentelemetry.io/otel/trace"
)

type Observability struct {
	Tracer oteltrace.Tracer
	Meter  metric.Meter

	traceProvider  *sdktrace.TracerProvider
	AuditCounter   metric.Int64Counter
	StageDuration  metric.Int64Histogram
	OverrideHits   metric.Int64Counter
	DegradedStages metric.Int64Counter
	BreakerOpens   metric.Int64Counter
	KeyBlocked     metric.Int64Counter
}

func SetupObservability(ctx context.Context, cfg ObservabilityConfig) (*Observability, error) {
	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "audit-api"
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("build otel resource: %w", err)
	}
	sampler := sdktrace.TraceIDRatioBased(cfg.SampleRatio)
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	if cfg.OTLPEndpoint != "" {
		exporter, exportErr := otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlptracegrpc.WithInsecure(),
		)
		if exportErr != nil {
			return nil, fmt.Errorf("create otlp trace exporter: %w", exportErr)
		}
		tp = sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(res),
			sdktrace.WithSampler(sampler),
		)
	} else {
		slog.Info("otel trace exporter not configured; using local tracer provider")
	}
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	meter := otel.Meter(serviceName)
	tracer := otel.Tracer(serviceName)
	auditCounter, _ := meter.Int64Counter("audit_run_total")
	stageDuration, _ := meter.Int64Histogram("audit_stage_duration_ms")
	overrideHits, _ := meter.Int64Counter("audit_hard_override_total")
	degradedStages, _ := meter.Int64Counter("audit_degraded_stage_total")
	breakerOpens, _ := meter.Int64Counter("audit_breaker_open_total")
	keyBlocked, _ := meter.Int64Counter("audit_key_block_total")
	return &Observability{
		Tracer:         tracer,
		Meter:          meter,
		traceProvider:  tp,
		AuditCounter:   auditCounter,
		StageDuration:  stageDuration,
		OverrideHits:   overrideHits,
		DegradedStages: degradedStages,
		BreakerOpens:   breakerOpens,
		KeyBlocked:     keyBlocked,
	}, nil
}

func (o *Observability) Shutdown(ctx context.Context) error {
	if o == nil || o.traceProvider == nil {
		return nil
	}
	return o.traceProvider.Shutdown(ctx)
}

func (o *Observability) MarkAudit(ctx context.Context, status, riskLevel string) {
	if o == nil {
		return
	}
	o.AuditCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", status),
		attribute.String("risk_level", riskLevel),
	))
}

func (o *Observability) MarkStage(ctx context.Context, stage string, durationMS int64) {
	if o == nil {
		return
	}
	o.StageDuration.Record(ctx, durationMS, metric.WithAttributes(
		attribute.String("stage", stage),
	))
}

func (o *Observability) MarkOverride(ctx context.Context, rule string) {
	if o == nil {
		return
	}
	o.OverrideHits.Add(ctx, 1, metric.WithAttributes(attribute.String("rule", rule)))
}

func (o *Observability) MarkDegraded(ctx context.Context, stage, mode string) {
	if o == nil {
		return
	}
	o.DegradedStages.Add(ctx, 1, metric.WithAttributes(
		attribute.String("stage", stage),
		attribute.String("mode", mode),
	))
}

func (o *Observability) MarkBreakerOpen(ctx context.Context, dependency string) {
	if o == nil {
		return
	}
	o.BreakerOpens.Add(ctx, 1, metric.WithAttributes(
		attribute.String("dependency", dependency),
	))
}

func (o *Observability) MarkKeyBlocked(ctx context.Context, reason string) {
	if o == nil {
		return
	}
	o.KeyBlocked.Add(ctx, 1, metric.WithAttributes(
		attribute.String("reason", reason),
	))
}

func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return context.WithTimeout(ctx, timeout)
}
