// Package metrics exports gate counters through OpenTelemetry.
package metrics

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"

	"trading_gate/config"
	"trading_gate/logs"
)

const meterName = "trading_gate"

// Recorder holds the gate's instruments. A nil *Recorder is valid and
// records nothing.
type Recorder struct {
	decisions  metric.Int64Counter
	ruleFaults metric.Int64Counter
	reloads    metric.Int64Counter
	fallbacks  metric.Int64Counter
	exchange   metric.Int64Counter
	halts      metric.Int64Counter
	validation metric.Float64Histogram
}

// NewRecorder creates the instruments on mp.
func NewRecorder(mp metric.MeterProvider) (*Recorder, error) {
	m := mp.Meter(meterName)
	r := &Recorder{}
	var err error

	if r.decisions, err = m.Int64Counter("gate.decisions",
		metric.WithDescription("Audited decisions by request type and outcome")); err != nil {
		return nil, fmt.Errorf("failed to create decisions counter: %w", err)
	}
	if r.ruleFaults, err = m.Int64Counter("gate.rule_faults",
		metric.WithDescription("Rule evaluations that failed closed")); err != nil {
		return nil, fmt.Errorf("failed to create rule fault counter: %w", err)
	}
	if r.reloads, err = m.Int64Counter("gate.config_reloads",
		metric.WithDescription("Config reload attempts by result")); err != nil {
		return nil, fmt.Errorf("failed to create reload counter: %w", err)
	}
	if r.fallbacks, err = m.Int64Counter("gate.deadman_fallbacks",
		metric.WithDescription("Dead-man fallback executions")); err != nil {
		return nil, fmt.Errorf("failed to create fallback counter: %w", err)
	}
	if r.exchange, err = m.Int64Counter("gate.exchange_failures",
		metric.WithDescription("Exchange calls that failed or timed out")); err != nil {
		return nil, fmt.Errorf("failed to create exchange failure counter: %w", err)
	}
	if r.halts, err = m.Int64Counter("gate.halt_transitions",
		metric.WithDescription("Kill switch engage and release events")); err != nil {
		return nil, fmt.Errorf("failed to create halt counter: %w", err)
	}
	if r.validation, err = m.Float64Histogram("gate.validation_ms",
		metric.WithDescription("Check pipeline latency"),
		metric.WithUnit("ms")); err != nil {
		return nil, fmt.Errorf("failed to create validation histogram: %w", err)
	}
	return r, nil
}

// Nop returns a recorder bound to a no-op provider.
func Nop() *Recorder {
	r, _ := NewRecorder(noop.NewMeterProvider())
	return r
}

func (r *Recorder) Decision(ctx context.Context, requestType, decision string) {
	if r == nil {
		return
	}
	r.decisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("request_type", requestType),
		attribute.String("decision", decision),
	))
}

func (r *Recorder) RuleFault(ctx context.Context, ruleID string) {
	if r == nil {
		return
	}
	r.ruleFaults.Add(ctx, 1, metric.WithAttributes(attribute.String("rule_id", ruleID)))
}

func (r *Recorder) Reload(ctx context.Context, ok bool) {
	if r == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "failed"
	}
	r.reloads.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

func (r *Recorder) Fallback(ctx context.Context, action string) {
	if r == nil {
		return
	}
	r.fallbacks.Add(ctx, 1, metric.WithAttributes(attribute.String("action", action)))
}

func (r *Recorder) ExchangeFailure(ctx context.Context, venue string) {
	if r == nil {
		return
	}
	r.exchange.Add(ctx, 1, metric.WithAttributes(attribute.String("venue", venue)))
}

// HaltTransition counts a kill switch engaging (engaged=true) or releasing.
func (r *Recorder) HaltTransition(ctx context.Context, check string, engaged bool) {
	if r == nil {
		return
	}
	r.halts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("check", check),
		attribute.Bool("engaged", engaged),
	))
}

func (r *Recorder) ValidationLatency(ctx context.Context, d time.Duration) {
	if r == nil {
		return
	}
	r.validation.Record(ctx, float64(d.Microseconds())/1000)
}

// Provider owns the SDK meter provider for the process.
type Provider struct {
	mp       *sdkmetric.MeterProvider
	Recorder *Recorder
}

// Setup builds the meter provider. Without an OTLP endpoint the instruments
// still work but nothing is exported.
func Setup(ctx context.Context, cfg config.TelemetryConfig, extra ...sdkmetric.Reader) (*Provider, error) {
	res := resource.NewSchemaless(attribute.String("service.name", cfg.ServiceName))
	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}

	if cfg.OTLPEndpoint != "" {
		expOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint)}
		if cfg.Insecure {
			expOpts = append(expOpts, otlpmetricgrpc.WithInsecure())
		}
		exporter, err := otlpmetricgrpc.New(ctx, expOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create metric exporter: %w", err)
		}
		opts = append(opts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)))
		logs.Infof("[Metrics] Exporting to %s", cfg.OTLPEndpoint)
	}
	for _, reader := range extra {
		opts = append(opts, sdkmetric.WithReader(reader))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)

	rec, err := NewRecorder(mp)
	if err != nil {
		_ = mp.Shutdown(ctx)
		return nil, err
	}
	return &Provider{mp: mp, Recorder: rec}, nil
}

// Shutdown flushes pending exports.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.mp == nil {
		return nil
	}
	return p.mp.Shutdown(ctx)
}
