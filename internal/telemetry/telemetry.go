// Package telemetry provides OpenTelemetry metrics for fieldsync.
//
// Telemetry is disabled by default (zero runtime overhead when off).
//
// # Configuration
//
//	FIELDSYNC_OTEL_ENABLED=true   enable metrics (default: off)
//	FIELDSYNC_OTEL_STDOUT=true    write metrics to stdout (dev mode)
//
// Exposed instruments: queue depth by status, per-endpoint circuit-breaker
// state, retry/success/failure counters. All read-only snapshots of engine
// state; observing them has no side effects.
package telemetry

import (
	"context"
	"fmt"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/tidewater/fieldsync/internal/resilient"
	"github.com/tidewater/fieldsync/internal/storage"
)

const instrumentationScope = "github.com/tidewater/fieldsync"

var shutdownFns []func(context.Context) error

// Enabled reports whether telemetry is active (FIELDSYNC_OTEL_ENABLED=true).
func Enabled() bool {
	return os.Getenv("FIELDSYNC_OTEL_ENABLED") == "true"
}

// Init configures the OTel meter provider. When FIELDSYNC_OTEL_ENABLED is not
// "true" this installs a no-op provider and returns immediately.
func Init(ctx context.Context, serviceName, version string) error {
	if !Enabled() {
		otel.SetMeterProvider(metricnoop.NewMeterProvider())
		return nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(version),
		),
		resource.WithHost(),
		resource.WithProcess(),
	)
	if err != nil {
		return fmt.Errorf("telemetry: resource: %w", err)
	}

	var opts []sdkmetric.Option
	opts = append(opts, sdkmetric.WithResource(res))
	if os.Getenv("FIELDSYNC_OTEL_STDOUT") == "true" {
		exp, err := stdoutmetric.New()
		if err != nil {
			return fmt.Errorf("telemetry: stdout exporter: %w", err)
		}
		opts = append(opts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp)))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)
	shutdownFns = append(shutdownFns, mp.Shutdown)
	return nil
}

// Shutdown flushes and stops all providers installed by Init.
func Shutdown(ctx context.Context) error {
	var firstErr error
	for _, fn := range shutdownFns {
		if err := fn(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	shutdownFns = nil
	return firstErr
}

// breakerStateValue maps breaker state names onto a numeric gauge:
// 0 = closed, 1 = half-open, 2 = open.
func breakerStateValue(state string) int64 {
	switch state {
	case "closed":
		return 0
	case "half-open":
		return 1
	default:
		return 2
	}
}

// Register installs observable gauges over the queue and executor state.
// Safe to call with the no-op provider; the callbacks then never run.
func Register(store storage.Storage, exec *resilient.Executor) error {
	meter := otel.GetMeterProvider().Meter(instrumentationScope)

	queueDepth, err := meter.Int64ObservableGauge("fieldsync.queue.depth",
		metric.WithDescription("Pending-operation queue depth by status"))
	if err != nil {
		return fmt.Errorf("telemetry: queue depth gauge: %w", err)
	}
	breakerState, err := meter.Int64ObservableGauge("fieldsync.breaker.state",
		metric.WithDescription("Circuit breaker state per endpoint (0 closed, 1 half-open, 2 open)"))
	if err != nil {
		return fmt.Errorf("telemetry: breaker gauge: %w", err)
	}
	retries, err := meter.Int64ObservableCounter("fieldsync.remote.retries",
		metric.WithDescription("Remote call retries per endpoint"))
	if err != nil {
		return fmt.Errorf("telemetry: retry counter: %w", err)
	}
	successes, err := meter.Int64ObservableCounter("fieldsync.remote.successes",
		metric.WithDescription("Successful remote calls per endpoint"))
	if err != nil {
		return fmt.Errorf("telemetry: success counter: %w", err)
	}
	failures, err := meter.Int64ObservableCounter("fieldsync.remote.failures",
		metric.WithDescription("Failed remote calls per endpoint"))
	if err != nil {
		return fmt.Errorf("telemetry: failure counter: %w", err)
	}

	_, err = meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		stats, err := store.QueueStats(ctx)
		if err != nil {
			return err
		}
		o.ObserveInt64(queueDepth, int64(stats.Pending), metric.WithAttributes(attribute.String("status", "pending")))
		o.ObserveInt64(queueDepth, int64(stats.Completed), metric.WithAttributes(attribute.String("status", "completed")))
		o.ObserveInt64(queueDepth, int64(stats.Failed), metric.WithAttributes(attribute.String("status", "failed")))

		for _, ep := range exec.Snapshot() {
			attrs := metric.WithAttributes(attribute.String("endpoint", ep.Endpoint))
			o.ObserveInt64(breakerState, breakerStateValue(ep.BreakerState), attrs)
			o.ObserveInt64(retries, int64(ep.Retries), attrs)
			o.ObserveInt64(successes, int64(ep.Successes), attrs)
			o.ObserveInt64(failures, int64(ep.Failures), attrs)
		}
		return nil
	}, queueDepth, breakerState, retries, successes, failures)
	if err != nil {
		return fmt.Errorf("telemetry: register callback: %w", err)
	}
	return nil
}
