package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Package-level meter for update metrics.
var meter = otel.Meter("mindlayer.engine")

// Metric instruments for update transactions.
var (
	attemptsTotal   metric.Int64Counter
	rollbacksTotal  metric.Int64Counter
	attemptDuration metric.Float64Histogram
	filesWritten    metric.Int64Histogram
	activeGauge     metric.Int64UpDownCounter
	fetchRetries    metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

// metricsEnabled controls whether metrics are recorded.
var metricsEnabled atomic.Bool

func init() {
	metricsEnabled.Store(true)
}

// SetMetricsEnabled controls whether metrics are recorded.
//
// Thread Safety: Safe for concurrent use.
func SetMetricsEnabled(enabled bool) {
	metricsEnabled.Store(enabled)
}

// initMetrics initializes all metric instruments.
// Safe to call multiple times; uses sync.Once internally.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		attemptsTotal, err = meter.Int64Counter(
			"mindlayer_update_attempts_total",
			metric.WithDescription("Update checks by outcome"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		rollbacksTotal, err = meter.Int64Counter(
			"mindlayer_update_rollbacks_total",
			metric.WithDescription("Rollbacks by status"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		attemptDuration, err = meter.Float64Histogram(
			"mindlayer_update_duration_seconds",
			metric.WithDescription("Duration of update checks in seconds"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		filesWritten, err = meter.Int64Histogram(
			"mindlayer_update_files_written",
			metric.WithDescription("Documents written per applied update"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		activeGauge, err = meter.Int64UpDownCounter(
			"mindlayer_update_active",
			metric.WithDescription("Number of running update transactions"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		fetchRetries, err = meter.Int64Counter(
			"mindlayer_release_fetch_retries_total",
			metric.WithDescription("Release queries retried after a network failure"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

// recordAttempt records the outcome of one CheckAndOffer call.
func recordAttempt(ctx context.Context, kind ResultKind, trigger string, risk string, duration time.Duration) {
	if !metricsEnabled.Load() {
		return
	}
	if err := initMetrics(); err != nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("outcome", string(kind)),
		attribute.String("trigger", trigger),
		attribute.String("risk", risk),
	)
	attemptsTotal.Add(ctx, 1, attrs)
	attemptDuration.Record(ctx, duration.Seconds(), attrs)
}

// recordWritten records how many documents an applied update wrote.
func recordWritten(ctx context.Context, files int) {
	if !metricsEnabled.Load() {
		return
	}
	if err := initMetrics(); err != nil {
		return
	}
	filesWritten.Record(ctx, int64(files))
}

// recordRollback records a rollback and whether it restored everything.
func recordRollback(ctx context.Context, success bool) {
	if !metricsEnabled.Load() {
		return
	}
	if err := initMetrics(); err != nil {
		return
	}

	status := "success"
	if !success {
		status = "error"
	}
	rollbacksTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// recordActive adjusts the running transaction gauge.
func recordActive(ctx context.Context, delta int64) {
	if !metricsEnabled.Load() {
		return
	}
	if err := initMetrics(); err != nil {
		return
	}
	activeGauge.Add(ctx, delta)
}

// recordFetchRetry counts a retried release query.
func recordFetchRetry(ctx context.Context) {
	if !metricsEnabled.Load() {
		return
	}
	if err := initMetrics(); err != nil {
		return
	}
	fetchRetries.Add(ctx, 1)
}
