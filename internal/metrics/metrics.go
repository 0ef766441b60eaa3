package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

type Metrics struct {
	HTTPRequests      metric.Int64Counter
	HTTPDuration      metric.Float64Histogram
	CacheHits         metric.Int64Counter
	CacheMisses       metric.Int64Counter
	BridgePolls       metric.Int64Counter
	BridgePollErrors  metric.Int64Counter
	ReconcileRuns     metric.Int64Counter
	ReconcileMismatch metric.Int64Counter
	ActiveStreams     metric.Int64UpDownCounter
}

func Setup(serviceName string) (*Metrics, http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter(serviceName)

	m := &Metrics{}

	m.HTTPRequests, err = meter.Int64Counter(
		"shield_http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPDuration, err = meter.Float64Histogram(
		"shield_http_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.CacheHits, err = meter.Int64Counter(
		"shield_cache_hits_total",
		metric.WithDescription("Total number of snapshot cache hits"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.CacheMisses, err = meter.Int64Counter(
		"shield_cache_misses_total",
		metric.WithDescription("Total number of snapshot cache misses"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.BridgePolls, err = meter.Int64Counter(
		"shield_bridge_polls_total",
		metric.WithDescription("Total number of bridge job status polls"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.BridgePollErrors, err = meter.Int64Counter(
		"shield_bridge_poll_errors_total",
		metric.WithDescription("Total number of failed bridge job status polls"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.ReconcileRuns, err = meter.Int64Counter(
		"shield_reconcile_runs_total",
		metric.WithDescription("Total number of position reconciliation passes"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.ReconcileMismatch, err = meter.Int64Counter(
		"shield_reconcile_mismatches_total",
		metric.WithDescription("Total number of balance mismatches detected"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.ActiveStreams, err = meter.Int64UpDownCounter(
		"shield_ws_connections",
		metric.WithDescription("Number of active WebSocket connections"),
	)
	if err != nil {
		return nil, nil, err
	}

	handler := promhttp.Handler()
	return m, handler, nil
}

func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("path", path),
		attribute.Int("status", status),
	)
	m.HTTPRequests.Add(ctx, 1, attrs)
	m.HTTPDuration.Record(ctx, duration.Seconds(), attrs)
}

func (m *Metrics) RecordCacheHit(ctx context.Context, key string) {
	if m == nil {
		return
	}
	m.CacheHits.Add(ctx, 1, metric.WithAttributes(attribute.String("key", key)))
}

func (m *Metrics) RecordCacheMiss(ctx context.Context, key string) {
	if m == nil {
		return
	}
	m.CacheMisses.Add(ctx, 1, metric.WithAttributes(attribute.String("key", key)))
}

func (m *Metrics) RecordBridgePoll(ctx context.Context, jobID string, failed bool) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("job_id", jobID))
	m.BridgePolls.Add(ctx, 1, attrs)
	if failed {
		m.BridgePollErrors.Add(ctx, 1, attrs)
	}
}

func (m *Metrics) IncrementConnections(ctx context.Context) {
	if m == nil {
		return
	}
	m.ActiveStreams.Add(ctx, 1)
}

func (m *Metrics) DecrementConnections(ctx context.Context) {
	if m == nil {
		return
	}
	m.ActiveStreams.Add(ctx, -1)
}

func (m *Metrics) RecordReconcile(ctx context.Context, mismatches int) {
	if m == nil {
		return
	}
	m.ReconcileRuns.Add(ctx, 1)
	if mismatches > 0 {
		m.ReconcileMismatch.Add(ctx, int64(mismatches))
	}
}
