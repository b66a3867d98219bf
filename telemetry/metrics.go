// Package telemetry provides OpenTelemetry metric instruments for the
// dispatcher, caches, token refresh daemons, and the media cache. All Record
// functions are safe to call before InitMetrics; they no-op until the metrics
// system is initialized.
package telemetry

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const (
	meterName = "github.com/wolfeidau/feedloop"
)

// MetricsConfig configures the metrics system.
type MetricsConfig struct {
	// ServiceName is the name of the service for resource attributes.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// EnablePrometheus enables the Prometheus /metrics endpoint.
	EnablePrometheus bool

	// FlushInterval is how often to export metrics (default: 10s).
	FlushInterval time.Duration
}

// Metrics holds the OpenTelemetry metric instruments.
type Metrics struct {
	dispatchResultsTotal metric.Int64Counter
	cacheLookupsTotal    metric.Int64Counter
	cacheEvictionsTotal  metric.Int64Counter

	tokenRefreshTotal metric.Int64Counter

	mediaFetchTotal    metric.Int64Counter
	mediaFetchDuration metric.Float64Histogram
	mediaBytesTotal    metric.Int64Counter
	pruneDeletedTotal  metric.Int64Counter
	pruneDuration      metric.Float64Histogram

	meterProvider *sdkmetric.MeterProvider
	promHandler   http.Handler
}

var (
	globalMetrics *Metrics
	initOnce      sync.Once
	initErr       error
)

// InitMetrics initializes the OpenTelemetry metrics system.
// Returns a shutdown function that should be called on application exit.
// Uses sync.Once to ensure single initialisation.
func InitMetrics(ctx context.Context, cfg MetricsConfig) (shutdown func(context.Context) error, err error) {
	initOnce.Do(func() {
		initErr = doInitMetrics(ctx, cfg)
	})

	if initErr != nil {
		return nil, initErr
	}

	return shutdownMetrics, nil
}

func doInitMetrics(_ context.Context, cfg MetricsConfig) error {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "feedloop"
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	// Build resource with service info
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return err
	}

	var readers []sdkmetric.Reader
	var promHandler http.Handler

	// Setup Prometheus exporter if enabled
	if cfg.EnablePrometheus {
		promExp, err := promexporter.New()
		if err != nil {
			return err
		}
		readers = append(readers, promExp)
		promHandler = promhttp.Handler()
	}

	// If no exporters configured, use a no-op periodic reader to still collect metrics
	if len(readers) == 0 {
		readers = append(readers, sdkmetric.NewPeriodicReader(noopExporter{},
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	// Build meter provider options
	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)

	// Create meter and instruments
	meter := mp.Meter(meterName)

	dispatchResultsTotal, err := meter.Int64Counter(
		"feedloop_dispatch_results_total",
		metric.WithDescription("Total dispatched job results by kind and outcome"),
		metric.WithUnit("{result}"),
	)
	if err != nil {
		return err
	}

	cacheLookupsTotal, err := meter.Int64Counter(
		"feedloop_cache_lookups_total",
		metric.WithDescription("Total in-memory cache lookups by cache and result"),
		metric.WithUnit("{lookup}"),
	)
	if err != nil {
		return err
	}

	cacheEvictionsTotal, err := meter.Int64Counter(
		"feedloop_cache_evictions_total",
		metric.WithDescription("Total in-memory cache capacity evictions"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return err
	}

	tokenRefreshTotal, err := meter.Int64Counter(
		"feedloop_token_refresh_total",
		metric.WithDescription("Total token refresh attempts by outcome"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return err
	}

	mediaFetchTotal, err := meter.Int64Counter(
		"feedloop_media_fetch_total",
		metric.WithDescription("Total media fetch requests by outcome"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	mediaFetchDuration, err := meter.Float64Histogram(
		"feedloop_media_fetch_duration_seconds",
		metric.WithDescription("Duration of media fetch requests"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 40, 60),
	)
	if err != nil {
		return err
	}

	mediaBytesTotal, err := meter.Int64Counter(
		"feedloop_media_bytes_total",
		metric.WithDescription("Total bytes downloaded by the media cache"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	pruneDeletedTotal, err := meter.Int64Counter(
		"feedloop_media_prune_deleted_total",
		metric.WithDescription("Total media entries deleted by pruning passes"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return err
	}

	pruneDuration, err := meter.Float64Histogram(
		"feedloop_media_prune_duration_seconds",
		metric.WithDescription("Duration of media pruning passes"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5),
	)
	if err != nil {
		return err
	}

	globalMetrics = &Metrics{
		dispatchResultsTotal: dispatchResultsTotal,
		cacheLookupsTotal:    cacheLookupsTotal,
		cacheEvictionsTotal:  cacheEvictionsTotal,
		tokenRefreshTotal:    tokenRefreshTotal,
		mediaFetchTotal:      mediaFetchTotal,
		mediaFetchDuration:   mediaFetchDuration,
		mediaBytesTotal:      mediaBytesTotal,
		pruneDeletedTotal:    pruneDeletedTotal,
		pruneDuration:        pruneDuration,
		meterProvider:        mp,
		promHandler:          promHandler,
	}

	return nil
}

// shutdownMetrics shuts down the metrics provider and clears the global state.
func shutdownMetrics(ctx context.Context) error {
	if globalMetrics == nil {
		return nil
	}
	err := globalMetrics.meterProvider.Shutdown(ctx)
	globalMetrics = nil
	return err
}

// RecordDispatchResult records one dispatched job result.
// outcome is "applied", "stale", or "error".
func RecordDispatchResult(ctx context.Context, kind, outcome string) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("kind", kind),
		attribute.String("outcome", outcome),
	}
	globalMetrics.dispatchResultsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordCacheLookup records one in-memory cache lookup.
// cache is "feed", "comments", or "content"; result is "hit", "miss",
// "expired", or "scope_mismatch".
func RecordCacheLookup(ctx context.Context, cache, result string) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("cache", cache),
		attribute.String("result", result),
	}
	globalMetrics.cacheLookupsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordCacheEviction records one capacity eviction from an in-memory cache.
func RecordCacheEviction(ctx context.Context, cache string) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{attribute.String("cache", cache)}
	globalMetrics.cacheEvictionsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordTokenRefresh records one token refresh attempt.
// outcome is "success" or "error".
func RecordTokenRefresh(ctx context.Context, outcome string) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{attribute.String("outcome", outcome)}
	globalMetrics.tokenRefreshTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordMediaFetch records one media fetch request.
// outcome is "hit", "download", or "error".
func RecordMediaFetch(ctx context.Context, outcome string, duration time.Duration, bytes int64) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{attribute.String("outcome", outcome)}
	globalMetrics.mediaFetchTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.mediaFetchDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	if bytes > 0 {
		globalMetrics.mediaBytesTotal.Add(ctx, bytes, metric.WithAttributes(attrs...))
	}
}

// RecordMediaPrune records one pruning pass over the media cache.
func RecordMediaPrune(ctx context.Context, deleted int, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	globalMetrics.pruneDeletedTotal.Add(ctx, int64(deleted))
	globalMetrics.pruneDuration.Record(ctx, duration.Seconds())
}

// PrometheusHandler returns the Prometheus metrics HTTP handler.
// Returns a handler that returns 404 if Prometheus export is not enabled,
// allowing safe registration regardless of initialization order.
func PrometheusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if globalMetrics == nil || globalMetrics.promHandler == nil {
			http.NotFound(w, r)
			return
		}
		globalMetrics.promHandler.ServeHTTP(w, r)
	})
}

// noopExporter is a no-op metrics exporter for when no exporters are configured.
type noopExporter struct{}

func (noopExporter) Temporality(_ sdkmetric.InstrumentKind) metricdata.Temporality {
	return metricdata.CumulativeTemporality
}

func (noopExporter) Aggregation(_ sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return nil
}

func (noopExporter) Export(_ context.Context, _ *metricdata.ResourceMetrics) error {
	return nil
}

func (noopExporter) ForceFlush(_ context.Context) error {
	return nil
}

func (noopExporter) Shutdown(_ context.Context) error {
	return nil
}
