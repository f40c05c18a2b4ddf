// Package observe provides application-wide observability primitives for
// voxstream: OpenTelemetry metrics, tracing and HTTP middleware that ties them
// together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is installed by [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all voxstream metrics.
const meterName = "github.com/MrWong99/voxstream"

// Drop stages for [Metrics.RecordFrameDropped].
const (
	StagePCM      = "pcm"
	StageOpus     = "opus"
	StageOutbound = "outbound"
)

// Cache lookup results for [Metrics.RecordCacheLookup].
const (
	CacheHit   = "hit"
	CacheMiss  = "miss"
	CacheStale = "stale"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Latency histograms ---

	// EncodeDuration tracks the time spent encoding one 20 ms Opus frame.
	EncodeDuration metric.Float64Histogram

	// TrackStartup tracks the time from PlayTrack to TrackStarted. Use with
	// attribute.String("source", "cache"|"live").
	TrackStartup metric.Float64Histogram

	// --- Counters ---

	// FramesEncoded counts Opus frames produced by the encode stage.
	FramesEncoded metric.Int64Counter

	// FramesDropped counts frames discarded because a bounded queue was full.
	// Use with attribute.String("stage", StagePCM|StageOpus|StageOutbound).
	FramesDropped metric.Int64Counter

	// Underruns counts transitions back into buffering.
	Underruns metric.Int64Counter

	// CacheLookups counts cache lookups by result.
	CacheLookups metric.Int64Counter

	// CacheEvictions counts tracks removed by the expiry sweep.
	CacheEvictions metric.Int64Counter

	// PipelineFailures counts fatal track failures. Use with
	// attribute.String("reason", ...).
	PipelineFailures metric.Int64Counter

	// BreakerTransitions counts circuit breaker state changes by breaker
	// name and target state.
	BreakerTransitions metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live playback sessions.
	ActiveSessions metric.Int64UpDownCounter

	// ActiveConnections tracks connected network clients.
	ActiveConnections metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes attribute.String("method", ...), attribute.String("path", ...).
	HTTPRequestDuration metric.Float64Histogram
}

// encodeBuckets covers sub-millisecond to a full frame period.
var encodeBuckets = []float64{
	0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.02,
}

// startupBuckets covers cache hits (fast) up to slow live fetches.
var startupBuckets = []float64{
	0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider].
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.EncodeDuration, err = m.Float64Histogram("voxstream.opus.encode.duration",
		metric.WithDescription("Time spent encoding one Opus frame."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(encodeBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TrackStartup, err = m.Float64Histogram("voxstream.track.startup.duration",
		metric.WithDescription("Time from play request until the buffer is filled."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(startupBuckets...),
	); err != nil {
		return nil, err
	}

	if met.FramesEncoded, err = m.Int64Counter("voxstream.frames.encoded",
		metric.WithDescription("Total Opus frames produced."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("voxstream.frames.dropped",
		metric.WithDescription("Frames dropped because a bounded queue was full, by stage."),
	); err != nil {
		return nil, err
	}
	if met.Underruns, err = m.Int64Counter("voxstream.buffer.underruns",
		metric.WithDescription("Times a session fell back into buffering."),
	); err != nil {
		return nil, err
	}
	if met.CacheLookups, err = m.Int64Counter("voxstream.cache.lookups",
		metric.WithDescription("PCM cache lookups by result."),
	); err != nil {
		return nil, err
	}
	if met.CacheEvictions, err = m.Int64Counter("voxstream.cache.evictions",
		metric.WithDescription("Tracks evicted by the expiry sweep."),
	); err != nil {
		return nil, err
	}
	if met.PipelineFailures, err = m.Int64Counter("voxstream.pipeline.failures",
		metric.WithDescription("Fatal track failures by reason."),
	); err != nil {
		return nil, err
	}
	if met.BreakerTransitions, err = m.Int64Counter("voxstream.breaker.transitions",
		metric.WithDescription("Circuit breaker state changes by breaker and state."),
	); err != nil {
		return nil, err
	}

	if met.ActiveSessions, err = m.Int64UpDownCounter("voxstream.active_sessions",
		metric.WithDescription("Number of live playback sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActiveConnections, err = m.Int64UpDownCounter("voxstream.active_connections",
		metric.WithDescription("Number of connected network clients."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("voxstream.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails (should not happen with the global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordEncode records one encoded frame and its encode latency.
func (m *Metrics) RecordEncode(ctx context.Context, d time.Duration) {
	m.FramesEncoded.Add(ctx, 1)
	m.EncodeDuration.Record(ctx, d.Seconds())
}

// RecordFrameDropped records one frame dropped at stage.
func (m *Metrics) RecordFrameDropped(ctx context.Context, stage string) {
	m.FramesDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage)))
}

// RecordUnderrun records a fall back into buffering.
func (m *Metrics) RecordUnderrun(ctx context.Context) {
	m.Underruns.Add(ctx, 1)
}

// RecordCacheLookup records a cache lookup with result CacheHit, CacheMiss or
// CacheStale.
func (m *Metrics) RecordCacheLookup(ctx context.Context, result string) {
	m.CacheLookups.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordEvictions records n evicted tracks.
func (m *Metrics) RecordEvictions(ctx context.Context, n int) {
	m.CacheEvictions.Add(ctx, int64(n))
}

// RecordPipelineFailure records a fatal track failure.
func (m *Metrics) RecordPipelineFailure(ctx context.Context, reason string) {
	m.PipelineFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordTrackStartup records how long a track took to start, by source
// ("cache" or "live").
func (m *Metrics) RecordTrackStartup(ctx context.Context, source string, d time.Duration) {
	m.TrackStartup.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("source", source)))
}

// RecordBreakerTransition records a circuit breaker state change.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, name, state string) {
	m.BreakerTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("breaker", name),
			attribute.String("state", state),
		),
	)
}
