// Package observe provides application-wide observability primitives for
// Vigil: OpenTelemetry metrics and structured-logging helpers.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
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

// meterName is the instrumentation scope name used for all Vigil metrics.
const meterName = "github.com/clearpath-health/vigil"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// BatchSTTDuration tracks batch transcription latency.
	BatchSTTDuration metric.Float64Histogram

	// HandshakeDuration tracks realtime STT stream handshake latency.
	HandshakeDuration metric.Float64Histogram

	// RiskDuration tracks risk-assessment latency, LLM and fallback alike.
	RiskDuration metric.Float64Histogram

	// --- Counters ---

	// SessionsTotal counts started sessions. Attribute:
	//   attribute.String("mode", "realtime"|"batch")
	SessionsTotal metric.Int64Counter

	// AudioChunks counts received audio chunks.
	AudioChunks metric.Int64Counter

	// Transcripts counts final transcripts. Attributes:
	//   attribute.String("provider", ...), attribute.Bool("realtime", ...)
	Transcripts metric.Int64Counter

	// RiskAssessments counts assessments by band and source. Attributes:
	//   attribute.String("band", ...), attribute.String("source", ...)
	RiskAssessments metric.Int64Counter

	// CrisisLocks counts sessions locked by the guardrail.
	CrisisLocks metric.Int64Counter

	// ProviderErrors counts provider errors. Attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live audio sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// streaming-pipeline latencies: handshakes around a second, batch STT and
// LLM calls up to tens of seconds.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.BatchSTTDuration, err = m.Float64Histogram("vigil.stt.batch.duration",
		metric.WithDescription("Latency of batch speech-to-text transcription."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HandshakeDuration, err = m.Float64Histogram("vigil.stt.handshake.duration",
		metric.WithDescription("Latency of realtime STT stream handshakes."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.RiskDuration, err = m.Float64Histogram("vigil.risk.duration",
		metric.WithDescription("Latency of risk assessments."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.SessionsTotal, err = m.Int64Counter("vigil.sessions.total",
		metric.WithDescription("Total sessions started, by transcription mode."),
	); err != nil {
		return nil, err
	}
	if met.AudioChunks, err = m.Int64Counter("vigil.audio.chunks",
		metric.WithDescription("Total audio chunks received."),
	); err != nil {
		return nil, err
	}
	if met.Transcripts, err = m.Int64Counter("vigil.transcripts.total",
		metric.WithDescription("Total final transcripts by provider and path."),
	); err != nil {
		return nil, err
	}
	if met.RiskAssessments, err = m.Int64Counter("vigil.risk.assessments",
		metric.WithDescription("Total risk assessments by band and source."),
	); err != nil {
		return nil, err
	}
	if met.CrisisLocks, err = m.Int64Counter("vigil.crisis.locks",
		metric.WithDescription("Total sessions locked by the crisis guardrail."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("vigil.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("vigil.active_sessions",
		metric.WithDescription("Number of live audio sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("vigil.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
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

// RecordTranscript increments the transcript counter with the standard
// attribute set.
func (m *Metrics) RecordTranscript(ctx context.Context, provider string, realtime bool) {
	m.Transcripts.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.Bool("realtime", realtime),
		),
	)
}

// RecordAssessment records one risk assessment and its latency.
func (m *Metrics) RecordAssessment(ctx context.Context, band, source string, elapsed time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("band", band),
		attribute.String("source", source),
	)
	m.RiskAssessments.Add(ctx, 1, attrs)
	m.RiskDuration.Record(ctx, elapsed.Seconds(), attrs)
}

// RecordProviderError increments the provider error counter.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordSessionStart increments session counters for a new session.
func (m *Metrics) RecordSessionStart(ctx context.Context, realtime bool) {
	mode := "batch"
	if realtime {
		mode = "realtime"
	}
	m.SessionsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("mode", mode)))
	m.ActiveSessions.Add(ctx, 1)
}

// RecordSessionEnd decrements the active-session gauge.
func (m *Metrics) RecordSessionEnd(ctx context.Context) {
	m.ActiveSessions.Add(ctx, -1)
}
