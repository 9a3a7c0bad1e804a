// Package observe provides application-wide observability primitives for
// voicelink: OpenTelemetry metrics and the Prometheus exporter bridge that
// serves them on /metrics.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A package-level
// default [Metrics] instance ([DefaultMetrics]) is provided for convenience;
// tests should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all voicelink metrics.
const meterName = "github.com/embercoach/voicelink"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// FramesCaptured counts microphone blocks successfully queued for sending.
	FramesCaptured metric.Int64Counter

	// ChunksSent counts encoded chunks handed to the transport.
	ChunksSent metric.Int64Counter

	// BuffersScheduled counts frames scheduled onto the playback stream.
	BuffersScheduled metric.Int64Counter

	// TranscriptTurns counts finalized conversation turns.
	TranscriptTurns metric.Int64Counter

	// StateTransitions counts session state changes. Use with attributes:
	//   attribute.String("from", ...), attribute.String("to", ...)
	StateTransitions metric.Int64Counter

	// TransportErrors counts transport-level errors by kind.
	TransportErrors metric.Int64Counter

	// SessionDuration tracks how long sessions stay live, in seconds.
	SessionDuration metric.Float64Histogram

	// ActiveSessions tracks the number of live voice sessions.
	ActiveSessions metric.Int64UpDownCounter
}

// durationBuckets defines histogram bucket boundaries (in seconds) for
// session lifetimes: a few seconds up to the backend's hard cap.
var durationBuckets = []float64{
	1, 5, 15, 30, 60, 120, 300, 600, 900,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.FramesCaptured, err = m.Int64Counter("voicelink.capture.frames",
		metric.WithDescription("Total microphone blocks captured and queued."),
	); err != nil {
		return nil, err
	}
	if met.ChunksSent, err = m.Int64Counter("voicelink.transport.chunks_sent",
		metric.WithDescription("Total encoded audio chunks handed to the transport."),
	); err != nil {
		return nil, err
	}
	if met.BuffersScheduled, err = m.Int64Counter("voicelink.playback.buffers_scheduled",
		metric.WithDescription("Total synthesised frames scheduled for playback."),
	); err != nil {
		return nil, err
	}
	if met.TranscriptTurns, err = m.Int64Counter("voicelink.transcript.turns",
		metric.WithDescription("Total finalized conversation turns."),
	); err != nil {
		return nil, err
	}
	if met.StateTransitions, err = m.Int64Counter("voicelink.session.transitions",
		metric.WithDescription("Total session state transitions by from and to state."),
	); err != nil {
		return nil, err
	}
	if met.TransportErrors, err = m.Int64Counter("voicelink.transport.errors",
		metric.WithDescription("Total transport errors by kind."),
	); err != nil {
		return nil, err
	}
	if met.SessionDuration, err = m.Float64Histogram("voicelink.session.duration",
		metric.WithDescription("Session lifetime from start to termination."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(durationBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("voicelink.active_sessions",
		metric.WithDescription("Number of live voice sessions."),
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

// RecordStateTransition records a session state change.
func (m *Metrics) RecordStateTransition(ctx context.Context, from, to string) {
	m.StateTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("from", from),
			attribute.String("to", to),
		),
	)
}

// RecordTransportError records a transport error by kind
// (e.g. "send", "read", "backend", "codec").
func (m *Metrics) RecordTransportError(ctx context.Context, kind string) {
	m.TransportErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}
