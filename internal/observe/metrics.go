// Package observe holds the relay's telemetry: OpenTelemetry instruments for
// frames, codec work and session steps, span helpers, a trace-aware logger
// and the HTTP middleware for the control surface.
//
// [Setup] installs the providers and a private Prometheus registry. Code that
// has no [Telemetry] at hand records into [DefaultMetrics], which follows the
// global meter provider.
package observe

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics is the relay's instrument set. Methods are safe for concurrent use
// and allocation free on the per-frame path.
type Metrics struct {
	FramesSent     metric.Int64Counter
	FramesReceived metric.Int64Counter

	// CodecErrors and CodecDuration carry direction=uplink|downlink.
	CodecErrors   metric.Int64Counter
	CodecDuration metric.Float64Histogram

	// SessionSteps carries step and status=ok|failed.
	SessionSteps metric.Int64Counter
	// SessionState is the controller state ordinal, 0 idle through 4 stopped.
	SessionState metric.Int64Gauge

	// HTTPRequestDuration carries method and path.
	HTTPRequestDuration metric.Float64Histogram

	// Precomputed direction options, keyed by direction name.
	dirOpts sync.Map
}

// One 20 ms frame. Anything near the top bucket means audible gaps.
var codecBuckets = []float64{
	0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.02,
}

// NewMetrics creates the instruments on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter(scopeName)
	var (
		m    Metrics
		errs []error
	)
	counter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		errs = append(errs, err)
		return c
	}
	seconds := func(name, desc string, opts ...metric.Float64HistogramOption) metric.Float64Histogram {
		opts = append(opts, metric.WithDescription(desc), metric.WithUnit("s"))
		h, err := meter.Float64Histogram(name, opts...)
		errs = append(errs, err)
		return h
	}

	m.FramesSent = counter("pianobridge.frames.sent",
		"Opus frames sent to the voice channel.")
	m.FramesReceived = counter("pianobridge.frames.received",
		"Voice frames decoded and played back.")
	m.CodecErrors = counter("pianobridge.codec.errors",
		"Frames dropped after an encode or decode failure, by direction.")
	m.SessionSteps = counter("pianobridge.session.steps",
		"Session controller steps by step name and status.")
	m.CodecDuration = seconds("pianobridge.codec.duration",
		"Time to encode or decode one frame, by direction.",
		metric.WithExplicitBucketBoundaries(codecBuckets...))
	m.HTTPRequestDuration = seconds("pianobridge.http.request.duration",
		"Control surface request latency by method and path.")

	var err error
	m.SessionState, err = meter.Int64Gauge("pianobridge.session.state",
		metric.WithDescription("Session controller state (0 idle, 1 connecting, 2 ready, 3 running, 4 stopped)."))
	errs = append(errs, err)

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return &m, nil
}

var defaultMetrics = sync.OnceValue(func() *Metrics {
	m, err := NewMetrics(otel.GetMeterProvider())
	if err != nil {
		panic("observe: default metrics: " + err.Error())
	}
	return m
})

// DefaultMetrics returns a process-wide [Metrics] on the global meter
// provider. The global provider delegates, so instruments created before
// [Setup] still reach its exporter.
func DefaultMetrics() *Metrics { return defaultMetrics() }

func (m *Metrics) direction(dir string) metric.MeasurementOption {
	if o, ok := m.dirOpts.Load(dir); ok {
		return o.(metric.MeasurementOption)
	}
	o, _ := m.dirOpts.LoadOrStore(dir, metric.WithAttributeSet(attribute.NewSet(attribute.String("direction", dir))))
	return o.(metric.MeasurementOption)
}

func (m *Metrics) RecordFrameSent(ctx context.Context)     { m.FramesSent.Add(ctx, 1) }
func (m *Metrics) RecordFrameReceived(ctx context.Context) { m.FramesReceived.Add(ctx, 1) }

func (m *Metrics) RecordCodecError(ctx context.Context, direction string) {
	m.CodecErrors.Add(ctx, 1, m.direction(direction))
}

func (m *Metrics) RecordCodecDuration(ctx context.Context, direction string, d time.Duration) {
	m.CodecDuration.Record(ctx, d.Seconds(), m.direction(direction))
}

// RecordSessionStep counts one controller step outcome.
func (m *Metrics) RecordSessionStep(ctx context.Context, step string, ok bool) {
	status := "failed"
	if ok {
		status = "ok"
	}
	m.SessionSteps.Add(ctx, 1, metric.WithAttributes(
		attribute.String("step", step),
		attribute.String("status", status),
	))
}

func (m *Metrics) RecordSessionState(ctx context.Context, state int64) {
	m.SessionState.Record(ctx, state)
}
