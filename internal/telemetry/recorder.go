package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const instrumentationName = "github.com/srediag/shmchan"

// Recorder records the telemetry of one endpoint. A nil *Recorder records nothing.
type Recorder struct {
	role    string
	channel string
	metrics *Metrics
	tracer  trace.Tracer
	wait    metric.Float64Histogram
	attrs   []attribute.KeyValue
}

// NewRecorder returns a recorder for an endpoint of role on channel. Nil metrics,
// tracer or meter disable the corresponding signal.
func NewRecorder(role, channel string, m *Metrics, tracer trace.Tracer, meter metric.Meter) *Recorder {
	if tracer == nil {
		tracer = tracenoop.NewTracerProvider().Tracer(instrumentationName)
	}
	if meter == nil {
		meter = metricnoop.NewMeterProvider().Meter(instrumentationName)
	}
	r := &Recorder{
		role:    role,
		channel: channel,
		metrics: m,
		tracer:  tracer,
		attrs: []attribute.KeyValue{
			attribute.String("shmchan.role", role),
			attribute.String("shmchan.channel", channel),
		},
	}
	wait, err := meter.Float64Histogram("shmchan.semaphore.wait",
		metric.WithDescription("Time spent blocked on a channel semaphore."),
		metric.WithUnit("s"))
	if err == nil {
		r.wait = wait
	}
	return r
}

// Start opens a span for a transaction step.
func (r *Recorder) Start(ctx context.Context, op string) (context.Context, trace.Span) {
	if r == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return r.tracer.Start(ctx, "shmchan."+r.role+"."+op, trace.WithAttributes(r.attrs...))
}

// Waited records time spent blocked on a semaphore.
func (r *Recorder) Waited(ctx context.Context, d time.Duration) {
	if r == nil || r.wait == nil {
		return
	}
	r.wait.Record(ctx, d.Seconds(), metric.WithAttributes(r.attrs...))
}

// Committed records a completed transaction of n payload bytes.
func (r *Recorder) Committed(span trace.Span, n int) {
	if r == nil {
		return
	}
	if span != nil {
		span.SetAttributes(attribute.Int("shmchan.payload.size", n))
		span.End()
	}
	if r.metrics != nil {
		r.metrics.Transactions.WithLabelValues(r.role).Inc()
		r.metrics.Bytes.WithLabelValues(r.role).Add(float64(n))
	}
}

// Failed records a failed operation of the given error kind and ends span.
func (r *Recorder) Failed(span trace.Span, kind string, err error) {
	if r == nil {
		return
	}
	if span != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, kind)
		span.End()
	}
	if r.metrics != nil {
		r.metrics.Failures.WithLabelValues(r.role, kind).Inc()
	}
}

// Notified records a data-available notification.
func (r *Recorder) Notified() {
	if r == nil || r.metrics == nil {
		return
	}
	r.metrics.Notifications.Inc()
}
