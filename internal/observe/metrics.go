// Package observe provides the observability primitives shared by every
// chorus component: OpenTelemetry metrics, tracing helpers, trace-aware
// structured logging and an HTTP middleware for the demo host.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exported to
// Prometheus by [InitProvider]. A package-level [DefaultMetrics] instance is
// available for components constructed without explicit metrics; tests should
// build their own with [NewMetrics] over a ManualReader.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope for all chorus metrics.
const meterName = "github.com/MrWong99/chorus"

// Metrics holds all OpenTelemetry instruments. The underlying OTel types are
// safe for concurrent use.
type Metrics struct {
	// --- Latency histograms ---

	// PipelineDuration tracks one full ProcessMessage run.
	PipelineDuration metric.Float64Histogram

	// CollaboratorDuration tracks classifier and generator calls. Use with
	// attribute.String("collaborator", ...).
	CollaboratorDuration metric.Float64Histogram

	// --- Counters ---

	// MessagesProcessed counts pipeline runs by attribute.String("impact", ...).
	MessagesProcessed metric.Int64Counter

	// Births counts created voices by attribute.String("birth_type", ...).
	Births metric.Int64Counter

	// Deaths counts terminal transitions by attribute.String("kind", ...).
	Deaths metric.Int64Counter

	// Draws counts card draws. Use with attributes:
	//   attribute.String("spread", ...), attribute.String("mode", ...)
	Draws metric.Int64Counter

	// ProviderRequests counts LLM provider calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// --- Error counters ---

	// CollaboratorErrors counts failed classifier/generator calls that the
	// pipeline absorbed.
	CollaboratorErrors metric.Int64Counter

	// PersistenceErrors counts failed loads and saves. Use with attributes:
	//   attribute.String("backend", ...), attribute.String("op", ...)
	PersistenceErrors metric.Int64Counter

	// BreakerTransitions counts circuit breaker state changes. Use with
	// attributes:
	//   attribute.String("backend", ...), attribute.String("to", ...)
	BreakerTransitions metric.Int64Counter

	// --- Distributions and gauges ---

	// Speakers records how many voices spoke per message.
	Speakers metric.Int64Histogram

	// LivingVoices reports the living population after each message. Use with
	// attribute.String("session_id", ...).
	LivingVoices metric.Int64Gauge

	// ActiveSessions tracks sessions held by the session manager.
	ActiveSessions metric.Int64UpDownCounter

	// HTTPRequestDuration tracks demo-host request latency by method and path.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets are histogram boundaries in seconds. LLM round-trips
// dominate, so the upper range is generous.
var latencyBuckets = []float64{
	0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates all instruments from mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.PipelineDuration, err = m.Float64Histogram("chorus.pipeline.duration",
		metric.WithDescription("Latency of one message pipeline run."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.CollaboratorDuration, err = m.Float64Histogram("chorus.collaborator.duration",
		metric.WithDescription("Latency of classifier and generator calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.MessagesProcessed, err = m.Int64Counter("chorus.messages.processed",
		metric.WithDescription("Messages run through the pipeline by impact."),
	); err != nil {
		return nil, err
	}
	if met.Births, err = m.Int64Counter("chorus.voices.births",
		metric.WithDescription("Voices created by birth type."),
	); err != nil {
		return nil, err
	}
	if met.Deaths, err = m.Int64Counter("chorus.voices.deaths",
		metric.WithDescription("Terminal voice transitions by kind."),
	); err != nil {
		return nil, err
	}
	if met.Draws, err = m.Int64Counter("chorus.draws",
		metric.WithDescription("Card draws by spread and mode."),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("chorus.provider.requests",
		metric.WithDescription("LLM provider requests by provider and status."),
	); err != nil {
		return nil, err
	}

	if met.CollaboratorErrors, err = m.Int64Counter("chorus.collaborator.errors",
		metric.WithDescription("Collaborator failures absorbed by the pipeline."),
	); err != nil {
		return nil, err
	}
	if met.PersistenceErrors, err = m.Int64Counter("chorus.persistence.errors",
		metric.WithDescription("Session state load and save failures."),
	); err != nil {
		return nil, err
	}

	if met.BreakerTransitions, err = m.Int64Counter("chorus.breaker.transitions",
		metric.WithDescription("Circuit breaker state changes by backend and target state."),
	); err != nil {
		return nil, err
	}

	if met.Speakers, err = m.Int64Histogram("chorus.speakers.per_message",
		metric.WithDescription("Number of voices that spoke per message."),
		metric.WithExplicitBucketBoundaries(0, 1, 2, 3, 4, 5, 8),
	); err != nil {
		return nil, err
	}
	if met.LivingVoices, err = m.Int64Gauge("chorus.voices.living",
		metric.WithDescription("Living voices in a session after the last message."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("chorus.active_sessions",
		metric.WithDescription("Sessions currently held in memory."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("chorus.http.request.duration",
		metric.WithDescription("Demo host HTTP request latency by method and path."),
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

// DefaultMetrics returns the package-level [Metrics], created on first call
// from [otel.GetMeterProvider]. Panics if instrument creation fails.
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

// Attr is shorthand for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordMessage counts one processed message.
func (m *Metrics) RecordMessage(ctx context.Context, impact string) {
	m.MessagesProcessed.Add(ctx, 1, metric.WithAttributes(Attr("impact", impact)))
}

// RecordBirth counts one created voice.
func (m *Metrics) RecordBirth(ctx context.Context, birthType string) {
	m.Births.Add(ctx, 1, metric.WithAttributes(Attr("birth_type", birthType)))
}

// RecordDeath counts one terminal transition.
func (m *Metrics) RecordDeath(ctx context.Context, kind string) {
	m.Deaths.Add(ctx, 1, metric.WithAttributes(Attr("kind", kind)))
}

// RecordDraw counts one card draw.
func (m *Metrics) RecordDraw(ctx context.Context, spread, mode string) {
	m.Draws.Add(ctx, 1, metric.WithAttributes(Attr("spread", spread), Attr("mode", mode)))
}

// RecordProviderRequest counts one LLM provider request.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, status string) {
	m.ProviderRequests.Add(ctx, 1, metric.WithAttributes(Attr("provider", provider), Attr("status", status)))
}

// RecordCollaboratorError counts one absorbed collaborator failure.
func (m *Metrics) RecordCollaboratorError(ctx context.Context, collaborator string) {
	m.CollaboratorErrors.Add(ctx, 1, metric.WithAttributes(Attr("collaborator", collaborator)))
}

// RecordPersistenceError counts one failed load or save.
func (m *Metrics) RecordPersistenceError(ctx context.Context, backend, op string) {
	m.PersistenceErrors.Add(ctx, 1, metric.WithAttributes(Attr("backend", backend), Attr("op", op)))
}

// RecordBreakerTransition counts one circuit breaker state change.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, backend, to string) {
	m.BreakerTransitions.Add(ctx, 1, metric.WithAttributes(Attr("backend", backend), Attr("to", to)))
}
