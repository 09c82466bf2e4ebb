// Package observe provides the relay's observability primitives:
// OpenTelemetry metrics, tracing helpers, trace-aware logging, and HTTP
// middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exported to
// Prometheus by [InitProvider]. A package-level [DefaultMetrics] instance is
// provided for convenience; tests should use [NewMetrics] with their own
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all relay metrics.
const meterName = "github.com/MrWong99/callrelay"

// Metrics holds all OpenTelemetry instruments of the relay. All fields are
// safe for concurrent use.
type Metrics struct {
	// --- Call relay ---

	// ActiveCalls tracks calls with at least one joined member.
	ActiveCalls metric.Int64UpDownCounter

	// CallMembers tracks joined call connections across all calls.
	CallMembers metric.Int64UpDownCounter

	// RelayedMessages counts inbound call messages relayed to peers. Use with
	// attribute.String("type", ...).
	RelayedMessages metric.Int64Counter

	// BroadcastDuration tracks how long one fan-out takes.
	BroadcastDuration metric.Float64Histogram

	// --- Presence ---

	// OnlineUsers tracks users with at least one presence connection.
	OnlineUsers metric.Int64UpDownCounter

	// PresenceConnections tracks open presence connections.
	PresenceConnections metric.Int64UpDownCounter

	// PresenceTransitions counts online/offline edges. Use with
	// attribute.String("state", "online"|"offline").
	PresenceTransitions metric.Int64Counter

	// --- Transcription ---

	// TranscriptionSessions tracks open speech-to-text bridges.
	TranscriptionSessions metric.Int64UpDownCounter

	// TranscriptsPersisted counts stored transcripts. Use with
	// attribute.String("trigger", "stop"|"disconnect").
	TranscriptsPersisted metric.Int64Counter

	// STTStartDuration tracks how long opening a provider stream takes.
	STTStartDuration metric.Float64Histogram

	// --- Errors ---

	// AuthFailures counts rejected socket connections. Use with
	// attribute.String("endpoint", ...), attribute.String("reason", ...).
	AuthFailures metric.Int64Counter

	// DeliveryFailures counts failed sends to a single peer. Use with
	// attribute.String("endpoint", ...).
	DeliveryFailures metric.Int64Counter

	// PersistenceErrors counts failed store writes. Use with
	// attribute.String("op", ...).
	PersistenceErrors metric.Int64Counter

	// BreakerTransitions counts circuit breaker state changes. Use with
	// attribute.String("name", ...), attribute.String("to", ...).
	BreakerTransitions metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. For upgraded
	// sockets this is the connection lifetime. Use with attributes:
	//   attribute.String("method", ...), attribute.String("route", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// fan-out and provider start latencies.
var latencyBuckets = []float64{
	0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Gauges (UpDownCounters).
	for _, g := range []struct {
		dst  *metric.Int64UpDownCounter
		name string
		desc string
	}{
		{&met.ActiveCalls, "callrelay.calls.active", "Number of calls with at least one joined member."},
		{&met.CallMembers, "callrelay.call.members", "Number of joined call connections."},
		{&met.OnlineUsers, "callrelay.presence.online_users", "Number of users with at least one presence connection."},
		{&met.PresenceConnections, "callrelay.presence.connections", "Number of open presence connections."},
		{&met.TranscriptionSessions, "callrelay.transcription.sessions", "Number of open speech-to-text bridges."},
	} {
		if *g.dst, err = m.Int64UpDownCounter(g.name, metric.WithDescription(g.desc)); err != nil {
			return nil, err
		}
	}

	// Counters.
	for _, c := range []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&met.RelayedMessages, "callrelay.messages.relayed", "Inbound call messages relayed to peers, by type."},
		{&met.PresenceTransitions, "callrelay.presence.transitions", "Presence online/offline transitions, by state."},
		{&met.TranscriptsPersisted, "callrelay.transcripts.persisted", "Transcripts stored, by trigger."},
		{&met.AuthFailures, "callrelay.auth.failures", "Rejected socket connections, by endpoint and reason."},
		{&met.DeliveryFailures, "callrelay.delivery.failures", "Failed sends to a single peer, by endpoint."},
		{&met.PersistenceErrors, "callrelay.persistence.errors", "Failed store writes, by operation."},
		{&met.BreakerTransitions, "callrelay.circuit_breaker.transitions", "Circuit breaker state changes, by breaker and target state."},
	} {
		if *c.dst, err = m.Int64Counter(c.name, metric.WithDescription(c.desc)); err != nil {
			return nil, err
		}
	}

	// Histograms.
	if met.BroadcastDuration, err = m.Float64Histogram("callrelay.broadcast.duration",
		metric.WithDescription("Time to fan one message out to a call."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.STTStartDuration, err = m.Float64Histogram("callrelay.stt.start.duration",
		metric.WithDescription("Time to open a speech-to-text stream."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("callrelay.http.request.duration",
		metric.WithDescription("HTTP request latency by method and route."),
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

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordRelayed counts one relayed call message of the given type.
func (m *Metrics) RecordRelayed(ctx context.Context, msgType string) {
	m.RelayedMessages.Add(ctx, 1, metric.WithAttributes(Attr("type", msgType)))
}

// RecordAuthFailure counts one rejected connection.
func (m *Metrics) RecordAuthFailure(ctx context.Context, endpoint, reason string) {
	m.AuthFailures.Add(ctx, 1, metric.WithAttributes(
		Attr("endpoint", endpoint),
		Attr("reason", reason),
	))
}

// RecordDeliveryFailures counts n failed peer sends. n <= 0 is a no-op.
func (m *Metrics) RecordDeliveryFailures(ctx context.Context, endpoint string, n int) {
	if n <= 0 {
		return
	}
	m.DeliveryFailures.Add(ctx, int64(n), metric.WithAttributes(Attr("endpoint", endpoint)))
}

// RecordPersistenceError counts one failed store write.
func (m *Metrics) RecordPersistenceError(ctx context.Context, op string) {
	m.PersistenceErrors.Add(ctx, 1, metric.WithAttributes(Attr("op", op)))
}

// RecordTranscriptPersisted counts one stored transcript.
func (m *Metrics) RecordTranscriptPersisted(ctx context.Context, trigger string) {
	m.TranscriptsPersisted.Add(ctx, 1, metric.WithAttributes(Attr("trigger", trigger)))
}

// RecordPresenceTransition counts one online or offline edge.
func (m *Metrics) RecordPresenceTransition(ctx context.Context, online bool) {
	state := "offline"
	if online {
		state = "online"
	}
	m.PresenceTransitions.Add(ctx, 1, metric.WithAttributes(Attr("state", state)))
}

// RecordBreakerTransition counts one circuit breaker state change.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, name, to string) {
	m.BreakerTransitions.Add(ctx, 1, metric.WithAttributes(
		Attr("name", name),
		Attr("to", to),
	))
}
