// Package observe provides application-wide observability primitives:
// OpenTelemetry metrics, distributed tracing, structured logging, and HTTP
// middleware that ties them together. This file carries the metric
// instruments: pipeline throughput, queue depth, agent/gateway latency, and
// voice-session gauges.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still
// be scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all metrics.
const meterName = "github.com/felixsoderstrom/indexbot"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Pipeline ---

	// MessagesProcessed counts messages the Message Pipeline finished
	// processing. Use with attributes: attribute.String("server_id", ...),
	// attribute.String("status", ...) (prepared|stored|failed).
	MessagesProcessed metric.Int64Counter

	// PipelineStageDuration tracks per-stage latency (extract, embed,
	// upsert). Use with attribute.String("stage", ...).
	PipelineStageDuration metric.Float64Histogram

	// --- Request Queue / Queue Worker ---

	// QueueDepth tracks the current number of pending QueueRequests.
	QueueDepth metric.Int64UpDownCounter

	// QueueRejections counts rejected enqueue attempts. Use with
	// attribute.String("reason", ...) (full|duplicate_user|rate_limited).
	QueueRejections metric.Int64Counter

	// RequestDuration tracks end-to-end QueueRequest handling latency, from
	// dequeue to terminal status. Use with
	// attribute.String("request_type", ...).
	RequestDuration metric.Float64Histogram

	// --- Agent Runner / Model Gateway ---

	// AgentLatency tracks Agent Runner turn latency, including tool calls.
	AgentLatency metric.Float64Histogram

	// ToolCalls counts search_messages tool invocations. Use with
	// attribute.String("status", ...).
	ToolCalls metric.Int64Counter

	// GatewayRequests counts Model Gateway calls. Use with
	// attribute.String("kind", ...) (chat|vision|embed),
	// attribute.String("status", ...).
	GatewayRequests metric.Int64Counter

	// --- Voice ---

	// ActiveVoiceSessions tracks the number of open VoiceSessions.
	ActiveVoiceSessions metric.Int64UpDownCounter

	// AudioFramesDropped counts per-user audio frames dropped due to a full
	// buffer.
	AudioFramesDropped metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes: attribute.String("method", ...), attribute.String("path", ...).
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds), tuned
// for the mix of fast vector-store lookups and slower model-gateway calls
// this backbone makes.
var latencyBuckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.MessagesProcessed, err = m.Int64Counter("indexbot.messages.processed",
		metric.WithDescription("Total messages processed by the pipeline, by server and terminal status."),
	); err != nil {
		return nil, err
	}
	if met.PipelineStageDuration, err = m.Float64Histogram("indexbot.pipeline.stage.duration",
		metric.WithDescription("Latency of individual pipeline stages."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.QueueDepth, err = m.Int64UpDownCounter("indexbot.queue.depth",
		metric.WithDescription("Current number of pending QueueRequests."),
	); err != nil {
		return nil, err
	}
	if met.QueueRejections, err = m.Int64Counter("indexbot.queue.rejections",
		metric.WithDescription("Total enqueue attempts rejected, by reason."),
	); err != nil {
		return nil, err
	}
	if met.RequestDuration, err = m.Float64Histogram("indexbot.request.duration",
		metric.WithDescription("End-to-end QueueRequest handling latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.AgentLatency, err = m.Float64Histogram("indexbot.agent.latency",
		metric.WithDescription("Agent Runner turn latency, including tool calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("indexbot.tool.calls",
		metric.WithDescription("Total search_messages tool invocations, by status."),
	); err != nil {
		return nil, err
	}
	if met.GatewayRequests, err = m.Int64Counter("indexbot.gateway.requests",
		metric.WithDescription("Total Model Gateway calls, by kind and status."),
	); err != nil {
		return nil, err
	}
	if met.ActiveVoiceSessions, err = m.Int64UpDownCounter("indexbot.voice.active_sessions",
		metric.WithDescription("Number of currently open VoiceSessions."),
	); err != nil {
		return nil, err
	}
	if met.AudioFramesDropped, err = m.Int64Counter("indexbot.audio.frames_dropped",
		metric.WithDescription("Total audio frames dropped due to a full per-user buffer."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("indexbot.http.request.duration",
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

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordMessageProcessed records one pipeline terminal outcome.
func (m *Metrics) RecordMessageProcessed(ctx context.Context, serverID, status string) {
	m.MessagesProcessed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("server_id", serverID),
		attribute.String("status", status),
	))
}

// RecordQueueRejection records one rejected enqueue attempt.
func (m *Metrics) RecordQueueRejection(ctx context.Context, reason string) {
	m.QueueRejections.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordToolCall records one search_messages invocation outcome.
func (m *Metrics) RecordToolCall(ctx context.Context, status string) {
	m.ToolCalls.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordGatewayRequest records one Model Gateway call outcome.
func (m *Metrics) RecordGatewayRequest(ctx context.Context, kind, status string) {
	m.GatewayRequests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("status", status),
	))
}
