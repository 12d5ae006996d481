// Package observe provides the OpenTelemetry metrics for a crosstalk agent.
//
// Metrics are recorded through the OTel Metrics API and exported through a
// Prometheus bridge so the standard /metrics endpoint keeps working. Tests
// should use [NewMetrics] with their own [metric.MeterProvider] to avoid
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

// meterName is the instrumentation scope name for all crosstalk metrics.
const meterName = "github.com/MrWong99/crosstalk"

// Metrics holds all metric instruments. All fields are safe for concurrent
// use — the underlying OTel types handle their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// LLMDuration tracks converse/classify RPC latency.
	LLMDuration metric.Float64Histogram

	// ToolDuration tracks tool dispatch latency.
	ToolDuration metric.Float64Histogram

	// GatewayDuration tracks gateway RPC latency.
	GatewayDuration metric.Float64Histogram

	// --- Counters ---

	// Utterances counts processed utterances. Use with attribute:
	//   attribute.String("role", ...)
	Utterances metric.Int64Counter

	// ToolCalls counts tool invocations. Use with attributes:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// Handoffs counts emitted handoffs. Use with attributes:
	//   attribute.String("target", ...), attribute.String("status", ...)
	Handoffs metric.Int64Counter

	// UpstreamErrors counts provider failures. Use with attribute:
	//   attribute.String("upstream", ...)
	UpstreamErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live sessions.
	ActiveSessions metric.Int64UpDownCounter
}

// latencyBuckets defines histogram boundaries (seconds) sized for
// conversational RPCs.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised Metrics struct on the given
// provider.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.LLMDuration, err = m.Float64Histogram("crosstalk.llm.duration",
		metric.WithDescription("Latency of LLM converse and classify RPCs."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ToolDuration, err = m.Float64Histogram("crosstalk.tool.duration",
		metric.WithDescription("Latency of tool dispatch."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.GatewayDuration, err = m.Float64Histogram("crosstalk.gateway.duration",
		metric.WithDescription("Latency of gateway RPCs."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.Utterances, err = m.Int64Counter("crosstalk.utterances",
		metric.WithDescription("Total processed utterances by role."),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("crosstalk.tool.calls",
		metric.WithDescription("Total tool invocations by tool name and status."),
	); err != nil {
		return nil, err
	}
	if met.Handoffs, err = m.Int64Counter("crosstalk.handoffs",
		metric.WithDescription("Total emitted handoffs by target agent and status."),
	); err != nil {
		return nil, err
	}
	if met.UpstreamErrors, err = m.Int64Counter("crosstalk.upstream.errors",
		metric.WithDescription("Total upstream failures by collaborator."),
	); err != nil {
		return nil, err
	}

	if met.ActiveSessions, err = m.Int64UpDownCounter("crosstalk.active_sessions",
		metric.WithDescription("Number of live sessions."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level Metrics instance, creating it on
// first call from the global meter provider. Panics if instrument creation
// fails (does not happen with the global provider).
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

// RecordUtterance increments the utterance counter for a role.
func (m *Metrics) RecordUtterance(ctx context.Context, role string) {
	m.Utterances.Add(ctx, 1,
		metric.WithAttributes(attribute.String("role", role)),
	)
}

// RecordLLMCall records one model RPC with its latency.
func (m *Metrics) RecordLLMCall(ctx context.Context, rpc, status string, d time.Duration) {
	m.LLMDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(
			attribute.String("rpc", rpc),
			attribute.String("status", status),
		),
	)
}

// RecordToolCall records one tool invocation with its latency.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string, d time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("tool", tool),
		attribute.String("status", status),
	)
	m.ToolCalls.Add(ctx, 1, attrs)
	m.ToolDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordHandoff records one handoff emission.
func (m *Metrics) RecordHandoff(ctx context.Context, target, status string) {
	m.Handoffs.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("target", target),
			attribute.String("status", status),
		),
	)
}

// RecordUpstreamError increments the upstream error counter.
func (m *Metrics) RecordUpstreamError(ctx context.Context, upstream string) {
	m.UpstreamErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("upstream", upstream)),
	)
}
