// Package observability owns the process-wide OpenTelemetry tracer
// provider and Prometheus registry, with a span and metric vocabulary
// covering streams, graph nodes, tool calls, checkpoints, credits, and
// sandboxes. A stdout trace exporter serves local/dev running.
package observability

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// ServiceName identifies this runtime in trace resources and metrics.
const ServiceName = "agentrt"

// Span names, one per instrumented subsystem operation.
const (
	SpanStream        = "agentrt.graph.stream"
	SpanNode           = "agentrt.graph.node"
	SpanToolCall       = "agentrt.mcp.call_tool"
	SpanCheckpointSave = "agentrt.checkpoint.save"
	SpanCreditDeduct   = "agentrt.credit.deduct"
	SpanSandboxCreate  = "agentrt.sandbox.create"
)

// Manager owns the process-wide tracer provider and Prometheus registry.
type Manager struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
	Registry *prometheus.Registry

	StreamEvents      *prometheus.CounterVec
	NodeDuration       *prometheus.HistogramVec
	ToolCallDuration    *prometheus.HistogramVec
	CheckpointWrites    prometheus.Counter
	CreditDeductions    *prometheus.CounterVec
	SandboxesActive     prometheus.Gauge
}

// NewManager builds tracing + metrics. enableTracing false skips exporter
// setup entirely and returns a no-op tracer, since a stdout exporter
// writing every span is noisy outside local/dev use.
func NewManager(ctx context.Context, enableTracing bool) (*Manager, error) {
	m := &Manager{Registry: prometheus.NewRegistry()}

	if enableTracing {
		exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("observability: stdout exporter: %w", err)
		}
		res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
			semconv.ServiceNameKey.String(ServiceName),
		))
		if err != nil {
			return nil, fmt.Errorf("observability: resource: %w", err)
		}
		m.provider = sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(res),
		)
		otel.SetTracerProvider(m.provider)
		m.tracer = m.provider.Tracer(ServiceName)
	} else {
		m.tracer = otel.GetTracerProvider().Tracer(ServiceName)
	}

	m.StreamEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "agentrt_stream_events_total",
		Help: "AG-UI events emitted, by kind.",
	}, []string{"kind"})
	m.NodeDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name: "agentrt_graph_node_duration_seconds",
		Help: "Graph node execution duration.",
	}, []string{"node"})
	m.ToolCallDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name: "agentrt_mcp_tool_call_duration_seconds",
		Help: "MCP tool call duration.",
	}, []string{"tool"})
	m.CheckpointWrites = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "agentrt_checkpoint_writes_total",
		Help: "Checkpoints persisted.",
	})
	m.CreditDeductions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "agentrt_credit_deductions_total",
		Help: "Credit deductions, by pool.",
	}, []string{"pool"})
	m.SandboxesActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "agentrt_sandboxes_active",
		Help: "Sandboxes currently in a non-terminal state.",
	})

	m.Registry.MustRegister(m.StreamEvents, m.NodeDuration, m.ToolCallDuration, m.CheckpointWrites, m.CreditDeductions, m.SandboxesActive)
	return m, nil
}

// Tracer returns the process tracer, usable even when tracing export is
// disabled (spans become no-ops via the global no-op provider).
func (m *Manager) Tracer() trace.Tracer { return m.tracer }

// Shutdown flushes and stops the tracer provider, if one was started.
func (m *Manager) Shutdown(ctx context.Context) error {
	if m.provider == nil {
		return nil
	}
	return m.provider.Shutdown(ctx)
}
