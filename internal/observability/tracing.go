package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/pitabwire/workorder/internal/config"
	"github.com/pitabwire/workorder/model"
)

const tracerName = "github.com/pitabwire/workorder"

// Span attribute keys for flow operations.
var (
	AttrFlowID        = attribute.Key("flow.id")
	AttrTemplateID    = attribute.Key("flow.template_id")
	AttrStep          = attribute.Key("flow.step")
	AttrToState       = attribute.Key("flow.to_state")
	AttrVersion       = attribute.Key("flow.version")
	AttrSubjectID     = attribute.Key("flow.subject_id")
	AttrCorrelationID = attribute.Key("flow.correlation_id")
	AttrReplayed      = attribute.Key("flow.idempotent_replay")
	AttrErrorCode     = attribute.Key("flow.error_code")
)

// InitTracing initializes the OpenTelemetry TracerProvider with the given
// configuration. It returns a shutdown function that flushes pending spans.
func InitTracing(ctx context.Context, cfg config.TracingConfig, serviceName, serviceVersion string) (shutdown func(context.Context) error, err error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("tracing: create exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(serviceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("tracing: create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(newSampler(cfg)),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return tp.Shutdown, nil
}

// newExporter creates a trace exporter based on configuration.
func newExporter(ctx context.Context, cfg config.TracingConfig) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "otlp", "":
		opts := []otlptracegrpc.Option{}
		if cfg.Endpoint != "" {
			opts = append(opts, otlptracegrpc.WithEndpoint(cfg.Endpoint))
		}
		return otlptracegrpc.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("unsupported exporter: %q (supported: otlp, stdout)", cfg.Exporter)
	}
}

// newSampler creates a parent-based sampler with a configurable ratio.
func newSampler(cfg config.TracingConfig) sdktrace.Sampler {
	rate := cfg.SamplingRate
	if rate <= 0 {
		rate = 0.1
	}
	if rate >= 1 {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
}

// Tracer returns the package-level tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span on the package-level tracer.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	opts := []trace.SpanStartOption{}
	if len(attrs) > 0 {
		opts = append(opts, trace.WithAttributes(attrs...))
	}
	return Tracer().Start(ctx, name, opts...)
}

// FlowSpan identifies the flow operation a span covers. Empty fields are
// not recorded.
type FlowSpan struct {
	Operation  string
	TemplateID string
	FlowID     string
	Step       string
}

// StartFlowSpan starts a span named "flow.<operation>" tagged with the flow
// and the acting subject.
func StartFlowSpan(ctx context.Context, fs FlowSpan, actor *model.ActorContext) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{AttrStep.String(fs.Step)}
	if fs.TemplateID != "" {
		attrs = append(attrs, AttrTemplateID.String(fs.TemplateID))
	}
	if fs.FlowID != "" {
		attrs = append(attrs, AttrFlowID.String(fs.FlowID))
	}
	if actor != nil {
		attrs = append(attrs, AttrSubjectID.String(actor.SubjectID))
		if actor.CorrelationID != "" {
			attrs = append(attrs, AttrCorrelationID.String(actor.CorrelationID))
		}
	}
	return StartSpan(ctx, "flow."+fs.Operation, attrs...)
}

// EndFlowSpan ends a flow span. On success it records where the flow landed;
// on failure it records the error code and marks the span as failed.
func EndFlowSpan(span trace.Span, f model.Flow, err error) {
	if err != nil {
		if code := model.CodeOf(err); code != "" {
			span.SetAttributes(AttrErrorCode.String(code))
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		return
	}
	if f.ID != "" {
		span.SetAttributes(
			AttrFlowID.String(f.ID),
			AttrTemplateID.String(f.TemplateID),
			AttrToState.String(f.State),
			AttrVersion.Int(f.Version),
		)
	}
	span.End()
}

// TraceIDFromContext returns the active trace ID, or "" without a span.
func TraceIDFromContext(ctx context.Context) string {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}
