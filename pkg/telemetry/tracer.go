package telemetry

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
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc/credentials/insecure"
)

// Tracer wraps the OpenTelemetry tracer with gateway-specific span helpers.
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
	config   TracingConfig
}

// NewTracer creates a new tracer with the given configuration.
func NewTracer(cfg TracingConfig, serviceVersion string) (*Tracer, error) {
	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "identigate"
	}

	if !cfg.Enabled {
		return &Tracer{
			provider: sdktrace.NewTracerProvider(),
			tracer:   otel.Tracer(serviceName),
			config:   cfg,
		}, nil
	}

	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(serviceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace resource: %w", err)
	}

	var exporter sdktrace.SpanExporter
	switch cfg.Exporter {
	case "otlp":
		exporter, err = otlptracegrpc.New(context.Background(),
			otlptracegrpc.WithEndpoint(cfg.Endpoint),
			otlptracegrpc.WithTLSCredentials(insecure.NewCredentials()),
		)
	case "stdout", "":
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	default:
		return nil, fmt.Errorf("unsupported trace exporter: %s", cfg.Exporter)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(
			sdktrace.TraceIDRatioBased(cfg.SampleRate),
		)),
		sdktrace.WithBatcher(exporter),
	)

	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(
		propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		),
	)

	return &Tracer{
		provider: provider,
		tracer:   provider.Tracer(serviceName),
		config:   cfg,
	}, nil
}

// StartSpan starts a span with the given attributes.
func (t *Tracer) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// StartOperationSpan starts a span for a provisioning operation.
func (t *Tracer) StartOperationSpan(ctx context.Context, operationID, accountID string, opType string) (context.Context, trace.Span) {
	return t.StartSpan(ctx, "operation.execute",
		AttrOperationID.String(operationID),
		AttrAccountID.String(accountID),
		AttrOperationType.String(opType),
	)
}

// StartTargetSpan starts a span for one target-system application.
func (t *Tracer) StartTargetSpan(ctx context.Context, operationID, target string) (context.Context, trace.Span) {
	return t.StartSpan(ctx, "operation.target",
		AttrOperationID.String(operationID),
		AttrTargetSystem.String(target),
	)
}

// StartConnectorSpan starts a span for a connector call.
func (t *Tracer) StartConnectorSpan(ctx context.Context, target, call string) (context.Context, trace.Span) {
	return t.StartSpan(ctx, fmt.Sprintf("connector.%s", call),
		AttrTargetSystem.String(target),
		AttrConnectorCall.String(call),
	)
}

// StartWorkflowSpan starts a span for a workflow transition.
func (t *Tracer) StartWorkflowSpan(ctx context.Context, instanceID, transition string) (context.Context, trace.Span) {
	return t.StartSpan(ctx, fmt.Sprintf("workflow.%s", transition),
		AttrInstanceID.String(instanceID),
	)
}

// StartReconcileSpan starts a span for a reconciliation job run.
func (t *Tracer) StartReconcileSpan(ctx context.Context, jobID string) (context.Context, trace.Span) {
	return t.StartSpan(ctx, "reconcile.job",
		AttrJobID.String(jobID),
	)
}

// RecordError records an error on the span and sets its status.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// RecordSuccess marks the span as successful.
func RecordSuccess(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// Shutdown gracefully shuts down the tracer, flushing any pending spans.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}

// TraceID returns the trace ID of the current span in the context.
func TraceID(ctx context.Context) string {
	span := trace.SpanFromContext(ctx)
	if !span.SpanContext().IsValid() {
		return ""
	}
	return span.SpanContext().TraceID().String()
}

// Common attribute keys for gateway tracing.
var (
	AttrOperationID   = attribute.Key("operation.id")
	AttrOperationType = attribute.Key("operation.type")
	AttrAccountID     = attribute.Key("account.id")
	AttrTargetSystem  = attribute.Key("target.system")
	AttrConnectorCall = attribute.Key("connector.call")
	AttrInstanceID    = attribute.Key("workflow.instance_id")
	AttrJobID         = attribute.Key("reconcile.job_id")
	AttrErrorClass    = attribute.Key("error.class")
)
