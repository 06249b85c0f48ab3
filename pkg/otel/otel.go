// Package otel initializes distributed tracing for the control plane
// and defines the attribute vocabulary shared by its spans: assignment
// decisions, flag evaluations, rollout transitions, safety verdicts.
package otel

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// Config holds OpenTelemetry configuration
type Config struct {
	ServiceName          string
	ServiceVersion       string
	Environment          string
	CollectorEndpoint    string
	CollectorInsecure    bool
	SamplingRate         float64 // 0.0 to 1.0 (1.0 = always sample)
	MaxEventsPerSpan     int
	MaxAttributesPerSpan int
}

// DefaultConfig returns production defaults
func DefaultConfig(serviceName string) *Config {
	return &Config{
		ServiceName:          serviceName,
		ServiceVersion:       "0.3.0",
		Environment:          "production",
		CollectorEndpoint:    "localhost:4317",
		CollectorInsecure:    true, // Use TLS in production
		SamplingRate:         1.0,  // Sample all traces in dev
		MaxEventsPerSpan:     128,
		MaxAttributesPerSpan: 128,
	}
}

// InitTracer initializes OpenTelemetry tracing
func InitTracer(ctx context.Context, config *Config) (*sdktrace.TracerProvider, error) {
	if config == nil {
		config = DefaultConfig("rampart")
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(config.CollectorEndpoint),
		otlptracegrpc.WithInsecure(), // Use WithTLSCredentials in production
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter,
			sdktrace.WithBatchTimeout(5*time.Second),
			sdktrace.WithMaxQueueSize(2048),
			sdktrace.WithMaxExportBatchSize(512),
		),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(config.SamplingRate)),
		sdktrace.WithSpanLimits(sdktrace.SpanLimits{
			EventCountLimit:     config.MaxEventsPerSpan,
			AttributeCountLimit: config.MaxAttributesPerSpan,
		}),
	)

	otel.SetTracerProvider(tp)

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return tp, nil
}

// Shutdown gracefully shuts down the tracer provider
func Shutdown(ctx context.Context, tp *sdktrace.TracerProvider) error {
	if tp == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	return tp.Shutdown(ctx)
}

// StartSpan is a convenience wrapper for starting a span with common attributes
func StartSpan(ctx context.Context, tracerName, spanName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, spanName)

	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}

	return ctx, span
}

// RecordError records an error on a span with optional message
func RecordError(span trace.Span, err error, message string) {
	if span == nil || err == nil {
		return
	}

	if message != "" {
		span.RecordError(err, trace.WithAttributes(
			attribute.String("error.message", message),
		))
	} else {
		span.RecordError(err)
	}

	span.SetStatus(codes.Error, err.Error())
}

// AddEvent adds an event to a span with optional attributes
func AddEvent(span trace.Span, name string, attrs ...attribute.KeyValue) {
	if span == nil {
		return
	}

	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// Common attribute keys
const (
	// Experiment attributes
	AttrExperimentID = attribute.Key("experiment.id")
	AttrVariantID    = attribute.Key("variant.id")
	AttrStrategy     = attribute.Key("experiment.strategy")
	AttrEventType    = attribute.Key("event.type")

	// Flag attributes
	AttrFlagName    = attribute.Key("flag.name")
	AttrFlagEnabled = attribute.Key("flag.enabled")

	// Rollout attributes
	AttrRolloutID         = attribute.Key("rollout.id")
	AttrRolloutPhase      = attribute.Key("rollout.phase")
	AttrRolloutPercentage = attribute.Key("rollout.percentage")

	// Safety attributes
	AttrSafetyTrigger  = attribute.Key("safety.trigger")
	AttrSafetySeverity = attribute.Key("safety.severity")
	AttrRollbackOrigin = attribute.Key("rollback.origin")

	// Caller attributes
	AttrUserID   = attribute.Key("user.id")
	AttrCallerID = attribute.Key("caller.id")
)

// Helper functions to create common attributes

func AssignmentAttributes(experimentID, userID, variantID string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrExperimentID.String(experimentID),
		AttrUserID.String(userID),
	}
	if variantID != "" {
		attrs = append(attrs, AttrVariantID.String(variantID))
	}
	return attrs
}

func FlagAttributes(name, userID string, enabled bool) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrFlagName.String(name),
		AttrUserID.String(userID),
		AttrFlagEnabled.Bool(enabled),
	}
}

func RolloutAttributes(rolloutID string, phase int, percentage float64) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrRolloutID.String(rolloutID),
		AttrRolloutPhase.Int(phase),
		AttrRolloutPercentage.Float64(percentage),
	}
}

func SafetyAttributes(trigger, severity, origin string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrSafetyTrigger.String(trigger),
		AttrSafetySeverity.String(severity),
		AttrRollbackOrigin.String(origin),
	}
}
