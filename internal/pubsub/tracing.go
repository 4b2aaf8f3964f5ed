package pubsub

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/ThreeDotsLabs/watermill/message"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/zipkin"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const tracerName = "github.com/nfrund/dmrelay/internal/pubsub"

// Span context travels in message metadata because the go channel
// delivers copies of a message without its context.
var propagator = propagation.TraceContext{}

// TracingConfig controls event bus tracing.
type TracingConfig struct {
	Enabled     bool
	ServiceName string
	ZipkinURL   string
	// SampleRatio is the fraction of root spans recorded, in [0, 1].
	SampleRatio float64
}

func DefaultTracingConfig() TracingConfig {
	return TracingConfig{
		ServiceName: "dmrelay",
		ZipkinURL:   "http://localhost:9411/api/v2/spans",
		SampleRatio: 1,
	}
}

// LoadTracingConfigFromEnv reads PUBSUB_TRACING_ENABLED,
// PUBSUB_TRACING_SERVICE_NAME, PUBSUB_TRACING_ZIPKIN_URL and
// PUBSUB_TRACING_SAMPLE_RATIO. Unparsable values keep their defaults.
func LoadTracingConfigFromEnv() TracingConfig {
	cfg := DefaultTracingConfig()
	if v, err := strconv.ParseBool(os.Getenv("PUBSUB_TRACING_ENABLED")); err == nil {
		cfg.Enabled = v
	}
	if v := os.Getenv("PUBSUB_TRACING_SERVICE_NAME"); v != "" {
		cfg.ServiceName = v
	}
	if v := os.Getenv("PUBSUB_TRACING_ZIPKIN_URL"); v != "" {
		cfg.ZipkinURL = v
	}
	if v, err := strconv.ParseFloat(os.Getenv("PUBSUB_TRACING_SAMPLE_RATIO"), 64); err == nil && v >= 0 && v <= 1 {
		cfg.SampleRatio = v
	}
	return cfg
}

// SetupOTel returns the tracer used by the bus and a function that flushes
// and stops it. A disabled config yields a no-op tracer.
func SetupOTel(ctx context.Context, cfg TracingConfig) (trace.Tracer, func(context.Context) error, error) {
	if !cfg.Enabled {
		return noop.NewTracerProvider().Tracer(tracerName), func(context.Context) error { return nil }, nil
	}

	exporter, err := zipkin.New(cfg.ZipkinURL)
	if err != nil {
		return nil, nil, fmt.Errorf("create zipkin exporter: %w", err)
	}
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceNameKey.String(cfg.ServiceName)))
	if err != nil {
		return nil, nil, fmt.Errorf("create otel resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagator)
	return tp.Tracer(tracerName), tp.Shutdown, nil
}

// eventAttributes describes a relay event. Payloads are never recorded;
// they can carry message text.
func eventAttributes(operation, topic string, msg *message.Message) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("messaging.system", "watermill"),
		attribute.String("messaging.operation", operation),
		attribute.String("messaging.destination", topic),
		attribute.String("messaging.message_id", msg.UUID),
		attribute.Int("messaging.message_payload_size_bytes", len(msg.Payload)),
		attribute.String("relay.user_id", msg.Metadata.Get(metaKeyUserID)),
	}
}

func recordResult(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// traceHandler runs h inside a consumer span that continues the trace
// started by the publisher.
func traceHandler(tracer trace.Tracer, h message.HandlerFunc) message.HandlerFunc {
	return func(msg *message.Message) ([]*message.Message, error) {
		topic := msg.Metadata.Get(metaKeyTopic)
		parent := propagator.Extract(msg.Context(), propagation.MapCarrier(msg.Metadata))
		ctx, span := tracer.Start(parent, "relay.event.process "+topic,
			trace.WithSpanKind(trace.SpanKindConsumer),
			trace.WithAttributes(eventAttributes("process", topic, msg)...),
		)
		defer span.End()
		msg.SetContext(ctx)

		produced, err := h(msg)
		recordResult(span, err)
		return produced, err
	}
}

// tracingPublisher starts a producer span per message and injects its
// context into the message metadata.
type tracingPublisher struct {
	message.Publisher
	tracer trace.Tracer
}

func newTracingPublisher(pub message.Publisher, tracer trace.Tracer) *tracingPublisher {
	return &tracingPublisher{Publisher: pub, tracer: tracer}
}

func (p *tracingPublisher) Publish(topic string, messages ...*message.Message) error {
	spans := make([]trace.Span, 0, len(messages))
	for _, msg := range messages {
		ctx, span := p.tracer.Start(msg.Context(), "relay.event.publish "+topic,
			trace.WithSpanKind(trace.SpanKindProducer),
			trace.WithAttributes(eventAttributes("publish", topic, msg)...),
		)
		propagator.Inject(ctx, propagation.MapCarrier(msg.Metadata))
		msg.SetContext(ctx)
		spans = append(spans, span)
	}

	err := p.Publisher.Publish(topic, messages...)
	for _, span := range spans {
		recordResult(span, err)
		span.End()
	}
	return err
}
