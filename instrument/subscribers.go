package instrument

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/aschepis/backscratcher/conductor"

// LogSubscriber writes every event as one structured log line.
type LogSubscriber struct {
	logger zerolog.Logger
}

// NewLogSubscriber creates a LogSubscriber.
func NewLogSubscriber(logger zerolog.Logger) *LogSubscriber {
	return &LogSubscriber{logger: logger.With().Str("component", "instrument").Logger()}
}

// Handle implements Subscriber.
func (s *LogSubscriber) Handle(_ context.Context, e Event) {
	var evt *zerolog.Event
	switch {
	case e.Err != nil || e.Name == EventConnectionError || e.Name == EventRetriesExhausted:
		evt = s.logger.Error().Err(e.Err)
	case e.Name == EventRetryAttempt:
		evt = s.logger.Warn()
	default:
		evt = s.logger.Debug()
	}
	evt.Str("event", e.Name).
		Str("trace_id", e.TraceID).
		Dur("duration", e.Duration).
		Fields(e.Payload).
		Msg("instrumentation event")
}

// TraceSubscriber records each event as a finished OpenTelemetry span.
type TraceSubscriber struct {
	tracer trace.Tracer
}

// NewTraceSubscriber uses the global TracerProvider when tracer is nil.
func NewTraceSubscriber(tracer trace.Tracer) *TraceSubscriber {
	if tracer == nil {
		tracer = otel.Tracer(instrumentationName)
	}
	return &TraceSubscriber{tracer: tracer}
}

// Handle implements Subscriber.
func (s *TraceSubscriber) Handle(ctx context.Context, e Event) {
	_, span := s.tracer.Start(ctx, e.Name,
		trace.WithTimestamp(e.Start),
		trace.WithAttributes(attributes(e)...),
	)
	if e.Err != nil {
		span.RecordError(e.Err)
		span.SetStatus(codes.Error, e.Err.Error())
	}
	span.End(trace.WithTimestamp(e.Start.Add(e.Duration)))
}

// MetricsSubscriber turns events into OpenTelemetry counters and histograms.
type MetricsSubscriber struct {
	inputTokens  metric.Int64Counter
	outputTokens metric.Int64Counter
	rounds       metric.Int64Counter
	toolCalls    metric.Int64Counter
	retries      metric.Int64Counter
	failures     metric.Int64Counter
	duration     metric.Float64Histogram
}

// NewMetricsSubscriber uses the global MeterProvider when meter is nil.
func NewMetricsSubscriber(meter metric.Meter) (*MetricsSubscriber, error) {
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}
	var (
		m   MetricsSubscriber
		err error
	)
	if m.inputTokens, err = meter.Int64Counter("conductor.tokens.input"); err != nil {
		return nil, fmt.Errorf("create input token counter: %w", err)
	}
	if m.outputTokens, err = meter.Int64Counter("conductor.tokens.output"); err != nil {
		return nil, fmt.Errorf("create output token counter: %w", err)
	}
	if m.rounds, err = meter.Int64Counter("conductor.rounds"); err != nil {
		return nil, fmt.Errorf("create round counter: %w", err)
	}
	if m.toolCalls, err = meter.Int64Counter("conductor.tool_calls"); err != nil {
		return nil, fmt.Errorf("create tool call counter: %w", err)
	}
	if m.retries, err = meter.Int64Counter("conductor.retries"); err != nil {
		return nil, fmt.Errorf("create retry counter: %w", err)
	}
	if m.failures, err = meter.Int64Counter("conductor.connection_errors"); err != nil {
		return nil, fmt.Errorf("create connection error counter: %w", err)
	}
	if m.duration, err = meter.Float64Histogram("conductor.duration", metric.WithUnit("s")); err != nil {
		return nil, fmt.Errorf("create duration histogram: %w", err)
	}
	return &m, nil
}

// Handle implements Subscriber.
func (m *MetricsSubscriber) Handle(ctx context.Context, e Event) {
	attrs := metric.WithAttributes(
		attribute.String("event", e.Name),
		attribute.String("model", fmt.Sprint(e.Payload["model"])),
	)
	switch e.Name {
	case EventPromptProvider, EventEmbedProvider:
		m.rounds.Add(ctx, 1, attrs)
		if u, ok := e.Payload["usage"].(map[string]any); ok {
			m.inputTokens.Add(ctx, toInt64(u["input_tokens"]), attrs)
			m.outputTokens.Add(ctx, toInt64(u["output_tokens"]), attrs)
		}
	case EventToolCall:
		m.toolCalls.Add(ctx, 1, attrs)
	case EventRetryAttempt:
		m.retries.Add(ctx, 1, attrs)
	case EventConnectionError:
		m.failures.Add(ctx, 1, attrs)
	}
	if e.Duration > 0 {
		m.duration.Record(ctx, e.Duration.Seconds(), attrs)
	}
}

// Recorder keeps every event in memory. Tests use it to assert on emission.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Handle implements Subscriber.
func (r *Recorder) Handle(_ context.Context, e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns recorded events, optionally filtered by name.
func (r *Recorder) Events(name ...string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, 0, len(r.events))
	for _, e := range r.events {
		if len(name) == 0 || e.Name == name[0] {
			out = append(out, e)
		}
	}
	return out
}

// Names returns the recorded event names in order.
func (r *Recorder) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, len(r.events))
	for i, e := range r.events {
		names[i] = e.Name
	}
	return names
}

// Count returns how many events named name were recorded.
func (r *Recorder) Count(name string) int {
	return len(r.Events(name))
}

func attributes(e Event) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(e.Payload)+1)
	if e.TraceID != "" {
		attrs = append(attrs, attribute.String("trace_id", e.TraceID))
	}
	for k, v := range e.Payload {
		switch val := v.(type) {
		case string:
			attrs = append(attrs, attribute.String(k, val))
		case bool:
			attrs = append(attrs, attribute.Bool(k, val))
		case int:
			attrs = append(attrs, attribute.Int(k, val))
		case int64:
			attrs = append(attrs, attribute.Int64(k, val))
		case float64:
			attrs = append(attrs, attribute.Float64(k, val))
		default:
			attrs = append(attrs, attribute.String(k, fmt.Sprint(val)))
		}
	}
	return attrs
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	}
	return 0
}
