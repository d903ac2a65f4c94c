package main

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

const tracerName = "github.com/nugget/scagent"

// newTracerProvider installs a tracer provider whose spans end up in
// the debug log, and makes it the global provider.
func newTracerProvider(logger *slog.Logger) *sdktrace.TracerProvider {
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(&logExporter{logger: logger.With("component", "trace")}),
	)
	otel.SetTracerProvider(tp)
	return tp
}

// logExporter writes finished spans to a structured logger.
type logExporter struct {
	logger *slog.Logger
}

func (e *logExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	for _, s := range spans {
		attrs := []any{
			"span", s.Name(),
			"trace_id", s.SpanContext().TraceID().String(),
			"span_id", s.SpanContext().SpanID().String(),
			"elapsed", s.EndTime().Sub(s.StartTime()).Round(time.Millisecond),
			"status", s.Status().Code.String(),
		}
		if p := s.Parent(); p.IsValid() {
			attrs = append(attrs, "parent_id", p.SpanID().String())
		}
		for _, kv := range s.Attributes() {
			attrs = append(attrs, string(kv.Key), kv.Value.Emit())
		}
		e.logger.Log(ctx, slog.LevelDebug, "span", attrs...)
	}
	return nil
}

func (e *logExporter) Shutdown(context.Context) error {
	return nil
}
