package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// scrubbingExporter rewrites credential material out of span string
// attributes, event attributes, and status descriptions before they
// reach the wire. It runs inside the batch processor's export
// goroutine, off the request path.
type scrubbingExporter struct {
	next sdktrace.SpanExporter
}

func newScrubbingExporter(next sdktrace.SpanExporter) sdktrace.SpanExporter {
	return &scrubbingExporter{next: next}
}

func (e *scrubbingExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	out := make([]sdktrace.ReadOnlySpan, len(spans))
	for i, span := range spans {
		out[i] = scrubSpan(span)
	}
	return e.next.ExportSpans(ctx, out)
}

func (e *scrubbingExporter) Shutdown(ctx context.Context) error {
	return e.next.Shutdown(ctx)
}

// scrubSpan copies a dirty span into a mutable stub and sanitizes it.
// Spans with nothing to hide pass through as-is, so the common case
// stays allocation free.
func scrubSpan(span sdktrace.ReadOnlySpan) sdktrace.ReadOnlySpan {
	if !needsScrub(span) {
		return span
	}

	stub := tracetest.SpanStubFromReadOnlySpan(span)
	stub.Attributes = scrubAttrs(stub.Attributes)
	for i := range stub.Events {
		stub.Events[i].Attributes = scrubAttrs(stub.Events[i].Attributes)
	}
	stub.Status.Description = ScrubCredentials(stub.Status.Description)
	return stub.Snapshot()
}

func needsScrub(span sdktrace.ReadOnlySpan) bool {
	if attrsContainCredential(span.Attributes()) {
		return true
	}
	for _, event := range span.Events() {
		if attrsContainCredential(event.Attributes) {
			return true
		}
	}
	return ContainsCredential(span.Status().Description)
}

func attrsContainCredential(attrs []attribute.KeyValue) bool {
	for _, kv := range attrs {
		if kv.Value.Type() == attribute.STRING && ContainsCredential(kv.Value.AsString()) {
			return true
		}
	}
	return false
}

// scrubAttrs returns a sanitized copy of attrs. The stub may alias the
// ended span's slices, so scrubbing never writes in place.
func scrubAttrs(attrs []attribute.KeyValue) []attribute.KeyValue {
	out := make([]attribute.KeyValue, len(attrs))
	for i, kv := range attrs {
		out[i] = kv
		if kv.Value.Type() != attribute.STRING {
			continue
		}
		if v := kv.Value.AsString(); ContainsCredential(v) {
			out[i] = attribute.String(string(kv.Key), ScrubCredentials(v))
		}
	}
	return out
}
