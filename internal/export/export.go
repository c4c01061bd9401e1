// Package export forwards completed LLM spans to an OpenTelemetry
// collector. Rendering a span is CPU-only and never blocks a dispatch
// worker; the SDK batch processor is the bounded submission queue and a
// wrapping exporter owns retry and the persisted sent/failed outcome.
package export

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/flowscribe/flowscribe/internal/flow"
	"github.com/flowscribe/flowscribe/internal/store"
)

const (
	instrumentationName = "flowscribe.export"

	attrFlowID              = "flowscribe.flow_id"
	attrLatencyMS           = "flowscribe.latency_ms"
	attrTTFBMS              = "flowscribe.ttfb_ms"
	attrModel               = "gen_ai.request.model"
	attrInputTokens         = "gen_ai.usage.input_tokens"
	attrOutputTokens        = "gen_ai.usage.output_tokens"
	attrCacheReadTokens     = "gen_ai.usage.cache_read_tokens"
	attrCacheCreationTokens = "gen_ai.usage.cache_creation_tokens"
)

// StatusStore persists span export outcomes. *store.SQLiteStore and
// *store.PostgresStore both satisfy it.
type StatusStore interface {
	MarkSpanExport(ctx context.Context, flowID string, status flow.ExportStatus, at time.Time) error
}

type Config struct {
	// Endpoint is the OTLP/HTTP collector, either host:port or a URL.
	// URL schemes carry transport intent and override Insecure.
	Endpoint string
	Insecure bool
	// Headers ride on every OTLP request, typically collector auth.
	Headers map[string]string
	// Timeout bounds one export attempt; zero means 10s.
	Timeout time.Duration
	// QueueCapacity bounds the submission queue; zero means 2048.
	QueueCapacity int
	// BatchSize caps spans per OTLP request; zero means 64.
	BatchSize int
	// FlushInterval is how long a partial batch may wait; zero means 5s.
	FlushInterval time.Duration
	// Retry is the explicit backoff budget per batch. The OTLP client's
	// own retry stays disabled so this policy is the only one in play.
	Retry store.RetryPolicy

	ServiceName    string
	ServiceVersion string
	Logger         *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 2048
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 64
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 5 * time.Second
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry = store.DefaultRetryPolicy()
	}
	if c.ServiceName == "" {
		c.ServiceName = "flowscribe"
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Diagnostics is a point-in-time snapshot of exporter health.
type Diagnostics struct {
	SubmittedTotal int64      `json:"submitted_total"`
	SentTotal      int64      `json:"sent_total"`
	FailedTotal    int64      `json:"failed_total"`
	RetryTotal     int64      `json:"retry_total"`
	LastFailureAt  *time.Time `json:"last_failure_at,omitempty"`
}

// Exporter renders LLM spans and hands them to its own tracer provider.
// The provider is never installed globally; pipeline telemetry and the
// process's own instrumentation stay separate.
type Exporter struct {
	tp     *sdktrace.TracerProvider
	tracer oteltrace.Tracer
	status *statusExporter
	logger *slog.Logger

	submittedTotal atomic.Int64
	stopOnce       sync.Once
}

func New(ctx context.Context, cfg Config, statusStore StatusStore) (*Exporter, error) {
	cfg = cfg.withDefaults()
	if ctx == nil {
		ctx = context.Background()
	}

	endpoint, inferredInsecure, err := normalizeEndpoint(cfg.Endpoint)
	if err != nil {
		return nil, err
	}
	insecure := cfg.Insecure
	if strings.Contains(strings.TrimSpace(cfg.Endpoint), "://") {
		insecure = inferredInsecure
	}

	opts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(endpoint),
		otlptracehttp.WithTimeout(cfg.Timeout),
		otlptracehttp.WithRetry(otlptracehttp.RetryConfig{Enabled: false}),
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlptracehttp.WithHeaders(cfg.Headers))
	}
	if insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	otlp, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("initialize otlp trace exporter: %w", err)
	}

	return newWithExporter(otlp, cfg, statusStore), nil
}

// newWithExporter wires the provider around any span exporter. Tests feed
// a capturing exporter through here.
func newWithExporter(wrapped sdktrace.SpanExporter, cfg Config, statusStore StatusStore) *Exporter {
	cfg = cfg.withDefaults()

	status := &statusExporter{
		wrapped: wrapped,
		store:   statusStore,
		policy:  cfg.Retry,
		logger:  cfg.Logger.With("component", "export"),
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", strings.TrimSpace(cfg.ServiceName)),
		attribute.String("service.version", strings.TrimSpace(cfg.ServiceVersion)),
	)

	// Export timeout must cover the full retry budget, not one attempt.
	exportBudget := time.Duration(cfg.Retry.MaxAttempts) * (cfg.Timeout + cfg.Retry.MaxDelay)

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithIDGenerator(flowIDGenerator{}),
		sdktrace.WithBatcher(status,
			sdktrace.WithMaxQueueSize(cfg.QueueCapacity),
			sdktrace.WithMaxExportBatchSize(cfg.BatchSize),
			sdktrace.WithBatchTimeout(cfg.FlushInterval),
			sdktrace.WithExportTimeout(exportBudget),
		),
	)

	return &Exporter{
		tp:     tp,
		tracer: tp.Tracer(instrumentationName),
		status: status,
		logger: cfg.Logger.With("component", "export"),
	}
}

// Submit renders one completed LLM span into the export queue without
// blocking. A saturated queue sheds the span; its row simply stays
// pending in the store.
func (e *Exporter) Submit(span flow.LLMSpan) {
	if span.FlowID == "" {
		return
	}
	e.submittedTotal.Add(1)

	ctx := withFlowID(context.Background(), span.FlowID)
	_, s := e.tracer.Start(ctx, spanName(span),
		oteltrace.WithTimestamp(span.StartedAt),
		oteltrace.WithSpanKind(oteltrace.SpanKindClient),
		oteltrace.WithAttributes(spanAttributes(span)...),
	)
	s.End(oteltrace.WithTimestamp(span.CompletedAt))
}

// Flush forces queued spans through the exporter. Used by tests and the
// doctor command; the pipeline relies on the batch timeout.
func (e *Exporter) Flush(ctx context.Context) error {
	return e.tp.ForceFlush(ctx)
}

// Shutdown drains the queue and stops the provider.
func (e *Exporter) Shutdown(ctx context.Context) error {
	var err error
	e.stopOnce.Do(func() {
		err = e.tp.Shutdown(ctx)
	})
	return err
}

func (e *Exporter) Diagnostics() Diagnostics {
	if e == nil {
		return Diagnostics{}
	}
	snapshot := Diagnostics{
		SubmittedTotal: e.submittedTotal.Load(),
		SentTotal:      e.status.sentTotal.Load(),
		FailedTotal:    e.status.failedTotal.Load(),
		RetryTotal:     e.status.retryTotal.Load(),
	}
	if ts := e.status.lastFailureUnixNano.Load(); ts > 0 {
		last := time.Unix(0, ts).UTC()
		snapshot.LastFailureAt = &last
	}
	return snapshot
}

func spanName(span flow.LLMSpan) string {
	model := strings.TrimSpace(span.Model)
	if model == "" {
		model = "unknown"
	}
	return "chat " + model
}

func spanAttributes(span flow.LLMSpan) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String(attrFlowID, span.FlowID),
		attribute.String(attrModel, span.Model),
		attribute.Int(attrInputTokens, span.PromptTokens),
		attribute.Int(attrOutputTokens, span.CompletionTokens),
		attribute.Int64(attrLatencyMS, span.LatencyMS),
	}
	if span.CacheReadTokens > 0 {
		attrs = append(attrs, attribute.Int(attrCacheReadTokens, span.CacheReadTokens))
	}
	if span.CacheCreationTokens > 0 {
		attrs = append(attrs, attribute.Int(attrCacheCreationTokens, span.CacheCreationTokens))
	}
	if span.TTFBMS > 0 {
		attrs = append(attrs, attribute.Int64(attrTTFBMS, span.TTFBMS))
	}
	return attrs
}

// statusExporter wraps the OTLP exporter: it retries one batch under the
// pipeline's backoff policy, then persists sent or failed for every span
// in the batch. Marking uses a fresh context so outcomes still land when
// the caller is shutting down.
type statusExporter struct {
	wrapped sdktrace.SpanExporter
	store   StatusStore
	policy  store.RetryPolicy
	logger  *slog.Logger

	sentTotal           atomic.Int64
	failedTotal         atomic.Int64
	retryTotal          atomic.Int64
	lastFailureUnixNano atomic.Int64
}

func (e *statusExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	if len(spans) == 0 {
		return nil
	}

	err := e.exportWithRetry(ctx, spans)

	status := flow.ExportSent
	if err != nil {
		status = flow.ExportFailed
		e.lastFailureUnixNano.Store(time.Now().UTC().UnixNano())
		e.logger.Warn("span batch export failed", "spans", len(spans), "error", err)
	}
	e.markBatch(spans, status)
	return err
}

func (e *statusExporter) Shutdown(ctx context.Context) error {
	return e.wrapped.Shutdown(ctx)
}

func (e *statusExporter) exportWithRetry(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	var lastErr error
	state := store.NewBackoff(e.policy)
	for {
		delay, ok := state.Next()
		if !ok {
			return lastErr
		}
		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return errors.Join(ctx.Err(), lastErr)
			case <-timer.C:
			}
			e.retryTotal.Add(1)
		}

		lastErr = e.wrapped.ExportSpans(ctx, spans)
		if lastErr == nil {
			return nil
		}
	}
}

func (e *statusExporter) markBatch(spans []sdktrace.ReadOnlySpan, status flow.ExportStatus) {
	if e.store == nil {
		return
	}

	at := time.Now().UTC()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, s := range spans {
		flowID := flowIDFromSpan(s)
		if flowID == "" {
			continue
		}
		if err := e.store.MarkSpanExport(ctx, flowID, status, at); err != nil {
			e.logger.Warn("span export status write failed",
				"flow_id", flowID, "status", string(status), "error", err)
			continue
		}
		if status == flow.ExportSent {
			e.sentTotal.Add(1)
		} else {
			e.failedTotal.Add(1)
		}
	}
}

func flowIDFromSpan(s sdktrace.ReadOnlySpan) string {
	for _, kv := range s.Attributes() {
		if string(kv.Key) == attrFlowID && kv.Value.Type() == attribute.STRING {
			return kv.Value.AsString()
		}
	}
	return ""
}

type flowIDContextKey struct{}

func withFlowID(ctx context.Context, flowID string) context.Context {
	return context.WithValue(ctx, flowIDContextKey{}, flowID)
}

// flowIDGenerator derives trace and span identifiers from the flow id so
// a replayed flow renders the identical span and the collector can dedup.
// Contexts without a flow id fall back to random identifiers.
type flowIDGenerator struct{}

func (flowIDGenerator) NewIDs(ctx context.Context) (oteltrace.TraceID, oteltrace.SpanID) {
	if flowID, ok := ctx.Value(flowIDContextKey{}).(string); ok && flowID != "" {
		return deriveIDs(flowID)
	}

	var tid oteltrace.TraceID
	var sid oteltrace.SpanID
	_, _ = rand.Read(tid[:])
	_, _ = rand.Read(sid[:])
	return tid, sid
}

func (g flowIDGenerator) NewSpanID(ctx context.Context, _ oteltrace.TraceID) oteltrace.SpanID {
	if flowID, ok := ctx.Value(flowIDContextKey{}).(string); ok && flowID != "" {
		_, sid := deriveIDs(flowID)
		return sid
	}
	var sid oteltrace.SpanID
	_, _ = rand.Read(sid[:])
	return sid
}

func deriveIDs(flowID string) (oteltrace.TraceID, oteltrace.SpanID) {
	sum := sha256.Sum256([]byte(flowID))
	var tid oteltrace.TraceID
	copy(tid[:], sum[:16])
	var sid oteltrace.SpanID
	copy(sid[:], sum[16:24])
	if !tid.IsValid() {
		tid[15] = 1
	}
	if !sid.IsValid() {
		sid[7] = 1
	}
	return tid, sid
}

func normalizeEndpoint(raw string) (string, bool, error) {
	endpoint := strings.TrimSpace(raw)
	if endpoint == "" {
		return "", false, errors.New("export endpoint must not be empty")
	}

	if !strings.Contains(endpoint, "://") {
		return endpoint, false, nil
	}

	parsed, err := url.Parse(endpoint)
	if err != nil {
		return "", false, fmt.Errorf("parse export endpoint: %w", err)
	}
	if strings.TrimSpace(parsed.Host) == "" {
		return "", false, fmt.Errorf("export endpoint must include host (got %q)", raw)
	}

	switch strings.ToLower(strings.TrimSpace(parsed.Scheme)) {
	case "http":
		return parsed.Host, true, nil
	case "https":
		return parsed.Host, false, nil
	default:
		return "", false, fmt.Errorf("export endpoint scheme must be http or https (got %q)", parsed.Scheme)
	}
}
