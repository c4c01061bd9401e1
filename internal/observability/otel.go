package observability

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/flowscribe/flowscribe/internal/config"
	"github.com/flowscribe/flowscribe/internal/correlation"
	"github.com/flowscribe/flowscribe/internal/pathutil"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
)

const (
	instrumentationName = "flowscribe"
)

// Runtime exposes OpenTelemetry HTTP wrappers and the metric hooks the
// pipeline subsystems report through. A disabled or nil runtime is safe
// to call everywhere; every method degrades to a no-op.
type Runtime struct {
	enabled bool
	logger  *slog.Logger
	meter   metric.Meter

	queueAcceptedCounter metric.Int64Counter
	queueDroppedCounter  metric.Int64Counter
	queueLostCounter     metric.Int64Counter
	processDurationHist  metric.Float64Histogram
	flowPersistedCounter metric.Int64Counter
	persistFailedCounter metric.Int64Counter
	spanInsertedCounter  metric.Int64Counter
	spanDedupedCounter   metric.Int64Counter
	quotaCapturedCounter metric.Int64Counter
	cacheHitCounter      metric.Int64Counter
	cacheMissCounter     metric.Int64Counter
	cacheErrorCounter    metric.Int64Counter
	bufferPublishCounter metric.Int64Counter
	bufferErrorCounter   metric.Int64Counter
	proxyRequestCounter  metric.Int64Counter
	proxyRequestHist     metric.Float64Histogram

	shutdownFns []func(context.Context) error
}

// Setup initializes OpenTelemetry providers and runtime hooks.
func Setup(ctx context.Context, cfg config.OTelConfig, serviceVersion string, logger *slog.Logger) (*Runtime, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	runtime := &Runtime{logger: logger}
	if !cfg.Enabled {
		return runtime, nil
	}

	exportTimeout := time.Duration(cfg.ExportTimeoutMS) * time.Millisecond
	metricInterval := time.Duration(cfg.MetricExportIntervalMS) * time.Millisecond
	otlpEndpoint, inferredInsecure, err := normalizeOTLPEndpoint(cfg.Endpoint)
	if err != nil {
		return nil, err
	}
	insecure := cfg.Insecure
	if strings.Contains(strings.TrimSpace(cfg.Endpoint), "://") {
		// Endpoint URLs carry explicit transport intent and win over the
		// insecure toggle to avoid mismatches like https endpoints + insecure=true.
		insecure = inferredInsecure
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", strings.TrimSpace(cfg.ServiceName)),
		attribute.String("service.version", strings.TrimSpace(serviceVersion)),
	)

	if cfg.TracesEnabled {
		traceExporterOptions := []otlptracehttp.Option{
			otlptracehttp.WithEndpoint(otlpEndpoint),
			otlptracehttp.WithTimeout(exportTimeout),
		}
		if insecure {
			traceExporterOptions = append(traceExporterOptions, otlptracehttp.WithInsecure())
		}
		traceExporter, err := otlptracehttp.New(ctx, traceExporterOptions...)
		if err != nil {
			return nil, fmt.Errorf("initialize otel trace exporter: %w", err)
		}

		tracerProvider := sdktrace.NewTracerProvider(
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SamplingRatio))),
			sdktrace.WithBatcher(newScrubbingExporter(traceExporter)),
			sdktrace.WithResource(res),
		)
		otel.SetTracerProvider(tracerProvider)
		runtime.shutdownFns = append(runtime.shutdownFns, tracerProvider.Shutdown)
	}

	if cfg.MetricsEnabled {
		metricExporterOptions := []otlpmetrichttp.Option{
			otlpmetrichttp.WithEndpoint(otlpEndpoint),
			otlpmetrichttp.WithTimeout(exportTimeout),
		}
		if insecure {
			metricExporterOptions = append(metricExporterOptions, otlpmetrichttp.WithInsecure())
		}
		metricExporter, err := otlpmetrichttp.New(ctx, metricExporterOptions...)
		if err != nil {
			_ = runtime.Shutdown(context.Background())
			return nil, fmt.Errorf("initialize otel metric exporter: %w", err)
		}

		reader := sdkmetric.NewPeriodicReader(
			metricExporter,
			sdkmetric.WithInterval(metricInterval),
			sdkmetric.WithTimeout(exportTimeout),
		)
		meterProvider := sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(reader),
		)
		otel.SetMeterProvider(meterProvider)
		runtime.shutdownFns = append(runtime.shutdownFns, meterProvider.Shutdown)
	}

	otel.SetTextMapPropagator(propagation.TraceContext{})

	meter := otel.Meter(instrumentationName)
	runtime.meter = meter
	runtime.queueAcceptedCounter = newCounter(meter, logger, "flowscribe.queue.accepted_total",
		"Count of record snapshots accepted onto dispatch partitions.")
	runtime.queueDroppedCounter = newCounter(meter, logger, "flowscribe.queue.dropped_total",
		"Count of pending snapshots displaced by queue overflow.")
	runtime.queueLostCounter = newCounter(meter, logger, "flowscribe.queue.lost_total",
		"Count of records undrained at shutdown.")
	runtime.processDurationHist = newHistogram(meter, logger, "flowscribe.pipeline.process_duration_seconds",
		"Time a dispatch worker spent processing one record.")
	runtime.flowPersistedCounter = newCounter(meter, logger, "flowscribe.flows.persisted_total",
		"Count of flow snapshots written to storage.")
	runtime.persistFailedCounter = newCounter(meter, logger, "flowscribe.flows.persist_failed_total",
		"Count of flow snapshots dropped after storage write failures.")
	runtime.spanInsertedCounter = newCounter(meter, logger, "flowscribe.spans.inserted_total",
		"Count of LLM spans inserted for completed flows.")
	runtime.spanDedupedCounter = newCounter(meter, logger, "flowscribe.spans.deduped_total",
		"Count of LLM spans suppressed as replay duplicates.")
	runtime.quotaCapturedCounter = newCounter(meter, logger, "flowscribe.quota.snapshots_total",
		"Count of quota snapshots captured from provider headers.")
	runtime.cacheHitCounter = newCounter(meter, logger, "flowscribe.cache.hits_total",
		"Count of dedup cache hits.")
	runtime.cacheMissCounter = newCounter(meter, logger, "flowscribe.cache.misses_total",
		"Count of dedup cache misses.")
	runtime.cacheErrorCounter = newCounter(meter, logger, "flowscribe.cache.errors_total",
		"Count of dedup cache operations that failed open.")
	runtime.bufferPublishCounter = newCounter(meter, logger, "flowscribe.buffer.published_total",
		"Count of exchange entries appended to the traffic stream.")
	runtime.bufferErrorCounter = newCounter(meter, logger, "flowscribe.buffer.errors_total",
		"Count of traffic stream publishes that failed.")
	runtime.proxyRequestCounter = newCounter(meter, logger, "flowscribe.proxy.requests_total",
		"Count of intercepted proxy requests by route and status.")
	runtime.proxyRequestHist = newHistogram(meter, logger, "flowscribe.proxy.request_duration_seconds",
		"End-to-end latency of intercepted proxy requests.")

	runtime.enabled = true
	if logger != nil {
		logger.Info(
			"opentelemetry enabled",
			"otel_endpoint", otlpEndpoint,
			"otel_traces_enabled", cfg.TracesEnabled,
			"otel_metrics_enabled", cfg.MetricsEnabled,
			"otel_sampling_ratio", cfg.SamplingRatio,
		)
	}

	return runtime, nil
}

func newCounter(meter metric.Meter, logger *slog.Logger, name, description string) metric.Int64Counter {
	counter, err := meter.Int64Counter(name, metric.WithDescription(description))
	if err != nil && logger != nil {
		logger.Warn("failed to create opentelemetry counter", "metric", name, "error", err)
	}
	return counter
}

func newHistogram(meter metric.Meter, logger *slog.Logger, name, description string) metric.Float64Histogram {
	hist, err := meter.Float64Histogram(name, metric.WithDescription(description), metric.WithUnit("s"))
	if err != nil && logger != nil {
		logger.Warn("failed to create opentelemetry histogram", "metric", name, "error", err)
	}
	return hist
}

// Enabled reports whether OpenTelemetry instrumentation is active.
func (r *Runtime) Enabled() bool {
	return r != nil && r.enabled
}

// WrapHTTPHandler wraps an inbound HTTP handler with OpenTelemetry spans.
func (r *Runtime) WrapHTTPHandler(next http.Handler) http.Handler {
	if next == nil {
		next = http.NotFoundHandler()
	}
	if !r.Enabled() {
		return next
	}
	return otelhttp.NewHandler(
		next,
		"flowscribe.request",
		otelhttp.WithSpanNameFormatter(func(_ string, req *http.Request) string {
			return serverSpanName(req.Method, req.URL.Path)
		}),
	)
}

// SpanEnrichmentMiddleware stamps the correlation identifier on the
// active span and records stable error status on 5xx responses.
func (r *Runtime) SpanEnrichmentMiddleware(next http.Handler) http.Handler {
	if next == nil {
		next = http.NotFoundHandler()
	}
	if !r.Enabled() {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusCapturingResponseWriter{ResponseWriter: w}
		next.ServeHTTP(recorder, req)

		span := oteltrace.SpanFromContext(req.Context())
		if span == nil || !span.IsRecording() {
			return
		}

		statusCode := recorder.StatusCode()
		if statusCode >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, fmt.Sprintf("http %d", statusCode))
		}

		if correlationID, ok := correlation.FromContext(req.Context()); ok {
			span.SetAttributes(attribute.String("flowscribe.correlation_id", correlationID))
		}
	})
}

// WrapHTTPTransport wraps an outbound HTTP transport with OpenTelemetry spans.
func (r *Runtime) WrapHTTPTransport(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	if !r.Enabled() {
		return base
	}
	return otelhttp.NewTransport(
		base,
		otelhttp.WithSpanNameFormatter(func(_ string, req *http.Request) string {
			return clientSpanName(req.Method, req.URL.Path)
		}),
	)
}

// RecordQueueAccepted counts one snapshot accepted by the dispatch queue.
func (r *Runtime) RecordQueueAccepted() { r.add(r.queueAcceptedCounter, 1) }

// RecordQueueDrop counts one pending snapshot displaced by overflow.
func (r *Runtime) RecordQueueDrop() { r.add(r.queueDroppedCounter, 1) }

// RecordQueueLost counts records undrained at shutdown.
func (r *Runtime) RecordQueueLost(count int) { r.add(r.queueLostCounter, int64(count)) }

// RecordProcessDuration records how long a dispatch worker spent on one record.
func (r *Runtime) RecordProcessDuration(d time.Duration) {
	if !r.Enabled() || r.processDurationHist == nil || d < 0 {
		return
	}
	r.processDurationHist.Record(context.Background(), d.Seconds())
}

// RecordFlowPersisted counts one flow snapshot written to storage.
func (r *Runtime) RecordFlowPersisted() { r.add(r.flowPersistedCounter, 1) }

// RecordPersistFailure counts one flow snapshot dropped after exhausting
// storage retries.
func (r *Runtime) RecordPersistFailure() { r.add(r.persistFailedCounter, 1) }

// RecordSpanInserted counts one LLM span row inserted.
func (r *Runtime) RecordSpanInserted() { r.add(r.spanInsertedCounter, 1) }

// RecordSpanDeduped counts one LLM span suppressed as a replay duplicate.
func (r *Runtime) RecordSpanDeduped() { r.add(r.spanDedupedCounter, 1) }

// RecordQuotaCaptured counts one quota snapshot captured.
func (r *Runtime) RecordQuotaCaptured() { r.add(r.quotaCapturedCounter, 1) }

// RecordCacheHit counts one dedup cache hit.
func (r *Runtime) RecordCacheHit() { r.add(r.cacheHitCounter, 1) }

// RecordCacheMiss counts one dedup cache miss.
func (r *Runtime) RecordCacheMiss() { r.add(r.cacheMissCounter, 1) }

// RecordCacheError counts one cache operation that failed open.
func (r *Runtime) RecordCacheError() { r.add(r.cacheErrorCounter, 1) }

// RecordBufferPublished counts one entry appended to the traffic stream.
func (r *Runtime) RecordBufferPublished() { r.add(r.bufferPublishCounter, 1) }

// RecordBufferError counts one traffic stream publish failure.
func (r *Runtime) RecordBufferError() { r.add(r.bufferErrorCounter, 1) }

// RecordProxyRequest records one intercepted exchange with its route
// name, final status, and end-to-end latency.
func (r *Runtime) RecordProxyRequest(route string, statusCode int, duration time.Duration) {
	if !r.Enabled() {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("route", strings.TrimSpace(route)),
		attribute.Int("status_code", statusCode),
	)
	if r.proxyRequestCounter != nil {
		r.proxyRequestCounter.Add(context.Background(), 1, attrs)
	}
	if r.proxyRequestHist != nil && duration >= 0 {
		r.proxyRequestHist.Record(context.Background(), duration.Seconds(), attrs)
	}
}

// RegisterQueueDepthGauge publishes the dispatch queue depth as an
// observable gauge. The callback runs on the metric reader's schedule.
func (r *Runtime) RegisterQueueDepthGauge(read func() int) {
	r.registerGauge("flowscribe.queue.depth", "Records currently buffered across dispatch partitions.", read)
}

// RegisterQueueCapacityGauge publishes the dispatch queue's total capacity.
func (r *Runtime) RegisterQueueCapacityGauge(read func() int) {
	r.registerGauge("flowscribe.queue.capacity", "Record capacity across all dispatch partitions.", read)
}

func (r *Runtime) registerGauge(name, description string, read func() int) {
	if !r.Enabled() || r.meter == nil || read == nil {
		return
	}
	gauge, err := r.meter.Int64ObservableGauge(name, metric.WithDescription(description))
	if err != nil {
		if r.logger != nil {
			r.logger.Warn("failed to create opentelemetry gauge", "metric", name, "error", err)
		}
		return
	}
	registration, err := r.meter.RegisterCallback(func(_ context.Context, observer metric.Observer) error {
		observer.ObserveInt64(gauge, int64(read()))
		return nil
	}, gauge)
	if err != nil {
		if r.logger != nil {
			r.logger.Warn("failed to register opentelemetry gauge callback", "metric", name, "error", err)
		}
		return
	}
	r.shutdownFns = append(r.shutdownFns, func(context.Context) error {
		return registration.Unregister()
	})
}

func (r *Runtime) add(counter metric.Int64Counter, n int64) {
	if !r.Enabled() || counter == nil || n <= 0 {
		return
	}
	counter.Add(context.Background(), n)
}

// Shutdown flushes and stops OpenTelemetry providers.
func (r *Runtime) Shutdown(ctx context.Context) error {
	if r == nil || len(r.shutdownFns) == 0 {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var errs []error
	for i := len(r.shutdownFns) - 1; i >= 0; i-- {
		if err := r.shutdownFns[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}

func normalizeOTLPEndpoint(raw string) (string, bool, error) {
	endpoint := strings.TrimSpace(raw)
	if endpoint == "" {
		return "", false, errors.New("observability.otel.endpoint must not be empty")
	}

	if !strings.Contains(endpoint, "://") {
		return endpoint, false, nil
	}

	parsed, err := url.Parse(endpoint)
	if err != nil {
		return "", false, fmt.Errorf("parse observability.otel.endpoint: %w", err)
	}
	if strings.TrimSpace(parsed.Host) == "" {
		return "", false, fmt.Errorf("observability.otel.endpoint must include host (got %q)", raw)
	}

	switch strings.ToLower(strings.TrimSpace(parsed.Scheme)) {
	case "http":
		return parsed.Host, true, nil
	case "https":
		return parsed.Host, false, nil
	default:
		return "", false, fmt.Errorf("observability.otel.endpoint scheme must be http or https when provided (got %q)", parsed.Scheme)
	}
}

func routePatternForPath(path string) string {
	switch {
	case pathutil.HasPathPrefix(path, "/openai"):
		return "/openai/*"
	case pathutil.HasPathPrefix(path, "/anthropic"):
		return "/anthropic/*"
	case pathutil.HasPathPrefix(path, "/api"):
		return "/api/*"
	case pathutil.HasPathPrefix(path, "/livefeed"):
		return "/livefeed"
	default:
		return "/other"
	}
}

func serverSpanName(method, path string) string {
	return normalizedMethod(method) + " " + routePatternForPath(path)
}

func clientSpanName(method, path string) string {
	return "proxy " + normalizedMethod(method) + " " + routePatternForPath(path)
}

func normalizedMethod(method string) string {
	method = strings.TrimSpace(method)
	if method == "" {
		return "UNKNOWN"
	}
	return method
}

type statusCapturingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

// Unwrap lets http.ResponseController discover optional interfaces provided by
// the underlying writer (for example SetWriteDeadline).
func (w *statusCapturingResponseWriter) Unwrap() http.ResponseWriter {
	if w == nil {
		return nil
	}
	return w.ResponseWriter
}

func (w *statusCapturingResponseWriter) Header() http.Header {
	return w.ResponseWriter.Header()
}

func (w *statusCapturingResponseWriter) WriteHeader(statusCode int) {
	if w.statusCode == 0 {
		w.statusCode = statusCode
	}
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *statusCapturingResponseWriter) Write(p []byte) (int, error) {
	if w.statusCode == 0 {
		w.statusCode = http.StatusOK
	}
	return w.ResponseWriter.Write(p)
}

func (w *statusCapturingResponseWriter) StatusCode() int {
	if w.statusCode == 0 {
		return http.StatusOK
	}
	return w.statusCode
}

func (w *statusCapturingResponseWriter) Flush() {
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (w *statusCapturingResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	return hijacker.Hijack()
}

func (w *statusCapturingResponseWriter) Push(target string, opts *http.PushOptions) error {
	pusher, ok := w.ResponseWriter.(http.Pusher)
	if !ok {
		return http.ErrNotSupported
	}
	return pusher.Push(target, opts)
}

func (w *statusCapturingResponseWriter) ReadFrom(r io.Reader) (int64, error) {
	readerFrom, ok := w.ResponseWriter.(io.ReaderFrom)
	if !ok {
		return io.Copy(w.ResponseWriter, r)
	}
	if w.statusCode == 0 {
		w.statusCode = http.StatusOK
	}
	return readerFrom.ReadFrom(r)
}
