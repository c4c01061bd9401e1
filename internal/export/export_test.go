package export

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/flowscribe/flowscribe/internal/flow"
	"github.com/flowscribe/flowscribe/internal/store"
)

type captureExporter struct {
	mu       sync.Mutex
	batches  [][]sdktrace.ReadOnlySpan
	failures int // fail this many leading ExportSpans calls
}

func (c *captureExporter) ExportSpans(_ context.Context, spans []sdktrace.ReadOnlySpan) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	copied := make([]sdktrace.ReadOnlySpan, len(spans))
	copy(copied, spans)
	c.batches = append(c.batches, copied)
	if c.failures > 0 {
		c.failures--
		return errors.New("collector unavailable")
	}
	return nil
}

func (c *captureExporter) Shutdown(context.Context) error { return nil }

func (c *captureExporter) calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.batches)
}

func (c *captureExporter) lastBatch() []sdktrace.ReadOnlySpan {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.batches) == 0 {
		return nil
	}
	return c.batches[len(c.batches)-1]
}

type spanMark struct {
	flowID string
	status flow.ExportStatus
	at     time.Time
}

type fakeStatusStore struct {
	mu    sync.Mutex
	err   error
	marks []spanMark
}

func (f *fakeStatusStore) MarkSpanExport(_ context.Context, flowID string, status flow.ExportStatus, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marks = append(f.marks, spanMark{flowID: flowID, status: status, at: at})
	return f.err
}

func (f *fakeStatusStore) all() []spanMark {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]spanMark, len(f.marks))
	copy(out, f.marks)
	return out
}

func testConfig() Config {
	return Config{
		Timeout:       time.Second,
		QueueCapacity: 64,
		BatchSize:     16,
		FlushInterval: time.Hour, // only explicit flushes move spans in tests
		Retry:         store.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond},
	}
}

func testLLMSpan(flowID string) flow.LLMSpan {
	started := time.Date(2025, 8, 10, 12, 0, 0, 0, time.UTC)
	return flow.LLMSpan{
		FlowID:              flowID,
		Model:               "claude-sonnet-4",
		PromptTokens:        100,
		CompletionTokens:    50,
		CacheReadTokens:     10,
		CacheCreationTokens: 5,
		LatencyMS:           1500,
		TTFBMS:              250,
		StartedAt:           started,
		CompletedAt:         started.Add(1500 * time.Millisecond),
		ExportStatus:        flow.ExportPending,
	}
}

func attrString(s sdktrace.ReadOnlySpan, key string) (string, bool) {
	for _, kv := range s.Attributes() {
		if string(kv.Key) == key && kv.Value.Type() == attribute.STRING {
			return kv.Value.AsString(), true
		}
	}
	return "", false
}

func attrInt(s sdktrace.ReadOnlySpan, key string) (int64, bool) {
	for _, kv := range s.Attributes() {
		if string(kv.Key) == key && kv.Value.Type() == attribute.INT64 {
			return kv.Value.AsInt64(), true
		}
	}
	return 0, false
}

func TestSubmitExportsAndMarksSent(t *testing.T) {
	t.Parallel()

	capture := &captureExporter{}
	st := &fakeStatusStore{}
	e := newWithExporter(capture, testConfig(), st)
	t.Cleanup(func() { _ = e.Shutdown(context.Background()) })

	span := testLLMSpan("flow-1")
	e.Submit(span)
	if err := e.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	batch := capture.lastBatch()
	if len(batch) != 1 {
		t.Fatalf("exported %d spans, want 1", len(batch))
	}
	got := batch[0]

	if got.Name() != "chat claude-sonnet-4" {
		t.Fatalf("span name = %q, want %q", got.Name(), "chat claude-sonnet-4")
	}
	if !got.StartTime().Equal(span.StartedAt) {
		t.Fatalf("start time = %v, want %v", got.StartTime(), span.StartedAt)
	}
	if !got.EndTime().Equal(span.CompletedAt) {
		t.Fatalf("end time = %v, want %v", got.EndTime(), span.CompletedAt)
	}

	if v, ok := attrString(got, attrFlowID); !ok || v != "flow-1" {
		t.Fatalf("flow id attribute = %q (%v)", v, ok)
	}
	if v, ok := attrString(got, attrModel); !ok || v != "claude-sonnet-4" {
		t.Fatalf("model attribute = %q (%v)", v, ok)
	}
	wantInts := map[string]int64{
		attrInputTokens:         100,
		attrOutputTokens:        50,
		attrCacheReadTokens:     10,
		attrCacheCreationTokens: 5,
		attrLatencyMS:           1500,
		attrTTFBMS:              250,
	}
	for key, want := range wantInts {
		if v, ok := attrInt(got, key); !ok || v != want {
			t.Fatalf("attribute %s = %d (%v), want %d", key, v, ok, want)
		}
	}

	marks := st.all()
	if len(marks) != 1 {
		t.Fatalf("store saw %d marks, want 1", len(marks))
	}
	if marks[0].flowID != "flow-1" || marks[0].status != flow.ExportSent {
		t.Fatalf("mark = %+v, want flow-1 sent", marks[0])
	}
	if marks[0].at.IsZero() {
		t.Fatal("mark timestamp is zero")
	}

	diag := e.Diagnostics()
	if diag.SubmittedTotal != 1 || diag.SentTotal != 1 || diag.FailedTotal != 0 || diag.RetryTotal != 0 {
		t.Fatalf("diagnostics = %+v", diag)
	}
}

func TestDeterministicSpanIdentity(t *testing.T) {
	t.Parallel()

	render := func(flowID string) sdktrace.ReadOnlySpan {
		capture := &captureExporter{}
		e := newWithExporter(capture, testConfig(), &fakeStatusStore{})
		defer func() { _ = e.Shutdown(context.Background()) }()
		e.Submit(testLLMSpan(flowID))
		if err := e.Flush(context.Background()); err != nil {
			t.Fatalf("Flush: %v", err)
		}
		batch := capture.lastBatch()
		if len(batch) != 1 {
			t.Fatalf("exported %d spans, want 1", len(batch))
		}
		return batch[0]
	}

	first := render("flow-1")
	again := render("flow-1")
	other := render("flow-2")

	if first.SpanContext().TraceID() != again.SpanContext().TraceID() {
		t.Fatal("same flow rendered different trace ids")
	}
	if first.SpanContext().SpanID() != again.SpanContext().SpanID() {
		t.Fatal("same flow rendered different span ids")
	}
	if first.SpanContext().TraceID() == other.SpanContext().TraceID() {
		t.Fatal("different flows rendered the same trace id")
	}

	wantTID, wantSID := deriveIDs("flow-1")
	if first.SpanContext().TraceID() != wantTID {
		t.Fatalf("trace id = %s, want %s", first.SpanContext().TraceID(), wantTID)
	}
	if first.SpanContext().SpanID() != wantSID {
		t.Fatalf("span id = %s, want %s", first.SpanContext().SpanID(), wantSID)
	}
	if !wantTID.IsValid() || !wantSID.IsValid() {
		t.Fatal("derived ids are invalid")
	}
}

func TestExportRetriesUntilSent(t *testing.T) {
	t.Parallel()

	capture := &captureExporter{failures: 2}
	st := &fakeStatusStore{}
	e := newWithExporter(capture, testConfig(), st)
	t.Cleanup(func() { _ = e.Shutdown(context.Background()) })

	e.Submit(testLLMSpan("flow-1"))
	if err := e.Flush(context.Background()); err != nil {
		t.Fatalf("Flush after retryable failures: %v", err)
	}

	if got := capture.calls(); got != 3 {
		t.Fatalf("exporter called %d times, want 3", got)
	}
	marks := st.all()
	if len(marks) != 1 || marks[0].status != flow.ExportSent {
		t.Fatalf("marks = %+v, want one sent", marks)
	}

	diag := e.Diagnostics()
	if diag.RetryTotal != 2 {
		t.Fatalf("RetryTotal = %d, want 2", diag.RetryTotal)
	}
	if diag.SentTotal != 1 || diag.FailedTotal != 0 {
		t.Fatalf("diagnostics = %+v", diag)
	}
}

func TestExportBudgetExhaustedMarksFailed(t *testing.T) {
	t.Parallel()

	capture := &captureExporter{failures: 10}
	st := &fakeStatusStore{}
	cfg := testConfig()
	cfg.Retry.MaxAttempts = 2
	e := newWithExporter(capture, cfg, st)
	t.Cleanup(func() { _ = e.Shutdown(context.Background()) })

	e.Submit(testLLMSpan("flow-1"))
	if err := e.Flush(context.Background()); err == nil {
		t.Fatal("Flush returned nil with a dead collector")
	}

	if got := capture.calls(); got != 2 {
		t.Fatalf("exporter called %d times, want 2", got)
	}
	marks := st.all()
	if len(marks) != 1 || marks[0].status != flow.ExportFailed {
		t.Fatalf("marks = %+v, want one failed", marks)
	}

	diag := e.Diagnostics()
	if diag.FailedTotal != 1 || diag.SentTotal != 0 {
		t.Fatalf("diagnostics = %+v", diag)
	}
	if diag.LastFailureAt == nil {
		t.Fatal("LastFailureAt not set after exhausted budget")
	}
}

func TestStatusWriteFailureLeavesCountersHonest(t *testing.T) {
	t.Parallel()

	capture := &captureExporter{}
	st := &fakeStatusStore{err: errors.New("database is locked")}
	e := newWithExporter(capture, testConfig(), st)
	t.Cleanup(func() { _ = e.Shutdown(context.Background()) })

	e.Submit(testLLMSpan("flow-1"))
	if err := e.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	if len(st.all()) != 1 {
		t.Fatalf("store saw %d marks, want 1 attempt", len(st.all()))
	}
	// Export succeeded but the outcome never landed, so sent stays zero.
	if diag := e.Diagnostics(); diag.SentTotal != 0 {
		t.Fatalf("SentTotal = %d, want 0 when the status write fails", diag.SentTotal)
	}
}

func TestFlushBatchesMultipleSpans(t *testing.T) {
	t.Parallel()

	capture := &captureExporter{}
	st := &fakeStatusStore{}
	e := newWithExporter(capture, testConfig(), st)
	t.Cleanup(func() { _ = e.Shutdown(context.Background()) })

	for _, id := range []string{"flow-1", "flow-2", "flow-3"} {
		e.Submit(testLLMSpan(id))
	}
	if err := e.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	if got := capture.calls(); got != 1 {
		t.Fatalf("exporter called %d times, want 1 batch", got)
	}
	if got := len(capture.lastBatch()); got != 3 {
		t.Fatalf("batch carried %d spans, want 3", got)
	}
	if got := len(st.all()); got != 3 {
		t.Fatalf("store saw %d marks, want 3", got)
	}
}

func TestSubmitIgnoresEmptyFlowID(t *testing.T) {
	t.Parallel()

	capture := &captureExporter{}
	e := newWithExporter(capture, testConfig(), &fakeStatusStore{})
	t.Cleanup(func() { _ = e.Shutdown(context.Background()) })

	e.Submit(flow.LLMSpan{Model: "claude-sonnet-4"})
	if err := e.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	if got := capture.calls(); got != 0 {
		t.Fatalf("exporter called %d times for an unidentified span", got)
	}
	if got := e.Diagnostics().SubmittedTotal; got != 0 {
		t.Fatalf("SubmittedTotal = %d, want 0", got)
	}
}

func TestNormalizeEndpoint(t *testing.T) {
	t.Parallel()

	tests := []struct {
		raw          string
		wantEndpoint string
		wantInsecure bool
		wantErr      bool
	}{
		{raw: "collector:4318", wantEndpoint: "collector:4318", wantInsecure: false},
		{raw: "http://collector:4318", wantEndpoint: "collector:4318", wantInsecure: true},
		{raw: "https://collector:4318/v1/traces", wantEndpoint: "collector:4318", wantInsecure: false},
		{raw: " https://collector:4318 ", wantEndpoint: "collector:4318", wantInsecure: false},
		{raw: "grpc://collector:4317", wantErr: true},
		{raw: "http://", wantErr: true},
		{raw: "", wantErr: true},
	}

	for _, tt := range tests {
		endpoint, insecure, err := normalizeEndpoint(tt.raw)
		if tt.wantErr {
			if err == nil {
				t.Errorf("normalizeEndpoint(%q) expected error, got %q", tt.raw, endpoint)
			}
			continue
		}
		if err != nil {
			t.Errorf("normalizeEndpoint(%q): %v", tt.raw, err)
			continue
		}
		if endpoint != tt.wantEndpoint || insecure != tt.wantInsecure {
			t.Errorf("normalizeEndpoint(%q) = (%q, %v), want (%q, %v)",
				tt.raw, endpoint, insecure, tt.wantEndpoint, tt.wantInsecure)
		}
	}
}
