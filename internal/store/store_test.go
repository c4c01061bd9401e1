package store

import (
	"errors"
	"testing"
	"time"

	"github.com/flowscribe/flowscribe/internal/flow"
)

func TestFlowCursorRoundTrip(t *testing.T) {
	t.Parallel()

	startedAt := time.Date(2025, 8, 10, 14, 30, 0, 123456789, time.UTC)
	cursor := encodeFlowCursor(startedAt, "flow-abc")
	if cursor == "" {
		t.Fatal("encodeFlowCursor() returned empty cursor")
	}

	gotTime, gotID, err := decodeFlowCursor(cursor)
	if err != nil {
		t.Fatalf("decodeFlowCursor() error: %v", err)
	}
	if !gotTime.Equal(startedAt) {
		t.Errorf("decoded time = %v, want %v", gotTime, startedAt)
	}
	if gotID != "flow-abc" {
		t.Errorf("decoded id = %q, want %q", gotID, "flow-abc")
	}
}

func TestEncodeFlowCursorEmptyInputs(t *testing.T) {
	t.Parallel()

	if got := encodeFlowCursor(time.Time{}, "flow-abc"); got != "" {
		t.Errorf("zero time should produce empty cursor, got %q", got)
	}
	if got := encodeFlowCursor(time.Now(), ""); got != "" {
		t.Errorf("empty flow id should produce empty cursor, got %q", got)
	}
}

func TestDecodeFlowCursorInvalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		cursor string
	}{
		{"not base64", "%%%"},
		{"missing separator", "bm9zZXBhcmF0b3I"},
		{"empty flow id", "MjAyNS0wOC0xMFQxNDozMDowMFp8"},
		{"bad timestamp", "bm90YXRpbWV8Zmxvdy1hYmM"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, _, err := decodeFlowCursor(tt.cursor)
			if !errors.Is(err, ErrInvalidCursor) {
				t.Errorf("decodeFlowCursor(%q) error = %v, want ErrInvalidCursor", tt.cursor, err)
			}
		})
	}
}

func TestHeaderCodecRoundTrip(t *testing.T) {
	t.Parallel()

	pairs := []flow.Header{
		{Name: "Content-Type", Value: "application/json"},
		{Name: "X-Custom", Value: "a"},
		{Name: "X-Custom", Value: "b"},
	}
	decoded := decodeHeaders(encodeHeaders(pairs))
	if len(decoded) != len(pairs) {
		t.Fatalf("decoded %d headers, want %d", len(decoded), len(pairs))
	}
	for i := range pairs {
		if decoded[i] != pairs[i] {
			t.Errorf("header %d = %+v, want %+v", i, decoded[i], pairs[i])
		}
	}

	if got := encodeHeaders(nil); got != "" {
		t.Errorf("encodeHeaders(nil) = %q, want empty", got)
	}
	if got := decodeHeaders(""); got != nil {
		t.Errorf("decodeHeaders(\"\") = %v, want nil", got)
	}
	if got := decodeHeaders("{broken"); got != nil {
		t.Errorf("decodeHeaders on malformed JSON = %v, want nil", got)
	}
}

func TestRawHeaderCodecRoundTrip(t *testing.T) {
	t.Parallel()

	raw := map[string]string{
		"anthropic-ratelimit-unified-status": "allowed",
		"request-id":                         "req_123",
	}
	decoded := decodeRawHeaders(encodeRawHeaders(raw))
	if len(decoded) != len(raw) {
		t.Fatalf("decoded %d entries, want %d", len(decoded), len(raw))
	}
	for k, v := range raw {
		if decoded[k] != v {
			t.Errorf("decoded[%q] = %q, want %q", k, decoded[k], v)
		}
	}
	if got := encodeRawHeaders(nil); got != "" {
		t.Errorf("encodeRawHeaders(nil) = %q, want empty", got)
	}
}

func TestNormalizeFlowDefaults(t *testing.T) {
	t.Parallel()

	in := &flow.Record{FlowID: "flow-1"}
	row := normalizeFlow(in)

	if row.State != flow.StatePending {
		t.Errorf("State = %q, want pending", row.State)
	}
	if row.StartedAt.IsZero() {
		t.Error("StartedAt should default to now")
	}
	if !row.CompletedAt.IsZero() {
		t.Error("pending rows should not gain a CompletedAt")
	}
	if row.Method != "UNKNOWN" {
		t.Errorf("Method = %q, want UNKNOWN", row.Method)
	}
	if row.Path != "/" {
		t.Errorf("Path = %q, want /", row.Path)
	}
	if in.Method != "" || in.State != "" {
		t.Error("normalizeFlow must not mutate the caller's record")
	}
}

func TestNormalizeFlowCompleteGetsCompletedAt(t *testing.T) {
	t.Parallel()

	started := time.Date(2025, 8, 10, 9, 0, 0, 0, time.UTC)
	row := normalizeFlow(&flow.Record{FlowID: "flow-2", State: flow.StateComplete, StartedAt: started})
	if row.CompletedAt.IsZero() {
		t.Error("complete rows must carry a CompletedAt")
	}

	// A completion stamped before the start is clamped, not rejected.
	row = normalizeFlow(&flow.Record{
		FlowID:      "flow-3",
		State:       flow.StateComplete,
		StartedAt:   started,
		CompletedAt: started.Add(-time.Minute),
	})
	if !row.CompletedAt.Equal(started) {
		t.Errorf("CompletedAt = %v, want clamped to %v", row.CompletedAt, started)
	}
}

func TestNormalizeSpanDefaults(t *testing.T) {
	t.Parallel()

	row := normalizeSpan(&flow.LLMSpan{FlowID: "flow-1"})
	if row.Model != "unknown" {
		t.Errorf("Model = %q, want unknown", row.Model)
	}
	if row.ExportStatus != flow.ExportPending {
		t.Errorf("ExportStatus = %q, want pending", row.ExportStatus)
	}
	if row.StartedAt.IsZero() || row.CompletedAt.IsZero() {
		t.Error("span timestamps should default to now")
	}

	row = normalizeSpan(&flow.LLMSpan{FlowID: "flow-2", ExportStatus: "bogus"})
	if row.ExportStatus != flow.ExportPending {
		t.Errorf("bogus export status should normalize to pending, got %q", row.ExportStatus)
	}
}

func TestNormalizeGroupBy(t *testing.T) {
	t.Parallel()

	for _, in := range []string{"", "none", "NONE"} {
		got, err := normalizeGroupBy(in)
		if err != nil || got != "" {
			t.Errorf("normalizeGroupBy(%q) = %q, %v; want \"\", nil", in, got, err)
		}
	}
	if got, err := normalizeGroupBy("Provider"); err != nil || got != "provider" {
		t.Errorf("normalizeGroupBy(Provider) = %q, %v", got, err)
	}
	if got, err := normalizeGroupBy("model"); err != nil || got != "model" {
		t.Errorf("normalizeGroupBy(model) = %q, %v", got, err)
	}
	if _, err := normalizeGroupBy("host"); err == nil {
		t.Error("normalizeGroupBy(host) should error")
	}
}

func TestClampLimits(t *testing.T) {
	t.Parallel()

	if got := clampFlowLimit(0); got != defaultFlowPageLimit {
		t.Errorf("clampFlowLimit(0) = %d, want %d", got, defaultFlowPageLimit)
	}
	if got := clampFlowLimit(10_000); got != maxFlowPageLimit {
		t.Errorf("clampFlowLimit(10000) = %d, want %d", got, maxFlowPageLimit)
	}
	if got := clampFlowLimit(25); got != 25 {
		t.Errorf("clampFlowLimit(25) = %d, want 25", got)
	}
	if got := clampQuotaLimit(-1); got != defaultQuotaLimit {
		t.Errorf("clampQuotaLimit(-1) = %d, want %d", got, defaultQuotaLimit)
	}
	if got := clampQuotaLimit(99_999); got != maxQuotaLimit {
		t.Errorf("clampQuotaLimit(99999) = %d, want %d", got, maxQuotaLimit)
	}
}
