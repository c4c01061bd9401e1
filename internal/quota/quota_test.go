package quota

import (
	"testing"
	"time"

	"github.com/flowscribe/flowscribe/internal/flow"
)

func quotaRecord(host string, headers []flow.Header) *flow.Record {
	return &flow.Record{
		FlowID:          "flow-quota-1",
		State:           flow.StateComplete,
		Host:            host,
		CompletedAt:     time.Date(2025, 8, 10, 12, 30, 0, 0, time.UTC),
		ResponseHeaders: headers,
	}
}

func TestFromRecordParsesUnifiedHeaders(t *testing.T) {
	t.Parallel()

	rec := quotaRecord("api.anthropic.com", []flow.Header{
		{Name: "Content-Type", Value: "application/json"},
		{Name: HeaderStatus, Value: "allowed"},
		{Name: HeaderRemaining, Value: "4200"},
		{Name: HeaderReset, Value: "2025-08-10T13:00:00Z"},
		{Name: Header5hUtilization, Value: "0.42"},
		{Name: Header5hStatus, Value: "allowed"},
		{Name: Header5hReset, Value: "2025-08-10T15:00:00Z"},
		{Name: Header7dUtilization, Value: "0.137"},
		{Name: Header7dStatus, Value: "allowed"},
		{Name: Header7dReset, Value: "2025-08-11T03:00:00Z"},
		{Name: HeaderFallback, Value: "available"},
		{Name: HeaderFallbackPercentage, Value: "0.5"},
		{Name: HeaderOverageStatus, Value: "disabled"},
		{Name: HeaderRequestID, Value: "req_011CRJ5vqJ"},
	})

	snap, ok := FromRecord(rec)
	if !ok {
		t.Fatal("expected a snapshot from a response with unified headers")
	}
	if snap.FlowID != "flow-quota-1" {
		t.Errorf("FlowID = %q, want %q", snap.FlowID, "flow-quota-1")
	}
	if snap.RequestID != "req_011CRJ5vqJ" {
		t.Errorf("RequestID = %q, want %q", snap.RequestID, "req_011CRJ5vqJ")
	}
	if snap.Status != "allowed" {
		t.Errorf("Status = %q, want %q", snap.Status, "allowed")
	}
	if snap.Remaining != 4200 {
		t.Errorf("Remaining = %d, want 4200", snap.Remaining)
	}
	if snap.Utilization5h != 0.42 {
		t.Errorf("Utilization5h = %v, want 0.42", snap.Utilization5h)
	}
	if snap.Utilization7d != 0.137 {
		t.Errorf("Utilization7d = %v, want 0.137", snap.Utilization7d)
	}
	wantReset := time.Date(2025, 8, 11, 3, 0, 0, 0, time.UTC)
	if !snap.Reset7d.Equal(wantReset) {
		t.Errorf("Reset7d = %v, want %v", snap.Reset7d, wantReset)
	}
	if snap.FallbackPercentage != 0.5 {
		t.Errorf("FallbackPercentage = %v, want 0.5", snap.FallbackPercentage)
	}
	if snap.CapturedAt != rec.CompletedAt {
		t.Errorf("CapturedAt = %v, want %v", snap.CapturedAt, rec.CompletedAt)
	}
	if _, ok := snap.RawHeaders[Header7dUtilization]; !ok {
		t.Error("RawHeaders missing 7d utilization entry")
	}
	if _, ok := snap.RawHeaders["Content-Type"]; ok {
		t.Error("RawHeaders should only record quota headers")
	}
}

func TestFromRecordIgnoresOtherHosts(t *testing.T) {
	t.Parallel()

	rec := quotaRecord("api.openai.com", []flow.Header{
		{Name: Header5hUtilization, Value: "0.42"},
	})
	if _, ok := FromRecord(rec); ok {
		t.Error("expected no snapshot for non-Anthropic traffic")
	}
}

func TestFromRecordRequiresUnifiedHeaders(t *testing.T) {
	t.Parallel()

	rec := quotaRecord("api.anthropic.com", []flow.Header{
		{Name: "Content-Type", Value: "application/json"},
		{Name: HeaderRequestID, Value: "req_123"},
	})
	if _, ok := FromRecord(rec); ok {
		t.Error("expected no snapshot when no unified header is present")
	}
}

func TestFromRecordHeaderNamesAreCaseInsensitive(t *testing.T) {
	t.Parallel()

	rec := quotaRecord("api.anthropic.com", []flow.Header{
		{Name: "Anthropic-Ratelimit-Unified-7d-Utilization", Value: "0.9"},
	})
	snap, ok := FromRecord(rec)
	if !ok {
		t.Fatal("expected a snapshot despite canonicalized header names")
	}
	if snap.Utilization7d != 0.9 {
		t.Errorf("Utilization7d = %v, want 0.9", snap.Utilization7d)
	}
}

func TestFromRecordNilAndEmpty(t *testing.T) {
	t.Parallel()

	if _, ok := FromRecord(nil); ok {
		t.Error("nil record must not produce a snapshot")
	}
	if _, ok := FromRecord(quotaRecord("api.anthropic.com", nil)); ok {
		t.Error("record without headers must not produce a snapshot")
	}
}

func TestParseQuotaTimeFormats(t *testing.T) {
	t.Parallel()

	rfc := parseQuotaTime("2025-08-10T13:00:00Z")
	if rfc != time.Date(2025, 8, 10, 13, 0, 0, 0, time.UTC) {
		t.Errorf("RFC3339 parse = %v", rfc)
	}
	epoch := parseQuotaTime("1754830800")
	if epoch.IsZero() {
		t.Error("epoch seconds should parse")
	}
	if got := parseQuotaTime("not-a-time"); !got.IsZero() {
		t.Errorf("garbage should yield zero time, got %v", got)
	}
	if got := parseQuotaTime(""); !got.IsZero() {
		t.Errorf("empty should yield zero time, got %v", got)
	}
}
