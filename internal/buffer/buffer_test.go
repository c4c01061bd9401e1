package buffer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/flowscribe/flowscribe/internal/flow"
)

func newTestWriter(t *testing.T, cfg Config) (*Writer, *TailReader, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	cfg.OpTimeout = time.Second
	w := NewWriter(rdb, cfg)
	return w, NewTailReader(rdb, cfg.StreamKey, 100*time.Millisecond), mr
}

func completeRecord(flowID string) *flow.Record {
	started := time.Date(2025, 8, 10, 12, 0, 0, 0, time.UTC)
	return &flow.Record{
		FlowID:      flowID,
		State:       flow.StateComplete,
		StartedAt:   started,
		CompletedAt: started.Add(1500 * time.Millisecond),
		Method:      "POST",
		Host:        "api.anthropic.com",
		Path:        "/v1/messages",
		StatusCode:  200,
		RequestHeaders: []flow.Header{
			{Name: "Content-Type", Value: "application/json"},
			{Name: "Authorization", Value: "[REDACTED]"},
		},
		RequestBodyDigest:   "abc123",
		ResponseBodyDigest:  "def456",
		RequestBodySize:     420,
		ResponseBodySize:    1337,
		RequestBodyPreview:  `{"model":"claude-sonnet-4"}`,
		ResponseBodyPreview: `{"type":"message"}`,
		IsLLMCall:           true,
		Provider:            "anthropic",
		Model:               "claude-sonnet-4",
		PromptTokens:        100,
		CompletionTokens:    50,
		LatencyMS:           1500,
	}
}

func TestPublishRoundTripsThroughTail(t *testing.T) {
	t.Parallel()

	w, reader, _ := newTestWriter(t, Config{})
	ctx := context.Background()

	if !w.Publish(ctx, completeRecord("flow-1")) {
		t.Fatal("Publish reported failure")
	}

	entries, err := reader.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("stream holds %d entries, want 1", len(entries))
	}

	fields := entries[0].Fields
	want := map[string]string{
		"flow_id":           "flow-1",
		"state":             "complete",
		"method":            "POST",
		"host":              "api.anthropic.com",
		"path":              "/v1/messages",
		"status_code":       "200",
		"latency_ms":        "1500",
		"request_size":      "420",
		"response_size":     "1337",
		"model":             "claude-sonnet-4",
		"provider":          "anthropic",
		"prompt_tokens":     "100",
		"completion_tokens": "50",
		"request_digest":    "abc123",
		"response_digest":   "def456",
		"request_preview":   `{"model":"claude-sonnet-4"}`,
		"response_preview":  `{"type":"message"}`,
	}
	for key, wantValue := range want {
		if got := fields[key]; got != wantValue {
			t.Errorf("field %s = %q, want %q", key, got, wantValue)
		}
	}

	if fields["timestamp"] == "" {
		t.Fatal("entry carries no timestamp")
	}
	if _, err := time.Parse(time.RFC3339Nano, fields["timestamp"]); err != nil {
		t.Fatalf("timestamp %q not RFC3339Nano: %v", fields["timestamp"], err)
	}

	var headers []flow.Header
	if err := json.Unmarshal([]byte(fields["request_headers"]), &headers); err != nil {
		t.Fatalf("request_headers not JSON: %v", err)
	}
	if len(headers) != 2 || headers[1].Value != "[REDACTED]" {
		t.Fatalf("request_headers = %+v", headers)
	}

	if got := w.Diagnostics().PublishedTotal; got != 1 {
		t.Fatalf("PublishedTotal = %d, want 1", got)
	}
}

func TestPublishTrimsStreamToMaxLen(t *testing.T) {
	t.Parallel()

	w, reader, _ := newTestWriter(t, Config{MaxLen: 3})
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		if !w.Publish(ctx, completeRecord(fmt.Sprintf("flow-%d", i))) {
			t.Fatalf("publish %d failed", i)
		}
	}

	entries, err := reader.Recent(ctx, 100)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("stream holds %d entries after trim, want 3", len(entries))
	}
	if got := entries[len(entries)-1].Fields["flow_id"]; got != "flow-5" {
		t.Fatalf("newest entry = %q, want flow-5", got)
	}
	if got := entries[0].Fields["flow_id"]; got != "flow-3" {
		t.Fatalf("oldest surviving entry = %q, want flow-3", got)
	}
}

func TestPublishFailsSoftWhenRedisDown(t *testing.T) {
	t.Parallel()

	w, _, mr := newTestWriter(t, Config{})
	mr.Close()

	if w.Publish(context.Background(), completeRecord("flow-1")) {
		t.Fatal("Publish reported success with redis down")
	}

	diag := w.Diagnostics()
	if diag.ErrorTotal != 1 {
		t.Fatalf("ErrorTotal = %d, want 1", diag.ErrorTotal)
	}
	if diag.LastErrorAt == nil {
		t.Fatal("LastErrorAt not set")
	}
}

func TestPublishSkipsInvalidRecords(t *testing.T) {
	t.Parallel()

	w, _, _ := newTestWriter(t, Config{})
	ctx := context.Background()

	if w.Publish(ctx, nil) {
		t.Fatal("nil record published")
	}
	if w.Publish(ctx, &flow.Record{State: flow.StateComplete}) {
		t.Fatal("record without flow_id published")
	}
	if got := w.Diagnostics().ErrorTotal; got != 0 {
		t.Fatalf("invalid input counted as error: %d", got)
	}
}

func TestRecentReturnsOldestFirst(t *testing.T) {
	t.Parallel()

	w, reader, _ := newTestWriter(t, Config{})
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		w.Publish(ctx, completeRecord(fmt.Sprintf("flow-%d", i)))
	}

	entries, err := reader.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("Recent returned %d entries, want 2", len(entries))
	}
	if entries[0].Fields["flow_id"] != "flow-2" || entries[1].Fields["flow_id"] != "flow-3" {
		t.Fatalf("entries ordered %q, %q; want flow-2 then flow-3",
			entries[0].Fields["flow_id"], entries[1].Fields["flow_id"])
	}
}

func TestFollowDeliversEntriesInOrder(t *testing.T) {
	t.Parallel()

	w, reader, _ := newTestWriter(t, Config{})
	ctx := context.Background()

	w.Publish(ctx, completeRecord("flow-1"))
	w.Publish(ctx, completeRecord("flow-2"))

	errStop := errors.New("stop")
	var seen []string
	err := reader.Follow(ctx, "0", func(e Entry) error {
		seen = append(seen, e.Fields["flow_id"])
		if len(seen) == 2 {
			return errStop
		}
		return nil
	})

	if !errors.Is(err, errStop) {
		t.Fatalf("Follow returned %v, want stop sentinel", err)
	}
	if len(seen) != 2 || seen[0] != "flow-1" || seen[1] != "flow-2" {
		t.Fatalf("Follow delivered %v, want [flow-1 flow-2]", seen)
	}
}

func TestFollowHonorsContextCancellation(t *testing.T) {
	t.Parallel()

	_, reader, _ := newTestWriter(t, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := reader.Follow(ctx, "$", func(Entry) error { return nil })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Follow returned %v, want context.Canceled", err)
	}
}
