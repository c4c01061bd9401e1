// Package store persists flow records, LLM spans, and quota snapshots
// behind one interface with SQLite and Postgres backends. Writes are
// idempotent per flow_id and retried on transient failure with a bounded
// backoff; reads use keyset cursors so dashboard pagination stays stable
// under concurrent inserts.
package store

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/flowscribe/flowscribe/internal/flow"
	"github.com/flowscribe/flowscribe/internal/quota"
)

var ErrNotFound = errors.New("store record not found")
var ErrInvalidCursor = errors.New("flow cursor is invalid")

type FlowStore interface {
	// UpsertFlow writes one record snapshot. Replays are idempotent: a
	// pending snapshot refreshes a pending row, a complete snapshot
	// completes it, and a pending snapshot arriving after complete is a
	// no-op enforced in the statement itself.
	UpsertFlow(ctx context.Context, rec *flow.Record) error
	// UpsertSpan inserts at most one span per flow_id; conflicts are
	// silently ignored so dedup replays cannot duplicate spans.
	UpsertSpan(ctx context.Context, span *flow.LLMSpan) error
	// MarkSpanExport records an export outcome. A span already marked
	// sent never regresses to failed; missing spans are a no-op.
	MarkSpanExport(ctx context.Context, flowID string, status flow.ExportStatus, at time.Time) error

	GetFlow(ctx context.Context, flowID string) (*FlowDetail, error)
	QueryFlows(ctx context.Context, filter FlowFilter) (*FlowPage, error)

	GetUsageSummary(ctx context.Context, filter UsageFilter) (*UsageSummary, error)
	GetUsageSeries(ctx context.Context, filter UsageFilter, groupBy, bucket string) ([]UsagePoint, error)

	InsertQuotaSnapshot(ctx context.Context, snap *quota.Snapshot) error
	LatestQuotaSnapshot(ctx context.Context) (*quota.Snapshot, error)
	QueryQuotaSnapshots(ctx context.Context, filter QuotaFilter) ([]*quota.Snapshot, error)

	// Retention hooks. Both delete spans alongside their flows and
	// report how many flow rows were removed.
	DeleteFlowsBefore(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteFlowsOverCount(ctx context.Context, keep int64) (int64, error)
	DeleteQuotaBefore(ctx context.Context, cutoff time.Time) (int64, error)

	Close() error
}

type FlowFilter struct {
	Host       string
	Method     string
	Provider   string
	State      string
	StatusCode int
	LLMOnly    bool
	Since      time.Time
	Until      time.Time
	Limit      int
	Cursor     string
}

// FlowDetail joins a flow record with its span when one exists.
type FlowDetail struct {
	Flow flow.Record
	Span *flow.LLMSpan
}

type FlowPage struct {
	Items      []*FlowDetail
	NextCursor string
}

type UsageFilter struct {
	Provider string
	Model    string
	Since    time.Time
	Until    time.Time
}

type UsageSummary struct {
	FlowCount           int64
	LLMCallCount        int64
	ErrorCount          int64
	AvgLatencyMS        float64
	SpanCount           int64
	PromptTokens        int64
	CompletionTokens    int64
	CacheReadTokens     int64
	CacheCreationTokens int64
	TotalTokens         int64
}

type UsagePoint struct {
	BucketStart         time.Time
	Group               string
	CallCount           int64
	PromptTokens        int64
	CompletionTokens    int64
	CacheReadTokens     int64
	CacheCreationTokens int64
	TotalTokens         int64
}

type QuotaFilter struct {
	Since time.Time
	Until time.Time
	Limit int
}

const (
	defaultFlowPageLimit = 50
	maxFlowPageLimit     = 200

	defaultQuotaLimit = 500
	maxQuotaLimit     = 5000
)

func clampFlowLimit(limit int) int {
	if limit <= 0 {
		return defaultFlowPageLimit
	}
	if limit > maxFlowPageLimit {
		return maxFlowPageLimit
	}
	return limit
}

func clampQuotaLimit(limit int) int {
	if limit <= 0 {
		return defaultQuotaLimit
	}
	if limit > maxQuotaLimit {
		return maxQuotaLimit
	}
	return limit
}

func encodeFlowCursor(createdAt time.Time, flowID string) string {
	if createdAt.IsZero() || flowID == "" {
		return ""
	}
	raw := createdAt.UTC().Format(time.RFC3339Nano) + "|" + flowID
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func decodeFlowCursor(cursor string) (time.Time, string, error) {
	payload, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("%w: decode base64 cursor", ErrInvalidCursor)
	}
	parts := strings.SplitN(string(payload), "|", 2)
	if len(parts) != 2 || strings.TrimSpace(parts[1]) == "" {
		return time.Time{}, "", fmt.Errorf("%w: missing flow id", ErrInvalidCursor)
	}
	createdAt, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(parts[0]))
	if err != nil {
		return time.Time{}, "", fmt.Errorf("%w: parse created_at", ErrInvalidCursor)
	}
	return createdAt.UTC(), strings.TrimSpace(parts[1]), nil
}

func encodeHeaders(pairs []flow.Header) string {
	if len(pairs) == 0 {
		return ""
	}
	encoded, err := json.Marshal(pairs)
	if err != nil {
		return ""
	}
	return string(encoded)
}

func decodeHeaders(raw string) []flow.Header {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	var pairs []flow.Header
	if err := json.Unmarshal([]byte(raw), &pairs); err != nil {
		return nil
	}
	return pairs
}

func encodeRawHeaders(raw map[string]string) string {
	if len(raw) == 0 {
		return ""
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		return ""
	}
	return string(encoded)
}

func decodeRawHeaders(raw string) map[string]string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	var out map[string]string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}

// normalizeFlow fills the defaults one row expects before it is written.
// The returned copy is what lands in the database; the caller's record is
// never mutated.
func normalizeFlow(in *flow.Record) *flow.Record {
	row := *in
	now := time.Now().UTC()

	if row.State != flow.StateComplete {
		row.State = flow.StatePending
	}
	if row.StartedAt.IsZero() {
		row.StartedAt = now
	}
	if row.State == flow.StateComplete && row.CompletedAt.IsZero() {
		row.CompletedAt = now
	}
	if row.CompletedAt.Before(row.StartedAt) && !row.CompletedAt.IsZero() {
		row.CompletedAt = row.StartedAt
	}
	if row.Method == "" {
		row.Method = "UNKNOWN"
	}
	if row.Path == "" {
		row.Path = "/"
	}
	return &row
}

func normalizeSpan(in *flow.LLMSpan) *flow.LLMSpan {
	row := *in
	now := time.Now().UTC()

	if row.StartedAt.IsZero() {
		row.StartedAt = now
	}
	if row.CompletedAt.IsZero() {
		row.CompletedAt = row.StartedAt
	}
	if row.Model == "" {
		row.Model = "unknown"
	}
	switch row.ExportStatus {
	case flow.ExportPending, flow.ExportSent, flow.ExportFailed:
	default:
		row.ExportStatus = flow.ExportPending
	}
	return &row
}

type rowScanner interface {
	Scan(dest ...any) error
}

func normalizeGroupBy(groupBy string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(groupBy)) {
	case "", "none":
		return "", nil
	case "provider":
		return "provider", nil
	case "model":
		return "model", nil
	default:
		return "", fmt.Errorf("invalid group_by: %q", groupBy)
	}
}
