package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/flowscribe/flowscribe/internal/flow"
	"github.com/flowscribe/flowscribe/internal/quota"
	"github.com/flowscribe/flowscribe/migrations"

	_ "modernc.org/sqlite"
)

type SQLiteStore struct {
	Path  string
	db    *sql.DB
	retry RetryPolicy
	// SQLite allows only one writer at a time; serialize writes to avoid
	// SQLITE_BUSY contention when dispatch workers write concurrently.
	writeMu sync.Mutex
}

func NewSQLiteStore(path string, retry RetryPolicy) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path cannot be empty")
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite directory %q: %w", dir, err)
		}
	}

	// _time_format=sqlite stores time.Time binds in a format the SQLite
	// date functions can parse, which the series bucketing relies on.
	db, err := sql.Open("sqlite", "file:"+path+"?_time_format=sqlite")
	if err != nil {
		return nil, fmt.Errorf("open sqlite database %q: %w", path, err)
	}

	store := &SQLiteStore{
		Path:  path,
		db:    db,
		retry: retry.withDefaults(),
	}

	if err := store.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.ensureSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) configure() error {
	if _, err := s.db.Exec(`PRAGMA journal_mode = WAL;`); err != nil {
		return fmt.Errorf("enable sqlite WAL mode: %w", err)
	}
	if _, err := s.db.Exec(`PRAGMA synchronous = NORMAL;`); err != nil {
		return fmt.Errorf("set sqlite synchronous mode: %w", err)
	}
	if _, err := s.db.Exec(`PRAGMA busy_timeout = 5000;`); err != nil {
		return fmt.Errorf("set sqlite busy timeout: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ensureSchema() error {
	if err := migrations.Apply(context.Background(), s.db, migrations.DriverSQLite); err != nil {
		return fmt.Errorf("ensure sqlite schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpsertFlow(ctx context.Context, rec *flow.Record) error {
	if rec == nil {
		return nil
	}
	if strings.TrimSpace(rec.FlowID) == "" {
		return fmt.Errorf("upsert flow: flow_id cannot be empty")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	row := normalizeFlow(rec)
	now := time.Now().UTC()
	err := retryTransient(ctx, s.retry, func() error {
		_, err := s.db.ExecContext(ctx, `
INSERT INTO flow_records (
    flow_id,
    state,
    started_at,
    completed_at,
    method,
    host,
    path,
    status_code,
    request_headers,
    response_headers,
    request_body_digest,
    response_body_digest,
    request_body_size,
    response_body_size,
    is_llm_call,
    provider,
    latency_ms,
    error,
    created_at,
    updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (flow_id) DO UPDATE SET
    state = excluded.state,
    completed_at = excluded.completed_at,
    method = excluded.method,
    host = excluded.host,
    path = excluded.path,
    status_code = excluded.status_code,
    request_headers = excluded.request_headers,
    response_headers = excluded.response_headers,
    request_body_digest = excluded.request_body_digest,
    response_body_digest = excluded.response_body_digest,
    request_body_size = excluded.request_body_size,
    response_body_size = excluded.response_body_size,
    is_llm_call = excluded.is_llm_call,
    provider = excluded.provider,
    latency_ms = excluded.latency_ms,
    error = excluded.error,
    updated_at = excluded.updated_at
WHERE NOT (flow_records.state = 'complete' AND excluded.state = 'pending')`,
			row.FlowID,
			string(row.State),
			row.StartedAt.UTC(),
			nullTime(row.CompletedAt),
			row.Method,
			row.Host,
			row.Path,
			nullInt(row.StatusCode),
			encodeHeaders(row.RequestHeaders),
			encodeHeaders(row.ResponseHeaders),
			row.RequestBodyDigest,
			row.ResponseBodyDigest,
			row.RequestBodySize,
			row.ResponseBodySize,
			boolToInt(row.IsLLMCall),
			row.Provider,
			row.LatencyMS,
			row.Error,
			now,
			now,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("upsert flow %q: %w", row.FlowID, err)
	}
	return nil
}

func (s *SQLiteStore) UpsertSpan(ctx context.Context, span *flow.LLMSpan) error {
	if span == nil {
		return nil
	}
	if strings.TrimSpace(span.FlowID) == "" {
		return fmt.Errorf("upsert span: flow_id cannot be empty")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	row := normalizeSpan(span)
	err := retryTransient(ctx, s.retry, func() error {
		_, err := s.db.ExecContext(ctx, `
INSERT INTO llm_spans (
    flow_id,
    model,
    prompt_tokens,
    completion_tokens,
    cache_read_tokens,
    cache_creation_tokens,
    latency_ms,
    time_to_first_byte_ms,
    started_at,
    completed_at,
    trace_export_status,
    exported_at,
    created_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (flow_id) DO NOTHING`,
			row.FlowID,
			row.Model,
			row.PromptTokens,
			row.CompletionTokens,
			row.CacheReadTokens,
			row.CacheCreationTokens,
			row.LatencyMS,
			row.TTFBMS,
			row.StartedAt.UTC(),
			row.CompletedAt.UTC(),
			string(row.ExportStatus),
			nullTime(row.ExportedAt),
			time.Now().UTC(),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("upsert span %q: %w", row.FlowID, err)
	}
	return nil
}

func (s *SQLiteStore) MarkSpanExport(ctx context.Context, flowID string, status flow.ExportStatus, at time.Time) error {
	switch status {
	case flow.ExportPending, flow.ExportSent, flow.ExportFailed:
	default:
		return fmt.Errorf("mark span export %q: invalid status %q", flowID, status)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	err := retryTransient(ctx, s.retry, func() error {
		var err error
		if status == flow.ExportSent {
			_, err = s.db.ExecContext(ctx,
				`UPDATE llm_spans SET trace_export_status = ?, exported_at = ? WHERE flow_id = ?`,
				string(status), at.UTC(), flowID)
		} else {
			// A span already confirmed sent never regresses.
			_, err = s.db.ExecContext(ctx,
				`UPDATE llm_spans SET trace_export_status = ? WHERE flow_id = ? AND trace_export_status <> 'sent'`,
				string(status), flowID)
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("mark span export %q: %w", flowID, err)
	}
	return nil
}

const sqliteFlowJoinColumns = `
f.flow_id,
f.state,
CAST(f.started_at AS TEXT),
CAST(f.completed_at AS TEXT),
f.method,
f.host,
f.path,
f.status_code,
f.request_headers,
f.response_headers,
f.request_body_digest,
f.response_body_digest,
f.request_body_size,
f.response_body_size,
f.is_llm_call,
f.provider,
f.latency_ms,
f.error,
s.flow_id,
s.model,
s.prompt_tokens,
s.completion_tokens,
s.cache_read_tokens,
s.cache_creation_tokens,
s.latency_ms,
s.time_to_first_byte_ms,
CAST(s.started_at AS TEXT),
CAST(s.completed_at AS TEXT),
s.trace_export_status,
CAST(s.exported_at AS TEXT)
`

const sqliteFlowJoinFrom = ` FROM flow_records f LEFT JOIN llm_spans s ON s.flow_id = f.flow_id `

func (s *SQLiteStore) GetFlow(ctx context.Context, flowID string) (*FlowDetail, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+sqliteFlowJoinColumns+sqliteFlowJoinFrom+"WHERE f.flow_id = ? LIMIT 1", flowID)
	detail, err := scanSQLiteFlowJoin(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get flow %q: %w", flowID, err)
	}
	return detail, nil
}

func (s *SQLiteStore) QueryFlows(ctx context.Context, filter FlowFilter) (*FlowPage, error) {
	limit := clampFlowLimit(filter.Limit)

	whereSQL, args, err := buildSQLiteFlowWhere(filter)
	if err != nil {
		return nil, err
	}
	args = append(args, limit+1)

	query := "SELECT " + sqliteFlowJoinColumns + sqliteFlowJoinFrom +
		"WHERE " + whereSQL + " ORDER BY f.started_at DESC, f.flow_id DESC LIMIT ?"
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query flows: %w", err)
	}
	defer rows.Close()

	items := make([]*FlowDetail, 0, limit+1)
	for rows.Next() {
		detail, err := scanSQLiteFlowJoin(rows)
		if err != nil {
			return nil, fmt.Errorf("scan flow row: %w", err)
		}
		items = append(items, detail)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate flow rows: %w", err)
	}

	nextCursor := ""
	if len(items) > limit {
		items = items[:limit]
		last := items[len(items)-1]
		nextCursor = encodeFlowCursor(last.Flow.StartedAt, last.Flow.FlowID)
	}

	return &FlowPage{Items: items, NextCursor: nextCursor}, nil
}

func buildSQLiteFlowWhere(filter FlowFilter) (string, []any, error) {
	where := make([]string, 0, 9)
	args := make([]any, 0, 9)

	if filter.Host != "" {
		where = append(where, "f.host = ?")
		args = append(args, filter.Host)
	}
	if filter.Method != "" {
		where = append(where, "f.method = ?")
		args = append(args, strings.ToUpper(filter.Method))
	}
	if filter.Provider != "" {
		where = append(where, "f.provider = ?")
		args = append(args, filter.Provider)
	}
	if filter.State != "" {
		where = append(where, "f.state = ?")
		args = append(args, filter.State)
	}
	if filter.StatusCode > 0 {
		where = append(where, "f.status_code = ?")
		args = append(args, filter.StatusCode)
	}
	if filter.LLMOnly {
		where = append(where, "f.is_llm_call <> 0")
	}
	if !filter.Since.IsZero() {
		where = append(where, "f.started_at >= ?")
		args = append(args, filter.Since.UTC())
	}
	if !filter.Until.IsZero() {
		where = append(where, "f.started_at <= ?")
		args = append(args, filter.Until.UTC())
	}
	if filter.Cursor != "" {
		startedAt, flowID, err := decodeFlowCursor(filter.Cursor)
		if err != nil {
			return "", nil, err
		}
		where = append(where, "(f.started_at < ? OR (f.started_at = ? AND f.flow_id < ?))")
		args = append(args, startedAt, startedAt, flowID)
	}

	if len(where) == 0 {
		return "1=1", args, nil
	}
	return strings.Join(where, " AND "), args, nil
}

func scanSQLiteFlowJoin(scanner rowScanner) (*FlowDetail, error) {
	var (
		detail           FlowDetail
		startedAtText    sql.NullString
		completedAtText  sql.NullString
		statusCode       sql.NullInt64
		requestHeaders   sql.NullString
		responseHeaders  sql.NullString
		isLLMCall        sql.NullInt64
		spanFlowID       sql.NullString
		spanModel        sql.NullString
		promptTokens     sql.NullInt64
		completionTokens sql.NullInt64
		cacheReadTokens  sql.NullInt64
		cacheCreation    sql.NullInt64
		spanLatencyMS    sql.NullInt64
		spanTTFBMS       sql.NullInt64
		spanStartedText  sql.NullString
		spanDoneText     sql.NullString
		exportStatus     sql.NullString
		exportedAtText   sql.NullString
	)

	var state string
	if err := scanner.Scan(
		&detail.Flow.FlowID,
		&state,
		&startedAtText,
		&completedAtText,
		&detail.Flow.Method,
		&detail.Flow.Host,
		&detail.Flow.Path,
		&statusCode,
		&requestHeaders,
		&responseHeaders,
		&detail.Flow.RequestBodyDigest,
		&detail.Flow.ResponseBodyDigest,
		&detail.Flow.RequestBodySize,
		&detail.Flow.ResponseBodySize,
		&isLLMCall,
		&detail.Flow.Provider,
		&detail.Flow.LatencyMS,
		&detail.Flow.Error,
		&spanFlowID,
		&spanModel,
		&promptTokens,
		&completionTokens,
		&cacheReadTokens,
		&cacheCreation,
		&spanLatencyMS,
		&spanTTFBMS,
		&spanStartedText,
		&spanDoneText,
		&exportStatus,
		&exportedAtText,
	); err != nil {
		return nil, err
	}

	detail.Flow.State = flow.State(state)
	if startedAtText.Valid {
		parsed, err := parseSQLiteTimestamp(startedAtText.String)
		if err != nil {
			return nil, fmt.Errorf("parse started_at %q: %w", startedAtText.String, err)
		}
		detail.Flow.StartedAt = parsed
	}
	if completedAtText.Valid {
		parsed, err := parseSQLiteTimestamp(completedAtText.String)
		if err != nil {
			return nil, fmt.Errorf("parse completed_at %q: %w", completedAtText.String, err)
		}
		detail.Flow.CompletedAt = parsed
	}
	if statusCode.Valid {
		detail.Flow.StatusCode = int(statusCode.Int64)
	}
	if requestHeaders.Valid {
		detail.Flow.RequestHeaders = decodeHeaders(requestHeaders.String)
	}
	if responseHeaders.Valid {
		detail.Flow.ResponseHeaders = decodeHeaders(responseHeaders.String)
	}
	detail.Flow.IsLLMCall = isLLMCall.Valid && isLLMCall.Int64 != 0

	if spanFlowID.Valid && spanFlowID.String != "" {
		span := &flow.LLMSpan{FlowID: spanFlowID.String}
		if spanModel.Valid {
			span.Model = spanModel.String
		}
		if promptTokens.Valid {
			span.PromptTokens = int(promptTokens.Int64)
		}
		if completionTokens.Valid {
			span.CompletionTokens = int(completionTokens.Int64)
		}
		if cacheReadTokens.Valid {
			span.CacheReadTokens = int(cacheReadTokens.Int64)
		}
		if cacheCreation.Valid {
			span.CacheCreationTokens = int(cacheCreation.Int64)
		}
		if spanLatencyMS.Valid {
			span.LatencyMS = spanLatencyMS.Int64
		}
		if spanTTFBMS.Valid {
			span.TTFBMS = spanTTFBMS.Int64
		}
		if spanStartedText.Valid {
			parsed, err := parseSQLiteTimestamp(spanStartedText.String)
			if err != nil {
				return nil, fmt.Errorf("parse span started_at %q: %w", spanStartedText.String, err)
			}
			span.StartedAt = parsed
		}
		if spanDoneText.Valid {
			parsed, err := parseSQLiteTimestamp(spanDoneText.String)
			if err != nil {
				return nil, fmt.Errorf("parse span completed_at %q: %w", spanDoneText.String, err)
			}
			span.CompletedAt = parsed
		}
		if exportStatus.Valid {
			span.ExportStatus = flow.ExportStatus(exportStatus.String)
		}
		if exportedAtText.Valid {
			parsed, err := parseSQLiteTimestamp(exportedAtText.String)
			if err != nil {
				return nil, fmt.Errorf("parse exported_at %q: %w", exportedAtText.String, err)
			}
			span.ExportedAt = parsed
		}
		detail.Span = span
	}

	return &detail, nil
}

func (s *SQLiteStore) GetUsageSummary(ctx context.Context, filter UsageFilter) (*UsageSummary, error) {
	whereSQL, args := buildSQLiteUsageWhere(filter)

	var summary UsageSummary
	flowQuery := `
SELECT
	COUNT(*),
	COALESCE(SUM(CASE WHEN f.is_llm_call <> 0 THEN 1 ELSE 0 END), 0),
	COALESCE(SUM(CASE WHEN f.status_code >= 400 OR f.error <> '' THEN 1 ELSE 0 END), 0),
	COALESCE(AVG(CASE WHEN f.state = 'complete' THEN f.latency_ms END), 0)
FROM flow_records f LEFT JOIN llm_spans s ON s.flow_id = f.flow_id
WHERE ` + whereSQL
	row := s.db.QueryRowContext(ctx, flowQuery, args...)
	if err := row.Scan(&summary.FlowCount, &summary.LLMCallCount, &summary.ErrorCount, &summary.AvgLatencyMS); err != nil {
		return nil, fmt.Errorf("query usage flow summary: %w", err)
	}

	spanQuery := `
SELECT
	COUNT(*),
	COALESCE(SUM(s.prompt_tokens), 0),
	COALESCE(SUM(s.completion_tokens), 0),
	COALESCE(SUM(s.cache_read_tokens), 0),
	COALESCE(SUM(s.cache_creation_tokens), 0)
FROM llm_spans s JOIN flow_records f ON f.flow_id = s.flow_id
WHERE ` + whereSQL
	row = s.db.QueryRowContext(ctx, spanQuery, args...)
	if err := row.Scan(&summary.SpanCount, &summary.PromptTokens, &summary.CompletionTokens, &summary.CacheReadTokens, &summary.CacheCreationTokens); err != nil {
		return nil, fmt.Errorf("query usage token summary: %w", err)
	}

	summary.TotalTokens = summary.PromptTokens + summary.CompletionTokens
	return &summary, nil
}

func (s *SQLiteStore) GetUsageSeries(ctx context.Context, filter UsageFilter, groupBy, bucket string) ([]UsagePoint, error) {
	groupExpr, err := sqliteUsageGroupExpression(groupBy)
	if err != nil {
		return nil, err
	}
	bucketExpr, err := sqliteUsageBucketExpression(bucket)
	if err != nil {
		return nil, err
	}

	whereSQL, args := buildSQLiteUsageWhere(filter)
	query := `
SELECT
	` + bucketExpr + ` AS bucket_start,
	` + groupExpr + ` AS group_value,
	COUNT(*),
	COALESCE(SUM(s.prompt_tokens), 0),
	COALESCE(SUM(s.completion_tokens), 0),
	COALESCE(SUM(s.cache_read_tokens), 0),
	COALESCE(SUM(s.cache_creation_tokens), 0)
FROM llm_spans s JOIN flow_records f ON f.flow_id = s.flow_id
WHERE ` + whereSQL + `
GROUP BY bucket_start, group_value
ORDER BY bucket_start ASC, group_value ASC
`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query usage series: %w", err)
	}
	defer rows.Close()

	points := make([]UsagePoint, 0)
	for rows.Next() {
		var (
			bucketStartRaw sql.NullString
			groupValue     sql.NullString
			point          UsagePoint
		)
		if err := rows.Scan(&bucketStartRaw, &groupValue, &point.CallCount, &point.PromptTokens, &point.CompletionTokens, &point.CacheReadTokens, &point.CacheCreationTokens); err != nil {
			return nil, fmt.Errorf("scan usage series row: %w", err)
		}
		if bucketStartRaw.Valid {
			parsed, err := parseSQLiteTimestamp(bucketStartRaw.String)
			if err != nil {
				return nil, fmt.Errorf("parse usage series bucket %q: %w", bucketStartRaw.String, err)
			}
			point.BucketStart = parsed
		}
		if groupValue.Valid {
			point.Group = groupValue.String
		}
		point.TotalTokens = point.PromptTokens + point.CompletionTokens
		points = append(points, point)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate usage series rows: %w", err)
	}

	return points, nil
}

func buildSQLiteUsageWhere(filter UsageFilter) (string, []any) {
	where := make([]string, 0, 4)
	args := make([]any, 0, 4)

	if filter.Provider != "" {
		where = append(where, "f.provider = ?")
		args = append(args, filter.Provider)
	}
	if filter.Model != "" {
		where = append(where, "s.model = ?")
		args = append(args, filter.Model)
	}
	if !filter.Since.IsZero() {
		where = append(where, "f.started_at >= ?")
		args = append(args, filter.Since.UTC())
	}
	if !filter.Until.IsZero() {
		where = append(where, "f.started_at <= ?")
		args = append(args, filter.Until.UTC())
	}

	if len(where) == 0 {
		return "1=1", args
	}
	return strings.Join(where, " AND "), args
}

func sqliteUsageGroupExpression(groupBy string) (string, error) {
	normalized, err := normalizeGroupBy(groupBy)
	if err != nil {
		return "", err
	}
	switch normalized {
	case "":
		return "''", nil
	case "provider":
		return "f.provider", nil
	case "model":
		return "s.model", nil
	}
	return "''", nil
}

func sqliteUsageBucketExpression(bucket string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(bucket)) {
	case "", "day":
		return "strftime('%Y-%m-%dT00:00:00Z', f.started_at)", nil
	case "hour":
		return "strftime('%Y-%m-%dT%H:00:00Z', f.started_at)", nil
	case "week":
		return "strftime('%Y-%m-%dT00:00:00Z', datetime(f.started_at, '-' || ((CAST(strftime('%w', f.started_at) AS INTEGER) + 6) % 7) || ' days'))", nil
	default:
		return "", fmt.Errorf("invalid bucket: %q", bucket)
	}
}

func (s *SQLiteStore) InsertQuotaSnapshot(ctx context.Context, snap *quota.Snapshot) error {
	if snap == nil {
		return nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	capturedAt := snap.CapturedAt
	if capturedAt.IsZero() {
		capturedAt = time.Now().UTC()
	}

	err := retryTransient(ctx, s.retry, func() error {
		_, err := s.db.ExecContext(ctx, `
INSERT INTO quota_snapshots (
    captured_at,
    flow_id,
    request_id,
    status,
    remaining,
    reset_at,
    utilization_5h,
    status_5h,
    reset_5h,
    utilization_7d,
    status_7d,
    reset_7d,
    fallback,
    fallback_percentage,
    overage_status,
    raw_headers
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			capturedAt.UTC(),
			snap.FlowID,
			snap.RequestID,
			snap.Status,
			snap.Remaining,
			nullTime(snap.ResetAt),
			snap.Utilization5h,
			snap.Status5h,
			nullTime(snap.Reset5h),
			snap.Utilization7d,
			snap.Status7d,
			nullTime(snap.Reset7d),
			snap.Fallback,
			snap.FallbackPercentage,
			snap.OverageStatus,
			encodeRawHeaders(snap.RawHeaders),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("insert quota snapshot for flow %q: %w", snap.FlowID, err)
	}
	return nil
}

const sqliteQuotaColumns = `
id,
CAST(captured_at AS TEXT),
flow_id,
request_id,
status,
remaining,
CAST(reset_at AS TEXT),
utilization_5h,
status_5h,
CAST(reset_5h AS TEXT),
utilization_7d,
status_7d,
CAST(reset_7d AS TEXT),
fallback,
fallback_percentage,
overage_status,
raw_headers
`

func (s *SQLiteStore) LatestQuotaSnapshot(ctx context.Context) (*quota.Snapshot, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+sqliteQuotaColumns+" FROM quota_snapshots ORDER BY captured_at DESC, id DESC LIMIT 1")
	snap, err := scanSQLiteQuotaRow(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get latest quota snapshot: %w", err)
	}
	return snap, nil
}

func (s *SQLiteStore) QueryQuotaSnapshots(ctx context.Context, filter QuotaFilter) ([]*quota.Snapshot, error) {
	where := make([]string, 0, 2)
	args := make([]any, 0, 3)
	if !filter.Since.IsZero() {
		where = append(where, "captured_at >= ?")
		args = append(args, filter.Since.UTC())
	}
	if !filter.Until.IsZero() {
		where = append(where, "captured_at <= ?")
		args = append(args, filter.Until.UTC())
	}
	whereSQL := "1=1"
	if len(where) > 0 {
		whereSQL = strings.Join(where, " AND ")
	}
	args = append(args, clampQuotaLimit(filter.Limit))

	rows, err := s.db.QueryContext(ctx,
		"SELECT "+sqliteQuotaColumns+" FROM quota_snapshots WHERE "+whereSQL+" ORDER BY captured_at ASC, id ASC LIMIT ?", args...)
	if err != nil {
		return nil, fmt.Errorf("query quota snapshots: %w", err)
	}
	defer rows.Close()

	snaps := make([]*quota.Snapshot, 0)
	for rows.Next() {
		snap, err := scanSQLiteQuotaRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan quota snapshot row: %w", err)
		}
		snaps = append(snaps, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate quota snapshot rows: %w", err)
	}
	return snaps, nil
}

func scanSQLiteQuotaRow(scanner rowScanner) (*quota.Snapshot, error) {
	var (
		snap            quota.Snapshot
		capturedAtText  sql.NullString
		resetAtText     sql.NullString
		reset5hText     sql.NullString
		reset7dText     sql.NullString
		remaining       sql.NullInt64
		utilization5h   sql.NullFloat64
		utilization7d   sql.NullFloat64
		fallbackPercent sql.NullFloat64
		rawHeaders      sql.NullString
	)

	if err := scanner.Scan(
		&snap.ID,
		&capturedAtText,
		&snap.FlowID,
		&snap.RequestID,
		&snap.Status,
		&remaining,
		&resetAtText,
		&utilization5h,
		&snap.Status5h,
		&reset5hText,
		&utilization7d,
		&snap.Status7d,
		&reset7dText,
		&snap.Fallback,
		&fallbackPercent,
		&snap.OverageStatus,
		&rawHeaders,
	); err != nil {
		return nil, err
	}

	if capturedAtText.Valid {
		parsed, err := parseSQLiteTimestamp(capturedAtText.String)
		if err != nil {
			return nil, fmt.Errorf("parse captured_at %q: %w", capturedAtText.String, err)
		}
		snap.CapturedAt = parsed
	}
	if remaining.Valid {
		snap.Remaining = remaining.Int64
	}
	if utilization5h.Valid {
		snap.Utilization5h = utilization5h.Float64
	}
	if utilization7d.Valid {
		snap.Utilization7d = utilization7d.Float64
	}
	if fallbackPercent.Valid {
		snap.FallbackPercentage = fallbackPercent.Float64
	}
	if resetAtText.Valid {
		if parsed, err := parseSQLiteTimestamp(resetAtText.String); err == nil {
			snap.ResetAt = parsed
		}
	}
	if reset5hText.Valid {
		if parsed, err := parseSQLiteTimestamp(reset5hText.String); err == nil {
			snap.Reset5h = parsed
		}
	}
	if reset7dText.Valid {
		if parsed, err := parseSQLiteTimestamp(reset7dText.String); err == nil {
			snap.Reset7d = parsed
		}
	}
	if rawHeaders.Valid {
		snap.RawHeaders = decodeRawHeaders(rawHeaders.String)
	}

	return &snap, nil
}

func (s *SQLiteStore) DeleteFlowsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var deleted int64
	err := retryTransient(ctx, s.retry, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin retention transaction: %w", err)
		}
		defer func() {
			_ = tx.Rollback()
		}()

		if _, err := tx.ExecContext(ctx,
			`DELETE FROM llm_spans WHERE flow_id IN (
				SELECT flow_id FROM flow_records WHERE COALESCE(completed_at, started_at) < ?)`,
			cutoff.UTC()); err != nil {
			return fmt.Errorf("delete expired spans: %w", err)
		}
		res, err := tx.ExecContext(ctx,
			`DELETE FROM flow_records WHERE COALESCE(completed_at, started_at) < ?`, cutoff.UTC())
		if err != nil {
			return fmt.Errorf("delete expired flows: %w", err)
		}
		deleted, err = res.RowsAffected()
		if err != nil {
			return fmt.Errorf("count deleted flows: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

func (s *SQLiteStore) DeleteFlowsOverCount(ctx context.Context, keep int64) (int64, error) {
	if keep < 0 {
		keep = 0
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var deleted int64
	err := retryTransient(ctx, s.retry, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin retention transaction: %w", err)
		}
		defer func() {
			_ = tx.Rollback()
		}()

		if _, err := tx.ExecContext(ctx,
			`DELETE FROM llm_spans WHERE flow_id IN (
				SELECT flow_id FROM flow_records ORDER BY started_at DESC, flow_id DESC LIMIT -1 OFFSET ?)`,
			keep); err != nil {
			return fmt.Errorf("delete overflow spans: %w", err)
		}
		res, err := tx.ExecContext(ctx,
			`DELETE FROM flow_records WHERE flow_id IN (
				SELECT flow_id FROM flow_records ORDER BY started_at DESC, flow_id DESC LIMIT -1 OFFSET ?)`,
			keep)
		if err != nil {
			return fmt.Errorf("delete overflow flows: %w", err)
		}
		deleted, err = res.RowsAffected()
		if err != nil {
			return fmt.Errorf("count deleted flows: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

func (s *SQLiteStore) DeleteQuotaBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var deleted int64
	err := retryTransient(ctx, s.retry, func() error {
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM quota_snapshots WHERE captured_at < ?`, cutoff.UTC())
		if err != nil {
			return fmt.Errorf("delete expired quota snapshots: %w", err)
		}
		deleted, err = res.RowsAffected()
		if err != nil {
			return fmt.Errorf("count deleted quota snapshots: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

func parseSQLiteTimestamp(raw string) (time.Time, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return time.Time{}, nil
	}

	withTZLayouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05.999999999-07:00",
		"2006-01-02 15:04:05-07:00",
		"2006-01-02 15:04:05 -0700 MST",
	}
	for _, layout := range withTZLayouts {
		if parsed, err := time.Parse(layout, value); err == nil {
			return parsed.UTC(), nil
		}
	}

	withoutTZLayouts := []string{
		"2006-01-02 15:04:05.999999999",
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05.999999999",
		"2006-01-02T15:04:05",
	}
	for _, layout := range withoutTZLayouts {
		if parsed, err := time.ParseInLocation(layout, value, time.UTC); err == nil {
			return parsed.UTC(), nil
		}
	}

	return time.Time{}, fmt.Errorf("unsupported sqlite datetime format")
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

func nullInt(v int) any {
	if v == 0 {
		return nil
	}
	return v
}
