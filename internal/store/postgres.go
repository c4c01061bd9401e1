package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/flowscribe/flowscribe/internal/flow"
	"github.com/flowscribe/flowscribe/internal/quota"
	"github.com/flowscribe/flowscribe/migrations"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type PostgresStore struct {
	DSN   string
	db    *sql.DB
	retry RetryPolicy
}

func NewPostgresStore(dsn string, maxConns int, retry RetryPolicy) (*PostgresStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("postgres dsn cannot be empty")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres database: %w", err)
	}

	store := &PostgresStore{
		DSN:   dsn,
		db:    db,
		retry: retry.withDefaults(),
	}
	if err := store.configure(maxConns); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.ensureSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

func (s *PostgresStore) configure(maxConns int) error {
	if s.db == nil {
		return fmt.Errorf("postgres database is not initialized")
	}
	if maxConns <= 0 {
		maxConns = 10
	}
	idle := maxConns / 2
	if idle < 2 {
		idle = 2
	}

	s.db.SetMaxOpenConns(maxConns)
	s.db.SetMaxIdleConns(idle)
	s.db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

func (s *PostgresStore) ensureSchema() error {
	if err := migrations.Apply(context.Background(), s.db, migrations.DriverPostgres); err != nil {
		return fmt.Errorf("ensure postgres schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresStore) UpsertFlow(ctx context.Context, rec *flow.Record) error {
	if rec == nil {
		return nil
	}
	if strings.TrimSpace(rec.FlowID) == "" {
		return fmt.Errorf("upsert flow: flow_id cannot be empty")
	}

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
) VALUES (
    $1, $2, $3, $4, $5, $6, $7, $8,
    NULLIF($9, '')::jsonb,
    NULLIF($10, '')::jsonb,
    $11, $12, $13, $14, $15, $16, $17, $18, $19, $20
)
ON CONFLICT (flow_id) DO UPDATE SET
    state = EXCLUDED.state,
    completed_at = EXCLUDED.completed_at,
    method = EXCLUDED.method,
    host = EXCLUDED.host,
    path = EXCLUDED.path,
    status_code = EXCLUDED.status_code,
    request_headers = EXCLUDED.request_headers,
    response_headers = EXCLUDED.response_headers,
    request_body_digest = EXCLUDED.request_body_digest,
    response_body_digest = EXCLUDED.response_body_digest,
    request_body_size = EXCLUDED.request_body_size,
    response_body_size = EXCLUDED.response_body_size,
    is_llm_call = EXCLUDED.is_llm_call,
    provider = EXCLUDED.provider,
    latency_ms = EXCLUDED.latency_ms,
    error = EXCLUDED.error,
    updated_at = EXCLUDED.updated_at
WHERE NOT (flow_records.state = 'complete' AND EXCLUDED.state = 'pending')`,
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
			row.IsLLMCall,
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

func (s *PostgresStore) UpsertSpan(ctx context.Context, span *flow.LLMSpan) error {
	if span == nil {
		return nil
	}
	if strings.TrimSpace(span.FlowID) == "" {
		return fmt.Errorf("upsert span: flow_id cannot be empty")
	}

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
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
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

func (s *PostgresStore) MarkSpanExport(ctx context.Context, flowID string, status flow.ExportStatus, at time.Time) error {
	switch status {
	case flow.ExportPending, flow.ExportSent, flow.ExportFailed:
	default:
		return fmt.Errorf("mark span export %q: invalid status %q", flowID, status)
	}

	err := retryTransient(ctx, s.retry, func() error {
		var err error
		if status == flow.ExportSent {
			_, err = s.db.ExecContext(ctx,
				`UPDATE llm_spans SET trace_export_status = $1, exported_at = $2 WHERE flow_id = $3`,
				string(status), at.UTC(), flowID)
		} else {
			// A span already confirmed sent never regresses.
			_, err = s.db.ExecContext(ctx,
				`UPDATE llm_spans SET trace_export_status = $1 WHERE flow_id = $2 AND trace_export_status <> 'sent'`,
				string(status), flowID)
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("mark span export %q: %w", flowID, err)
	}
	return nil
}

const postgresFlowJoinColumns = `
f.flow_id,
f.state,
f.started_at,
f.completed_at,
f.method,
f.host,
f.path,
f.status_code,
COALESCE(f.request_headers::text, ''),
COALESCE(f.response_headers::text, ''),
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
s.started_at,
s.completed_at,
s.trace_export_status,
s.exported_at
`

const postgresFlowJoinFrom = ` FROM flow_records f LEFT JOIN llm_spans s ON s.flow_id = f.flow_id `

func (s *PostgresStore) GetFlow(ctx context.Context, flowID string) (*FlowDetail, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+postgresFlowJoinColumns+postgresFlowJoinFrom+"WHERE f.flow_id = $1 LIMIT 1", flowID)
	detail, err := scanPostgresFlowJoin(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get flow %q: %w", flowID, err)
	}
	return detail, nil
}

func (s *PostgresStore) QueryFlows(ctx context.Context, filter FlowFilter) (*FlowPage, error) {
	limit := clampFlowLimit(filter.Limit)

	whereSQL, args, err := buildPostgresFlowWhere(filter)
	if err != nil {
		return nil, err
	}
	limitPlaceholder := fmt.Sprintf("$%d", len(args)+1)
	args = append(args, limit+1)

	query := "SELECT " + postgresFlowJoinColumns + postgresFlowJoinFrom +
		"WHERE " + whereSQL + " ORDER BY f.started_at DESC, f.flow_id DESC LIMIT " + limitPlaceholder
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query flows: %w", err)
	}
	defer rows.Close()

	items := make([]*FlowDetail, 0, limit+1)
	for rows.Next() {
		detail, err := scanPostgresFlowJoin(rows)
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

func buildPostgresFlowWhere(filter FlowFilter) (string, []any, error) {
	builder := newPostgresWhereBuilder()

	if filter.Host != "" {
		builder.addComparison("f.host", "=", filter.Host)
	}
	if filter.Method != "" {
		builder.addComparison("f.method", "=", strings.ToUpper(filter.Method))
	}
	if filter.Provider != "" {
		builder.addComparison("f.provider", "=", filter.Provider)
	}
	if filter.State != "" {
		builder.addComparison("f.state", "=", filter.State)
	}
	if filter.StatusCode > 0 {
		builder.addComparison("f.status_code", "=", filter.StatusCode)
	}
	if filter.LLMOnly {
		builder.addCondition("f.is_llm_call")
	}
	if !filter.Since.IsZero() {
		builder.addComparison("f.started_at", ">=", filter.Since.UTC())
	}
	if !filter.Until.IsZero() {
		builder.addComparison("f.started_at", "<=", filter.Until.UTC())
	}
	if filter.Cursor != "" {
		startedAt, flowID, err := decodeFlowCursor(filter.Cursor)
		if err != nil {
			return "", nil, err
		}
		p1 := builder.addArg(startedAt)
		p2 := builder.addArg(startedAt)
		p3 := builder.addArg(flowID)
		builder.addCondition("(f.started_at < " + p1 + " OR (f.started_at = " + p2 + " AND f.flow_id < " + p3 + "))")
	}

	return builder.where(), builder.args, nil
}

func scanPostgresFlowJoin(scanner rowScanner) (*FlowDetail, error) {
	var (
		detail           FlowDetail
		state            string
		startedAt        sql.NullTime
		completedAt      sql.NullTime
		statusCode       sql.NullInt64
		requestHeaders   sql.NullString
		responseHeaders  sql.NullString
		isLLMCall        sql.NullBool
		spanFlowID       sql.NullString
		spanModel        sql.NullString
		promptTokens     sql.NullInt64
		completionTokens sql.NullInt64
		cacheReadTokens  sql.NullInt64
		cacheCreation    sql.NullInt64
		spanLatencyMS    sql.NullInt64
		spanTTFBMS       sql.NullInt64
		spanStartedAt    sql.NullTime
		spanCompletedAt  sql.NullTime
		exportStatus     sql.NullString
		exportedAt       sql.NullTime
	)

	if err := scanner.Scan(
		&detail.Flow.FlowID,
		&state,
		&startedAt,
		&completedAt,
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
		&spanStartedAt,
		&spanCompletedAt,
		&exportStatus,
		&exportedAt,
	); err != nil {
		return nil, err
	}

	detail.Flow.State = flow.State(state)
	if startedAt.Valid {
		detail.Flow.StartedAt = startedAt.Time.UTC()
	}
	if completedAt.Valid {
		detail.Flow.CompletedAt = completedAt.Time.UTC()
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
	detail.Flow.IsLLMCall = isLLMCall.Valid && isLLMCall.Bool

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
		if spanStartedAt.Valid {
			span.StartedAt = spanStartedAt.Time.UTC()
		}
		if spanCompletedAt.Valid {
			span.CompletedAt = spanCompletedAt.Time.UTC()
		}
		if exportStatus.Valid {
			span.ExportStatus = flow.ExportStatus(exportStatus.String)
		}
		if exportedAt.Valid {
			span.ExportedAt = exportedAt.Time.UTC()
		}
		detail.Span = span
	}

	return &detail, nil
}

func (s *PostgresStore) GetUsageSummary(ctx context.Context, filter UsageFilter) (*UsageSummary, error) {
	whereSQL, args := buildPostgresUsageWhere(filter)

	var summary UsageSummary
	flowQuery := `
SELECT
	COUNT(*),
	COALESCE(SUM(CASE WHEN f.is_llm_call THEN 1 ELSE 0 END), 0),
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

func (s *PostgresStore) GetUsageSeries(ctx context.Context, filter UsageFilter, groupBy, bucket string) ([]UsagePoint, error) {
	groupExpr, err := postgresUsageGroupExpression(groupBy)
	if err != nil {
		return nil, err
	}
	bucketExpr, err := postgresUsageBucketExpression(bucket)
	if err != nil {
		return nil, err
	}

	whereSQL, args := buildPostgresUsageWhere(filter)
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
GROUP BY 1, 2
ORDER BY 1 ASC, 2 ASC
`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query usage series: %w", err)
	}
	defer rows.Close()

	points := make([]UsagePoint, 0)
	for rows.Next() {
		var (
			bucketStart time.Time
			groupValue  sql.NullString
			point       UsagePoint
		)
		if err := rows.Scan(&bucketStart, &groupValue, &point.CallCount, &point.PromptTokens, &point.CompletionTokens, &point.CacheReadTokens, &point.CacheCreationTokens); err != nil {
			return nil, fmt.Errorf("scan usage series row: %w", err)
		}
		point.BucketStart = bucketStart.UTC()
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

func buildPostgresUsageWhere(filter UsageFilter) (string, []any) {
	builder := newPostgresWhereBuilder()

	if filter.Provider != "" {
		builder.addComparison("f.provider", "=", filter.Provider)
	}
	if filter.Model != "" {
		builder.addComparison("s.model", "=", filter.Model)
	}
	if !filter.Since.IsZero() {
		builder.addComparison("f.started_at", ">=", filter.Since.UTC())
	}
	if !filter.Until.IsZero() {
		builder.addComparison("f.started_at", "<=", filter.Until.UTC())
	}

	return builder.where(), builder.args
}

func postgresUsageGroupExpression(groupBy string) (string, error) {
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

func postgresUsageBucketExpression(bucket string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(bucket)) {
	case "", "day":
		return "date_trunc('day', f.started_at)", nil
	case "hour":
		return "date_trunc('hour', f.started_at)", nil
	case "week":
		return "date_trunc('week', f.started_at)", nil
	default:
		return "", fmt.Errorf("invalid bucket: %q", bucket)
	}
}

func (s *PostgresStore) InsertQuotaSnapshot(ctx context.Context, snap *quota.Snapshot) error {
	if snap == nil {
		return nil
	}

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
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, NULLIF($16, '')::jsonb)`,
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

const postgresQuotaColumns = `
id,
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
COALESCE(raw_headers::text, '')
`

func (s *PostgresStore) LatestQuotaSnapshot(ctx context.Context) (*quota.Snapshot, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+postgresQuotaColumns+" FROM quota_snapshots ORDER BY captured_at DESC, id DESC LIMIT 1")
	snap, err := scanPostgresQuotaRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get latest quota snapshot: %w", err)
	}
	return snap, nil
}

func (s *PostgresStore) QueryQuotaSnapshots(ctx context.Context, filter QuotaFilter) ([]*quota.Snapshot, error) {
	builder := newPostgresWhereBuilder()
	if !filter.Since.IsZero() {
		builder.addComparison("captured_at", ">=", filter.Since.UTC())
	}
	if !filter.Until.IsZero() {
		builder.addComparison("captured_at", "<=", filter.Until.UTC())
	}
	limitPlaceholder := builder.addArg(clampQuotaLimit(filter.Limit))

	rows, err := s.db.QueryContext(ctx,
		"SELECT "+postgresQuotaColumns+" FROM quota_snapshots WHERE "+builder.where()+
			" ORDER BY captured_at ASC, id ASC LIMIT "+limitPlaceholder, builder.args...)
	if err != nil {
		return nil, fmt.Errorf("query quota snapshots: %w", err)
	}
	defer rows.Close()

	snaps := make([]*quota.Snapshot, 0)
	for rows.Next() {
		snap, err := scanPostgresQuotaRow(rows)
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

func scanPostgresQuotaRow(scanner rowScanner) (*quota.Snapshot, error) {
	var (
		snap            quota.Snapshot
		capturedAt      sql.NullTime
		resetAt         sql.NullTime
		reset5h         sql.NullTime
		reset7d         sql.NullTime
		remaining       sql.NullInt64
		utilization5h   sql.NullFloat64
		utilization7d   sql.NullFloat64
		fallbackPercent sql.NullFloat64
		rawHeaders      sql.NullString
	)

	if err := scanner.Scan(
		&snap.ID,
		&capturedAt,
		&snap.FlowID,
		&snap.RequestID,
		&snap.Status,
		&remaining,
		&resetAt,
		&utilization5h,
		&snap.Status5h,
		&reset5h,
		&utilization7d,
		&snap.Status7d,
		&reset7d,
		&snap.Fallback,
		&fallbackPercent,
		&snap.OverageStatus,
		&rawHeaders,
	); err != nil {
		return nil, err
	}

	if capturedAt.Valid {
		snap.CapturedAt = capturedAt.Time.UTC()
	}
	if remaining.Valid {
		snap.Remaining = remaining.Int64
	}
	if resetAt.Valid {
		snap.ResetAt = resetAt.Time.UTC()
	}
	if utilization5h.Valid {
		snap.Utilization5h = utilization5h.Float64
	}
	if reset5h.Valid {
		snap.Reset5h = reset5h.Time.UTC()
	}
	if utilization7d.Valid {
		snap.Utilization7d = utilization7d.Float64
	}
	if reset7d.Valid {
		snap.Reset7d = reset7d.Time.UTC()
	}
	if fallbackPercent.Valid {
		snap.FallbackPercentage = fallbackPercent.Float64
	}
	if rawHeaders.Valid {
		snap.RawHeaders = decodeRawHeaders(rawHeaders.String)
	}

	return &snap, nil
}

func (s *PostgresStore) DeleteFlowsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
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
				SELECT flow_id FROM flow_records WHERE COALESCE(completed_at, started_at) < $1)`,
			cutoff.UTC()); err != nil {
			return fmt.Errorf("delete expired spans: %w", err)
		}
		res, err := tx.ExecContext(ctx,
			`DELETE FROM flow_records WHERE COALESCE(completed_at, started_at) < $1`, cutoff.UTC())
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

func (s *PostgresStore) DeleteFlowsOverCount(ctx context.Context, keep int64) (int64, error) {
	if keep < 0 {
		keep = 0
	}

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
				SELECT flow_id FROM flow_records ORDER BY started_at DESC, flow_id DESC OFFSET $1)`,
			keep); err != nil {
			return fmt.Errorf("delete overflow spans: %w", err)
		}
		res, err := tx.ExecContext(ctx,
			`DELETE FROM flow_records WHERE flow_id IN (
				SELECT flow_id FROM flow_records ORDER BY started_at DESC, flow_id DESC OFFSET $1)`,
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

func (s *PostgresStore) DeleteQuotaBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var deleted int64
	err := retryTransient(ctx, s.retry, func() error {
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM quota_snapshots WHERE captured_at < $1`, cutoff.UTC())
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

type postgresWhereBuilder struct {
	conditions []string
	args       []any
}

func newPostgresWhereBuilder() *postgresWhereBuilder {
	return &postgresWhereBuilder{
		conditions: make([]string, 0, 8),
		args:       make([]any, 0, 8),
	}
}

func (b *postgresWhereBuilder) addArg(value any) string {
	b.args = append(b.args, value)
	return fmt.Sprintf("$%d", len(b.args))
}

func (b *postgresWhereBuilder) addComparison(column, operator string, value any) {
	placeholder := b.addArg(value)
	b.conditions = append(b.conditions, column+" "+operator+" "+placeholder)
}

func (b *postgresWhereBuilder) addCondition(condition string) {
	b.conditions = append(b.conditions, condition)
}

func (b *postgresWhereBuilder) where() string {
	if len(b.conditions) == 0 {
		return "1=1"
	}
	return strings.Join(b.conditions, " AND ")
}
