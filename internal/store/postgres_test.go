package store

import (
	"errors"
	"testing"
	"time"
)

func TestPostgresWhereBuilder(t *testing.T) {
	t.Parallel()

	b := newPostgresWhereBuilder()
	if got := b.where(); got != "1=1" {
		t.Errorf("empty builder where() = %q, want 1=1", got)
	}

	b.addComparison("f.host", "=", "api.anthropic.com")
	b.addComparison("f.started_at", ">=", time.Now())
	b.addCondition("f.is_llm_call")

	want := "f.host = $1 AND f.started_at >= $2 AND f.is_llm_call"
	if got := b.where(); got != want {
		t.Errorf("where() = %q, want %q", got, want)
	}
	if len(b.args) != 2 {
		t.Errorf("args = %d, want 2", len(b.args))
	}
	if got := b.addArg(50); got != "$3" {
		t.Errorf("addArg() placeholder = %q, want $3", got)
	}
}

func TestBuildPostgresFlowWhere(t *testing.T) {
	t.Parallel()

	since := time.Date(2025, 8, 10, 0, 0, 0, 0, time.UTC)
	filter := FlowFilter{
		Host:       "api.anthropic.com",
		Method:     "post",
		Provider:   "anthropic",
		State:      "complete",
		StatusCode: 200,
		LLMOnly:    true,
		Since:      since,
		Until:      since.Add(24 * time.Hour),
	}

	whereSQL, args, err := buildPostgresFlowWhere(filter)
	if err != nil {
		t.Fatalf("buildPostgresFlowWhere() error: %v", err)
	}
	want := "f.host = $1 AND f.method = $2 AND f.provider = $3 AND f.state = $4 AND " +
		"f.status_code = $5 AND f.is_llm_call AND f.started_at >= $6 AND f.started_at <= $7"
	if whereSQL != want {
		t.Errorf("where = %q, want %q", whereSQL, want)
	}
	if len(args) != 7 {
		t.Fatalf("args = %d, want 7", len(args))
	}
	if args[1] != "POST" {
		t.Errorf("method arg = %v, want uppercased POST", args[1])
	}
}

func TestBuildPostgresFlowWhereCursor(t *testing.T) {
	t.Parallel()

	startedAt := time.Date(2025, 8, 10, 14, 0, 0, 0, time.UTC)
	cursor := encodeFlowCursor(startedAt, "flow-42")

	whereSQL, args, err := buildPostgresFlowWhere(FlowFilter{Cursor: cursor})
	if err != nil {
		t.Fatalf("buildPostgresFlowWhere() error: %v", err)
	}
	want := "(f.started_at < $1 OR (f.started_at = $2 AND f.flow_id < $3))"
	if whereSQL != want {
		t.Errorf("where = %q, want %q", whereSQL, want)
	}
	if len(args) != 3 {
		t.Fatalf("args = %d, want 3", len(args))
	}
	if gotTime, ok := args[0].(time.Time); !ok || !gotTime.Equal(startedAt) {
		t.Errorf("cursor time arg = %v, want %v", args[0], startedAt)
	}
	if args[2] != "flow-42" {
		t.Errorf("cursor id arg = %v, want flow-42", args[2])
	}

	_, _, err = buildPostgresFlowWhere(FlowFilter{Cursor: "garbage"})
	if !errors.Is(err, ErrInvalidCursor) {
		t.Errorf("bad cursor error = %v, want ErrInvalidCursor", err)
	}
}

func TestBuildPostgresFlowWhereEmpty(t *testing.T) {
	t.Parallel()

	whereSQL, args, err := buildPostgresFlowWhere(FlowFilter{})
	if err != nil {
		t.Fatalf("buildPostgresFlowWhere() error: %v", err)
	}
	if whereSQL != "1=1" {
		t.Errorf("where = %q, want 1=1", whereSQL)
	}
	if len(args) != 0 {
		t.Errorf("args = %d, want 0", len(args))
	}
}

func TestBuildPostgresUsageWhere(t *testing.T) {
	t.Parallel()

	whereSQL, args := buildPostgresUsageWhere(UsageFilter{Provider: "anthropic", Model: "claude-sonnet-4"})
	want := "f.provider = $1 AND s.model = $2"
	if whereSQL != want {
		t.Errorf("where = %q, want %q", whereSQL, want)
	}
	if len(args) != 2 {
		t.Errorf("args = %d, want 2", len(args))
	}
}

func TestPostgresUsageExpressions(t *testing.T) {
	t.Parallel()

	if got, err := postgresUsageBucketExpression(""); err != nil || got != "date_trunc('day', f.started_at)" {
		t.Errorf("default bucket = %q, %v", got, err)
	}
	if got, err := postgresUsageBucketExpression("Hour"); err != nil || got != "date_trunc('hour', f.started_at)" {
		t.Errorf("hour bucket = %q, %v", got, err)
	}
	if _, err := postgresUsageBucketExpression("month"); err == nil {
		t.Error("invalid bucket should error")
	}

	if got, err := postgresUsageGroupExpression("model"); err != nil || got != "s.model" {
		t.Errorf("model group = %q, %v", got, err)
	}
	if got, err := postgresUsageGroupExpression(""); err != nil || got != "''" {
		t.Errorf("empty group = %q, %v", got, err)
	}
	if _, err := postgresUsageGroupExpression("path"); err == nil {
		t.Error("invalid group should error")
	}
}

func TestNewPostgresStoreRequiresDSN(t *testing.T) {
	t.Parallel()

	if _, err := NewPostgresStore("", 10, RetryPolicy{}); err == nil {
		t.Error("NewPostgresStore with empty dsn should error")
	}
}
