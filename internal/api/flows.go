package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/flowscribe/flowscribe/internal/flow"
	"github.com/flowscribe/flowscribe/internal/store"
)

type flowsResponse struct {
	Items      []flowSummary `json:"items"`
	NextCursor string        `json:"next_cursor,omitempty"`
}

// flowSummary is the list projection: flow columns plus the span fields
// a dashboard row wants, joined when the flow minted one.
type flowSummary struct {
	FlowID      string     `json:"flow_id"`
	State       string     `json:"state"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	Method     string `json:"method"`
	Host       string `json:"host"`
	Path       string `json:"path"`
	StatusCode int    `json:"status_code,omitempty"`

	Provider  string `json:"provider,omitempty"`
	IsLLMCall bool   `json:"is_llm_call"`
	LatencyMS int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`

	Model        string `json:"model,omitempty"`
	TotalTokens  int    `json:"total_tokens,omitempty"`
	ExportStatus string `json:"trace_export_status,omitempty"`
}

type flowDetailResponse struct {
	FlowID      string     `json:"flow_id"`
	State       string     `json:"state"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	Method     string `json:"method"`
	Host       string `json:"host"`
	Path       string `json:"path"`
	StatusCode int    `json:"status_code,omitempty"`

	RequestHeaders  []flow.Header `json:"request_headers,omitempty"`
	ResponseHeaders []flow.Header `json:"response_headers,omitempty"`

	RequestBodyDigest  string `json:"request_body_digest,omitempty"`
	ResponseBodyDigest string `json:"response_body_digest,omitempty"`
	RequestBodySize    int64  `json:"request_body_size"`
	ResponseBodySize   int64  `json:"response_body_size"`

	Provider  string `json:"provider,omitempty"`
	IsLLMCall bool   `json:"is_llm_call"`
	LatencyMS int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`

	Span *flowSpan `json:"span,omitempty"`
}

type flowSpan struct {
	Model               string     `json:"model"`
	PromptTokens        int        `json:"prompt_tokens"`
	CompletionTokens    int        `json:"completion_tokens"`
	CacheReadTokens     int        `json:"cache_read_tokens"`
	CacheCreationTokens int        `json:"cache_creation_tokens"`
	TotalTokens         int        `json:"total_tokens"`
	LatencyMS           int64      `json:"latency_ms"`
	TTFBMS              int64      `json:"ttfb_ms"`
	StartedAt           time.Time  `json:"started_at"`
	CompletedAt         time.Time  `json:"completed_at"`
	ExportStatus        string     `json:"trace_export_status"`
	ExportedAt          *time.Time `json:"exported_at,omitempty"`
}

func FlowsHandler(flowStore store.FlowStore) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		if flowStore == nil {
			writeError(w, http.StatusServiceUnavailable, "flow store is not configured")
			return
		}

		filter, err := parseFlowFilter(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		page, err := flowStore.QueryFlows(r.Context(), filter)
		if err != nil {
			switch {
			case errors.Is(err, store.ErrInvalidCursor):
				writeError(w, http.StatusBadRequest, err.Error())
			default:
				writeError(w, http.StatusInternalServerError, "failed to query flows")
			}
			return
		}

		items := make([]flowSummary, 0, len(page.Items))
		for _, item := range page.Items {
			items = append(items, summarizeFlow(item))
		}

		writeJSON(w, http.StatusOK, flowsResponse{
			Items:      items,
			NextCursor: page.NextCursor,
		})
	})
}

func FlowDetailHandler(flowStore store.FlowStore) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		if flowStore == nil {
			writeError(w, http.StatusServiceUnavailable, "flow store is not configured")
			return
		}

		flowID := strings.TrimPrefix(r.URL.Path, "/api/flows/")
		if flowID == "" || strings.Contains(flowID, "/") {
			http.NotFound(w, r)
			return
		}

		item, err := flowStore.GetFlow(r.Context(), flowID)
		if err != nil {
			switch {
			case errors.Is(err, store.ErrNotFound):
				writeError(w, http.StatusNotFound, "flow not found")
			default:
				writeError(w, http.StatusInternalServerError, "failed to load flow")
			}
			return
		}

		writeJSON(w, http.StatusOK, detailFlow(item))
	})
}

func parseFlowFilter(r *http.Request) (store.FlowFilter, error) {
	query := r.URL.Query()

	limit, err := parseIntQuery(query.Get("limit"), "limit", 0, 200)
	if err != nil {
		return store.FlowFilter{}, err
	}
	statusCode, err := parseIntQuery(query.Get("status_code"), "status_code", 100, 599)
	if err != nil {
		return store.FlowFilter{}, err
	}

	state := strings.ToLower(strings.TrimSpace(query.Get("state")))
	switch state {
	case "", string(flow.StatePending), string(flow.StateComplete):
	default:
		return store.FlowFilter{}, fmt.Errorf("state must be pending or complete")
	}

	llmOnly, err := parseBoolQuery(query.Get("llm_only"), "llm_only")
	if err != nil {
		return store.FlowFilter{}, err
	}

	since, err := parseTimeQuery(query.Get("since"), false)
	if err != nil {
		return store.FlowFilter{}, fmt.Errorf("invalid since: %w", err)
	}
	until, err := parseTimeQuery(query.Get("until"), true)
	if err != nil {
		return store.FlowFilter{}, fmt.Errorf("invalid until: %w", err)
	}
	if !since.IsZero() && !until.IsZero() && until.Before(since) {
		return store.FlowFilter{}, fmt.Errorf("until must be greater than or equal to since")
	}

	return store.FlowFilter{
		Host:       strings.TrimSpace(query.Get("host")),
		Method:     strings.TrimSpace(query.Get("method")),
		Provider:   strings.TrimSpace(query.Get("provider")),
		State:      state,
		StatusCode: statusCode,
		LLMOnly:    llmOnly,
		Since:      since,
		Until:      until,
		Limit:      limit,
		Cursor:     strings.TrimSpace(query.Get("cursor")),
	}, nil
}

func summarizeFlow(item *store.FlowDetail) flowSummary {
	rec := item.Flow
	summary := flowSummary{
		FlowID:      rec.FlowID,
		State:       string(rec.State),
		StartedAt:   rec.StartedAt,
		CompletedAt: timePtr(rec.CompletedAt),
		Method:      rec.Method,
		Host:        rec.Host,
		Path:        rec.Path,
		StatusCode:  rec.StatusCode,
		Provider:    rec.Provider,
		IsLLMCall:   rec.IsLLMCall,
		LatencyMS:   rec.LatencyMS,
		Error:       rec.Error,
	}
	if span := item.Span; span != nil {
		summary.Model = span.Model
		summary.TotalTokens = span.PromptTokens + span.CompletionTokens
		summary.ExportStatus = string(span.ExportStatus)
	}
	return summary
}

func detailFlow(item *store.FlowDetail) flowDetailResponse {
	rec := item.Flow
	detail := flowDetailResponse{
		FlowID:             rec.FlowID,
		State:              string(rec.State),
		StartedAt:          rec.StartedAt,
		CompletedAt:        timePtr(rec.CompletedAt),
		Method:             rec.Method,
		Host:               rec.Host,
		Path:               rec.Path,
		StatusCode:         rec.StatusCode,
		RequestHeaders:     rec.RequestHeaders,
		ResponseHeaders:    rec.ResponseHeaders,
		RequestBodyDigest:  rec.RequestBodyDigest,
		ResponseBodyDigest: rec.ResponseBodyDigest,
		RequestBodySize:    rec.RequestBodySize,
		ResponseBodySize:   rec.ResponseBodySize,
		Provider:           rec.Provider,
		IsLLMCall:          rec.IsLLMCall,
		LatencyMS:          rec.LatencyMS,
		Error:              rec.Error,
	}
	if span := item.Span; span != nil {
		detail.Span = &flowSpan{
			Model:               span.Model,
			PromptTokens:        span.PromptTokens,
			CompletionTokens:    span.CompletionTokens,
			CacheReadTokens:     span.CacheReadTokens,
			CacheCreationTokens: span.CacheCreationTokens,
			TotalTokens:         span.PromptTokens + span.CompletionTokens,
			LatencyMS:           span.LatencyMS,
			TTFBMS:              span.TTFBMS,
			StartedAt:           span.StartedAt,
			CompletedAt:         span.CompletedAt,
			ExportStatus:        string(span.ExportStatus),
			ExportedAt:          timePtr(span.ExportedAt),
		}
	}
	return detail
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	utc := t.UTC()
	return &utc
}

func parseIntQuery(raw, name string, min, max int) (int, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return 0, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", name)
	}
	if parsed < min {
		return 0, fmt.Errorf("%s must be >= %d", name, min)
	}
	if max != 0 && parsed > max {
		return 0, fmt.Errorf("%s must be <= %d", name, max)
	}
	return parsed, nil
}

func parseBoolQuery(raw, name string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return false, nil
	case "true", "1":
		return true, nil
	case "false", "0":
		return false, nil
	}
	return false, fmt.Errorf("%s must be true or false", name)
}

func parseTimeQuery(raw string, endOfDay bool) (time.Time, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return time.Time{}, nil
	}

	layouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02",
	}
	for _, layout := range layouts {
		if layout == "2006-01-02" {
			parsed, err := time.ParseInLocation(layout, value, time.UTC)
			if err == nil {
				if endOfDay {
					return parsed.Add(24*time.Hour - time.Nanosecond), nil
				}
				return parsed, nil
			}
			continue
		}
		if parsed, err := time.Parse(layout, value); err == nil {
			return parsed.UTC(), nil
		}
	}

	return time.Time{}, fmt.Errorf("expected RFC3339 or YYYY-MM-DD")
}
