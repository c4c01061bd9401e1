package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/flowscribe/flowscribe/internal/analytics"
	"github.com/flowscribe/flowscribe/internal/store"
)

type usageSummaryResponse struct {
	FlowCount           int64   `json:"flow_count"`
	LLMCallCount        int64   `json:"llm_call_count"`
	ErrorCount          int64   `json:"error_count"`
	AvgLatencyMS        float64 `json:"avg_latency_ms"`
	SpanCount           int64   `json:"span_count"`
	PromptTokens        int64   `json:"prompt_tokens"`
	CompletionTokens    int64   `json:"completion_tokens"`
	CacheReadTokens     int64   `json:"cache_read_tokens"`
	CacheCreationTokens int64   `json:"cache_creation_tokens"`
	TotalTokens         int64   `json:"total_tokens"`
}

type usageSeriesResponse struct {
	Items []usagePoint `json:"items"`
}

type usagePoint struct {
	BucketStart         time.Time `json:"bucket_start"`
	Group               string    `json:"group,omitempty"`
	CallCount           int64     `json:"call_count"`
	PromptTokens        int64     `json:"prompt_tokens"`
	CompletionTokens    int64     `json:"completion_tokens"`
	CacheReadTokens     int64     `json:"cache_read_tokens"`
	CacheCreationTokens int64     `json:"cache_creation_tokens"`
	TotalTokens         int64     `json:"total_tokens"`
}

func UsageSummaryHandler(service *analytics.Service) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		if service == nil {
			writeError(w, http.StatusServiceUnavailable, "usage analytics is not configured")
			return
		}

		filter, err := parseUsageFilter(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		summary, err := service.Summary(r.Context(), filter)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to load usage summary")
			return
		}

		writeJSON(w, http.StatusOK, usageSummaryResponse{
			FlowCount:           summary.FlowCount,
			LLMCallCount:        summary.LLMCallCount,
			ErrorCount:          summary.ErrorCount,
			AvgLatencyMS:        summary.AvgLatencyMS,
			SpanCount:           summary.SpanCount,
			PromptTokens:        summary.PromptTokens,
			CompletionTokens:    summary.CompletionTokens,
			CacheReadTokens:     summary.CacheReadTokens,
			CacheCreationTokens: summary.CacheCreationTokens,
			TotalTokens:         summary.TotalTokens,
		})
	})
}

func UsageSeriesHandler(service *analytics.Service) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		if service == nil {
			writeError(w, http.StatusServiceUnavailable, "usage analytics is not configured")
			return
		}

		filter, err := parseUsageFilter(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		query := r.URL.Query()
		groupBy := strings.ToLower(strings.TrimSpace(query.Get("group_by")))
		switch groupBy {
		case "", "none", "provider", "model":
		default:
			writeError(w, http.StatusBadRequest, "group_by must be provider, model, or none")
			return
		}
		bucket := strings.ToLower(strings.TrimSpace(query.Get("bucket")))
		switch bucket {
		case "", "hour", "day", "week":
		default:
			writeError(w, http.StatusBadRequest, "bucket must be hour, day, or week")
			return
		}

		points, err := service.Series(r.Context(), filter, groupBy, bucket)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to load usage series")
			return
		}

		items := make([]usagePoint, 0, len(points))
		for _, point := range points {
			items = append(items, usagePoint{
				BucketStart:         point.BucketStart,
				Group:               point.Group,
				CallCount:           point.CallCount,
				PromptTokens:        point.PromptTokens,
				CompletionTokens:    point.CompletionTokens,
				CacheReadTokens:     point.CacheReadTokens,
				CacheCreationTokens: point.CacheCreationTokens,
				TotalTokens:         point.TotalTokens,
			})
		}

		writeJSON(w, http.StatusOK, usageSeriesResponse{Items: items})
	})
}

func parseUsageFilter(r *http.Request) (store.UsageFilter, error) {
	query := r.URL.Query()

	since, err := parseTimeQuery(query.Get("since"), false)
	if err != nil {
		return store.UsageFilter{}, fmt.Errorf("invalid since: %w", err)
	}
	until, err := parseTimeQuery(query.Get("until"), true)
	if err != nil {
		return store.UsageFilter{}, fmt.Errorf("invalid until: %w", err)
	}
	if !since.IsZero() && !until.IsZero() && until.Before(since) {
		return store.UsageFilter{}, fmt.Errorf("until must be greater than or equal to since")
	}

	// window is shorthand for since=now-window; an explicit since wins.
	window, err := parseWindowQuery(query.Get("window"))
	if err != nil {
		return store.UsageFilter{}, err
	}
	if window > 0 && since.IsZero() {
		since = time.Now().UTC().Add(-window)
	}

	return store.UsageFilter{
		Provider: strings.TrimSpace(query.Get("provider")),
		Model:    strings.TrimSpace(query.Get("model")),
		Since:    since,
		Until:    until,
	}, nil
}

func parseWindowQuery(raw string) (time.Duration, error) {
	value := strings.ToLower(strings.TrimSpace(raw))
	if value == "" {
		return 0, nil
	}
	if strings.HasSuffix(value, "d") {
		days, err := strconv.Atoi(strings.TrimSuffix(value, "d"))
		if err != nil || days <= 0 {
			return 0, fmt.Errorf("window must look like 24h or 7d")
		}
		return time.Duration(days) * 24 * time.Hour, nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil || parsed <= 0 {
		return 0, fmt.Errorf("window must look like 24h or 7d")
	}
	return parsed, nil
}
