package api

import (
	"encoding/csv"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/flowscribe/flowscribe/internal/analytics"
	"github.com/flowscribe/flowscribe/internal/quota"
	"github.com/flowscribe/flowscribe/internal/store"
)

type quotaSeriesResponse struct {
	Items []quotaSnapshotView `json:"items"`
}

type quotaSnapshotView struct {
	CapturedAt time.Time `json:"captured_at"`
	FlowID     string    `json:"flow_id,omitempty"`
	RequestID  string    `json:"request_id,omitempty"`

	Status    string     `json:"status,omitempty"`
	Remaining int64      `json:"remaining,omitempty"`
	ResetAt   *time.Time `json:"reset_at,omitempty"`

	Utilization5h float64    `json:"utilization_5h"`
	Status5h      string     `json:"status_5h,omitempty"`
	Reset5h       *time.Time `json:"reset_5h,omitempty"`

	Utilization7d float64    `json:"utilization_7d"`
	Status7d      string     `json:"status_7d,omitempty"`
	Reset7d       *time.Time `json:"reset_7d,omitempty"`

	Fallback           string  `json:"fallback,omitempty"`
	FallbackPercentage float64 `json:"fallback_percentage,omitempty"`
	OverageStatus      string  `json:"overage_status,omitempty"`
}

func QuotaLatestHandler(flowStore store.FlowStore) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		if flowStore == nil {
			writeError(w, http.StatusServiceUnavailable, "flow store is not configured")
			return
		}

		snap, err := flowStore.LatestQuotaSnapshot(r.Context())
		if err != nil {
			switch {
			case errors.Is(err, store.ErrNotFound):
				writeError(w, http.StatusNotFound, "no quota snapshots captured yet")
			default:
				writeError(w, http.StatusInternalServerError, "failed to load quota snapshot")
			}
			return
		}

		writeJSON(w, http.StatusOK, viewQuotaSnapshot(snap))
	})
}

func QuotaSeriesHandler(flowStore store.FlowStore) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		if flowStore == nil {
			writeError(w, http.StatusServiceUnavailable, "flow store is not configured")
			return
		}

		filter, err := parseQuotaFilter(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		snaps, err := flowStore.QueryQuotaSnapshots(r.Context(), filter)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to query quota snapshots")
			return
		}

		items := make([]quotaSnapshotView, 0, len(snaps))
		for _, snap := range snaps {
			items = append(items, viewQuotaSnapshot(snap))
		}

		writeJSON(w, http.StatusOK, quotaSeriesResponse{Items: items})
	})
}

var quotaCSVHeader = []string{
	"timestamp", "request_id", "flow_id",
	"status", "remaining", "reset_at",
	"status_5h", "utilization_5h", "reset_5h",
	"status_7d", "utilization_7d", "reset_7d",
	"fallback", "fallback_percentage", "overage_status",
}

// QuotaExportHandler streams snapshots as CSV, one row per capture,
// oldest first, matching the layout the dashboard's importer expects.
func QuotaExportHandler(flowStore store.FlowStore) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		if flowStore == nil {
			writeError(w, http.StatusServiceUnavailable, "flow store is not configured")
			return
		}

		filter, err := parseQuotaFilter(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		snaps, err := flowStore.QueryQuotaSnapshots(r.Context(), filter)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to query quota snapshots")
			return
		}

		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		w.Header().Set("Content-Disposition", `attachment; filename="quota_snapshots.csv"`)

		cw := csv.NewWriter(w)
		_ = cw.Write(quotaCSVHeader)
		for _, snap := range snaps {
			_ = cw.Write([]string{
				snap.CapturedAt.UTC().Format(time.RFC3339),
				snap.RequestID,
				snap.FlowID,
				snap.Status,
				strconv.FormatInt(snap.Remaining, 10),
				csvTime(snap.ResetAt),
				snap.Status5h,
				strconv.FormatFloat(snap.Utilization5h, 'f', -1, 64),
				csvTime(snap.Reset5h),
				snap.Status7d,
				strconv.FormatFloat(snap.Utilization7d, 'f', -1, 64),
				csvTime(snap.Reset7d),
				snap.Fallback,
				strconv.FormatFloat(snap.FallbackPercentage, 'f', -1, 64),
				snap.OverageStatus,
			})
		}
		cw.Flush()
	})
}

func QuotaProjectionHandler(service *analytics.Service) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		if service == nil {
			writeError(w, http.StatusServiceUnavailable, "usage analytics is not configured")
			return
		}

		query := r.URL.Query()
		window, err := analytics.ParseWindow(query.Get("window"))
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		target, err := parseFloatQuery(query.Get("target"), "target", 0, 10)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		projection, err := service.QuotaProjection(r.Context(), window, target, time.Now().UTC())
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to compute quota projection")
			return
		}

		writeJSON(w, http.StatusOK, projection)
	})
}

func parseQuotaFilter(r *http.Request) (store.QuotaFilter, error) {
	query := r.URL.Query()

	limit, err := parseIntQuery(query.Get("limit"), "limit", 0, 5000)
	if err != nil {
		return store.QuotaFilter{}, err
	}
	since, err := parseTimeQuery(query.Get("since"), false)
	if err != nil {
		return store.QuotaFilter{}, fmt.Errorf("invalid since: %w", err)
	}
	until, err := parseTimeQuery(query.Get("until"), true)
	if err != nil {
		return store.QuotaFilter{}, fmt.Errorf("invalid until: %w", err)
	}
	if !since.IsZero() && !until.IsZero() && until.Before(since) {
		return store.QuotaFilter{}, fmt.Errorf("until must be greater than or equal to since")
	}

	return store.QuotaFilter{
		Since: since,
		Until: until,
		Limit: limit,
	}, nil
}

func viewQuotaSnapshot(snap *quota.Snapshot) quotaSnapshotView {
	return quotaSnapshotView{
		CapturedAt:         snap.CapturedAt,
		FlowID:             snap.FlowID,
		RequestID:          snap.RequestID,
		Status:             snap.Status,
		Remaining:          snap.Remaining,
		ResetAt:            timePtr(snap.ResetAt),
		Utilization5h:      snap.Utilization5h,
		Status5h:           snap.Status5h,
		Reset5h:            timePtr(snap.Reset5h),
		Utilization7d:      snap.Utilization7d,
		Status7d:           snap.Status7d,
		Reset7d:            timePtr(snap.Reset7d),
		Fallback:           snap.Fallback,
		FallbackPercentage: snap.FallbackPercentage,
		OverageStatus:      snap.OverageStatus,
	}
}

func csvTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func parseFloatQuery(raw, name string, min, max float64) (float64, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return 0, nil
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be a number", name)
	}
	if parsed < min {
		return 0, fmt.Errorf("%s must be >= %g", name, min)
	}
	if max != 0 && parsed > max {
		return 0, fmt.Errorf("%s must be <= %g", name, max)
	}
	return parsed, nil
}
