// Package analytics aggregates persisted flows and quota snapshots into
// dashboard-facing numbers: usage summaries, bucketed series, and a
// burn-rate projection over the active rate-limit window.
package analytics

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/flowscribe/flowscribe/internal/quota"
	"github.com/flowscribe/flowscribe/internal/store"
)

// Window selects which unified rate-limit window a projection covers.
type Window string

const (
	Window5h Window = "5h"
	Window7d Window = "7d"
)

// ParseWindow maps a query-string value to a Window. Empty selects 5h.
func ParseWindow(raw string) (Window, error) {
	switch Window(raw) {
	case "", Window5h:
		return Window5h, nil
	case Window7d:
		return Window7d, nil
	}
	return "", fmt.Errorf("unknown quota window %q", raw)
}

func (w Window) Duration() time.Duration {
	if w == Window7d {
		return 7 * 24 * time.Hour
	}
	return 5 * time.Hour
}

type ProjectionStatus string

const (
	// StatusNoData means the window holds too few samples to measure a rate.
	StatusNoData ProjectionStatus = "no_data"
	// StatusBanking means utilization is flat or falling over the window.
	StatusBanking ProjectionStatus = "banking"
	// StatusOnTrack means the current burn rate leaves headroom at reset.
	StatusOnTrack ProjectionStatus = "on_track"
	// StatusExhausted means the current burn rate spends the budget early.
	StatusExhausted ProjectionStatus = "exhausted"
)

// Projection reports where utilization is heading if the observed burn
// rate holds until the window resets.
type Projection struct {
	Window  Window           `json:"window"`
	Status  ProjectionStatus `json:"status"`
	Message string           `json:"message"`

	CurrentUtilization float64 `json:"current_utilization"`
	TargetUtilization  float64 `json:"target_utilization"`
	RemainingBudget    float64 `json:"remaining_budget"`

	// BurnRatePerHour is the utilization fraction consumed per hour over
	// the observed span. Negative when utilization fell.
	BurnRatePerHour float64 `json:"burn_rate_per_hour"`
	HoursElapsed    float64 `json:"hours_elapsed"`
	HoursLeft       float64 `json:"hours_left"`

	// ProjectedEnd and Headroom are set when the status is on_track.
	ProjectedEnd float64 `json:"projected_end_utilization,omitempty"`
	Headroom     float64 `json:"headroom,omitempty"`

	// ExhaustAt is set when the status is exhausted. A budget that is
	// already over target projects an exhaust time at or before now.
	ExhaustAt *time.Time `json:"exhaust_at,omitempty"`

	ResetAt time.Time `json:"window_reset_at,omitempty"`
}

// ProjectionInput carries one window's observations into Project.
// CurrentUtilization and StartUtilization are fractions of the budget,
// measured HoursElapsed apart. HoursLeft runs from Now to the window
// reset. A TargetUtilization of zero means the full budget.
type ProjectionInput struct {
	Window             Window
	CurrentUtilization float64
	StartUtilization   float64
	TargetUtilization  float64
	HoursElapsed       float64
	HoursLeft          float64
	Now                time.Time
}

// Project extrapolates the observed burn rate to the end of the window.
// It is pure: the service layer assembles inputs from snapshots and this
// decides the status.
func Project(in ProjectionInput) Projection {
	target := in.TargetUtilization
	if target <= 0 {
		target = 1.0
	}
	p := Projection{
		Window:             in.Window,
		CurrentUtilization: in.CurrentUtilization,
		TargetUtilization:  target,
		RemainingBudget:    target - in.CurrentUtilization,
		HoursElapsed:       in.HoursElapsed,
		HoursLeft:          in.HoursLeft,
	}

	if in.HoursElapsed <= 0 {
		p.Status = StatusNoData
		p.Message = "no quota samples in the active window yet"
		return p
	}

	used := in.CurrentUtilization - in.StartUtilization
	p.BurnRatePerHour = used / in.HoursElapsed

	if p.BurnRatePerHour <= 0 {
		p.Status = StatusBanking
		p.Message = "utilization is flat or falling; banking budget"
		return p
	}

	hoursToExhaust := p.RemainingBudget / p.BurnRatePerHour
	if hoursToExhaust >= in.HoursLeft {
		p.Status = StatusOnTrack
		p.Message = "burn rate leaves headroom at window reset"
		p.ProjectedEnd = in.CurrentUtilization + p.BurnRatePerHour*in.HoursLeft
		p.Headroom = target - p.ProjectedEnd
		return p
	}

	p.Status = StatusExhausted
	p.Message = "burn rate exhausts the budget before window reset"
	exhaustAt := in.Now.Add(time.Duration(hoursToExhaust * float64(time.Hour)))
	p.ExhaustAt = &exhaustAt
	return p
}

// Service answers dashboard queries over the flow store. Summaries and
// series delegate straight to the store's aggregation queries; quota
// projections combine the latest snapshot with the earliest one inside
// the active window.
type Service struct {
	store store.FlowStore
}

func NewService(st store.FlowStore) *Service {
	return &Service{store: st}
}

func (s *Service) Summary(ctx context.Context, filter store.UsageFilter) (*store.UsageSummary, error) {
	return s.store.GetUsageSummary(ctx, filter)
}

func (s *Service) Series(ctx context.Context, filter store.UsageFilter, groupBy, bucket string) ([]store.UsagePoint, error) {
	return s.store.GetUsageSeries(ctx, filter, groupBy, bucket)
}

// QuotaProjection measures the burn rate between the earliest snapshot
// inside the window and the latest one, then projects it to the reset.
// A missing snapshot history degrades to no_data rather than an error.
func (s *Service) QuotaProjection(ctx context.Context, w Window, target float64, now time.Time) (*Projection, error) {
	latest, err := s.store.LatestQuotaSnapshot(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return &Projection{
			Window:  w,
			Status:  StatusNoData,
			Message: "no quota snapshots captured yet",
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load latest quota snapshot: %w", err)
	}

	current, resetAt := windowReading(latest, w)
	if resetAt.IsZero() {
		return &Projection{
			Window:             w,
			Status:             StatusNoData,
			Message:            "window reset time is unknown",
			CurrentUtilization: current,
		}, nil
	}

	windowStart := resetAt.Add(-w.Duration())
	snaps, err := s.store.QueryQuotaSnapshots(ctx, store.QuotaFilter{Since: windowStart, Limit: 1})
	if err != nil {
		return nil, fmt.Errorf("load window quota snapshots: %w", err)
	}
	earliest := latest
	if len(snaps) > 0 {
		earliest = snaps[0]
	}
	start, _ := windowReading(earliest, w)

	hoursLeft := resetAt.Sub(now).Hours()
	if hoursLeft < 0 {
		hoursLeft = 0
	}

	p := Project(ProjectionInput{
		Window:             w,
		CurrentUtilization: current,
		StartUtilization:   start,
		TargetUtilization:  target,
		HoursElapsed:       latest.CapturedAt.Sub(earliest.CapturedAt).Hours(),
		HoursLeft:          hoursLeft,
		Now:                now,
	})
	p.ResetAt = resetAt
	return &p, nil
}

func windowReading(snap *quota.Snapshot, w Window) (utilization float64, resetAt time.Time) {
	if w == Window7d {
		return snap.Utilization7d, snap.Reset7d
	}
	return snap.Utilization5h, snap.Reset5h
}
