// Package retention prunes persisted flows and quota snapshots on a
// cron schedule. Two phases run per cycle: an age phase deleting rows
// older than the configured horizon and a count phase capping the flow
// table at its newest rows. Spans cascade with their flows inside the
// store. Pruning runs against the store only and never touches the
// capture hot path.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/flowscribe/flowscribe/internal/store"
)

const defaultSchedule = "0 3 * * *"

type Config struct {
	Enabled bool
	// Schedule is a standard five field cron expression.
	Schedule string
	// MaxAge deletes flows completed and snapshots captured before
	// now-MaxAge. Zero keeps them forever.
	MaxAge time.Duration
	// MaxRows caps the flow table at the newest MaxRows rows. Zero
	// means unlimited.
	MaxRows int64
	Logger  *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.Schedule == "" {
		c.Schedule = defaultSchedule
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

type Diagnostics struct {
	Enabled      bool       `json:"enabled"`
	Schedule     string     `json:"schedule"`
	RunsTotal    int64      `json:"runs_total"`
	DeletedTotal int64      `json:"deleted_total"`
	LastRunAt    *time.Time `json:"last_run_at,omitempty"`
	NextRunAt    *time.Time `json:"next_run_at,omitempty"`
}

// Pruner enforces the retention policy. Prune can be called directly
// (the doctor subcommand does) or driven by Start's schedule.
type Pruner struct {
	store  store.FlowStore
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	running bool

	runsTotal    atomic.Int64
	deletedTotal atomic.Int64

	statMu    sync.Mutex
	lastRunAt *time.Time
}

func NewPruner(st store.FlowStore, cfg Config) *Pruner {
	cfg = cfg.withDefaults()
	return &Pruner{
		store:  st,
		cfg:    cfg,
		logger: cfg.Logger.With("component", "retention"),
		cron:   cron.New(),
	}
}

// Prune runs the age phase and then the count phase, returning how many
// rows the cycle removed across flows and quota snapshots.
func (p *Pruner) Prune(ctx context.Context) (int64, error) {
	var total int64

	if p.cfg.MaxAge > 0 {
		cutoff := time.Now().UTC().Add(-p.cfg.MaxAge)

		flows, err := p.store.DeleteFlowsBefore(ctx, cutoff)
		if err != nil {
			return total, fmt.Errorf("prune flows by age: %w", err)
		}
		total += flows

		snaps, err := p.store.DeleteQuotaBefore(ctx, cutoff)
		if err != nil {
			return total, fmt.Errorf("prune quota snapshots by age: %w", err)
		}
		total += snaps

		if flows > 0 || snaps > 0 {
			p.logger.Info("pruned by age",
				"cutoff", cutoff, "flows", flows, "quota_snapshots", snaps)
		}
	}

	if p.cfg.MaxRows > 0 {
		flows, err := p.store.DeleteFlowsOverCount(ctx, p.cfg.MaxRows)
		if err != nil {
			return total, fmt.Errorf("prune flows by count: %w", err)
		}
		total += flows
		if flows > 0 {
			p.logger.Info("pruned by count", "keep", p.cfg.MaxRows, "flows", flows)
		}
	}

	p.runsTotal.Add(1)
	p.deletedTotal.Add(total)
	ranAt := time.Now().UTC()
	p.statMu.Lock()
	p.lastRunAt = &ranAt
	p.statMu.Unlock()

	return total, nil
}

// Start schedules Prune per the cron expression. Disabled or limitless
// configurations are a no-op so callers can wire the pruner
// unconditionally. Cancel ctx to stop.
func (p *Pruner) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.cfg.Enabled {
		p.logger.Info("retention disabled")
		return nil
	}
	if p.cfg.MaxAge <= 0 && p.cfg.MaxRows <= 0 {
		p.logger.Info("retention enabled with no limits, nothing to schedule")
		return nil
	}

	if _, err := cron.ParseStandard(p.cfg.Schedule); err != nil {
		return fmt.Errorf("invalid retention schedule %q: %w", p.cfg.Schedule, err)
	}
	if _, err := p.cron.AddFunc(p.cfg.Schedule, func() {
		if _, err := p.Prune(ctx); err != nil {
			p.logger.Error("scheduled prune failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("schedule retention prune: %w", err)
	}

	p.cron.Start()
	p.running = true
	p.logger.Info("retention scheduler started",
		"schedule", p.cfg.Schedule, "max_age", p.cfg.MaxAge, "max_rows", p.cfg.MaxRows)

	go func() {
		<-ctx.Done()
		p.Stop()
	}()
	return nil
}

// Stop halts the schedule and waits for a running cycle to finish.
func (p *Pruner) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running {
		return
	}
	<-p.cron.Stop().Done()
	p.running = false
	p.logger.Info("retention scheduler stopped")
}

// NextRun reports the next scheduled cycle, nil when unscheduled.
func (p *Pruner) NextRun() *time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()

	entries := p.cron.Entries()
	if !p.running || len(entries) == 0 {
		return nil
	}
	next := entries[0].Next
	return &next
}

func (p *Pruner) Diagnostics() Diagnostics {
	p.statMu.Lock()
	lastRun := p.lastRunAt
	p.statMu.Unlock()

	return Diagnostics{
		Enabled:      p.cfg.Enabled,
		Schedule:     p.cfg.Schedule,
		RunsTotal:    p.runsTotal.Load(),
		DeletedTotal: p.deletedTotal.Load(),
		LastRunAt:    lastRun,
		NextRunAt:    p.NextRun(),
	}
}
