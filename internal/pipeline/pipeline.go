// Package pipeline is the per-record work a dispatch worker runs: dedup
// lookup, flow persistence, span persistence, trace export, quota
// capture, stream publish, and live broadcast, in that order. Every
// stage past persistence is best effort; a record that fails its
// durable write is dropped from further processing and nothing here
// ever propagates an error back toward the proxy.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/flowscribe/flowscribe/internal/cache"
	"github.com/flowscribe/flowscribe/internal/flow"
	"github.com/flowscribe/flowscribe/internal/quota"
	"github.com/flowscribe/flowscribe/internal/store"
)

const (
	defaultDedupTTL       = 5 * time.Minute
	defaultCorrelationTTL = 10 * time.Minute
)

// Submitter renders a span for async export. Satisfied by export.Exporter.
type Submitter interface {
	Submit(span flow.LLMSpan)
}

// Publisher mirrors a completed exchange to the traffic buffer.
// Satisfied by buffer.Writer.
type Publisher interface {
	Publish(ctx context.Context, rec *flow.Record) bool
}

// Broadcaster pushes a snapshot to live feed clients. Satisfied by
// live.Hub.
type Broadcaster interface {
	BroadcastRecord(rec *flow.Record)
}

// Deps wires the processor. Store is required; everything else is
// optional and skipped when nil.
type Deps struct {
	Store    store.FlowStore
	Cache    *cache.Client
	Exporter Submitter
	Buffer   Publisher
	Live     Broadcaster
}

type Config struct {
	// DedupTTL is the sliding window within which an identical repeated
	// LLM call is suppressed instead of minting a second span.
	DedupTTL time.Duration
	// CorrelationTTL bounds how long request-side LLM context is held
	// for a complete record that arrives without it.
	CorrelationTTL time.Duration
	Logger         *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.DedupTTL <= 0 {
		c.DedupTTL = defaultDedupTTL
	}
	if c.CorrelationTTL <= 0 {
		c.CorrelationTTL = defaultCorrelationTTL
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Metrics holds optional callbacks for the observability runtime.
type Metrics struct {
	OnPersisted     func()
	OnPersistFailed func()
	OnSpanInserted  func()
	OnSpanDeduped   func()
	OnQuotaCaptured func()
}

type Diagnostics struct {
	ProcessedTotal     int64      `json:"processed_total"`
	PersistedTotal     int64      `json:"persisted_total"`
	PersistFailedTotal int64      `json:"persist_failed_total"`
	SpanInsertedTotal  int64      `json:"span_inserted_total"`
	SpanDedupedTotal   int64      `json:"span_deduped_total"`
	QuotaCapturedTotal int64      `json:"quota_captured_total"`
	LastErrorAt        *time.Time `json:"last_error_at,omitempty"`
}

type Processor struct {
	deps   Deps
	cfg    Config
	logger *slog.Logger

	metrics atomic.Value // *Metrics

	processedTotal     atomic.Int64
	persistedTotal     atomic.Int64
	persistFailedTotal atomic.Int64
	spanInsertedTotal  atomic.Int64
	spanDedupedTotal   atomic.Int64
	quotaCapturedTotal atomic.Int64
	lastErrorAt        atomic.Value // time.Time
}

func New(deps Deps, cfg Config) (*Processor, error) {
	if deps.Store == nil {
		return nil, errors.New("pipeline: store is required")
	}
	cfg = cfg.withDefaults()
	p := &Processor{
		deps:   deps,
		cfg:    cfg,
		logger: cfg.Logger.With("component", "pipeline"),
	}
	p.metrics.Store(&Metrics{})
	return p, nil
}

// SetMetrics replaces the callback set. Pass nil to clear.
func (p *Processor) SetMetrics(m *Metrics) {
	if m == nil {
		m = &Metrics{}
	}
	p.metrics.Store(m)
}

func (p *Processor) loadMetrics() *Metrics {
	m, _ := p.metrics.Load().(*Metrics)
	if m == nil {
		return &Metrics{}
	}
	return m
}

// Process handles one record snapshot. The signature matches
// dispatch.Sink so the processor plugs straight into the queue.
func (p *Processor) Process(ctx context.Context, rec *flow.Record) {
	if rec == nil || rec.FlowID == "" {
		return
	}
	p.processedTotal.Add(1)

	if rec.State == flow.StateComplete {
		p.processComplete(ctx, rec)
		return
	}
	p.processPending(ctx, rec)
}

func (p *Processor) processPending(ctx context.Context, rec *flow.Record) {
	if err := p.deps.Store.UpsertFlow(ctx, rec); err != nil {
		p.persistFailed(rec, err)
		return
	}
	p.persisted()

	// Park request-side LLM context so a complete snapshot that lost it
	// can still fill the span fields.
	if p.deps.Cache != nil && rec.IsLLMCall {
		p.deps.Cache.PutCorrelation(ctx, rec.FlowID, cache.Correlation{
			Model:         rec.Model,
			PromptPreview: rec.RequestBodyPreview,
			StartedAt:     rec.StartedAt,
		}, p.cfg.CorrelationTTL)
	}

	if p.deps.Live != nil {
		p.deps.Live.BroadcastRecord(rec)
	}
}

func (p *Processor) processComplete(ctx context.Context, rec *flow.Record) {
	if p.deps.Cache != nil && rec.IsLLMCall && rec.Model == "" {
		if corr := p.deps.Cache.GetCorrelation(ctx, rec.FlowID); corr != nil {
			rec.Model = corr.Model
			if rec.RequestBodyPreview == "" {
				rec.RequestBodyPreview = corr.PromptPreview
			}
		}
	}

	if err := p.deps.Store.UpsertFlow(ctx, rec); err != nil {
		p.persistFailed(rec, err)
		return
	}
	p.persisted()

	if snap, ok := quota.FromRecord(rec); ok {
		if err := p.deps.Store.InsertQuotaSnapshot(ctx, snap); err != nil {
			p.logger.Warn("quota snapshot persist failed",
				"flow_id", rec.FlowID, "error", err)
		} else {
			p.quotaCapturedTotal.Add(1)
			if fn := p.loadMetrics().OnQuotaCaptured; fn != nil {
				fn()
			}
		}
	}

	if rec.IsLLMCall {
		p.handleSpan(ctx, rec)
	}

	if p.deps.Buffer != nil {
		p.deps.Buffer.Publish(ctx, rec)
	}
	if p.deps.Live != nil {
		p.deps.Live.BroadcastRecord(rec)
	}
}

// handleSpan inserts at most one span per distinct LLM call and hands
// it to the exporter. A dedup hit within the TTL window means an
// identical call already minted a span, so this occurrence only
// refreshes the window. Export outcome never gates anything here; the
// exporter reports it through the store on its own goroutine.
func (p *Processor) handleSpan(ctx context.Context, rec *flow.Record) {
	fingerprint := rec.Fingerprint()

	if p.deps.Cache != nil {
		if entry := p.deps.Cache.Touch(ctx, fingerprint, p.cfg.DedupTTL); entry != nil {
			p.spanDedupedTotal.Add(1)
			if fn := p.loadMetrics().OnSpanDeduped; fn != nil {
				fn()
			}
			p.logger.Debug("duplicate llm call suppressed",
				"flow_id", rec.FlowID,
				"first_flow_id", entry.FlowID,
				"hit_count", entry.HitCount)
			return
		}
	}

	span := rec.Span()
	if err := p.deps.Store.UpsertSpan(ctx, &span); err != nil {
		p.logger.Warn("span persist failed", "flow_id", rec.FlowID, "error", err)
		p.markError()
		return
	}
	p.spanInsertedTotal.Add(1)
	if fn := p.loadMetrics().OnSpanInserted; fn != nil {
		fn()
	}

	// Record the fingerprint only after the span landed so a failed
	// insert cannot suppress the retry's span.
	if p.deps.Cache != nil {
		p.deps.Cache.Upsert(ctx, fingerprint, cache.Entry{
			FlowID:    rec.FlowID,
			FirstSeen: time.Now().UTC(),
			HitCount:  1,
		}, p.cfg.DedupTTL)
	}

	if p.deps.Exporter != nil {
		p.deps.Exporter.Submit(span)
	}
}

func (p *Processor) persisted() {
	p.persistedTotal.Add(1)
	if fn := p.loadMetrics().OnPersisted; fn != nil {
		fn()
	}
}

func (p *Processor) persistFailed(rec *flow.Record, err error) {
	p.persistFailedTotal.Add(1)
	p.markError()
	if fn := p.loadMetrics().OnPersistFailed; fn != nil {
		fn()
	}
	p.logger.Error("flow persist failed, dropping record",
		"flow_id", rec.FlowID, "state", rec.State, "error", err)
}

func (p *Processor) markError() {
	p.lastErrorAt.Store(time.Now().UTC())
}

func (p *Processor) Diagnostics() Diagnostics {
	d := Diagnostics{
		ProcessedTotal:     p.processedTotal.Load(),
		PersistedTotal:     p.persistedTotal.Load(),
		PersistFailedTotal: p.persistFailedTotal.Load(),
		SpanInsertedTotal:  p.spanInsertedTotal.Load(),
		SpanDedupedTotal:   p.spanDedupedTotal.Load(),
		QuotaCapturedTotal: p.quotaCapturedTotal.Load(),
	}
	if at, ok := p.lastErrorAt.Load().(time.Time); ok && !at.IsZero() {
		d.LastErrorAt = &at
	}
	return d
}
