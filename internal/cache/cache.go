// Package cache wraps the shared Redis client behind the dedup and
// correlation operations the dispatch workers use. Every call runs under
// a short per-operation timeout and fails soft: an unreachable or slow
// Redis degrades to a cache miss, never to a stalled worker.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	dedupKeyPrefix       = "dedup:"
	correlationKeyPrefix = "corr:"

	defaultOpTimeout = 150 * time.Millisecond
)

// Entry is the dedup state for one request fingerprint: the flow that saw
// it first, when, and how many times it has repeated inside the TTL
// window. Losing an entry never loses a flow record; it only stops
// suppressing duplicate spans.
type Entry struct {
	FlowID    string    `json:"flow_id"`
	FirstSeen time.Time `json:"first_seen"`
	HitCount  int64     `json:"hit_count"`
}

// Correlation carries request-side context for a flow between its pending
// and complete sightings, for when the in-memory pending state is gone by
// the time the response lands.
type Correlation struct {
	Model         string    `json:"model,omitempty"`
	PromptPreview string    `json:"prompt_preview,omitempty"`
	StartedAt     time.Time `json:"started_at"`
}

// Metrics holds optional callbacks invoked per cache outcome.
type Metrics struct {
	OnHit   func()
	OnMiss  func()
	OnError func()
}

// Diagnostics is a point-in-time snapshot of cache health counters.
type Diagnostics struct {
	HitTotal    int64      `json:"hit_total"`
	MissTotal   int64      `json:"miss_total"`
	ErrorTotal  int64      `json:"error_total"`
	LastErrorAt *time.Time `json:"last_error_at,omitempty"`
}

// RedisConfig describes the process-wide Redis client shared by the
// dedup cache and the traffic buffer. One client, sized by go-redis
// itself, serves every dispatch worker.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// OpTimeout bounds dial/read/write per round trip; zero means 150ms.
	OpTimeout time.Duration
}

// NewRedisClient builds the shared client. The caller owns Close.
func NewRedisClient(cfg RedisConfig) *redis.Client {
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:6379"
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = defaultOpTimeout
	}
	return redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.OpTimeout,
		ReadTimeout:  cfg.OpTimeout,
		WriteTimeout: cfg.OpTimeout,
	})
}

type Config struct {
	// OpTimeout bounds every cache call; zero means 150ms.
	OpTimeout time.Duration
	Logger    *slog.Logger
}

type Client struct {
	rdb       *redis.Client
	opTimeout time.Duration
	logger    *slog.Logger

	metrics atomic.Value // *Metrics

	hitTotal         atomic.Int64
	missTotal        atomic.Int64
	errorTotal       atomic.Int64
	lastErrorUnixNan atomic.Int64
}

func New(rdb *redis.Client, cfg Config) *Client {
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = defaultOpTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	c := &Client{
		rdb:       rdb,
		opTimeout: cfg.OpTimeout,
		logger:    cfg.Logger.With("component", "cache"),
	}
	c.metrics.Store(&Metrics{})
	return c
}

// Ping verifies connectivity. The pipeline never requires it; the doctor
// command and health endpoint do.
func (c *Client) Ping(ctx context.Context) error {
	opCtx, cancel := c.opContext(ctx)
	defer cancel()
	return c.rdb.Ping(opCtx).Err()
}

// SetMetrics replaces the metric callbacks used by the client.
func (c *Client) SetMetrics(m *Metrics) {
	if c == nil {
		return
	}
	if m == nil {
		m = &Metrics{}
	}
	c.metrics.Store(m)
}

func (c *Client) loadMetrics() *Metrics {
	m, _ := c.metrics.Load().(*Metrics)
	return m
}

// Lookup returns the dedup entry for fingerprint, or nil when absent.
// Errors and timeouts count as misses so callers never branch on them.
func (c *Client) Lookup(ctx context.Context, fingerprint string) *Entry {
	if fingerprint == "" {
		return nil
	}

	opCtx, cancel := c.opContext(ctx)
	defer cancel()

	raw, err := c.rdb.Get(opCtx, dedupKeyPrefix+fingerprint).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			c.observeMiss()
			return nil
		}
		c.degrade("lookup", err)
		return nil
	}

	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		c.degrade("lookup", err)
		return nil
	}
	c.observeHit()
	return &entry
}

// Upsert stores the dedup entry under fingerprint with the given expiry.
// It reports whether the write landed.
func (c *Client) Upsert(ctx context.Context, fingerprint string, entry Entry, ttl time.Duration) bool {
	if fingerprint == "" || ttl <= 0 {
		return false
	}

	raw, err := json.Marshal(entry)
	if err != nil {
		c.degrade("upsert", err)
		return false
	}

	opCtx, cancel := c.opContext(ctx)
	defer cancel()

	if err := c.rdb.Set(opCtx, dedupKeyPrefix+fingerprint, raw, ttl).Err(); err != nil {
		c.degrade("upsert", err)
		return false
	}
	return true
}

// Touch bumps the hit count and slides the expiry window, returning the
// refreshed entry. A missing or unreachable entry returns nil; the
// read-modify-write is not atomic, which is fine for an advisory counter.
func (c *Client) Touch(ctx context.Context, fingerprint string, ttl time.Duration) *Entry {
	entry := c.Lookup(ctx, fingerprint)
	if entry == nil {
		return nil
	}

	entry.HitCount++
	if !c.Upsert(ctx, fingerprint, *entry, ttl) {
		return nil
	}
	return entry
}

// PutCorrelation stores request-side context under the flow id.
func (c *Client) PutCorrelation(ctx context.Context, flowID string, corr Correlation, ttl time.Duration) bool {
	if flowID == "" || ttl <= 0 {
		return false
	}

	raw, err := json.Marshal(corr)
	if err != nil {
		c.degrade("put_correlation", err)
		return false
	}

	opCtx, cancel := c.opContext(ctx)
	defer cancel()

	if err := c.rdb.Set(opCtx, correlationKeyPrefix+flowID, raw, ttl).Err(); err != nil {
		c.degrade("put_correlation", err)
		return false
	}
	return true
}

// GetCorrelation returns the stored request-side context for a flow, or
// nil when absent or unreachable.
func (c *Client) GetCorrelation(ctx context.Context, flowID string) *Correlation {
	if flowID == "" {
		return nil
	}

	opCtx, cancel := c.opContext(ctx)
	defer cancel()

	raw, err := c.rdb.Get(opCtx, correlationKeyPrefix+flowID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			c.observeMiss()
			return nil
		}
		c.degrade("get_correlation", err)
		return nil
	}

	var corr Correlation
	if err := json.Unmarshal(raw, &corr); err != nil {
		c.degrade("get_correlation", err)
		return nil
	}
	c.observeHit()
	return &corr
}

func (c *Client) Diagnostics() Diagnostics {
	if c == nil {
		return Diagnostics{}
	}
	snapshot := Diagnostics{
		HitTotal:   c.hitTotal.Load(),
		MissTotal:  c.missTotal.Load(),
		ErrorTotal: c.errorTotal.Load(),
	}
	if ts := c.lastErrorUnixNan.Load(); ts > 0 {
		last := time.Unix(0, ts).UTC()
		snapshot.LastErrorAt = &last
	}
	return snapshot
}

func (c *Client) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, c.opTimeout)
}

func (c *Client) observeHit() {
	c.hitTotal.Add(1)
	if m := c.loadMetrics(); m != nil && m.OnHit != nil {
		m.OnHit()
	}
}

func (c *Client) observeMiss() {
	c.missTotal.Add(1)
	if m := c.loadMetrics(); m != nil && m.OnMiss != nil {
		m.OnMiss()
	}
}

func (c *Client) degrade(op string, err error) {
	c.errorTotal.Add(1)
	c.lastErrorUnixNan.Store(time.Now().UTC().UnixNano())
	if m := c.loadMetrics(); m != nil && m.OnError != nil {
		m.OnError()
	}
	c.logger.Warn("cache degraded, continuing uncached", "op", op, "error", err)
}
