// Package buffer mirrors completed exchanges onto a capped Redis Stream
// for interactive debugging. Publishing rides the dispatch workers and
// fails soft like the cache; the tail reader replays recent entries and
// then follows the stream live.
package buffer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/flowscribe/flowscribe/internal/flow"
)

const (
	defaultStreamKey    = "flowscribe:api_traffic"
	defaultMaxLen       = 10000
	defaultOpTimeout    = 150 * time.Millisecond
	defaultBlockTimeout = time.Second
)

type Config struct {
	// StreamKey names the stream; zero means flowscribe:api_traffic.
	StreamKey string
	// MaxLen caps the stream with approximate trimming; zero means 10000.
	MaxLen int64
	// OpTimeout bounds each publish; zero means 150ms.
	OpTimeout time.Duration
	Logger    *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.StreamKey == "" {
		c.StreamKey = defaultStreamKey
	}
	if c.MaxLen <= 0 {
		c.MaxLen = defaultMaxLen
	}
	if c.OpTimeout <= 0 {
		c.OpTimeout = defaultOpTimeout
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Metrics holds optional callbacks invoked per publish outcome.
type Metrics struct {
	OnPublish func()
	OnError   func()
}

// Diagnostics is a point-in-time snapshot of buffer health.
type Diagnostics struct {
	PublishedTotal int64      `json:"published_total"`
	ErrorTotal     int64      `json:"error_total"`
	LastErrorAt    *time.Time `json:"last_error_at,omitempty"`
}

// Writer appends exchange entries to the stream.
type Writer struct {
	rdb       *redis.Client
	streamKey string
	maxLen    int64
	opTimeout time.Duration
	logger    *slog.Logger

	metrics atomic.Value // *Metrics

	publishedTotal    atomic.Int64
	errorTotal        atomic.Int64
	lastErrorUnixNano atomic.Int64
}

func NewWriter(rdb *redis.Client, cfg Config) *Writer {
	cfg = cfg.withDefaults()
	w := &Writer{
		rdb:       rdb,
		streamKey: cfg.StreamKey,
		maxLen:    cfg.MaxLen,
		opTimeout: cfg.OpTimeout,
		logger:    cfg.Logger.With("component", "buffer"),
	}
	w.metrics.Store(&Metrics{})
	return w
}

// SetMetrics replaces the metric callbacks used by the writer.
func (w *Writer) SetMetrics(m *Metrics) {
	if w == nil {
		return
	}
	if m == nil {
		m = &Metrics{}
	}
	w.metrics.Store(m)
}

func (w *Writer) loadMetrics() *Metrics {
	m, _ := w.metrics.Load().(*Metrics)
	return m
}

// Publish mirrors one completed record onto the stream. It reports
// whether the entry landed; failures degrade to a warn log and counter.
func (w *Writer) Publish(ctx context.Context, rec *flow.Record) bool {
	if rec == nil || rec.FlowID == "" {
		return false
	}

	opCtx, cancel := context.WithTimeout(orBackground(ctx), w.opTimeout)
	defer cancel()

	err := w.rdb.XAdd(opCtx, &redis.XAddArgs{
		Stream: w.streamKey,
		MaxLen: w.maxLen,
		Approx: true,
		Values: streamValues(rec),
	}).Err()
	if err != nil {
		w.errorTotal.Add(1)
		w.lastErrorUnixNano.Store(time.Now().UTC().UnixNano())
		if m := w.loadMetrics(); m != nil && m.OnError != nil {
			m.OnError()
		}
		w.logger.Warn("traffic buffer publish failed", "flow_id", rec.FlowID, "error", err)
		return false
	}

	w.publishedTotal.Add(1)
	if m := w.loadMetrics(); m != nil && m.OnPublish != nil {
		m.OnPublish()
	}
	return true
}

func (w *Writer) Diagnostics() Diagnostics {
	if w == nil {
		return Diagnostics{}
	}
	snapshot := Diagnostics{
		PublishedTotal: w.publishedTotal.Load(),
		ErrorTotal:     w.errorTotal.Load(),
	}
	if ts := w.lastErrorUnixNano.Load(); ts > 0 {
		last := time.Unix(0, ts).UTC()
		snapshot.LastErrorAt = &last
	}
	return snapshot
}

// streamValues flattens a record to stream fields. Everything is a
// string; headers ride as their redacted JSON form and bodies only as
// digests, sizes, and bounded previews.
func streamValues(rec *flow.Record) map[string]any {
	at := rec.CompletedAt
	if at.IsZero() {
		at = rec.StartedAt
	}

	values := map[string]any{
		"timestamp":     at.UTC().Format(time.RFC3339Nano),
		"flow_id":       rec.FlowID,
		"state":         string(rec.State),
		"method":        rec.Method,
		"host":          rec.Host,
		"path":          rec.Path,
		"status_code":   strconv.Itoa(rec.StatusCode),
		"latency_ms":    strconv.FormatInt(rec.LatencyMS, 10),
		"request_size":  strconv.FormatInt(rec.RequestBodySize, 10),
		"response_size": strconv.FormatInt(rec.ResponseBodySize, 10),
	}

	if rec.IsLLMCall {
		values["model"] = rec.Model
		values["provider"] = rec.Provider
		values["prompt_tokens"] = strconv.Itoa(rec.PromptTokens)
		values["completion_tokens"] = strconv.Itoa(rec.CompletionTokens)
	}
	if rec.RequestBodyDigest != "" {
		values["request_digest"] = rec.RequestBodyDigest
	}
	if rec.ResponseBodyDigest != "" {
		values["response_digest"] = rec.ResponseBodyDigest
	}
	if rec.RequestBodyPreview != "" {
		values["request_preview"] = rec.RequestBodyPreview
	}
	if rec.ResponseBodyPreview != "" {
		values["response_preview"] = rec.ResponseBodyPreview
	}
	if rec.Error != "" {
		values["error"] = rec.Error
	}
	if raw, err := json.Marshal(rec.RequestHeaders); err == nil && len(rec.RequestHeaders) > 0 {
		values["request_headers"] = string(raw)
	}
	if raw, err := json.Marshal(rec.ResponseHeaders); err == nil && len(rec.ResponseHeaders) > 0 {
		values["response_headers"] = string(raw)
	}
	return values
}

// Entry is one stream entry as the tail surfaces it.
type Entry struct {
	ID     string
	Fields map[string]string
}

// TailReader replays and follows the stream for the tail subcommand.
type TailReader struct {
	rdb          *redis.Client
	streamKey    string
	blockTimeout time.Duration
}

func NewTailReader(rdb *redis.Client, streamKey string, blockTimeout time.Duration) *TailReader {
	if streamKey == "" {
		streamKey = defaultStreamKey
	}
	if blockTimeout <= 0 {
		blockTimeout = defaultBlockTimeout
	}
	return &TailReader{rdb: rdb, streamKey: streamKey, blockTimeout: blockTimeout}
}

// Recent returns up to count most recent entries, oldest first.
func (t *TailReader) Recent(ctx context.Context, count int) ([]Entry, error) {
	if count <= 0 {
		return nil, nil
	}

	msgs, err := t.rdb.XRevRangeN(orBackground(ctx), t.streamKey, "+", "-", int64(count)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("read stream history: %w", err)
	}

	entries := make([]Entry, 0, len(msgs))
	for i := len(msgs) - 1; i >= 0; i-- {
		entries = append(entries, toEntry(msgs[i]))
	}
	return entries, nil
}

// Follow delivers entries appended after lastID until ctx is canceled or
// fn returns an error. An empty lastID starts at the stream's tail.
func (t *TailReader) Follow(ctx context.Context, lastID string, fn func(Entry) error) error {
	ctx = orBackground(ctx)
	if lastID == "" {
		lastID = "$"
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		res, err := t.rdb.XRead(ctx, &redis.XReadArgs{
			Streams: []string{t.streamKey, lastID},
			Count:   10,
			Block:   t.blockTimeout,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue // block window elapsed with nothing new
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("follow stream: %w", err)
		}

		for _, stream := range res {
			for _, msg := range stream.Messages {
				if err := fn(toEntry(msg)); err != nil {
					return err
				}
				lastID = msg.ID
			}
		}
	}
}

func toEntry(msg redis.XMessage) Entry {
	fields := make(map[string]string, len(msg.Values))
	for k, v := range msg.Values {
		if s, ok := v.(string); ok {
			fields[k] = s
			continue
		}
		fields[k] = fmt.Sprint(v)
	}
	return Entry{ID: msg.ID, Fields: fields}
}

func orBackground(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
