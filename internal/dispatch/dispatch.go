// Package dispatch fans intercepted flow snapshots out to a fixed pool of
// pipeline workers. Records are partitioned by flow_id so per-flow ordering
// (pending before complete) holds without cross-worker locks, and each
// partition is bounded: under overflow the oldest queued pending snapshot
// is evicted, while complete snapshots are always admitted.
package dispatch

import (
	"context"
	"hash/fnv"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flowscribe/flowscribe/internal/flow"
)

const (
	QueuePressureOK        = "ok"
	QueuePressureElevated  = "elevated"
	QueuePressureHigh      = "high"
	QueuePressureSaturated = "saturated"
)

const defaultPartitionCapacity = 256

// Sink consumes one record snapshot on a dispatch worker. The sink owns all
// pipeline I/O (cache, store, export, buffer); it must honor ctx so shutdown
// stays bounded.
type Sink func(ctx context.Context, rec *flow.Record)

// Metrics holds optional callbacks the queue invokes at pipeline points.
type Metrics struct {
	// OnEnqueue is called each time a snapshot is accepted onto a partition.
	OnEnqueue func()
	// OnDrop is called each time a pending snapshot is displaced by overflow.
	OnDrop func()
	// OnProcess is called after the sink finishes one record.
	OnProcess func(duration time.Duration)
	// OnLost is called once at shutdown with the count of undrained records.
	OnLost func(count int)
}

// Diagnostics captures queue pressure and drop signals for operators.
type Diagnostics struct {
	Workers                 int        `json:"workers"`
	PartitionCapacity       int        `json:"partition_capacity"`
	QueueDepth              int        `json:"queue_depth"`
	QueueDepthHighWatermark int        `json:"queue_depth_high_watermark"`
	QueueUtilizationPct     int        `json:"queue_utilization_pct"`
	QueuePressureState      string     `json:"queue_pressure_state"`
	EnqueueAcceptedTotal    int64      `json:"enqueue_accepted_total"`
	PendingDroppedTotal     int64      `json:"pending_dropped_total"`
	LostOnShutdownTotal     int64      `json:"lost_on_shutdown_total"`
	LastDropAt              *time.Time `json:"last_drop_at,omitempty"`
}

type Config struct {
	// Workers fixes the pool size; zero means runtime.GOMAXPROCS(0).
	Workers int
	// PartitionCapacity bounds each worker's deque; zero means 256.
	PartitionCapacity int
	Logger            *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = runtime.GOMAXPROCS(0)
	}
	if c.PartitionCapacity <= 0 {
		c.PartitionCapacity = defaultPartitionCapacity
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

type Queue struct {
	sink   Sink
	parts  []*partition
	logger *slog.Logger

	wg           sync.WaitGroup
	started      atomic.Bool
	stopped      atomic.Bool
	stopOnce     sync.Once
	lifecycleMu  sync.RWMutex
	workerCancel context.CancelFunc

	metrics atomic.Value // *Metrics

	enqueueAcceptedTotal atomic.Int64
	pendingDroppedTotal  atomic.Int64
	lostOnShutdownTotal  atomic.Int64
	depthHighWatermark   atomic.Int64
	lastDropUnixNano     atomic.Int64
}

func NewQueue(sink Sink, cfg Config) *Queue {
	cfg = cfg.withDefaults()
	if sink == nil {
		sink = func(context.Context, *flow.Record) {}
	}

	parts := make([]*partition, cfg.Workers)
	for i := range parts {
		parts[i] = newPartition(cfg.PartitionCapacity)
	}

	q := &Queue{
		sink:   sink,
		parts:  parts,
		logger: cfg.Logger.With("component", "dispatch"),
	}
	q.metrics.Store(&Metrics{})
	return q
}

// SetMetrics replaces the metric callbacks used by the queue.
func (q *Queue) SetMetrics(m *Metrics) {
	if q == nil {
		return
	}
	if m == nil {
		m = &Metrics{}
	}
	q.metrics.Store(m)
}

func (q *Queue) loadMetrics() *Metrics {
	m, _ := q.metrics.Load().(*Metrics)
	return m
}

func (q *Queue) Start(ctx context.Context) {
	if !q.started.CompareAndSwap(false, true) {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	workerCtx, cancel := context.WithCancel(ctx)
	q.lifecycleMu.Lock()
	q.workerCancel = cancel
	q.lifecycleMu.Unlock()

	for _, p := range q.parts {
		q.wg.Add(1)
		go q.runWorker(workerCtx, p)
	}
}

// Enqueue places one snapshot on its flow's partition without blocking.
// It reports whether this record was accepted; an accepted record may have
// displaced an older pending snapshot.
func (q *Queue) Enqueue(rec *flow.Record) bool {
	if rec == nil || rec.FlowID == "" {
		return false
	}
	if q.stopped.Load() {
		return false
	}

	p := q.parts[partitionIndex(rec.FlowID, len(q.parts))]
	evicted, accepted := p.push(rec)
	if evicted != nil {
		q.pendingDroppedTotal.Add(1)
		q.lastDropUnixNano.Store(time.Now().UTC().UnixNano())
		if m := q.loadMetrics(); m != nil && m.OnDrop != nil {
			m.OnDrop()
		}
		q.logger.Debug("pending snapshot evicted on overflow", "flow_id", evicted.FlowID)
	}
	if !accepted {
		q.pendingDroppedTotal.Add(1)
		q.lastDropUnixNano.Store(time.Now().UTC().UnixNano())
		if m := q.loadMetrics(); m != nil && m.OnDrop != nil {
			m.OnDrop()
		}
		return false
	}

	q.enqueueAcceptedTotal.Add(1)
	q.observeDepth(q.depth())
	if m := q.loadMetrics(); m != nil && m.OnEnqueue != nil {
		m.OnEnqueue()
	}
	return true
}

func (q *Queue) runWorker(ctx context.Context, p *partition) {
	defer q.wg.Done()

	for {
		rec, open := p.pop()
		if rec != nil {
			start := time.Now()
			q.sink(ctx, rec)
			if m := q.loadMetrics(); m != nil && m.OnProcess != nil {
				m.OnProcess(time.Since(start))
			}
			continue
		}
		if !open {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-p.notifyCh:
		case <-p.closeCh:
		}
	}
}

// Shutdown stops intake and drains the partitions until ctx expires.
// Records still queued when the grace period runs out are counted as lost.
func (q *Queue) Shutdown(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	q.stopOnce.Do(func() {
		q.stopped.Store(true)
		for _, p := range q.parts {
			p.close()
		}
	})

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.cancelWorkers()
		q.reportLost(q.drainRemaining())
		return nil
	case <-ctx.Done():
		q.cancelWorkers()
		q.reportLost(q.drainRemaining())
		return ctx.Err()
	}
}

func (q *Queue) cancelWorkers() {
	q.lifecycleMu.RLock()
	cancel := q.workerCancel
	q.lifecycleMu.RUnlock()
	if cancel != nil {
		cancel()
	}
}

func (q *Queue) drainRemaining() int {
	lost := 0
	for _, p := range q.parts {
		lost += p.clear()
	}
	return lost
}

func (q *Queue) reportLost(count int) {
	if count <= 0 {
		return
	}
	q.lostOnShutdownTotal.Add(int64(count))
	if m := q.loadMetrics(); m != nil && m.OnLost != nil {
		m.OnLost(count)
	}
	q.logger.Warn("records lost on shutdown", "count", count)
}

func (q *Queue) depth() int {
	depth := 0
	for _, p := range q.parts {
		depth += p.len()
	}
	return depth
}

func (q *Queue) observeDepth(depth int) {
	if depth < 0 {
		return
	}
	value := int64(depth)
	for {
		current := q.depthHighWatermark.Load()
		if value <= current {
			return
		}
		if q.depthHighWatermark.CompareAndSwap(current, value) {
			return
		}
	}
}

// Diagnostics returns a point-in-time snapshot of queue pressure and drop
// counters.
func (q *Queue) Diagnostics() Diagnostics {
	if q == nil {
		return Diagnostics{}
	}

	capacity := 0
	partCapacity := 0
	if len(q.parts) > 0 {
		partCapacity = q.parts[0].capacity
		capacity = partCapacity * len(q.parts)
	}
	depth := q.depth()
	highWatermark := int(q.depthHighWatermark.Load())
	if depth > highWatermark {
		highWatermark = depth
	}
	utilizationPct := queueUtilizationPct(depth, capacity)

	snapshot := Diagnostics{
		Workers:                 len(q.parts),
		PartitionCapacity:       partCapacity,
		QueueDepth:              depth,
		QueueDepthHighWatermark: highWatermark,
		QueueUtilizationPct:     utilizationPct,
		QueuePressureState:      queuePressureState(utilizationPct),
		EnqueueAcceptedTotal:    q.enqueueAcceptedTotal.Load(),
		PendingDroppedTotal:     q.pendingDroppedTotal.Load(),
		LostOnShutdownTotal:     q.lostOnShutdownTotal.Load(),
	}
	if ts := q.lastDropUnixNano.Load(); ts > 0 {
		last := time.Unix(0, ts).UTC()
		snapshot.LastDropAt = &last
	}
	return snapshot
}

func partitionIndex(flowID string, n int) int {
	if n <= 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(flowID))
	return int(h.Sum32() % uint32(n))
}

func queueUtilizationPct(depth, capacity int) int {
	if capacity <= 0 || depth <= 0 {
		return 0
	}
	if depth >= capacity {
		return 100
	}
	return int((int64(depth) * 100) / int64(capacity))
}

func queuePressureState(utilizationPct int) string {
	switch {
	case utilizationPct >= 100:
		return QueuePressureSaturated
	case utilizationPct >= 80:
		return QueuePressureHigh
	case utilizationPct >= 50:
		return QueuePressureElevated
	default:
		return QueuePressureOK
	}
}

// partition is one worker's FIFO deque. All access is mutex-guarded; the
// notify channel wakes the worker without blocking the producer.
type partition struct {
	mu       sync.Mutex
	items    []*flow.Record
	capacity int
	closed   bool
	notifyCh chan struct{}
	closeCh  chan struct{}
}

func newPartition(capacity int) *partition {
	return &partition{
		items:    make([]*flow.Record, 0, capacity),
		capacity: capacity,
		notifyCh: make(chan struct{}, 1),
		closeCh:  make(chan struct{}),
	}
}

// push appends rec, evicting the oldest queued pending snapshot when the
// partition is full. Complete snapshots are admitted past the bound rather
// than ever dropped; a pending snapshot arriving at a partition with no
// pending left to displace is rejected.
func (p *partition) push(rec *flow.Record) (evicted *flow.Record, accepted bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, false
	}

	if len(p.items) >= p.capacity {
		if i := p.oldestPendingIndex(); i >= 0 {
			evicted = p.items[i]
			p.items = append(p.items[:i], p.items[i+1:]...)
		} else if rec.State != flow.StateComplete {
			return nil, false
		}
	}

	p.items = append(p.items, rec)
	select {
	case p.notifyCh <- struct{}{}:
	default:
	}
	return evicted, true
}

func (p *partition) oldestPendingIndex() int {
	for i, item := range p.items {
		if item.State != flow.StateComplete {
			return i
		}
	}
	return -1
}

// pop removes the oldest snapshot. open is false once the partition is
// closed and fully drained.
func (p *partition) pop() (rec *flow.Record, open bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.items) == 0 {
		return nil, !p.closed
	}
	rec = p.items[0]
	copy(p.items, p.items[1:])
	p.items[len(p.items)-1] = nil
	p.items = p.items[:len(p.items)-1]
	return rec, true
}

func (p *partition) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.items)
}

func (p *partition) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.closeCh)
	}
}

func (p *partition) clear() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.items)
	p.items = nil
	return n
}
