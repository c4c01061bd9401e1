package flow

import (
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flowscribe/flowscribe/internal/providers"
)

const defaultPreviewBytes = 1024

// NormalizerConfig wires the normalizer to its downstream queue. Emit
// receives one record snapshot per lifecycle transition and must return
// promptly; it is called on the proxy's hook goroutines.
type NormalizerConfig struct {
	// PreviewBytes bounds the body previews carried on records.
	PreviewBytes int
	// Registry classifies provider traffic and parses its responses.
	// Nil means providers.DefaultRegistry().
	Registry *providers.Registry
	Emit     func(*Record)
	Logger   *slog.Logger
}

func (c NormalizerConfig) withDefaults() NormalizerConfig {
	if c.PreviewBytes <= 0 {
		c.PreviewBytes = defaultPreviewBytes
	}
	if c.Registry == nil {
		c.Registry = providers.DefaultRegistry()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// NormalizerDiagnostics is a point-in-time snapshot of normalizer
// counters.
type NormalizerDiagnostics struct {
	PendingFlows   int   `json:"pending_flows"`
	EmittedTotal   int64 `json:"emitted_total"`
	MalformedTotal int64 `json:"malformed_total"`
	OrphanedTotal  int64 `json:"orphaned_total"`
}

// Normalizer folds raw proxy lifecycle events into records. It is the
// only pipeline stage running on proxy goroutines, so every method is
// pure CPU over capture-bounded bytes: no storage, no network, no
// blocking on downstream consumers.
type Normalizer struct {
	cfg    NormalizerConfig
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]*pendingFlow

	emittedTotal   atomic.Int64
	malformedTotal atomic.Int64
	orphanedTotal  atomic.Int64
}

// pendingFlow holds the record between its request and response events
// plus the request-side facts the response handler needs: the provider
// that claimed the flow and whether the request asked for streaming.
type pendingFlow struct {
	rec      *Record
	provider providers.Provider
	stream   bool
}

var _ Events = (*Normalizer)(nil)

func NewNormalizer(cfg NormalizerConfig) (*Normalizer, error) {
	if cfg.Emit == nil {
		return nil, errors.New("flow: normalizer emit sink is required")
	}
	cfg = cfg.withDefaults()
	return &Normalizer{
		cfg:     cfg,
		logger:  cfg.Logger.With("component", "normalizer"),
		pending: make(map[string]*pendingFlow),
	}, nil
}

// OnRequest opens a pending record for the flow and emits its first
// snapshot. A replayed request event for a live flow id replaces the
// previous pending entry.
func (n *Normalizer) OnRequest(evt RequestEvent) {
	if evt.FlowID == "" || strings.TrimSpace(evt.Method) == "" || strings.TrimSpace(evt.Host) == "" {
		n.malformedTotal.Add(1)
		n.logger.Warn("malformed request event dropped",
			"flow_id", evt.FlowID,
			"method", evt.Method,
			"host", evt.Host,
		)
		return
	}

	at := evt.At
	if at.IsZero() {
		at = time.Now()
	}
	path := evt.Path
	if path == "" {
		path = "/"
	}

	rec := &Record{
		FlowID:             evt.FlowID,
		State:              StatePending,
		StartedAt:          at.UTC(),
		Method:             strings.ToUpper(strings.TrimSpace(evt.Method)),
		Host:               normalizeHost(evt.Host),
		Path:               path,
		RequestHeaders:     RedactHeaders(evt.Headers),
		RequestBodyDigest:  BodyDigest(evt.Body),
		RequestBodySize:    int64(len(evt.Body)),
		RequestBodyPreview: previewString(evt.Body, n.cfg.PreviewBytes),
	}

	var provider providers.Provider
	stream := false
	if p, ok := n.classify(evt); ok {
		provider = p
		rec.IsLLMCall = true
		rec.Provider = p.Name()
		rec.Model = providers.RequestModel(evt.Body)
		stream = providers.RequestStream(evt.Body)
		// Classified calls preview the newest prompt rather than raw
		// JSON; unparseable bodies keep the raw preview.
		if prompt := providers.PromptPreview(evt.Body, n.cfg.PreviewBytes); prompt != "" {
			rec.RequestBodyPreview = prompt
		}
	}

	n.mu.Lock()
	n.pending[evt.FlowID] = &pendingFlow{rec: rec, provider: provider, stream: stream}
	n.mu.Unlock()

	n.emit(rec.Clone())
}

// classify gates on the shape every LLM call shares before consulting
// the provider registry. LLM calls are JSON POSTs; anything else
// short-circuits the scan.
func (n *Normalizer) classify(evt RequestEvent) (providers.Provider, bool) {
	if !strings.EqualFold(evt.Method, http.MethodPost) {
		return nil, false
	}
	ct := headerValue(evt.Headers, "content-type")
	if ct != "" && !strings.Contains(strings.ToLower(ct), "json") {
		return nil, false
	}
	return n.cfg.Registry.Classify(normalizeHost(evt.Host), evt.Path, ct)
}

// OnResponse completes the pending record and emits the final snapshot.
// Responses with no pending request are dropped and counted; the proxy
// runtime guarantees request-before-response per flow, so orphans mean
// the request event itself was malformed.
func (n *Normalizer) OnResponse(evt ResponseEvent) {
	if evt.FlowID == "" {
		n.malformedTotal.Add(1)
		n.logger.Warn("malformed response event dropped")
		return
	}

	entry := n.take(evt.FlowID)
	if entry == nil {
		n.orphanedTotal.Add(1)
		n.logger.Warn("response without pending request dropped", "flow_id", evt.FlowID)
		return
	}

	rec := entry.rec
	n.complete(rec, evt.At)
	rec.StatusCode = evt.StatusCode
	rec.ResponseHeaders = RedactHeaders(evt.Headers)
	rec.ResponseBodyDigest = BodyDigest(evt.Body)
	rec.ResponseBodySize = int64(len(evt.Body))
	rec.ResponseBodyPreview = previewString(evt.Body, n.cfg.PreviewBytes)
	if evt.TTFB > 0 {
		rec.TTFBMS = evt.TTFB.Milliseconds()
	}

	if entry.provider != nil {
		// The capture aggregates streamed bodies and can lose the
		// response content type; the request-side stream flag wins.
		ct := headerValue(evt.Headers, "content-type")
		if entry.stream {
			ct = "text/event-stream"
		}
		if completion, err := entry.provider.ParseResponse(ct, evt.Body); err == nil && completion != nil {
			rec.PromptTokens = completion.Usage.PromptTokens
			rec.CompletionTokens = completion.Usage.CompletionTokens
			rec.CacheReadTokens = completion.Usage.CacheReadTokens
			rec.CacheCreationTokens = completion.Usage.CacheCreationTokens
			if rec.Model == "" {
				rec.Model = completion.Model
			}
		}
	}

	// Ownership transfers with the emit: the record left the pending
	// map and the normalizer never touches it again.
	n.emit(rec)
}

// OnError completes the pending record with an error instead of a
// response.
func (n *Normalizer) OnError(evt ErrorEvent) {
	if evt.FlowID == "" {
		n.malformedTotal.Add(1)
		n.logger.Warn("malformed error event dropped")
		return
	}

	entry := n.take(evt.FlowID)
	if entry == nil {
		n.orphanedTotal.Add(1)
		n.logger.Warn("error without pending request dropped", "flow_id", evt.FlowID)
		return
	}

	rec := entry.rec
	n.complete(rec, evt.At)
	rec.Error = evt.Message
	if rec.Error == "" {
		rec.Error = "proxy error"
	}

	n.emit(rec)
}

func (n *Normalizer) take(flowID string) *pendingFlow {
	n.mu.Lock()
	defer n.mu.Unlock()
	entry, ok := n.pending[flowID]
	if !ok {
		return nil
	}
	delete(n.pending, flowID)
	return entry
}

// complete stamps the transition shared by response and error events.
// completed_at never precedes started_at.
func (n *Normalizer) complete(rec *Record, at time.Time) {
	if at.IsZero() {
		at = time.Now()
	}
	completedAt := at.UTC()
	if completedAt.Before(rec.StartedAt) {
		completedAt = rec.StartedAt
	}
	rec.State = StateComplete
	rec.CompletedAt = completedAt
	rec.LatencyMS = completedAt.Sub(rec.StartedAt).Milliseconds()
}

func (n *Normalizer) emit(rec *Record) {
	n.emittedTotal.Add(1)
	n.cfg.Emit(rec)
}

// PendingCount reports flows awaiting their response event.
func (n *Normalizer) PendingCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.pending)
}

func (n *Normalizer) Diagnostics() NormalizerDiagnostics {
	return NormalizerDiagnostics{
		PendingFlows:   n.PendingCount(),
		EmittedTotal:   n.emittedTotal.Load(),
		MalformedTotal: n.malformedTotal.Load(),
		OrphanedTotal:  n.orphanedTotal.Load(),
	}
}

// normalizeHost lowercases and strips any port so records and the
// provider registry agree on host identity.
func normalizeHost(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}

// previewString bounds body bytes for the traffic buffer and live feed.
// Invalid UTF-8 from a mid-rune cut is replaced, mirroring how the
// capture decodes bodies rather than rejecting them.
func previewString(body []byte, limit int) string {
	if len(body) == 0 || limit <= 0 {
		return ""
	}
	if len(body) > limit {
		body = body[:limit]
	}
	return strings.ToValidUTF8(string(body), "�")
}
