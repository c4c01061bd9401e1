// Package flow defines the normalized representation of one intercepted
// request/response exchange and the normalizer that produces it from raw
// proxy lifecycle events.
package flow

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

type State string

const (
	StatePending  State = "pending"
	StateComplete State = "complete"
)

// Header is one header pair. Records keep headers as ordered sequences
// rather than maps so repeated names and original ordering survive.
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Record is the pipeline's unit of work: one intercepted exchange. A
// record is born pending when the request is seen and becomes complete
// exactly once, when the response or an error is seen. Bodies are never
// carried beyond their digests, sizes, and capture-bounded previews.
type Record struct {
	FlowID      string    `json:"flow_id"`
	State       State     `json:"state"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at,omitempty"`

	Method string `json:"method"`
	Host   string `json:"host"`
	Path   string `json:"path"`

	StatusCode      int      `json:"status_code,omitempty"`
	RequestHeaders  []Header `json:"request_headers,omitempty"`
	ResponseHeaders []Header `json:"response_headers,omitempty"`

	RequestBodyDigest  string `json:"request_body_digest,omitempty"`
	ResponseBodyDigest string `json:"response_body_digest,omitempty"`
	RequestBodySize    int64  `json:"request_body_size"`
	ResponseBodySize   int64  `json:"response_body_size"`

	// Bounded previews for the traffic buffer and live feed. They travel
	// in memory and on the stream only, never to the relational store.
	RequestBodyPreview  string `json:"request_body_preview,omitempty"`
	ResponseBodyPreview string `json:"response_body_preview,omitempty"`

	IsLLMCall bool   `json:"is_llm_call"`
	Provider  string `json:"provider,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`

	// LLM fields, populated at completion for classified flows. They
	// travel in memory only; persistence puts them on the span row.
	Model               string `json:"model,omitempty"`
	PromptTokens        int    `json:"prompt_tokens,omitempty"`
	CompletionTokens    int    `json:"completion_tokens,omitempty"`
	CacheReadTokens     int    `json:"cache_read_tokens,omitempty"`
	CacheCreationTokens int    `json:"cache_creation_tokens,omitempty"`
	TTFBMS              int64  `json:"ttfb_ms,omitempty"`
}

// ExportStatus tracks the trace-export lifecycle of one LLM span.
type ExportStatus string

const (
	ExportPending ExportStatus = "pending"
	ExportSent    ExportStatus = "sent"
	ExportFailed  ExportStatus = "failed"
)

// LLMSpan is the trace-export projection of one complete LLM-classified
// record. At most one exists per flow.
type LLMSpan struct {
	FlowID              string       `json:"flow_id"`
	Model               string       `json:"model"`
	PromptTokens        int          `json:"prompt_tokens"`
	CompletionTokens    int          `json:"completion_tokens"`
	CacheReadTokens     int          `json:"cache_read_tokens"`
	CacheCreationTokens int          `json:"cache_creation_tokens"`
	LatencyMS           int64        `json:"latency_ms"`
	TTFBMS              int64        `json:"ttfb_ms"`
	StartedAt           time.Time    `json:"started_at"`
	CompletedAt         time.Time    `json:"completed_at"`
	ExportStatus        ExportStatus `json:"trace_export_status"`
	ExportedAt          time.Time    `json:"exported_at,omitempty"`
}

// Span derives the LLMSpan for a complete LLM-classified record. Callers
// must check IsLLMCall and State first; Span does not re-validate.
func (r *Record) Span() LLMSpan {
	return LLMSpan{
		FlowID:              r.FlowID,
		Model:               r.Model,
		PromptTokens:        r.PromptTokens,
		CompletionTokens:    r.CompletionTokens,
		CacheReadTokens:     r.CacheReadTokens,
		CacheCreationTokens: r.CacheCreationTokens,
		LatencyMS:           r.LatencyMS,
		TTFBMS:              r.TTFBMS,
		StartedAt:           r.StartedAt,
		CompletedAt:         r.CompletedAt,
		ExportStatus:        ExportPending,
	}
}

// Clone returns a snapshot safe to hand to another goroutine. Header
// slices are copied; their elements are immutable by convention.
func (r *Record) Clone() *Record {
	out := *r
	if len(r.RequestHeaders) > 0 {
		out.RequestHeaders = append([]Header(nil), r.RequestHeaders...)
	}
	if len(r.ResponseHeaders) > 0 {
		out.ResponseHeaders = append([]Header(nil), r.ResponseHeaders...)
	}
	return &out
}

// Fingerprint derives the dedup key for this record: identical host,
// method, path, and request body hash to the same value.
func (r *Record) Fingerprint() string {
	h := sha256.New()
	h.Write([]byte(r.Host))
	h.Write([]byte{'\n'})
	h.Write([]byte(r.Method))
	h.Write([]byte{'\n'})
	h.Write([]byte(r.Path))
	h.Write([]byte{'\n'})
	h.Write([]byte(r.RequestBodyDigest))
	return hex.EncodeToString(h.Sum(nil))
}

// BodyDigest returns the hex SHA-256 of captured body bytes. Empty
// bodies digest to the empty string rather than the hash of nothing so
// absence stays distinguishable in storage.
func BodyDigest(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}
