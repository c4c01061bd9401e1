package quota

import (
	"strconv"
	"strings"
	"time"

	"github.com/flowscribe/flowscribe/internal/flow"
)

// Unified rate-limit headers emitted by the Anthropic API. A response is
// considered a quota observation when at least one of these is present.
const (
	HeaderStatus             = "anthropic-ratelimit-unified-status"
	HeaderRemaining          = "anthropic-ratelimit-unified-remaining"
	HeaderReset              = "anthropic-ratelimit-unified-reset"
	Header5hUtilization      = "anthropic-ratelimit-unified-5h-utilization"
	Header5hReset            = "anthropic-ratelimit-unified-5h-reset"
	Header5hStatus           = "anthropic-ratelimit-unified-5h-status"
	Header7dUtilization      = "anthropic-ratelimit-unified-7d-utilization"
	Header7dReset            = "anthropic-ratelimit-unified-7d-reset"
	Header7dStatus           = "anthropic-ratelimit-unified-7d-status"
	HeaderFallback           = "anthropic-ratelimit-unified-fallback"
	HeaderFallbackPercentage = "anthropic-ratelimit-unified-fallback-percentage"
	HeaderOverageStatus      = "anthropic-ratelimit-unified-overage-status"
	HeaderRequestID          = "request-id"
)

// UnifiedHeaders lists every quota header a snapshot captures, in the order
// they appear in CSV exports.
var UnifiedHeaders = []string{
	Header5hUtilization,
	Header5hReset,
	Header5hStatus,
	Header7dUtilization,
	Header7dReset,
	Header7dStatus,
	HeaderFallback,
	HeaderFallbackPercentage,
	HeaderOverageStatus,
}

// quotaHost is the only upstream whose responses carry unified rate-limit
// headers worth recording.
const quotaHost = "api.anthropic.com"

// Snapshot is one observed reading of the unified rate-limit headers.
// Rows are append-only; ID is assigned by the store on insert.
type Snapshot struct {
	ID         int64
	CapturedAt time.Time
	FlowID     string
	RequestID  string

	Status    string
	Remaining int64
	ResetAt   time.Time

	Utilization5h float64
	Status5h      string
	Reset5h       time.Time

	Utilization7d float64
	Status7d      string
	Reset7d       time.Time

	Fallback           string
	FallbackPercentage float64
	OverageStatus      string

	RawHeaders map[string]string
}

// FromRecord extracts a quota snapshot from a completed flow's response
// headers. It returns false when the flow is not Anthropic API traffic or
// carries none of the unified headers.
func FromRecord(rec *flow.Record) (*Snapshot, bool) {
	if rec == nil || !strings.Contains(strings.ToLower(rec.Host), quotaHost) {
		return nil, false
	}
	get := headerGetter(rec.ResponseHeaders)
	if !anyUnifiedHeader(get) {
		return nil, false
	}

	capturedAt := rec.CompletedAt
	if capturedAt.IsZero() {
		capturedAt = time.Now().UTC()
	}

	snap := &Snapshot{
		CapturedAt: capturedAt.UTC(),
		FlowID:     rec.FlowID,
		RequestID:  get(HeaderRequestID),

		Status:    get(HeaderStatus),
		Remaining: parseQuotaInt(get(HeaderRemaining)),
		ResetAt:   parseQuotaTime(get(HeaderReset)),

		Utilization5h: parseQuotaFloat(get(Header5hUtilization)),
		Status5h:      get(Header5hStatus),
		Reset5h:       parseQuotaTime(get(Header5hReset)),

		Utilization7d: parseQuotaFloat(get(Header7dUtilization)),
		Status7d:      get(Header7dStatus),
		Reset7d:       parseQuotaTime(get(Header7dReset)),

		Fallback:           get(HeaderFallback),
		FallbackPercentage: parseQuotaFloat(get(HeaderFallbackPercentage)),
		OverageStatus:      get(HeaderOverageStatus),

		RawHeaders: collectRawHeaders(get),
	}
	return snap, true
}

func headerGetter(pairs []flow.Header) func(string) string {
	return func(name string) string {
		for _, pair := range pairs {
			if strings.EqualFold(pair.Name, name) {
				return strings.TrimSpace(pair.Value)
			}
		}
		return ""
	}
}

func anyUnifiedHeader(get func(string) string) bool {
	if get(HeaderStatus) != "" || get(HeaderRemaining) != "" || get(HeaderReset) != "" {
		return true
	}
	for _, name := range UnifiedHeaders {
		if get(name) != "" {
			return true
		}
	}
	return false
}

func collectRawHeaders(get func(string) string) map[string]string {
	raw := make(map[string]string, len(UnifiedHeaders)+4)
	names := append([]string{HeaderStatus, HeaderRemaining, HeaderReset, HeaderRequestID}, UnifiedHeaders...)
	for _, name := range names {
		if value := get(name); value != "" {
			raw[name] = value
		}
	}
	return raw
}

func parseQuotaFloat(value string) float64 {
	if value == "" {
		return 0
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0
	}
	return parsed
}

func parseQuotaInt(value string) int64 {
	if value == "" {
		return 0
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0
	}
	return parsed
}

// parseQuotaTime accepts both RFC 3339 timestamps and unix epoch seconds;
// the API has shipped both formats for reset headers.
func parseQuotaTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	if parsed, err := time.Parse(time.RFC3339, value); err == nil {
		return parsed.UTC()
	}
	if seconds, err := strconv.ParseInt(value, 10, 64); err == nil && seconds > 0 {
		return time.Unix(seconds, 0).UTC()
	}
	return time.Time{}
}
