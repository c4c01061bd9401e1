// Package correlation propagates a per-request identifier across the
// capture proxy, the flow pipeline, and telemetry, so a single request
// can be followed through all three.
package correlation

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// HeaderName is the canonical correlation header. Well-known request-id
// headers are accepted on ingress; this one is always echoed back.
const HeaderName = "X-Flowscribe-Correlation-ID"

// maxIDLen bounds caller-supplied identifiers before they reach logs
// and span attributes.
const maxIDLen = 128

type ctxKey struct{}

// inboundHeaders lists accepted identifier headers in priority order.
var inboundHeaders = []string{
	HeaderName,
	"X-Request-ID",
	"X-Request-Id",
	"X-Correlation-ID",
	"X-Correlation-Id",
}

// EnsureRequest returns req carrying a correlation identifier in both
// its context and its headers, minting one when the caller supplied
// nothing usable.
func EnsureRequest(req *http.Request) (*http.Request, string) {
	if req == nil {
		return nil, ""
	}
	id, ok := FromContext(req.Context())
	if !ok {
		if id = FromHeaders(req.Header); id == "" {
			id = NewID()
		}
		req = req.WithContext(WithContext(req.Context(), id))
	}
	if req.Header == nil {
		req.Header = make(http.Header)
	}
	req.Header.Set(HeaderName, id)
	return req, id
}

// WithContext stores a sanitized identifier in ctx. Identifiers that do
// not survive sanitizing leave ctx unchanged.
func WithContext(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	id = sanitizeID(id)
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext extracts the identifier stored by WithContext, reporting
// whether a usable one was present.
func FromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	raw, ok := ctx.Value(ctxKey{}).(string)
	if !ok {
		return "", false
	}
	if id := sanitizeID(raw); id != "" {
		return id, true
	}
	return "", false
}

// FromHeaders returns the first usable identifier among the accepted
// inbound headers.
func FromHeaders(headers http.Header) string {
	if headers == nil {
		return ""
	}
	for _, name := range inboundHeaders {
		if id := sanitizeID(headers.Get(name)); id != "" {
			return id
		}
	}
	return ""
}

// NewID mints a fresh identifier.
func NewID() string {
	id, err := uuid.NewRandom()
	if err != nil {
		return fmt.Sprintf("corr-%d", time.Now().UnixNano())
	}
	return "corr-" + id.String()
}

// sanitizeID trims, truncates to maxIDLen, and rejects identifiers
// carrying characters outside [A-Za-z0-9._:-].
func sanitizeID(raw string) string {
	id := strings.TrimSpace(raw)
	if id == "" {
		return ""
	}
	if len(id) > maxIDLen {
		id = id[:maxIDLen]
	}
	if strings.IndexFunc(id, isDisallowedIDRune) >= 0 {
		return ""
	}
	return id
}

func isDisallowedIDRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return false
	case r == '-', r == '_', r == '.', r == ':':
		return false
	}
	return true
}
