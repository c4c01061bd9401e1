package flow

import "strings"

const redactedValue = "[REDACTED]"

// Credential-bearing header names. Values under these names never
// survive into a record; everything else passes through unchanged so
// provider metadata (rate-limit headers, request ids) stays queryable.
var sensitiveHeaders = map[string]struct{}{
	"authorization":       {},
	"proxy-authorization": {},
	"x-api-key":           {},
	"api-key":             {},
	"x-auth-token":        {},
	"x-goog-api-key":      {},
	"cookie":              {},
	"set-cookie":          {},
}

// RedactHeaders lowercases header names and blanks credential values.
// Ordering and repeated names survive; the input is never mutated.
func RedactHeaders(headers []Header) []Header {
	if len(headers) == 0 {
		return nil
	}
	out := make([]Header, len(headers))
	for i, h := range headers {
		name := strings.ToLower(strings.TrimSpace(h.Name))
		value := h.Value
		if _, sensitive := sensitiveHeaders[name]; sensitive {
			value = redactedValue
		}
		out[i] = Header{Name: name, Value: value}
	}
	return out
}

// headerValue returns the first value for name, matching case
// insensitively against unnormalized event headers.
func headerValue(headers []Header, name string) string {
	for _, h := range headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}
