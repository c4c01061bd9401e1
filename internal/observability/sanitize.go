package observability

import (
	"regexp"
	"strings"
)

const credentialRedacted = "[CREDENTIAL_REDACTED]"

// Credential shapes that must never leave the process in telemetry.
// The proxy sits between SDKs and providers, so provider key formats
// dominate; DSN and header secrets round it out.
var (
	// Prefixed API keys with either separator: sk-ant-... (Anthropic),
	// sk-proj-... (OpenAI), sk_live_... (Stripe-style), plus the usual
	// pk/rk/xox/gh/pat families.
	reKeyPrefix = regexp.MustCompile(`(?i)\b(?:sk|pk|rk|xox[baprs]|gh[pousr]|pat)[_-][a-z0-9_-]{8,}\b`)
	// Three dot-separated base64url segments starting with eyJ.
	reJWT = regexp.MustCompile(`(?i)eyj[a-z0-9_-]{8,}\.[a-z0-9_-]{8,}\.[a-z0-9_-]{8,}`)
	// Authorization header values that leaked into a string.
	reBearer = regexp.MustCompile(`(?i)\bBearer\s+[a-z0-9_.\-/+=]{8,}\b`)
	// password=..., secret=..., token=... inside DSNs and error text.
	reAssignedSecret = regexp.MustCompile(`(?i)\b(?:password|secret|token)\s*=\s*\S{4,}`)
)

var credentialPatterns = []*regexp.Regexp{reKeyPrefix, reJWT, reBearer, reAssignedSecret}

// ContainsCredential reports whether s matches any known credential
// shape. Strings shorter than 8 bytes cannot match any pattern.
func ContainsCredential(s string) bool {
	if len(s) < 8 {
		return false
	}
	for _, p := range credentialPatterns {
		if p.MatchString(s) {
			return true
		}
	}
	return false
}

// ScrubCredentials replaces every detected credential in s with
// [CREDENTIAL_REDACTED]. Clean strings come back as-is without
// allocating.
func ScrubCredentials(s string) string {
	if !ContainsCredential(s) {
		return s
	}
	out := s
	for _, p := range credentialPatterns {
		out = p.ReplaceAllString(out, credentialRedacted)
	}
	return strings.TrimSpace(out)
}
