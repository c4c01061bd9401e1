// Package providers classifies intercepted traffic as LLM API calls and
// extracts model and token-usage fields from provider payloads. Parsing
// is pure CPU over already-captured bytes; nothing here touches the
// network.
package providers

type Usage struct {
	PromptTokens        int
	CompletionTokens    int
	CacheReadTokens     int
	CacheCreationTokens int
}

// Completion carries the fields extracted from one LLM response body,
// streaming or not. Zero values mean the payload did not expose them.
type Completion struct {
	Model string
	Usage Usage
}

type Provider interface {
	Name() string
	// Matches reports whether a request to host/path looks like this
	// provider's API. The classification is a heuristic over host
	// suffixes, path shapes, and content type; it runs once per flow.
	Matches(host, path, contentType string) bool
	// ParseResponse extracts completion fields from a response body.
	// Unparseable payloads yield an empty Completion, not an error:
	// extraction failures must never fail the flow.
	ParseResponse(contentType string, body []byte) (*Completion, error)
}
