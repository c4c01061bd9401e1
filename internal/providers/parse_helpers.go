package providers

import (
	"encoding/json"
	"strings"
)

func parseJSONMap(raw []byte) (map[string]any, bool) {
	value := strings.TrimSpace(string(raw))
	if value == "" {
		return nil, false
	}

	var out map[string]any
	if err := json.Unmarshal([]byte(value), &out); err != nil {
		return nil, false
	}
	return out, true
}

// containsPathSegment reports whether want appears in path on a segment
// boundary. "/v1/complete" must not match "/v1/completions".
func containsPathSegment(path, want string) bool {
	i := strings.Index(path, want)
	if i == -1 {
		return false
	}
	rest := path[i+len(want):]
	return rest == "" || strings.HasPrefix(rest, "/") || strings.HasPrefix(rest, "?")
}

// matchDomainSuffix reports whether host (with optional :port) equals the
// suffix or is one of its subdomains. "misanthropic.com" must not match
// "anthropic.com".
func matchDomainSuffix(host, suffix string) bool {
	if i := strings.LastIndex(host, ":"); i != -1 {
		host = host[:i]
	}

	host = strings.ToLower(host)
	suffix = strings.ToLower(suffix)

	if host == suffix {
		return true
	}
	return strings.HasSuffix(host, "."+suffix)
}

func isEventStream(contentType string) bool {
	return strings.Contains(strings.ToLower(contentType), "text/event-stream")
}

// sseEvents splits an SSE body into (event type, joined data) pairs,
// tolerating a missing trailing blank line.
func sseEvents(body []byte) [][2]string {
	var events [][2]string

	var eventType string
	var dataLines []string
	flush := func() {
		if len(dataLines) > 0 {
			events = append(events, [2]string{eventType, strings.Join(dataLines, "\n")})
		}
		eventType = ""
		dataLines = nil
	}

	for _, line := range strings.Split(string(body), "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			flush()
			continue
		}
		switch {
		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			value := strings.TrimPrefix(line, "data:")
			value = strings.TrimPrefix(value, " ")
			if value == "[DONE]" {
				continue
			}
			dataLines = append(dataLines, value)
		}
	}
	flush()

	return events
}

func firstInt(values map[string]any, keys ...string) int {
	for _, key := range keys {
		raw, ok := values[key]
		if !ok {
			continue
		}
		switch typed := raw.(type) {
		case float64:
			return int(typed)
		case int:
			return typed
		}
	}
	return 0
}

func extractUsage(payload map[string]any) Usage {
	if payload == nil {
		return Usage{}
	}
	usage, ok := payload["usage"].(map[string]any)
	if !ok {
		return Usage{}
	}

	return Usage{
		PromptTokens:        firstInt(usage, "prompt_tokens", "input_tokens"),
		CompletionTokens:    firstInt(usage, "completion_tokens", "output_tokens"),
		CacheReadTokens:     firstInt(usage, "cache_read_input_tokens", "cached_tokens"),
		CacheCreationTokens: firstInt(usage, "cache_creation_input_tokens"),
	}
}

func extractModel(payload map[string]any) string {
	if payload == nil {
		return ""
	}
	model, _ := payload["model"].(string)
	return strings.TrimSpace(model)
}
