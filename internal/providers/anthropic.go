package providers

// AnthropicProvider classifies and parses Anthropic Messages API traffic,
// in both JSON and streaming (SSE) response forms.
type AnthropicProvider struct{}

func (AnthropicProvider) Name() string {
	return "anthropic"
}

func (AnthropicProvider) Matches(host, path, contentType string) bool {
	if matchDomainSuffix(host, "anthropic.com") || matchDomainSuffix(host, "claude.ai") {
		return true
	}
	// Proxied deployments keep the API shape but not the host.
	return containsPathSegment(path, "/v1/messages") || containsPathSegment(path, "/v1/complete")
}

// ParseResponse extracts the model and token usage from an Anthropic
// response body. Streaming responses carry usage across two events:
// message_start holds the model and the input-side counts, message_delta
// the final output count.
func (AnthropicProvider) ParseResponse(contentType string, body []byte) (*Completion, error) {
	if isEventStream(contentType) {
		return parseAnthropicStream(body), nil
	}

	payload, ok := parseJSONMap(body)
	if !ok {
		return &Completion{}, nil
	}
	return &Completion{
		Model: extractModel(payload),
		Usage: extractUsage(payload),
	}, nil
}

func parseAnthropicStream(body []byte) *Completion {
	completion := &Completion{}

	for _, event := range sseEvents(body) {
		payload, ok := parseJSONMap([]byte(event[1]))
		if !ok {
			continue
		}
		eventType := event[0]
		if eventType == "" {
			eventType, _ = payload["type"].(string)
		}

		switch eventType {
		case "message_start":
			message, ok := payload["message"].(map[string]any)
			if !ok {
				continue
			}
			completion.Model = extractModel(message)
			if usage, ok := message["usage"].(map[string]any); ok {
				completion.Usage.PromptTokens = firstInt(usage, "input_tokens")
				completion.Usage.CacheReadTokens = firstInt(usage, "cache_read_input_tokens")
				completion.Usage.CacheCreationTokens = firstInt(usage, "cache_creation_input_tokens")
			}
		case "message_delta":
			if usage, ok := payload["usage"].(map[string]any); ok {
				completion.Usage.CompletionTokens = firstInt(usage, "output_tokens")
			}
		}
	}

	return completion
}
