package providers

// OpenAIProvider classifies and parses OpenAI chat-completions and
// responses-API traffic.
type OpenAIProvider struct{}

func (OpenAIProvider) Name() string {
	return "openai"
}

func (OpenAIProvider) Matches(host, path, contentType string) bool {
	if matchDomainSuffix(host, "openai.com") {
		return true
	}
	return containsPathSegment(path, "/chat/completions") || containsPathSegment(path, "/v1/responses")
}

// ParseResponse extracts the model and token usage from an OpenAI response
// body. Streams report usage in a final chunk (stream_options
// include_usage); earlier chunks carry a null usage we skip over.
func (OpenAIProvider) ParseResponse(contentType string, body []byte) (*Completion, error) {
	if isEventStream(contentType) {
		return parseOpenAIStream(body), nil
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

func parseOpenAIStream(body []byte) *Completion {
	completion := &Completion{}

	for _, event := range sseEvents(body) {
		payload, ok := parseJSONMap([]byte(event[1]))
		if !ok {
			continue
		}
		if model := extractModel(payload); model != "" {
			completion.Model = model
		}
		if usage := extractUsage(payload); usage != (Usage{}) {
			completion.Usage = usage
		}
	}

	return completion
}
