package providers

import "unicode/utf8"

// RequestModel reads the model named in an LLM request body. Both OpenAI
// and Anthropic carry it as a top-level "model" field.
func RequestModel(body []byte) string {
	payload, ok := parseJSONMap(body)
	if !ok {
		return ""
	}
	return extractModel(payload)
}

// RequestStream reports whether the request asked for a streamed
// response. Both OpenAI and Anthropic carry it as a top-level bool.
func RequestStream(body []byte) bool {
	payload, ok := parseJSONMap(body)
	if !ok {
		return false
	}
	stream, _ := payload["stream"].(bool)
	return stream
}

// PromptPreview returns the leading runes of the newest user message in an
// LLM request body, for operator-facing listings. It never returns more
// than limit bytes and never splits a rune.
func PromptPreview(body []byte, limit int) string {
	payload, ok := parseJSONMap(body)
	if !ok || limit <= 0 {
		return ""
	}

	text := lastUserMessage(payload)
	if text == "" {
		// Legacy completions carry a bare prompt string.
		text, _ = payload["prompt"].(string)
	}
	return truncateRunes(text, limit)
}

func lastUserMessage(payload map[string]any) string {
	messages, ok := payload["messages"].([]any)
	if !ok {
		return ""
	}

	for i := len(messages) - 1; i >= 0; i-- {
		message, ok := messages[i].(map[string]any)
		if !ok {
			continue
		}
		if role, _ := message["role"].(string); role != "user" {
			continue
		}
		return messageText(message["content"])
	}
	return ""
}

// messageText flattens a message content field, which is either a plain
// string or a list of typed blocks.
func messageText(content any) string {
	switch typed := content.(type) {
	case string:
		return typed
	case []any:
		for _, block := range typed {
			blockMap, ok := block.(map[string]any)
			if !ok {
				continue
			}
			if blockType, _ := blockMap["type"].(string); blockType != "" && blockType != "text" {
				continue
			}
			if text, _ := blockMap["text"].(string); text != "" {
				return text
			}
		}
	}
	return ""
}

func truncateRunes(text string, limit int) string {
	if len(text) <= limit {
		return text
	}
	for limit > 0 && !utf8.RuneStart(text[limit]) {
		limit--
	}
	return text[:limit]
}
