package providers

import "testing"

func TestOpenAIProviderMatches(t *testing.T) {
	t.Parallel()

	provider := OpenAIProvider{}

	tests := []struct {
		name string
		host string
		path string
		want bool
	}{
		{name: "api host", host: "api.openai.com", path: "/v1/chat/completions", want: true},
		{name: "host with port", host: "api.openai.com:443", path: "/v1/embeddings", want: true},
		{name: "proxied chat path", host: "llm-proxy.internal", path: "/openai/v1/chat/completions", want: true},
		{name: "responses path", host: "gateway.corp", path: "/v1/responses", want: true},
		{name: "unrelated traffic", host: "example.com", path: "/index.html", want: false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if got := provider.Matches(tt.host, tt.path, "application/json"); got != tt.want {
				t.Fatalf("Matches(%q, %q)=%v, want %v", tt.host, tt.path, got, tt.want)
			}
		})
	}
}

func TestOpenAIProviderParseResponseJSON(t *testing.T) {
	t.Parallel()

	provider := OpenAIProvider{}

	tests := []struct {
		name      string
		body      string
		wantModel string
		wantUsage Usage
	}{
		{
			name:      "parses standard usage fields",
			body:      `{"model":"gpt-4o-mini","usage":{"prompt_tokens":11,"completion_tokens":7,"total_tokens":18}}`,
			wantModel: "gpt-4o-mini",
			wantUsage: Usage{PromptTokens: 11, CompletionTokens: 7},
		},
		{
			name:      "parses responses-api aliases",
			body:      `{"model":"gpt-4o","usage":{"input_tokens":5,"output_tokens":3}}`,
			wantModel: "gpt-4o",
			wantUsage: Usage{PromptTokens: 5, CompletionTokens: 3},
		},
		{
			name:      "parses cached prompt tokens",
			body:      `{"model":"gpt-4o","usage":{"prompt_tokens":100,"completion_tokens":9,"cached_tokens":64}}`,
			wantModel: "gpt-4o",
			wantUsage: Usage{PromptTokens: 100, CompletionTokens: 9, CacheReadTokens: 64},
		},
		{
			name:      "tolerates malformed body",
			body:      `{"usage":`,
			wantModel: "",
			wantUsage: Usage{},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			completion, err := provider.ParseResponse("application/json", []byte(tt.body))
			if err != nil {
				t.Fatalf("ParseResponse() error: %v", err)
			}
			if completion == nil {
				t.Fatal("ParseResponse() returned nil completion")
			}
			if completion.Model != tt.wantModel {
				t.Fatalf("model=%q, want %q", completion.Model, tt.wantModel)
			}
			if completion.Usage != tt.wantUsage {
				t.Fatalf("usage=%+v, want %+v", completion.Usage, tt.wantUsage)
			}
		})
	}
}

func TestOpenAIProviderParseResponseStream(t *testing.T) {
	t.Parallel()

	provider := OpenAIProvider{}
	body := "data: {\"model\":\"gpt-4o-mini\",\"choices\":[{\"delta\":{\"content\":\"He\"}}]}\n" +
		"\n" +
		"data: {\"model\":\"gpt-4o-mini\",\"choices\":[{\"delta\":{\"content\":\"llo\"}}]}\n" +
		"\n" +
		"data: {\"model\":\"gpt-4o-mini\",\"choices\":[],\"usage\":{\"prompt_tokens\":21,\"completion_tokens\":2}}\n" +
		"\n" +
		"data: [DONE]\n" +
		"\n"

	completion, err := provider.ParseResponse("text/event-stream", []byte(body))
	if err != nil {
		t.Fatalf("ParseResponse() error: %v", err)
	}
	if completion.Model != "gpt-4o-mini" {
		t.Fatalf("model=%q, want %q", completion.Model, "gpt-4o-mini")
	}

	want := Usage{PromptTokens: 21, CompletionTokens: 2}
	if completion.Usage != want {
		t.Fatalf("usage=%+v, want %+v", completion.Usage, want)
	}
}

func TestOpenAIProviderName(t *testing.T) {
	t.Parallel()

	provider := OpenAIProvider{}
	if provider.Name() != "openai" {
		t.Fatalf("Name()=%q, want %q", provider.Name(), "openai")
	}
}
