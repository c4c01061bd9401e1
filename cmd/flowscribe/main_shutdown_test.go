package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/flowscribe/flowscribe/internal/flow"
	"github.com/flowscribe/flowscribe/internal/store"
)

func freeTCPPort(t *testing.T) int {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	defer listener.Close()
	return listener.Addr().(*net.TCPAddr).Port
}

// waitForHTTPStatus polls until the URL answers with the wanted status.
// Any response at all proves the listener is up; the status pin catches
// handlers wired to the wrong server.
func waitForHTTPStatus(t *testing.T, url string, want int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == want {
				return
			}
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatalf("%s did not answer %d within 5s", url, want)
}

// Serve must capture an exchange end to end and drain it to storage
// before exiting. The shutdown signal is injected through the notify
// seam instead of a real SIGTERM.
func TestServeCapturesAndDrainsOnShutdown(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"chatcmpl-1","model":"gpt-4o","usage":{"prompt_tokens":3,"completion_tokens":5,"total_tokens":8}}`)
	}))
	defer upstream.Close()

	dir := t.TempDir()
	dbPath := filepath.Join(dir, "flows.db")
	apiPort := freeTCPPort(t)
	proxyPort := freeTCPPort(t)

	configPath := filepath.Join(dir, "flowscribe.yaml")
	configYAML := fmt.Sprintf(`server:
  host: 127.0.0.1
  port: %d
proxy:
  host: 127.0.0.1
  port: %d
  routes:
    - name: openai
      prefix: /openai
      upstream: %q
storage:
  driver: sqlite
  path: %q
logging:
  level: error
  format: json
`, apiPort, proxyPort, upstream.URL, dbPath)
	if err := os.WriteFile(configPath, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	savedNotify := signalNotifyContext
	t.Cleanup(func() { signalNotifyContext = savedNotify })
	shutdownCtx, triggerShutdown := context.WithCancel(context.Background())
	signalNotifyContext = func(parent context.Context, signals ...os.Signal) (context.Context, context.CancelFunc) {
		return shutdownCtx, func() {}
	}

	exitCh := make(chan int, 1)
	go func() {
		exitCh <- run([]string{"serve", "--config", configPath})
	}()

	apiBase := fmt.Sprintf("http://127.0.0.1:%d", apiPort)
	proxyBase := fmt.Sprintf("http://127.0.0.1:%d", proxyPort)
	waitForHTTPStatus(t, apiBase+"/healthz", http.StatusOK)
	waitForHTTPStatus(t, proxyBase+"/unrouted", http.StatusNotFound)

	resp, err := http.Post(proxyBase+"/openai/v1/chat/completions", "application/json",
		strings.NewReader(`{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`))
	if err != nil {
		t.Fatalf("post through capture proxy: %v", err)
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("read proxied response: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("proxied status = %d, want 200", resp.StatusCode)
	}
	if !strings.Contains(string(body), "chatcmpl-1") {
		t.Fatalf("proxied body = %q, want the upstream payload", body)
	}

	triggerShutdown()

	select {
	case code := <-exitCh:
		if code != 0 {
			t.Fatalf("serve exited with %d, want 0", code)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not exit after the shutdown signal")
	}

	st, err := store.NewSQLiteStore(dbPath, store.DefaultRetryPolicy())
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer st.Close()

	page, err := st.QueryFlows(context.Background(), store.FlowFilter{Limit: 10})
	if err != nil {
		t.Fatalf("query flows: %v", err)
	}
	if len(page.Items) != 1 {
		t.Fatalf("persisted %d flows, want 1", len(page.Items))
	}
	rec := page.Items[0].Flow
	if rec.State != flow.StateComplete {
		t.Fatalf("flow state = %q, want %q", rec.State, flow.StateComplete)
	}
	if rec.Method != http.MethodPost || rec.StatusCode != http.StatusOK {
		t.Fatalf("flow = %s %d, want POST 200", rec.Method, rec.StatusCode)
	}
	if rec.Path != "/v1/chat/completions" {
		t.Fatalf("flow path = %q, want /v1/chat/completions", rec.Path)
	}
	if rec.ResponseBodyDigest == "" {
		t.Fatal("flow is missing its response digest")
	}

	// The chat-completions shape classifies the flow, so the drain must
	// also have landed a span with the upstream's usage counts.
	span := page.Items[0].Span
	if span == nil {
		t.Fatal("flow persisted without its llm span")
	}
	if span.Model != "gpt-4o" {
		t.Fatalf("span model = %q, want gpt-4o", span.Model)
	}
	if span.PromptTokens != 3 || span.CompletionTokens != 5 {
		t.Fatalf("span tokens = %d/%d, want 3/5", span.PromptTokens, span.CompletionTokens)
	}
}

// A port conflict on either listener must surface as a runtime failure,
// not a hang.
func TestServeReportsListenerFailure(t *testing.T) {
	blocker, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("occupy port: %v", err)
	}
	defer blocker.Close()
	blockedPort := blocker.Addr().(*net.TCPAddr).Port

	dir := t.TempDir()
	configPath := filepath.Join(dir, "flowscribe.yaml")
	configYAML := fmt.Sprintf(`server:
  host: 127.0.0.1
  port: %d
proxy:
  host: 127.0.0.1
  port: %d
storage:
  driver: sqlite
  path: %q
logging:
  level: error
  format: json
`, blockedPort, freeTCPPort(t), filepath.Join(dir, "flows.db"))
	if err := os.WriteFile(configPath, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	exitCh := make(chan int, 1)
	go func() {
		exitCh <- run([]string{"serve", "--config", configPath})
	}()

	select {
	case code := <-exitCh:
		if code != 1 {
			t.Fatalf("serve exited with %d, want 1", code)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not exit after the listener failure")
	}
}
