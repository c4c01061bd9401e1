package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/flowscribe/flowscribe/internal/config"
)

func TestCaptureBaseURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		host string
		port int
		want string
	}{
		{"", 8701, "http://localhost:8701"},
		{"0.0.0.0", 8701, "http://localhost:8701"},
		{"::", 8701, "http://localhost:8701"},
		{"[::]", 8701, "http://localhost:8701"},
		{"127.0.0.1", 9000, "http://127.0.0.1:9000"},
		{"fe80::1", 9000, "http://[fe80::1]:9000"},
		{"capture.internal", 8701, "http://capture.internal:8701"},
	}
	for _, tc := range cases {
		if got := captureBaseURL(tc.host, tc.port); got != tc.want {
			t.Errorf("captureBaseURL(%q, %d) = %q, want %q", tc.host, tc.port, got, tc.want)
		}
	}
}

func TestOpenAIBasePath(t *testing.T) {
	t.Parallel()

	cases := []struct {
		prefix string
		want   string
	}{
		{"/openai", "/openai/v1"},
		{"/openai/v1", "/openai/v1"},
		{"openai", "/openai/v1"},
		{"/llm/openai/", "/llm/openai/v1"},
		{"/", "/v1"},
	}
	for _, tc := range cases {
		if got := openAIBasePath(tc.prefix); got != tc.want {
			t.Errorf("openAIBasePath(%q) = %q, want %q", tc.prefix, got, tc.want)
		}
	}
}

func TestCaptureShellInitScript(t *testing.T) {
	t.Parallel()

	script, err := captureShellInitScript(config.Default().Proxy)
	if err != nil {
		t.Fatalf("captureShellInitScript: %v", err)
	}
	want := "export ANTHROPIC_BASE_URL=http://localhost:8701/anthropic\n" +
		"export OPENAI_BASE_URL=http://localhost:8701/openai/v1\n"
	if script != want {
		t.Fatalf("script = %q, want %q", script, want)
	}
}

func TestCaptureShellInitScriptRejectsUnknownRoutes(t *testing.T) {
	t.Parallel()

	proxyCfg := config.Default().Proxy
	proxyCfg.Routes = []config.RouteConfig{{Name: "mistral", Prefix: "/mistral", Upstream: "https://api.mistral.ai"}}
	if _, err := captureShellInitScript(proxyCfg); err == nil {
		t.Fatal("expected an error when no route maps to a known SDK variable")
	}
}

func TestCaptureCommandEnv(t *testing.T) {
	t.Parallel()

	environ := []string{
		"PATH=/usr/bin:/bin",
		"OPENAI_BASE_URL=https://api.openai.com/v1",
		"MALFORMED",
	}
	merged, err := captureCommandEnv(environ, config.Default().Proxy)
	if err != nil {
		t.Fatalf("captureCommandEnv: %v", err)
	}

	got := make(map[string]string, len(merged))
	for _, entry := range merged {
		idx := strings.IndexByte(entry, '=')
		if idx <= 0 {
			t.Fatalf("merged env carries malformed entry %q", entry)
		}
		got[entry[:idx]] = entry[idx+1:]
	}
	if got["OPENAI_BASE_URL"] != "http://localhost:8701/openai/v1" {
		t.Errorf("OPENAI_BASE_URL = %q, want the capture route", got["OPENAI_BASE_URL"])
	}
	if got["ANTHROPIC_BASE_URL"] != "http://localhost:8701/anthropic" {
		t.Errorf("ANTHROPIC_BASE_URL = %q, want the capture route", got["ANTHROPIC_BASE_URL"])
	}
	if got["PATH"] != "/usr/bin:/bin" {
		t.Errorf("PATH = %q, want the original value", got["PATH"])
	}
	if _, ok := got["MALFORMED"]; ok {
		t.Error("entries without a key=value shape should be dropped")
	}
}

func TestRunShellInit(t *testing.T) {
	t.Parallel()

	configPath := writeConfigFile(t, "proxy:\n  host: 127.0.0.1\n  port: 9101\n")

	var out, errOut bytes.Buffer
	if code := runShellInit([]string{"--config", configPath}, &out, &errOut); code != 0 {
		t.Fatalf("shell-init exited with %d: %s", code, errOut.String())
	}
	want := "export ANTHROPIC_BASE_URL=http://127.0.0.1:9101/anthropic\n" +
		"export OPENAI_BASE_URL=http://127.0.0.1:9101/openai/v1\n"
	if out.String() != want {
		t.Fatalf("shell-init output = %q, want %q", out.String(), want)
	}
}

func TestRunShellInitRejectsPositionalArguments(t *testing.T) {
	t.Parallel()

	var out, errOut bytes.Buffer
	if code := runShellInit([]string{"bash"}, &out, &errOut); code != 2 {
		t.Fatalf("shell-init exited with %d, want 2", code)
	}
}

func TestRunWrapPropagatesExitCode(t *testing.T) {
	t.Parallel()

	configPath := writeConfigFile(t, "")

	var errOut bytes.Buffer
	code := runWrap([]string{"--config", configPath, "sh", "-c", "exit 7"}, &errOut)
	if code != 7 {
		t.Fatalf("wrap exited with %d, want 7: %s", code, errOut.String())
	}
}

func TestRunWrapInjectsEnvironment(t *testing.T) {
	t.Parallel()

	configPath := writeConfigFile(t, "")
	capturePath := filepath.Join(t.TempDir(), "env.txt")

	script := fmt.Sprintf(`printf '%%s\n%%s\n' "$OPENAI_BASE_URL" "$ANTHROPIC_BASE_URL" > %q`, capturePath)
	var errOut bytes.Buffer
	if code := runWrap([]string{"--config", configPath, "sh", "-c", script}, &errOut); code != 0 {
		t.Fatalf("wrap exited with %d: %s", code, errOut.String())
	}

	data, err := os.ReadFile(capturePath)
	if err != nil {
		t.Fatalf("read captured env: %v", err)
	}
	want := "http://localhost:8701/openai/v1\nhttp://localhost:8701/anthropic\n"
	if string(data) != want {
		t.Fatalf("wrapped env = %q, want %q", data, want)
	}
}

func TestRunWrapRequiresCommand(t *testing.T) {
	t.Parallel()

	configPath := writeConfigFile(t, "")

	var errOut bytes.Buffer
	if code := runWrap([]string{"--config", configPath}, &errOut); code != 2 {
		t.Fatalf("wrap exited with %d, want 2", code)
	}
	if !strings.Contains(errOut.String(), "wrap requires a command") {
		t.Fatalf("stderr = %q, want the usage hint", errOut.String())
	}
}

func TestRunWrappedCommandStartFailure(t *testing.T) {
	t.Parallel()

	missing := filepath.Join(t.TempDir(), "missing-binary")
	var errOut bytes.Buffer
	if code := runWrappedCommand([]string{missing}, nil, &errOut); code != 1 {
		t.Fatalf("wrapped command exited with %d, want 1", code)
	}
	if !strings.Contains(errOut.String(), "failed to start command") {
		t.Fatalf("stderr = %q, want a start failure", errOut.String())
	}
}
