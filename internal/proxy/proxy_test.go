package proxy

import (
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/flowscribe/flowscribe/internal/pathutil"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// taggingTransport stamps a header on every round trip so tests can
// prove the configured transport carried the request.
type taggingTransport struct {
	calls atomic.Int64
}

func (tr *taggingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	tr.calls.Add(1)
	tagged := req.Clone(req.Context())
	tagged.Header.Set("X-Via-Transport", "tagged")
	return http.DefaultTransport.RoundTrip(tagged)
}

func TestRouterMatch(t *testing.T) {
	t.Parallel()

	router := NewRouter(DefaultRoutes())

	tests := []struct {
		path     string
		wantName string
		wantOK   bool
	}{
		{path: "/openai", wantName: "openai", wantOK: true},
		{path: "/openai/v1/chat/completions", wantName: "openai", wantOK: true},
		{path: "/openaiish", wantOK: false},
		{path: "/anthropic", wantName: "anthropic", wantOK: true},
		{path: "/anthropic/v1/messages", wantName: "anthropic", wantOK: true},
		{path: "/anthropicized", wantOK: false},
		{path: "/v1/chat/completions", wantOK: false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.path, func(t *testing.T) {
			t.Parallel()
			route, ok := router.Match(tt.path)
			if ok != tt.wantOK {
				t.Fatalf("Match(%q) ok=%t, want %t", tt.path, ok, tt.wantOK)
			}
			if ok && route.Name != tt.wantName {
				t.Fatalf("Match(%q) route=%q, want %q", tt.path, route.Name, tt.wantName)
			}
		})
	}
}

func TestRouterDefaultsRouteNameFromPrefix(t *testing.T) {
	t.Parallel()

	router := NewRouter([]Route{{Prefix: "ollama/", Upstream: "http://127.0.0.1:11434"}})

	route, ok := router.Match("/ollama/api/chat")
	if !ok {
		t.Fatal("expected /ollama route to match")
	}
	if route.Name != "ollama" {
		t.Fatalf("route name=%q, want ollama", route.Name)
	}
	if route.Prefix != "/ollama" {
		t.Fatalf("route prefix=%q, want /ollama", route.Prefix)
	}
}

func TestHandlerProxiesAndStripsPrefix(t *testing.T) {
	t.Parallel()

	type seen struct {
		method string
		path   string
		query  string
		host   string
		body   string
	}
	var upstream seen

	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.Errorf("read body: %v", err)
		}
		upstream = seen{
			method: r.Method,
			path:   r.URL.Path,
			query:  r.URL.RawQuery,
			host:   r.Host,
			body:   string(body),
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer backend.Close()

	fallbackHit := false
	fallback := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fallbackHit = true
		w.WriteHeader(http.StatusNoContent)
	})

	handler, err := NewHandler([]Route{{Prefix: "/openai", Upstream: backend.URL}}, quietLogger(), fallback)
	if err != nil {
		t.Fatalf("NewHandler error: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/openai/v1/chat/completions?stream=true", strings.NewReader(`{"model":"gpt-4o-mini"}`))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status code %d, want %d", rec.Code, http.StatusCreated)
	}
	if fallbackHit {
		t.Fatal("fallback must not run for a routed path")
	}
	want := seen{
		method: http.MethodPost,
		path:   "/v1/chat/completions",
		query:  "stream=true",
		host:   strings.TrimPrefix(backend.URL, "http://"),
		body:   `{"model":"gpt-4o-mini"}`,
	}
	if upstream != want {
		t.Fatalf("upstream saw %+v, want %+v", upstream, want)
	}
}

func TestHandlerFallsBackWhenNoRouteMatches(t *testing.T) {
	t.Parallel()

	fallback := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	handler, err := NewHandler(DefaultRoutes(), quietLogger(), fallback)
	if err != nil {
		t.Fatalf("NewHandler error: %v", err)
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status code %d, want %d", rec.Code, http.StatusNoContent)
	}
}

func TestNewHandlerRejectsBadUpstreams(t *testing.T) {
	t.Parallel()

	for _, upstream := range []string{"://missing-scheme", "api.openai.com"} {
		if _, err := NewHandler([]Route{{Prefix: "/openai", Upstream: upstream}}, quietLogger(), nil); err == nil {
			t.Errorf("NewHandler accepted upstream %q, want error", upstream)
		}
	}
}

func assertBadGateway(t *testing.T, handler http.Handler, path string) {
	t.Helper()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status code %d, want %d", rec.Code, http.StatusBadGateway)
	}
	if !strings.Contains(rec.Body.String(), "upstream request failed") {
		t.Fatalf("body=%q, want upstream request failed", rec.Body.String())
	}
}

func TestHandlerReturnsBadGatewayWhenUpstreamUnavailable(t *testing.T) {
	t.Parallel()

	// Grab a port nothing listens on anymore.
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := listener.Addr().String()
	_ = listener.Close()

	handler, err := NewHandler([]Route{{Prefix: "/openai", Upstream: "http://" + addr}}, quietLogger(), nil)
	if err != nil {
		t.Fatalf("NewHandler error: %v", err)
	}
	assertBadGateway(t, handler, "/openai/v1/models")
}

func TestHandlerReturnsBadGatewayWhenUpstreamConnectionDrops(t *testing.T) {
	t.Parallel()

	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hijacker, ok := w.(http.Hijacker)
		if !ok {
			t.Error("response writer does not support hijacking")
			return
		}
		conn, _, err := hijacker.Hijack()
		if err != nil {
			t.Errorf("hijack connection: %v", err)
			return
		}
		_ = conn.Close()
	}))
	defer backend.Close()

	handler, err := NewHandler([]Route{{Prefix: "/openai", Upstream: backend.URL}}, quietLogger(), nil)
	if err != nil {
		t.Fatalf("NewHandler error: %v", err)
	}
	assertBadGateway(t, handler, "/openai/v1/models")
}

func TestHandlerUsesConfiguredTransport(t *testing.T) {
	t.Parallel()

	var viaTransport string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		viaTransport = r.Header.Get("X-Via-Transport")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer backend.Close()

	transport := &taggingTransport{}
	handler, err := NewHandlerWithOptions([]Route{{Prefix: "/openai", Upstream: backend.URL}}, quietLogger(), nil, HandlerOptions{
		Transport: transport,
	})
	if err != nil {
		t.Fatalf("NewHandlerWithOptions error: %v", err)
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/openai/v1/models", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status code %d, want %d", rec.Code, http.StatusOK)
	}
	if viaTransport != "tagged" {
		t.Fatalf("X-Via-Transport=%q, want tagged", viaTransport)
	}
	if transport.calls.Load() == 0 {
		t.Fatal("expected the configured transport to carry the request")
	}
}

func TestStripPathPrefix(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		path   string
		prefix string
		want   string
	}{
		{name: "exact prefix returns root", path: "/anthropic", prefix: "/anthropic", want: "/"},
		{name: "strips nested path", path: "/anthropic/v1/messages", prefix: "/anthropic", want: "/v1/messages"},
		{name: "segment boundary respected", path: "/anthropicized/v1", prefix: "/anthropic", want: "/anthropicized/v1"},
		{name: "unnormalized prefix", path: "/openai/v1", prefix: "openai", want: "/v1"},
		{name: "root prefix keeps path", path: "/openai/v1", prefix: "/", want: "/openai/v1"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := pathutil.StripPathPrefix(tt.path, tt.prefix); got != tt.want {
				t.Fatalf("StripPathPrefix(%q, %q)=%q, want %q", tt.path, tt.prefix, got, tt.want)
			}
		})
	}
}
