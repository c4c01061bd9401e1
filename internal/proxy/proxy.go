// Package proxy is the bundled capture adapter: a prefix-routed reverse
// proxy whose per-route middleware observes each exchange and feeds the
// pipeline's lifecycle interface. Interception stays at this boundary;
// nothing downstream knows it is behind a reverse proxy.
package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/flowscribe/flowscribe/internal/flow"
	"github.com/flowscribe/flowscribe/internal/pathutil"
)

// Route maps a local path prefix to an upstream provider base URL. Name
// labels the route in logs and metrics.
type Route struct {
	Name     string
	Prefix   string
	Upstream string
}

type Router struct {
	routes []Route
}

// HandlerOptions carries the optional collaborators for a capture
// handler. Events receives flow lifecycle events; OnExchange fires once
// per proxied exchange with the route name, final status, and duration.
type HandlerOptions struct {
	Transport       http.RoundTripper
	Events          flow.Events
	CaptureMaxBytes int
	OnExchange      func(route string, statusCode int, duration time.Duration)
}

func NewRouter(routes []Route) *Router {
	normalized := make([]Route, 0, len(routes))
	for _, route := range routes {
		prefix := pathutil.NormalizePrefix(route.Prefix)
		name := strings.TrimSpace(route.Name)
		if name == "" {
			name = strings.TrimPrefix(prefix, "/")
		}
		normalized = append(normalized, Route{
			Name:     name,
			Prefix:   prefix,
			Upstream: route.Upstream,
		})
	}
	return &Router{routes: normalized}
}

func NewHandler(routes []Route, logger *slog.Logger, next http.Handler) (http.Handler, error) {
	return NewHandlerWithOptions(routes, logger, next, HandlerOptions{})
}

func NewHandlerWithOptions(routes []Route, logger *slog.Logger, next http.Handler, options HandlerOptions) (http.Handler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if next == nil {
		next = http.NotFoundHandler()
	}

	router := NewRouter(routes)
	proxies := make(map[string]http.Handler, len(router.routes))
	for _, route := range router.routes {
		target, err := parseUpstream(route)
		if err != nil {
			return nil, err
		}
		handler := buildProxyHandler(route, target, logger, options.Transport)
		proxies[route.Prefix] = captureMiddleware(route, target.Host, options, handler)
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route, ok := router.Match(r.URL.Path)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}
		proxies[route.Prefix].ServeHTTP(w, r)
	}), nil
}

func DefaultRoutes() []Route {
	return []Route{
		{Name: "openai", Prefix: "/openai", Upstream: "https://api.openai.com"},
		{Name: "anthropic", Prefix: "/anthropic", Upstream: "https://api.anthropic.com"},
	}
}

func (r *Router) Match(path string) (Route, bool) {
	for _, route := range r.routes {
		if pathutil.HasPathPrefix(path, route.Prefix) {
			return route, true
		}
	}

	return Route{}, false
}

func parseUpstream(route Route) (*url.URL, error) {
	target, err := url.Parse(route.Upstream)
	if err != nil {
		return nil, fmt.Errorf("parse upstream for %q: %w", route.Prefix, err)
	}
	if target.Scheme == "" || target.Host == "" {
		return nil, fmt.Errorf("invalid upstream for %q: %q", route.Prefix, route.Upstream)
	}
	return target, nil
}

func buildProxyHandler(route Route, target *url.URL, logger *slog.Logger, transport http.RoundTripper) http.Handler {
	prefix := route.Prefix
	proxy := httputil.NewSingleHostReverseProxy(target)
	if transport != nil {
		proxy.Transport = transport
	}
	baseDirector := proxy.Director
	proxy.Director = func(req *http.Request) {
		req.URL.Path = pathutil.StripPathPrefix(req.URL.Path, prefix)
		baseDirector(req)
		req.Host = target.Host
	}
	proxy.ErrorHandler = func(w http.ResponseWriter, req *http.Request, proxyErr error) {
		if holder := upstreamErrorFrom(req.Context()); holder != nil {
			holder.err = proxyErr
		}
		logger.Error("proxy request failed", "route", route.Name, "path", req.URL.Path, "error", proxyErr)
		http.Error(w, "upstream request failed", http.StatusBadGateway)
	}

	return proxy
}

// upstreamError rides the request context so the reverse proxy's
// ErrorHandler can report round-trip failures back to the capture
// middleware on the same goroutine.
type upstreamError struct {
	err error
}

type upstreamErrorKey struct{}

func withUpstreamError(ctx context.Context, holder *upstreamError) context.Context {
	return context.WithValue(ctx, upstreamErrorKey{}, holder)
}

func upstreamErrorFrom(ctx context.Context) *upstreamError {
	holder, _ := ctx.Value(upstreamErrorKey{}).(*upstreamError)
	return holder
}
