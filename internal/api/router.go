// Package api serves the read-only dashboard endpoints over the flow
// store. Handlers are plain constructors on the stdlib mux; the proxy
// data path never routes through this package.
package api

import (
	"bytes"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/flowscribe/flowscribe/internal/analytics"
	"github.com/flowscribe/flowscribe/internal/store"
)

type RouterOptions struct {
	AppVersion    string
	Store         store.FlowStore
	Analytics     *analytics.Service
	StorageDriver string
	StoragePath   string

	// AuthToken guards /api/ routes with a constant-time bearer check
	// when non-empty. /healthz stays open for probes and the live feed
	// handler runs its own token logic.
	AuthToken string

	LiveHandler http.Handler
	Diagnostics func() Diagnostics
}

func NewRouter(options RouterOptions) http.Handler {
	startedAt := time.Now().UTC()
	mux := http.NewServeMux()

	mux.Handle("/healthz", HealthHandler(HealthOptions{
		Version:       options.AppVersion,
		StartedAt:     startedAt,
		StorageDriver: options.StorageDriver,
		StoragePath:   options.StoragePath,
		Store:         options.Store,
	}))
	mux.Handle("/api/flows", FlowsHandler(options.Store))
	mux.Handle("/api/flows/", FlowDetailHandler(options.Store))
	mux.Handle("/api/usage/summary", UsageSummaryHandler(options.Analytics))
	mux.Handle("/api/usage/series", UsageSeriesHandler(options.Analytics))
	mux.Handle("/api/quota/latest", QuotaLatestHandler(options.Store))
	mux.Handle("/api/quota/series", QuotaSeriesHandler(options.Store))
	mux.Handle("/api/quota/export", QuotaExportHandler(options.Store))
	mux.Handle("/api/quota/projection", QuotaProjectionHandler(options.Analytics))
	mux.Handle("/api/diagnostics", DiagnosticsHandler(options.Diagnostics))
	if options.LiveHandler != nil {
		mux.Handle("/livefeed", options.LiveHandler)
	}
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"name":    "flowscribe",
			"version": options.AppVersion,
			"status":  "ok",
		})
	})

	return withCORS(withAuth(mux, options.AuthToken))
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	var body bytes.Buffer
	if err := json.NewEncoder(&body).Encode(payload); err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("{\"error\":\"internal server error\"}\n"))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body.Bytes())
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}

func requireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method == method {
		return true
	}
	w.Header().Set("Allow", method+", OPTIONS")
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	return false
}

// withAuth rejects /api/ requests that do not present the configured
// bearer token. Everything outside /api/ passes through untouched.
func withAuth(next http.Handler, token string) http.Handler {
	expected := []byte(strings.TrimSpace(token))
	if len(expected) == 0 {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/api/") {
			next.ServeHTTP(w, r)
			return
		}

		presented := bearerToken(r.Header.Get("Authorization"))
		if subtle.ConstantTimeCompare([]byte(presented), expected) != 1 {
			writeError(w, http.StatusUnauthorized, "missing or invalid bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
