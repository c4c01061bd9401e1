package api

import (
	"net/http"
	"time"

	"github.com/flowscribe/flowscribe/internal/buffer"
	"github.com/flowscribe/flowscribe/internal/cache"
	"github.com/flowscribe/flowscribe/internal/dispatch"
	"github.com/flowscribe/flowscribe/internal/export"
	"github.com/flowscribe/flowscribe/internal/flow"
	"github.com/flowscribe/flowscribe/internal/live"
	"github.com/flowscribe/flowscribe/internal/pipeline"
	"github.com/flowscribe/flowscribe/internal/retention"
)

const diagnosticsSchemaVersion = "pipeline-diagnostics.v1"

// Diagnostics aggregates the counters every subsystem keeps about
// itself. Subsystems the deployment runs without stay nil and are
// omitted from the payload.
type Diagnostics struct {
	Normalizer *flow.NormalizerDiagnostics `json:"normalizer,omitempty"`
	Queue      *dispatch.Diagnostics       `json:"queue,omitempty"`
	Cache      *cache.Diagnostics          `json:"cache,omitempty"`
	Export     *export.Diagnostics         `json:"export,omitempty"`
	Buffer     *buffer.Diagnostics         `json:"buffer,omitempty"`
	Pipeline   *pipeline.Diagnostics       `json:"pipeline,omitempty"`
	Live       *live.Diagnostics           `json:"live,omitempty"`
	Retention  *retention.Diagnostics      `json:"retention,omitempty"`
}

type diagnosticsResponse struct {
	SchemaVersion string      `json:"schema_version"`
	GeneratedAt   time.Time   `json:"generated_at"`
	Diagnostics   Diagnostics `json:"diagnostics"`
}

func DiagnosticsHandler(snapshot func() Diagnostics) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		if snapshot == nil {
			writeError(w, http.StatusServiceUnavailable, "pipeline diagnostics unavailable")
			return
		}

		writeJSON(w, http.StatusOK, diagnosticsResponse{
			SchemaVersion: diagnosticsSchemaVersion,
			GeneratedAt:   time.Now().UTC(),
			Diagnostics:   snapshot(),
		})
	})
}
