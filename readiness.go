package resilix

import (
	"net/http"

	json "github.com/goccy/go-json"
)

// ReadinessHandler returns an [http.Handler] reporting the engine's
// readiness: 200 when no breaker is open, 503 otherwise. A breaker past
// its open duration counts as ready since the next call is a trial. The body is
// always a JSON-encoded [ReadinessStatus].
func ReadinessHandler(e *Engine) http.Handler {
	return http.HandlerFunc(func(writer http.ResponseWriter, _ *http.Request) {
		status := e.CheckReadiness()

		writer.Header().Set("Content-Type", "application/json")

		if status.Ready {
			writer.WriteHeader(http.StatusOK)
		} else {
			writer.WriteHeader(http.StatusServiceUnavailable)
		}

		//nolint:errcheck // best-effort JSON encoding to HTTP response
		_ = json.NewEncoder(writer).Encode(status)
	})
}
