package api

import (
	"net/http"

	apidocs "stagesuite/docs"
)

func (s *Server) handleOpenAPISpec(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(apidocs.OpenAPISpec)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReady verifies the store is reachable.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	status, code := "ok", http.StatusOK
	checks := map[string]string{"database": "ok"}
	if err := s.store.Ping(r.Context()); err != nil {
		status, code = "unavailable", http.StatusServiceUnavailable
		checks["database"] = "unreachable"
		s.logger.WarnContext(r.Context(), "readiness check failed", "error", err)
	}
	writeJSON(w, code, map[string]any{"status": status, "checks": checks})
}
