package handlers

import "net/http"

func (s *Server) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "healthy",
		"backend":  s.BackendName,
		"sessions": s.Registry.Len(),
	})
}
