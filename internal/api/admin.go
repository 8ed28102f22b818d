package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewAdminRouter serves liveness, Prometheus metrics and, when status is set,
// a JSON status document.
func NewAdminRouter(status func() any) http.Handler {
	r := chi.NewRouter()
	r.Use(Recovery)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
	r.Handle("/metrics", promhttp.Handler())
	if status != nil {
		r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, status())
		})
	}
	return r
}
