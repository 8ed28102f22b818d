package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"windowwatch/internal/generator"
	"windowwatch/internal/rules"
)

type burstRequest struct {
	SourceType string `json:"source_type"`
	Count      int    `json:"count"`
	Status     string `json:"status"`
}

func (h *Handler) registerGeneratorRoutes(r chi.Router) {
	r.Route("/generator", func(r chi.Router) {
		r.Post("/start", h.handleGeneratorStart)
		r.Post("/stop", h.handleGeneratorStop)
		r.Get("/status", h.handleGeneratorStatus)
		r.Post("/burst", h.handleGeneratorBurst)
	})
}

func (h *Handler) handleGeneratorStart(w http.ResponseWriter, r *http.Request) {
	if err := h.Generator.Start(r.Context()); err != nil && !errors.Is(err, generator.ErrRunning) {
		writeError(w, err, "failed to start generator")
		return
	}
	writeJSON(w, http.StatusOK, h.Generator.Status())
}

func (h *Handler) handleGeneratorStop(w http.ResponseWriter, r *http.Request) {
	if err := h.Generator.Stop(); err != nil && !errors.Is(err, generator.ErrNotRunning) {
		writeError(w, err, "failed to stop generator")
		return
	}
	writeJSON(w, http.StatusOK, h.Generator.Status())
}

func (h *Handler) handleGeneratorStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Generator.Status())
}

func (h *Handler) handleGeneratorBurst(w http.ResponseWriter, r *http.Request) {
	req := burstRequest{Count: 10}
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, "invalid burst request")
		return
	}
	ctx, cancel := h.context(r)
	defer cancel()
	sent, err := h.Generator.Burst(ctx, req.SourceType, req.Count, req.Status)
	if errors.Is(err, generator.ErrBadBurst) {
		writeJSON(w, http.StatusBadRequest, errorResponse{Code: codeBadRequest, Message: err.Error(), Details: []rules.ErrorDetail{}})
		return
	}
	if err != nil {
		writeError(w, err, "burst failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "source_type": req.SourceType, "count": sent})
}
