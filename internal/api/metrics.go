package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"windowwatch/internal/rules"
)

type metricRequest struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	SourceType  string         `json:"source_type"`
	Filter      map[string]any `json:"filter"`
	WindowSec   int            `json:"window_sec"`
	Threshold   int            `json:"threshold"`
	Severity    rules.Severity `json:"severity"`
	Active      *bool          `json:"active"`
}

func (req metricRequest) spec() rules.MetricSpec {
	active := true
	if req.Active != nil {
		active = *req.Active
	}
	return rules.MetricSpec{
		Name:        req.Name,
		Description: req.Description,
		SourceType:  req.SourceType,
		Filter:      req.Filter,
		WindowSec:   req.WindowSec,
		Threshold:   req.Threshold,
		Severity:    req.Severity,
		Active:      active,
	}
}

func (h *Handler) handleMetricCreate(w http.ResponseWriter, r *http.Request) {
	var req metricRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	ctx, cancel := h.context(r)
	defer cancel()
	created, err := h.Registry.Create(ctx, req.spec())
	if err != nil {
		writeError(w, err, "failed to store metric")
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *Handler) handleMetricUpdate(w http.ResponseWriter, r *http.Request) {
	var req metricRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	ctx, cancel := h.context(r)
	defer cancel()
	id := chi.URLParam(r, "id")
	spec := req.spec()
	if req.Active == nil {
		current, err := h.Registry.Get(ctx, id)
		if err != nil {
			writeError(w, err, "failed to load metric")
			return
		}
		spec.Active = current.Active
	}
	updated, err := h.Registry.Update(ctx, id, spec)
	if err != nil {
		writeError(w, err, "failed to update metric")
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (h *Handler) handleMetricList(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.context(r)
	defer cancel()
	list, err := h.Registry.List(ctx)
	if err != nil {
		writeError(w, err, "failed to list metrics")
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handler) handleMetricGet(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.context(r)
	defer cancel()
	spec, err := h.Registry.Get(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err, "failed to load metric")
		return
	}
	writeJSON(w, http.StatusOK, spec)
}

func (h *Handler) handleMetricDelete(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.context(r)
	defer cancel()
	if err := h.Registry.Delete(ctx, chi.URLParam(r, "id")); err != nil {
		writeError(w, err, "failed to delete metric")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handler) handleMetricActivate(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.context(r)
	defer cancel()
	if err := h.Registry.Activate(ctx, chi.URLParam(r, "id")); err != nil {
		writeError(w, err, "failed to activate metric")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "active": true})
}

func (h *Handler) handleMetricDeactivate(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.context(r)
	defer cancel()
	if err := h.Registry.Deactivate(ctx, chi.URLParam(r, "id")); err != nil {
		writeError(w, err, "failed to deactivate metric")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "active": false})
}
