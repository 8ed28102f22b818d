package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"windowwatch/internal/events"
	"windowwatch/internal/generator"
	"windowwatch/internal/registry"
	"windowwatch/internal/rules"
	"windowwatch/internal/security"
	"windowwatch/internal/storage"
)

const (
	defaultListLimit = 100

	codeBadRequest   = "BAD_REQUEST"
	codeNotFound     = "NOT_FOUND"
	codeInvalidEvent = "EVENT_INVALID"
	codeStaleEventID = "EVENT_ID_STALE"
	codeInternal     = "INTERNAL"
)

type Handler struct {
	Registry  *registry.Service
	Events    *events.Service
	Query     storage.QueryStore
	EventLog  storage.EventStore
	Limits    security.Limits
	Timeout   time.Duration
	Now       func() time.Time
	// Generator is optional; its routes are only mounted when set.
	Generator *generator.Generator
}

type errorResponse struct {
	Ok      bool                `json:"ok"`
	Code    string              `json:"code"`
	Message string              `json:"message"`
	Details []rules.ErrorDetail `json:"details"`
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/events", func(r chi.Router) {
		r.Post("/", h.handleEventsSubmit)
		r.Get("/", h.handleEventsList)
	})
	r.Route("/metrics", func(r chi.Router) {
		r.Post("/", h.handleMetricCreate)
		r.Get("/", h.handleMetricList)
		r.Get("/{id}", h.handleMetricGet)
		r.Put("/{id}", h.handleMetricUpdate)
		r.Delete("/{id}", h.handleMetricDelete)
		r.Post("/{id}/activate", h.handleMetricActivate)
		r.Post("/{id}/deactivate", h.handleMetricDeactivate)
		r.Get("/{id}/state", h.handleMetricState)
		r.Get("/{id}/alerts", h.handleMetricAlerts)
	})
	r.Route("/anomalies", func(r chi.Router) {
		r.Get("/", h.handleAnomalyList)
		r.Get("/active", h.handleAnomalyActive)
		r.Get("/summary", h.handleAnomalySummary)
		r.Get("/failure-spike", h.handleFailureSpikes)
	})
	r.Get("/alerts", h.handleRecentAlerts)
	r.Get("/stats", h.handleStats)
	if h.Generator != nil {
		h.registerGeneratorRoutes(r)
	}
}

func (h *Handler) context(r *http.Request) (context.Context, context.CancelFunc) {
	if h.Timeout <= 0 {
		return context.WithCancel(r.Context())
	}
	return context.WithTimeout(r.Context(), h.Timeout)
}

func (h *Handler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

// writeError maps domain errors onto status codes.
func writeError(w http.ResponseWriter, err error, fallback string) {
	if verr, ok := registry.IsValidationError(err); ok {
		writeValidationError(w, verr)
		return
	}
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Code: codeNotFound, Message: "not found", Details: []rules.ErrorDetail{}})
	case errors.Is(err, events.ErrInvalidEvent):
		writeJSON(w, http.StatusBadRequest, errorResponse{Code: codeInvalidEvent, Message: err.Error(), Details: []rules.ErrorDetail{}})
	case errors.Is(err, events.ErrStaleEventID):
		writeJSON(w, http.StatusConflict, errorResponse{Code: codeStaleEventID, Message: err.Error(), Details: []rules.ErrorDetail{}})
	default:
		writeJSON(w, http.StatusInternalServerError, errorResponse{Code: codeInternal, Message: fallback, Details: []rules.ErrorDetail{}})
	}
}

func writeBadRequest(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Code: codeBadRequest, Message: message, Details: []rules.ErrorDetail{}})
}

func writeValidationError(w http.ResponseWriter, verr *rules.ValidationError) {
	details := verr.Details
	if details == nil {
		details = []rules.ErrorDetail{}
	}
	writeJSON(w, http.StatusBadRequest, errorResponse{
		Ok:      false,
		Code:    verr.Code,
		Message: verr.Message,
		Details: details,
	})
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// queryInt parses a non-negative integer query parameter, capped at max when max > 0.
func queryInt(r *http.Request, key string, fallback, max int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.New(key + " must be a non-negative integer")
	}
	if max > 0 && n > max {
		n = max
	}
	return n, nil
}

func queryTime(r *http.Request, key string) (time.Time, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, errors.New(key + " must be an RFC3339 timestamp")
	}
	return t.UTC(), nil
}
