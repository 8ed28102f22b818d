package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"windowwatch/internal/events"
)

type eventRequest struct {
	ID         int64          `json:"id,omitempty"`
	SourceType string         `json:"source_type"`
	Payload    map[string]any `json:"payload"`
}

// handleEventsSubmit accepts a single event object or an array of them.
func (h *Handler) handleEventsSubmit(w http.ResponseWriter, r *http.Request) {
	if h.Limits.MaxBodyBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.Limits.MaxBodyBytes)
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeBadRequest(w, "request body too large or unreadable")
		return
	}
	trimmed := bytes.TrimLeft(body, " \t\r\n")
	if len(trimmed) == 0 {
		writeBadRequest(w, "request body is empty")
		return
	}
	ctx, cancel := h.context(r)
	defer cancel()

	if trimmed[0] != '[' {
		var req eventRequest
		if err := strictUnmarshal(trimmed, &req); err != nil {
			writeBadRequest(w, err.Error())
			return
		}
		id, err := h.Events.SubmitWithID(ctx, req.ID, req.SourceType, req.Payload)
		if errors.Is(err, events.ErrDuplicateEvent) {
			writeJSON(w, http.StatusOK, map[string]any{"ok": true, "id": id, "duplicate": true})
			return
		}
		if err != nil {
			writeError(w, err, "failed to store event")
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"ok": true, "id": id})
		return
	}

	var reqs []eventRequest
	if err := strictUnmarshal(trimmed, &reqs); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	if len(reqs) == 0 {
		writeBadRequest(w, "batch is empty")
		return
	}
	if h.Limits.MaxBatchSize > 0 && len(reqs) > h.Limits.MaxBatchSize {
		writeBadRequest(w, fmt.Sprintf("batch exceeds %d events", h.Limits.MaxBatchSize))
		return
	}
	items := make([]events.Submission, len(reqs))
	for i, req := range reqs {
		items[i] = events.Submission{ID: req.ID, SourceType: req.SourceType, Payload: req.Payload}
	}
	results := h.Events.SubmitBatch(ctx, items)
	accepted := 0
	for _, res := range results {
		if res.Err == nil {
			accepted++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":       accepted == len(results),
		"accepted": accepted,
		"rejected": len(results) - accepted,
		"results":  results,
	})
}

func strictUnmarshal(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("unexpected data after JSON value")
	}
	return nil
}

func (h *Handler) handleEventsList(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", defaultListLimit, h.Limits.MaxResultSize)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	offset, err := queryInt(r, "offset", 0, 0)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	ctx, cancel := h.context(r)
	defer cancel()
	list, err := h.EventLog.ListEvents(ctx, r.URL.Query().Get("source_type"), limit, offset)
	if err != nil {
		writeError(w, err, "failed to list events")
		return
	}
	writeJSON(w, http.StatusOK, list)
}
