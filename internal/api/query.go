package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"windowwatch/internal/alerts"
	"windowwatch/internal/rules"
	"windowwatch/internal/storage"
)

func (h *Handler) handleMetricState(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.context(r)
	defer cancel()
	state, err := h.Query.GetAnomalyState(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err, "failed to load anomaly state")
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// handleMetricAlerts returns the ledger of one metric. History outlives the
// metric, so deleted ids still answer.
func (h *Handler) handleMetricAlerts(w http.ResponseWriter, r *http.Request) {
	from, err := queryTime(r, "from")
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	to, err := queryTime(r, "to")
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	if !from.IsZero() && !to.IsZero() && to.Before(from) {
		writeBadRequest(w, "to must not be before from")
		return
	}
	ctx, cancel := h.context(r)
	defer cancel()
	entries, err := h.Query.AlertHistory(ctx, chi.URLParam(r, "id"), alerts.TimeRange{From: from, To: to})
	if err != nil {
		writeError(w, err, "failed to fetch alerts")
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *Handler) handleAnomalyList(w http.ResponseWriter, r *http.Request) {
	status := alerts.Status(strings.ToUpper(r.URL.Query().Get("status")))
	if status != "" && status != alerts.StatusActive && status != alerts.StatusInactive {
		writeBadRequest(w, "status must be ACTIVE or INACTIVE")
		return
	}
	limit, err := queryInt(r, "limit", defaultListLimit, h.Limits.MaxResultSize)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	ctx, cancel := h.context(r)
	defer cancel()
	list, err := h.Query.ListAnomalies(ctx, status, limit)
	if err != nil {
		writeError(w, err, "failed to list anomalies")
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handler) handleAnomalyActive(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.context(r)
	defer cancel()
	list, err := h.Query.ListActiveAnomalies(ctx)
	if err != nil {
		writeError(w, err, "failed to list active anomalies")
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handler) handleAnomalySummary(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.context(r)
	defer cancel()
	summary, err := h.Query.Summary(ctx, h.now())
	if err != nil {
		writeError(w, err, "failed to summarize anomalies")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

type failureSpikeResponse struct {
	Count         int                   `json:"count"`
	FailureSpikes []alerts.FailureSpike `json:"failure_spikes"`
}

// handleFailureSpikes reports the current failure rate of every ACTIVE failure
// metric against the rate it had when it last resolved. skip_baseline=true
// reports the default baseline without the extra lookups.
func (h *Handler) handleFailureSpikes(w http.ResponseWriter, r *http.Request) {
	skipBaseline := r.URL.Query().Get("skip_baseline") == "true"
	ctx, cancel := h.context(r)
	defer cancel()
	active, err := h.Query.ListActiveAnomalies(ctx)
	if err != nil {
		writeError(w, err, "failed to list active anomalies")
		return
	}
	now := h.now().UTC()
	out := []alerts.FailureSpike{}
	for _, st := range active {
		spec, err := h.Registry.Get(ctx, st.MetricID)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			writeError(w, err, "failed to load metric")
			return
		}
		if !alerts.IsFailureMetric(spec) {
			continue
		}
		counts, err := h.spikeCounts(ctx, spec, st, now, skipBaseline)
		if err != nil {
			writeError(w, err, "failed to count events")
			return
		}
		if spike, ok := alerts.NewFailureSpike(spec, st, counts, now); ok {
			out = append(out, spike)
		}
	}
	writeJSON(w, http.StatusOK, failureSpikeResponse{Count: len(out), FailureSpikes: out})
}

// spikeCounts gathers event totals for the current window and, when the metric
// has resolved before, for the window that ended at that resolve. The failed
// count of that window is the count recorded on the resolve ledger entry.
func (h *Handler) spikeCounts(ctx context.Context, spec rules.MetricSpec, st alerts.AnomalyState, now time.Time, skipBaseline bool) (alerts.SpikeCounts, error) {
	var counts alerts.SpikeCounts
	total, err := h.Query.CountEvents(ctx, spec.SourceType, now.Add(-spec.Window()), now)
	if err != nil {
		return counts, err
	}
	counts.WindowTotal = total
	if skipBaseline || st.LastResolvedAt == nil {
		return counts, nil
	}
	resolved := *st.LastResolvedAt
	entries, err := h.Query.AlertHistory(ctx, spec.ID, alerts.TimeRange{From: resolved, To: resolved})
	if err != nil {
		return counts, err
	}
	found := false
	for _, entry := range entries {
		if entry.Action == alerts.ActionResolved {
			counts.BaselineFailed = entry.EventCount
			found = true
		}
	}
	if !found {
		return counts, nil
	}
	counts.BaselineTotal, err = h.Query.CountEvents(ctx, spec.SourceType, resolved.Add(-spec.Window()), resolved)
	return counts, err
}

func (h *Handler) handleRecentAlerts(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", defaultListLimit, h.Limits.MaxResultSize)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	ctx, cancel := h.context(r)
	defer cancel()
	entries, err := h.Query.RecentAlerts(ctx, limit)
	if err != nil {
		writeError(w, err, "failed to fetch alerts")
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.context(r)
	defer cancel()
	stats, err := h.Query.Stats(ctx)
	if err != nil {
		writeError(w, err, "failed to compute stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
