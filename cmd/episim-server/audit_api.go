package main

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/episim-labs/episim-go/internal/platform/httpserver"
	pgrepo "github.com/episim-labs/episim-go/internal/repo/postgres"
)

type auditLister interface {
	List(ctx context.Context, filter pgrepo.AuditFilter) ([]pgrepo.AuditRecord, error)
}

// auditAPI serves the audit trail. It is registered only when the ledger
// lives in Postgres.
type auditAPI struct {
	logger *slog.Logger
	events auditLister
}

func (api *auditAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("GET /audit/events", api.handleListEvents)
}

func (api *auditAPI) handleListEvents(w http.ResponseWriter, r *http.Request) {
	filter, ok := parseAuditFilter(r)
	if !ok {
		httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_query", "limit and before_event_id must be positive integers")
		return
	}
	events, err := api.events.List(r.Context(), filter)
	if err != nil {
		api.logger.Error("list audit events failed", "error", err)
		httpserver.WriteError(w, r, http.StatusInternalServerError, "internal_error", "")
		return
	}
	resp := map[string]any{"events": events}
	if len(events) > 0 {
		resp["next_before_event_id"] = events[len(events)-1].EventID
	}
	httpserver.WriteJSON(w, http.StatusOK, resp)
}

func parseAuditFilter(r *http.Request) (pgrepo.AuditFilter, bool) {
	q := r.URL.Query()
	limit, ok := positiveQuery(q.Get("limit"))
	if !ok {
		return pgrepo.AuditFilter{}, false
	}
	beforeID, ok := positiveQuery(q.Get("before_event_id"))
	if !ok {
		return pgrepo.AuditFilter{}, false
	}
	return pgrepo.AuditFilter{
		BeforeID:   beforeID,
		Action:     strings.TrimSpace(q.Get("action")),
		ResourceID: strings.TrimSpace(q.Get("run_id")),
		RequestID:  strings.TrimSpace(q.Get("request_id")),
		Limit:      int(min(limit, pgrepo.MaxAuditLimit)),
	}, true
}

// positiveQuery parses an optional positive integer; blank yields 0.
func positiveQuery(raw string) (int64, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, true
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v <= 0 {
		return 0, false
	}
	return v, true
}
