package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/goforj/viewcache/fetch"
	"github.com/goforj/viewcache/optimistic"
	"github.com/goforj/viewcache/prefs"
	"github.com/goforj/viewcache/projectview"
	"github.com/goforj/viewcache/record"
)

// projectsHandler exposes the project view over HTTP.
type projectsHandler struct {
	view  *projectview.View
	prefs *prefs.Store
	table string
	// warm marks a start from a recent settings snapshot; the cached first
	// page is then shown without a blocking fetch.
	warm   bool
	logger *slog.Logger
}

type snapshotResponse struct {
	Projects   []record.Project     `json:"projects"`
	Summary    record.BudgetSummary `json:"summary"`
	TotalCount int                  `json:"total_count"`
	HasMore    bool                 `json:"has_more"`
	NextCursor string               `json:"next_cursor,omitempty"`
	Stale      bool                 `json:"stale"`
	FetchedAt  time.Time            `json:"fetched_at"`
	Pending    int                  `json:"pending"`
	Connection string               `json:"connection"`
}

func (h *projectsHandler) register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/projects", h.list)
	mux.HandleFunc("POST /api/projects", h.mutate(optimistic.KindInsert))
	mux.HandleFunc("PATCH /api/projects/{id}", h.mutate(optimistic.KindUpdate))
	mux.HandleFunc("DELETE /api/projects/{id}", h.mutate(optimistic.KindDelete))
	mux.HandleFunc("POST /api/projects/realtime/retry", h.retry)
}

// initialFetch loads the first page using the saved table layout.
func (h *projectsHandler) initialFetch(ctx context.Context) {
	tp, ok, err := h.prefs.LoadTablePrefs(ctx, h.table)
	if err != nil {
		h.logger.Warn("table prefs unavailable", "table", h.table, "error", err)
	}
	f := fetch.Filters{Status: record.Status(tp.StatusFilter), Search: tp.Search}
	page := fetch.Page{Limit: tp.PageSize}
	if h.warm {
		_, restored, err := h.view.Restore(ctx, f, page)
		if err != nil {
			h.logger.Warn("restore cached page failed", "table", h.table, "error", err)
		}
		if restored {
			h.logger.Info("restored cached page", "table", h.table)
			return
		}
	}
	if _, err := h.view.OnFetch(ctx, f, page); err != nil {
		h.logger.Warn("initial fetch failed", "table", h.table, "error", err, "saved_prefs", ok)
	}
}

func (h *projectsHandler) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := fetch.Filters{
		ClientID: q.Get("client"),
		Search:   q.Get("search"),
	}
	if v := q.Get("status"); v != "" {
		st, err := record.ParseStatus(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		f.Status = st
	}
	if q.Get("search_mode") == string(fetch.SearchLocal) {
		f.SearchMode = fetch.SearchLocal
	}
	for name, dst := range map[string]*time.Time{"from": &f.From, "to": &f.To} {
		if v := q.Get(name); v != "" {
			t, err := record.ParseTimestamp(v)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid "+name)
				return
			}
			*dst = t
		}
	}
	page := fetch.Page{Cursor: q.Get("cursor")}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		page.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid offset")
			return
		}
		page.Offset = n
	}

	snap, err := h.view.Query(r.Context(), f, page)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	if page.Cursor == "" && page.Offset == 0 {
		h.rememberLayout(r.Context(), f, page)
	}
	writeJSON(w, http.StatusOK, toResponse(snap))
}

func (h *projectsHandler) rememberLayout(ctx context.Context, f fetch.Filters, page fetch.Page) {
	tp, _, err := h.prefs.LoadTablePrefs(ctx, h.table)
	if err != nil && !errors.Is(err, prefs.ErrCorruptSnapshot) {
		h.logger.Debug("table prefs unavailable", "error", err)
	}
	tp.PageSize = page.Limit
	tp.StatusFilter = string(f.Status)
	tp.Search = f.Search
	if _, err := h.prefs.SaveTablePrefs(ctx, h.table, tp); err != nil {
		h.logger.Warn("save table prefs failed", "table", h.table, "error", err)
	}
}

type mutationResponse struct {
	Key      string           `json:"key"`
	Snapshot snapshotResponse `json:"snapshot"`
}

func (h *projectsHandler) mutate(kind optimistic.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m := projectview.Mutation{Kind: kind, ID: r.PathValue("id")}
		if kind != optimistic.KindDelete {
			if err := json.NewDecoder(r.Body).Decode(&m.Patch); err != nil {
				writeError(w, http.StatusBadRequest, "invalid json")
				return
			}
		}
		key, err := h.view.OnMutate(r.Context(), m)
		if err != nil {
			writeError(w, statusFor(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, mutationResponse{Key: string(key), Snapshot: toResponse(h.view.Snapshot())})
	}
}

func (h *projectsHandler) retry(w http.ResponseWriter, r *http.Request) {
	if err := h.view.Retry(); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func toResponse(s projectview.Snapshot) snapshotResponse {
	projects := s.Projects
	if projects == nil {
		projects = []record.Project{}
	}
	return snapshotResponse{
		Projects:   projects,
		Summary:    s.Summary,
		TotalCount: s.TotalCount,
		HasMore:    s.HasMore,
		NextCursor: s.NextCursor,
		Stale:      s.Stale,
		FetchedAt:  s.FetchedAt,
		Pending:    s.Pending,
		Connection: string(s.Connection),
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, fetch.ErrValidation), errors.Is(err, projectview.ErrUnknownKind):
		return http.StatusBadRequest
	case errors.Is(err, fetch.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, fetch.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, fetch.ErrConflict), errors.Is(err, projectview.ErrSuperseded):
		return http.StatusConflict
	case errors.Is(err, projectview.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, fetch.ErrTransport):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
