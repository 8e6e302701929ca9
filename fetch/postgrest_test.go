package fetch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/goforj/viewcache/record"
)

func row(id string, created string) map[string]any {
	return map[string]any{
		"id":         id,
		"name":       "Project " + id,
		"status":     "active",
		"budget":     "1500.50",
		"expenses":   200,
		"received":   500,
		"pending":    999,
		"client_id":  "c1",
		"clients":    map[string]any{"name": "Jane", "company": "Acme"},
		"created_at": created,
		"updated_at": created,
	}
}

type capturedRequest struct {
	method string
	path   string
	query  url.Values
	header http.Header
	body   []byte
}

func newTestServer(t *testing.T, handler func(w http.ResponseWriter, r *http.Request)) (*PostgREST, chan capturedRequest) {
	t.Helper()
	seen := make(chan capturedRequest, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		seen <- capturedRequest{method: r.Method, path: r.URL.Path, query: r.URL.Query(), header: r.Header.Clone(), body: body}
		handler(w, r)
	}))
	t.Cleanup(srv.Close)
	client, err := NewPostgREST(srv.URL+"/rest/v1/", "anon-key", WithToken("user-jwt"))
	require.NoError(t, err)
	return client, seen
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestFetchPageBuildsQueryAndDecodesRows(t *testing.T) {
	client, seen := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Range", "0-2/143")
		writeJSON(w, http.StatusOK, []any{
			row("p1", "2026-03-03T10:00:00Z"),
			row("p2", "2026-03-02T10:00:00Z"),
			row("p3", "2026-03-01T10:00:00Z"),
		})
	})

	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	res, err := client.FetchPage(context.Background(), Filters{
		Status:   record.StatusActive,
		ClientID: "c1",
		From:     from,
		Search:   "ac(me)",
	}, Page{Limit: 2, Offset: 40})
	require.NoError(t, err)

	req := <-seen
	require.Equal(t, http.MethodGet, req.method)
	require.Equal(t, "/rest/v1/projects", req.path)
	require.Equal(t, "*,clients(name,company)", req.query.Get("select"))
	require.Equal(t, "eq.active", req.query.Get("status"))
	require.Equal(t, "eq.c1", req.query.Get("client_id"))
	require.Equal(t, []string{"gte.2026-01-01T00:00:00Z"}, req.query["created_at"])
	require.Equal(t, "(name.ilike.*acme*)", req.query.Get("or"))
	require.Equal(t, "created_at.desc,id.desc", req.query.Get("order"))
	require.Equal(t, "3", req.query.Get("limit"))
	require.Equal(t, "40", req.query.Get("offset"))
	require.Equal(t, "count=exact", req.header.Get("Prefer"))
	require.Equal(t, "anon-key", req.header.Get("apikey"))
	require.Equal(t, "Bearer user-jwt", req.header.Get("Authorization"))

	require.Equal(t, 143, res.TotalCount)
	require.True(t, res.HasMore)
	require.Len(t, res.Records, 2)
	require.Equal(t, "2026-03-02T10:00:00Z|p2", res.NextCursor)

	p := res.Records[0]
	require.Equal(t, "Jane", p.ClientName)
	require.Equal(t, "Acme", p.ClientCompany)
	require.InDelta(t, 1500.50, p.Budget, 0.001)
	require.InDelta(t, 1000.50, p.Pending, 0.001, "pending is recomputed")
}

func TestFetchPageCursorAndLocalSearch(t *testing.T) {
	client, seen := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Range", "*/*")
		writeJSON(w, http.StatusOK, []any{row("p9", "2026-02-01T10:00:00Z")})
	})

	res, err := client.FetchPage(context.Background(),
		Filters{Search: "acme", SearchMode: SearchLocal},
		Page{Limit: 5, Offset: 10, Cursor: "2026-03-01T10:00:00Z"})
	require.NoError(t, err)

	req := <-seen
	require.Equal(t, []string{"lt.2026-03-01T10:00:00Z"}, req.query["created_at"])
	require.Empty(t, req.query.Get("offset"))
	require.Empty(t, req.query.Get("or"))
	require.Equal(t, -1, res.TotalCount)
	require.False(t, res.HasMore)
	require.Empty(t, res.NextCursor)

	_, err = client.FetchPage(context.Background(), Filters{}, Page{Cursor: "yesterday"})
	require.ErrorIs(t, err, ErrValidation)
}

func TestFetchPageCompoundCursorKeepsTiedRows(t *testing.T) {
	client, seen := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Range", "*/*")
		writeJSON(w, http.StatusOK, []any{
			row("p5", "2026-03-01T10:00:00Z"),
			row("p4", "2026-03-01T10:00:00Z"),
		})
	})

	res, err := client.FetchPage(context.Background(), Filters{Search: "acme"}, Page{Limit: 1})
	require.NoError(t, err)
	<-seen
	require.True(t, res.HasMore)
	require.Equal(t, "2026-03-01T10:00:00Z|p5", res.NextCursor)

	_, err = client.FetchPage(context.Background(), Filters{Search: "acme"}, Page{Limit: 1, Cursor: res.NextCursor})
	require.NoError(t, err)
	req := <-seen
	require.Empty(t, req.query["created_at"])
	require.Equal(t, `(or(created_at.lt.2026-03-01T10:00:00Z,and(created_at.eq.2026-03-01T10:00:00Z,id.lt."p5")))`, req.query.Get("and"))
	require.Equal(t, "(name.ilike.*acme*)", req.query.Get("or"), "search filter is kept alongside the cursor")

	_, err = client.FetchPage(context.Background(), Filters{}, Page{Cursor: `2026-03-01T10:00:00Z|p"5`})
	require.ErrorIs(t, err, ErrValidation)
}

func TestFetchPageRejectsMalformedRows(t *testing.T) {
	client, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		bad := row("p1", "2026-03-03T10:00:00Z")
		bad["status"] = "archived"
		writeJSON(w, http.StatusOK, []any{bad})
	})
	_, err := client.FetchPage(context.Background(), Filters{}, Page{})
	require.ErrorIs(t, err, ErrValidation)
	require.ErrorIs(t, err, record.ErrMalformedRow)
}

func TestErrorClassification(t *testing.T) {
	cases := []struct {
		name      string
		status    int
		body      any
		want      error
		retryable bool
	}{
		{"validation", http.StatusBadRequest, map[string]any{"code": "22P02", "message": "invalid input"}, ErrValidation, false},
		{"unprocessable", http.StatusUnprocessableEntity, map[string]any{"message": "bad"}, ErrValidation, false},
		{"unauthorized", http.StatusUnauthorized, map[string]any{"message": "JWT expired"}, ErrUnauthorized, false},
		{"forbidden", http.StatusForbidden, map[string]any{"message": "rls"}, ErrUnauthorized, false},
		{"not found", http.StatusNotFound, map[string]any{"message": "no table"}, ErrNotFound, false},
		{"conflict", http.StatusConflict, map[string]any{"code": "23505", "message": "duplicate key"}, ErrConflict, false},
		{"unique as 400", http.StatusBadRequest, map[string]any{"code": "23505", "message": "duplicate key"}, ErrConflict, false},
		{"server", http.StatusBadGateway, "upstream down", ErrTransport, true},
		{"throttled", http.StatusTooManyRequests, map[string]any{"message": "slow down"}, ErrTransport, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, tc.status, tc.body)
			})
			_, err := client.FetchPage(context.Background(), Filters{}, Page{})
			require.ErrorIs(t, err, tc.want)
			require.Equal(t, tc.retryable, IsRetryable(err))

			var serr *StatusError
			require.ErrorAs(t, err, &serr)
			require.Equal(t, tc.status, serr.Status)
		})
	}
}

func TestTransportFailureIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()
	client, err := NewPostgREST(srv.URL, "k")
	require.NoError(t, err)

	_, err = client.FetchPage(context.Background(), Filters{}, Page{})
	require.ErrorIs(t, err, ErrTransport)
	require.True(t, IsRetryable(err))
}

func TestCancelledFetchIsNotTransportFailure(t *testing.T) {
	client, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := client.FetchPage(ctx, Filters{}, Page{})
	require.ErrorIs(t, err, context.Canceled)
	require.False(t, IsRetryable(err))
}

func TestMutations(t *testing.T) {
	client, seen := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost, http.MethodPatch:
			out := row("p1", "2026-03-03T10:00:00Z")
			out["status"] = "completed"
			writeJSON(w, http.StatusOK, []any{out})
		case http.MethodDelete:
			if r.URL.Query().Get("id") == "eq.gone" {
				writeJSON(w, http.StatusOK, []any{})
				return
			}
			writeJSON(w, http.StatusOK, []any{map[string]any{"id": "p1"}})
		}
	})
	ctx := context.Background()

	created, err := client.Insert(ctx, record.Project{ID: "p1", Name: "Roof", Status: record.StatusActive, Budget: 10, ClientID: "c1", ClientName: "Jane"})
	require.NoError(t, err)
	require.Equal(t, "p1", created.ID)
	req := <-seen
	require.Equal(t, http.MethodPost, req.method)
	require.Equal(t, "return=representation", req.header.Get("Prefer"))
	var sent map[string]any
	require.NoError(t, json.Unmarshal(req.body, &sent))
	require.Equal(t, "p1", sent["id"])
	require.Equal(t, "c1", sent["client_id"])
	require.NotContains(t, sent, "client_name")
	require.NotContains(t, sent, "pending")

	updated, err := client.Update(ctx, "p1", record.Patch{Status: record.Ptr(record.StatusCompleted)})
	require.NoError(t, err)
	require.Equal(t, record.StatusCompleted, updated.Status)
	req = <-seen
	require.Equal(t, http.MethodPatch, req.method)
	require.Equal(t, "eq.p1", req.query.Get("id"))
	require.JSONEq(t, `{"status":"completed"}`, string(req.body))

	require.NoError(t, client.Delete(ctx, "p1"))
	<-seen
	require.ErrorIs(t, client.Delete(ctx, "gone"), ErrNotFound)
	<-seen

	_, err = client.Update(ctx, "p1", record.Patch{Status: record.Ptr(record.Status("archived"))})
	require.ErrorIs(t, err, ErrValidation)
	_, err = client.Update(ctx, "", record.Patch{})
	require.ErrorIs(t, err, ErrValidation)
	require.ErrorIs(t, client.Delete(ctx, ""), ErrValidation)
}

func TestNewPostgRESTRejectsBadURL(t *testing.T) {
	_, err := NewPostgREST("ftp://example.com", "k")
	require.Error(t, err)
	_, err = NewPostgREST("://bad", "k")
	require.Error(t, err)
}

func TestParseContentRangeTotal(t *testing.T) {
	require.Equal(t, 143, parseContentRangeTotal("0-24/143"))
	require.Equal(t, 0, parseContentRangeTotal("*/0"))
	require.Equal(t, -1, parseContentRangeTotal("0-24/*"))
	require.Equal(t, -1, parseContentRangeTotal(""))
}
