// Package fetch loads pages of projects from the hosted data store and keeps
// only the newest response for each logical query.
package fetch

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goforj/viewcache/record"
)

// DefaultLimit is the page size used when Page.Limit is not set.
const DefaultLimit = 25

// SearchMode selects where text search runs.
type SearchMode string

const (
	// SearchServer sends the search text to the data store.
	SearchServer SearchMode = "server"
	// SearchLocal leaves search out of the request; callers filter the
	// fetched rows with FilterLocal.
	SearchLocal SearchMode = "local"
)

// Filters narrow a project query. Zero values mean "no filter".
type Filters struct {
	Status     record.Status
	ClientID   string
	From       time.Time
	To         time.Time
	Search     string
	SearchMode SearchMode
}

// serverSearch returns the search text to send to the data store.
func (f Filters) serverSearch() string {
	if f.SearchMode == SearchLocal {
		return ""
	}
	return strings.TrimSpace(f.Search)
}

// Page selects a window of results. A non-empty Cursor switches to keyset
// pagination on created_at and Offset is ignored.
type Page struct {
	Limit  int
	Offset int
	Cursor string
}

func (p Page) limit() int {
	if p.Limit <= 0 {
		return DefaultLimit
	}
	return p.Limit
}

// Result is one page of projects.
type Result struct {
	Records []record.Project
	// TotalCount is the number of rows matching the filters, or -1 when the
	// data store did not report it.
	TotalCount int
	HasMore    bool
	// NextCursor continues keyset pagination after the last record.
	NextCursor string
}

// Source loads pages of projects.
type Source interface {
	FetchPage(ctx context.Context, f Filters, p Page) (Result, error)
}

// Signature returns the canonical cache key for a query on table. Keys start
// with the table name so a substring invalidation on the table covers every
// page and filter combination.
func Signature(table string, f Filters, p Page) string {
	q := url.Values{}
	if f.Status != "" {
		q.Set("status", string(f.Status))
	}
	if f.ClientID != "" {
		q.Set("client", f.ClientID)
	}
	if !f.From.IsZero() {
		q.Set("from", f.From.UTC().Format(time.RFC3339Nano))
	}
	if !f.To.IsZero() {
		q.Set("to", f.To.UTC().Format(time.RFC3339Nano))
	}
	if s := f.serverSearch(); s != "" {
		q.Set("search", strings.ToLower(s))
	}
	q.Set("limit", strconv.Itoa(p.limit()))
	if p.Cursor != "" {
		q.Set("cursor", p.Cursor)
	} else {
		q.Set("offset", strconv.Itoa(max(0, p.Offset)))
	}
	return table + "?" + q.Encode()
}

// FilterLocal keeps the records whose name, client name or client company
// contains search, ignoring case. An empty search returns records unchanged.
func FilterLocal(records []record.Project, search string) []record.Project {
	needle := strings.ToLower(strings.TrimSpace(search))
	if needle == "" {
		return records
	}
	out := make([]record.Project, 0, len(records))
	for _, p := range records {
		if strings.Contains(strings.ToLower(p.Name), needle) ||
			strings.Contains(strings.ToLower(p.ClientName), needle) ||
			strings.Contains(strings.ToLower(p.ClientCompany), needle) {
			out = append(out, p)
		}
	}
	return out
}

// cursorSep joins the created_at and id halves of a keyset cursor.
const cursorSep = "|"

// CursorOf returns the keyset cursor that continues after p. It carries the
// id as well as created_at so rows sharing a timestamp are not skipped.
func CursorOf(p record.Project) string {
	return p.CreatedAt.UTC().Format(time.RFC3339Nano) + cursorSep + p.ID
}

// ParseCursor splits a keyset cursor. A bare timestamp yields an empty id.
func ParseCursor(cursor string) (time.Time, string, error) {
	ts, id, _ := strings.Cut(cursor, cursorSep)
	at, err := record.ParseTimestamp(ts)
	if err != nil {
		return time.Time{}, "", err
	}
	if strings.ContainsAny(id, `"\`) {
		return time.Time{}, "", fmt.Errorf("invalid cursor id %q", id)
	}
	return at, id, nil
}
