package fetch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goforj/viewcache/record"
)

const (
	// ProjectsTable is the table PostgREST reads by default.
	ProjectsTable = "projects"

	projectSelect = "*,clients(name,company)"
	maxErrorBody  = 64 << 10
)

// PostgREST talks to a PostgREST endpoint such as
// https://<project>.supabase.co/rest/v1.
type PostgREST struct {
	base          *url.URL
	apiKey        string
	token         string
	table         string
	searchColumns []string
	client        *http.Client
	logger        *slog.Logger
}

// Option configures a PostgREST client.
type Option func(*PostgREST)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *PostgREST) { p.client = c }
}

// WithToken sets the user access token sent as the bearer credential. The
// API key is used when no token is set.
func WithToken(token string) Option {
	return func(p *PostgREST) { p.token = token }
}

// WithTable overrides the table name.
func WithTable(table string) Option {
	return func(p *PostgREST) { p.table = table }
}

// WithSearchColumns sets the columns matched by server side search.
func WithSearchColumns(cols ...string) Option {
	return func(p *PostgREST) { p.searchColumns = cols }
}

// WithLogger sets the client logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *PostgREST) { p.logger = logger }
}

// NewPostgREST returns a client for the REST root at baseURL.
func NewPostgREST(baseURL, apiKey string, opts ...Option) (*PostgREST, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse data store url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("data store url %q: scheme must be http or https", baseURL)
	}
	p := &PostgREST{
		base:          u,
		apiKey:        apiKey,
		table:         ProjectsTable,
		searchColumns: []string{"name"},
		client:        &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	p.logger = p.logger.With("component", "fetch", "table", p.table)
	return p, nil
}

// Table returns the table the client reads and writes.
func (p *PostgREST) Table() string { return p.table }

// FetchPage loads one page of projects, newest first. One row beyond the
// limit is requested to decide HasMore.
func (p *PostgREST) FetchPage(ctx context.Context, f Filters, pg Page) (Result, error) {
	limit := pg.limit()
	q := p.filterQuery(f)
	q.Set("select", projectSelect)
	q.Set("order", "created_at.desc,id.desc")
	q.Set("limit", strconv.Itoa(limit+1))
	if pg.Cursor != "" {
		at, id, err := ParseCursor(pg.Cursor)
		if err != nil {
			return Result{}, fmt.Errorf("%w: cursor: %v", ErrValidation, err)
		}
		ts := at.UTC().Format(time.RFC3339Nano)
		if id == "" {
			q.Add("created_at", "lt."+ts)
		} else {
			// Matches the created_at.desc,id.desc order.
			q.Set("and", fmt.Sprintf(`(or(created_at.lt.%s,and(created_at.eq.%s,id.lt."%s")))`, ts, ts, id))
		}
	} else if pg.Offset > 0 {
		q.Set("offset", strconv.Itoa(pg.Offset))
	}

	req, err := p.newRequest(ctx, http.MethodGet, q, nil)
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Prefer", "count=exact")

	body, header, err := p.do(req)
	if err != nil {
		return Result{}, err
	}
	rows, err := record.DecodeProjectRows(body)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	res := Result{TotalCount: parseContentRangeTotal(header.Get("Content-Range"))}
	if len(rows) > limit {
		rows = rows[:limit]
		res.HasMore = true
	}
	res.Records = rows
	if res.HasMore && len(rows) > 0 {
		res.NextCursor = CursorOf(rows[len(rows)-1])
	}
	p.logger.Debug("page fetched", "rows", len(rows), "total", res.TotalCount, "has_more", res.HasMore)
	return res, nil
}

// Insert creates a project and returns the stored row.
func (p *PostgREST) Insert(ctx context.Context, project record.Project) (record.Project, error) {
	if err := record.PatchFrom(project).Validate(); err != nil {
		return record.Project{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	payload, err := json.Marshal(insertRow{ID: project.ID, Patch: record.PatchFrom(project)})
	if err != nil {
		return record.Project{}, err
	}
	q := url.Values{"select": {projectSelect}}
	req, err := p.newRequest(ctx, http.MethodPost, q, payload)
	if err != nil {
		return record.Project{}, err
	}
	req.Header.Set("Prefer", "return=representation")
	return p.single(req)
}

// Update applies patch to the project with id and returns the stored row.
func (p *PostgREST) Update(ctx context.Context, id string, patch record.Patch) (record.Project, error) {
	if id == "" {
		return record.Project{}, fmt.Errorf("%w: missing id", ErrValidation)
	}
	if err := patch.Validate(); err != nil {
		return record.Project{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	payload, err := patch.Body()
	if err != nil {
		return record.Project{}, err
	}
	q := url.Values{"id": {"eq." + id}, "select": {projectSelect}}
	req, err := p.newRequest(ctx, http.MethodPatch, q, payload)
	if err != nil {
		return record.Project{}, err
	}
	req.Header.Set("Prefer", "return=representation")
	return p.single(req)
}

// Delete removes the project with id.
func (p *PostgREST) Delete(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("%w: missing id", ErrValidation)
	}
	q := url.Values{"id": {"eq." + id}, "select": {"id"}}
	req, err := p.newRequest(ctx, http.MethodDelete, q, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Prefer", "return=representation")
	body, _, err := p.do(req)
	if err != nil {
		return err
	}
	var ids []struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &ids); err != nil {
		return fmt.Errorf("%w: decode delete response: %v", ErrValidation, err)
	}
	if len(ids) == 0 {
		return fmt.Errorf("delete %s: %w", id, ErrNotFound)
	}
	return nil
}

type insertRow struct {
	ID string `json:"id,omitempty"`
	record.Patch
}

func (p *PostgREST) filterQuery(f Filters) url.Values {
	q := url.Values{}
	if f.Status != "" {
		q.Set("status", "eq."+string(f.Status))
	}
	if f.ClientID != "" {
		q.Set("client_id", "eq."+f.ClientID)
	}
	if !f.From.IsZero() {
		q.Add("created_at", "gte."+f.From.UTC().Format(time.RFC3339Nano))
	}
	if !f.To.IsZero() {
		q.Add("created_at", "lte."+f.To.UTC().Format(time.RFC3339Nano))
	}
	if s := sanitizeSearch(f.serverSearch()); s != "" && len(p.searchColumns) > 0 {
		terms := make([]string, 0, len(p.searchColumns))
		for _, col := range p.searchColumns {
			terms = append(terms, col+".ilike.*"+s+"*")
		}
		q.Set("or", "("+strings.Join(terms, ",")+")")
	}
	return q
}

// sanitizeSearch drops characters that are operators in PostgREST's filter
// grammar.
func sanitizeSearch(s string) string {
	return strings.TrimSpace(strings.Map(func(r rune) rune {
		switch r {
		case ',', '(', ')', '*', '"', '\\':
			return -1
		}
		return r
	}, s))
}

func (p *PostgREST) newRequest(ctx context.Context, method string, q url.Values, body []byte) (*http.Request, error) {
	u := *p.base
	u.Path = strings.TrimRight(u.Path, "/") + "/" + p.table
	u.RawQuery = q.Encode()

	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), r)
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", method, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if p.apiKey != "" {
		req.Header.Set("apikey", p.apiKey)
	}
	if bearer := p.bearer(); bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	return req, nil
}

func (p *PostgREST) bearer() string {
	if p.token != "" {
		return p.token
	}
	return p.apiKey
}

func (p *PostgREST) do(req *http.Request) ([]byte, http.Header, error) {
	resp, err := p.client.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return nil, nil, ctxErr
		}
		return nil, nil, fmt.Errorf("%w: %s %s: %v", ErrTransport, req.Method, p.table, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: read %s response: %v", ErrTransport, p.table, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if len(body) > maxErrorBody {
			body = body[:maxErrorBody]
		}
		serr := newStatusError(resp.StatusCode, body)
		p.logger.Warn("data store request failed", "method", req.Method, "status", resp.StatusCode, "code", serr.Code)
		return nil, nil, serr
	}
	return body, resp.Header, nil
}

// single runs req and decodes exactly one returned row.
func (p *PostgREST) single(req *http.Request) (record.Project, error) {
	body, _, err := p.do(req)
	if err != nil {
		return record.Project{}, err
	}
	rows, err := record.DecodeProjectRows(body)
	if err != nil {
		return record.Project{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if len(rows) == 0 {
		return record.Project{}, fmt.Errorf("%s %s: %w", req.Method, p.table, ErrNotFound)
	}
	return rows[0], nil
}

// parseContentRangeTotal reads the total from "0-24/143". It returns -1 when
// the total is unknown ("*") or the header is missing.
func parseContentRangeTotal(v string) int {
	_, total, ok := strings.Cut(v, "/")
	if !ok {
		return -1
	}
	n, err := strconv.Atoi(strings.TrimSpace(total))
	if err != nil {
		return -1
	}
	return n
}
