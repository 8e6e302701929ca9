package record

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// amount accepts the shapes PostgREST and realtime payloads use for numeric
// columns: a JSON number, a numeric string, or null.
type amount struct {
	value float64
	set   bool
}

func (a *amount) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*a = amount{}
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if strings.TrimSpace(s) == "" {
			*a = amount{}
			return nil
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return err
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("non-finite amount %q", s)
		}
		*a = amount{value: v, set: true}
		return nil
	}
	var v float64
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*a = amount{value: v, set: true}
	return nil
}

type embeddedClient struct {
	Name    string `json:"name"`
	Company string `json:"company"`
}

// projectRow is the wire shape of a projects row. The embedded client is
// present on selects with clients(name,company) and absent on realtime
// payloads, which may carry the flattened columns instead.
type projectRow struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	Status        string          `json:"status"`
	Budget        amount          `json:"budget"`
	Expenses      amount          `json:"expenses"`
	Received      amount          `json:"received"`
	ClientID      *string         `json:"client_id"`
	Clients       *embeddedClient `json:"clients"`
	ClientName    string          `json:"client_name"`
	ClientCompany string          `json:"client_company"`
	CreatedAt     string          `json:"created_at"`
	UpdatedAt     string          `json:"updated_at"`
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02 15:04:05.999999-07",
	"2006-01-02 15:04:05.999999-07:00",
	"2006-01-02 15:04:05.999999",
	"2006-01-02",
}

// ParseTimestamp parses the timestamp formats emitted by PostgREST and the
// realtime service. Timestamps without a zone are taken as UTC.
func ParseTimestamp(v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", v)
}

// DecodeProjectRow validates one projects row and converts it to a Project.
// The incoming pending column is ignored and recomputed.
func DecodeProjectRow(body []byte) (Project, error) {
	var row projectRow
	if err := json.Unmarshal(body, &row); err != nil {
		return Project{}, fmt.Errorf("%w: %v", ErrMalformedRow, err)
	}
	return row.project()
}

// DecodeProjectRows decodes a JSON array of projects rows. One malformed row
// rejects the whole page.
func DecodeProjectRows(body []byte) ([]Project, error) {
	var rows []json.RawMessage
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRow, err)
	}
	out := make([]Project, 0, len(rows))
	for i, raw := range rows {
		p, err := DecodeProjectRow(raw)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		out = append(out, p)
	}
	return out, nil
}

func (r projectRow) project() (Project, error) {
	if strings.TrimSpace(r.ID) == "" {
		return Project{}, malformed("id", "missing")
	}
	status, err := ParseStatus(r.Status)
	if err != nil {
		return Project{}, fmt.Errorf("status: %w", err)
	}
	p := Project{
		ID:            r.ID,
		Name:          r.Name,
		Status:        status,
		Budget:        r.Budget.value,
		Expenses:      r.Expenses.value,
		Received:      r.Received.value,
		ClientName:    r.ClientName,
		ClientCompany: r.ClientCompany,
	}
	for field, v := range map[string]float64{"budget": p.Budget, "expenses": p.Expenses, "received": p.Received} {
		if v < 0 {
			return Project{}, malformed(field, "negative")
		}
	}
	if r.ClientID != nil {
		p.ClientID = *r.ClientID
	}
	if r.Clients != nil {
		p.ClientName = r.Clients.Name
		p.ClientCompany = r.Clients.Company
	}
	if r.CreatedAt == "" {
		return Project{}, malformed("created_at", "missing")
	}
	if p.CreatedAt, err = ParseTimestamp(r.CreatedAt); err != nil {
		return Project{}, malformed("created_at", err.Error())
	}
	if r.UpdatedAt != "" {
		if p.UpdatedAt, err = ParseTimestamp(r.UpdatedAt); err != nil {
			return Project{}, malformed("updated_at", err.Error())
		}
	}
	p.Normalize()
	return p, nil
}

func malformed(field, reason string) error {
	return fmt.Errorf("%w: %s: %s", ErrMalformedRow, field, reason)
}
