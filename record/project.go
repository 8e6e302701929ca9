package record

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrMalformedRow is returned when a row from the data store fails validation.
	ErrMalformedRow = errors.New("record: malformed row")
	// ErrInvalidPatch is returned when a mutation payload fails validation.
	ErrInvalidPatch = errors.New("record: invalid patch")
)

// Project is the view model for a row of the projects table with the owning
// client's display fields flattened in.
type Project struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Status        Status    `json:"status"`
	Budget        float64   `json:"budget"`
	Expenses      float64   `json:"expenses"`
	Received      float64   `json:"received"`
	Pending       float64   `json:"pending"`
	ClientID      string    `json:"client_id,omitempty"`
	ClientName    string    `json:"client_name,omitempty"`
	ClientCompany string    `json:"client_company,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Normalize recomputes derived fields. Pending is always budget minus
// received, floored at zero, whatever value the row carried.
func (p *Project) Normalize() {
	p.Pending = max(0, p.Budget-p.Received)
}

// Normalized returns a normalized copy of p.
func (p Project) Normalized() Project {
	p.Normalize()
	return p
}

// NewID returns an identifier for a record created locally before the data
// store has assigned one.
func NewID() string {
	return uuid.NewString()
}

// IndexOf returns the position of the project with id, or -1.
func IndexOf(projects []Project, id string) int {
	for i := range projects {
		if projects[i].ID == id {
			return i
		}
	}
	return -1
}

// BudgetSummary aggregates the money fields of a project list.
type BudgetSummary struct {
	Budget   float64
	Expenses float64
	Received float64
	Pending  float64
	Count    int
}

// ProjectBudgetSummary sums budget, expenses, received and pending across
// projects. Pending is recomputed per project rather than trusted.
func ProjectBudgetSummary(projects []Project) BudgetSummary {
	var s BudgetSummary
	for _, p := range projects {
		s.Budget += p.Budget
		s.Expenses += p.Expenses
		s.Received += p.Received
		s.Pending += p.Normalized().Pending
		s.Count++
	}
	s.Budget = roundCents(s.Budget)
	s.Expenses = roundCents(s.Expenses)
	s.Received = roundCents(s.Received)
	s.Pending = roundCents(s.Pending)
	return s
}
