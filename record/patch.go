package record

import (
	"encoding/json"
	"fmt"
)

// Patch is a partial update of a project. Nil fields are left untouched.
// The client display fields travel only in memory; the data store derives
// them from client_id.
type Patch struct {
	Name          *string  `json:"name,omitempty"`
	Status        *Status  `json:"status,omitempty"`
	Budget        *float64 `json:"budget,omitempty"`
	Expenses      *float64 `json:"expenses,omitempty"`
	Received      *float64 `json:"received,omitempty"`
	ClientID      *string  `json:"client_id,omitempty"`
	ClientName    *string  `json:"-"`
	ClientCompany *string  `json:"-"`
}

// Apply returns p with the patch applied and derived fields recomputed.
func (pt Patch) Apply(p Project) Project {
	if pt.Name != nil {
		p.Name = *pt.Name
	}
	if pt.Status != nil {
		p.Status = *pt.Status
	}
	if pt.Budget != nil {
		p.Budget = *pt.Budget
	}
	if pt.Expenses != nil {
		p.Expenses = *pt.Expenses
	}
	if pt.Received != nil {
		p.Received = *pt.Received
	}
	if pt.ClientID != nil {
		p.ClientID = *pt.ClientID
	}
	if pt.ClientName != nil {
		p.ClientName = *pt.ClientName
	}
	if pt.ClientCompany != nil {
		p.ClientCompany = *pt.ClientCompany
	}
	p.Normalize()
	return p
}

// Validate rejects patches the data store would refuse.
func (pt Patch) Validate() error {
	if pt.Status != nil && !pt.Status.Valid() {
		return fmt.Errorf("%w: status: unknown %q", ErrInvalidPatch, *pt.Status)
	}
	if pt.Name != nil && *pt.Name == "" {
		return fmt.Errorf("%w: name: empty", ErrInvalidPatch)
	}
	for field, v := range map[string]*float64{"budget": pt.Budget, "expenses": pt.Expenses, "received": pt.Received} {
		if v != nil && *v < 0 {
			return fmt.Errorf("%w: %s: negative", ErrInvalidPatch, field)
		}
	}
	return nil
}

// IsEmpty reports whether the patch changes nothing.
func (pt Patch) IsEmpty() bool {
	return pt == Patch{}
}

// Body encodes the patch as a request body for the data store.
func (pt Patch) Body() ([]byte, error) {
	return json.Marshal(pt)
}

// PatchFrom builds a patch that sets every writable field of p.
func PatchFrom(p Project) Patch {
	pt := Patch{
		Name:     &p.Name,
		Status:   &p.Status,
		Budget:   &p.Budget,
		Expenses: &p.Expenses,
		Received: &p.Received,
	}
	if p.ClientID != "" {
		pt.ClientID = &p.ClientID
		pt.ClientName = &p.ClientName
		pt.ClientCompany = &p.ClientCompany
	}
	return pt
}

// Ptr returns a pointer to v, for building patches inline.
func Ptr[T any](v T) *T {
	return &v
}
