package realtime

import (
	"fmt"

	"github.com/goforj/viewcache/record"
)

// ProjectsTable is the table Reduce understands.
const ProjectsTable = "projects"

// Reduce applies one change event to view and returns the new list. view is
// not modified. Applying the same event twice yields the same list as
// applying it once.
//
//   - Insert prepends the row unless its id is already present.
//   - Update replaces the row with the matching id; client display fields
//     absent from the payload are kept when the client did not change.
//   - Delete removes the row whose id is in the old record.
//
// Events for rows outside view are ignored.
func Reduce(view []record.Project, ev Event) ([]record.Project, error) {
	if ev.Table != "" && ev.Table != ProjectsTable {
		return view, fmt.Errorf("%w: %q", ErrUnsupportedTable, ev.Table)
	}
	switch ev.Type {
	case Insert:
		p, err := record.DecodeProjectRow(ev.New)
		if err != nil {
			return view, fmt.Errorf("%w: %w", ErrMalformedEvent, err)
		}
		if record.IndexOf(view, p.ID) >= 0 {
			return view, nil
		}
		out := make([]record.Project, 0, len(view)+1)
		out = append(out, p)
		return append(out, view...), nil

	case Update:
		p, err := record.DecodeProjectRow(ev.New)
		if err != nil {
			return view, fmt.Errorf("%w: %w", ErrMalformedEvent, err)
		}
		i := record.IndexOf(view, p.ID)
		if i < 0 {
			return view, nil
		}
		cur := view[i]
		if p.ClientID == cur.ClientID {
			if p.ClientName == "" {
				p.ClientName = cur.ClientName
			}
			if p.ClientCompany == "" {
				p.ClientCompany = cur.ClientCompany
			}
		}
		out := make([]record.Project, len(view))
		copy(out, view)
		out[i] = p
		return out, nil

	case Delete:
		id, err := ev.RecordID()
		if err != nil {
			return view, err
		}
		i := record.IndexOf(view, id)
		if i < 0 {
			return view, nil
		}
		out := make([]record.Project, 0, len(view)-1)
		out = append(out, view[:i]...)
		return append(out, view[i+1:]...), nil
	}
	return view, fmt.Errorf("%w: unknown type %q", ErrMalformedEvent, ev.Type)
}
