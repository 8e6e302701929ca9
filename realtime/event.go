// Package realtime merges change events pushed by the data store into a
// locally held project list and keeps the subscription alive.
package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/goforj/viewcache/optimistic"
)

var (
	// ErrMalformedEvent is returned for events whose payload cannot be used.
	ErrMalformedEvent = errors.New("realtime: malformed event")
	// ErrUnsupportedTable is returned when an event targets another table.
	ErrUnsupportedTable = errors.New("realtime: unsupported table")
)

// EventType is the kind of change carried by an Event.
type EventType string

const (
	Insert EventType = "INSERT"
	Update EventType = "UPDATE"
	Delete EventType = "DELETE"
)

// ParseEventType accepts the upper or lower case spelling of a change type.
func ParseEventType(v string) (EventType, error) {
	switch t := EventType(strings.ToUpper(strings.TrimSpace(v))); t {
	case Insert, Update, Delete:
		return t, nil
	}
	return "", fmt.Errorf("%w: unknown type %q", ErrMalformedEvent, v)
}

// Kind maps the event type onto the optimistic update kind it confirms.
func (t EventType) Kind() optimistic.Kind {
	switch t {
	case Insert:
		return optimistic.KindInsert
	case Delete:
		return optimistic.KindDelete
	default:
		return optimistic.KindUpdate
	}
}

// Event is one change notification. New carries the row after the change
// (insert, update) and Old the row before it (delete, and update when the
// table publishes old values).
type Event struct {
	Type            EventType       `json:"type"`
	Schema          string          `json:"schema,omitempty"`
	Table           string          `json:"table"`
	New             json.RawMessage `json:"record,omitempty"`
	Old             json.RawMessage `json:"old_record,omitempty"`
	CommitTimestamp string          `json:"commit_timestamp,omitempty"`
}

// RecordID returns the id of the row the event is about.
func (e Event) RecordID() (string, error) {
	body := e.New
	if e.Type == Delete {
		body = e.Old
	}
	if len(body) == 0 {
		return "", fmt.Errorf("%w: %s without row payload", ErrMalformedEvent, e.Type)
	}
	var row struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &row); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if row.ID == "" {
		return "", fmt.Errorf("%w: %s row without id", ErrMalformedEvent, e.Type)
	}
	return row.ID, nil
}

// DecodeEvent parses a JSON change event and normalizes its type.
func DecodeEvent(body []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	t, err := ParseEventType(string(ev.Type))
	if err != nil {
		return Event{}, err
	}
	ev.Type = t
	return ev, nil
}
