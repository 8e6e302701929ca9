package record

import "fmt"

// Status is the lifecycle state of a project.
type Status string

const (
	StatusActive    Status = "active"
	StatusPipeline  Status = "pipeline"
	StatusCompleted Status = "completed"
	StatusOnHold    Status = "on_hold"
	StatusCancelled Status = "cancelled"
)

// Statuses lists every project status in display order.
var Statuses = []Status{StatusActive, StatusPipeline, StatusCompleted, StatusOnHold, StatusCancelled}

// Valid reports whether s is a known project status.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusPipeline, StatusCompleted, StatusOnHold, StatusCancelled:
		return true
	}
	return false
}

// ParseStatus converts a wire value into a Status.
func ParseStatus(v string) (Status, error) {
	s := Status(v)
	if !s.Valid() {
		return "", fmt.Errorf("%w: unknown status %q", ErrMalformedRow, v)
	}
	return s, nil
}

// InvoiceStatus is the lifecycle state of an invoice.
type InvoiceStatus string

const (
	InvoiceDraft     InvoiceStatus = "draft"
	InvoiceSent      InvoiceStatus = "sent"
	InvoicePaid      InvoiceStatus = "paid"
	InvoiceOverdue   InvoiceStatus = "overdue"
	InvoiceCancelled InvoiceStatus = "cancelled"
)

// Valid reports whether s is a known invoice status.
func (s InvoiceStatus) Valid() bool {
	switch s {
	case InvoiceDraft, InvoiceSent, InvoicePaid, InvoiceOverdue, InvoiceCancelled:
		return true
	}
	return false
}
