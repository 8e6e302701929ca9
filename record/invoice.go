package record

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// Client is a row of the clients table.
type Client struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Company   string    `json:"company,omitempty"`
	Email     string    `json:"email,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Validate checks the fields the clients table requires.
func (c Client) Validate() error {
	if strings.TrimSpace(c.ID) == "" {
		return malformed("id", "missing")
	}
	if strings.TrimSpace(c.Name) == "" {
		return malformed("name", "missing")
	}
	return nil
}

// LineItem is one billed line of an invoice.
type LineItem struct {
	Description string  `json:"description"`
	Quantity    float64 `json:"quantity"`
	UnitPrice   float64 `json:"unit_price"`
}

// Invoice is a row of the invoices table. ClientID and ProjectID are weak
// references used for lookup only.
type Invoice struct {
	ID        string        `json:"id"`
	Number    string        `json:"number"`
	ClientID  string        `json:"client_id"`
	ProjectID string        `json:"project_id,omitempty"`
	Status    InvoiceStatus `json:"status"`
	Currency  string        `json:"currency"`
	Items     []LineItem    `json:"items"`
	TaxRate   float64       `json:"tax_rate"`
	IssuedAt  time.Time     `json:"issued_at"`
	DueAt     time.Time     `json:"due_at"`
}

// Totals is the money breakdown of an invoice.
type Totals struct {
	Subtotal float64
	Tax      float64
	Total    float64
}

var errNoItems = errors.New("no line items")

// Validate checks an invoice before it is sent to the data store.
func (inv Invoice) Validate() error {
	if strings.TrimSpace(inv.ClientID) == "" {
		return malformed("client_id", "missing")
	}
	if !inv.Status.Valid() {
		return malformed("status", fmt.Sprintf("unknown %q", inv.Status))
	}
	if len(inv.Items) == 0 {
		return malformed("items", errNoItems.Error())
	}
	for i, it := range inv.Items {
		if it.Quantity <= 0 || it.UnitPrice < 0 {
			return malformed(fmt.Sprintf("items[%d]", i), "non-positive quantity or negative price")
		}
	}
	if inv.TaxRate < 0 || inv.TaxRate > 100 {
		return malformed("tax_rate", "out of range")
	}
	if !inv.DueAt.IsZero() && inv.DueAt.Before(inv.IssuedAt) {
		return malformed("due_at", "before issued_at")
	}
	return nil
}

// Totals computes subtotal, tax and total rounded to cents. Tax is computed
// on the rounded subtotal.
func (inv Invoice) Totals() Totals {
	var sub float64
	for _, it := range inv.Items {
		sub += it.Quantity * it.UnitPrice
	}
	sub = roundCents(sub)
	tax := roundCents(sub * inv.TaxRate / 100)
	return Totals{Subtotal: sub, Tax: tax, Total: roundCents(sub + tax)}
}

// IsOverdue reports whether a sent invoice has passed its due date.
func (inv Invoice) IsOverdue(now time.Time) bool {
	if inv.Status == InvoiceOverdue {
		return true
	}
	return inv.Status == InvoiceSent && !inv.DueAt.IsZero() && now.After(inv.DueAt)
}

func roundCents(v float64) float64 {
	return math.Round(v*100) / 100
}
