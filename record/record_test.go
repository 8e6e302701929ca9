package record

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"golang.org/x/text/language"
)

func TestDecodeProjectRowFlattensClientAndRecomputesPending(t *testing.T) {
	body := []byte(`{
		"id": "p1",
		"name": "Brand refresh",
		"status": "active",
		"budget": 5000,
		"expenses": "1200.50",
		"received": 1500,
		"pending": 99999,
		"client_id": "c1",
		"clients": {"name": "Jane Roe", "company": "Acme Corp"},
		"created_at": "2026-02-01T10:00:00.123456+00:00",
		"updated_at": "2026-02-02 11:00:00+00"
	}`)
	p, err := DecodeProjectRow(body)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if p.Pending != 3500 {
		t.Fatalf("expected pending recomputed to 3500, got %v", p.Pending)
	}
	if p.Expenses != 1200.50 {
		t.Fatalf("expected string amount parsed, got %v", p.Expenses)
	}
	if p.ClientName != "Jane Roe" || p.ClientCompany != "Acme Corp" || p.ClientID != "c1" {
		t.Fatalf("expected client flattened, got %+v", p)
	}
	if p.CreatedAt.Year() != 2026 || p.UpdatedAt.Day() != 2 {
		t.Fatalf("unexpected timestamps: %v %v", p.CreatedAt, p.UpdatedAt)
	}
}

func TestDecodeProjectRowRejectsMalformedRows(t *testing.T) {
	cases := map[string]string{
		"missing id":     `{"status":"active","created_at":"2026-01-01"}`,
		"unknown status": `{"id":"p1","status":"paused","created_at":"2026-01-01"}`,
		"negative money": `{"id":"p1","status":"active","budget":-1,"created_at":"2026-01-01"}`,
		"bad timestamp":  `{"id":"p1","status":"active","created_at":"yesterday"}`,
		"no created_at":  `{"id":"p1","status":"active"}`,
		"bad amount":     `{"id":"p1","status":"active","budget":"lots","created_at":"2026-01-01"}`,
		"NaN amount":     `{"id":"p1","status":"active","budget":"NaN","created_at":"2026-01-01"}`,
		"infinite":       `{"id":"p1","status":"active","received":"Infinity","created_at":"2026-01-01"}`,
		"negative inf":   `{"id":"p1","status":"active","expenses":"-Inf","created_at":"2026-01-01"}`,
		"overflow":       `{"id":"p1","status":"active","budget":"1e400","created_at":"2026-01-01"}`,
		"not an object":  `[1,2]`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := DecodeProjectRow([]byte(body)); !errors.Is(err, ErrMalformedRow) {
				t.Fatalf("expected ErrMalformedRow, got %v", err)
			}
		})
	}
}

func TestDecodeProjectRowsRejectsWholePage(t *testing.T) {
	body := `[{"id":"p1","status":"active","created_at":"2026-01-01"},{"id":"","status":"active"}]`
	_, err := DecodeProjectRows([]byte(body))
	if !errors.Is(err, ErrMalformedRow) || !strings.Contains(err.Error(), "row 1") {
		t.Fatalf("expected row 1 rejection, got %v", err)
	}
	rows, err := DecodeProjectRows([]byte(`[]`))
	if err != nil || len(rows) != 0 {
		t.Fatalf("expected empty page, got %v %v", rows, err)
	}
}

func TestNormalizeFloorsPendingAtZero(t *testing.T) {
	p := Project{Budget: 100, Received: 250, Pending: 42}
	p.Normalize()
	if p.Pending != 0 {
		t.Fatalf("expected pending floored at zero, got %v", p.Pending)
	}
}

func TestPatchApplyRecomputesPending(t *testing.T) {
	base := Project{ID: "p1", Name: "Site", Status: StatusActive, Budget: 1000, Received: 200}
	base.Normalize()

	got := Patch{Received: Ptr(900.0), Status: Ptr(StatusCompleted)}.Apply(base)
	if got.Pending != 100 || got.Status != StatusCompleted {
		t.Fatalf("unexpected patched project: %+v", got)
	}
	if base.Status != StatusActive || base.Pending != 800 {
		t.Fatalf("expected base untouched, got %+v", base)
	}
}

func TestPatchValidateAndBody(t *testing.T) {
	if err := (Patch{Status: Ptr(Status("paused"))}).Validate(); !errors.Is(err, ErrInvalidPatch) {
		t.Fatalf("expected invalid status, got %v", err)
	}
	if err := (Patch{Budget: Ptr(-5.0)}).Validate(); !errors.Is(err, ErrInvalidPatch) {
		t.Fatalf("expected negative budget rejected, got %v", err)
	}
	if err := (Patch{Name: Ptr("")}).Validate(); !errors.Is(err, ErrInvalidPatch) {
		t.Fatalf("expected empty name rejected, got %v", err)
	}
	if !(Patch{}).IsEmpty() {
		t.Fatalf("expected zero patch empty")
	}

	body, err := Patch{Status: Ptr(StatusOnHold), ClientName: Ptr("hidden")}.Body()
	if err != nil {
		t.Fatalf("body failed: %v", err)
	}
	var decoded map[string]any
	_ = json.Unmarshal(body, &decoded)
	if len(decoded) != 1 || decoded["status"] != "on_hold" {
		t.Fatalf("expected only status on the wire, got %s", body)
	}
}

func TestPatchFromCopiesWritableFields(t *testing.T) {
	p := Project{ID: "p1", Name: "X", Status: StatusPipeline, Budget: 10, ClientID: "c1", ClientName: "Jane"}
	got := PatchFrom(p).Apply(Project{ID: "p1"})
	if got.Name != "X" || got.Status != StatusPipeline || got.Budget != 10 || got.ClientName != "Jane" {
		t.Fatalf("unexpected copy: %+v", got)
	}
}

func TestInvoiceTotals(t *testing.T) {
	inv := Invoice{
		Items: []LineItem{
			{Description: "Design", Quantity: 3, UnitPrice: 333.333},
			{Description: "Hosting", Quantity: 1, UnitPrice: 19.99},
		},
		TaxRate: 8.25,
	}
	got := inv.Totals()
	if got.Subtotal != 1019.99 {
		t.Fatalf("unexpected subtotal: %v", got.Subtotal)
	}
	if got.Tax != 84.15 {
		t.Fatalf("unexpected tax: %v", got.Tax)
	}
	if got.Total != 1104.14 {
		t.Fatalf("unexpected total: %v", got.Total)
	}
}

func TestInvoiceValidateAndOverdue(t *testing.T) {
	issued := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	inv := Invoice{
		ClientID: "c1",
		Status:   InvoiceSent,
		Items:    []LineItem{{Description: "Work", Quantity: 1, UnitPrice: 10}},
		IssuedAt: issued,
		DueAt:    issued.Add(30 * 24 * time.Hour),
	}
	if err := inv.Validate(); err != nil {
		t.Fatalf("expected valid invoice: %v", err)
	}
	if inv.IsOverdue(issued.Add(24 * time.Hour)) {
		t.Fatalf("expected not overdue before due date")
	}
	if !inv.IsOverdue(issued.Add(31 * 24 * time.Hour)) {
		t.Fatalf("expected overdue after due date")
	}

	bad := inv
	bad.Items = nil
	if err := bad.Validate(); !errors.Is(err, ErrMalformedRow) {
		t.Fatalf("expected missing items rejected, got %v", err)
	}
	bad = inv
	bad.DueAt = issued.Add(-time.Hour)
	if err := bad.Validate(); err == nil {
		t.Fatalf("expected due before issue rejected")
	}
}

func TestProjectBudgetSummary(t *testing.T) {
	got := ProjectBudgetSummary([]Project{
		{Budget: 1000, Expenses: 100, Received: 400, Pending: 1},
		{Budget: 500, Expenses: 50, Received: 700},
	})
	if got.Budget != 1500 || got.Expenses != 150 || got.Received != 1100 || got.Pending != 600 || got.Count != 2 {
		t.Fatalf("unexpected summary: %+v", got)
	}
}

func TestFormatMoney(t *testing.T) {
	out, err := FormatMoney(1234.5, "usd", language.AmericanEnglish)
	if err != nil {
		t.Fatalf("format failed: %v", err)
	}
	if !strings.Contains(out, "$") || !strings.Contains(out, "1,234") {
		t.Fatalf("unexpected formatted amount: %q", out)
	}
	if _, err := FormatMoney(1, "ZZZ", language.English); !errors.Is(err, ErrUnknownCurrency) {
		t.Fatalf("expected unknown currency error, got %v", err)
	}
	if out, err := FormatMoney(5, "", language.English); err != nil || out == "" {
		t.Fatalf("expected default currency, got %q %v", out, err)
	}
}

func TestClientValidate(t *testing.T) {
	if err := (Client{ID: "c1", Name: "Jane"}).Validate(); err != nil {
		t.Fatalf("expected valid client: %v", err)
	}
	if err := (Client{ID: "c1"}).Validate(); !errors.Is(err, ErrMalformedRow) {
		t.Fatalf("expected missing name rejected, got %v", err)
	}
}

func TestNewIDIsUnique(t *testing.T) {
	if a, b := NewID(), NewID(); a == b || len(a) != 36 {
		t.Fatalf("expected distinct uuids, got %q %q", a, b)
	}
}
