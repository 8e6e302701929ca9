package record

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// ErrUnknownCurrency is returned for codes that are not ISO 4217 currencies.
var ErrUnknownCurrency = errors.New("record: unknown currency")

// DefaultCurrency is used when an invoice or setting carries no currency.
const DefaultCurrency = "USD"

// FormatMoney renders amount in the given ISO 4217 currency using the
// grouping and symbol conventions of lang.
func FormatMoney(amount float64, code string, lang language.Tag) (string, error) {
	if strings.TrimSpace(code) == "" {
		code = DefaultCurrency
	}
	unit, err := currency.ParseISO(strings.ToUpper(code))
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrUnknownCurrency, code)
	}
	p := message.NewPrinter(lang)
	return p.Sprint(currency.Symbol(unit.Amount(roundCents(amount)))), nil
}
