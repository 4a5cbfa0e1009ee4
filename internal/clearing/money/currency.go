// Package money provides arbitrary-precision currency amounts for the
// clearing engine. Every obligation, ledger entry and net position is
// carried as an Amount; nothing in this package ever touches float64.
package money

import (
	"strings"

	clearingerrors "settlerail/pkg/errors"
)

// Currency is an ISO 4217 currency, identified by its three-letter code
// and the number of minor units (decimal places) it is quoted in. Unlike
// a fixed enum, new currencies can be registered at startup without a
// code change.
type Currency struct {
	Code        string
	MinorUnits  int
	Description string
}

var registry = map[string]Currency{
	"USD": {Code: "USD", MinorUnits: 2, Description: "US Dollar"},
	"EUR": {Code: "EUR", MinorUnits: 2, Description: "Euro"},
	"GBP": {Code: "GBP", MinorUnits: 2, Description: "Pound Sterling"},
	"CNY": {Code: "CNY", MinorUnits: 2, Description: "Renminbi"},
	"JPY": {Code: "JPY", MinorUnits: 0, Description: "Yen"},
	"CHF": {Code: "CHF", MinorUnits: 2, Description: "Swiss Franc"},
	"MWK": {Code: "MWK", MinorUnits: 2, Description: "Malawian Kwacha"},
	"KWD": {Code: "KWD", MinorUnits: 3, Description: "Kuwaiti Dinar"},
}

// RegisterCurrency adds or overrides a currency in the process-wide table.
// Called during startup configuration, never from request-handling paths.
func RegisterCurrency(c Currency) {
	registry[strings.ToUpper(c.Code)] = c
}

// LookupCurrency resolves an ISO 4217 code to its Currency definition.
func LookupCurrency(code string) (Currency, error) {
	c, ok := registry[strings.ToUpper(strings.TrimSpace(code))]
	if !ok {
		return Currency{}, clearingerrors.Wrap(clearingerrors.ErrInvalidInput, "unknown currency code "+code)
	}
	return c, nil
}

func (c Currency) String() string { return c.Code }
