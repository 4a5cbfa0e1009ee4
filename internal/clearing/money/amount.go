package money

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	clearingerrors "settlerail/pkg/errors"
)

// Amount pairs a decimal value with the currency it is denominated in.
// All arithmetic between two Amounts requires matching currencies;
// mismatches return ErrInvalidInput rather than silently converting.
type Amount struct {
	Value    decimal.Decimal
	Currency Currency
}

func NewAmount(value decimal.Decimal, ccy Currency) Amount {
	return Amount{Value: value, Currency: ccy}
}

// ParseAmount builds an Amount from a decimal string and an ISO 4217 code.
func ParseAmount(value, currencyCode string) (Amount, error) {
	ccy, err := LookupCurrency(currencyCode)
	if err != nil {
		return Amount{}, err
	}
	dec, err := decimal.NewFromString(value)
	if err != nil {
		return Amount{}, clearingerrors.Wrap(clearingerrors.ErrInvalidInput, "invalid amount "+value)
	}
	return Amount{Value: dec, Currency: ccy}, nil
}

func Zero(ccy Currency) Amount {
	return Amount{Value: decimal.Zero, Currency: ccy}
}

func (a Amount) sameCurrency(b Amount) error {
	if a.Currency.Code != b.Currency.Code {
		return clearingerrors.Wrap(clearingerrors.ErrInvalidInput,
			fmt.Sprintf("currency mismatch: %s vs %s", a.Currency.Code, b.Currency.Code))
	}
	return nil
}

func (a Amount) Add(b Amount) (Amount, error) {
	if err := a.sameCurrency(b); err != nil {
		return Amount{}, err
	}
	return Amount{Value: a.Value.Add(b.Value), Currency: a.Currency}, nil
}

func (a Amount) Sub(b Amount) (Amount, error) {
	if err := a.sameCurrency(b); err != nil {
		return Amount{}, err
	}
	return Amount{Value: a.Value.Sub(b.Value), Currency: a.Currency}, nil
}

func (a Amount) Neg() Amount {
	return Amount{Value: a.Value.Neg(), Currency: a.Currency}
}

func (a Amount) Abs() Amount {
	return Amount{Value: a.Value.Abs(), Currency: a.Currency}
}

func (a Amount) IsZero() bool { return a.Value.IsZero() }
func (a Amount) IsNegative() bool { return a.Value.IsNegative() }
func (a Amount) IsPositive() bool { return a.Value.IsPositive() }

// GreaterThan and co. only compare amounts in the same currency; callers
// that need cross-currency comparisons must convert first (out of scope
// for this package).
func (a Amount) GreaterThan(b Amount) bool { return a.Value.GreaterThan(b.Value) }
func (a Amount) LessThan(b Amount) bool    { return a.Value.LessThan(b.Value) }
func (a Amount) Equal(b Amount) bool {
	return a.Currency.Code == b.Currency.Code && a.Value.Equal(b.Value)
}

// RoundToMinorUnit rounds the amount to its currency's decimal precision,
// e.g. 2 places for USD, 0 for JPY, 3 for KWD.
func (a Amount) RoundToMinorUnit() Amount {
	return Amount{Value: a.Value.Round(int32(a.Currency.MinorUnits)), Currency: a.Currency}
}

func (a Amount) String() string {
	return fmt.Sprintf("%s %s", a.Value.StringFixed(int32(a.Currency.MinorUnits)), a.Currency.Code)
}

type jsonAmount struct {
	Value    string `json:"value"`
	Currency string `json:"currency"`
}

func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(jsonAmount{Value: a.Value.String(), Currency: a.Currency.Code})
}

func (a *Amount) UnmarshalJSON(data []byte) error {
	var j jsonAmount
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	parsed, err := ParseAmount(j.Value, j.Currency)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// DriverValue renders Amount as a single "value currency" text value. It is
// not named Value, so Amount does not implement driver.Valuer; the Postgres
// repositories store value and currency in separate columns instead.
func (a Amount) DriverValue() (driver.Value, error) {
	return a.Value.String() + " " + a.Currency.Code, nil
}
