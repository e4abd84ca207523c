// Package money provides currency-safe arithmetic over integer minor units
// using the Fowler Money pattern. Marketplace amounts are parsed as decimals
// and stored as cents through this package.
package money

import (
	"errors"

	"github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"
)

// Common currency codes (ISO-4217)
const (
	BRL = "BRL" // Brazilian Real
	USD = "USD" // US Dollar
	EUR = "EUR" // Euro
	MXN = "MXN" // Mexican Peso
)

// ErrUnknownCurrency is returned for codes go-money does not know.
var ErrUnknownCurrency = errors.New("unknown currency code")

// Money represents a monetary value with currency.
// It wraps go-money for safe arithmetic and shopspring/decimal for conversions.
type Money struct {
	m *money.Money
}

// New creates a new Money value from cents (minor units) and currency code.
func New(amountCents int64, currencyCode string) *Money {
	return &Money{
		m: money.New(amountCents, currencyCode),
	}
}

// NewFromDecimal creates Money from a decimal.Decimal value, rounding to the
// currency's minor unit.
func NewFromDecimal(amount decimal.Decimal, currencyCode string) *Money {
	return New(Cents(amount, currencyCode), currencyCode)
}

// Cents converts a decimal amount to minor units of the currency.
// Unknown currencies are treated as having two decimal places.
func Cents(amount decimal.Decimal, currencyCode string) int64 {
	fraction := 2
	if c := money.GetCurrency(currencyCode); c != nil {
		fraction = c.Fraction
	}
	return amount.Shift(int32(fraction)).Round(0).IntPart()
}

// ValidateCurrency checks that go-money knows the ISO-4217 code.
func ValidateCurrency(code string) error {
	if money.GetCurrency(code) == nil {
		return ErrUnknownCurrency
	}
	return nil
}

// Zero returns a zero Money value for the given currency
func Zero(currencyCode string) *Money {
	return New(0, currencyCode)
}

// Amount returns the amount in minor units (cents)
func (m *Money) Amount() int64 {
	if m == nil || m.m == nil {
		return 0
	}
	return m.m.Amount()
}

// IsZero returns true if the amount is zero
func (m *Money) IsZero() bool {
	return m == nil || m.m == nil || m.m.IsZero()
}

// Abs returns the absolute value
func (m *Money) Abs() *Money {
	if m == nil || m.m == nil {
		return Zero(BRL)
	}
	return &Money{m: m.m.Absolute()}
}

// Add adds two Money values. Returns error if currencies don't match.
func (m *Money) Add(other *Money) (*Money, error) {
	if m == nil || m.m == nil {
		return other, nil
	}
	if other == nil || other.m == nil {
		return m, nil
	}

	result, err := m.m.Add(other.m)
	if err != nil {
		return nil, err
	}
	return &Money{m: result}, nil
}

// Subtract subtracts other from m. Returns error if currencies don't match.
func (m *Money) Subtract(other *Money) (*Money, error) {
	if other == nil || other.m == nil {
		return m, nil
	}
	if m == nil || m.m == nil {
		return &Money{m: other.m.Negative()}, nil
	}

	result, err := m.m.Subtract(other.m)
	if err != nil {
		return nil, err
	}
	return &Money{m: result}, nil
}

// Equals returns true if both values are equal
func (m *Money) Equals(other *Money) bool {
	if m == nil || m.m == nil {
		return other == nil || other.m == nil || other.IsZero()
	}
	if other == nil || other.m == nil {
		return m.IsZero()
	}
	eq, _ := m.m.Equals(other.m)
	return eq
}

// Display returns a formatted string for display (e.g., "R$1.234,56")
func (m *Money) Display() string {
	if m == nil || m.m == nil {
		return ""
	}
	return m.m.Display()
}

// String returns the amount as a decimal string (e.g., "1234.56")
func (m *Money) String() string {
	if m == nil || m.m == nil {
		return "0.00"
	}
	return m.ToDecimal().StringFixed(int32(m.m.Currency().Fraction))
}

// ToDecimal converts to decimal.Decimal for precise calculations
func (m *Money) ToDecimal() decimal.Decimal {
	if m == nil || m.m == nil {
		return decimal.Zero
	}
	return decimal.New(m.m.Amount(), -int32(m.m.Currency().Fraction))
}

// Breakdown is the settlement split of one marketplace transaction.
type Breakdown struct {
	Gross           *Money
	Fees            *Money
	Taxes           *Money
	OtherDeductions *Money
	Net             *Money
}

// NewBreakdown converts decimal amounts to Money in one currency.
func NewBreakdown(currency string, gross, fees, taxes, other, net decimal.Decimal) Breakdown {
	return Breakdown{
		Gross:           NewFromDecimal(gross, currency),
		Fees:            NewFromDecimal(fees, currency),
		Taxes:           NewFromDecimal(taxes, currency),
		OtherDeductions: NewFromDecimal(other, currency),
		Net:             NewFromDecimal(net, currency),
	}
}

// Deductions is the sum of fees, taxes and other deductions.
func (b Breakdown) Deductions() (*Money, error) {
	sum, err := b.Fees.Add(b.Taxes)
	if err != nil {
		return nil, err
	}
	return sum.Add(b.OtherDeductions)
}

// Reconciles reports whether gross minus deductions equals net.
// Marketplace reports do not always reconcile (taxes collected on behalf of
// the buyer, shipping subsidies), so this is informational.
func (b Breakdown) Reconciles() bool {
	deductions, err := b.Deductions()
	if err != nil {
		return false
	}
	expected, err := b.Gross.Subtract(deductions)
	if err != nil {
		return false
	}
	return expected.Abs().Equals(b.Net.Abs())
}
