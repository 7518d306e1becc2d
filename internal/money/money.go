// Package money holds the numeric policy for ledger amounts: every value is
// rounded to five decimal places, and a balance within 0.00001 of zero is settled.
package money

import (
	"errors"
	"strings"

	"github.com/shopspring/decimal"
)

// Scale is the number of decimal places kept at every boundary.
const Scale = 5

var (
	// Epsilon is the largest outstanding amount still treated as fully repaid.
	Epsilon = decimal.New(1, -Scale)

	ErrInvalidAmount = errors.New("invalid amount")
	ErrNonPositive   = errors.New("amount must be greater than zero")
)

// Round rounds to Scale decimal places.
func Round(d decimal.Decimal) decimal.Decimal {
	return d.Round(Scale)
}

// Parse reads a decimal string and rounds it.
func Parse(raw string) (decimal.Decimal, error) {
	clean := strings.TrimSpace(strings.ReplaceAll(raw, ",", ""))
	if clean == "" {
		return decimal.Zero, ErrInvalidAmount
	}
	d, err := decimal.NewFromString(clean)
	if err != nil {
		return decimal.Zero, ErrInvalidAmount
	}
	return Round(d), nil
}

// ParsePositive reads a decimal string and rejects values that round to zero or below.
func ParsePositive(raw string) (decimal.Decimal, error) {
	d, err := Parse(raw)
	if err != nil {
		return decimal.Zero, err
	}
	if !d.IsPositive() {
		return decimal.Zero, ErrNonPositive
	}
	return d, nil
}

// IsSettled reports whether an outstanding balance counts as fully repaid.
func IsSettled(outstanding decimal.Decimal) bool {
	return outstanding.LessThanOrEqual(Epsilon)
}

// Sub subtracts and rounds.
func Sub(a, b decimal.Decimal) decimal.Decimal {
	return Round(a.Sub(b))
}

// MulRatio multiplies an amount by a ratio and rounds.
func MulRatio(amount decimal.Decimal, ratio float64) decimal.Decimal {
	return Round(amount.Mul(decimal.NewFromFloat(ratio)))
}

// Format renders a rounded amount without trailing zeros.
func Format(d decimal.Decimal) string {
	s := Round(d).StringFixed(Scale)
	if strings.Contains(s, ".") {
		s = strings.TrimRight(s, "0")
		s = strings.TrimSuffix(s, ".")
	}
	return s
}
