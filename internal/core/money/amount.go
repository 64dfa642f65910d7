// Package money implements exact monetary arithmetic in signed integer
// minor units (cents). Wire values are decimal strings of the form
// [-]digits or [-]digits.dd; nothing else parses. Floating point is never
// used for money.
package money

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/shopspring/decimal"
)

// Amount is a monetary value in signed minor units (cents).
type Amount int64

var (
	// ErrInvalidAmount is returned when a wire string is not of the form
	// [-]d+(.dd)?.
	ErrInvalidAmount = errors.New("invalid amount")
	// ErrAmountRange is returned when a value does not fit in int64 cents.
	ErrAmountRange = errors.New("amount out of range")
)

var amountPattern = regexp.MustCompile(`^-?[0-9]+(\.[0-9]{2})?$`)

// Parse converts a wire decimal string into cents. It accepts exactly zero
// or two fractional digits and rejects everything else.
func Parse(s string) (Amount, error) {
	if !amountPattern.MatchString(s) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	cents := d.Shift(2)
	bi := cents.BigInt()
	if !bi.IsInt64() {
		return 0, fmt.Errorf("%w: %q", ErrAmountRange, s)
	}
	return Amount(bi.Int64()), nil
}

// MustParse is Parse for test fixtures and constants; it panics on error.
func MustParse(s string) Amount {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

// Format renders cents as the canonical wire string: always two fractional
// digits, '-' prefix for negative values.
func Format(a Amount) string {
	return decimal.New(int64(a), -2).StringFixed(2)
}

// Cents returns the raw minor-unit value.
func (a Amount) Cents() int64 {
	return int64(a)
}

// String renders the canonical wire form.
func (a Amount) String() string {
	return Format(a)
}

func (a Amount) Add(other Amount) Amount {
	return a + other
}

func (a Amount) Sub(other Amount) Amount {
	return a - other
}

// Neg returns the amount with its sign flipped.
func (a Amount) Neg() Amount {
	return -a
}

// Abs returns the magnitude of the amount.
func (a Amount) Abs() Amount {
	if a < 0 {
		return -a
	}
	return a
}

func (a Amount) IsZero() bool {
	return a == 0
}

func (a Amount) IsPositive() bool {
	return a > 0
}

func (a Amount) IsNegative() bool {
	return a < 0
}
