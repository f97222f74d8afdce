// Package band handles volatility band validation and derivation of the
// price bounds a position is measured against.
package band

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/shopspring/decimal"
)

// Band limits, in percent.
var (
	MinPoints = decimal.RequireFromString("0.1")
	MaxPoints = decimal.RequireFromString("10.0")
)

// pointsRegex matches a percentage with at most one decimal: 2, 2.0, 0.5
var pointsRegex = regexp.MustCompile(`^\d{1,2}(\.\d)?$`)

var (
	ErrInvalidPoints = errors.New("band: points must have at most one decimal place")
	ErrOutOfRange    = errors.New("band: points must be between 0.1 and 10.0")
	ErrInvalidPrice  = errors.New("band: reference price must be positive")
)

// Bounds is the price range a position is measured against.
type Bounds struct {
	Lower decimal.Decimal `json:"lower"`
	Upper decimal.Decimal `json:"upper"`
}

// ParsePoints parses and validates a band string such as "2.5".
func ParsePoints(s string) (decimal.Decimal, error) {
	if !pointsRegex.MatchString(s) {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidPoints, s)
	}
	p, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidPoints, s)
	}
	return Validate(p)
}

// Validate checks range and precision and returns the canonical one-decimal
// value. The canonical value is the exact order-book aggregation key.
func Validate(p decimal.Decimal) (decimal.Decimal, error) {
	if !p.Equal(p.Truncate(1)) {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrInvalidPoints, p)
	}
	if p.LessThan(MinPoints) || p.GreaterThan(MaxPoints) {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrOutOfRange, p)
	}
	return p.Round(1), nil
}

// DeriveBounds computes [ref × (1 − p/100), ref × (1 + p/100)].
func DeriveBounds(ref, points decimal.Decimal) (Bounds, error) {
	if ref.LessThanOrEqual(decimal.Zero) {
		return Bounds{}, ErrInvalidPrice
	}
	if _, err := Validate(points); err != nil {
		return Bounds{}, err
	}
	delta := ref.Mul(points).Shift(-2)
	return Bounds{
		Lower: ref.Sub(delta),
		Upper: ref.Add(delta),
	}, nil
}

// Contains reports whether price lies within the bounds, inclusive.
func (b Bounds) Contains(price decimal.Decimal) bool {
	return price.GreaterThanOrEqual(b.Lower) && price.LessThanOrEqual(b.Upper)
}
