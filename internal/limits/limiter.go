// Package limits enforces per-user exposure caps on new volatility orders.
//
// Orders on the same side at nearby bands carry correlated risk: a 2.0 and a
// 2.1 point breakout both pay out on almost the same price paths. The limiter
// therefore caps a single band, the sum over the bands within Radius of it,
// and the user's total open exposure.
package limits

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/voltx/vault-engine/internal/model"
)

var (
	// ErrBandLimitExceeded is returned when an order would push the user's
	// exposure at a single band beyond MaxPerBand.
	ErrBandLimitExceeded = errors.New("limits: per-band exposure limit exceeded")

	// ErrCorrelatedLimitExceeded is returned when an order would push the
	// user's exposure across neighbouring bands beyond MaxCorrelated.
	ErrCorrelatedLimitExceeded = errors.New("limits: correlated band exposure limit exceeded")

	// ErrTotalLimitExceeded is returned when an order would push the user's
	// total open exposure beyond MaxTotal.
	ErrTotalLimitExceeded = errors.New("limits: total exposure limit exceeded")
)

// ExposureLimiter caps a user's open exposure. A zero limit disables that check.
type ExposureLimiter struct {
	// MaxPerBand caps the open amount at one (side, points) band.
	MaxPerBand decimal.Decimal

	// MaxCorrelated caps the open amount across all bands on the same side
	// within Radius points of the target band, inclusive.
	MaxCorrelated decimal.Decimal

	// Radius is the band distance, in points, treated as correlated.
	Radius decimal.Decimal

	// MaxTotal caps the user's open amount across every band and side.
	MaxTotal decimal.Decimal
}

// NewExposureLimiter creates a limiter with the given caps.
func NewExposureLimiter(maxPerBand, maxCorrelated, radius, maxTotal decimal.Decimal) *ExposureLimiter {
	if radius.IsNegative() {
		radius = decimal.Zero
	}
	return &ExposureLimiter{
		MaxPerBand:    maxPerBand,
		MaxCorrelated: maxCorrelated,
		Radius:        radius,
		MaxTotal:      maxTotal,
	}
}

// CheckLimit validates a new order of amount at (side, points) against the
// user's existing orders. Only PENDING and resting orders count, by their
// remaining amount.
func (l *ExposureLimiter) CheckLimit(side model.Side, points, amount decimal.Decimal, existing []model.Order) error {
	band := amount
	correlated := amount
	total := amount

	for _, o := range existing {
		if o.Status != model.OrderPending && !o.Status.Resting() {
			continue
		}
		open := o.Remaining()
		total = total.Add(open)
		if o.Side != side {
			continue
		}
		if o.Points.Equal(points) {
			band = band.Add(open)
		}
		if o.Points.Sub(points).Abs().LessThanOrEqual(l.Radius) {
			correlated = correlated.Add(open)
		}
	}

	if exceeds(band, l.MaxPerBand) {
		return ErrBandLimitExceeded
	}
	if exceeds(correlated, l.MaxCorrelated) {
		return ErrCorrelatedLimitExceeded
	}
	if exceeds(total, l.MaxTotal) {
		return ErrTotalLimitExceeded
	}
	return nil
}

func exceeds(v, limit decimal.Decimal) bool {
	return limit.IsPositive() && v.GreaterThan(limit)
}
