// Package payout implements the time-decay payout curve for volatility
// positions.
//
// The curve is defined only at five anchor hours {0, 6, 12, 18, 24}:
//   - Breakout pays 200% at entry and decays to 0% at 24h; the breakout must
//     happen early to pay out fully.
//   - Stay-In is the mirror image: 0% at entry growing to 200% at 24h.
//
// Values between anchors are a presentation concern and are not defined here.
// All monetary values use shopspring/decimal, never float64 for money.
package payout

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/voltx/vault-engine/internal/model"
)

var (
	// ErrNotAnchor is returned when hours is not one of the anchor hours.
	ErrNotAnchor = errors.New("payout: hours must be one of 0, 6, 12, 18, 24")

	// ErrUnknownType is returned for a position type outside the enum.
	ErrUnknownType = errors.New("payout: unknown position type")

	// AnchorHours are the sample points of the curve.
	AnchorHours = [5]int{0, 6, 12, 18, 24}

	// Horizon is the fixed lifetime of a position.
	Horizon = 24 * time.Hour

	hundred = decimal.NewFromInt(100)

	breakout = [5]decimal.Decimal{
		decimal.NewFromInt(200),
		decimal.NewFromInt(150),
		decimal.NewFromInt(100),
		decimal.NewFromInt(50),
		decimal.NewFromInt(0),
	}
	stayIn = [5]decimal.Decimal{
		decimal.NewFromInt(0),
		decimal.NewFromInt(50),
		decimal.NewFromInt(100),
		decimal.NewFromInt(150),
		decimal.NewFromInt(200),
	}
)

// Point is one anchor of the schedule.
type Point struct {
	Hours      int             `json:"hours"`
	Percentage decimal.Decimal `json:"percentage"`
}

// Percentage returns the payout percentage of principal for a position type
// at an anchor hour.
func Percentage(t model.PositionType, hours int) (decimal.Decimal, error) {
	curve, err := curveFor(t)
	if err != nil {
		return decimal.Zero, err
	}
	for i, h := range AnchorHours {
		if h == hours {
			return curve[i], nil
		}
	}
	return decimal.Zero, fmt.Errorf("%w: got %d", ErrNotAnchor, hours)
}

// AtElapsed samples the curve at the latest anchor not after elapsed.
// Negative durations sample hour 0; anything past the horizon samples hour 24.
func AtElapsed(t model.PositionType, elapsed time.Duration) (decimal.Decimal, error) {
	hours := 0
	for _, h := range AnchorHours {
		if elapsed >= time.Duration(h)*time.Hour {
			hours = h
		}
	}
	return Percentage(t, hours)
}

// Schedule lists the five anchors for a position type.
func Schedule(t model.PositionType) ([]Point, error) {
	curve, err := curveFor(t)
	if err != nil {
		return nil, err
	}
	points := make([]Point, len(AnchorHours))
	for i, h := range AnchorHours {
		points[i] = Point{Hours: h, Percentage: curve[i]}
	}
	return points, nil
}

// Amount computes principal × pct / 100 without rounding.
func Amount(principal, pct decimal.Decimal) decimal.Decimal {
	return principal.Mul(pct).Shift(-2)
}

// IsWin reports whether a payout percentage returns more than the principal.
func IsWin(pct decimal.Decimal) bool {
	return pct.GreaterThan(hundred)
}

func curveFor(t model.PositionType) ([5]decimal.Decimal, error) {
	switch t {
	case model.PositionBreakout:
		return breakout, nil
	case model.PositionStayIn:
		return stayIn, nil
	default:
		return [5]decimal.Decimal{}, fmt.Errorf("%w: %d", ErrUnknownType, t)
	}
}
