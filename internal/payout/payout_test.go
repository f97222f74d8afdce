package payout

import (
	"errors"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/shopspring/decimal"

	"github.com/voltx/vault-engine/internal/model"
)

// d is a test helper for creating decimals from float64.
func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// --- Anchor tests ---

func TestPercentage_BreakoutAnchors(t *testing.T) {
	want := []float64{200, 150, 100, 50, 0}
	for i, h := range AnchorHours {
		got, err := Percentage(model.PositionBreakout, h)
		if err != nil {
			t.Fatalf("hour %d: unexpected error: %v", h, err)
		}
		if !got.Equal(d(want[i])) {
			t.Errorf("breakout at %dh: expected %v, got %s", h, want[i], got)
		}
	}
}

func TestPercentage_StayInAnchors(t *testing.T) {
	want := []float64{0, 50, 100, 150, 200}
	for i, h := range AnchorHours {
		got, err := Percentage(model.PositionStayIn, h)
		if err != nil {
			t.Fatalf("hour %d: unexpected error: %v", h, err)
		}
		if !got.Equal(d(want[i])) {
			t.Errorf("stay-in at %dh: expected %v, got %s", h, want[i], got)
		}
	}
}

func TestPercentage_Endpoints(t *testing.T) {
	cases := []struct {
		typ   model.PositionType
		hours int
		want  float64
	}{
		{model.PositionBreakout, 0, 200},
		{model.PositionBreakout, 24, 0},
		{model.PositionStayIn, 0, 0},
		{model.PositionStayIn, 24, 200},
	}
	for _, tc := range cases {
		got, _ := Percentage(tc.typ, tc.hours)
		if !got.Equal(d(tc.want)) {
			t.Errorf("payout(%s, %dh): expected %v, got %s", tc.typ, tc.hours, tc.want, got)
		}
	}
}

func TestPercentage_NotAnchor(t *testing.T) {
	_, err := Percentage(model.PositionBreakout, 7)
	if !errors.Is(err, ErrNotAnchor) {
		t.Errorf("expected ErrNotAnchor, got %v", err)
	}
}

func TestPercentage_UnknownType(t *testing.T) {
	_, err := Percentage(model.PositionType(9), 0)
	if !errors.Is(err, ErrUnknownType) {
		t.Errorf("expected ErrUnknownType, got %v", err)
	}
}

// --- Elapsed sampling ---

func TestAtElapsed_FloorsToAnchor(t *testing.T) {
	cases := []struct {
		elapsed time.Duration
		want    float64
	}{
		{-time.Hour, 200},
		{0, 200},
		{5*time.Hour + 59*time.Minute, 200},
		{6 * time.Hour, 150},
		{13 * time.Hour, 100},
		{23 * time.Hour, 50},
		{24 * time.Hour, 0},
		{72 * time.Hour, 0},
	}
	for _, tc := range cases {
		got, err := AtElapsed(model.PositionBreakout, tc.elapsed)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !got.Equal(d(tc.want)) {
			t.Errorf("elapsed %s: expected %v, got %s", tc.elapsed, tc.want, got)
		}
	}
}

func TestSchedule_Mirrored(t *testing.T) {
	long, _ := Schedule(model.PositionBreakout)
	short, _ := Schedule(model.PositionStayIn)
	if len(long) != 5 || len(short) != 5 {
		t.Fatalf("expected 5 anchors per side, got %d and %d", len(long), len(short))
	}
	for i := range long {
		if !long[i].Percentage.Equal(short[len(short)-1-i].Percentage) {
			t.Errorf("anchor %d not mirrored: %s vs %s", i, long[i].Percentage, short[len(short)-1-i].Percentage)
		}
	}
}

// --- Amount / analytics ---

func TestAmount_Exact(t *testing.T) {
	got := Amount(d(5), d(150))
	if !got.Equal(d(7.5)) {
		t.Errorf("expected 7.5, got %s", got)
	}
	got = Amount(decimal.RequireFromString("0.000000001"), d(50))
	if !got.Equal(decimal.RequireFromString("0.0000000005")) {
		t.Errorf("expected exact half of a base unit, got %s", got)
	}
}

func TestIsWin(t *testing.T) {
	if !IsWin(d(150)) {
		t.Error("150% should be a win")
	}
	if IsWin(d(100)) {
		t.Error("100% is breakeven, not a win")
	}
	if IsWin(d(0)) {
		t.Error("0% should be a loss")
	}
}

// Property: the two curves always sum to 200 at the same anchor.
func TestProperty_CurvesSumTo200(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("breakout + stay-in = 200 at every elapsed time", prop.ForAll(
		func(minutes int) bool {
			elapsed := time.Duration(minutes) * time.Minute
			b, err := AtElapsed(model.PositionBreakout, elapsed)
			if err != nil {
				return false
			}
			s, err := AtElapsed(model.PositionStayIn, elapsed)
			if err != nil {
				return false
			}
			return b.Add(s).Equal(decimal.NewFromInt(200))
		},
		gen.IntRange(-60, 48*60),
	))

	properties.TestingRun(t)
}
