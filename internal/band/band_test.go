package band

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestParsePoints_Valid(t *testing.T) {
	tests := map[string]float64{
		"0.1":  0.1,
		"2":    2,
		"2.0":  2,
		"9.9":  9.9,
		"10.0": 10,
	}
	for in, want := range tests {
		got, err := ParsePoints(in)
		if err != nil {
			t.Fatalf("%q: unexpected error: %v", in, err)
		}
		if !got.Equal(d(want)) {
			t.Errorf("%q: expected %v, got %s", in, want, got)
		}
	}
}

func TestParsePoints_InvalidFormat(t *testing.T) {
	tests := []string{
		"",
		"abc",
		"2.25",
		"-1.0",
		"1e1",
		"100.0",
	}
	for _, in := range tests {
		if _, err := ParsePoints(in); err == nil {
			t.Errorf("expected error for %q", in)
		}
	}
}

func TestParsePoints_OutOfRange(t *testing.T) {
	for _, in := range []string{"0.0", "0", "10.1", "12"} {
		_, err := ParsePoints(in)
		if !errors.Is(err, ErrOutOfRange) {
			t.Errorf("%q: expected ErrOutOfRange, got %v", in, err)
		}
	}
}

func TestValidate_RejectsSecondDecimal(t *testing.T) {
	_, err := Validate(d(2.05))
	if !errors.Is(err, ErrInvalidPoints) {
		t.Errorf("expected ErrInvalidPoints, got %v", err)
	}
}

func TestValidate_CanonicalKey(t *testing.T) {
	a, _ := Validate(decimal.RequireFromString("2"))
	b, _ := Validate(decimal.RequireFromString("2.0"))
	if a.String() != b.String() {
		t.Errorf("expected identical canonical keys, got %s and %s", a, b)
	}
}

func TestDeriveBounds(t *testing.T) {
	b, err := DeriveBounds(d(100), d(2))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !b.Lower.Equal(d(98)) || !b.Upper.Equal(d(102)) {
		t.Errorf("expected [98, 102], got [%s, %s]", b.Lower, b.Upper)
	}
	if !b.Contains(d(98)) || !b.Contains(d(102)) || !b.Contains(d(100)) {
		t.Error("bounds should be inclusive")
	}
	if b.Contains(d(97.99)) || b.Contains(d(102.01)) {
		t.Error("prices outside the band should not be contained")
	}
}

func TestDeriveBounds_InvalidPrice(t *testing.T) {
	if _, err := DeriveBounds(decimal.Zero, d(2)); !errors.Is(err, ErrInvalidPrice) {
		t.Errorf("expected ErrInvalidPrice, got %v", err)
	}
}
