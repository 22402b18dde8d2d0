package decimal

import "testing"

func TestParse_RejectsOutOfBounds(t *testing.T) {
	bounds := Bounds{Min: mustParse(t, "0"), Max: mustParse(t, "100")}
	if _, err := Parse("100.01", bounds); err == nil {
		t.Fatalf("expected value above max to be rejected")
	}
	if _, err := Parse("-1", bounds); err == nil {
		t.Fatalf("expected value below min to be rejected")
	}
	v, err := Parse("50", bounds)
	if err != nil {
		t.Fatalf("Parse(50): %v", err)
	}
	if !v.Equal(mustParse(t, "50")) {
		t.Errorf("parsed value = %s, want 50", v)
	}
}

func TestParse_RejectsMalformedInput(t *testing.T) {
	if _, err := NewFromString("not-a-number"); err == nil {
		t.Fatalf("expected malformed input to fail")
	}
}

func TestEqual_IgnoresFormatting(t *testing.T) {
	a := mustParse(t, "1.50")
	b := mustParse(t, "1.5")
	if !a.Equal(b) {
		t.Errorf("1.50 and 1.5 should compare equal")
	}
	if a.String() == b.String() {
		// Not required to match textually, just documenting that Equal is
		// value-based rather than string-based.
		t.Skip()
	}
}

func TestComparisons(t *testing.T) {
	a := mustParse(t, "1")
	b := mustParse(t, "2")
	if !a.LessThan(b) || a.GreaterThan(b) {
		t.Errorf("1 should be less than 2")
	}
	if !b.GreaterThanOrEqual(a) {
		t.Errorf("2 should be >= 1")
	}
	if a.Cmp(b) >= 0 {
		t.Errorf("Cmp(1,2) should be negative")
	}
}

func TestJSONRoundTrip_PreservesPrecision(t *testing.T) {
	v := mustParse(t, "49999.99999998")
	raw, err := v.MarshalJSON()
	if err != nil {
		t.Fatalf("MarshalJSON: %v", err)
	}
	var got Decimal
	if err := got.UnmarshalJSON(raw); err != nil {
		t.Fatalf("UnmarshalJSON: %v", err)
	}
	if !got.Equal(v) {
		t.Errorf("round-tripped value = %s, want %s", got, v)
	}
}

func TestIsZeroIsPositiveIsNegative(t *testing.T) {
	if !Zero.IsZero() {
		t.Errorf("Zero.IsZero() = false")
	}
	if Zero.IsPositive() || Zero.IsNegative() {
		t.Errorf("Zero should be neither positive nor negative")
	}
	if !mustParse(t, "1").IsPositive() {
		t.Errorf("1 should be positive")
	}
	if !mustParse(t, "-1").IsNegative() {
		t.Errorf("-1 should be negative")
	}
}

func mustParse(t *testing.T, s string) Decimal {
	t.Helper()
	d, err := NewFromString(s)
	if err != nil {
		t.Fatalf("NewFromString(%q): %v", s, err)
	}
	return d
}
