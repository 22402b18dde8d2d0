// Package decimal provides bounds-checked, arbitrary-precision decimal
// values for prices and amounts.
//
// All monetary arithmetic in the order book goes through this package.
// Binary floating point is never used for a price or an amount: it cannot
// represent values like 0.1 exactly, and repeated add/subtract across a
// long-lived price level would drift. shopspring/decimal stores values as
// an arbitrary-precision integer plus an exponent, so add/sub/compare are
// exact.
package decimal

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Decimal is an exact fixed-point value. The zero value is 0.
type Decimal struct {
	d decimal.Decimal
}

// Zero is the additive identity.
var Zero = Decimal{d: decimal.Zero}

// Bounds constrains the range a Parse call will accept.
type Bounds struct {
	Min Decimal
	Max Decimal
}

// NewFromString parses s with no bound checking. Prefer Parse at system
// boundaries (order submission, wire deserialization).
func NewFromString(s string) (Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Decimal{}, fmt.Errorf("decimal: not a well-formed decimal %q: %w", s, err)
	}
	return Decimal{d: d}, nil
}

// Parse parses s and rejects values outside [bounds.Min, bounds.Max].
// This is the entry point for prices and amounts coming from a client or
// the wire: callers require that parsing fail for malformed or
// out-of-range input rather than silently clamping.
func Parse(s string, bounds Bounds) (Decimal, error) {
	v, err := NewFromString(s)
	if err != nil {
		return Decimal{}, err
	}
	if v.LessThan(bounds.Min) || v.GreaterThan(bounds.Max) {
		return Decimal{}, fmt.Errorf("decimal: %s outside bounds [%s, %s]", s, bounds.Min, bounds.Max)
	}
	return v, nil
}

// Add returns a + b.
func (a Decimal) Add(b Decimal) Decimal { return Decimal{d: a.d.Add(b.d)} }

// Sub returns a - b.
func (a Decimal) Sub(b Decimal) Decimal { return Decimal{d: a.d.Sub(b.d)} }

// Min returns the lesser of a and b.
func (a Decimal) Min(b Decimal) Decimal {
	if a.d.Cmp(b.d) <= 0 {
		return a
	}
	return b
}

// Cmp returns -1, 0, or 1 as a is less than, equal to, or greater than b.
func (a Decimal) Cmp(b Decimal) int { return a.d.Cmp(b.d) }

// LessThan reports whether a < b.
func (a Decimal) LessThan(b Decimal) bool { return a.d.Cmp(b.d) < 0 }

// LessThanOrEqual reports whether a <= b.
func (a Decimal) LessThanOrEqual(b Decimal) bool { return a.d.Cmp(b.d) <= 0 }

// GreaterThan reports whether a > b.
func (a Decimal) GreaterThan(b Decimal) bool { return a.d.Cmp(b.d) > 0 }

// GreaterThanOrEqual reports whether a >= b.
func (a Decimal) GreaterThanOrEqual(b Decimal) bool { return a.d.Cmp(b.d) >= 0 }

// Equal reports whether a and b denote the same numeric value, regardless
// of how each was originally formatted (e.g. "1.50" equals "1.5").
func (a Decimal) Equal(b Decimal) bool { return a.d.Equal(b.d) }

// IsZero reports whether a is exactly zero.
func (a Decimal) IsZero() bool { return a.d.IsZero() }

// IsPositive reports whether a > 0.
func (a Decimal) IsPositive() bool { return a.d.IsPositive() }

// IsNegative reports whether a < 0.
func (a Decimal) IsNegative() bool { return a.d.IsNegative() }

// String returns the normalized decimal representation, e.g. "49999.99999998".
func (a Decimal) String() string { return a.d.String() }

// MarshalJSON encodes the decimal as a JSON string so precision survives
// round-tripping through the peer protocol's text-encoded frames.
func (a Decimal) MarshalJSON() ([]byte, error) {
	return []byte(`"` + a.d.String() + `"`), nil
}

// UnmarshalJSON decodes a JSON string produced by MarshalJSON.
func (a *Decimal) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	v, err := decimal.NewFromString(s)
	if err != nil {
		return fmt.Errorf("decimal: %w", err)
	}
	a.d = v
	return nil
}
