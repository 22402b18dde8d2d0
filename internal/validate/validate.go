// Package validate performs structural and range checks on an order
// before it reaches the book.
//
// The wider codebase's pre-trade risk checker also enforces position
// limits, daily volume caps and price bands against a reference price —
// none of which apply here, since a node tracks neither account
// positions nor a market-wide reference price. What survives is the
// input-bounds half of that checker: order size/value limits and basic
// structural validity. See DESIGN.md.
package validate

import (
	"fmt"

	"github.com/rishav/p2p-exchange/internal/decimal"
	"github.com/rishav/p2p-exchange/internal/orderbook"
	"github.com/rishav/p2p-exchange/internal/xerrors"
)

// Config bounds the amounts and prices an order may carry.
type Config struct {
	MaxOrderAmount decimal.Decimal
	MaxOrderPrice  decimal.Decimal
}

// DefaultConfig returns permissive bounds suitable for development.
func DefaultConfig() Config {
	max, _ := decimal.NewFromString("1000000000")
	return Config{MaxOrderAmount: max, MaxOrderPrice: max}
}

// Checker validates order input against a fixed pair and Config.
type Checker struct {
	pair string
	cfg  Config
}

// NewChecker creates a Checker for orders on pair.
func NewChecker(pair string, cfg Config) *Checker {
	return &Checker{pair: pair, cfg: cfg}
}

// CheckResult reports which checks ran and, on failure, why.
type CheckResult struct {
	Passed    bool
	Reason    string
	ChecksRun []string
}

// Check validates side, pair, amount and price. It returns on first
// failure, same as the checks it's grounded on.
func (c *Checker) Check(side orderbook.Side, pair string, amount, price decimal.Decimal) CheckResult {
	result := CheckResult{Passed: true, ChecksRun: make([]string, 0, 5)}

	result.ChecksRun = append(result.ChecksRun, "pair")
	if pair != c.pair {
		return fail(result, fmt.Sprintf("pair %q does not match bound pair %q", pair, c.pair))
	}

	result.ChecksRun = append(result.ChecksRun, "side")
	if side != orderbook.Buy && side != orderbook.Sell {
		return fail(result, "side must be buy or sell")
	}

	result.ChecksRun = append(result.ChecksRun, "amount_positive")
	if !amount.IsPositive() {
		return fail(result, "amount must be positive")
	}

	result.ChecksRun = append(result.ChecksRun, "price_positive")
	if !price.IsPositive() {
		return fail(result, "price must be positive")
	}

	result.ChecksRun = append(result.ChecksRun, "order_amount_limit")
	if amount.GreaterThan(c.cfg.MaxOrderAmount) {
		return fail(result, fmt.Sprintf("amount %s exceeds max %s", amount, c.cfg.MaxOrderAmount))
	}

	result.ChecksRun = append(result.ChecksRun, "order_price_limit")
	if price.GreaterThan(c.cfg.MaxOrderPrice) {
		return fail(result, fmt.Sprintf("price %s exceeds max %s", price, c.cfg.MaxOrderPrice))
	}

	return result
}

func fail(result CheckResult, reason string) CheckResult {
	result.Passed = false
	result.Reason = reason
	return result
}

// AsError converts a failed CheckResult into a Validation error, or nil if
// the check passed.
func (r CheckResult) AsError(correlationID string) error {
	if r.Passed {
		return nil
	}
	return xerrors.New(xerrors.Validation, correlationID, r.Reason,
		xerrors.WithContext("checks_run", r.ChecksRun))
}
