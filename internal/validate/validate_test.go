package validate

import (
	"testing"

	"github.com/rishav/p2p-exchange/internal/decimal"
	"github.com/rishav/p2p-exchange/internal/orderbook"
)

func mustDecimal(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("decimal.NewFromString(%q): %v", s, err)
	}
	return d
}

func newChecker(t *testing.T) *Checker {
	return NewChecker("BTC-USD", Config{
		MaxOrderAmount: mustDecimal(t, "100"),
		MaxOrderPrice:  mustDecimal(t, "100000"),
	})
}

func TestCheck_ValidOrderPasses(t *testing.T) {
	c := newChecker(t)
	result := c.Check(orderbook.Buy, "BTC-USD", mustDecimal(t, "1"), mustDecimal(t, "50000"))
	if !result.Passed {
		t.Fatalf("expected a valid order to pass, got reason %q", result.Reason)
	}
	if err := result.AsError("corr-1"); err != nil {
		t.Errorf("AsError on a passing result should be nil, got %v", err)
	}
}

func TestCheck_WrongPairFails(t *testing.T) {
	c := newChecker(t)
	result := c.Check(orderbook.Buy, "ETH-USD", mustDecimal(t, "1"), mustDecimal(t, "50000"))
	if result.Passed {
		t.Fatalf("expected pair mismatch to fail")
	}
}

func TestCheck_NonPositiveAmountFails(t *testing.T) {
	c := newChecker(t)
	result := c.Check(orderbook.Buy, "BTC-USD", mustDecimal(t, "0"), mustDecimal(t, "50000"))
	if result.Passed {
		t.Fatalf("expected zero amount to fail")
	}
}

func TestCheck_NonPositivePriceFails(t *testing.T) {
	c := newChecker(t)
	result := c.Check(orderbook.Buy, "BTC-USD", mustDecimal(t, "1"), mustDecimal(t, "-1"))
	if result.Passed {
		t.Fatalf("expected negative price to fail")
	}
}

func TestCheck_AmountAboveMaxFails(t *testing.T) {
	c := newChecker(t)
	result := c.Check(orderbook.Sell, "BTC-USD", mustDecimal(t, "101"), mustDecimal(t, "50000"))
	if result.Passed {
		t.Fatalf("expected amount exceeding max to fail")
	}
}

func TestCheck_PriceAboveMaxFails(t *testing.T) {
	c := newChecker(t)
	result := c.Check(orderbook.Sell, "BTC-USD", mustDecimal(t, "1"), mustDecimal(t, "100001"))
	if result.Passed {
		t.Fatalf("expected price exceeding max to fail")
	}
}

func TestCheckResult_AsErrorCarriesReason(t *testing.T) {
	c := newChecker(t)
	result := c.Check(orderbook.Buy, "ETH-USD", mustDecimal(t, "1"), mustDecimal(t, "1"))
	err := result.AsError("corr-1")
	if err == nil {
		t.Fatalf("expected an error for a failing result")
	}
}
