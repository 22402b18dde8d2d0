// Package orderbook implements a price-time priority limit order book over
// arbitrary-precision decimal prices and amounts.
//
// Architecture:
//
//	                    Book
//	                      │
//	     ┌────────────────┴────────────────┐
//	     │                                 │
//	  bids (RBTree)                   asks (RBTree)
//	  descending=true                 descending=false
//	     │                                 │
//	  priceLevel                       priceLevel
//	  (sorted high→low)                (sorted low→high)
//	     │                                 │
//	  order queue                      order queue
//	  (FIFO linked list)                (FIFO linked list)
//
// A buy matches only against resting sells at price <= the buy's limit;
// a sell matches only against resting buys at price >= the sell's limit.
// The executed trade price is always the resting (maker) order's price.
package orderbook

import (
	"fmt"

	"github.com/rishav/p2p-exchange/internal/decimal"
)

// Side is which side of the book an order rests on.
type Side int

const (
	Buy Side = iota
	Sell
)

func (s Side) String() string {
	if s == Buy {
		return "BUY"
	}
	return "SELL"
}

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// Status is the lifecycle state of an order.
type Status int

const (
	Pending Status = iota
	Partial
	Filled
	Cancelled
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Partial:
		return "partial"
	case Filled:
		return "filled"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Order is exclusively owned by the book of the originating user's node;
// other nodes hold replicas, mutated only by replaying events that
// originate from the owner or by matching against it locally.
type Order struct {
	ID        string
	UserID    string
	Side      Side
	Amount    decimal.Decimal // remaining, unfilled amount
	Price     decimal.Decimal
	Status    Status
	CreatedAt int64 // monotonic ns on the originating node
	Pair      string
}

// String renders a compact, human-readable summary.
func (o *Order) String() string {
	return fmt.Sprintf("Order{%s %s %s %s@%s %s}", o.ID, o.Pair, o.Side, o.Amount, o.Price, o.Status)
}

// Trade is immutable once produced. Price is always taken from the
// resting (maker) order.
type Trade struct {
	ID          string
	BuyOrderID  string
	SellOrderID string
	Amount      decimal.Decimal
	Price       decimal.Decimal
	Timestamp   int64
}

// NewOrderInput is the caller-supplied description of an order to place.
// ID and CreatedAt are supplied by the caller; status is assigned by the book.
type NewOrderInput struct {
	ID        string
	UserID    string
	Side      Side
	Amount    decimal.Decimal
	Price     decimal.Decimal
	Pair      string
	CreatedAt int64
}

// MatchResult is what AddOrder produces for a single incoming order: the
// order itself (with final status and remaining amount) plus every trade
// that resulted from matching it.
type MatchResult struct {
	Order  *Order
	Trades []Trade
}

// PriceLevelView is a read-only snapshot of one side of the book at one
// price, used by Snapshot.
type PriceLevelView struct {
	Price     decimal.Decimal
	Amount    decimal.Decimal
	NumOrders int
}

// Snapshot is a depth-limited view of both sides of the book.
type Snapshot struct {
	Bids []PriceLevelView
	Asks []PriceLevelView
}
