package node

import (
	"testing"
	"time"

	"github.com/rishav/p2p-exchange/internal/breaker"
	"github.com/rishav/p2p-exchange/internal/decimal"
	"github.com/rishav/p2p-exchange/internal/orderbook"
	"github.com/rishav/p2p-exchange/internal/protocol"
	"github.com/rishav/p2p-exchange/internal/ratelimit"
	"github.com/rishav/p2p-exchange/internal/validate"
)

// newTestNode builds a Node whose event queue is running but whose
// network-facing subsystems (listener, discovery, peer loops) are never
// started, so tests exercise matching/causal-ordering logic without
// touching a socket.
func newTestNode(t *testing.T) *Node {
	t.Helper()
	cfg := Config{
		NodeID: "n1",
		Pair:   "BTC-USD",
		RateLimit: ratelimit.Config{
			Limits: map[ratelimit.Category]ratelimit.Limit{
				ratelimit.Orders: {N: 100000, Window: time.Minute},
			},
		},
		Validate: validate.Config{
			MaxOrderAmount: mustDecimal(t, "1000000"),
			MaxOrderPrice:  mustDecimal(t, "1000000"),
		},
		Breaker:            breaker.Config{FailureThreshold: 5, ResetTimeout: time.Minute},
		EventResultTimeout: time.Second,
	}
	n := New(cfg, nil)
	n.queue.Start()
	t.Cleanup(n.queue.Stop)
	return n
}

func mustDecimal(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("decimal.NewFromString(%q): %v", s, err)
	}
	return d
}

func TestPlaceBuy_MatchesAgainstRestingSell(t *testing.T) {
	n := newTestNode(t)
	if _, err := n.PlaceSell("maker", mustDecimal(t, "1"), mustDecimal(t, "100")); err != nil {
		t.Fatalf("PlaceSell: %v", err)
	}
	outcome, err := n.PlaceBuy("taker", mustDecimal(t, "1"), mustDecimal(t, "100"))
	if err != nil {
		t.Fatalf("PlaceBuy: %v", err)
	}
	if len(outcome.Trades) != 1 {
		t.Fatalf("expected one trade, got %d", len(outcome.Trades))
	}
	if outcome.Status != orderbook.Filled {
		t.Errorf("status = %v, want Filled", outcome.Status)
	}
}

func TestPlaceBuy_RestsWhenNothingToCross(t *testing.T) {
	n := newTestNode(t)
	outcome, err := n.PlaceBuy("alice", mustDecimal(t, "1"), mustDecimal(t, "90"))
	if err != nil {
		t.Fatalf("PlaceBuy: %v", err)
	}
	if len(outcome.Trades) != 0 {
		t.Fatalf("expected no trades against an empty book, got %d", len(outcome.Trades))
	}
	if n.book.TotalOrders() != 1 {
		t.Errorf("book should hold the resting order")
	}
}

func TestPlace_RejectsOrderAboveValidationBounds(t *testing.T) {
	n := newTestNode(t)
	if _, err := n.PlaceBuy("alice", mustDecimal(t, "10000000"), mustDecimal(t, "1")); err == nil {
		t.Fatalf("expected an amount above MaxOrderAmount to be rejected")
	}
}

func TestPlace_RejectsOverRateLimit(t *testing.T) {
	n := newTestNode(t)
	n.limiter = ratelimitAlwaysDenyingLimiter()
	if _, err := n.PlaceBuy("alice", mustDecimal(t, "1"), mustDecimal(t, "1")); err == nil {
		t.Fatalf("expected a rate-limited placement to fail")
	}
}

func ratelimitAlwaysDenyingLimiter() *ratelimit.Limiter {
	l := ratelimit.New(ratelimit.Config{Limits: map[ratelimit.Category]ratelimit.Limit{
		ratelimit.Orders: {N: 0, Window: time.Minute},
	}})
	return l
}

func TestCancel_RemovesRestingOrder(t *testing.T) {
	n := newTestNode(t)
	outcome, err := n.PlaceBuy("alice", mustDecimal(t, "1"), mustDecimal(t, "90"))
	if err != nil {
		t.Fatalf("PlaceBuy: %v", err)
	}
	if !n.Cancel(outcome.OrderID) {
		t.Fatalf("expected cancel of a resting order to succeed")
	}
	if n.book.TotalOrders() != 0 {
		t.Errorf("book should be empty after cancel")
	}
}

func TestCancel_OfFullyFilledOrderFails(t *testing.T) {
	n := newTestNode(t)
	if _, err := n.PlaceSell("maker", mustDecimal(t, "1"), mustDecimal(t, "100")); err != nil {
		t.Fatalf("PlaceSell: %v", err)
	}
	outcome, err := n.PlaceBuy("taker", mustDecimal(t, "1"), mustDecimal(t, "100"))
	if err != nil {
		t.Fatalf("PlaceBuy: %v", err)
	}
	if n.Cancel(outcome.OrderID) {
		t.Fatalf("expected cancel of an already-filled order to fail")
	}
}

func TestOnRemoteOrder_DedupsRepeatedFingerprint(t *testing.T) {
	n := newTestNode(t)
	msg := protocol.Message{
		Type:      protocol.OrderMsg,
		NodeID:    "n2",
		Timestamp: time.Now().UnixNano(),
		Order: &protocol.WireOrder{
			ID:     "remote-1",
			Side:   "buy",
			Amount: mustDecimal(t, "1"),
			Price:  mustDecimal(t, "90"),
			Pair:   "BTC-USD",
			UserID: "bob",
			TS:     time.Now().UnixNano(),
		},
	}
	n.onRemoteOrder("n2", msg)
	waitForOrders(t, n, 1)

	n.onRemoteOrder("n2", msg)
	time.Sleep(20 * time.Millisecond)
	if got := n.book.TotalOrders(); got != 1 {
		t.Errorf("replaying the identical message should be deduped, book has %d orders", got)
	}
}

func TestOnRemoteTrade_RecordsHistoryWithoutMatching(t *testing.T) {
	n := newTestNode(t)
	msg := protocol.Message{
		Type:      protocol.TradeMsg,
		NodeID:    "n2",
		Timestamp: time.Now().UnixNano(),
		Trade: &protocol.WireTrade{
			ID:          "remote-trade-1",
			BuyOrderID:  "b1",
			SellOrderID: "s1",
			Amount:      mustDecimal(t, "1"),
			Price:       mustDecimal(t, "100"),
			TS:          time.Now().UnixNano(),
		},
	}
	n.onRemoteTrade("n2", msg)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(n.TradeHistory()) == 1 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	history := n.TradeHistory()
	if len(history) != 1 || history[0].ID != "remote-trade-1" {
		t.Fatalf("expected remote trade to be recorded in history, got %v", history)
	}
	if n.book.TotalOrders() != 0 {
		t.Errorf("a replayed trade must never touch the resting book")
	}
}

func TestOnRemoteCancel_CancelsAReplayedOrder(t *testing.T) {
	n := newTestNode(t)
	outcome, err := n.PlaceBuy("alice", mustDecimal(t, "1"), mustDecimal(t, "90"))
	if err != nil {
		t.Fatalf("PlaceBuy: %v", err)
	}
	msg := protocol.Message{
		Type:      protocol.CancelOrder,
		NodeID:    "n2",
		Timestamp: time.Now().UnixNano(),
		OrderID:   outcome.OrderID,
	}
	n.onRemoteCancel("n2", msg)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if n.book.TotalOrders() == 0 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if n.book.TotalOrders() != 0 {
		t.Errorf("expected the replayed cancel to remove the order")
	}
}

// TestOnRemoteOrder_DispatchesInCausalNotArrivalOrder replays two remote
// orders whose vector clocks establish a happens-before relationship, in
// the reverse of that causal order, and checks the book processes them
// causally rather than in arrival order.
func TestOnRemoteOrder_DispatchesInCausalNotArrivalOrder(t *testing.T) {
	n := newTestNode(t)

	earlier := protocol.Message{
		Type:      protocol.OrderMsg,
		NodeID:    "n2",
		Timestamp: 1,
		VC:        map[string]uint64{"n2": 1},
		Order: &protocol.WireOrder{
			ID: "first", Side: "buy", Amount: mustDecimal(t, "1"), Price: mustDecimal(t, "90"),
			Pair: "BTC-USD", UserID: "bob", TS: 1,
		},
	}
	later := protocol.Message{
		Type:      protocol.OrderMsg,
		NodeID:    "n2",
		Timestamp: 2,
		VC:        map[string]uint64{"n2": 2},
		Order: &protocol.WireOrder{
			ID: "second", Side: "buy", Amount: mustDecimal(t, "1"), Price: mustDecimal(t, "91"),
			Pair: "BTC-USD", UserID: "bob", TS: 2,
		},
	}

	// Deliver out of causal order: "second" arrives first.
	n.onRemoteOrder("n2", later)
	n.onRemoteOrder("n2", earlier)
	waitForOrders(t, n, 2)

	history := n.OrderHistory()
	if len(history) != 2 {
		t.Fatalf("expected 2 orders recorded, got %d", len(history))
	}
	if history[0].ID != "first" || history[1].ID != "second" {
		t.Errorf("orders dispatched in arrival order (second, first) instead of causal order (first, second): got %s, %s",
			history[0].ID, history[1].ID)
	}
}

func waitForOrders(t *testing.T, n *Node, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if n.book.TotalOrders() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("book never reached %d orders, has %d", want, n.book.TotalOrders())
}
