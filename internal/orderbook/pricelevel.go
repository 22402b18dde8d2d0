package orderbook

import "github.com/rishav/p2p-exchange/internal/decimal"

// orderNode is a node in the doubly-linked FIFO queue of orders resting at
// a single price level. A doubly-linked list gives O(1) removal from
// anywhere in the queue, which matters for cancel.
type orderNode struct {
	order *Order
	prev  *orderNode
	next  *orderNode
	level *priceLevel
}

// Next returns the following node in the queue (nil at the tail).
func (n *orderNode) Next() *orderNode { return n.next }

// priceLevel holds every order resting at one price, in strict FIFO
// (time-priority) order.
type priceLevel struct {
	Price  decimal.Decimal
	head   *orderNode
	tail   *orderNode
	count  int
	Amount decimal.Decimal // sum of remaining amounts at this level
}

func newPriceLevel(price decimal.Decimal) *priceLevel {
	return &priceLevel{Price: price, Amount: decimal.Zero}
}

func (pl *priceLevel) Count() int       { return pl.count }
func (pl *priceLevel) IsEmpty() bool    { return pl.count == 0 }
func (pl *priceLevel) Head() *orderNode { return pl.head }

// Append adds an order to the tail of the queue (lowest time priority at
// this price). O(1).
func (pl *priceLevel) Append(order *Order) *orderNode {
	node := &orderNode{order: order, level: pl}
	if pl.tail == nil {
		pl.head, pl.tail = node, node
	} else {
		node.prev = pl.tail
		pl.tail.next = node
		pl.tail = node
	}
	pl.count++
	pl.Amount = pl.Amount.Add(order.Amount)
	return node
}

// Remove detaches node from the queue. O(1).
func (pl *priceLevel) Remove(node *orderNode) {
	if node == nil {
		return
	}
	pl.Amount = pl.Amount.Sub(node.order.Amount)
	pl.count--

	if node.prev != nil {
		node.prev.next = node.next
	} else {
		pl.head = node.next
	}
	if node.next != nil {
		node.next.prev = node.prev
	} else {
		pl.tail = node.prev
	}
	node.prev, node.next, node.level = nil, nil, nil
}

// AdjustAmount updates the level's cached total after a partial fill on
// one of its resting orders, without removing it from the queue.
func (pl *priceLevel) AdjustAmount(delta decimal.Decimal) {
	pl.Amount = pl.Amount.Add(delta)
}

// Orders returns every order at this level, oldest first. Allocates; used
// by Snapshot, not by the match loop.
func (pl *priceLevel) Orders() []*Order {
	out := make([]*Order, 0, pl.count)
	for n := pl.head; n != nil; n = n.next {
		out = append(out, n.order)
	}
	return out
}
