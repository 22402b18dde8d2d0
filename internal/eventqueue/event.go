// Package eventqueue buffers locally-produced and remotely-received order
// and trade events and releases them to a single handler in an order
// consistent with causality.
//
// Per-node causal ordering is sufficient because each order has a single
// originating node. Concurrent orders from different nodes intentionally
// interleave the same way on every replica, because every node sorts by
// the same (vc, wall time, id) tuple before dispatch.
package eventqueue

// Kind identifies what a queued Event carries.
type Kind uint8

const (
	// KindOrder carries a newly-placed order.
	KindOrder Kind = iota + 1
	// KindTrade carries an already-executed trade, replayed from a peer.
	KindTrade
	// KindCancel carries an order cancellation.
	KindCancel
)

func (k Kind) String() string {
	switch k {
	case KindOrder:
		return "ORDER"
	case KindTrade:
		return "TRADE"
	case KindCancel:
		return "CANCEL"
	default:
		return "UNKNOWN"
	}
}

// Event is a single causally-stamped unit of work waiting for dispatch.
type Event struct {
	// ID is a process-local sequence id, used only to break ties when
	// neither event's vc happens-before the other's (equal or concurrent)
	// and their wall timestamps are equal.
	ID uint64

	Kind    Kind
	Payload any

	// VC is the vector clock snapshot the event was stamped with, either
	// supplied by the caller (a remotely-received event) or assigned by
	// the queue's own clock (a locally-produced one).
	VC map[string]uint64

	// WallTime is nanoseconds since epoch, used as the second-level
	// tie-break after vc partial order.
	WallTime int64

	// dedupKey identifies this event for the dedup set. The node keys an
	// order as "order:" plus the order id, a trade as "trade:" plus the
	// trade id, and a cancel as "cancel:" plus the order id, so a cancel
	// never collides with the KindOrder of the same order id.
	dedupKey string
}
