// Package protocol defines the peer wire format: message variants, their
// JSON shapes, and the length-prefixed framing used to send them over TCP.
package protocol

import (
	"fmt"
	"strconv"

	"github.com/cespare/xxhash/v2"

	"github.com/rishav/p2p-exchange/internal/decimal"
)

// Type identifies a message variant. Every message carries type, node_id
// and timestamp in addition to its type-specific fields.
type Type string

const (
	Handshake           Type = "handshake"
	HandshakeAck        Type = "handshake_ack"
	Heartbeat           Type = "heartbeat"
	HeartbeatAck        Type = "heartbeat_ack"
	PeerExchangeRequest Type = "peer_exchange_request"
	PeerExchange        Type = "peer_exchange"
	OrderMsg            Type = "order"
	TradeMsg            Type = "trade"
	CancelOrder         Type = "cancel_order"
	Disconnect          Type = "disconnect"
	ErrorMsg            Type = "error"
)

// Version is the protocol version string enforced bit-for-bit during
// handshake.
const Version = "1.0.0"

// MaxFrameSize is the maximum body size accepted by the frame reader
// (1 MiB); larger frames are rejected with MessageTooLarge.
const MaxFrameSize = 1 << 20

// PeerInfo describes one peer as carried in a peer_exchange reply.
type PeerInfo struct {
	NodeID       string   `json:"node_id"`
	Address      string   `json:"address"`
	Port         int      `json:"port"`
	Capabilities []string `json:"caps,omitempty"`
}

// WireOrder is the order payload carried by an order message.
type WireOrder struct {
	ID     string          `json:"id"`
	Side   string          `json:"side"`
	Amount decimal.Decimal `json:"amount"`
	Price  decimal.Decimal `json:"price"`
	Pair   string          `json:"pair"`
	UserID string          `json:"user_id"`
	TS     int64           `json:"ts"`
}

// WireTrade is the trade payload carried by a trade message.
type WireTrade struct {
	ID          string          `json:"id"`
	BuyOrderID  string          `json:"buy_order_id"`
	SellOrderID string          `json:"sell_order_id"`
	Amount      decimal.Decimal `json:"amount"`
	Price       decimal.Decimal `json:"price"`
	TS          int64           `json:"ts"`
}

// ErrorPayload is the body of an error message.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Message is the envelope for every frame exchanged between peers. Only
// the fields relevant to Type are populated; the rest are left zero and
// omitted from the wire encoding.
type Message struct {
	Type      Type   `json:"type"`
	NodeID    string `json:"node_id"`
	Timestamp int64  `json:"timestamp"`

	// handshake
	Version      string   `json:"version,omitempty"`
	Port         int      `json:"port,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`

	// peer_exchange
	Peers []PeerInfo `json:"peers,omitempty"`

	// order
	Order *WireOrder `json:"order,omitempty"`

	// trade
	Trade *WireTrade `json:"trade,omitempty"`

	// cancel_order
	OrderID string `json:"order_id,omitempty"`

	// vc carries the sending node's vector clock stamp, so the receiving
	// Event Queue can enqueue with the message's own causal stamp instead
	// of its own. Only order messages are sent with a vc; trade and
	// cancel_order messages are sent without one, and the receiving queue
	// stamps them from its own clock.
	VC map[string]uint64 `json:"vc,omitempty"`

	// disconnect
	Reason string `json:"reason,omitempty"`

	// error
	Error *ErrorPayload `json:"error,omitempty"`
}

// String renders a compact description for logging.
func (m Message) String() string {
	return fmt.Sprintf("Message{%s from=%s ts=%d}", m.Type, m.NodeID, m.Timestamp)
}

// Fingerprint hashes (type, origin node id, origin timestamp, order id,
// trade id) into the 64-bit value the router's dedup cache keys on. Two
// messages describing the same order or trade event, however many times
// they're relayed around the mesh, hash identically.
func (m Message) Fingerprint() uint64 {
	h := xxhash.New()
	h.WriteString(string(m.Type))
	h.WriteString("\x00")
	h.WriteString(m.NodeID)
	h.WriteString("\x00")
	h.WriteString(strconv.FormatInt(m.Timestamp, 10))
	h.WriteString("\x00")
	if m.Order != nil {
		h.WriteString(m.Order.ID)
	}
	h.WriteString("\x00")
	if m.Trade != nil {
		h.WriteString(m.Trade.ID)
	}
	return h.Sum64()
}
