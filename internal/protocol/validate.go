package protocol

import (
	"github.com/rishav/p2p-exchange/internal/xerrors"
)

const (
	minPort    = 1000
	maxPort    = 65535
	maxIDBytes = 128
	maxPeers   = 20
)

// Validate checks structural, range and message-specific requirements on a
// decoded Message. Every variant requires type, node_id and a numeric
// timestamp; additional checks apply per type.
func Validate(m Message) error {
	if m.Type == "" {
		return invalid(m, "missing type")
	}
	if m.NodeID == "" || len(m.NodeID) > maxIDBytes {
		return invalid(m, "node_id must be a non-empty string of at most 128 bytes")
	}
	if m.Timestamp <= 0 {
		return invalid(m, "timestamp must be a positive integer")
	}

	switch m.Type {
	case Handshake:
		if m.Version == "" {
			return invalid(m, "handshake requires version")
		}
		if m.Port < minPort || m.Port > maxPort {
			return invalid(m, "handshake port out of range")
		}
	case HandshakeAck, Heartbeat, HeartbeatAck, PeerExchangeRequest:
		// no additional fields
	case PeerExchange:
		if len(m.Peers) > maxPeers {
			return invalid(m, "peer_exchange carries more than 20 peers")
		}
		for _, p := range m.Peers {
			if p.NodeID == "" || p.Port < minPort || p.Port > maxPort {
				return invalid(m, "peer_exchange entry has invalid node_id or port")
			}
		}
	case OrderMsg:
		if m.Order == nil || m.Order.ID == "" || len(m.Order.ID) > maxIDBytes {
			return invalid(m, "order message requires a well-formed order")
		}
		if m.Order.Side != "buy" && m.Order.Side != "sell" {
			return invalid(m, "order side must be buy or sell")
		}
	case TradeMsg:
		if m.Trade == nil || m.Trade.ID == "" {
			return invalid(m, "trade message requires a well-formed trade")
		}
	case CancelOrder:
		if m.OrderID == "" || len(m.OrderID) > maxIDBytes {
			return invalid(m, "cancel_order requires order_id")
		}
	case Disconnect:
		// reason is optional
	case ErrorMsg:
		if m.Error == nil || m.Error.Code == "" {
			return invalid(m, "error message requires a code")
		}
	default:
		return invalid(m, "unknown message type")
	}
	return nil
}

func invalid(m Message, reason string) error {
	return xerrors.New(xerrors.Validation, m.NodeID, reason,
		xerrors.WithContext("type", string(m.Type)))
}
