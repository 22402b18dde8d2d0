// Package peer maintains the canonical peer table: connection state,
// heartbeat/reconnect scheduling, reputation-ranked sharing, and
// persistence of the table across restarts.
package peer

import "time"

// Status is the lifecycle state of a Peer entry.
type Status int

const (
	Connecting Status = iota
	Connected
	Disconnecting
	Disconnected
	Error
)

func (s Status) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnecting:
		return "disconnecting"
	case Disconnected:
		return "disconnected"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// Peer is one entry in the canonical peer table. Exclusively owned by
// Manager; the transport layer holds only the live socket, indexed by
// NodeID.
type Peer struct {
	NodeID  string
	Address string
	Port    int
	Status  Status
	Inbound bool

	LastSeen       time.Time
	LastHeartbeat  time.Time
	ConnectedAt    time.Time
	DisconnectedAt time.Time

	MessagesSent      uint64
	MessagesReceived  uint64
	BytesSent         uint64
	BytesReceived     uint64
	SuccessfulConns   uint64
	FailedConns       uint64
	ReconnectAttempts int
}

// Reputation is successful / (successful + failed) connection attempts,
// used to rank peers for sharing. A peer with no connection history yet
// ranks as perfectly reputable so fresh peers aren't starved out.
func (p *Peer) Reputation() float64 {
	total := p.SuccessfulConns + p.FailedConns
	if total == 0 {
		return 1.0
	}
	return float64(p.SuccessfulConns) / float64(total)
}
