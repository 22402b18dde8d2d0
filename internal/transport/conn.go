package transport

import (
	"net"
	"sync"
	"time"

	"github.com/rishav/p2p-exchange/internal/protocol"
)

// ConnState is the lifecycle of one peer socket.
type ConnState int

const (
	Dialing ConnState = iota
	Handshaking
	Established
	Closing
	Closed
)

func (s ConnState) String() string {
	switch s {
	case Dialing:
		return "dialing"
	case Handshaking:
		return "handshaking"
	case Established:
		return "established"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Conn wraps one TCP socket to a peer, tracking its handshake state and
// framing traffic through protocol.Encoder/Decoder.
type Conn struct {
	conn   net.Conn
	dec    *protocol.Decoder
	enc    *protocol.Encoder
	inbound bool

	mu          sync.Mutex
	state       ConnState
	remoteID    string
	remotePort  int
	connectedAt time.Time

	encMu sync.Mutex // serializes concurrent writes from Send/heartbeat/broadcast
}

func newConn(c net.Conn, inbound bool) *Conn {
	return &Conn{
		conn:    c,
		dec:     protocol.NewDecoder(c),
		enc:     protocol.NewEncoder(c),
		inbound: inbound,
		state:   Dialing,
	}
}

// State returns the connection's current lifecycle state.
func (c *Conn) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conn) setState(s ConnState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// RemoteNodeID returns the peer's node id, set once the handshake completes.
func (c *Conn) RemoteNodeID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteID
}

// RemoteAddr returns the underlying socket's remote address.
func (c *Conn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// Inbound reports whether this connection was accepted (true) or dialed
// (false) by this node.
func (c *Conn) Inbound() bool { return c.inbound }

// Send writes a single message, serializing concurrent callers.
func (c *Conn) Send(msg protocol.Message) error {
	c.encMu.Lock()
	defer c.encMu.Unlock()
	return c.enc.WriteMessage(msg)
}

// Close closes the underlying socket.
func (c *Conn) Close() error {
	c.setState(Closing)
	return c.conn.Close()
}

// SetDeadline forwards to the underlying socket.
func (c *Conn) SetDeadline(t time.Time) error { return c.conn.SetDeadline(t) }
