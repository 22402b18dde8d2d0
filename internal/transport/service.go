// Package transport implements the Direct Connection Service: a TCP
// listener plus dialer that perform a version handshake with every peer
// and, once established, frame traffic through the peer protocol.
package transport

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rishav/p2p-exchange/internal/protocol"
	"github.com/rishav/p2p-exchange/internal/xerrors"
)

// Config configures a Service.
type Config struct {
	SelfNodeID       string
	ListenAddr       string        // host:port to bind, e.g. "0.0.0.0:7700"
	HandshakeTimeout time.Duration // default 10s
	MessageTimeout   time.Duration // default 30s
	SelfPort         int
	Capabilities     []string
}

func (c *Config) applyDefaults() {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.MessageTimeout <= 0 {
		c.MessageTimeout = 30 * time.Second
	}
}

// Handlers are the callbacks a Service invokes for connection lifecycle and
// application messages. All are optional; a nil handler is simply skipped.
type Handlers struct {
	// OnMessage is invoked for every frame that isn't internally handled
	// (heartbeat, disconnect).
	OnMessage func(peerID string, msg protocol.Message)
	// OnEstablished fires once a socket completes its handshake.
	OnEstablished func(peerID string, inbound bool, addr string, port int)
	// OnClosed fires when a socket is torn down, with a short reason.
	OnClosed func(peerID string, reason string)
}

// Service runs the listener and tracks every established connection,
// indexed by the remote node's id.
type Service struct {
	cfg      Config
	handlers Handlers
	log      *logrus.Entry

	ln net.Listener

	mu    sync.RWMutex
	conns map[string]*Conn

	wg   sync.WaitGroup
	done chan struct{}
}

// New constructs a Service. Listen must be called before Dial/accept
// traffic flows.
func New(cfg Config, handlers Handlers, log *logrus.Entry) *Service {
	cfg.applyDefaults()
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Service{
		cfg:      cfg,
		handlers: handlers,
		log:      log.WithField("component", "transport"),
		conns:    make(map[string]*Conn),
		done:     make(chan struct{}),
	}
}

// Listen binds the configured address and starts accepting connections in
// the background.
func (s *Service) Listen() error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return xerrors.New(xerrors.Fatal, s.cfg.SelfNodeID, "failed to bind listener",
			xerrors.WithCause(err), xerrors.WithContext("addr", s.cfg.ListenAddr))
	}
	s.ln = ln
	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Addr returns the bound listener address, valid after Listen succeeds.
func (s *Service) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

func (s *Service) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				s.log.WithError(err).Warn("accept failed")
				continue
			}
		}
		c := newConn(conn, true)
		s.wg.Add(1)
		go s.handleInbound(c)
	}
}

// Dial connects to addr and performs the outbound side of the handshake.
func (s *Service) Dial(addr string) error {
	conn, err := net.DialTimeout("tcp", addr, s.cfg.HandshakeTimeout)
	if err != nil {
		return xerrors.New(xerrors.Network, s.cfg.SelfNodeID, "dial failed",
			xerrors.WithCause(err), xerrors.WithContext("addr", addr))
	}
	c := newConn(conn, false)
	s.wg.Add(1)
	go s.handleOutbound(c)
	return nil
}

func (s *Service) handleInbound(c *Conn) {
	defer s.wg.Done()
	c.setState(Handshaking)
	peerID, port, err := s.handshakeInbound(c)
	if err != nil {
		s.log.WithError(err).Debug("inbound handshake failed")
		c.Close()
		return
	}
	s.establish(c, peerID, port)
}

func (s *Service) handleOutbound(c *Conn) {
	defer s.wg.Done()
	c.setState(Handshaking)
	peerID, port, err := s.handshakeOutbound(c)
	if err != nil {
		s.log.WithError(err).Debug("outbound handshake failed")
		c.Close()
		return
	}
	s.establish(c, peerID, port)
}

// handshakeInbound implements the acceptor side: read the dialer's
// handshake, reply with our own handshake, then read handshake_ack.
func (s *Service) handshakeInbound(c *Conn) (string, int, error) {
	c.SetDeadline(time.Now().Add(s.cfg.HandshakeTimeout))
	defer c.SetDeadline(time.Time{})

	msg, err := c.dec.ReadMessage()
	if err != nil {
		return "", 0, err
	}
	if err := s.validatePeerHandshake(c, msg); err != nil {
		return "", 0, err
	}

	if err := c.Send(s.handshakeMsg()); err != nil {
		return "", 0, err
	}

	ack, err := c.dec.ReadMessage()
	if err != nil {
		return "", 0, err
	}
	if ack.Type != protocol.HandshakeAck {
		return "", 0, xerrors.New(xerrors.Protocol, msg.NodeID, "expected handshake_ack")
	}
	return msg.NodeID, msg.Port, nil
}

// handshakeOutbound implements the dialer side: send our handshake, read
// the acceptor's handshake reply, then send handshake_ack.
func (s *Service) handshakeOutbound(c *Conn) (string, int, error) {
	c.SetDeadline(time.Now().Add(s.cfg.HandshakeTimeout))
	defer c.SetDeadline(time.Time{})

	if err := c.Send(s.handshakeMsg()); err != nil {
		return "", 0, err
	}

	msg, err := c.dec.ReadMessage()
	if err != nil {
		return "", 0, err
	}
	if err := s.validatePeerHandshake(c, msg); err != nil {
		return "", 0, err
	}

	if err := c.Send(protocol.Message{
		Type:      protocol.HandshakeAck,
		NodeID:    s.cfg.SelfNodeID,
		Timestamp: time.Now().UnixNano(),
	}); err != nil {
		return "", 0, err
	}
	return msg.NodeID, msg.Port, nil
}

func (s *Service) handshakeMsg() protocol.Message {
	return protocol.Message{
		Type:         protocol.Handshake,
		NodeID:       s.cfg.SelfNodeID,
		Timestamp:    time.Now().UnixNano(),
		Version:      protocol.Version,
		Port:         s.cfg.SelfPort,
		Capabilities: s.cfg.Capabilities,
	}
}

// validatePeerHandshake checks version equality and self-connection,
// closing/erroring per the handshake contract before the caller proceeds.
func (s *Service) validatePeerHandshake(c *Conn, msg protocol.Message) error {
	if msg.Type != protocol.Handshake {
		return xerrors.New(xerrors.Protocol, msg.NodeID, "expected handshake as first frame")
	}
	if msg.NodeID == s.cfg.SelfNodeID {
		// Silently drop a self-connection; no reply per the handshake
		// contract.
		return xerrors.New(xerrors.Protocol, msg.NodeID, "refusing self-connection")
	}
	if msg.Version != protocol.Version {
		c.Send(protocol.Message{
			Type:      protocol.ErrorMsg,
			NodeID:    s.cfg.SelfNodeID,
			Timestamp: time.Now().UnixNano(),
			Error: &protocol.ErrorPayload{
				Code:    "PROTOCOL_VERSION_MISMATCH",
				Message: fmt.Sprintf("expected version %s, got %s", protocol.Version, msg.Version),
			},
		})
		return xerrors.New(xerrors.Protocol, msg.NodeID, "protocol version mismatch",
			xerrors.WithContext("remote_version", msg.Version))
	}
	return nil
}

func (s *Service) establish(c *Conn, peerID string, port int) {
	c.mu.Lock()
	c.remoteID = peerID
	c.remotePort = port
	c.connectedAt = time.Now()
	c.mu.Unlock()
	c.setState(Established)

	s.mu.Lock()
	s.conns[peerID] = c
	s.mu.Unlock()

	if s.handlers.OnEstablished != nil {
		host, _, _ := net.SplitHostPort(c.RemoteAddr().String())
		s.handlers.OnEstablished(peerID, c.Inbound(), host, port)
	}

	s.serve(c, peerID)
}

// serve is the per-connection read loop: heartbeat and disconnect are
// handled internally, everything else is delivered to OnMessage.
func (s *Service) serve(c *Conn, peerID string) {
	reason := "eof"
	for {
		msg, err := c.dec.ReadMessage()
		if err != nil {
			if xerrors.Is(err, xerrors.Protocol) {
				reason = "protocol_error"
			} else {
				reason = "socket_error"
			}
			break
		}
		switch msg.Type {
		case protocol.Heartbeat:
			c.Send(protocol.Message{
				Type:      protocol.HeartbeatAck,
				NodeID:    s.cfg.SelfNodeID,
				Timestamp: time.Now().UnixNano(),
			})
		case protocol.HeartbeatAck:
			if s.handlers.OnMessage != nil {
				s.handlers.OnMessage(peerID, msg)
			}
		case protocol.Disconnect:
			reason = msg.Reason
			if reason == "" {
				reason = "peer_disconnect"
			}
			c.Close()
			s.teardown(peerID, reason)
			return
		default:
			if s.handlers.OnMessage != nil {
				s.handlers.OnMessage(peerID, msg)
			}
		}
	}
	c.Close()
	s.teardown(peerID, reason)
}

func (s *Service) teardown(peerID, reason string) {
	s.mu.Lock()
	delete(s.conns, peerID)
	s.mu.Unlock()
	if s.handlers.OnClosed != nil {
		s.handlers.OnClosed(peerID, reason)
	}
}

// Send writes msg to the established connection for peerID.
func (s *Service) Send(peerID string, msg protocol.Message) error {
	s.mu.RLock()
	c, ok := s.conns[peerID]
	s.mu.RUnlock()
	if !ok {
		return xerrors.New(xerrors.Network, peerID, "not connected",
			xerrors.WithContext("code", "NotConnected"))
	}
	c.SetDeadline(time.Now().Add(s.cfg.MessageTimeout))
	defer c.SetDeadline(time.Time{})
	if err := c.Send(msg); err != nil {
		return xerrors.New(xerrors.Network, peerID, "write failed",
			xerrors.WithCause(err), xerrors.WithContext("code", "WriteFailed"))
	}
	return nil
}

// Broadcast fans msg out to every established connection, returning each
// failure keyed by peer id. A partial failure never aborts the rest of the
// fan-out.
func (s *Service) Broadcast(msg protocol.Message) map[string]error {
	s.mu.RLock()
	peers := make([]string, 0, len(s.conns))
	for id := range s.conns {
		peers = append(peers, id)
	}
	s.mu.RUnlock()

	failures := make(map[string]error)
	for _, id := range peers {
		if err := s.Send(id, msg); err != nil {
			failures[id] = err
		}
	}
	return failures
}

// Disconnect gracefully closes the connection to peerID, sending a
// disconnect frame first.
func (s *Service) Disconnect(peerID, reason string) {
	s.mu.RLock()
	c, ok := s.conns[peerID]
	s.mu.RUnlock()
	if !ok {
		return
	}
	c.Send(protocol.Message{
		Type:      protocol.Disconnect,
		NodeID:    s.cfg.SelfNodeID,
		Timestamp: time.Now().UnixNano(),
		Reason:    reason,
	})
	c.Close()
	s.teardown(peerID, reason)
}

// Shutdown closes the listener and every established connection.
func (s *Service) Shutdown() {
	close(s.done)
	if s.ln != nil {
		s.ln.Close()
	}
	s.mu.Lock()
	for id, c := range s.conns {
		c.Close()
		delete(s.conns, id)
	}
	s.mu.Unlock()
	s.wg.Wait()
}
