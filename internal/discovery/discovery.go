// Package discovery finds candidate peers from three sources — a fixed
// bootstrap list, LAN multicast announce/receive, and periodic
// peer_exchange requests against already-established peers — and emits
// them as discovered events. It never opens a TCP connection itself; the
// Node reacts to a discovery by dialing.
package discovery

import (
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rishav/p2p-exchange/internal/protocol"
)

// Source identifies where a Discovered event came from.
type Source string

const (
	SourceBootstrap    Source = "bootstrap"
	SourceMulticast    Source = "multicast"
	SourcePeerExchange Source = "peer_exchange"
)

// Discovered is emitted whenever discovery learns of a candidate peer.
type Discovered struct {
	NodeID  string
	Address string
	Port    int
	Source  Source
}

// Requester is the subset of the Router/transport.Service discovery needs
// to issue a peer_exchange_request to an established peer.
type Requester interface {
	SendToPeer(peerID string, msg protocol.Message) error
}

// PeerSource supplies the set of currently-established peer ids to poll
// via peer_exchange.
type PeerSource interface {
	EstablishedPeerIDs() []string
}

// Config tunes discovery's loop intervals and multicast binding.
type Config struct {
	SelfNodeID            string
	SelfPort              int
	BootstrapPeers        []string // host:port
	EnableMDNS            bool
	MulticastGroup        string // e.g. "224.0.0.251:7701"
	MulticastInterval     time.Duration
	EnablePeerExchange    bool
	PeerExchangeInterval  time.Duration
}

func (c *Config) applyDefaults() {
	if c.MulticastGroup == "" {
		c.MulticastGroup = "224.0.0.251:7701"
	}
	if c.MulticastInterval <= 0 {
		c.MulticastInterval = 30 * time.Second
	}
	if c.PeerExchangeInterval <= 0 {
		c.PeerExchangeInterval = 60 * time.Second
	}
}

// multicastBeacon is the tiny announce payload sent on the LAN group.
type multicastBeacon struct {
	NodeID string `json:"node_id"`
	Port   int    `json:"port"`
}

// Discovery runs the bootstrap, multicast and peer_exchange loops and
// delivers Discovered events to onDiscovered.
type Discovery struct {
	cfg        Config
	onDiscover func(Discovered)
	requester  Requester
	peers      PeerSource
	log        *logrus.Entry

	conn net.PacketConn
	wg   sync.WaitGroup
	done chan struct{}
}

// New creates a Discovery. Start launches its background loops.
func New(cfg Config, onDiscover func(Discovered), requester Requester, peers PeerSource, log *logrus.Entry) *Discovery {
	cfg.applyDefaults()
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Discovery{
		cfg:        cfg,
		onDiscover: onDiscover,
		requester:  requester,
		peers:      peers,
		log:        log.WithField("component", "discovery"),
		done:       make(chan struct{}),
	}
}

// Start emits the bootstrap list immediately, then launches the
// multicast and peer_exchange loops (each gated by its Config flag).
func (d *Discovery) Start() error {
	for _, addr := range d.cfg.BootstrapPeers {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			d.log.WithError(err).WithField("addr", addr).Warn("skipping malformed bootstrap peer")
			continue
		}
		var p int
		fmt.Sscanf(port, "%d", &p)
		d.emit(Discovered{Address: host, Port: p, Source: SourceBootstrap})
	}

	if d.cfg.EnableMDNS {
		if err := d.startMulticast(); err != nil {
			return err
		}
	}
	if d.cfg.EnablePeerExchange {
		d.wg.Add(1)
		go d.peerExchangeLoop()
	}
	return nil
}

// Stop halts every background loop and closes the multicast socket.
func (d *Discovery) Stop() {
	close(d.done)
	if d.conn != nil {
		d.conn.Close()
	}
	d.wg.Wait()
}

func (d *Discovery) emit(ev Discovered) {
	if d.onDiscover != nil {
		d.onDiscover(ev)
	}
}

func (d *Discovery) startMulticast() error {
	addr, err := net.ResolveUDPAddr("udp4", d.cfg.MulticastGroup)
	if err != nil {
		return fmt.Errorf("discovery: resolve multicast group: %w", err)
	}
	conn, err := net.ListenMulticastUDP("udp4", nil, addr)
	if err != nil {
		return fmt.Errorf("discovery: join multicast group: %w", err)
	}
	d.conn = conn

	d.wg.Add(2)
	go d.multicastAnnounceLoop(addr)
	go d.multicastReceiveLoop()
	return nil
}

func (d *Discovery) multicastAnnounceLoop(addr *net.UDPAddr) {
	defer d.wg.Done()
	out, err := net.DialUDP("udp4", nil, addr)
	if err != nil {
		d.log.WithError(err).Warn("multicast announce dial failed")
		return
	}
	defer out.Close()

	beacon, err := json.Marshal(multicastBeacon{NodeID: d.cfg.SelfNodeID, Port: d.cfg.SelfPort})
	if err != nil {
		d.log.WithError(err).Warn("failed to encode multicast beacon")
		return
	}

	ticker := time.NewTicker(d.cfg.MulticastInterval)
	defer ticker.Stop()
	for {
		if _, err := out.Write(beacon); err != nil {
			d.log.WithError(err).Debug("multicast announce failed")
		}
		select {
		case <-d.done:
			return
		case <-ticker.C:
		}
	}
}

func (d *Discovery) multicastReceiveLoop() {
	defer d.wg.Done()
	buf := make([]byte, 1024)
	for {
		n, src, err := d.conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-d.done:
				return
			default:
				d.log.WithError(err).Debug("multicast read failed")
				continue
			}
		}
		var beacon multicastBeacon
		if err := json.Unmarshal(buf[:n], &beacon); err != nil {
			continue
		}
		if beacon.NodeID == d.cfg.SelfNodeID {
			continue
		}
		host, _, _ := net.SplitHostPort(src.String())
		d.emit(Discovered{NodeID: beacon.NodeID, Address: host, Port: beacon.Port, Source: SourceMulticast})
	}
}

func (d *Discovery) peerExchangeLoop() {
	defer d.wg.Done()
	ticker := time.NewTicker(d.cfg.PeerExchangeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.done:
			return
		case <-ticker.C:
			d.runPeerExchangeTick()
		}
	}
}

func (d *Discovery) runPeerExchangeTick() {
	for _, id := range d.peers.EstablishedPeerIDs() {
		msg := protocol.Message{
			Type:      protocol.PeerExchangeRequest,
			NodeID:    d.cfg.SelfNodeID,
			Timestamp: time.Now().UnixNano(),
		}
		if err := d.requester.SendToPeer(id, msg); err != nil {
			d.log.WithError(err).WithField("peer", id).Debug("peer_exchange request failed")
		}
	}
}

// HandlePeerExchange processes a peer_exchange reply, emitting a
// Discovered event for each peer it carries.
func (d *Discovery) HandlePeerExchange(msg protocol.Message) {
	for _, p := range msg.Peers {
		if p.NodeID == d.cfg.SelfNodeID {
			continue
		}
		d.emit(Discovered{NodeID: p.NodeID, Address: p.Address, Port: p.Port, Source: SourcePeerExchange})
	}
}
