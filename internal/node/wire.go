package node

import (
	"fmt"
	"time"

	"github.com/rishav/p2p-exchange/internal/discovery"
	"github.com/rishav/p2p-exchange/internal/eventqueue"
	"github.com/rishav/p2p-exchange/internal/orderbook"
	"github.com/rishav/p2p-exchange/internal/peer"
	"github.com/rishav/p2p-exchange/internal/protocol"
)

// onPeerEstablished registers a freshly-handshaken socket with the peer
// manager.
func (n *Node) onPeerEstablished(peerID string, inbound bool, addr string, port int) {
	if _, err := n.peers.Add(peerID, addr, port, inbound); err != nil {
		n.log.WithError(err).WithField("peer", peerID).Warn("refusing peer: quota exhausted")
		n.transportSvc.Disconnect(peerID, "quota_exhausted")
	}
}

// onPeerClosed marks a peer disconnected when its socket goes away.
func (n *Node) onPeerClosed(peerID string, reason string) {
	n.peers.MarkDisconnected(peerID, reason != "peer_disconnect" && reason != "")
}

// onPeerMessage dispatches an inbound application frame. heartbeat and
// disconnect never reach here; transport handles them internally.
func (n *Node) onPeerMessage(peerID string, msg protocol.Message) {
	switch msg.Type {
	case protocol.HeartbeatAck:
		n.peers.Touch(peerID)
	case protocol.PeerExchangeRequest:
		n.replyPeerExchange(peerID)
	case protocol.PeerExchange:
		n.peers.Touch(peerID)
		n.disc.HandlePeerExchange(msg)
	case protocol.OrderMsg:
		n.onRemoteOrder(peerID, msg)
	case protocol.TradeMsg:
		n.onRemoteTrade(peerID, msg)
	case protocol.CancelOrder:
		n.onRemoteCancel(peerID, msg)
	case protocol.ErrorMsg:
		n.log.WithField("peer", peerID).WithField("code", msg.Error.Code).Warn(msg.Error.Message)
	default:
		n.log.WithField("peer", peerID).WithField("type", msg.Type).Debug("unhandled message type")
	}
}

func (n *Node) replyPeerExchange(peerID string) {
	top := n.peers.TopPeers(0)
	peers := make([]protocol.PeerInfo, 0, len(top))
	for _, p := range top {
		peers = append(peers, protocol.PeerInfo{NodeID: p.NodeID, Address: p.Address, Port: p.Port})
	}
	reply := protocol.Message{
		Type:      protocol.PeerExchange,
		NodeID:    n.cfg.NodeID,
		Timestamp: time.Now().UnixNano(),
		Peers:     peers,
	}
	if err := n.rtr.SendToPeer(peerID, reply); err != nil {
		n.log.WithError(err).WithField("peer", peerID).Debug("peer_exchange reply failed")
	}
}

// onRemoteOrder admits a peer-originated order into the causal event queue
// and relays it onward to every other peer once, per the dedup contract.
func (n *Node) onRemoteOrder(senderID string, msg protocol.Message) {
	if msg.Order == nil || !n.rtr.Dedup(msg.Fingerprint()) {
		return
	}
	n.relay(senderID, msg)

	input := orderbook.NewOrderInput{
		ID:        msg.Order.ID,
		UserID:    msg.Order.UserID,
		Side:      wireToSide(msg.Order.Side),
		Amount:    msg.Order.Amount,
		Price:     msg.Order.Price,
		Pair:      msg.Order.Pair,
		CreatedAt: msg.Order.TS,
	}
	if _, _, err := n.submitOrder(input, msg.VC, true); err != nil {
		n.log.WithError(err).WithField("order_id", input.ID).Debug("failed to admit remote order")
	}
}

// onRemoteTrade admits an already-executed peer trade as history-only: it
// is never re-matched against this node's book.
func (n *Node) onRemoteTrade(senderID string, msg protocol.Message) {
	if msg.Trade == nil || !n.rtr.Dedup(msg.Fingerprint()) {
		return
	}
	n.relay(senderID, msg)

	trade := orderbook.Trade{
		ID:          msg.Trade.ID,
		BuyOrderID:  msg.Trade.BuyOrderID,
		SellOrderID: msg.Trade.SellOrderID,
		Amount:      msg.Trade.Amount,
		Price:       msg.Trade.Price,
		Timestamp:   msg.Trade.TS,
	}
	if err := n.queue.Enqueue(eventqueue.KindTrade, &remoteTrade{trade: trade}, msg.VC, "trade:"+trade.ID); err != nil {
		n.log.WithError(err).WithField("trade_id", trade.ID).Debug("failed to admit remote trade")
	}
}

func (n *Node) onRemoteCancel(senderID string, msg protocol.Message) {
	if msg.OrderID == "" || !n.rtr.Dedup(msg.Fingerprint()) {
		return
	}
	n.relay(senderID, msg)

	if _, err := n.submitCancel(msg.OrderID, msg.VC); err != nil {
		n.log.WithError(err).WithField("order_id", msg.OrderID).Debug("failed to admit remote cancel")
	}
}

// relay forwards an already-deduplicated message to every healthy peer
// besides the one it arrived from, flooding it across the mesh without
// looping: the next hop's own dedup cache will have already seen it once
// every node that can reach it has relayed once.
func (n *Node) relay(senderID string, msg protocol.Message) {
	for _, id := range n.peers.HealthyPeerIDs() {
		if id == senderID {
			continue
		}
		if err := n.rtr.SendToPeer(id, msg); err != nil {
			n.log.WithError(err).WithField("peer", id).Debug("relay send failed")
		}
	}
}

func (n *Node) broadcastOrder(input orderbook.NewOrderInput, vc map[string]uint64) {
	msg := protocol.Message{
		Type:      protocol.OrderMsg,
		NodeID:    n.cfg.NodeID,
		Timestamp: input.CreatedAt,
		VC:        vc,
		Order: &protocol.WireOrder{
			ID:     input.ID,
			Side:   sideToWire(input.Side),
			Amount: input.Amount,
			Price:  input.Price,
			Pair:   input.Pair,
			UserID: input.UserID,
			TS:     input.CreatedAt,
		},
	}
	if _, ok := n.rtr.Broadcast(msg.Fingerprint(), msg); !ok {
		n.log.WithField("order_id", input.ID).Debug("order broadcast skipped: already seen")
	}
}

func (n *Node) broadcastTrades(trades []orderbook.Trade) {
	for _, t := range trades {
		msg := protocol.Message{
			Type:      protocol.TradeMsg,
			NodeID:    n.cfg.NodeID,
			Timestamp: t.Timestamp,
			Trade: &protocol.WireTrade{
				ID:          t.ID,
				BuyOrderID:  t.BuyOrderID,
				SellOrderID: t.SellOrderID,
				Amount:      t.Amount,
				Price:       t.Price,
				TS:          t.Timestamp,
			},
		}
		n.rtr.Broadcast(msg.Fingerprint(), msg)
	}
}

func (n *Node) broadcastCancel(orderID string) {
	msg := protocol.Message{
		Type:      protocol.CancelOrder,
		NodeID:    n.cfg.NodeID,
		Timestamp: time.Now().UnixNano(),
		OrderID:   orderID,
	}
	n.rtr.Broadcast(msg.Fingerprint(), msg)
}

// sendHeartbeat is the peer manager's HeartbeatNeeded callback.
func (n *Node) sendHeartbeat(nodeID string) {
	msg := protocol.Message{
		Type:      protocol.Heartbeat,
		NodeID:    n.cfg.NodeID,
		Timestamp: time.Now().UnixNano(),
	}
	if err := n.brk.Do(func() error { return n.transportSvc.Send(nodeID, msg) }); err != nil {
		n.log.WithError(err).WithField("peer", nodeID).Debug("heartbeat send failed")
	}
}

// reconnect is the peer manager's ReconnectNeeded callback.
func (n *Node) reconnect(nodeID, address string, port int) {
	addr := fmt.Sprintf("%s:%d", address, port)
	if err := n.brk.Do(func() error { return n.transportSvc.Dial(addr) }); err != nil {
		n.log.WithError(err).WithField("peer", nodeID).WithField("addr", addr).Debug("reconnect dial failed")
	}
}

// onDiscovered reacts to a discovered candidate by dialing it, unless
// already known and connected.
func (n *Node) onDiscovered(d discovery.Discovered) {
	if d.NodeID != "" {
		if p, ok := n.peers.Get(d.NodeID); ok && p.Status == peer.Connected {
			return
		}
	}
	addr := fmt.Sprintf("%s:%d", d.Address, d.Port)
	if err := n.brk.Do(func() error { return n.transportSvc.Dial(addr) }); err != nil {
		n.log.WithError(err).WithField("addr", addr).WithField("source", d.Source).Debug("discovery dial failed")
	}
}

func sideToWire(s orderbook.Side) string {
	if s == orderbook.Buy {
		return "buy"
	}
	return "sell"
}

func wireToSide(s string) orderbook.Side {
	if s == "buy" {
		return orderbook.Buy
	}
	return orderbook.Sell
}
