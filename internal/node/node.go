// Package node wires the order book, event queue, peer transport, peer
// manager, router and discovery into the single public surface a client
// (CLI or embedding program) calls against.
package node

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/rishav/p2p-exchange/internal/breaker"
	"github.com/rishav/p2p-exchange/internal/decimal"
	"github.com/rishav/p2p-exchange/internal/discovery"
	"github.com/rishav/p2p-exchange/internal/eventqueue"
	"github.com/rishav/p2p-exchange/internal/orderbook"
	"github.com/rishav/p2p-exchange/internal/peer"
	"github.com/rishav/p2p-exchange/internal/ratelimit"
	"github.com/rishav/p2p-exchange/internal/router"
	"github.com/rishav/p2p-exchange/internal/transport"
	"github.com/rishav/p2p-exchange/internal/validate"
	"github.com/rishav/p2p-exchange/internal/xerrors"
)

// Config configures a Node's identity and every subsystem it owns.
type Config struct {
	NodeID string
	Pair   string

	Transport transport.Config
	Peer      peer.Config
	PeerStore peer.BlobStore // optional; nil disables peer-table persistence
	Router    router.Config
	Discovery discovery.Config
	RateLimit ratelimit.Config
	Validate  validate.Config
	Breaker   breaker.Config

	// EventResultTimeout bounds how long place_buy/place_sell/cancel wait
	// for the event queue to dispatch the corresponding event.
	EventResultTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.EventResultTimeout <= 0 {
		c.EventResultTimeout = 5 * time.Second
	}
}

// OrderOutcome is the result of a successful place_buy/place_sell.
type OrderOutcome struct {
	OrderID   string
	Trades    []orderbook.Trade
	Remaining decimal.Decimal
	Status    orderbook.Status
}

// orderPayload is what an order-kind event carries through the queue.
type orderPayload struct {
	input    orderbook.NewOrderInput
	remote   bool
	resultCh chan orderResult
}

type orderResult struct {
	result *orderbook.MatchResult
	vc     map[string]uint64
	err    error
}

// cancelPayload is what a cancel-kind event carries through the queue.
type cancelPayload struct {
	orderID  string
	resultCh chan cancelResult
}

type cancelResult struct {
	order *orderbook.Order
	err   error
}

// remoteTrade is what a KindTrade event carries when replayed from a peer:
// a finalized trade that the book must append to its history but never
// re-match.
type remoteTrade struct {
	trade orderbook.Trade
}

// Node is the facade wiring every subsystem together.
type Node struct {
	cfg Config
	log *logrus.Entry

	book    *orderbook.Book
	limiter *ratelimit.Limiter
	checker *validate.Checker
	brk     *breaker.Breaker
	queue   *eventqueue.Queue

	transportSvc *transport.Service
	peers        *peer.Manager
	rtr          *router.Router
	disc         *discovery.Discovery

	historyMu    sync.Mutex
	orderHistory []*orderbook.Order
	tradeHistory []orderbook.Trade

	startOnce sync.Once
	stopOnce  sync.Once
}

// New constructs a Node. Start must be called before it accepts traffic.
func New(cfg Config, log *logrus.Entry) *Node {
	cfg.applyDefaults()
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithField("node_id", cfg.NodeID)

	n := &Node{
		cfg:     cfg,
		log:     log,
		book:    orderbook.New(cfg.Pair),
		limiter: ratelimit.New(cfg.RateLimit),
		checker: validate.NewChecker(cfg.Pair, cfg.Validate),
		brk:     breaker.New("peer_io", cfg.Breaker),
	}
	n.queue = eventqueue.New(cfg.NodeID, n.handleEvent, eventqueue.DefaultConfig())

	n.transportSvc = transport.New(cfg.Transport, transport.Handlers{
		OnMessage:     n.onPeerMessage,
		OnEstablished: n.onPeerEstablished,
		OnClosed:      n.onPeerClosed,
	}, log)

	n.peers = peer.New(cfg.Peer, peer.Events{
		HeartbeatNeeded: n.sendHeartbeat,
		ReconnectNeeded: n.reconnect,
	}, cfg.PeerStore, log)

	n.rtr = router.New(cfg.Router, n.transportSvc, n.peers, log)

	n.disc = discovery.New(cfg.Discovery, n.onDiscovered, n.rtr, n.peers, log)

	return n
}

// Start loads persisted peer state, binds the listener, and launches
// every background loop (heartbeat, reconnect, retry, discovery).
func (n *Node) Start() error {
	var startErr error
	n.startOnce.Do(func() {
		ctx := context.Background()
		if err := n.peers.Load(ctx); err != nil {
			n.log.WithError(err).Warn("failed to load persisted peer table")
		}
		if err := n.transportSvc.Listen(); err != nil {
			startErr = xerrors.New(xerrors.Fatal, n.cfg.NodeID, "failed to start listener", xerrors.WithCause(err))
			return
		}
		n.peers.Start()
		n.rtr.Start()
		n.queue.Start()
		if err := n.disc.Start(); err != nil {
			startErr = xerrors.New(xerrors.Fatal, n.cfg.NodeID, "failed to start discovery", xerrors.WithCause(err))
			return
		}
	})
	return startErr
}

// Shutdown halts every background loop and flushes peer state.
func (n *Node) Shutdown() {
	n.stopOnce.Do(func() {
		n.disc.Stop()
		n.rtr.Stop()
		n.queue.Stop()
		n.peers.Stop(context.Background())
		n.transportSvc.Shutdown()
	})
}

// PlaceBuy places a buy order for userID at amount/price.
func (n *Node) PlaceBuy(userID string, amount, price decimal.Decimal) (*OrderOutcome, error) {
	return n.place(userID, orderbook.Buy, amount, price)
}

// PlaceSell places a sell order for userID at amount/price.
func (n *Node) PlaceSell(userID string, amount, price decimal.Decimal) (*OrderOutcome, error) {
	return n.place(userID, orderbook.Sell, amount, price)
}

// place runs rate-limit -> validate -> causal-ordered add_order, then
// best-effort broadcasts the order and any resulting trades. A broadcast
// failure never fails the local result.
func (n *Node) place(userID string, side orderbook.Side, amount, price decimal.Decimal) (*OrderOutcome, error) {
	if !n.limiter.Allow(userID, ratelimit.Orders, 1) {
		return nil, xerrors.New(xerrors.RateLimited, userID, "order rate limit exceeded")
	}
	check := n.checker.Check(side, n.cfg.Pair, amount, price)
	if err := check.AsError(userID); err != nil {
		return nil, err
	}

	id := uuid.NewString()
	input := orderbook.NewOrderInput{
		ID:        id,
		UserID:    userID,
		Side:      side,
		Amount:    amount,
		Price:     price,
		Pair:      n.cfg.Pair,
		CreatedAt: time.Now().UnixNano(),
	}

	result, vc, err := n.submitOrder(input, nil, false)
	if err != nil {
		return nil, err
	}

	n.broadcastOrder(input, vc)
	n.broadcastTrades(result.Trades)

	return &OrderOutcome{
		OrderID:   result.Order.ID,
		Trades:    result.Trades,
		Remaining: result.Order.Amount,
		Status:    result.Order.Status,
	}, nil
}

// Cancel cancels orderID if it belongs to this node's book.
func (n *Node) Cancel(orderID string) bool {
	order, err := n.submitCancel(orderID, nil)
	if err != nil || order == nil {
		return false
	}
	n.broadcastCancel(orderID)
	return true
}

// submitOrder enqueues an order-kind event and blocks for its dispatch
// result, bounded by EventResultTimeout. vc is nil for a locally-produced
// order (the queue stamps it) or the sender's stamp for a replayed one.
func (n *Node) submitOrder(input orderbook.NewOrderInput, vc map[string]uint64, remote bool) (*orderbook.MatchResult, map[string]uint64, error) {
	resultCh := make(chan orderResult, 1)
	if err := n.queue.Enqueue(eventqueue.KindOrder, &orderPayload{input: input, remote: remote, resultCh: resultCh}, vc, "order:"+input.ID); err != nil {
		return nil, nil, err
	}
	select {
	case res := <-resultCh:
		return res.result, res.vc, res.err
	case <-time.After(n.cfg.EventResultTimeout):
		return nil, nil, xerrors.New(xerrors.Overload, input.ID, "timed out waiting for order to be processed")
	}
}

// submitCancel enqueues a cancel-kind event. vc is nil for a locally
// issued cancel or the sender's stamp for one replayed from a peer.
func (n *Node) submitCancel(orderID string, vc map[string]uint64) (*orderbook.Order, error) {
	resultCh := make(chan cancelResult, 1)
	if err := n.queue.Enqueue(eventqueue.KindCancel, &cancelPayload{orderID: orderID, resultCh: resultCh}, vc, "cancel:"+orderID); err != nil {
		return nil, err
	}
	select {
	case res := <-resultCh:
		return res.order, res.err
	case <-time.After(n.cfg.EventResultTimeout):
		return nil, xerrors.New(xerrors.Overload, orderID, "timed out waiting for cancel to be processed")
	}
}

// handleEvent is the Event Queue's single dispatch handler: it is the only
// code path that mutates the book.
func (n *Node) handleEvent(ev eventqueue.Event) error {
	switch ev.Kind {
	case eventqueue.KindOrder:
		p := ev.Payload.(*orderPayload)
		result, err := n.book.AddOrder(p.input)
		if p.resultCh != nil {
			p.resultCh <- orderResult{result: result, vc: ev.VC, err: err}
		}
		if err == nil {
			n.recordOrderHistory(result.Order)
			n.recordTradeHistory(result.Trades)
			if p.remote && len(result.Trades) > 0 {
				n.broadcastTrades(result.Trades)
			}
		}
		return err
	case eventqueue.KindCancel:
		p := ev.Payload.(*cancelPayload)
		order, err := n.book.CancelOrder(p.orderID)
		if p.resultCh != nil {
			p.resultCh <- cancelResult{order: order, err: err}
		}
		return err
	case eventqueue.KindTrade:
		p := ev.Payload.(*remoteTrade)
		n.recordTradeHistory([]orderbook.Trade{p.trade})
		return nil
	default:
		return fmt.Errorf("node: unknown event kind %v", ev.Kind)
	}
}

// OrderBook returns a depth-limited snapshot of both sides.
func (n *Node) OrderBook(depth int) orderbook.Snapshot { return n.book.Snapshot(depth) }

// UserOrders returns every resting order belonging to userID.
func (n *Node) UserOrders(userID string) []*orderbook.Order { return n.book.UserOrders(userID) }

// RecentTrades returns up to limit of the most recently executed trades.
func (n *Node) RecentTrades(limit int) []orderbook.Trade { return n.book.RecentTrades(limit) }

// Peers returns every entry in the canonical peer table.
func (n *Node) Peers() []peer.Peer { return n.peers.All() }

// OrderHistory returns every order this node has ever placed or replayed,
// oldest first.
func (n *Node) OrderHistory() []*orderbook.Order {
	n.historyMu.Lock()
	defer n.historyMu.Unlock()
	out := make([]*orderbook.Order, len(n.orderHistory))
	copy(out, n.orderHistory)
	return out
}

// TradeHistory returns every trade this node has recorded, whether
// executed locally or replayed from a peer, oldest first.
func (n *Node) TradeHistory() []orderbook.Trade {
	n.historyMu.Lock()
	defer n.historyMu.Unlock()
	out := make([]orderbook.Trade, len(n.tradeHistory))
	copy(out, n.tradeHistory)
	return out
}

func (n *Node) recordOrderHistory(o *orderbook.Order) {
	n.historyMu.Lock()
	defer n.historyMu.Unlock()
	n.orderHistory = append(n.orderHistory, o)
}

func (n *Node) recordTradeHistory(trades []orderbook.Trade) {
	if len(trades) == 0 {
		return
	}
	n.historyMu.Lock()
	defer n.historyMu.Unlock()
	n.tradeHistory = append(n.tradeHistory, trades...)
}
