// Package api exposes a node over a local HTTP control surface: place and
// cancel orders, and query book/trade/peer state. It mirrors the
// submit-over-HTTP shape the rest of this codebase uses for client access,
// collapsed onto the single in-process Node facade instead of a remote
// matching engine.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rishav/p2p-exchange/internal/decimal"
	"github.com/rishav/p2p-exchange/internal/node"
	"github.com/rishav/p2p-exchange/internal/orderbook"
	"github.com/rishav/p2p-exchange/internal/peer"
)

// Config configures the control server's listener.
type Config struct {
	Addr string // host:port to bind, e.g. "127.0.0.1:7780"
}

// Server serves the HTTP control API over a *node.Node.
type Server struct {
	cfg  Config
	n    *node.Node
	log  *logrus.Entry
	http *http.Server
}

// New builds a Server. Start must be called to begin accepting requests.
func New(cfg Config, n *node.Node, log *logrus.Entry) *Server {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	s := &Server{cfg: cfg, n: n, log: log.WithField("component", "api")}

	mux := http.NewServeMux()
	mux.HandleFunc("/order", s.handleOrder)
	mux.HandleFunc("/cancel", s.handleCancel)
	mux.HandleFunc("/book", s.handleBook)
	mux.HandleFunc("/trades", s.handleTrades)
	mux.HandleFunc("/orders", s.handleOrders)
	mux.HandleFunc("/peers", s.handlePeers)
	mux.HandleFunc("/health", s.handleHealth)

	s.http = &http.Server{
		Addr:         cfg.Addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Start begins serving in the background. It returns once the listener is
// bound or fails to bind.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("api: listen %s: %w", s.cfg.Addr, err)
	}
	go func() {
		if err := s.http.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.WithError(err).Error("control server stopped")
		}
	}()
	s.log.WithField("addr", s.cfg.Addr).Info("control API listening")
	return nil
}

// Shutdown gracefully stops the control server.
func (s *Server) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.http.Shutdown(ctx)
}

// OrderRequest is the body of a POST /order request.
type OrderRequest struct {
	UserID string `json:"user_id"`
	Side   string `json:"side"` // "buy" or "sell"
	Amount string `json:"amount"`
	Price  string `json:"price"`
}

// OrderResponse is the body of a POST /order response; on failure Success
// is false and Error carries the reason.
type OrderResponse struct {
	Success   bool             `json:"success"`
	OrderID   string           `json:"order_id,omitempty"`
	Status    string           `json:"status,omitempty"`
	Remaining string           `json:"remaining,omitempty"`
	Trades    []TradeView      `json:"trades,omitempty"`
	Error     string           `json:"error,omitempty"`
}

// TradeView is the wire shape of a trade in an API response.
type TradeView struct {
	ID          string `json:"id"`
	BuyOrderID  string `json:"buy_order_id"`
	SellOrderID string `json:"sell_order_id"`
	Amount      string `json:"amount"`
	Price       string `json:"price"`
	Timestamp   int64  `json:"timestamp"`
}

func (s *Server) handleOrder(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req OrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, OrderResponse{Error: fmt.Sprintf("invalid request: %v", err)})
		return
	}

	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, OrderResponse{Error: fmt.Sprintf("invalid amount: %v", err)})
		return
	}
	price, err := decimal.NewFromString(req.Price)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, OrderResponse{Error: fmt.Sprintf("invalid price: %v", err)})
		return
	}

	var outcome *node.OrderOutcome
	switch req.Side {
	case "buy", "BUY":
		outcome, err = s.n.PlaceBuy(req.UserID, amount, price)
	case "sell", "SELL":
		outcome, err = s.n.PlaceSell(req.UserID, amount, price)
	default:
		writeJSON(w, http.StatusBadRequest, OrderResponse{Error: "side must be 'buy' or 'sell'"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusBadRequest, OrderResponse{Error: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, OrderResponse{
		Success:   true,
		OrderID:   outcome.OrderID,
		Status:    outcome.Status.String(),
		Remaining: outcome.Remaining.String(),
		Trades:    tradeViews(outcome.Trades),
	})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost && r.Method != http.MethodDelete {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	orderID := r.URL.Query().Get("order_id")
	if orderID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "order_id required"})
		return
	}
	if !s.n.Cancel(orderID) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "order not found or already final"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "order_id": orderID})
}

func (s *Server) handleBook(w http.ResponseWriter, r *http.Request) {
	depth := 10
	if v := r.URL.Query().Get("depth"); v != "" {
		if parsed, err := parsePositiveInt(v); err == nil {
			depth = parsed
		}
	}
	snap := s.n.OrderBook(depth)
	writeJSON(w, http.StatusOK, map[string]any{
		"bids": levelViews(snap.Bids),
		"asks": levelViews(snap.Asks),
	})
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := parsePositiveInt(v); err == nil {
			limit = parsed
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"trades": tradeViews(s.n.RecentTrades(limit))})
}

func (s *Server) handleOrders(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "user_id required"})
		return
	}
	orders := s.n.UserOrders(userID)
	views := make([]map[string]any, len(orders))
	for i, o := range orders {
		views[i] = orderView(o)
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": views})
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"peers": peerViews(s.n.Peers())})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func tradeViews(trades []orderbook.Trade) []TradeView {
	views := make([]TradeView, len(trades))
	for i, t := range trades {
		views[i] = TradeView{
			ID:          t.ID,
			BuyOrderID:  t.BuyOrderID,
			SellOrderID: t.SellOrderID,
			Amount:      t.Amount.String(),
			Price:       t.Price.String(),
			Timestamp:   t.Timestamp,
		}
	}
	return views
}

func levelViews(levels []orderbook.PriceLevelView) []map[string]any {
	views := make([]map[string]any, len(levels))
	for i, l := range levels {
		views[i] = map[string]any{
			"price":      l.Price.String(),
			"amount":     l.Amount.String(),
			"num_orders": l.NumOrders,
		}
	}
	return views
}

func orderView(o *orderbook.Order) map[string]any {
	return map[string]any{
		"id":         o.ID,
		"user_id":    o.UserID,
		"side":       o.Side.String(),
		"amount":     o.Amount.String(),
		"price":      o.Price.String(),
		"status":     o.Status.String(),
		"created_at": o.CreatedAt,
		"pair":       o.Pair,
	}
}

func peerViews(peers []peer.Peer) []map[string]any {
	views := make([]map[string]any, len(peers))
	for i, p := range peers {
		views[i] = map[string]any{
			"node_id":  p.NodeID,
			"address":  p.Address,
			"port":     p.Port,
			"status":   p.Status.String(),
			"inbound":  p.Inbound,
			"last_seen": p.LastSeen,
		}
	}
	return views
}

func parsePositiveInt(s string) (int, error) {
	var n int
	_, err := fmt.Sscanf(s, "%d", &n)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid positive integer %q", s)
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
