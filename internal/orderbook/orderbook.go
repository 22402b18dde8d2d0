package orderbook

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rishav/p2p-exchange/internal/decimal"
	"github.com/rishav/p2p-exchange/internal/xerrors"
)

// defaultRecentTradesCap bounds the in-memory trade history ring kept for
// recent_trades; older trades are evicted oldest-first.
const defaultRecentTradesCap = 1000

// Book maintains the buy (bid) and sell (ask) sides for exactly one trading
// pair and matches incoming orders against it with price-time priority.
//
// Architecture:
//
//	                    Book
//	                      │
//	     ┌────────────────┴────────────────┐
//	     │                                 │
//	  bids (rbTree)                   asks (rbTree)
//	  descending=true                 descending=false
//	     │                                 │
//	  priceLevel                       priceLevel
//	  (sorted high→low)                (sorted low→high)
//	     │                                 │
//	  order queue                      order queue
//	  (FIFO linked list)                (FIFO linked list)
//
// A buy matches only against resting sells at price <= the buy's limit; a
// sell matches only against resting buys at price >= the sell's limit. The
// executed trade price is always the resting (maker) order's price.
//
// Thread safety: every method that reads or changes the book takes Book's
// mutex, so concurrent calls wait for one another. processing is set for
// the body of AddOrder and checked only by AddOrder, after it has taken
// the mutex; a call from another goroutine therefore blocks on the mutex
// rather than returning Busy, and CancelOrder does not check it.
type Book struct {
	pair string

	mu         sync.Mutex
	processing bool

	bids *rbTree
	asks *rbTree

	ordersByID map[string]*orderNode
	byUser     map[string]map[string]struct{} // userID -> set of order ids

	recentTrades []Trade
}

// New creates an empty book for pair.
func New(pair string) *Book {
	return &Book{
		pair:       pair,
		bids:       newRBTree(true),
		asks:       newRBTree(false),
		ordersByID: make(map[string]*orderNode),
		byUser:     make(map[string]map[string]struct{}),
	}
}

// Pair returns the trading pair this book is bound to.
func (b *Book) Pair() string { return b.pair }

// AddOrder accepts a new order, matches it against the opposite side with
// price-time priority, rests any remainder in the book, and returns the
// resulting order state plus every trade produced. Time complexity
// O(M*log P + log P) where M is the number of resting orders matched and P
// is the number of distinct price levels.
func (b *Book) AddOrder(in NewOrderInput) (*MatchResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.processing {
		return nil, xerrors.New(xerrors.Busy, in.ID, "order book is already processing an order")
	}
	if _, exists := b.ordersByID[in.ID]; exists {
		return nil, xerrors.New(xerrors.Validation, in.ID, "order id already exists",
			xerrors.WithContext("order_id", in.ID))
	}
	b.processing = true
	defer func() { b.processing = false }()

	order := &Order{
		ID:        in.ID,
		UserID:    in.UserID,
		Side:      in.Side,
		Amount:    in.Amount,
		Price:     in.Price,
		Status:    Pending,
		CreatedAt: in.CreatedAt,
		Pair:      in.Pair,
	}

	trades := b.match(order)

	if order.Amount.IsPositive() {
		order.Status = Partial
		if len(trades) == 0 {
			order.Status = Pending
		}
		node := b.restingTree(order.Side).Get(order.Price)
		if node == nil {
			node = newPriceLevel(order.Price)
			b.restingTree(order.Side).Insert(node)
		}
		onode := node.Append(order)
		b.ordersByID[order.ID] = onode
		b.trackUser(order.UserID, order.ID)
	} else {
		order.Status = Filled
	}

	b.recordTrades(trades)

	return &MatchResult{Order: order, Trades: trades}, nil
}

// match walks the opposite side of the book, consuming resting liquidity at
// acceptable prices, oldest order first within each price level.
func (b *Book) match(taker *Order) []Trade {
	var trades []Trade
	opposite := b.restingTree(taker.Side.Opposite())

	for taker.Amount.IsPositive() {
		level := opposite.Best()
		if level == nil {
			break
		}
		if !priceAcceptable(taker.Side, taker.Price, level.Price) {
			break
		}

		for node := level.Head(); node != nil && taker.Amount.IsPositive(); {
			maker := node.order
			next := node.Next()

			fillAmount := taker.Amount.Min(maker.Amount)
			tradePrice := level.Price

			var buyID, sellID string
			if taker.Side == Buy {
				buyID, sellID = taker.ID, maker.ID
			} else {
				buyID, sellID = maker.ID, taker.ID
			}

			trades = append(trades, Trade{
				ID:          uuid.NewString(),
				BuyOrderID:  buyID,
				SellOrderID: sellID,
				Amount:      fillAmount,
				Price:       tradePrice,
				Timestamp:   taker.CreatedAt,
			})

			taker.Amount = taker.Amount.Sub(fillAmount)
			maker.Amount = maker.Amount.Sub(fillAmount)
			level.AdjustAmount(decimal.Zero.Sub(fillAmount))

			if maker.Amount.IsZero() {
				maker.Status = Filled
				level.Remove(node)
				delete(b.ordersByID, maker.ID)
				b.untrackUser(maker.UserID, maker.ID)
			} else {
				maker.Status = Partial
			}

			node = next
		}

		if level.IsEmpty() {
			opposite.Delete(level.Price)
		}
	}

	return trades
}

// priceAcceptable reports whether a resting order at bookPrice can trade
// against a taker limit order on side at takerPrice. A buy only takes asks
// priced at or below its limit; a sell only takes bids priced at or above
// its limit.
func priceAcceptable(takerSide Side, takerPrice, bookPrice decimal.Decimal) bool {
	if takerSide == Buy {
		return bookPrice.LessThanOrEqual(takerPrice)
	}
	return bookPrice.GreaterThanOrEqual(takerPrice)
}

// CancelOrder removes a resting order from the book. Returns the cancelled
// order, or an Error of kind Validation if it isn't found.
func (b *Book) CancelOrder(orderID string) (*Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	node, exists := b.ordersByID[orderID]
	if !exists {
		return nil, xerrors.New(xerrors.Validation, orderID, "order not found",
			xerrors.WithContext("order_id", orderID))
	}

	order := node.order
	level := node.level
	tree := b.restingTree(order.Side)

	level.Remove(node)
	delete(b.ordersByID, orderID)
	b.untrackUser(order.UserID, orderID)

	if level.IsEmpty() {
		tree.Delete(level.Price)
	}

	order.Status = Cancelled
	return order, nil
}

// Get retrieves a resting order by id.
func (b *Book) Get(orderID string) (*Order, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	node, exists := b.ordersByID[orderID]
	if !exists {
		return nil, false
	}
	return node.order, true
}

// UserOrders returns every resting order belonging to userID.
func (b *Book) UserOrders(userID string) []*Order {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids, ok := b.byUser[userID]
	if !ok {
		return nil
	}
	out := make([]*Order, 0, len(ids))
	for id := range ids {
		if node, exists := b.ordersByID[id]; exists {
			out = append(out, node.order)
		}
	}
	return out
}

// RecentTrades returns up to limit of the most recently executed trades,
// newest first. limit <= 0 returns the whole retained window.
func (b *Book) RecentTrades(limit int) []Trade {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(b.recentTrades)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Trade, limit)
	for i := 0; i < limit; i++ {
		out[i] = b.recentTrades[n-1-i]
	}
	return out
}

// BestPrices returns the current best bid and ask, and whether each exists.
func (b *Book) BestPrices() (bid decimal.Decimal, hasBid bool, ask decimal.Decimal, hasAsk bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if lvl := b.bids.Best(); lvl != nil {
		bid, hasBid = lvl.Price, true
	}
	if lvl := b.asks.Best(); lvl != nil {
		ask, hasAsk = lvl.Price, true
	}
	return
}

// Spread returns the difference between best ask and best bid, or false if
// either side is empty.
func (b *Book) Spread() (decimal.Decimal, bool) {
	bid, hasBid, ask, hasAsk := b.BestPrices()
	if !hasBid || !hasAsk {
		return decimal.Zero, false
	}
	return ask.Sub(bid), true
}

// Snapshot returns a depth-limited view of both sides. depth <= 0 returns
// every level.
func (b *Book) Snapshot(depth int) Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Bids: levelViews(b.bids, depth),
		Asks: levelViews(b.asks, depth),
	}
}

func levelViews(tree *rbTree, depth int) []PriceLevelView {
	views := make([]PriceLevelView, 0)
	count := 0
	tree.ForEach(func(level *priceLevel) bool {
		views = append(views, PriceLevelView{
			Price:     level.Price,
			Amount:    level.Amount,
			NumOrders: level.Count(),
		})
		count++
		if depth > 0 && count >= depth {
			return false
		}
		return true
	})
	return views
}

// TotalOrders returns the number of resting orders across both sides.
func (b *Book) TotalOrders() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.ordersByID)
}

func (b *Book) restingTree(side Side) *rbTree {
	if side == Buy {
		return b.bids
	}
	return b.asks
}

func (b *Book) trackUser(userID, orderID string) {
	set, ok := b.byUser[userID]
	if !ok {
		set = make(map[string]struct{})
		b.byUser[userID] = set
	}
	set[orderID] = struct{}{}
}

func (b *Book) untrackUser(userID, orderID string) {
	if set, ok := b.byUser[userID]; ok {
		delete(set, orderID)
		if len(set) == 0 {
			delete(b.byUser, userID)
		}
	}
}

func (b *Book) recordTrades(trades []Trade) {
	if len(trades) == 0 {
		return
	}
	b.recentTrades = append(b.recentTrades, trades...)
	if over := len(b.recentTrades) - defaultRecentTradesCap; over > 0 {
		b.recentTrades = b.recentTrades[over:]
	}
}

// String renders a compact depth-5 view of both sides, for debugging.
func (b *Book) String() string {
	snap := b.Snapshot(5)
	var sb strings.Builder
	fmt.Fprintf(&sb, "=== %s order book ===\n", b.pair)
	sb.WriteString("ASKS:\n")
	for i := len(snap.Asks) - 1; i >= 0; i-- {
		lvl := snap.Asks[i]
		fmt.Fprintf(&sb, "  %s: %s (%d orders)\n", lvl.Price, lvl.Amount, lvl.NumOrders)
	}
	if spread, ok := b.Spread(); ok {
		fmt.Fprintf(&sb, "--- spread: %s ---\n", spread)
	} else {
		sb.WriteString("--- no spread ---\n")
	}
	sb.WriteString("BIDS:\n")
	for _, lvl := range snap.Bids {
		fmt.Fprintf(&sb, "  %s: %s (%d orders)\n", lvl.Price, lvl.Amount, lvl.NumOrders)
	}
	return sb.String()
}
