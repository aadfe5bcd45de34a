package matchbook

import (
	"strconv"
	"sync/atomic"
	"time"

	"github.com/matchbook-io/matchbook/structure"
)

// OrderBook is a single-instrument limit order book with price/time
// priority matching, full-or-nothing market orders and stop orders that
// convert to market orders when the market crosses their trigger price.
//
// One FIFO-fair mutex serializes every state-changing operation across the
// four queues and the active index, so requests are applied strictly in
// arrival order. Public mutating methods take the lock; unexported helpers
// with the Locked suffix assume it is held, which is how the trigger
// cascade re-enters matching without recursive locking.
type OrderBook struct {
	mu *structure.FairMutex

	bidOrders     *queue
	askOrders     *queue
	bidStopOrders *queue
	askStopOrders *queue
	active        activeOrderIndex

	// Lock-free caches for best-effort reads. Refreshed under the lock
	// after every mutation; callers accepting staleness read these.
	bestBid atomic.Int64
	bestAsk atomic.Int64

	snapshots SnapshotWriter
	trades    TradeRecorder
	notifier  Notifier
}

// NewOrderBook creates an empty order book. Nil collaborators default to
// discarding implementations.
func NewOrderBook(snapshots SnapshotWriter, trades TradeRecorder, notifier Notifier) *OrderBook {
	if snapshots == nil {
		snapshots = DiscardSnapshotWriter{}
	}
	if trades == nil {
		trades = DiscardTradeRecorder{}
	}
	if notifier == nil {
		notifier = DiscardNotifier{}
	}

	book := &OrderBook{
		mu:            structure.NewFairMutex(),
		bidOrders:     newBidQueue(),
		askOrders:     newAskQueue(),
		bidStopOrders: newBidQueue(),
		askStopOrders: newAskQueue(),
		snapshots:     snapshots,
		trades:        trades,
		notifier:      notifier,
	}
	book.bestBid.Store(PriceNone)
	book.bestAsk.Store(PriceNone)
	return book
}

// InsertLimit adds a limit order, matches it against the opposite side and
// rests any leftover size in its own queue. Trades are returned grouped by
// owner; stop orders triggered by the resulting price move are driven
// through matching before the call returns.
func (book *OrderBook) InsertLimit(order *Order) (TradesByOwner, error) {
	if order == nil || order.Type != Limit || order.Size <= 0 || order.Price <= 0 ||
		(order.Side != Bid && order.Side != Ask) {
		return nil, ErrInvalidParam
	}

	book.mu.Lock()
	defer book.mu.Unlock()

	book.active.put(order)

	counter := book.askOrders
	if order.Side == Ask {
		counter = book.bidOrders
	}

	tradeMap := book.matchOrderLocked(order, counter, Limit)
	book.checkTriggeredStopsLocked()
	book.persistLocked()
	book.refreshBestPricesLocked()
	return tradeMap, nil
}

// InsertMarket adds a market order. Market orders never rest: either the
// opposite side holds enough liquidity (excluding the owner's own orders)
// to fill the entire size, or the order is rejected and the returned group
// is empty. The book is untouched on rejection.
func (book *OrderBook) InsertMarket(order *Order) (TradesByOwner, error) {
	if order == nil || order.Type != Market || order.Size <= 0 ||
		(order.Side != Bid && order.Side != Ask) {
		return nil, ErrInvalidParam
	}

	book.mu.Lock()
	defer book.mu.Unlock()

	tradeMap := book.insertMarketLocked(order)
	book.checkTriggeredStopsLocked()
	book.refreshBestPricesLocked()
	return tradeMap, nil
}

// insertMarketLocked runs one market order through matching and persists.
// The trigger loop calls this directly for synthesized market orders; the
// loop itself re-reads the best price, so no trigger check happens here.
func (book *OrderBook) insertMarketLocked(order *Order) TradesByOwner {
	counter := book.askOrders
	if order.Side == Ask {
		counter = book.bidOrders
	}

	tradeMap := book.matchOrderLocked(order, counter, Market)
	book.persistLocked()
	return tradeMap
}

// InsertStop adds a stop order to its trigger queue. It reports false when
// the order is not acceptable.
func (book *OrderBook) InsertStop(order *Order) bool {
	if order == nil || order.Type != Stop || order.Size <= 0 || order.Price <= 0 ||
		(order.Side != Bid && order.Side != Ask) {
		return false
	}

	book.mu.Lock()
	defer book.mu.Unlock()

	book.active.put(order)

	if order.Side == Bid {
		book.bidStopOrders.insertOrder(order)
	} else {
		book.askStopOrders.insertOrder(order)
	}

	book.persistLocked()
	return true
}

// Cancel removes a resting limit or stop order from its queue. It reports
// false when the order is no longer resting, which callers treat as
// "already cancelled": matching may have consumed the order between the
// caller's lookup and this call. The index entry is kept either way.
func (book *OrderBook) Cancel(order *Order) bool {
	if order == nil {
		return false
	}

	book.mu.Lock()
	defer book.mu.Unlock()

	var removed bool
	switch order.Type {
	case Limit:
		if order.Side == Bid {
			removed = book.bidOrders.removeOrder(order.Price, order.ID)
		} else {
			removed = book.askOrders.removeOrder(order.Price, order.ID)
		}
	case Stop:
		if order.Side == Bid {
			removed = book.bidStopOrders.removeOrder(order.Price, order.ID)
		} else {
			removed = book.askStopOrders.removeOrder(order.Price, order.ID)
		}
	default:
		// Market orders never rest, nothing to cancel.
		return false
	}

	if removed {
		book.persistLocked()
		book.refreshBestPricesLocked()
	}
	return removed
}

// GetActiveOrder returns a copy of the limit or stop order with the given
// id, if the book has ever accepted one. The copy is taken under the book
// lock, so Size is a consistent point-in-time value; it may be stale by the
// time the caller acts on it, and Cancel re-validates against the live
// queues.
func (book *OrderBook) GetActiveOrder(id int64) (*Order, bool) {
	order, ok := book.active.get(id)
	if !ok {
		return nil, false
	}

	book.mu.Lock()
	defer book.mu.Unlock()
	return order.Clone(), true
}

// BestBidPrice returns the highest resting bid price, or PriceNone when no
// bids rest. The value is a lock-free read and may lag a concurrent mutation.
func (book *OrderBook) BestBidPrice() int64 {
	return book.bestBid.Load()
}

// BestAskPrice returns the lowest resting ask price, or PriceNone when no
// asks rest.
func (book *OrderBook) BestAskPrice() int64 {
	return book.bestAsk.Load()
}

// BookStats contains statistics about the order book queues.
type BookStats struct {
	BidDepthCount int64
	BidOrderCount int64
	AskDepthCount int64
	AskOrderCount int64
	BidStopCount  int64
	AskStopCount  int64
}

// Stats returns usage statistics for the order book.
func (book *OrderBook) Stats() BookStats {
	book.mu.Lock()
	defer book.mu.Unlock()

	return BookStats{
		BidDepthCount: book.bidOrders.depthCount(),
		BidOrderCount: book.bidOrders.orderCount(),
		AskDepthCount: book.askOrders.depthCount(),
		AskOrderCount: book.askOrders.orderCount(),
		BidStopCount:  book.bidStopOrders.orderCount(),
		AskStopCount:  book.askStopOrders.orderCount(),
	}
}

// matchOrderLocked consumes the incoming order against the counter queue in
// priority order and returns the resulting trades grouped by owner.
//
// Market kind is full-or-nothing: if resting liquidity not owned by the
// incoming user is short of the requested size, nothing happens and the
// group comes back empty. Same-owner resting orders are skipped, never
// consumed. For limit kind the walk stops at the first price-incompatible
// order; the book is price-ordered, so nothing further down can match.
// Every individual fill is made durable before the walk continues.
func (book *OrderBook) matchOrderLocked(order *Order, counter *queue, kind OrderType) TradesByOwner {
	tradeMap := make(TradesByOwner)
	remaining := order.Size

	if kind == Market {
		available := counter.sizeAvailableTo(order.User, remaining)
		if available < remaining {
			return tradeMap
		}
	}

	cur := counter.peekHeadOrder()
	for remaining > 0 && cur != nil {
		next := counter.nextOrder(cur)

		if cur.User == order.User {
			cur = next
			continue
		}

		if kind == Limit {
			if order.Side == Bid && order.Price < cur.Price ||
				order.Side == Ask && order.Price > cur.Price {
				break
			}
		}

		tradedSize := min(remaining, cur.Size)
		tradePrice := cur.Price
		now := time.Now().Unix()

		tradeMap.add(order.User, &Trade{
			OrderID:   order.ID,
			Side:      order.Side,
			OrderType: kind,
			Size:      tradedSize,
			Price:     tradePrice,
			Timestamp: now,
		})
		tradeMap.add(cur.User, &Trade{
			OrderID:   cur.ID,
			Side:      cur.Side,
			OrderType: Limit,
			Size:      tradedSize,
			Price:     tradePrice,
			Timestamp: now,
		})

		remaining -= tradedSize
		order.Size -= tradedSize
		counter.reduceOrderSize(cur.ID, tradedSize)

		if cur.Size == 0 {
			counter.removeOrder(tradePrice, cur.ID)
		}

		book.persistLocked()

		cur = next
	}

	if remaining > 0 {
		switch kind {
		case Limit:
			if order.Side == Bid {
				book.bidOrders.insertOrder(order)
			} else {
				book.askOrders.insertOrder(order)
			}
		case Market:
			// The pre-check guaranteed a full fill under this lock.
			logger.Error("market order has leftover size after full-or-nothing pre-check",
				"error", ErrBookStateViolation,
				"order_id", order.ID,
				"remaining", remaining)
		}
	}

	return tradeMap
}

// checkTriggeredStopsLocked converts resting stop orders into market orders
// while the market price crosses their trigger, re-reading the best price
// after every conversion because each triggered order's fills can move it
// far enough to trigger further stops.
//
// Ask stops fire against the best bid, bid stops against the best ask. A
// stop's size is zeroed before its synthesized market order runs; triggering
// is one-shot and irreversible even if that market order is then rejected
// for insufficient liquidity.
func (book *OrderBook) checkTriggeredStopsLocked() {
	for {
		stopOrder := book.askStopOrders.peekHeadOrder()
		if stopOrder == nil {
			break
		}

		bestBid := book.bidOrders.bestPrice()
		if bestBid == PriceNone || bestBid > stopOrder.Price {
			break
		}

		book.triggerStopLocked(book.askStopOrders, stopOrder)
	}

	for {
		stopOrder := book.bidStopOrders.peekHeadOrder()
		if stopOrder == nil {
			break
		}

		bestAsk := book.askOrders.bestPrice()
		if bestAsk == PriceNone || bestAsk < stopOrder.Price {
			break
		}

		book.triggerStopLocked(book.bidStopOrders, stopOrder)
	}
}

// triggerStopLocked finalizes one stop order and drives its synthesized
// market order through matching, recording and notifying the results with
// the "stop" label.
func (book *OrderBook) triggerStopLocked(stops *queue, stopOrder *Order) {
	size := stopOrder.Size
	stops.removeOrder(stopOrder.Price, stopOrder.ID)
	stopOrder.Size = 0

	marketOrder := &Order{
		ID:        stopOrder.ID,
		User:      stopOrder.User,
		Side:      stopOrder.Side,
		Type:      Market,
		Size:      size,
		Timestamp: time.Now().Unix(),
	}

	tradeMap := book.insertMarketLocked(marketOrder)
	tradeMap.relabel(Stop)
	book.trades.RecordTrades(tradeMap)
	book.notifier.NotifyTrades(tradeMap)
}

func (book *OrderBook) refreshBestPricesLocked() {
	book.bestBid.Store(book.bidOrders.bestPrice())
	book.bestAsk.Store(book.askOrders.bestPrice())
}

// persistLocked writes the current state through the snapshot writer. A
// failed write is logged and the in-memory state stays authoritative; the
// caller still gets its result.
func (book *OrderBook) persistLocked() {
	snap := book.createSnapshotLocked()
	if err := book.snapshots.WriteSnapshot(snap); err != nil {
		logger.Error("order book persist failed", "error", err)
	}
}

func (book *OrderBook) createSnapshotLocked() *Snapshot {
	active := book.active.toSnapshot()
	activeByKey := make(map[string]*Order, len(active))
	for id, order := range active {
		activeByKey[strconv.FormatInt(id, 10)] = order
	}

	return &Snapshot{
		Schema:    SnapshotSchemaVersion,
		Timestamp: time.Now().Unix(),
		BidOrders: book.bidOrders.toSnapshot(),
		AskOrders: book.askOrders.toSnapshot(),
		BidStops:  book.bidStopOrders.toSnapshot(),
		AskStops:  book.askStopOrders.toSnapshot(),
		Active:    activeByKey,
	}
}

// Restore rebuilds the book from a snapshot. Queue lists are reinserted in
// saved order, which preserves time priority within each price level. An
// order with an unrecognized type discriminator is skipped with a loud log
// rather than aborting the whole restore.
func (book *OrderBook) Restore(snap *Snapshot) error {
	if snap == nil {
		return nil
	}

	book.mu.Lock()
	defer book.mu.Unlock()

	restoreQueue := func(q *queue, orders []*Order, want OrderType) {
		for _, order := range orders {
			if order.Type != want {
				logger.Error("skipping order with unexpected type in snapshot queue",
					"error", ErrUnknownOrderType,
					"order_id", order.ID,
					"type", string(order.Type))
				continue
			}
			q.insertOrder(order)
			book.active.put(order)
		}
	}

	restoreQueue(book.bidOrders, snap.BidOrders, Limit)
	restoreQueue(book.askOrders, snap.AskOrders, Limit)
	restoreQueue(book.bidStopOrders, snap.BidStops, Stop)
	restoreQueue(book.askStopOrders, snap.AskStops, Stop)

	for key, order := range snap.Active {
		id, err := strconv.ParseInt(key, 10, 64)
		if err != nil || order == nil || id != order.ID {
			logger.Error("skipping corrupt active order entry in snapshot", "key", key)
			continue
		}

		switch order.Type {
		case Limit, Stop:
			if _, ok := book.active.get(id); !ok {
				book.active.put(order)
			}
		default:
			logger.Error("skipping active order with unknown type in snapshot",
				"error", ErrUnknownOrderType,
				"order_id", id,
				"type", string(order.Type))
		}
	}

	book.refreshBestPricesLocked()
	return nil
}
