package matchbook

import (
	"github.com/huandu/skiplist"
)

// priceLevel holds all orders resting at one price, in arrival (FIFO) order.
type priceLevel struct {
	totalSize int64
	head      *Order
	tail      *Order
	count     int64
}

// queue is a priority-ordered collection of orders: a skip list of price
// levels with an intrusive FIFO list per level, plus an id index so an
// arbitrary order can be removed in O(1) for cancellation. The same
// structure backs the limit queues (keyed by limit price) and the stop
// queues (keyed by trigger price).
type queue struct {
	side        Side
	totalOrders int64
	depths      int64
	levelList   *skiplist.SkipList
	levels      map[int64]*skiplist.Element
	orders      map[int64]*Order
}

// newBidQueue creates a queue sorted by price descending (highest first).
func newBidQueue() *queue {
	return &queue{
		side: Bid,
		levelList: skiplist.New(skiplist.GreaterThanFunc(func(lhs, rhs any) int {
			p1, _ := lhs.(int64)
			p2, _ := rhs.(int64)

			if p1 < p2 {
				return 1
			} else if p1 > p2 {
				return -1
			}

			return 0
		})),
		levels: make(map[int64]*skiplist.Element),
		orders: make(map[int64]*Order),
	}
}

// newAskQueue creates a queue sorted by price ascending (lowest first).
func newAskQueue() *queue {
	return &queue{
		side: Ask,
		levelList: skiplist.New(skiplist.GreaterThanFunc(func(lhs, rhs any) int {
			p1, _ := lhs.(int64)
			p2, _ := rhs.(int64)

			if p1 > p2 {
				return 1
			} else if p1 < p2 {
				return -1
			}

			return 0
		})),
		levels: make(map[int64]*skiplist.Element),
		orders: make(map[int64]*Order),
	}
}

// order finds an order by its ID.
func (q *queue) order(id int64) *Order {
	return q.orders[id]
}

// insertOrder inserts an order into the queue. Within a price level new
// orders go to the back, so arrival order is the tie-break inside a level.
func (q *queue) insertOrder(order *Order) {
	el, ok := q.levels[order.Price]
	if ok {
		unit, _ := el.Value.(*priceLevel)

		order.prev = unit.tail
		order.next = nil
		if unit.tail != nil {
			unit.tail.next = order
		}
		unit.tail = order
		if unit.head == nil {
			unit.head = order
		}

		unit.totalSize += order.Size
		unit.count++
		q.orders[order.ID] = order
		q.totalOrders++
	} else {
		unit := &priceLevel{
			head:      order,
			tail:      order,
			totalSize: order.Size,
			count:     1,
		}
		order.next = nil
		order.prev = nil

		q.orders[order.ID] = order

		el := q.levelList.Set(order.Price, unit)
		q.levels[order.Price] = el

		q.totalOrders++
		q.depths++
	}
}

// removeOrder removes an order from the queue by price and ID.
// It also cleans up the price level if it becomes empty.
func (q *queue) removeOrder(price int64, id int64) bool {
	skipElement, ok := q.levels[price]
	if !ok {
		return false
	}
	unit, _ := skipElement.Value.(*priceLevel)

	order, ok := q.orders[id]
	if !ok {
		return false
	}

	if order.prev != nil {
		order.prev.next = order.next
	} else {
		unit.head = order.next
	}

	if order.next != nil {
		order.next.prev = order.prev
	} else {
		unit.tail = order.prev
	}

	order.next = nil
	order.prev = nil

	unit.totalSize -= order.Size
	unit.count--
	delete(q.orders, id)
	q.totalOrders--

	if unit.count == 0 {
		q.levelList.RemoveElement(skipElement)
		delete(q.levels, price)
		q.depths--
	}

	return true
}

// reduceOrderSize decreases an order's size in place, preserving its
// priority, and keeps the price level total consistent.
func (q *queue) reduceOrderSize(id int64, by int64) {
	order, ok := q.orders[id]
	if !ok {
		return
	}

	skipElement, ok := q.levels[order.Price]
	if ok {
		unit, _ := skipElement.Value.(*priceLevel)
		unit.totalSize -= by
		order.Size -= by
	}
}

// peekHeadOrder returns the highest-priority order without removing it.
func (q *queue) peekHeadOrder() *Order {
	el := q.levelList.Front()
	if el == nil {
		return nil
	}

	unit, _ := el.Value.(*priceLevel)
	return unit.head
}

// nextOrder returns the order after o in priority order, crossing into the
// next price level when o is the last order of its level. Matching uses
// this to walk past same-owner orders without disturbing them.
func (q *queue) nextOrder(o *Order) *Order {
	if o.next != nil {
		return o.next
	}

	el, ok := q.levels[o.Price]
	if !ok {
		return nil
	}

	el = el.Next()
	if el == nil {
		return nil
	}

	unit, _ := el.Value.(*priceLevel)
	return unit.head
}

// bestPrice returns the price at the head of the queue, or PriceNone when
// the queue is empty.
func (q *queue) bestPrice() int64 {
	el := q.levelList.Front()
	if el == nil {
		return PriceNone
	}

	unit, _ := el.Value.(*priceLevel)
	return unit.head.Price
}

// sizeAvailableTo sums resting size not owned by user, in priority order,
// stopping early once need is reached. Backs the market-order
// full-or-nothing pre-check.
func (q *queue) sizeAvailableTo(user string, need int64) int64 {
	var total int64

	el := q.levelList.Front()
	for el != nil {
		unit, _ := el.Value.(*priceLevel)
		for order := unit.head; order != nil; order = order.next {
			if order.User == user {
				continue
			}
			total += order.Size
			if total >= need {
				return total
			}
		}
		el = el.Next()
	}

	return total
}

// orderCount returns the total number of orders in the queue.
func (q *queue) orderCount() int64 {
	return q.totalOrders
}

// depthCount returns the number of price levels in the queue.
func (q *queue) depthCount() int64 {
	return q.depths
}

// toSnapshot serializes the queue into an ordered slice of order copies,
// best priority first, so reinserting them in slice order rebuilds the
// exact same priority.
func (q *queue) toSnapshot() []*Order {
	snapshots := make([]*Order, 0, q.totalOrders)

	elem := q.levelList.Front()
	for elem != nil {
		unit := elem.Value.(*priceLevel)

		for order := unit.head; order != nil; order = order.next {
			snapshots = append(snapshots, order.Clone())
		}

		elem = elem.Next()
	}

	return snapshots
}
