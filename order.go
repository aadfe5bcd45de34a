package matchbook

type Side string

const (
	Bid Side = "bid"
	Ask Side = "ask"
)

// Opposite returns the other side of the book.
func (s Side) Opposite() Side {
	if s == Bid {
		return Ask
	}
	return Bid
}

type OrderType string

const (
	Limit  OrderType = "limit"
	Market OrderType = "market"
	Stop   OrderType = "stop"
)

// PriceNone is the sentinel returned by best-price queries when the side is empty.
const PriceNone int64 = -1

// Order represents one order in the book. The Type tag selects the variant:
// for Limit orders Price is the limit price, for Stop orders Price is the
// trigger price, and Market orders carry no price at all. Size is the
// remaining unfilled quantity; it reaches 0 exactly when the order is
// finalized. Prices are integer thousandths of the quote currency.
type Order struct {
	ID        int64     `json:"order_id"`
	User      string    `json:"user"`
	Side      Side      `json:"side"`
	Type      OrderType `json:"type"`
	Size      int64     `json:"size"`
	Price     int64     `json:"price,omitempty"`
	Timestamp int64     `json:"timestamp"`

	// Intrusive linked list pointers for the price level FIFO (ignored by JSON)
	next *Order
	prev *Order
}

// Clone returns a copy of the order without its queue linkage.
// History writers keep clones so later fills don't mutate the record.
func (o *Order) Clone() *Order {
	c := *o
	c.next = nil
	c.prev = nil
	return &c
}

// Trade is one side of a fill. OrderType reports the type of the order the
// trade belongs to; trades produced by a triggered stop order are relabeled
// "stop" even though they execute as a market order.
type Trade struct {
	OrderID   int64     `json:"order_id"`
	Side      Side      `json:"side"`
	OrderType OrderType `json:"order_type"`
	Size      int64     `json:"size"`
	Price     int64     `json:"price"`
	Timestamp int64     `json:"timestamp"`
}

// TradesByOwner groups the trades of one matching pass by the owning user.
// This grouping is the only output contract matching exposes; trade history
// and notification consume it as-is.
type TradesByOwner map[string][]*Trade

func (m TradesByOwner) add(user string, t *Trade) {
	m[user] = append(m[user], t)
}

// relabel rewrites the reported order type of every trade in the group.
// Used to tag trades of a triggered stop order as "stop".
func (m TradesByOwner) relabel(ot OrderType) {
	for _, trades := range m {
		for _, t := range trades {
			t.OrderType = ot
		}
	}
}

// Count returns the total number of trade records across all owners.
func (m TradesByOwner) Count() int {
	n := 0
	for _, trades := range m {
		n += len(trades)
	}
	return n
}
