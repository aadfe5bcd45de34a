package matchbook

import "sync"

// activeOrderIndex maps order id to every limit and stop order the book has
// ever accepted. Market orders never appear here. Entries are never deleted:
// a fully matched or triggered order stays at size 0, so cancellation and
// history lookups remain well defined for the life of the process. Reads are
// safe without the book lock.
type activeOrderIndex struct {
	m sync.Map
}

// put inserts or overwrites by id.
func (idx *activeOrderIndex) put(order *Order) {
	if order == nil {
		return
	}
	idx.m.Store(order.ID, order)
}

// get returns the order for id, if the book has ever seen it.
func (idx *activeOrderIndex) get(id int64) (*Order, bool) {
	v, ok := idx.m.Load(id)
	if !ok {
		return nil, false
	}

	order, _ := v.(*Order)
	return order, true
}

// toSnapshot copies the index contents for persistence.
func (idx *activeOrderIndex) toSnapshot() map[int64]*Order {
	out := make(map[int64]*Order)
	idx.m.Range(func(k, v any) bool {
		id, _ := k.(int64)
		order, _ := v.(*Order)
		out[id] = order.Clone()
		return true
	})
	return out
}
