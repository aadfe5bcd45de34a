package matchbook

import "sync"

// TradeRecorder receives every TradesByOwner group the book produces inside
// a trigger cascade, for durable trade history.
type TradeRecorder interface {
	RecordTrades(TradesByOwner)
}

// Notifier delivers trade results to their owners out-of-band.
type Notifier interface {
	NotifyTrades(TradesByOwner)
}

// MemoryTradeRecorder keeps recorded trades in memory. Test double.
type MemoryTradeRecorder struct {
	mu     sync.RWMutex
	Groups []TradesByOwner
}

func NewMemoryTradeRecorder() *MemoryTradeRecorder {
	return &MemoryTradeRecorder{}
}

func (m *MemoryTradeRecorder) RecordTrades(trades TradesByOwner) {
	if len(trades) == 0 {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.Groups = append(m.Groups, trades)
}

// Count returns the total number of trade records across all groups.
func (m *MemoryTradeRecorder) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, g := range m.Groups {
		n += g.Count()
	}
	return n
}

type DiscardTradeRecorder struct{}

func (DiscardTradeRecorder) RecordTrades(TradesByOwner) {}

// MemoryNotifier collects notified trade groups in memory. Test double.
type MemoryNotifier struct {
	mu     sync.RWMutex
	Groups []TradesByOwner
}

func NewMemoryNotifier() *MemoryNotifier {
	return &MemoryNotifier{}
}

func (m *MemoryNotifier) NotifyTrades(trades TradesByOwner) {
	if len(trades) == 0 {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.Groups = append(m.Groups, trades)
}

func (m *MemoryNotifier) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.Groups)
}

type DiscardNotifier struct{}

func (DiscardNotifier) NotifyTrades(TradesByOwner) {}
