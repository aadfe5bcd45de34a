// Package history keeps the durable, append-only records of the venue: every
// order ever received (including rejected market orders) and every executed
// trade. Both live in one pebble store; orders are keyed by their id, trades
// by an ever-increasing sequence so insertion order is preserved.
package history

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/cockroachdb/pebble"

	"github.com/matchbook-io/matchbook"
)

var (
	orderPrefix = []byte("o/")
	tradePrefix = []byte("t/")
)

type Store struct {
	db *pebble.DB

	// mu serializes trade appends: connection goroutines and the book's
	// trigger path write concurrently, and the sequence must never hand
	// the same key to two batches.
	mu       sync.Mutex
	tradeSeq uint64
}

// Open opens (or creates) the history store in dir and resumes the trade
// sequence from the last recorded trade.
func Open(dir string) (*Store, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open history store: %w", err)
	}

	s := &Store{db: db}

	iter, err := db.NewIter(&pebble.IterOptions{
		LowerBound: tradePrefix,
		UpperBound: prefixEnd(tradePrefix),
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("scan trade history: %w", err)
	}
	if iter.Last() {
		key := iter.Key()
		s.tradeSeq = binary.BigEndian.Uint64(key[len(tradePrefix):])
	}
	if err := iter.Close(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// AddOrder records an order as it was at creation time. Called once per
// order before the book ever sees it, so the stored size is the requested
// size, not the remaining one.
func (s *Store) AddOrder(order *matchbook.Order) error {
	data, err := json.Marshal(order)
	if err != nil {
		return fmt.Errorf("encode order %d: %w", order.ID, err)
	}

	if err := s.db.Set(orderKey(order.ID), data, pebble.Sync); err != nil {
		return fmt.Errorf("append order %d: %w", order.ID, err)
	}
	return nil
}

// GetOrder returns the recorded order, or (nil, nil) when the id was never
// seen. The cancel path uses this to tell "market order, not cancellable"
// apart from "no such order".
func (s *Store) GetOrder(id int64) (*matchbook.Order, error) {
	data, closer, err := s.db.Get(orderKey(id))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("read order %d: %w", id, err)
	}
	defer func() { _ = closer.Close() }()

	var order matchbook.Order
	if err := json.Unmarshal(data, &order); err != nil {
		return nil, fmt.Errorf("decode order %d: %w", id, err)
	}
	return &order, nil
}

// AddTrades appends every trade of one matching pass in a single synced
// batch.
func (s *Store) AddTrades(trades matchbook.TradesByOwner) error {
	if len(trades) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	batch := s.db.NewBatch()
	for _, group := range trades {
		for _, trade := range group {
			data, err := json.Marshal(trade)
			if err != nil {
				_ = batch.Close()
				return fmt.Errorf("encode trade: %w", err)
			}

			s.tradeSeq++
			if err := batch.Set(tradeKey(s.tradeSeq), data, nil); err != nil {
				_ = batch.Close()
				return fmt.Errorf("append trade: %w", err)
			}
		}
	}

	if err := s.db.Apply(batch, pebble.Sync); err != nil {
		return fmt.Errorf("commit trades: %w", err)
	}
	return nil
}

// RecordTrades lets the store act as the book's trade recorder. Write
// failures are logged; matching availability takes precedence.
func (s *Store) RecordTrades(trades matchbook.TradesByOwner) {
	if err := s.AddTrades(trades); err != nil {
		slog.Error("failed to record trades", "error", err)
	}
}

// trades iterates the whole trade log in append order.
func (s *Store) trades(fn func(*matchbook.Trade) error) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: tradePrefix,
		UpperBound: prefixEnd(tradePrefix),
	})
	if err != nil {
		return fmt.Errorf("scan trade history: %w", err)
	}
	defer func() { _ = iter.Close() }()

	for iter.First(); iter.Valid(); iter.Next() {
		var trade matchbook.Trade
		if err := json.Unmarshal(iter.Value(), &trade); err != nil {
			return fmt.Errorf("decode trade at %x: %w", iter.Key(), err)
		}
		if err := fn(&trade); err != nil {
			return err
		}
	}
	return nil
}

func orderKey(id int64) []byte {
	key := make([]byte, len(orderPrefix)+8)
	copy(key, orderPrefix)
	binary.BigEndian.PutUint64(key[len(orderPrefix):], uint64(id))
	return key
}

func tradeKey(seq uint64) []byte {
	key := make([]byte, len(tradePrefix)+8)
	copy(key, tradePrefix)
	binary.BigEndian.PutUint64(key[len(tradePrefix):], seq)
	return key
}

func prefixEnd(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	end[len(end)-1]++
	return end
}
