package matchbook

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// SnapshotSchemaVersion is the current version of the snapshot schema.
// Increment this when the snapshot format changes in a backward-incompatible way.
const SnapshotSchemaVersion = 1

// Snapshot contains the full persistent state of the order book: the four
// queues as priority-ordered lists and the active order index keyed by id.
// Each order carries its "type" discriminator so the variant can be
// reconstructed on load. The document is overwritten wholesale on every
// mutation; the append-only order/trade history logs remain the recovery
// source of truth if the snapshot is stale.
type Snapshot struct {
	Schema    int               `json:"schema"`
	Timestamp int64             `json:"timestamp"`
	BidOrders []*Order          `json:"bid_orders"`
	AskOrders []*Order          `json:"ask_orders"`
	BidStops  []*Order          `json:"bid_stop_orders"`
	AskStops  []*Order          `json:"ask_stop_orders"`
	Active    map[string]*Order `json:"active_orders"`
}

// SnapshotWriter persists a snapshot document. The write happens while the
// book lock is held, so implementations should be simple synchronous writes.
type SnapshotWriter interface {
	WriteSnapshot(*Snapshot) error
}

// FileSnapshotWriter writes snapshots to a single JSON file, via a temp
// file and rename so a crash mid-write cannot corrupt the previous state.
type FileSnapshotWriter struct {
	path string
}

func NewFileSnapshotWriter(path string) *FileSnapshotWriter {
	return &FileSnapshotWriter{path: path}
}

func (w *FileSnapshotWriter) WriteSnapshot(snap *Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	tmp := w.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}

	if err := os.Rename(tmp, w.path); err != nil {
		return fmt.Errorf("commit snapshot: %w", err)
	}

	return nil
}

// ReadSnapshotFile loads a snapshot written by FileSnapshotWriter.
// A missing file is not an error: it returns (nil, nil) so a fresh book
// starts empty.
func ReadSnapshotFile(path string) (*Snapshot, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read snapshot: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}

	return &snap, nil
}

// MemorySnapshotWriter keeps the latest snapshot in memory. Test double;
// also useful to count how many durability writes a matching pass performs.
type MemorySnapshotWriter struct {
	mu     sync.RWMutex
	last   *Snapshot
	writes int
}

func NewMemorySnapshotWriter() *MemorySnapshotWriter {
	return &MemorySnapshotWriter{}
}

func (w *MemorySnapshotWriter) WriteSnapshot(snap *Snapshot) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.last = snap
	w.writes++
	return nil
}

func (w *MemorySnapshotWriter) Last() *Snapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.last
}

func (w *MemorySnapshotWriter) Writes() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.writes
}

// DiscardSnapshotWriter drops snapshots. For benchmarks and tests that do
// not care about durability.
type DiscardSnapshotWriter struct{}

func (DiscardSnapshotWriter) WriteSnapshot(*Snapshot) error { return nil }
