// Package idgen allocates unique, monotonically increasing positive order
// ids. Every allocation is persisted to a counter file before the id is
// handed out, so a restarted server never reuses an id.
package idgen

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
)

type Generator struct {
	mu   sync.Mutex
	path string
	next int64
}

// Load opens the counter file, or starts from 1 when it does not exist.
func Load(path string) (*Generator, error) {
	g := &Generator{path: path, next: 1}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return g, nil
		}
		return nil, fmt.Errorf("read order id counter: %w", err)
	}

	last, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil || last < 0 {
		return nil, fmt.Errorf("order id counter file is corrupt: %q", string(data))
	}

	g.next = last + 1
	return g, nil
}

// Next allocates the next id. The new counter value is made durable before
// the id is returned; a failed write is logged and the allocation proceeds,
// matching the book's availability-over-durability policy.
func (g *Generator) Next() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	id := g.next
	g.next++

	if err := g.persistLocked(id); err != nil {
		slog.Error("failed to persist order id counter", "error", err, "id", id)
	}

	return id
}

func (g *Generator) persistLocked(last int64) error {
	tmp := g.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.FormatInt(last, 10)), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, g.path)
}
