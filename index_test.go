package matchbook

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestActiveOrderIndexPutGet(t *testing.T) {
	var idx activeOrderIndex

	_, ok := idx.get(1)
	assert.False(t, ok)

	idx.put(&Order{ID: 1, User: "alice", Type: Limit, Side: Bid, Price: 100, Size: 10})
	got, ok := idx.get(1)
	assert.True(t, ok)
	assert.Equal(t, "alice", got.User)

	// put is an overwrite by id.
	idx.put(&Order{ID: 1, User: "alice", Type: Limit, Side: Bid, Price: 100, Size: 3})
	got, _ = idx.get(1)
	assert.Equal(t, int64(3), got.Size)
}

func TestActiveOrderIndexConcurrentAccess(t *testing.T) {
	var idx activeOrderIndex

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(base int64) {
			defer wg.Done()
			for i := int64(0); i < 200; i++ {
				id := base*1000 + i
				idx.put(&Order{ID: id, Type: Limit, Side: Bid, Price: 1, Size: 1})
				_, _ = idx.get(id)
			}
		}(int64(g))
	}
	wg.Wait()

	for g := int64(0); g < 8; g++ {
		for i := int64(0); i < 200; i++ {
			_, ok := idx.get(g*1000 + i)
			assert.True(t, ok)
		}
	}
}
