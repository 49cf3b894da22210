package conversation

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

const lockStripes = 256

// stripedLocks serializes work per key without a global lock: keys hash onto
// a fixed set of mutexes, so unrelated conversations rarely contend.
type stripedLocks struct {
	mu [lockStripes]sync.Mutex
}

func (s *stripedLocks) lock(key string) func() {
	m := &s.mu[xxhash.Sum64String(key)%lockStripes]
	m.Lock()
	return m.Unlock
}
