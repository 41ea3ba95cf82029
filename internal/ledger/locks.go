package ledger

import (
	"sync"
)

const stripes = 64

// stripedLock hands out one of a fixed set of mutexes per principal id, so
// operations on the same principal are serialized while unrelated principals
// rarely contend
type stripedLock struct {
	mus [stripes]sync.Mutex
}

func (l *stripedLock) lock(id uint) func() {
	mu := &l.mus[id%stripes]
	mu.Lock()
	return mu.Unlock
}
