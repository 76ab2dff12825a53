package state

import (
	"sort"
	"sync"
)

const lockStripes = 256

// keyLocks serialises commits that touch overlapping keys while letting
// commits on unrelated agreements proceed in parallel. Ledger keys end in a
// 32-byte hash or identity, so the last byte spreads them across stripes.
type keyLocks struct {
	stripes [lockStripes]sync.Mutex
}

func newKeyLocks() *keyLocks { return &keyLocks{} }

// lock acquires the stripes for keys in ascending order and returns the
// matching unlock function.
func (l *keyLocks) lock(keys []string) func() {
	seen := make(map[int]struct{}, len(keys))
	idx := make([]int, 0, len(keys))
	for _, k := range keys {
		i := stripeFor(k)
		if _, ok := seen[i]; ok {
			continue
		}
		seen[i] = struct{}{}
		idx = append(idx, i)
	}
	sort.Ints(idx)
	for _, i := range idx {
		l.stripes[i].Lock()
	}
	return func() {
		for j := len(idx) - 1; j >= 0; j-- {
			l.stripes[idx[j]].Unlock()
		}
	}
}

func stripeFor(key string) int {
	if key == "" {
		return 0
	}
	return int(key[len(key)-1])
}
