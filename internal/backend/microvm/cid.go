package microvm

import (
	"fmt"
	"sync"
)

// cidAllocator hands out vsock context IDs to the VMs of one pool.
type cidAllocator struct {
	mu     sync.Mutex
	next   uint32
	inUse  map[uint32]bool
	window uint32
}

func newCIDAllocator(base uint32, maxVMs int) *cidAllocator {
	return &cidAllocator{
		next:   max(base, MinCID),
		inUse:  make(map[uint32]bool),
		window: uint32(maxVMs + 10),
	}
}

// allocate returns the next free CID, scanning forward from the last one.
func (a *cidAllocator) allocate() (uint32, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i := range a.window {
		candidate := max(a.next+i, MinCID)
		if !a.inUse[candidate] {
			a.inUse[candidate] = true
			a.next = candidate + 1
			return candidate, nil
		}
	}
	return 0, fmt.Errorf("no available CIDs (all %d slots in use)", len(a.inUse))
}

func (a *cidAllocator) release(cid uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.inUse, cid)
	if cid < a.next {
		a.next = cid
	}
}
