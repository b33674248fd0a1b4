package supervisor

import (
	"fmt"
	"sync"
)

// PortAllocator issues monotonically increasing port numbers. Ports are
// unique for the lifetime of one supervisor instance; explicitly requested
// ports are reserved so the counter skips over them.
type PortAllocator struct {
	mu   sync.Mutex
	next int
	used map[int]struct{}
}

// NewPortAllocator creates an allocator starting at base.
func NewPortAllocator(base int) *PortAllocator {
	if base <= 0 {
		base = 39500
	}
	return &PortAllocator{
		next: base,
		used: make(map[int]struct{}),
	}
}

// Next returns the lowest unused port at or above the running counter.
func (a *PortAllocator) Next() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	for {
		port := a.next
		a.next++
		if _, taken := a.used[port]; !taken {
			a.used[port] = struct{}{}
			return port
		}
	}
}

// Reserve marks an explicitly requested port as used.
func (a *PortAllocator) Reserve(port int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, taken := a.used[port]; taken {
		return fmt.Errorf("port %d already in use by another session", port)
	}
	a.used[port] = struct{}{}
	return nil
}

// Release returns a port to the pool after its session is removed.
func (a *PortAllocator) Release(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.used, port)
}
