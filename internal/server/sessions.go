package server

import (
	"context"
	"slices"
	"sync"
)

// sessionTable is the arena of live connections, keyed by a monotonically
// increasing ID that is never reused. It includes connections that have not
// logged in yet, which the registry does not know about.
type sessionTable struct {
	mu      sync.Mutex
	next    uint64
	live    map[uint64]*Connection
	closing bool

	// idle is closed once closing is set and the last connection is released.
	idle     chan struct{}
	idleOnce sync.Once
}

func newSessionTable() *sessionTable {
	return &sessionTable{
		live: make(map[uint64]*Connection),
		idle: make(chan struct{}),
	}
}

// allocate assigns the next ID and stores the connection built for it. It
// returns false once the table is closing.
func (t *sessionTable) allocate(build func(id uint64) *Connection) (*Connection, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closing {
		return nil, false
	}
	t.next++
	c := build(t.next)
	t.live[c.ID()] = c
	return c, true
}

// release drops a connection whose Run has returned.
func (t *sessionTable) release(id uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.live, id)
	t.signalIdleLocked()
}

func (t *sessionTable) signalIdleLocked() {
	if t.closing && len(t.live) == 0 {
		t.idleOnce.Do(func() { close(t.idle) })
	}
}

// Lookup resolves an ID to a live connection. A released ID resolves to
// nothing, even if a caller still holds it.
func (t *sessionTable) Lookup(id uint64) (*Connection, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.live[id]
	return c, ok
}

// ids lists the live IDs in allocation order.
func (t *sessionTable) ids() []uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]uint64, 0, len(t.live))
	for id := range t.live {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (t *sessionTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.live)
}

// closeAll refuses new allocations and closes every live connection.
func (t *sessionTable) closeAll() int {
	t.mu.Lock()
	t.closing = true
	conns := make([]*Connection, 0, len(t.live))
	for _, c := range t.live {
		conns = append(conns, c)
	}
	t.signalIdleLocked()
	t.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	return len(conns)
}

// wait blocks until closeAll was called and every connection has been
// released, or ctx is done. It reports whether all connections finished.
func (t *sessionTable) wait(ctx context.Context) bool {
	select {
	case <-t.idle:
		return true
	case <-ctx.Done():
		return false
	}
}
