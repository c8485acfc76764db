// ABOUTME: In-process dedupe guard with TTL expiry and a hard size cap
// ABOUTME: Insertion-ordered list gives O(1) eviction of the oldest entry

package dedupe

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// memoryEntry pairs a delivery ID's mark time with its position in the
// insertion-order list.
type memoryEntry struct {
	markedAt time.Time
	element  *list.Element
}

// MemoryGuard tracks delivery IDs in process memory. Entries expire after
// the TTL; when the guard is full, the oldest entry makes room. Suitable
// for a single gateway instance — use RedisGuard when several instances
// share an inbound channel.
type MemoryGuard struct {
	mu      sync.Mutex
	seen    map[string]*memoryEntry
	order   *list.List // oldest at front
	ttl     time.Duration
	maxSize int

	done   chan struct{}
	closed bool
}

var _ Guard = (*MemoryGuard)(nil)

// NewMemoryGuard creates a guard holding at most maxSize IDs for up to ttl.
// A background sweep drops expired entries; Close stops it.
func NewMemoryGuard(ttl time.Duration, maxSize int) *MemoryGuard {
	g := &MemoryGuard{
		seen:    make(map[string]*memoryEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	go g.sweep()
	return g
}

// CheckAndMark reports whether id was seen within the TTL and marks it
// either way. The check and the mark share one critical section, so two
// racing calls for the same id cannot both come back unseen.
func (g *MemoryGuard) CheckAndMark(_ context.Context, id string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if entry, ok := g.seen[id]; ok {
		if time.Since(entry.markedAt) < g.ttl {
			return true, nil
		}
		// Expired but not yet swept; reuse the slot.
		entry.markedAt = time.Now()
		g.order.MoveToBack(entry.element)
		return false, nil
	}

	if len(g.seen) >= g.maxSize {
		g.dropOldest()
	}
	g.seen[id] = &memoryEntry{
		markedAt: time.Now(),
		element:  g.order.PushBack(id),
	}
	return false, nil
}

// Len returns the number of tracked IDs, expired ones included until the
// next sweep.
func (g *MemoryGuard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.seen)
}

// Close stops the background sweep. Safe to call more than once.
func (g *MemoryGuard) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.closed {
		close(g.done)
		g.closed = true
	}
	return nil
}

// dropOldest removes the entry at the front of the insertion order.
// Caller holds mu.
func (g *MemoryGuard) dropOldest() {
	front := g.order.Front()
	if front == nil {
		return
	}
	id, _ := front.Value.(string)
	g.order.Remove(front)
	delete(g.seen, id)
}

func (g *MemoryGuard) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			g.dropExpired()
		case <-g.done:
			return
		}
	}
}

func (g *MemoryGuard) dropExpired() {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()
	for id, entry := range g.seen {
		if now.Sub(entry.markedAt) > g.ttl {
			g.order.Remove(entry.element)
			delete(g.seen, id)
		}
	}
}
