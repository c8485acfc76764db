// ABOUTME: Concurrency-safe registry mapping conversation keys to backend sessions
// ABOUTME: Creates sessions once per key via singleflight and sweeps idle entries

package relay

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/2389/relay-gateway/internal/directline"
)

// SessionStarter is the backend session-creation collaborator.
type SessionStarter interface {
	StartConversation(ctx context.Context) (*directline.Session, error)
}

// Registry owns the ConversationKey to SessionEntry mapping. Lookups for
// different keys never contend on the backend call; concurrent lookups for
// the same unseen key resolve to one surviving entry and one backend call.
type Registry struct {
	backend   SessionStarter
	idleAfter time.Duration
	logger    *slog.Logger

	mu      sync.RWMutex
	entries map[string]*SessionEntry

	creating singleflight.Group

	done      chan struct{}
	closeOnce sync.Once
}

// NewRegistry creates a registry and starts its idle-eviction sweep.
// Entries untouched for idleAfter become eligible for removal; entries with
// a turn in flight are never removed. Call Close to stop the sweep.
func NewRegistry(backend SessionStarter, idleAfter time.Duration, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		backend:   backend,
		idleAfter: idleAfter,
		logger:    logger.With("component", "registry"),
		entries:   make(map[string]*SessionEntry),
		done:      make(chan struct{}),
	}
	go r.sweep()
	return r
}

// GetOrCreate returns the entry for key, creating the backend session on
// first sight of the key. Creation failures return a *SessionCreationError
// and cache nothing, so the next call retries from scratch.
func (r *Registry) GetOrCreate(ctx context.Context, key string) (*SessionEntry, error) {
	r.mu.RLock()
	entry, ok := r.entries[key]
	r.mu.RUnlock()
	if ok {
		return entry, nil
	}

	// Only callers of this key wait here; other keys proceed independently.
	v, err, _ := r.creating.Do(key, func() (interface{}, error) {
		r.mu.RLock()
		entry, ok := r.entries[key]
		r.mu.RUnlock()
		if ok {
			return entry, nil
		}

		session, err := r.backend.StartConversation(ctx)
		if err != nil {
			return nil, &SessionCreationError{Key: key, Err: err}
		}

		entry = newSessionEntry(key, session.ConversationID, session.Token)
		r.mu.Lock()
		r.entries[key] = entry
		r.mu.Unlock()

		r.logger.Info("session created",
			"conversation_key", key,
			"session_id", session.ConversationID)
		return entry, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*SessionEntry), nil
}

// Get returns the entry for key without creating one.
func (r *Registry) Get(key string) (*SessionEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[key]
	return entry, ok
}

// Len returns the number of live entries.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Close stops the eviction sweep. Entries are not flushed; the registry
// holds no state worth persisting.
func (r *Registry) Close() {
	r.closeOnce.Do(func() {
		close(r.done)
	})
}

// sweep periodically evicts idle entries until Close.
func (r *Registry) sweep() {
	interval := r.idleAfter / 2
	if interval < time.Second {
		interval = r.idleAfter
	}
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.evictIdle()
		case <-r.done:
			return
		}
	}
}

// evictIdle removes entries idle past the threshold. An entry with a turn
// in flight is skipped even when overdue; an evicted key simply creates a
// fresh session on next use, restarting its cursor from empty. That can
// re-deliver backend history already relayed once, never lose it.
func (r *Registry) evictIdle() {
	cutoff := time.Now().Add(-r.idleAfter)

	r.mu.Lock()
	defer r.mu.Unlock()
	for key, entry := range r.entries {
		if entry.InUse() {
			continue
		}
		if entry.LastTouched().Before(cutoff) {
			delete(r.entries, key)
			r.logger.Debug("evicted idle session",
				"conversation_key", key,
				"session_id", entry.SessionID)
		}
	}
}
