// ABOUTME: SessionEntry holds one conversation's backend session state
// ABOUTME: Cursor advancement is compare-and-set so stale polls can never rewind it

package relay

import (
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// SessionEntry binds an inbound conversation to its backend session.
// Key, SessionID and Token are immutable after creation. The cursor is
// owned by the poller currently active for the entry; lastTouched is
// updated per inbound message and read by the eviction sweep.
type SessionEntry struct {
	Key       string
	SessionID string
	Token     string

	mu     sync.Mutex
	cursor string

	lastTouched atomic.Int64 // unix nanos
	inUse       atomic.Int32 // turns currently using this entry
}

func newSessionEntry(key, sessionID, token string) *SessionEntry {
	e := &SessionEntry{
		Key:       key,
		SessionID: sessionID,
		Token:     token,
	}
	e.Touch()
	return e
}

// Cursor returns the last backend activity position observed for this entry.
// Empty means the beginning of history.
func (e *SessionEntry) Cursor() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cursor
}

// advanceCursor moves the cursor to watermark if it is numerically strictly
// greater than the current cursor. Returns false when the watermark is not
// an advance, which signals a stale poll. The comparison and the write are
// one critical section so overlapping polls cannot both win.
func (e *SessionEntry) advanceCursor(watermark string) (bool, error) {
	next, err := parseWatermark(watermark)
	if err != nil {
		return false, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	current, err := parseWatermark(e.cursor)
	if err != nil {
		// Cursors are only ever set from validated watermarks
		return false, fmt.Errorf("corrupt cursor %q: %w", e.cursor, err)
	}
	if next <= current {
		return false, nil
	}
	e.cursor = watermark
	return true, nil
}

// Touch records activity on this entry for idle eviction.
func (e *SessionEntry) Touch() {
	e.lastTouched.Store(time.Now().UnixNano())
}

// LastTouched returns the time of the last inbound activity on this entry.
func (e *SessionEntry) LastTouched() time.Time {
	return time.Unix(0, e.lastTouched.Load())
}

// acquire marks the entry as in use by a turn, blocking eviction.
func (e *SessionEntry) acquire() {
	e.inUse.Add(1)
}

// release undoes acquire.
func (e *SessionEntry) release() {
	e.inUse.Add(-1)
}

// InUse reports whether any turn currently holds the entry.
func (e *SessionEntry) InUse() bool {
	return e.inUse.Load() > 0
}

// parseWatermark interprets a backend watermark as an integer position.
// The empty string is position zero, the beginning of history.
func parseWatermark(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed watermark %q: %w", s, err)
	}
	return n, nil
}
