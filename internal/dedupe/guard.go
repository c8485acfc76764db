// ABOUTME: Guard interface for at-most-once inbound delivery tracking
// ABOUTME: Implementations remember delivery IDs for a bounded time window

package dedupe

import "context"

// Guard decides whether an inbound delivery ID has been seen before.
// Channel adapters that retry sends pass a stable delivery ID per user
// message; the gateway consults the guard before relaying so a retried
// send does not become a second agent turn.
type Guard interface {
	// CheckAndMark atomically records id and reports whether it was
	// already present. One winner per id: concurrent calls with the same
	// id resolve so that exactly one caller observes seen == false.
	CheckAndMark(ctx context.Context, id string) (seen bool, err error)

	// Close releases the guard's resources.
	Close() error
}
