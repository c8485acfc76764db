// ABOUTME: Error taxonomy for turn-level relay failures
// ABOUTME: Each error names the conversation it failed and wraps the cause

package relay

import "fmt"

// SessionCreationError means the backend session bootstrap failed.
// Nothing is cached; the next message for the key retries creation.
type SessionCreationError struct {
	Key string
	Err error
}

func (e *SessionCreationError) Error() string {
	return fmt.Sprintf("creating session for conversation %s: %v", e.Key, e.Err)
}

func (e *SessionCreationError) Unwrap() error { return e.Err }

// ForwardError means posting the user's message to the backend failed.
// The turn ends with no reply polling and is not retried automatically.
type ForwardError struct {
	Key string
	Err error
}

func (e *ForwardError) Error() string {
	return fmt.Sprintf("forwarding message for conversation %s: %v", e.Key, e.Err)
}

func (e *ForwardError) Unwrap() error { return e.Err }

// PollFetchError means one fetch attempt inside the poll loop failed.
// It consumes an attempt (with the per-attempt delay) rather than ending
// the poll, since transient fetch failures should not cut the relay short.
type PollFetchError struct {
	Key     string
	Attempt int
	Err     error
}

func (e *PollFetchError) Error() string {
	return fmt.Sprintf("poll fetch attempt %d for conversation %s: %v", e.Attempt, e.Key, e.Err)
}

func (e *PollFetchError) Unwrap() error { return e.Err }
