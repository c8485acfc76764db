// ABOUTME: Store interface and data types for relay-gateway persistence
// ABOUTME: Defines the transcript entry model and conversation summaries

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// Direction constants for transcript entries
const (
	DirectionInbound  = "inbound"  // user message relayed to the backend
	DirectionOutbound = "outbound" // agent message relayed to the channel
)

// TranscriptEntry is one relayed message, either leg. Entries are
// append-only; the transcript is an audit trail, never consulted by the
// relay path itself.
type TranscriptEntry struct {
	ID              string
	ConversationKey string
	SessionID       string
	Direction       string // "inbound" or "outbound"
	Sender          string
	Text            string
	TextFormat      string
	Locale          string
	CreatedAt       time.Time
}

// ConversationInfo summarizes one conversation's transcript.
type ConversationInfo struct {
	ConversationKey string
	SessionID       string // most recent backend session seen for this key
	Messages        int
	FirstAt         time.Time
	LastAt          time.Time
}

// Store defines the interface for transcript persistence
type Store interface {
	// AppendEntries records one or more entries in a single transaction,
	// preserving slice order. Entries without an ID get one assigned.
	AppendEntries(ctx context.Context, entries []*TranscriptEntry) error

	// History returns the most recent entries for a conversation, oldest
	// first. A conversation with no transcript yields an empty slice.
	History(ctx context.Context, conversationKey string, limit int) ([]*TranscriptEntry, error)

	// Conversation summarizes one conversation's transcript.
	// Returns ErrNotFound when the key has never appeared.
	Conversation(ctx context.Context, conversationKey string) (*ConversationInfo, error)

	// Conversations lists known conversations, most recently active first.
	Conversations(ctx context.Context, limit int) ([]*ConversationInfo, error)

	// Ping verifies the store is reachable.
	Ping(ctx context.Context) error

	// Close releases any resources held by the store
	Close() error
}
