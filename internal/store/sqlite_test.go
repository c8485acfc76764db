// ABOUTME: Tests for the SQLite transcript store
// ABOUTME: Covers append ordering, history windows, summaries, and reopening

package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "relay.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func entry(key, session, direction, sender, text string) *TranscriptEntry {
	return &TranscriptEntry{
		ConversationKey: key,
		SessionID:       session,
		Direction:       direction,
		Sender:          sender,
		Text:            text,
		TextFormat:      "markdown",
		Locale:          "en-US",
	}
}

func TestSQLiteStore_AppendAndHistory(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.AppendEntries(ctx, []*TranscriptEntry{
		entry("room-1", "conv-1", DirectionInbound, "alice", "hello"),
	})
	require.NoError(t, err)
	err = s.AppendEntries(ctx, []*TranscriptEntry{
		entry("room-1", "conv-1", DirectionOutbound, "coven", "hi alice"),
		entry("room-1", "conv-1", DirectionOutbound, "coven", "how can I help"),
	})
	require.NoError(t, err)

	history, err := s.History(ctx, "room-1", 0)
	require.NoError(t, err)
	require.Len(t, history, 3)

	assert.Equal(t, "hello", history[0].Text)
	assert.Equal(t, DirectionInbound, history[0].Direction)
	assert.Equal(t, "alice", history[0].Sender)
	assert.Equal(t, "hi alice", history[1].Text)
	assert.Equal(t, "how can I help", history[2].Text)
	assert.Equal(t, DirectionOutbound, history[2].Direction)

	for _, e := range history {
		assert.NotEmpty(t, e.ID, "store assigns missing IDs")
		assert.Equal(t, "conv-1", e.SessionID)
		assert.Equal(t, "markdown", e.TextFormat)
		assert.Equal(t, "en-US", e.Locale)
		assert.False(t, e.CreatedAt.IsZero())
	}
}

func TestSQLiteStore_BatchOrderSurvivesEqualTimestamps(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// One batch, one wall-clock second: ordering must come from insertion,
	// not from the stored timestamp.
	now := time.Now()
	batch := []*TranscriptEntry{
		entry("room-1", "conv-1", DirectionOutbound, "coven", "first"),
		entry("room-1", "conv-1", DirectionOutbound, "coven", "second"),
		entry("room-1", "conv-1", DirectionOutbound, "coven", "third"),
	}
	for _, e := range batch {
		e.CreatedAt = now
	}
	require.NoError(t, s.AppendEntries(ctx, batch))

	history, err := s.History(ctx, "room-1", 0)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, "first", history[0].Text)
	assert.Equal(t, "second", history[1].Text)
	assert.Equal(t, "third", history[2].Text)
}

func TestSQLiteStore_HistoryWindowIsNewestChronological(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, text := range []string{"one", "two", "three", "four", "five"} {
		require.NoError(t, s.AppendEntries(ctx, []*TranscriptEntry{
			entry("room-1", "conv-1", DirectionOutbound, "coven", text),
		}))
	}

	history, err := s.History(ctx, "room-1", 2)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "four", history[0].Text, "window holds the newest entries")
	assert.Equal(t, "five", history[1].Text, "in chronological order")
}

func TestSQLiteStore_HistoryUnknownKey(t *testing.T) {
	s := newTestStore(t)

	history, err := s.History(context.Background(), "never-seen", 10)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestSQLiteStore_Conversation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AppendEntries(ctx, []*TranscriptEntry{
		entry("room-1", "conv-1", DirectionInbound, "alice", "hello"),
		entry("room-1", "conv-1", DirectionOutbound, "coven", "hi"),
	}))
	// The key later got a fresh backend session after eviction.
	require.NoError(t, s.AppendEntries(ctx, []*TranscriptEntry{
		entry("room-1", "conv-2", DirectionInbound, "alice", "back again"),
	}))

	info, err := s.Conversation(ctx, "room-1")
	require.NoError(t, err)
	assert.Equal(t, "room-1", info.ConversationKey)
	assert.Equal(t, "conv-2", info.SessionID, "summary reports the latest session")
	assert.Equal(t, 3, info.Messages)
	assert.False(t, info.FirstAt.After(info.LastAt))
}

func TestSQLiteStore_ConversationNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Conversation(context.Background(), "never-seen")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStore_ConversationsOrderedByRecency(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AppendEntries(ctx, []*TranscriptEntry{
		entry("room-1", "conv-1", DirectionInbound, "alice", "old"),
	}))
	require.NoError(t, s.AppendEntries(ctx, []*TranscriptEntry{
		entry("room-2", "conv-2", DirectionInbound, "bob", "newer"),
	}))

	infos, err := s.Conversations(ctx, 0)
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, "room-2", infos[0].ConversationKey)
	assert.Equal(t, "room-1", infos[1].ConversationKey)

	limited, err := s.Conversations(ctx, 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "room-2", limited[0].ConversationKey)
}

func TestSQLiteStore_AppendEmptyBatch(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.AppendEntries(context.Background(), nil))
}

func TestSQLiteStore_ReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.db")

	s, err := NewSQLiteStore(path)
	require.NoError(t, err)
	require.NoError(t, s.AppendEntries(context.Background(), []*TranscriptEntry{
		entry("room-1", "conv-1", DirectionInbound, "alice", "persist me"),
	}))
	require.NoError(t, s.Close())

	// Schema creation and migrations must be idempotent on reopen.
	reopened, err := NewSQLiteStore(path)
	require.NoError(t, err)
	defer reopened.Close()

	history, err := reopened.History(context.Background(), "room-1", 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "persist me", history[0].Text)
}

func TestSQLiteStore_Ping(t *testing.T) {
	s := newTestStore(t)
	assert.NoError(t, s.Ping(context.Background()))
}
