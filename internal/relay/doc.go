// ABOUTME: Package documentation for the relay core
// ABOUTME: Describes the registry, poller, and coordinator and their contracts

// Package relay implements the conversation relay core: it binds inbound
// conversation keys to backend agent sessions and drives each message turn
// from forward to reply.
//
// # Components
//
// Registry maps a ConversationKey to a SessionEntry. A previously-unseen
// key creates a backend session exactly once, even under concurrent first
// contact; different keys never wait on each other. Idle entries are swept
// out in the background, and an evicted key simply starts a fresh session
// on its next message.
//
// Poller runs the bounded reply loop for one turn. Each attempt fetches
// the session's activity log from the entry's cursor, keeps only message
// activities sent by the configured agent identity, and either relays them,
// sleeps for the next attempt, or yields.
//
// Coordinator is the per-turn entry point. OnMessage resolves the session,
// forwards the user's activity to the backend, then hands the entry to the
// poller and reports the turn's outcome.
//
// # Cursor and interleave rule
//
// Each entry carries a cursor, the last backend log position relayed.
// A fetch that contains agent messages only counts if its watermark is
// numerically greater than the cursor; otherwise a newer turn has already
// advanced the session past this poll, which yields with PollAborted and
// touches nothing. This is what keeps a slow poll from re-delivering
// messages a faster concurrent turn already handled.
//
// # Outcomes and errors
//
// PollCompleted, PollAborted, and PollTimedOut are all normal turn endings.
// Agents that stay quiet for a turn produce PollTimedOut and the user hears
// nothing, which is deliberate. Real failures surface as typed errors:
// SessionCreationError from session bootstrap, ForwardError from posting
// the user's message, and PollFetchError for individual fetch attempts,
// which consume an attempt instead of ending the turn.
package relay
