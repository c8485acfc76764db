// Package directline implements the backend streaming-activity protocol.
//
// # Overview
//
// The conversational-agent backend exposes a Direct Line-style HTTP API:
// sessions are created once per end-user conversation, user messages are
// posted into the session as activities, and replies are read by polling
// the session's activity log from a watermark.
//
// # Client
//
//	client := directline.NewClient(baseURL, secret, 15*time.Second)
//
// Operations:
//
//   - StartConversation(ctx): create a session, returning the conversation
//     handle and its scoped token
//   - PostActivity(ctx, convID, token, activity): append a user activity
//   - Activities(ctx, convID, token, watermark): fetch the log at or after
//     the watermark, plus the new watermark to resume from
//
// The service secret authorizes session creation; all further calls use the
// per-session token. 401/403 responses surface as ErrUnauthorized, which
// callers treat as an expired session.
//
// # Watermarks
//
// The activity log is replay-from-position: a fetch with watermark W returns
// every activity at or after position W and reports the position after the
// last returned activity. Watermarks are decimal strings and an empty
// watermark means the beginning of history.
//
// # Fake backend
//
// FakeServer implements the same protocol in memory with a configurable
// reply agent. cmd/fake-directline serves it standalone; tests mount its
// Handler on an httptest server.
package directline
