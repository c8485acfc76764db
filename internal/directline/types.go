// ABOUTME: Wire types for the Direct Line-style streaming-activity protocol
// ABOUTME: Shared between the HTTP client, the fake backend, and the relay core

package directline

import "time"

// Activity types observed on the backend feed. Only message activities
// are ever relayed; everything else is control traffic.
const (
	ActivityTypeMessage = "message"
	ActivityTypeTyping  = "typing"
)

// Text formats carried on message activities.
const (
	TextFormatPlain    = "plain"
	TextFormatMarkdown = "markdown"
)

// ChannelAccount identifies the sender of an activity.
type ChannelAccount struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Activity is one entry in a conversation's activity log.
type Activity struct {
	Type       string         `json:"type"`
	ID         string         `json:"id,omitempty"`
	ReplyToID  string         `json:"replyToId,omitempty"`
	Timestamp  time.Time      `json:"timestamp,omitempty"`
	From       ChannelAccount `json:"from"`
	Text       string         `json:"text,omitempty"`
	TextFormat string         `json:"textFormat,omitempty"`
	Locale     string         `json:"locale,omitempty"`
}

// IsMessage reports whether the activity carries user-visible message content.
func (a Activity) IsMessage() bool {
	return a.Type == ActivityTypeMessage
}

// Session is the result of creating a backend conversation: the opaque
// conversation handle plus the credential scoped to it.
type Session struct {
	ConversationID string `json:"conversationId"`
	Token          string `json:"token"`
	ExpiresIn      int    `json:"expires_in,omitempty"`
}

// ActivitySet is one page of the activity log: everything at or after the
// requested watermark, plus the new watermark to resume from.
type ActivitySet struct {
	Activities []Activity `json:"activities"`
	Watermark  string     `json:"watermark"`
}

// ResourceResponse acknowledges a posted activity.
type ResourceResponse struct {
	ID string `json:"id"`
}

// ErrorResponse is the JSON error body returned on non-2xx responses.
type ErrorResponse struct {
	Error string `json:"error"`
}
