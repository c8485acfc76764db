// ABOUTME: Outbound activity schema and the backend-to-channel conversion
// ABOUTME: Conversion is pure, stateless, and order-preserving

package channel

import (
	"time"

	"github.com/2389/relay-gateway/internal/directline"
)

// OutboundActivity is one agent message in the shape the inbound channel
// receives: raw text plus an HTML rendering for channels with rich display.
type OutboundActivity struct {
	ID              string    `json:"id,omitempty"`
	ReplyToID       string    `json:"reply_to_id,omitempty"`
	ConversationKey string    `json:"conversation_key"`
	SenderName      string    `json:"sender_name"`
	Text            string    `json:"text"`
	TextHTML        string    `json:"text_html,omitempty"`
	Locale          string    `json:"locale,omitempty"`
	Timestamp       time.Time `json:"timestamp,omitempty"`
}

// Convert maps backend activities to the outbound schema, preserving order.
// One output per input; the caller is responsible for filtering. Markdown
// message text also gets an HTML rendering; render failures fall back to
// text-only output.
func Convert(activities []directline.Activity, conversationKey string) []OutboundActivity {
	if len(activities) == 0 {
		return nil
	}
	out := make([]OutboundActivity, 0, len(activities))
	for _, a := range activities {
		oa := OutboundActivity{
			ID:              a.ID,
			ReplyToID:       a.ReplyToID,
			ConversationKey: conversationKey,
			SenderName:      a.From.Name,
			Text:            a.Text,
			Locale:          a.Locale,
			Timestamp:       a.Timestamp,
		}
		if a.TextFormat != directline.TextFormatPlain {
			if html, err := RenderHTML(a.Text); err == nil {
				oa.TextHTML = html
			}
		}
		out = append(out, oa)
	}
	return out
}
