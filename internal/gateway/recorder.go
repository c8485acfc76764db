// ABOUTME: Adapts the transcript store to the relay core's Recorder interface
// ABOUTME: Translates turn legs into append-only transcript entries

package gateway

import (
	"context"

	"github.com/2389/relay-gateway/internal/channel"
	"github.com/2389/relay-gateway/internal/directline"
	"github.com/2389/relay-gateway/internal/relay"
	"github.com/2389/relay-gateway/internal/store"
)

// storeRecorder persists both legs of every relayed turn.
type storeRecorder struct {
	store store.Store
}

var _ relay.Recorder = (*storeRecorder)(nil)

func (r *storeRecorder) RecordInbound(ctx context.Context, msg relay.InboundMessage, sessionID string) error {
	return r.store.AppendEntries(ctx, []*store.TranscriptEntry{{
		ConversationKey: msg.ConversationKey,
		SessionID:       sessionID,
		Direction:       store.DirectionInbound,
		Sender:          msg.SenderName,
		Text:            msg.Text,
		TextFormat:      msg.TextFormat,
		Locale:          msg.Locale,
	}})
}

func (r *storeRecorder) RecordOutbound(ctx context.Context, conversationKey, sessionID string, batch []channel.OutboundActivity) error {
	entries := make([]*store.TranscriptEntry, len(batch))
	for i, a := range batch {
		format := directline.TextFormatPlain
		if a.TextHTML != "" {
			format = directline.TextFormatMarkdown
		}
		entries[i] = &store.TranscriptEntry{
			ID:              a.ID,
			ConversationKey: conversationKey,
			SessionID:       sessionID,
			Direction:       store.DirectionOutbound,
			Sender:          a.SenderName,
			Text:            a.Text,
			TextFormat:      format,
			Locale:          a.Locale,
			CreatedAt:       a.Timestamp,
		}
	}
	return r.store.AppendEntries(ctx, entries)
}
