// ABOUTME: In-memory fan-out of relayed turn events for conversation observers
// ABOUTME: Subscribers attach per conversation key and receive events as turns finish

package gateway

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/relay-gateway/internal/channel"
)

// subscriberBufferSize is the channel buffer for each subscriber.
const subscriberBufferSize = 64

// Turn event types
const (
	TurnEventMessage = "message" // user message accepted for relay
	TurnEventTurn    = "turn"    // relay turn finished
)

// TurnEvent is one observable relay event for a conversation. Observers on
// /api/conversations/{key}/events receive these as turns happen; a client
// on another device can mirror the conversation live this way.
type TurnEvent struct {
	Type            string                     `json:"type"`
	ConversationKey string                     `json:"conversation_key"`
	SessionID       string                     `json:"session_id,omitempty"`
	Sender          string                     `json:"sender,omitempty"`
	Text            string                     `json:"text,omitempty"`
	Outcome         string                     `json:"outcome,omitempty"`
	Activities      []channel.OutboundActivity `json:"activities,omitempty"`
	Timestamp       time.Time                  `json:"timestamp"`
}

// Broadcaster provides in-memory pub/sub of TurnEvents keyed by
// conversation. Delivery is best-effort: a subscriber that stops reading
// loses events rather than stalling the relay.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan TurnEvent // conversationKey -> subID -> ch
	logger      *slog.Logger
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]map[string]chan TurnEvent),
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe registers an observer for one conversation key. The returned
// channel receives events until ctx ends, at which point the subscription
// cleans itself up and the channel closes.
func (b *Broadcaster) Subscribe(ctx context.Context, conversationKey string) (<-chan TurnEvent, string) {
	subID := uuid.NewString()
	ch := make(chan TurnEvent, subscriberBufferSize)

	b.mu.Lock()
	if _, ok := b.subscribers[conversationKey]; !ok {
		b.subscribers[conversationKey] = make(map[string]chan TurnEvent)
	}
	b.subscribers[conversationKey][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("observer added",
		"conversation_key", conversationKey,
		"sub_id", subID)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(conversationKey, subID)
	}()

	return ch, subID
}

// Publish sends an event to every observer of the conversation.
// Non-blocking: full subscriber buffers drop the event for that observer.
func (b *Broadcaster) Publish(event TurnEvent) {
	b.mu.RLock()
	subs, ok := b.subscribers[event.ConversationKey]
	if !ok || len(subs) == 0 {
		b.mu.RUnlock()
		return
	}
	targets := make([]chan TurnEvent, 0, len(subs))
	for _, ch := range subs {
		targets = append(targets, ch)
	}
	b.mu.RUnlock()

	for _, ch := range targets {
		select {
		case ch <- event:
		default:
			b.logger.Debug("dropped event for slow observer",
				"conversation_key", event.ConversationKey,
				"type", event.Type)
		}
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(conversationKey, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[conversationKey]
	if !ok {
		return
	}
	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)

	if len(subs) == 0 {
		delete(b.subscribers, conversationKey)
	}

	b.logger.Debug("observer removed",
		"conversation_key", conversationKey,
		"sub_id", subID)
}

// Close shuts down the broadcaster and closes all subscriber channels.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for convKey, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, convKey)
	}
}
