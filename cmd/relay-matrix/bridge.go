// ABOUTME: Matrix bridge core for relay-matrix
// ABOUTME: Handles Matrix client connection and message routing to relay-gateway

package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/2389/relay-gateway/internal/channel"
)

// Bridge connects Matrix rooms to relay-gateway conversations. Each room maps
// to one conversation key, so every room keeps its own backend session.
type Bridge struct {
	config  *Config
	matrix  *mautrix.Client
	gateway *GatewayClient
	logger  *slog.Logger

	// Track rooms with a turn in flight to avoid concurrent turns per room
	processing sync.Map

	// ctx is the parent context for turn-processing goroutines
	ctx    context.Context
	cancel context.CancelFunc
}

// NewBridge creates a new Matrix bridge. Call Login before Run.
func NewBridge(cfg *Config, logger *slog.Logger) (*Bridge, error) {
	// Credentials are filled in by Login
	client, err := mautrix.NewClient(cfg.Matrix.Homeserver, "", "")
	if err != nil {
		return nil, fmt.Errorf("creating matrix client: %w", err)
	}

	gateway := NewGatewayClient(cfg.Gateway.URL, cfg.Gateway.Token)

	return &Bridge{
		config:  cfg,
		matrix:  client,
		gateway: gateway,
		logger:  logger,
	}, nil
}

// Login authenticates with the homeserver using the configured password and
// stores the returned credentials on the client.
func (b *Bridge) Login(ctx context.Context) error {
	resp, err := b.matrix.Login(ctx, &mautrix.ReqLogin{
		Type: mautrix.AuthTypePassword,
		Identifier: mautrix.UserIdentifier{
			Type: mautrix.IdentifierTypeUser,
			User: b.config.Matrix.UserID,
		},
		Password:                 b.config.Matrix.Password,
		InitialDeviceDisplayName: "relay-matrix bridge",
		StoreCredentials:         true,
		StoreHomeserverURL:       true,
	})
	if err != nil {
		return fmt.Errorf("password login: %w", err)
	}

	b.logger.Info("logged in to matrix",
		"user_id", resp.UserID.String(),
		"device_id", resp.DeviceID.String(),
	)
	return nil
}

// UserID returns the logged-in Matrix user ID.
func (b *Bridge) UserID() string {
	return b.matrix.UserID.String()
}

// Run starts the bridge and blocks until context is cancelled.
func (b *Bridge) Run(ctx context.Context) error {
	b.logger.Info("starting matrix bridge",
		"homeserver", b.config.Matrix.Homeserver,
		"user_id", b.UserID(),
		"gateway", b.config.Gateway.URL,
	)

	// Store context for turn-processing goroutines
	b.ctx, b.cancel = context.WithCancel(ctx)
	defer b.cancel()

	// Register event handler for messages
	syncer, ok := b.matrix.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return fmt.Errorf("unexpected syncer type: %T", b.matrix.Syncer)
	}
	syncer.OnEventType(event.EventMessage, b.handleMessageEvent)

	// Pre-resolve backend sessions for the allowlisted rooms so the first
	// turn in each room skips session creation
	b.warmConversations(b.ctx)

	// Start syncing
	b.logger.Info("connecting to matrix homeserver")

	syncErr := make(chan error, 1)
	go func() {
		syncErr <- b.matrix.SyncWithContext(b.ctx)
	}()

	b.logger.Info("matrix bridge running")

	// Wait for context cancellation or sync error
	select {
	case <-ctx.Done():
		b.logger.Info("shutting down matrix bridge")
		b.cancel()
		return nil
	case err := <-syncErr:
		return fmt.Errorf("matrix sync failed: %w", err)
	}
}

// handleMessageEvent processes incoming Matrix messages.
func (b *Bridge) handleMessageEvent(ctx context.Context, evt *event.Event) {
	msgBody, ok := b.filterMessage(evt)
	if !ok {
		return
	}

	b.logger.Info("received message",
		"room", evt.RoomID.String(),
		"sender", evt.Sender.String(),
		"content", truncate(msgBody, 50),
	)

	// Process turn in goroutine to not block sync
	// Use bridge context for graceful shutdown support
	go b.processTurn(b.ctx, evt.RoomID, evt.Sender, evt.ID, msgBody)
}

// filterMessage decides whether an event should start a turn. Returns the
// message text with any command prefix stripped.
func (b *Bridge) filterMessage(evt *event.Event) (string, bool) {
	// Ignore our own messages
	if evt.Sender == b.matrix.UserID {
		return "", false
	}

	content, ok := evt.Content.Parsed.(*event.MessageEventContent)
	if !ok {
		return "", false
	}

	// Only handle text messages
	if content.MsgType != event.MsgText {
		return "", false
	}

	if !b.isRoomAllowed(evt.RoomID.String()) {
		b.logger.Debug("ignoring message from non-allowed room", "room", evt.RoomID.String())
		return "", false
	}

	msgBody := content.Body
	if b.config.Bridge.CommandPrefix != "" {
		if !strings.HasPrefix(msgBody, b.config.Bridge.CommandPrefix) {
			return "", false
		}
		msgBody = strings.TrimPrefix(msgBody, b.config.Bridge.CommandPrefix)
		msgBody = strings.TrimSpace(msgBody)
	}

	if msgBody == "" {
		return "", false
	}
	return msgBody, true
}

// processTurn sends the message to the gateway and streams agent replies back
// into the room. The Matrix event ID rides along as the delivery ID so resent
// sync events never trigger a second turn.
func (b *Bridge) processTurn(ctx context.Context, roomID id.RoomID, sender id.UserID, eventID id.EventID, content string) {
	roomStr := roomID.String()

	// Check if a turn is already running in this room
	if _, loaded := b.processing.LoadOrStore(roomStr, true); loaded {
		b.logger.Debug("turn already in flight for room, dropping", "room", roomStr)
		return
	}
	defer b.processing.Delete(roomStr)

	// Send typing indicator
	if b.config.Bridge.TypingIndicator {
		b.setTyping(roomID, true)
		defer b.setTyping(roomID, false)
	}

	turnCtx, cancel := context.WithTimeout(ctx, turnDeadline)
	defer cancel()

	req := SendRequest{
		ConversationKey: roomStr,
		Sender:          sender.String(),
		Content:         content,
		DeliveryID:      eventID.String(),
	}

	done, err := b.gateway.SendMessage(turnCtx, req, func(act Activity) {
		b.sendActivity(roomID, act)
	})
	if err != nil {
		b.logger.Error("gateway request failed", "room", roomStr, "error", err)
		b.sendMessage(roomID, fmt.Sprintf("Error: %v", err))
		return
	}

	switch done.Outcome {
	case OutcomeDuplicate:
		b.logger.Debug("gateway dropped duplicate delivery", "room", roomStr, "event_id", eventID.String())
	case "completed":
		b.logger.Info("turn completed", "room", roomStr, "relayed", done.Relayed)
	default:
		b.logger.Warn("turn finished without agent reply", "room", roomStr, "outcome", done.Outcome)
	}
}

// warmConversations resolves gateway sessions for allowlisted rooms up front.
// Failures only log; sessions are created lazily on the first turn anyway.
func (b *Bridge) warmConversations(ctx context.Context) {
	for _, room := range b.config.Bridge.AllowedRooms {
		warmCtx, cancel := context.WithTimeout(ctx, networkTimeout)
		err := b.gateway.CreateConversation(warmCtx, room)
		cancel()
		if err != nil {
			b.logger.Warn("failed to pre-resolve conversation", "room", room, "error", err)
			continue
		}
		b.logger.Debug("conversation ready", "room", room)
	}
}

// isRoomAllowed checks if the room is in the allowed list.
func (b *Bridge) isRoomAllowed(roomID string) bool {
	if len(b.config.Bridge.AllowedRooms) == 0 {
		return true // Allow all if no filter
	}

	for _, allowed := range b.config.Bridge.AllowedRooms {
		if allowed == roomID {
			return true
		}
	}
	return false
}

// turnDeadline bounds a single turn including the gateway's reply polling.
const turnDeadline = 5 * time.Minute

// typingTimeout is the duration the typing indicator shows (30 seconds).
const typingTimeout = 30 * time.Second

// networkTimeout is the timeout for Matrix API calls.
const networkTimeout = 10 * time.Second

// setTyping sends typing indicator to room.
func (b *Bridge) setTyping(roomID id.RoomID, typing bool) {
	var timeout time.Duration
	if typing {
		timeout = typingTimeout
	}
	// Use a timeout context to avoid hanging during shutdown or network issues
	ctx, cancel := context.WithTimeout(context.Background(), networkTimeout)
	defer cancel()
	_, err := b.matrix.UserTyping(ctx, roomID, typing, timeout)
	if err != nil {
		b.logger.Debug("failed to set typing indicator", "room", roomID.String(), "error", err)
	}
}

// sendActivity posts one agent reply into the room, using the gateway's HTML
// rendering as the formatted body when present.
func (b *Bridge) sendActivity(roomID id.RoomID, act Activity) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if act.TextHTML == "" {
		if _, err := b.matrix.SendText(ctx, roomID, act.Text); err != nil {
			b.logger.Error("failed to send reply", "room", roomID.String(), "error", err)
		}
		return
	}

	// Formatted messages carry a plain-text body for clients that don't
	// render HTML.
	body := channel.PlainText(act.Text)
	if body == "" {
		body = act.Text
	}
	content := event.MessageEventContent{
		MsgType:       event.MsgText,
		Body:          body,
		Format:        event.FormatHTML,
		FormattedBody: act.TextHTML,
	}
	if _, err := b.matrix.SendMessageEvent(ctx, roomID, event.EventMessage, &content); err != nil {
		b.logger.Error("failed to send formatted reply", "room", roomID.String(), "error", err)
	}
}

// sendMessage sends a plain text message to a room.
func (b *Bridge) sendMessage(roomID id.RoomID, text string) {
	// Use a longer timeout for sending messages (they can be large)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_, err := b.matrix.SendText(ctx, roomID, text)
	if err != nil {
		b.logger.Error("failed to send message", "room", roomID.String(), "error", err)
	}
}

// truncate shortens a string to the given max rune count, adding "..." if truncated.
func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}
