// ABOUTME: HTTP API handlers for the relay gateway
// ABOUTME: POST /api/send streams the agent's reply back over SSE

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/2389/relay-gateway/internal/channel"
	"github.com/2389/relay-gateway/internal/directline"
	"github.com/2389/relay-gateway/internal/relay"
	"github.com/2389/relay-gateway/internal/store"
)

// CreateConversationRequest is the JSON request body for POST /api/conversations.
type CreateConversationRequest struct {
	ConversationKey string `json:"conversation_key"`
}

// CreateConversationResponse is the JSON response for POST /api/conversations.
type CreateConversationResponse struct {
	ConversationKey string `json:"conversation_key"`
	SessionID       string `json:"session_id"`
}

// SendMessageRequest is the JSON request body for POST /api/send.
type SendMessageRequest struct {
	ConversationKey string `json:"conversation_key"`
	Sender          string `json:"sender"`
	SenderID        string `json:"sender_id,omitempty"`
	Content         string `json:"content"`
	TextFormat      string `json:"text_format,omitempty"`
	Locale          string `json:"locale,omitempty"`
	DeliveryID      string `json:"delivery_id,omitempty"`
}

// HistoryEntry is one transcript entry in GET history responses.
type HistoryEntry struct {
	ID         string `json:"id"`
	SessionID  string `json:"session_id"`
	Direction  string `json:"direction"`
	Sender     string `json:"sender"`
	Text       string `json:"text"`
	TextFormat string `json:"text_format,omitempty"`
	Locale     string `json:"locale,omitempty"`
	CreatedAt  string `json:"created_at"`
}

// HistoryResponse is the JSON response for GET /api/conversations/{key}/history.
type HistoryResponse struct {
	ConversationKey string         `json:"conversation_key"`
	Entries         []HistoryEntry `json:"entries"`
}

// ConversationSummary is one conversation in GET /api/conversations responses.
type ConversationSummary struct {
	ConversationKey string `json:"conversation_key"`
	SessionID       string `json:"session_id"`
	Messages        int    `json:"messages"`
	FirstAt         string `json:"first_at"`
	LastAt          string `json:"last_at"`
}

// ListConversationsResponse is the JSON response for GET /api/conversations.
type ListConversationsResponse struct {
	Conversations []ConversationSummary `json:"conversations"`
}

// handleCreateConversation handles POST /api/conversations.
// It pre-warms the backend session for a conversation key so the first
// message does not pay the session-creation latency.
func (g *Gateway) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var req CreateConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ConversationKey == "" {
		g.sendJSONError(w, http.StatusBadRequest, "conversation_key is required")
		return
	}

	entry, err := g.coordinator.OnConversationStart(r.Context(), req.ConversationKey)
	if err != nil {
		g.logger.Error("failed to create session",
			"conversation_key", req.ConversationKey,
			"error", err)
		g.sendJSONError(w, http.StatusBadGateway, "backend session creation failed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(CreateConversationResponse{
		ConversationKey: entry.Key,
		SessionID:       entry.SessionID,
	})
}

// handleSendMessage handles POST /api/send requests.
// It forwards the user's message into the conversation's backend session
// and streams the turn back as SSE: a "started" event, zero or more
// "activities" events, then "done" with the turn outcome.
func (g *Gateway) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	req, err := parseSendRequest(r.Body)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	// Retried deliveries short-circuit before touching the backend.
	if req.DeliveryID != "" && g.dedupe != nil {
		seen, err := g.dedupe.CheckAndMark(r.Context(), req.DeliveryID)
		if err != nil {
			// Fail open: a broken dedupe backend must not drop user messages.
			g.logger.Warn("dedupe check failed",
				"delivery_id", req.DeliveryID,
				"error", err)
		} else if seen {
			g.logger.Info("duplicate delivery skipped",
				"conversation_key", req.ConversationKey,
				"delivery_id", req.DeliveryID)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusAccepted)
			json.NewEncoder(w).Encode(map[string]string{
				"status":      "duplicate",
				"delivery_id": req.DeliveryID,
			})
			return
		}
	}

	// Resolve the session before committing to a stream so session
	// failures still map to an HTTP status.
	entry, err := g.coordinator.OnConversationStart(r.Context(), req.ConversationKey)
	if err != nil {
		g.logger.Error("failed to resolve session",
			"conversation_key", req.ConversationKey,
			"error", err)
		g.sendJSONError(w, http.StatusBadGateway, "backend session creation failed")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		g.logger.Error("streaming not supported")
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	g.writeSSEEvent(w, "started", map[string]string{
		"conversation_key": entry.Key,
		"session_id":       entry.SessionID,
	})
	flusher.Flush()

	g.broadcaster.Publish(TurnEvent{
		Type:            TurnEventMessage,
		ConversationKey: req.ConversationKey,
		SessionID:       entry.SessionID,
		Sender:          req.Sender,
		Text:            req.Content,
		Timestamp:       time.Now().UTC(),
	})

	sink := &sseSink{gateway: g, w: w, flusher: flusher}
	result, err := g.coordinator.OnMessage(r.Context(), relay.InboundMessage{
		ConversationKey: req.ConversationKey,
		DeliveryID:      req.DeliveryID,
		SenderID:        req.SenderID,
		SenderName:      req.Sender,
		Text:            req.Content,
		TextFormat:      req.TextFormat,
		Locale:          req.Locale,
	}, sink)
	if err != nil {
		// The stream is already open; the failure travels as an event.
		var fe *relay.ForwardError
		msg := "relay failed"
		if errors.As(err, &fe) {
			msg = "failed to forward message to backend"
		}
		g.logger.Error("turn failed",
			"conversation_key", req.ConversationKey,
			"error", err)
		g.writeSSEEvent(w, "error", map[string]string{"error": msg})
		flusher.Flush()
		return
	}

	g.writeSSEEvent(w, "done", map[string]any{
		"outcome": result.Outcome.String(),
		"relayed": result.Relayed,
	})
	flusher.Flush()

	g.broadcaster.Publish(TurnEvent{
		Type:            TurnEventTurn,
		ConversationKey: req.ConversationKey,
		SessionID:       result.SessionID,
		Outcome:         result.Outcome.String(),
		Activities:      sink.collected,
		Timestamp:       time.Now().UTC(),
	})
}

// handleHistory handles GET /api/conversations/{conversationKey}/history.
// Returns the stored transcript, newest window in chronological order.
func (g *Gateway) handleHistory(w http.ResponseWriter, r *http.Request) {
	if g.store == nil {
		g.sendJSONError(w, http.StatusServiceUnavailable, "transcript store disabled")
		return
	}

	key := chi.URLParam(r, "conversationKey")
	limit, err := parseLimit(r, 50, 1000)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	if _, err := g.store.Conversation(r.Context(), key); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			g.sendJSONError(w, http.StatusNotFound, "unknown conversation")
			return
		}
		g.logger.Error("failed to look up conversation", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	entries, err := g.store.History(r.Context(), key, limit)
	if err != nil {
		g.logger.Error("failed to load history", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	response := HistoryResponse{
		ConversationKey: key,
		Entries:         make([]HistoryEntry, len(entries)),
	}
	for i, e := range entries {
		response.Entries[i] = HistoryEntry{
			ID:         e.ID,
			SessionID:  e.SessionID,
			Direction:  e.Direction,
			Sender:     e.Sender,
			Text:       e.Text,
			TextFormat: e.TextFormat,
			Locale:     e.Locale,
			CreatedAt:  e.CreatedAt.Format(time.RFC3339),
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// handleListConversations handles GET /api/conversations.
func (g *Gateway) handleListConversations(w http.ResponseWriter, r *http.Request) {
	if g.store == nil {
		g.sendJSONError(w, http.StatusServiceUnavailable, "transcript store disabled")
		return
	}

	limit, err := parseLimit(r, 100, 1000)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	infos, err := g.store.Conversations(r.Context(), limit)
	if err != nil {
		g.logger.Error("failed to list conversations", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	response := ListConversationsResponse{
		Conversations: make([]ConversationSummary, len(infos)),
	}
	for i, info := range infos {
		response.Conversations[i] = ConversationSummary{
			ConversationKey: info.ConversationKey,
			SessionID:       info.SessionID,
			Messages:        info.Messages,
			FirstAt:         info.FirstAt.Format(time.RFC3339),
			LastAt:          info.LastAt.Format(time.RFC3339),
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// handleEvents handles GET /api/conversations/{conversationKey}/events.
// It attaches the caller as a live observer of the conversation's turns
// and streams TurnEvents over SSE until the client disconnects.
func (g *Gateway) handleEvents(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "conversationKey")

	flusher, ok := w.(http.Flusher)
	if !ok {
		g.logger.Error("streaming not supported")
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	events, subID := g.broadcaster.Subscribe(r.Context(), key)
	g.logger.Debug("observer stream opened",
		"conversation_key", key,
		"sub_id", subID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	g.writeSSEEvent(w, "connected", map[string]string{"conversation_key": key})
	flusher.Flush()

	// Comment lines keep intermediaries from reaping quiet streams.
	keepalive := time.NewTicker(30 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case event, ok := <-events:
			if !ok {
				return
			}
			g.writeSSEEvent(w, event.Type, event)
			flusher.Flush()
		}
	}
}

// sseSink delivers a turn's outbound batches to the waiting HTTP caller.
type sseSink struct {
	gateway   *Gateway
	w         http.ResponseWriter
	flusher   http.Flusher
	collected []channel.OutboundActivity
}

var _ relay.Sink = (*sseSink)(nil)

func (s *sseSink) Deliver(ctx context.Context, batch []channel.OutboundActivity) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.gateway.writeSSEEvent(s.w, "activities", map[string]any{"activities": batch})
	s.flusher.Flush()
	s.collected = append(s.collected, batch...)
	return nil
}

// writeSSEEvent writes a single SSE event to the response writer.
func (g *Gateway) writeSSEEvent(w http.ResponseWriter, event string, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		g.logger.Error("failed to marshal SSE data", "error", err)
		return
	}

	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", dataJSON)
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// parseSendRequest parses and validates a SendMessageRequest from the given
// reader. Returns an error if the JSON is invalid or required fields are
// missing.
func parseSendRequest(r io.Reader) (*SendMessageRequest, error) {
	var req SendMessageRequest
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return nil, errors.New("invalid JSON body")
	}

	if req.ConversationKey == "" {
		return nil, errors.New("conversation_key is required")
	}
	if req.Sender == "" {
		return nil, errors.New("sender is required")
	}
	if req.Content == "" {
		return nil, errors.New("content is required")
	}

	switch req.TextFormat {
	case "", directline.TextFormatPlain, directline.TextFormatMarkdown:
	default:
		return nil, fmt.Errorf("unsupported text_format %q", req.TextFormat)
	}

	return &req, nil
}

// parseLimit reads the optional ?limit=N query parameter.
func parseLimit(r *http.Request, def, max int) (int, error) {
	limitStr := r.URL.Query().Get("limit")
	if limitStr == "" {
		return def, nil
	}
	parsed, err := strconv.Atoi(limitStr)
	if err != nil || parsed < 1 {
		return 0, errors.New("limit must be a positive integer")
	}
	if parsed > max {
		parsed = max
	}
	return parsed, nil
}
