// ABOUTME: Gateway API client for relay-matrix bridge
// ABOUTME: Sends messages and streams SSE turn events from relay-gateway

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tmaxmax/go-sse"
)

// EventType represents SSE event types from the gateway.
type EventType string

const (
	EventStarted    EventType = "started"
	EventActivities EventType = "activities"
	EventDone       EventType = "done"
	EventError      EventType = "error"
)

// Activity is one agent message from an "activities" event.
type Activity struct {
	ID              string `json:"id,omitempty"`
	ConversationKey string `json:"conversation_key"`
	SenderName      string `json:"sender_name"`
	Text            string `json:"text"`
	TextHTML        string `json:"text_html,omitempty"`
	Locale          string `json:"locale,omitempty"`
}

// activitiesEventData is the JSON structure for activities events.
type activitiesEventData struct {
	Activities []Activity `json:"activities"`
}

// DoneEventData is the JSON structure for done events.
type DoneEventData struct {
	Outcome string `json:"outcome"`
	Relayed int    `json:"relayed"`
}

// errorEventData is the JSON structure for error events and JSON error bodies.
type errorEventData struct {
	Error string `json:"error"`
}

// SendRequest is the request body for POST /api/send.
type SendRequest struct {
	ConversationKey string `json:"conversation_key"`
	Sender          string `json:"sender"`
	SenderID        string `json:"sender_id,omitempty"`
	Content         string `json:"content"`
	TextFormat      string `json:"text_format,omitempty"`
	Locale          string `json:"locale,omitempty"`
	DeliveryID      string `json:"delivery_id,omitempty"`
}

// OutcomeDuplicate is the synthetic outcome for turns the gateway rejected as
// already-delivered (HTTP 202).
const OutcomeDuplicate = "duplicate"

// GatewayClient communicates with the relay-gateway HTTP API.
type GatewayClient struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewGatewayClient creates a new gateway client. An empty token disables the
// Authorization header.
func NewGatewayClient(baseURL, token string) *GatewayClient {
	return &GatewayClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		client:  &http.Client{},
	}
}

// SendMessage sends a message to the gateway and streams agent activities via
// the callback as they arrive. It blocks until the turn finishes and returns
// the turn outcome.
func (g *GatewayClient) SendMessage(ctx context.Context, req SendRequest, onActivity func(Activity)) (*DoneEventData, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		g.baseURL+"/api/send", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if g.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+g.token)
	}

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	// 202 means the gateway already handled this delivery ID.
	if resp.StatusCode == http.StatusAccepted {
		return &DoneEventData{Outcome: OutcomeDuplicate}, nil
	}

	if resp.StatusCode != http.StatusOK {
		return nil, g.handleErrorResponse(resp)
	}

	return g.readTurnStream(ctx, resp.Body, onActivity)
}

// CreateConversation asks the gateway to resolve a backend session for the
// conversation key without sending a message.
func (g *GatewayClient) CreateConversation(ctx context.Context, conversationKey string) error {
	body, err := json.Marshal(map[string]string{"conversation_key": conversationKey})
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		g.baseURL+"/api/conversations", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	if g.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+g.token)
	}

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return g.handleErrorResponse(resp)
	}
	return nil
}

// handleErrorResponse extracts the error message from non-200 responses.
func (g *GatewayClient) handleErrorResponse(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)

	// Try to parse as JSON error
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		var errResp errorEventData
		if json.Unmarshal(body, &errResp) == nil && errResp.Error != "" {
			return fmt.Errorf("gateway error (%d): %s", resp.StatusCode, errResp.Error)
		}
	}

	return fmt.Errorf("gateway returned status %d: %s", resp.StatusCode, string(body))
}

// readTurnStream consumes the SSE turn stream until the done event.
func (g *GatewayClient) readTurnStream(ctx context.Context, body io.Reader, onActivity func(Activity)) (*DoneEventData, error) {
	var done *DoneEventData

	for ev, err := range sse.Read(body, nil) {
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("reading event stream: %w", err)
		}

		switch EventType(ev.Type) {
		case EventStarted:
			// Session resolved; nothing to do until activities arrive.

		case EventActivities:
			var data activitiesEventData
			if err := json.Unmarshal([]byte(ev.Data), &data); err != nil {
				return nil, fmt.Errorf("parsing activities event: %w", err)
			}
			if onActivity != nil {
				for _, act := range data.Activities {
					onActivity(act)
				}
			}

		case EventDone:
			var data DoneEventData
			if err := json.Unmarshal([]byte(ev.Data), &data); err != nil {
				return nil, fmt.Errorf("parsing done event: %w", err)
			}
			done = &data

		case EventError:
			var data errorEventData
			if json.Unmarshal([]byte(ev.Data), &data) == nil && data.Error != "" {
				return nil, fmt.Errorf("gateway error: %s", data.Error)
			}
			return nil, fmt.Errorf("gateway error: %s", ev.Data)
		}
	}

	if done == nil {
		return nil, fmt.Errorf("stream ended without done event")
	}
	return done, nil
}
