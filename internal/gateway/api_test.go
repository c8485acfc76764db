// ABOUTME: Tests for the gateway HTTP API against an in-memory backend
// ABOUTME: Covers conversation creation, SSE send turns, dedupe, history, auth

package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/relay-gateway/internal/auth"
	"github.com/2389/relay-gateway/internal/channel"
	"github.com/2389/relay-gateway/internal/config"
	"github.com/2389/relay-gateway/internal/directline"
	"github.com/2389/relay-gateway/internal/store"
)

const testAgentName = "coven"

// newFakeBackend starts an in-memory backend and returns its HTTP server.
func newFakeBackend(t *testing.T, opts directline.FakeOptions) *httptest.Server {
	t.Helper()
	opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	fake := directline.NewFakeServer(testAgentName, opts)
	srv := httptest.NewServer(fake.Handler())
	t.Cleanup(srv.Close)
	t.Cleanup(fake.Close)
	return srv
}

// testConfig returns a config with fast relay timings pointed at baseURL.
func testConfig(baseURL string) *config.Config {
	return &config.Config{
		Server: config.ServerConfig{Host: "127.0.0.1", Port: 0},
		Backend: config.BackendConfig{
			BaseURL:        baseURL,
			AgentName:      testAgentName,
			RequestTimeout: 2 * time.Second,
		},
		Relay: config.RelayConfig{
			PollInterval:        5 * time.Millisecond,
			ResponseTimeout:     250 * time.Millisecond,
			SessionIdleEviction: time.Hour,
		},
		Dedupe: config.DedupeConfig{TTL: time.Minute, MaxSize: 100},
		Auth:   config.AuthConfig{Mode: "none"},
	}
}

func newTestGateway(t *testing.T, cfg *config.Config) *Gateway {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	gw, err := New(cfg, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = gw.Shutdown(context.Background()) })
	return gw
}

// doJSON sends a request through the full router and returns the recorder.
func doJSON(t *testing.T, gw *Gateway, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	gw.router().ServeHTTP(rec, req)
	return rec
}

type sseEvent struct {
	name string
	data string
}

// parseSSEEvents splits a recorded SSE body into (event, data) pairs.
func parseSSEEvents(t *testing.T, body string) []sseEvent {
	t.Helper()
	var events []sseEvent
	for _, block := range strings.Split(body, "\n\n") {
		block = strings.TrimSpace(block)
		if block == "" || strings.HasPrefix(block, ":") {
			continue
		}
		var ev sseEvent
		for _, line := range strings.Split(block, "\n") {
			if after, ok := strings.CutPrefix(line, "event: "); ok {
				ev.name = after
			} else if after, ok := strings.CutPrefix(line, "data: "); ok {
				ev.data = after
			}
		}
		events = append(events, ev)
	}
	return events
}

func TestHandleCreateConversation_Success(t *testing.T) {
	backend := newFakeBackend(t, directline.FakeOptions{})
	gw := newTestGateway(t, testConfig(backend.URL))

	rec := doJSON(t, gw, http.MethodPost, "/api/conversations", CreateConversationRequest{
		ConversationKey: "room-1",
	})

	require.Equal(t, http.StatusCreated, rec.Code)

	var resp CreateConversationResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "room-1", resp.ConversationKey)
	assert.NotEmpty(t, resp.SessionID)
}

func TestHandleCreateConversation_ReusesSession(t *testing.T) {
	backend := newFakeBackend(t, directline.FakeOptions{})
	gw := newTestGateway(t, testConfig(backend.URL))

	first := doJSON(t, gw, http.MethodPost, "/api/conversations", CreateConversationRequest{ConversationKey: "room-1"})
	require.Equal(t, http.StatusCreated, first.Code)
	second := doJSON(t, gw, http.MethodPost, "/api/conversations", CreateConversationRequest{ConversationKey: "room-1"})
	require.Equal(t, http.StatusCreated, second.Code)

	var r1, r2 CreateConversationResponse
	require.NoError(t, json.NewDecoder(first.Body).Decode(&r1))
	require.NoError(t, json.NewDecoder(second.Body).Decode(&r2))
	assert.Equal(t, r1.SessionID, r2.SessionID)
}

func TestHandleCreateConversation_InvalidBody(t *testing.T) {
	backend := newFakeBackend(t, directline.FakeOptions{})
	gw := newTestGateway(t, testConfig(backend.URL))

	req := httptest.NewRequest(http.MethodPost, "/api/conversations", strings.NewReader("not json"))
	rec := httptest.NewRecorder()
	gw.router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, gw, http.MethodPost, "/api/conversations", CreateConversationRequest{})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleCreateConversation_BackendUnavailable(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	dead.Close()
	gw := newTestGateway(t, testConfig(dead.URL))

	rec := doJSON(t, gw, http.MethodPost, "/api/conversations", CreateConversationRequest{ConversationKey: "room-1"})

	require.Equal(t, http.StatusBadGateway, rec.Code)
	var errResp map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&errResp))
	assert.Equal(t, "backend session creation failed", errResp["error"])
}

func TestHandleSendMessage_FullTurn(t *testing.T) {
	backend := newFakeBackend(t, directline.FakeOptions{})
	gw := newTestGateway(t, testConfig(backend.URL))

	rec := doJSON(t, gw, http.MethodPost, "/api/send", SendMessageRequest{
		ConversationKey: "room-1",
		Sender:          "alice",
		Content:         "hello",
	})

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))

	events := parseSSEEvents(t, rec.Body.String())
	require.GreaterOrEqual(t, len(events), 3)

	assert.Equal(t, "started", events[0].name)
	var started map[string]string
	require.NoError(t, json.Unmarshal([]byte(events[0].data), &started))
	assert.Equal(t, "room-1", started["conversation_key"])
	assert.NotEmpty(t, started["session_id"])

	assert.Equal(t, "activities", events[1].name)
	var payload struct {
		Activities []channel.OutboundActivity `json:"activities"`
	}
	require.NoError(t, json.Unmarshal([]byte(events[1].data), &payload))
	require.Len(t, payload.Activities, 1)
	assert.Equal(t, "Echo: hello", payload.Activities[0].Text)
	assert.Equal(t, testAgentName, payload.Activities[0].SenderName)
	assert.Equal(t, "room-1", payload.Activities[0].ConversationKey)

	last := events[len(events)-1]
	assert.Equal(t, "done", last.name)
	var done struct {
		Outcome string `json:"outcome"`
		Relayed int    `json:"relayed"`
	}
	require.NoError(t, json.Unmarshal([]byte(last.data), &done))
	assert.Equal(t, "completed", done.Outcome)
	assert.Equal(t, 1, done.Relayed)
}

func TestHandleSendMessage_Validation(t *testing.T) {
	backend := newFakeBackend(t, directline.FakeOptions{})
	gw := newTestGateway(t, testConfig(backend.URL))

	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{
			name:    "invalid json",
			body:    `not json`,
			wantErr: "invalid JSON body",
		},
		{
			name:    "missing conversation_key",
			body:    `{"sender":"alice","content":"hi"}`,
			wantErr: "conversation_key is required",
		},
		{
			name:    "missing sender",
			body:    `{"conversation_key":"room-1","content":"hi"}`,
			wantErr: "sender is required",
		},
		{
			name:    "missing content",
			body:    `{"conversation_key":"room-1","sender":"alice"}`,
			wantErr: "content is required",
		},
		{
			name:    "unsupported text_format",
			body:    `{"conversation_key":"room-1","sender":"alice","content":"hi","text_format":"xml"}`,
			wantErr: `unsupported text_format "xml"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/send", strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			gw.router().ServeHTTP(rec, req)

			require.Equal(t, http.StatusBadRequest, rec.Code)
			var errResp map[string]string
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&errResp))
			assert.Equal(t, tt.wantErr, errResp["error"])
		})
	}
}

func TestHandleSendMessage_DuplicateDelivery(t *testing.T) {
	backend := newFakeBackend(t, directline.FakeOptions{})
	gw := newTestGateway(t, testConfig(backend.URL))

	body := SendMessageRequest{
		ConversationKey: "room-1",
		Sender:          "alice",
		Content:         "hi",
		DeliveryID:      "evt-1",
	}

	first := doJSON(t, gw, http.MethodPost, "/api/send", body)
	require.Equal(t, http.StatusOK, first.Code)

	second := doJSON(t, gw, http.MethodPost, "/api/send", body)
	require.Equal(t, http.StatusAccepted, second.Code)

	var resp map[string]string
	require.NoError(t, json.NewDecoder(second.Body).Decode(&resp))
	assert.Equal(t, "duplicate", resp["status"])
	assert.Equal(t, "evt-1", resp["delivery_id"])
}

func TestHandleSendMessage_TimedOutTurn(t *testing.T) {
	backend := newFakeBackend(t, directline.FakeOptions{ReplyDelay: time.Second})
	cfg := testConfig(backend.URL)
	cfg.Relay.ResponseTimeout = 50 * time.Millisecond
	gw := newTestGateway(t, cfg)

	rec := doJSON(t, gw, http.MethodPost, "/api/send", SendMessageRequest{
		ConversationKey: "room-1",
		Sender:          "alice",
		Content:         "anyone there?",
	})

	require.Equal(t, http.StatusOK, rec.Code)

	events := parseSSEEvents(t, rec.Body.String())
	require.Len(t, events, 2)
	assert.Equal(t, "started", events[0].name)

	assert.Equal(t, "done", events[1].name)
	var done struct {
		Outcome string `json:"outcome"`
		Relayed int    `json:"relayed"`
	}
	require.NoError(t, json.Unmarshal([]byte(events[1].data), &done))
	assert.Equal(t, "timed_out", done.Outcome)
	assert.Equal(t, 0, done.Relayed)
}

func TestHandleSendMessage_BackendUnavailable(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	dead.Close()
	gw := newTestGateway(t, testConfig(dead.URL))

	rec := doJSON(t, gw, http.MethodPost, "/api/send", SendMessageRequest{
		ConversationKey: "room-1",
		Sender:          "alice",
		Content:         "hi",
	})

	require.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestHandleHistory_StoreDisabled(t *testing.T) {
	backend := newFakeBackend(t, directline.FakeOptions{})
	gw := newTestGateway(t, testConfig(backend.URL))

	rec := doJSON(t, gw, http.MethodGet, "/api/conversations/room-1/history", nil)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var errResp map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&errResp))
	assert.Equal(t, "transcript store disabled", errResp["error"])
}

func TestHandleHistory_RoundTrip(t *testing.T) {
	backend := newFakeBackend(t, directline.FakeOptions{})
	cfg := testConfig(backend.URL)
	cfg.Store.Path = filepath.Join(t.TempDir(), "relay.db")
	gw := newTestGateway(t, cfg)

	send := doJSON(t, gw, http.MethodPost, "/api/send", SendMessageRequest{
		ConversationKey: "room-1",
		Sender:          "alice",
		Content:         "hello",
	})
	require.Equal(t, http.StatusOK, send.Code)

	rec := doJSON(t, gw, http.MethodGet, "/api/conversations/room-1/history", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp HistoryResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "room-1", resp.ConversationKey)
	require.Len(t, resp.Entries, 2)

	assert.Equal(t, store.DirectionInbound, resp.Entries[0].Direction)
	assert.Equal(t, "alice", resp.Entries[0].Sender)
	assert.Equal(t, "hello", resp.Entries[0].Text)

	assert.Equal(t, store.DirectionOutbound, resp.Entries[1].Direction)
	assert.Equal(t, testAgentName, resp.Entries[1].Sender)
	assert.Equal(t, "Echo: hello", resp.Entries[1].Text)
}

func TestHandleHistory_UnknownConversation(t *testing.T) {
	backend := newFakeBackend(t, directline.FakeOptions{})
	cfg := testConfig(backend.URL)
	cfg.Store.Path = filepath.Join(t.TempDir(), "relay.db")
	gw := newTestGateway(t, cfg)

	rec := doJSON(t, gw, http.MethodGet, "/api/conversations/nobody/history", nil)

	require.Equal(t, http.StatusNotFound, rec.Code)
	var errResp map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&errResp))
	assert.Equal(t, "unknown conversation", errResp["error"])
}

func TestHandleHistory_InvalidLimit(t *testing.T) {
	backend := newFakeBackend(t, directline.FakeOptions{})
	cfg := testConfig(backend.URL)
	cfg.Store.Path = filepath.Join(t.TempDir(), "relay.db")
	gw := newTestGateway(t, cfg)

	rec := doJSON(t, gw, http.MethodGet, "/api/conversations/room-1/history?limit=bogus", nil)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	var errResp map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&errResp))
	assert.Equal(t, "limit must be a positive integer", errResp["error"])
}

func TestHandleListConversations(t *testing.T) {
	backend := newFakeBackend(t, directline.FakeOptions{})
	cfg := testConfig(backend.URL)
	cfg.Store.Path = filepath.Join(t.TempDir(), "relay.db")
	gw := newTestGateway(t, cfg)

	for _, key := range []string{"room-1", "room-2"} {
		send := doJSON(t, gw, http.MethodPost, "/api/send", SendMessageRequest{
			ConversationKey: key,
			Sender:          "alice",
			Content:         "hi " + key,
		})
		require.Equal(t, http.StatusOK, send.Code)
	}

	rec := doJSON(t, gw, http.MethodGet, "/api/conversations", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp ListConversationsResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp.Conversations, 2)
	for _, conv := range resp.Conversations {
		assert.Equal(t, 2, conv.Messages)
		assert.NotEmpty(t, conv.SessionID)
	}
}

func TestHandleListConversations_StoreDisabled(t *testing.T) {
	backend := newFakeBackend(t, directline.FakeOptions{})
	gw := newTestGateway(t, testConfig(backend.URL))

	rec := doJSON(t, gw, http.MethodGet, "/api/conversations", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHandleEvents_StreamsTurnEvents(t *testing.T) {
	backend := newFakeBackend(t, directline.FakeOptions{})
	gw := newTestGateway(t, testConfig(backend.URL))

	srv := httptest.NewServer(gw.router())
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/conversations/room-1/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)

	name, data := readSSEEvent(t, reader)
	assert.Equal(t, "connected", name)
	assert.Contains(t, data, "room-1")

	gw.broadcaster.Publish(makeTurnEvent("room-1", "live update"))

	name, data = readSSEEvent(t, reader)
	assert.Equal(t, TurnEventMessage, name)
	var event TurnEvent
	require.NoError(t, json.Unmarshal([]byte(data), &event))
	assert.Equal(t, "live update", event.Text)
	assert.Equal(t, "room-1", event.ConversationKey)
}

// readSSEEvent reads one SSE event frame from a live stream.
func readSSEEvent(t *testing.T, reader *bufio.Reader) (name, data string) {
	t.Helper()
	for {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		if line == "" {
			if name != "" || data != "" {
				return name, data
			}
			continue
		}
		if after, ok := strings.CutPrefix(line, "event: "); ok {
			name = after
		} else if after, ok := strings.CutPrefix(line, "data: "); ok {
			data = after
		}
	}
}

func TestRouter_StaticAuth(t *testing.T) {
	backend := newFakeBackend(t, directline.FakeOptions{})
	cfg := testConfig(backend.URL)
	hash, err := auth.HashToken("super-secret")
	require.NoError(t, err)
	cfg.Auth = config.AuthConfig{Mode: "static", StaticTokens: []string{hash}}
	gw := newTestGateway(t, cfg)

	// Health stays open.
	health := doJSON(t, gw, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, health.Code)

	// API routes reject missing credentials.
	rec := doJSON(t, gw, http.MethodPost, "/api/conversations", CreateConversationRequest{ConversationKey: "room-1"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	// The raw token passes against its stored hash.
	body, _ := json.Marshal(CreateConversationRequest{ConversationKey: "room-1"})
	req := httptest.NewRequest(http.MethodPost, "/api/conversations", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer super-secret")
	authed := httptest.NewRecorder()
	gw.router().ServeHTTP(authed, req)
	require.Equal(t, http.StatusCreated, authed.Code)
}

func TestRouter_JWTAuth(t *testing.T) {
	backend := newFakeBackend(t, directline.FakeOptions{})
	cfg := testConfig(backend.URL)
	cfg.Auth = config.AuthConfig{Mode: "jwt", JWTSecret: "test-signing-key"}
	gw := newTestGateway(t, cfg)

	rec := doJSON(t, gw, http.MethodPost, "/api/conversations", CreateConversationRequest{ConversationKey: "room-1"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	token, err := auth.NewJWTVerifier([]byte("test-signing-key")).Generate("matrix-bridge", time.Hour)
	require.NoError(t, err)

	body, _ := json.Marshal(CreateConversationRequest{ConversationKey: "room-1"})
	req := httptest.NewRequest(http.MethodPost, "/api/conversations", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	authed := httptest.NewRecorder()
	gw.router().ServeHTTP(authed, req)
	require.Equal(t, http.StatusCreated, authed.Code)
}

func TestNew_UnknownAuthMode(t *testing.T) {
	cfg := testConfig("http://localhost:0")
	cfg.Auth.Mode = "kerberos"

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	_, err := New(cfg, logger)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown auth mode")
}

func TestHandleHealth(t *testing.T) {
	backend := newFakeBackend(t, directline.FakeOptions{})
	gw := newTestGateway(t, testConfig(backend.URL))

	rec := doJSON(t, gw, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}

func TestHandleReady(t *testing.T) {
	backend := newFakeBackend(t, directline.FakeOptions{})
	cfg := testConfig(backend.URL)
	cfg.Store.Path = filepath.Join(t.TempDir(), "relay.db")
	gw := newTestGateway(t, cfg)

	rec := doJSON(t, gw, http.MethodGet, "/health/ready", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ready")
}

func TestParseLimit(t *testing.T) {
	tests := []struct {
		name    string
		query   string
		def     int
		max     int
		want    int
		wantErr bool
	}{
		{name: "default when absent", query: "", def: 50, max: 1000, want: 50},
		{name: "explicit value", query: "limit=10", def: 50, max: 1000, want: 10},
		{name: "capped at max", query: "limit=5000", def: 50, max: 1000, want: 1000},
		{name: "zero rejected", query: "limit=0", def: 50, max: 1000, wantErr: true},
		{name: "negative rejected", query: "limit=-3", def: 50, max: 1000, wantErr: true},
		{name: "garbage rejected", query: "limit=ten", def: 50, max: 1000, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/?"+tt.query, nil)
			got, err := parseLimit(req, tt.def, tt.max)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseSendRequest_Valid(t *testing.T) {
	body := `{"conversation_key":"room-1","sender":"alice","content":"hello","text_format":"markdown","locale":"en-US","delivery_id":"evt-9"}`
	req, err := parseSendRequest(strings.NewReader(body))
	require.NoError(t, err)
	assert.Equal(t, "room-1", req.ConversationKey)
	assert.Equal(t, "alice", req.Sender)
	assert.Equal(t, "hello", req.Content)
	assert.Equal(t, directline.TextFormatMarkdown, req.TextFormat)
	assert.Equal(t, "en-US", req.Locale)
	assert.Equal(t, "evt-9", req.DeliveryID)
}
