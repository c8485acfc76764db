// ABOUTME: In-memory implementation of the Direct Line-style backend protocol
// ABOUTME: Backs cmd/fake-directline and integration-style tests with an echo agent

package directline

import (
	"crypto/sha256"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/2389/relay-gateway/internal/auth"
)

// FakeOptions configures the fake backend's behavior.
type FakeOptions struct {
	// Secret is the bearer credential required to create sessions.
	// Empty disables authentication entirely.
	Secret string

	// Reply produces the agent's reply text for a user message.
	// Nil selects a simple echo reply.
	Reply func(userText string) string

	// ReplyDelay delays the agent reply's appearance in the activity log,
	// to exercise poll timeouts and interleaving.
	ReplyDelay time.Duration

	Logger *slog.Logger
}

// FakeServer implements the backend protocol in memory: per-conversation
// activity logs with integer watermarks and a configurable reply agent.
type FakeServer struct {
	agentName string
	secret    string
	tokens    *auth.JWTVerifier
	reply     func(string) string
	delay     time.Duration
	logger    *slog.Logger

	mu     sync.Mutex
	convs  map[string]*fakeConversation
	closed bool
}

type fakeConversation struct {
	id  string
	log []Activity
}

// NewFakeServer creates a fake backend whose agent replies under the given
// sender name.
func NewFakeServer(agentName string, opts FakeOptions) *FakeServer {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	reply := opts.Reply
	if reply == nil {
		reply = func(text string) string {
			return "Echo: " + text
		}
	}
	return &FakeServer{
		agentName: agentName,
		secret:    opts.Secret,
		tokens:    auth.NewJWTVerifier(deriveTokenKey(opts.Secret)),
		reply:     reply,
		delay:     opts.ReplyDelay,
		logger:    logger.With("component", "fake-directline"),
		convs:     make(map[string]*fakeConversation),
	}
}

// Handler returns the HTTP handler serving the backend protocol.
func (s *FakeServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Post(conversationsPath, s.handleCreate)
	r.Route(conversationsPath+"/{conversationID}/activities", func(r chi.Router) {
		r.Post("/", s.handlePostActivity)
		r.Get("/", s.handleGetActivities)
	})
	return r
}

// Close stops delayed agent replies from being appended.
func (s *FakeServer) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

// Len returns the number of live conversations.
func (s *FakeServer) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.convs)
}

func (s *FakeServer) handleCreate(w http.ResponseWriter, r *http.Request) {
	if s.secret != "" && bearerToken(r) != s.secret {
		writeJSONError(w, http.StatusUnauthorized, "invalid secret")
		return
	}

	conv := &fakeConversation{id: uuid.New().String()}
	s.mu.Lock()
	s.convs[conv.id] = conv
	s.mu.Unlock()

	token, err := s.tokens.Generate(conv.id, time.Hour)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "minting token: "+err.Error())
		return
	}

	s.logger.Debug("conversation created", "conversation_id", conv.id)
	writeJSON(w, http.StatusCreated, Session{
		ConversationID: conv.id,
		Token:          token,
		ExpiresIn:      3600,
	})
}

func (s *FakeServer) handlePostActivity(w http.ResponseWriter, r *http.Request) {
	convID := chi.URLParam(r, "conversationID")
	if !s.authorizeConversation(w, r, convID) {
		return
	}

	var activity Activity
	if err := json.NewDecoder(r.Body).Decode(&activity); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid activity: "+err.Error())
		return
	}
	activity.ID = uuid.New().String()
	activity.Timestamp = time.Now().UTC()

	s.mu.Lock()
	conv, ok := s.convs[convID]
	if !ok {
		s.mu.Unlock()
		writeJSONError(w, http.StatusNotFound, "unknown conversation")
		return
	}
	conv.log = append(conv.log, activity)
	s.mu.Unlock()

	if activity.IsMessage() && activity.From.Name != s.agentName {
		s.scheduleReply(convID, activity)
	}

	writeJSON(w, http.StatusOK, ResourceResponse{ID: activity.ID})
}

func (s *FakeServer) handleGetActivities(w http.ResponseWriter, r *http.Request) {
	convID := chi.URLParam(r, "conversationID")
	if !s.authorizeConversation(w, r, convID) {
		return
	}

	since := 0
	if raw := r.URL.Query().Get("watermark"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeJSONError(w, http.StatusBadRequest, "invalid watermark")
			return
		}
		since = n
	}

	s.mu.Lock()
	conv, ok := s.convs[convID]
	if !ok {
		s.mu.Unlock()
		writeJSONError(w, http.StatusNotFound, "unknown conversation")
		return
	}
	total := len(conv.log)
	var page []Activity
	if since < total {
		page = append(page, conv.log[since:]...)
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, ActivitySet{
		Activities: page,
		Watermark:  strconv.Itoa(total),
	})
}

// scheduleReply appends the agent's reply to the conversation log, after the
// configured delay when one is set.
func (s *FakeServer) scheduleReply(convID string, userActivity Activity) {
	appendReply := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closed {
			return
		}
		conv, ok := s.convs[convID]
		if !ok {
			return
		}
		conv.log = append(conv.log, Activity{
			Type:       ActivityTypeMessage,
			ID:         uuid.New().String(),
			ReplyToID:  userActivity.ID,
			Timestamp:  time.Now().UTC(),
			From:       ChannelAccount{ID: "agent", Name: s.agentName},
			Text:       s.reply(userActivity.Text),
			TextFormat: TextFormatMarkdown,
			Locale:     userActivity.Locale,
		})
	}

	if s.delay > 0 {
		time.AfterFunc(s.delay, appendReply)
		return
	}
	appendReply()
}

// authorizeConversation accepts the service secret or a session token whose
// subject matches the conversation. Writes the error response on failure.
func (s *FakeServer) authorizeConversation(w http.ResponseWriter, r *http.Request, convID string) bool {
	if s.secret == "" {
		return true
	}
	token := bearerToken(r)
	if token == "" {
		writeJSONError(w, http.StatusUnauthorized, "missing credentials")
		return false
	}
	if token == s.secret {
		return true
	}
	sub, err := s.tokens.Verify(token)
	if err != nil {
		writeJSONError(w, http.StatusUnauthorized, "invalid token")
		return false
	}
	if sub != convID {
		writeJSONError(w, http.StatusForbidden, "token not valid for this conversation")
		return false
	}
	return true
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimPrefix(header, "Bearer ")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// deriveTokenKey creates a deterministic signing key from the service secret.
func deriveTokenKey(secret string) []byte {
	h := sha256.Sum256([]byte("fake-directline-tokens:" + secret))
	return h[:]
}
