// ABOUTME: Coordinator drives one relay turn: forward inbound, poll, deliver
// ABOUTME: Wires the registry, backend client, poller, and transcript recorder

package relay

import (
	"context"
	"log/slog"
	"time"

	"github.com/2389/relay-gateway/internal/channel"
	"github.com/2389/relay-gateway/internal/directline"
)

// recordTimeout bounds transcript writes so a disconnected caller cannot
// cancel persistence of a turn that already happened.
const recordTimeout = 5 * time.Second

// InboundMessage is one channel-side message addressed to the agent.
type InboundMessage struct {
	ConversationKey string
	DeliveryID      string
	SenderID        string
	SenderName      string
	Text            string
	TextFormat      string
	Locale          string
}

// TurnResult reports how a relay turn ended. Every outcome here is a normal
// end state; transport failures surface as errors instead.
type TurnResult struct {
	ConversationKey string
	SessionID       string
	Outcome         PollOutcome
	Relayed         int
}

// ActivityPoster posts one activity into a backend session.
type ActivityPoster interface {
	PostActivity(ctx context.Context, conversationID, token string, activity directline.Activity) (string, error)
}

// Recorder persists the transcript of relayed turns. A nil Recorder
// disables recording; recording failures never fail a turn.
type Recorder interface {
	RecordInbound(ctx context.Context, msg InboundMessage, sessionID string) error
	RecordOutbound(ctx context.Context, conversationKey, sessionID string, batch []channel.OutboundActivity) error
}

// Coordinator owns the turn lifecycle for every conversation key.
type Coordinator struct {
	registry *Registry
	poster   ActivityPoster
	poller   *Poller
	recorder Recorder
	logger   *slog.Logger
}

// NewCoordinator wires a coordinator. recorder may be nil.
func NewCoordinator(registry *Registry, poster ActivityPoster, poller *Poller, recorder Recorder, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		registry: registry,
		poster:   poster,
		poller:   poller,
		recorder: recorder,
		logger:   logger.With("component", "coordinator"),
	}
}

// OnConversationStart ensures a session exists for the key without
// forwarding anything. Useful for warming a session ahead of first use.
func (c *Coordinator) OnConversationStart(ctx context.Context, key string) (*SessionEntry, error) {
	return c.registry.GetOrCreate(ctx, key)
}

// OnMessage runs one full relay turn for an inbound message: resolve the
// session, forward the message, then poll for and deliver the agent's
// reply through sink. The entry's cursor survives across turns, so a turn
// never re-delivers what an earlier turn already relayed.
func (c *Coordinator) OnMessage(ctx context.Context, msg InboundMessage, sink Sink) (*TurnResult, error) {
	entry, err := c.registry.GetOrCreate(ctx, msg.ConversationKey)
	if err != nil {
		return nil, err
	}

	entry.acquire()
	defer entry.release()

	c.recordInbound(msg, entry.SessionID)

	activity := directline.Activity{
		Type:       directline.ActivityTypeMessage,
		From:       directline.ChannelAccount{ID: msg.SenderID, Name: msg.SenderName},
		Text:       msg.Text,
		TextFormat: msg.TextFormat,
		Locale:     msg.Locale,
	}

	activityID, err := c.poster.PostActivity(ctx, entry.SessionID, entry.Token, activity)
	if err != nil {
		entry.Touch()
		return nil, &ForwardError{Key: msg.ConversationKey, Err: err}
	}

	c.logger.Debug("forwarded message",
		"conversation_key", msg.ConversationKey,
		"session_id", entry.SessionID,
		"activity_id", activityID)

	counting := &countingSink{
		inner:    sink,
		recorder: c.recorder,
		key:      msg.ConversationKey,
		session:  entry.SessionID,
		logger:   c.logger,
	}

	outcome := c.poller.PollAndRelay(ctx, entry, counting)
	entry.Touch()

	c.logger.Info("turn finished",
		"conversation_key", msg.ConversationKey,
		"session_id", entry.SessionID,
		"outcome", outcome.String(),
		"relayed", counting.relayed)

	return &TurnResult{
		ConversationKey: msg.ConversationKey,
		SessionID:       entry.SessionID,
		Outcome:         outcome,
		Relayed:         counting.relayed,
	}, nil
}

// recordInbound persists the user's message. Failures are logged and
// swallowed; the transcript is an audit trail, not a dependency.
func (c *Coordinator) recordInbound(msg InboundMessage, sessionID string) {
	if c.recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	if err := c.recorder.RecordInbound(ctx, msg, sessionID); err != nil {
		c.logger.Warn("failed to record inbound message",
			"conversation_key", msg.ConversationKey,
			"error", err)
	}
}

// countingSink forwards batches to the real sink, counts what got through,
// and mirrors each delivered batch into the recorder.
type countingSink struct {
	inner    Sink
	recorder Recorder
	key      string
	session  string
	logger   *slog.Logger
	relayed  int
}

func (s *countingSink) Deliver(ctx context.Context, batch []channel.OutboundActivity) error {
	if err := s.inner.Deliver(ctx, batch); err != nil {
		return err
	}
	s.relayed += len(batch)

	if s.recorder != nil {
		// Detach from the request context so a dropped client cannot
		// lose the record of what it was already sent.
		rctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		defer cancel()
		if err := s.recorder.RecordOutbound(rctx, s.key, s.session, batch); err != nil {
			s.logger.Warn("failed to record outbound batch",
				"conversation_key", s.key,
				"error", err)
		}
	}
	return nil
}
