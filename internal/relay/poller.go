// ABOUTME: Reply poller driving the bounded fetch-filter-advance loop per turn
// ABOUTME: Detects interleaved newer turns via the watermark rule and yields to them

package relay

import (
	"context"
	"log/slog"
	"time"

	"github.com/2389/relay-gateway/internal/channel"
	"github.com/2389/relay-gateway/internal/directline"
)

// PollOutcome is the terminal state of one reply poll.
type PollOutcome int

const (
	// PollCompleted means agent messages were relayed and the cursor advanced.
	PollCompleted PollOutcome = iota

	// PollAborted means a newer turn already advanced the session past this
	// poll's result; nothing was emitted and the cursor is untouched.
	PollAborted

	// PollTimedOut means no agent message appeared within the attempt budget.
	// Not an error: agents may be slow or have nothing to say.
	PollTimedOut
)

func (o PollOutcome) String() string {
	switch o {
	case PollCompleted:
		return "completed"
	case PollAborted:
		return "aborted_by_sender_interleave"
	case PollTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// ActivityFetcher is the backend read side consumed by the poller.
type ActivityFetcher interface {
	Activities(ctx context.Context, conversationID, token, watermark string) (*directline.ActivitySet, error)
}

// Sink receives the relayed batch for one turn.
type Sink interface {
	Deliver(ctx context.Context, batch []channel.OutboundActivity) error
}

// Poller repeatedly fetches a session's activity log until the agent
// replies, the attempt budget runs out, or a newer turn wins the cursor.
type Poller struct {
	backend     ActivityFetcher
	agentName   string
	interval    time.Duration
	maxAttempts int
	logger      *slog.Logger
}

// NewPoller creates a poller relaying messages sent by agentName.
// maxAttempts is normally responseTimeout / pollInterval.
func NewPoller(backend ActivityFetcher, agentName string, interval time.Duration, maxAttempts int, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Poller{
		backend:     backend,
		agentName:   agentName,
		interval:    interval,
		maxAttempts: maxAttempts,
		logger:      logger.With("component", "poller"),
	}
}

// PollAndRelay runs the poll loop for one turn. Agent-sent message
// activities are converted and delivered to the sink as a single ordered
// batch. The cursor advances only on a successful, non-stale fetch that
// contained agent messages.
func (p *Poller) PollAndRelay(ctx context.Context, entry *SessionEntry, sink Sink) PollOutcome {
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		set, err := p.backend.Activities(ctx, entry.SessionID, entry.Token, entry.Cursor())
		if err != nil {
			if ctx.Err() != nil {
				p.logger.Debug("poll canceled",
					"conversation_key", entry.Key,
					"attempt", attempt)
				return PollTimedOut
			}
			fetchErr := &PollFetchError{Key: entry.Key, Attempt: attempt, Err: err}
			p.logger.Warn("poll fetch failed",
				"conversation_key", entry.Key,
				"attempt", attempt,
				"error", fetchErr)
			if !p.wait(ctx, attempt) {
				return PollTimedOut
			}
			continue
		}

		agentMessages := filterAgentMessages(set.Activities, p.agentName)
		if len(agentMessages) == 0 {
			if !p.wait(ctx, attempt) {
				return PollTimedOut
			}
			continue
		}

		advanced, err := entry.advanceCursor(set.Watermark)
		if err != nil {
			// A watermark we cannot compare cannot safely advance the
			// cursor; treat the fetch like a failed attempt.
			p.logger.Warn("unusable watermark from backend",
				"conversation_key", entry.Key,
				"watermark", set.Watermark,
				"error", err)
			if !p.wait(ctx, attempt) {
				return PollTimedOut
			}
			continue
		}
		if !advanced {
			p.logger.Debug("stale poll yielded to newer turn",
				"conversation_key", entry.Key,
				"watermark", set.Watermark,
				"cursor", entry.Cursor())
			return PollAborted
		}

		batch := channel.Convert(agentMessages, entry.Key)
		if err := sink.Deliver(ctx, batch); err != nil {
			// The relay did its work; a sink that went away only loses
			// its own copy of the batch.
			p.logger.Warn("delivering outbound batch",
				"conversation_key", entry.Key,
				"count", len(batch),
				"error", err)
		}
		return PollCompleted
	}

	p.logger.Debug("no agent reply within budget",
		"conversation_key", entry.Key,
		"attempts", p.maxAttempts)
	return PollTimedOut
}

// wait sleeps the per-attempt interval unless this was the final attempt.
// Returns false when the context ended during the wait.
func (p *Poller) wait(ctx context.Context, attempt int) bool {
	if attempt >= p.maxAttempts {
		return true
	}
	timer := time.NewTimer(p.interval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// filterAgentMessages keeps message activities whose sender name is exactly
// the backend agent identity. User and system activities are never relayed;
// the user already sees their own messages on the originating channel.
func filterAgentMessages(activities []directline.Activity, agentName string) []directline.Activity {
	var out []directline.Activity
	for _, a := range activities {
		if a.IsMessage() && a.From.Name == agentName {
			out = append(out, a)
		}
	}
	return out
}
