// ABOUTME: Integration-style tests for the backend client against the fake server
// ABOUTME: Covers session creation, activity posting, watermark paging and auth failures

package directline

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBackend(t *testing.T, opts FakeOptions) (*FakeServer, *Client) {
	t.Helper()
	fake := NewFakeServer("assistant", opts)
	srv := httptest.NewServer(fake.Handler())
	t.Cleanup(srv.Close)
	t.Cleanup(fake.Close)
	return fake, NewClient(srv.URL, opts.Secret, 5*time.Second)
}

func TestClient_StartConversation(t *testing.T) {
	_, client := newTestBackend(t, FakeOptions{Secret: "dl-secret"})

	session, err := client.StartConversation(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, session.ConversationID)
	assert.NotEmpty(t, session.Token)
	assert.Equal(t, 3600, session.ExpiresIn)
}

func TestClient_StartConversation_BadSecret(t *testing.T) {
	fake := NewFakeServer("assistant", FakeOptions{Secret: "dl-secret"})
	srv := httptest.NewServer(fake.Handler())
	t.Cleanup(srv.Close)

	client := NewClient(srv.URL, "wrong-secret", 5*time.Second)
	_, err := client.StartConversation(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestClient_PostActivity_AgentReplies(t *testing.T) {
	_, client := newTestBackend(t, FakeOptions{Secret: "dl-secret"})
	ctx := context.Background()

	session, err := client.StartConversation(ctx)
	require.NoError(t, err)

	id, err := client.PostActivity(ctx, session.ConversationID, session.Token, Activity{
		Type: ActivityTypeMessage,
		From: ChannelAccount{ID: "user-1", Name: "alice"},
		Text: "hello there",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	set, err := client.Activities(ctx, session.ConversationID, session.Token, "")
	require.NoError(t, err)
	require.Len(t, set.Activities, 2)
	assert.Equal(t, "alice", set.Activities[0].From.Name)
	assert.Equal(t, "assistant", set.Activities[1].From.Name)
	assert.Equal(t, "Echo: hello there", set.Activities[1].Text)
	assert.Equal(t, set.Activities[0].ID, set.Activities[1].ReplyToID)
	assert.Equal(t, "2", set.Watermark)
}

func TestClient_Activities_WatermarkPaging(t *testing.T) {
	_, client := newTestBackend(t, FakeOptions{Secret: "dl-secret"})
	ctx := context.Background()

	session, err := client.StartConversation(ctx)
	require.NoError(t, err)

	_, err = client.PostActivity(ctx, session.ConversationID, session.Token, Activity{
		Type: ActivityTypeMessage,
		From: ChannelAccount{ID: "user-1", Name: "alice"},
		Text: "first",
	})
	require.NoError(t, err)

	// First page: user message plus echo
	set, err := client.Activities(ctx, session.ConversationID, session.Token, "")
	require.NoError(t, err)
	require.Len(t, set.Activities, 2)
	require.Equal(t, "2", set.Watermark)

	// Nothing new past the watermark
	set, err = client.Activities(ctx, session.ConversationID, session.Token, set.Watermark)
	require.NoError(t, err)
	assert.Empty(t, set.Activities)
	assert.Equal(t, "2", set.Watermark)

	// A second turn appears after the watermark only
	_, err = client.PostActivity(ctx, session.ConversationID, session.Token, Activity{
		Type: ActivityTypeMessage,
		From: ChannelAccount{ID: "user-1", Name: "alice"},
		Text: "second",
	})
	require.NoError(t, err)

	set, err = client.Activities(ctx, session.ConversationID, session.Token, "2")
	require.NoError(t, err)
	require.Len(t, set.Activities, 2)
	assert.Equal(t, "second", set.Activities[0].Text)
	assert.Equal(t, "Echo: second", set.Activities[1].Text)
	assert.Equal(t, "4", set.Watermark)
}

func TestClient_Activities_UnknownConversation(t *testing.T) {
	_, client := newTestBackend(t, FakeOptions{})

	_, err := client.Activities(context.Background(), "no-such-conversation", "", "")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConversationNotFound)
}

func TestClient_TokenScopedToConversation(t *testing.T) {
	_, client := newTestBackend(t, FakeOptions{Secret: "dl-secret"})
	ctx := context.Background()

	first, err := client.StartConversation(ctx)
	require.NoError(t, err)
	second, err := client.StartConversation(ctx)
	require.NoError(t, err)

	// A token for one conversation must not read another's log
	_, err = client.Activities(ctx, first.ConversationID, second.Token, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestFakeServer_DelayedReply(t *testing.T) {
	_, client := newTestBackend(t, FakeOptions{ReplyDelay: 50 * time.Millisecond})
	ctx := context.Background()

	session, err := client.StartConversation(ctx)
	require.NoError(t, err)

	_, err = client.PostActivity(ctx, session.ConversationID, session.Token, Activity{
		Type: ActivityTypeMessage,
		From: ChannelAccount{ID: "user-1", Name: "alice"},
		Text: "slow reply please",
	})
	require.NoError(t, err)

	// The reply is not in the log yet
	set, err := client.Activities(ctx, session.ConversationID, session.Token, "")
	require.NoError(t, err)
	assert.Len(t, set.Activities, 1)

	// But it appears after the configured delay
	require.Eventually(t, func() bool {
		set, err := client.Activities(ctx, session.ConversationID, session.Token, "")
		return err == nil && len(set.Activities) == 2
	}, time.Second, 10*time.Millisecond)
}

func TestFakeServer_IgnoresNonMessageActivities(t *testing.T) {
	_, client := newTestBackend(t, FakeOptions{})
	ctx := context.Background()

	session, err := client.StartConversation(ctx)
	require.NoError(t, err)

	_, err = client.PostActivity(ctx, session.ConversationID, session.Token, Activity{
		Type: ActivityTypeTyping,
		From: ChannelAccount{ID: "user-1", Name: "alice"},
	})
	require.NoError(t, err)

	set, err := client.Activities(ctx, session.ConversationID, session.Token, "")
	require.NoError(t, err)
	require.Len(t, set.Activities, 1)
	assert.Equal(t, ActivityTypeTyping, set.Activities[0].Type)
}
