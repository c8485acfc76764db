// ABOUTME: Tests for backend-to-outbound activity conversion
// ABOUTME: Covers ordering, field mapping, and markdown HTML rendering

package channel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/relay-gateway/internal/directline"
)

func TestConvert_PreservesOrderAndFields(t *testing.T) {
	now := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	activities := []directline.Activity{
		{
			Type:       directline.ActivityTypeMessage,
			ID:         "act-1",
			Timestamp:  now,
			From:       directline.ChannelAccount{ID: "agent", Name: "assistant"},
			Text:       "first reply",
			TextFormat: directline.TextFormatPlain,
			Locale:     "en-US",
		},
		{
			Type:       directline.ActivityTypeMessage,
			ID:         "act-2",
			ReplyToID:  "user-act-7",
			Timestamp:  now.Add(time.Second),
			From:       directline.ChannelAccount{ID: "agent", Name: "assistant"},
			Text:       "second reply",
			TextFormat: directline.TextFormatPlain,
			Locale:     "en-US",
		},
	}

	out := Convert(activities, "room-42")
	require.Len(t, out, 2)

	assert.Equal(t, "act-1", out[0].ID)
	assert.Equal(t, "first reply", out[0].Text)
	assert.Equal(t, "act-2", out[1].ID)
	assert.Equal(t, "user-act-7", out[1].ReplyToID)
	assert.Equal(t, "second reply", out[1].Text)

	for _, oa := range out {
		assert.Equal(t, "room-42", oa.ConversationKey)
		assert.Equal(t, "assistant", oa.SenderName)
		assert.Equal(t, "en-US", oa.Locale)
	}
	assert.Equal(t, now, out[0].Timestamp)
}

func TestConvert_MarkdownGetsHTML(t *testing.T) {
	out := Convert([]directline.Activity{{
		Type:       directline.ActivityTypeMessage,
		From:       directline.ChannelAccount{Name: "assistant"},
		Text:       "some **bold** text",
		TextFormat: directline.TextFormatMarkdown,
	}}, "room-42")

	require.Len(t, out, 1)
	assert.Equal(t, "some **bold** text", out[0].Text)
	assert.Contains(t, out[0].TextHTML, "<strong>bold</strong>")
}

func TestConvert_PlainFormatSkipsHTML(t *testing.T) {
	out := Convert([]directline.Activity{{
		Type:       directline.ActivityTypeMessage,
		From:       directline.ChannelAccount{Name: "assistant"},
		Text:       "just *text*",
		TextFormat: directline.TextFormatPlain,
	}}, "room-42")

	require.Len(t, out, 1)
	assert.Empty(t, out[0].TextHTML)
}

func TestConvert_EmptyInput(t *testing.T) {
	assert.Nil(t, Convert(nil, "room-42"))
	assert.Nil(t, Convert([]directline.Activity{}, "room-42"))
}

func TestRenderHTML(t *testing.T) {
	html, err := RenderHTML("# Title\n\nA [link](https://example.com).")
	require.NoError(t, err)
	assert.Contains(t, html, "<h1>Title</h1>")
	assert.Contains(t, html, `<a href="https://example.com">link</a>`)
}

func TestPlainText(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "strips emphasis",
			input:    "some **bold** and *italic* text",
			expected: "some bold and italic text",
		},
		{
			name:     "heading and paragraph on separate lines",
			input:    "# Title\n\nbody text",
			expected: "Title\nbody text",
		},
		{
			name:     "keeps code block content",
			input:    "before\n\n```\ncode line\n```\n\nafter",
			expected: "before\ncode line\nafter",
		},
		{
			name:     "list items",
			input:    "- one\n- two",
			expected: "one\ntwo",
		},
		{
			name:     "plain text unchanged",
			input:    "nothing fancy here",
			expected: "nothing fancy here",
		},
		{
			name:     "empty input",
			input:    "",
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, PlainText(tt.input))
		})
	}
}
