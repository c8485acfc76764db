// ABOUTME: HTTP client for the Direct Line-style backend API
// ABOUTME: Creates sessions, posts user activities, and fetches activity pages

package directline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client errors
var (
	// ErrUnauthorized means the secret or session token was rejected.
	ErrUnauthorized = errors.New("backend rejected credentials")

	// ErrConversationNotFound means the backend no longer knows the session.
	ErrConversationNotFound = errors.New("conversation not found")
)

const conversationsPath = "/v3/directline/conversations"

// Client talks to the backend's streaming-activity HTTP API.
type Client struct {
	baseURL string
	secret  string
	client  *http.Client
}

// NewClient creates a backend client. The secret authorizes session
// creation; per-session calls use the token returned by StartConversation.
func NewClient(baseURL, secret string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		secret:  secret,
		client:  &http.Client{Timeout: timeout},
	}
}

// StartConversation creates a new backend session and returns its
// conversation handle and scoped token.
func (c *Client) StartConversation(ctx context.Context) (*Session, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+conversationsPath, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	c.authorize(req, c.secret)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("starting conversation: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return nil, c.statusError(resp)
	}

	var session Session
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return nil, fmt.Errorf("decoding session: %w", err)
	}
	if session.ConversationID == "" {
		return nil, fmt.Errorf("backend returned empty conversation id")
	}
	return &session, nil
}

// PostActivity appends an activity to the conversation's log and returns
// the backend-assigned activity ID.
func (c *Client) PostActivity(ctx context.Context, conversationID, token string, activity Activity) (string, error) {
	body, err := json.Marshal(activity)
	if err != nil {
		return "", fmt.Errorf("marshaling activity: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.conversationURL(conversationID)+"/activities", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req, token)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("posting activity: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", c.statusError(resp)
	}

	var rr ResourceResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		return "", fmt.Errorf("decoding response: %w", err)
	}
	return rr.ID, nil
}

// Activities fetches the activity page at or after the given watermark.
// An empty watermark means the beginning of the conversation's history.
func (c *Client) Activities(ctx context.Context, conversationID, token, watermark string) (*ActivitySet, error) {
	u := c.conversationURL(conversationID) + "/activities"
	if watermark != "" {
		u += "?watermark=" + url.QueryEscape(watermark)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	c.authorize(req, token)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching activities: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.statusError(resp)
	}

	var set ActivitySet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return nil, fmt.Errorf("decoding activity set: %w", err)
	}
	return &set, nil
}

func (c *Client) conversationURL(conversationID string) string {
	return c.baseURL + conversationsPath + "/" + url.PathEscape(conversationID)
}

func (c *Client) authorize(req *http.Request, credential string) {
	if credential != "" {
		req.Header.Set("Authorization", "Bearer "+credential)
	}
}

// statusError maps a non-2xx response to an error, preserving the backend's
// error message when the body carries one.
func (c *Client) statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var base error
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		base = ErrUnauthorized
	case http.StatusNotFound:
		base = ErrConversationNotFound
	}

	var errResp ErrorResponse
	if json.Unmarshal(body, &errResp) == nil && errResp.Error != "" {
		if base != nil {
			return fmt.Errorf("%w: %s", base, errResp.Error)
		}
		return fmt.Errorf("backend error (%d): %s", resp.StatusCode, errResp.Error)
	}

	if base != nil {
		return fmt.Errorf("%w (status %d)", base, resp.StatusCode)
	}
	return fmt.Errorf("backend returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
}
