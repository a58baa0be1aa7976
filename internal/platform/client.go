// Package platform talks to the external messaging platform's REST API:
// reachability probes for the connection manager and cursor-paginated
// conversation and message fetches for the polling ingestion path.
package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

const maxResponseBytes = 4 << 20

// Client is a thin REST client for the messaging platform.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient builds a client for the given API base URL. Every request runs
// under the supplied timeout.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

// Identity is a sender or recipient reference.
type Identity struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// Conversation is one thread on the platform side.
type Conversation struct {
	ID          string `json:"id"`
	UpdatedTime string `json:"updated_time"`
}

// Message is one raw platform message, prior to any trust evaluation.
type Message struct {
	ID          string     `json:"id"`
	CreatedTime string     `json:"created_time"`
	From        Identity   `json:"from"`
	To          []Identity `json:"to"`
	Text        string     `json:"message"`
	IsEcho      bool       `json:"is_echo"`
	Sponsored   bool       `json:"sponsored"`
	Hidden      bool       `json:"is_hidden"`
	Removed     bool       `json:"is_removed"`
}

// Cursors carries the platform's pagination cursors.
type Cursors struct {
	Before string `json:"before"`
	After  string `json:"after"`
}

// ConversationPage is one page of conversations.
type ConversationPage struct {
	Data    []Conversation
	Cursors Cursors
}

// MessagePage is one page of messages within a conversation.
type MessagePage struct {
	Data    []Message
	Cursors Cursors
}

// Ping performs an authenticated no-op call, verifying both reachability and
// the supplied access token.
func (c *Client) Ping(ctx context.Context, accessToken string) error {
	var out struct {
		ID string `json:"id"`
	}
	return c.get(ctx, "/me", url.Values{"access_token": {accessToken}}, &out)
}

// CheckSubscription probes the webhook subscription endpoint, confirming the
// platform can reach back to us with pushed events.
func (c *Client) CheckSubscription(ctx context.Context, accessToken string) error {
	var out struct {
		Data []struct {
			Object string `json:"object"`
			Active bool   `json:"active"`
		} `json:"data"`
	}
	if err := c.get(ctx, "/app/subscriptions", url.Values{"access_token": {accessToken}}, &out); err != nil {
		return err
	}
	for _, sub := range out.Data {
		if sub.Active {
			return nil
		}
	}
	return &APIError{Kind: ErrorGeneric, Message: "no active webhook subscription"}
}

// Conversations fetches one page of recent conversations for an account.
// An empty after cursor fetches the newest page.
func (c *Client) Conversations(ctx context.Context, accountID, accessToken, after string, limit int) (ConversationPage, error) {
	query := url.Values{
		"access_token": {accessToken},
		"limit":        {strconv.Itoa(limit)},
	}
	if after != "" {
		query.Set("after", after)
	}

	var out struct {
		Data   []Conversation `json:"data"`
		Paging struct {
			Cursors Cursors `json:"cursors"`
		} `json:"paging"`
	}
	if err := c.get(ctx, "/"+url.PathEscape(accountID)+"/conversations", query, &out); err != nil {
		return ConversationPage{}, err
	}
	return ConversationPage{Data: out.Data, Cursors: out.Paging.Cursors}, nil
}

// Messages fetches one page of messages for a conversation, newest first.
func (c *Client) Messages(ctx context.Context, conversationID, accessToken, after string, limit int) (MessagePage, error) {
	query := url.Values{
		"access_token": {accessToken},
		"fields":       {"id,created_time,from,to,message,is_echo,sponsored,is_hidden,is_removed"},
		"limit":        {strconv.Itoa(limit)},
	}
	if after != "" {
		query.Set("after", after)
	}

	var out struct {
		Data   []Message `json:"data"`
		Paging struct {
			Cursors Cursors `json:"cursors"`
		} `json:"paging"`
	}
	if err := c.get(ctx, "/"+url.PathEscape(conversationID)+"/messages", query, &out); err != nil {
		return MessagePage{}, err
	}
	return MessagePage{Data: out.Data, Cursors: out.Paging.Cursors}, nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+query.Encode(), nil)
	if err != nil {
		return fmt.Errorf("platform: build request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("%w: read response: %v", ErrNetwork, err)
	}

	if resp.StatusCode != http.StatusOK {
		return decodeAPIError(body, resp.StatusCode)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("platform: decode response: %w", err)
	}
	return nil
}

func decodeAPIError(body []byte, status int) error {
	var envelope struct {
		Error struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil || envelope.Error.Message == "" {
		return &APIError{Kind: ErrorGeneric, Code: status, Message: fmt.Sprintf("unexpected status %d", status)}
	}
	return &APIError{
		Kind:    classifyCode(envelope.Error.Code),
		Code:    envelope.Error.Code,
		Message: envelope.Error.Message,
	}
}

// ParseTimestamp parses the platform's message timestamps, which arrive
// either as RFC3339 or with a zone offset lacking the colon.
func ParseTimestamp(value string) (time.Time, bool) {
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05-0700"} {
		if ts, err := time.Parse(layout, value); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}
