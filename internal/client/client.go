// ABOUTME: HTTP client for the locus-dm API
// ABOUTME: Mirrors the server routes and parses the conversation event stream

package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/2389/locus-dm/internal/api"
	"github.com/2389/locus-dm/internal/auth"
)

// Error is a non-2xx API response.
type Error struct {
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("locus-dm returned %d: %s", e.StatusCode, e.Message)
}

// Retryable reports whether repeating the request may succeed.
func (e *Error) Retryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// IsRetryable reports whether err is a transport failure or a retryable API error.
func IsRetryable(err error) bool {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}
	return err != nil && !errors.Is(err, context.Canceled)
}

// Option configures a Client.
type Option func(*Client)

// WithToken authenticates with a bearer token.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithParticipant identifies as participantID through the development header.
func WithParticipant(participantID string) Option {
	return func(c *Client) { c.participant = participantID }
}

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// Client talks to one locus-dm server as one participant.
type Client struct {
	baseURL     string
	token       string
	participant string
	http        *http.Client
}

// New creates a client for baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FindOrCreateConversation returns the conversation with other, creating it if needed.
func (c *Client) FindOrCreateConversation(ctx context.Context, other, contextRef string) (*api.Conversation, error) {
	var out api.Conversation
	err := c.do(ctx, http.MethodPost, "/api/conversations", api.FindOrCreateRequest{ParticipantID: other, ContextRef: contextRef}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ListConversations returns the inbox, optionally narrowed by query.
func (c *Client) ListConversations(ctx context.Context, query string) ([]api.InboxEntry, error) {
	path := "/api/conversations"
	if query != "" {
		path += "?q=" + url.QueryEscape(query)
	}
	var out api.ConversationsResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Conversations, nil
}

// GetConversation returns a conversation the caller participates in.
func (c *Client) GetConversation(ctx context.Context, conversationID string) (*api.Conversation, error) {
	var out api.Conversation
	if err := c.do(ctx, http.MethodGet, "/api/conversations/"+url.PathEscape(conversationID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListMessages returns the ordered history of a conversation.
func (c *Client) ListMessages(ctx context.Context, conversationID string) ([]api.Message, error) {
	var out api.MessagesResponse
	if err := c.do(ctx, http.MethodGet, conversationPath(conversationID, "messages"), nil, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

// SendMessage appends content. A non-empty clientMessageID makes the call safe to retry.
func (c *Client) SendMessage(ctx context.Context, conversationID, content, clientMessageID string) (*api.Message, error) {
	var out api.Message
	req := api.SendMessageRequest{Content: content, ClientMessageID: clientMessageID}
	if err := c.do(ctx, http.MethodPost, conversationPath(conversationID, "messages"), req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// MarkRead marks the other participant's messages read and returns how many changed.
func (c *Client) MarkRead(ctx context.Context, conversationID string) (int, error) {
	var out api.MarkReadResponse
	if err := c.do(ctx, http.MethodPost, conversationPath(conversationID, "read"), nil, &out); err != nil {
		return 0, err
	}
	return out.Marked, nil
}

// UnreadCount returns the caller's unread count in a conversation.
func (c *Client) UnreadCount(ctx context.Context, conversationID string) (int, error) {
	var out api.UnreadResponse
	if err := c.do(ctx, http.MethodGet, conversationPath(conversationID, "unread"), nil, &out); err != nil {
		return 0, err
	}
	return out.Unread, nil
}

// PutProfile upserts the caller's profile summary.
func (c *Client) PutProfile(ctx context.Context, p api.ProfileRequest) error {
	return c.do(ctx, http.MethodPut, "/api/profiles/me", p, nil)
}

// PutContext upserts a context record.
func (c *Client) PutContext(ctx context.Context, id, title string) error {
	return c.do(ctx, http.MethodPut, "/api/contexts/"+url.PathEscape(id), api.ContextRequest{Title: title}, nil)
}

// Ready returns nil when the server reports its store reachable.
func (c *Client) Ready(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health/ready", nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if resp.StatusCode != http.StatusOK {
		return &Error{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	}
	return nil
}

// Event is one decoded stream event. Exactly one of Message and Read is set.
type Event struct {
	Type    string
	Message *api.Message
	Read    *api.ReadEvent
}

// StreamEvents calls onEvent for each message and read event of a conversation
// until ctx is cancelled or the server closes the stream.
func (c *Client) StreamEvents(ctx context.Context, conversationID string, onEvent func(Event)) error {
	req, err := c.newRequest(ctx, http.MethodGet, conversationPath(conversationID, "events"), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errorFromResponse(resp)
	}

	err = parseSSEStream(resp.Body, func(eventType, data string) error {
		switch eventType {
		case "message":
			var m api.Message
			if err := json.Unmarshal([]byte(data), &m); err != nil {
				return fmt.Errorf("decoding message event: %w", err)
			}
			onEvent(Event{Type: eventType, Message: &m})
		case "read":
			var r api.ReadEvent
			if err := json.Unmarshal([]byte(data), &r); err != nil {
				return fmt.Errorf("decoding read event: %w", err)
			}
			onEvent(Event{Type: eventType, Read: &r})
		}
		return nil
	})
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// parseSSEStream reads SSE events from body. Comment lines are ignored.
func parseSSEStream(body io.Reader, onEvent func(eventType, data string) error) error {
	scanner := bufio.NewScanner(body)

	var eventType string
	var dataLines []string

	for scanner.Scan() {
		line := scanner.Text()

		switch {
		case line == "":
			if eventType != "" && len(dataLines) > 0 {
				if err := onEvent(eventType, strings.Join(dataLines, "\n")); err != nil {
					return err
				}
			}
			eventType = ""
			dataLines = nil
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading event stream: %w", err)
	}
	return nil
}

func conversationPath(conversationID, sub string) string {
	return "/api/conversations/" + url.PathEscape(conversationID) + "/" + sub
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshaling request: %w", err)
		}
		rd = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	switch {
	case c.token != "":
		req.Header.Set("Authorization", "Bearer "+c.token)
	case c.participant != "":
		req.Header.Set(auth.HeaderParticipantID, c.participant)
	}
	return req, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errorFromResponse(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// errorFromResponse extracts the error message from a non-2xx response.
func errorFromResponse(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var errResp struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &errResp) == nil && errResp.Error != "" {
		return &Error{StatusCode: resp.StatusCode, Message: errResp.Error}
	}
	return &Error{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
}
