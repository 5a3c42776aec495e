// Package client is the Go SDK for the chat server's REST API.
//
// # Quick start
//
//	c := client.New("https://chat.example.com/api", client.WithToken(token))
//
//	// Pull
//	chans, err := c.Channels(ctx)
//	msgs, err := c.Messages(ctx, "general", client.Since(cursor), client.Limit(100))
//
//	// Push
//	msg, err := c.SendMessage(ctx, &client.Message{ChannelID: "general", Content: "hi"})
//	_, err = c.React(ctx, msg.ID, "👍", true)
//
// # Error handling
//
// All methods return an *APIError when the server responds with a non-2xx
// status code. Use errors.As, IsNotFound or IsRetryable to inspect it.
//
// # Connection reuse
//
// Client is safe for concurrent use. It shares a single http.Client internally
// so connections are reused across goroutines.
package client

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/snehjoshi/chatsync/internal/types"
)

// Entity types are shared with the sync engine.
type (
	Channel   = types.Channel
	Message   = types.Message
	User      = types.User
	Reaction  = types.Reaction
	Tombstone = types.Tombstone
)

// ─── Error type ───────────────────────────────────────────────────────────────

// APIError is returned when the chat server responds with a non-2xx status.
type APIError struct {
	StatusCode int    // HTTP status code
	Message    string // "error" field from the JSON response body
}

func (e *APIError) Error() string {
	return fmt.Sprintf("chatsync: server returned %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether the error is a 404 from the server.
func IsNotFound(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusNotFound
}

// IsConflict reports whether the error is a 409 from the server.
func IsConflict(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusConflict
}

// IsRetryable reports whether err is worth another attempt: transport
// failures, 408, 429 and 5xx. Other 4xx responses will fail again.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var ae *APIError
	if !errors.As(err, &ae) {
		return true
	}
	switch {
	case ae.StatusCode == http.StatusRequestTimeout, ae.StatusCode == http.StatusTooManyRequests:
		return true
	case ae.StatusCode >= 500:
		return true
	}
	return false
}

// ─── Client options ───────────────────────────────────────────────────────────

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithToken sends token as a bearer credential on every request.
func WithToken(token string) ClientOption {
	return func(c *Client) { c.token = func() string { return token } }
}

// WithTokenSource reads the bearer token on every request, for tokens that
// are refreshed while the client lives.
func WithTokenSource(fn func() string) ClientOption {
	return func(c *Client) { c.token = fn }
}

// WithSigningSecret signs every request body with HMAC-SHA256 in the
// X-Chatsync-Signature header.
func WithSigningSecret(secret string) ClientOption {
	return func(c *Client) { c.secret = secret }
}

// WithHTTPClient replaces the default http.Client.
// Use this to configure TLS, proxies, or request tracing.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// WithTimeout sets the per-request timeout.
// The default is 30 seconds.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.http.Timeout = d }
}

// ─── Client ───────────────────────────────────────────────────────────────────

// Client is the chat server API client. It is safe for concurrent use.
type Client struct {
	baseURL string
	token   func() string
	secret  string
	http    *http.Client
}

// New creates a Client for the server at baseURL.
//
//	c := client.New("http://localhost:4000")
//	c := client.New("https://chat.example.com/api", client.WithToken(tok))
func New(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// ─── Fetch options ────────────────────────────────────────────────────────────

// FetchOption configures a Messages call.
type FetchOption func(*fetchParams)

// Since asks only for messages modified after ms (Unix milliseconds).
// Zero fetches the latest page.
func Since(ms int64) FetchOption {
	return func(p *fetchParams) { p.since = ms }
}

// Limit caps the number of returned messages.
func Limit(n int) FetchOption {
	return func(p *fetchParams) { p.limit = n }
}

// Before pages backwards from the given message id.
func Before(messageID string) FetchOption {
	return func(p *fetchParams) { p.before = messageID }
}

// ─── Pull ─────────────────────────────────────────────────────────────────────

// Channels returns every channel the token's user belongs to.
func (c *Client) Channels(ctx context.Context) ([]*Channel, error) {
	var resp struct {
		Channels []*Channel `json:"channels"`
	}
	if err := c.do(ctx, http.MethodGet, "/channels", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Channels, nil
}

// Messages returns messages of one channel, oldest first. Deleted messages
// within the window come back with Deleted set.
func (c *Client) Messages(ctx context.Context, channelID string, opts ...FetchOption) ([]*Message, error) {
	p := &fetchParams{}
	for _, o := range opts {
		o(p)
	}
	q := url.Values{}
	if p.since > 0 {
		q.Set("since", strconv.FormatInt(p.since, 10))
	}
	if p.limit > 0 {
		q.Set("limit", strconv.Itoa(p.limit))
	}
	if p.before != "" {
		q.Set("before", p.before)
	}
	path := fmt.Sprintf("/channels/%s/messages", url.PathEscape(channelID))
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var resp struct {
		Messages []*Message `json:"messages"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

// Users returns every user visible to the token's user.
func (c *Client) Users(ctx context.Context) ([]*User, error) {
	var resp struct {
		Users []*User `json:"users"`
	}
	if err := c.do(ctx, http.MethodGet, "/users", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Users, nil
}

// ─── Messages ─────────────────────────────────────────────────────────────────

// SendMessage posts msg to its channel and returns the server copy. The
// server echoes ClientID so the caller can match the optimistic copy.
func (c *Client) SendMessage(ctx context.Context, msg *Message) (*Message, error) {
	body := sendPayload{
		ClientID: msg.ClientID,
		Content:  msg.Content,
		ThreadID: msg.ThreadID,
	}
	var out Message
	path := fmt.Sprintf("/channels/%s/messages", url.PathEscape(msg.ChannelID))
	if err := c.do(ctx, http.MethodPost, path, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// EditMessage replaces the text of an existing message.
func (c *Client) EditMessage(ctx context.Context, id, content string) (*Message, error) {
	var out Message
	path := "/messages/" + url.PathEscape(id)
	if err := c.do(ctx, http.MethodPatch, path, map[string]string{"content": content}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteMessage removes a message. The returned tombstone carries the
// server's deletion time. Deleting an already deleted message is a 404.
func (c *Client) DeleteMessage(ctx context.Context, id string) (*Tombstone, error) {
	var out Tombstone
	if err := c.do(ctx, http.MethodDelete, "/messages/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	if out.ID == "" {
		out.ID = id
		out.ItemType = types.ItemMessage
	}
	return &out, nil
}

// React adds (add == true) or removes the caller's emoji reaction and returns
// the updated message.
func (c *Client) React(ctx context.Context, messageID, emoji string, add bool) (*Message, error) {
	method, path := http.MethodPost, fmt.Sprintf("/messages/%s/reactions", url.PathEscape(messageID))
	var body any = map[string]string{"emoji": emoji}
	if !add {
		method, body = http.MethodDelete, nil
		path += "/" + url.PathEscape(emoji)
	}
	var out Message
	if err := c.do(ctx, method, path, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ─── Signals ──────────────────────────────────────────────────────────────────

// MarkRead records that the caller has read the channel up to messageID.
func (c *Client) MarkRead(ctx context.Context, channelID, messageID string) error {
	path := fmt.Sprintf("/channels/%s/read", url.PathEscape(channelID))
	return c.do(ctx, http.MethodPost, path, map[string]string{"message_id": messageID}, nil)
}

// Typing starts or stops the caller's typing indicator in a channel.
func (c *Client) Typing(ctx context.Context, channelID string, typing bool) error {
	path := fmt.Sprintf("/channels/%s/typing", url.PathEscape(channelID))
	return c.do(ctx, http.MethodPost, path, map[string]bool{"typing": typing}, nil)
}

// SetPresence publishes the caller's presence status.
func (c *Client) SetPresence(ctx context.Context, status string) error {
	return c.do(ctx, http.MethodPut, "/presence", map[string]string{"status": status}, nil)
}

// ─── Channels and users ───────────────────────────────────────────────────────

// UpsertChannel creates or updates a channel and returns the server copy.
func (c *Client) UpsertChannel(ctx context.Context, ch *Channel) (*Channel, error) {
	var out Channel
	if err := c.do(ctx, http.MethodPut, "/channels/"+url.PathEscape(ch.ID), ch, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteChannel removes a channel.
func (c *Client) DeleteChannel(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/channels/"+url.PathEscape(id), nil, nil)
}

// UpdateUser updates a user's profile and returns the server copy.
func (c *Client) UpdateUser(ctx context.Context, u *User) (*User, error) {
	var out User
	if err := c.do(ctx, http.MethodPatch, "/users/"+url.PathEscape(u.ID), u, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ─── Observability ────────────────────────────────────────────────────────────

// HealthInfo contains the data returned by the /health endpoint.
type HealthInfo struct {
	Status  string
	Version string
	Time    time.Time
}

// Health checks the server's /health endpoint.
func (c *Client) Health(ctx context.Context) (*HealthInfo, error) {
	var resp struct {
		Status  string `json:"status"`
		Version string `json:"version"`
		TimeMs  int64  `json:"time_ms"`
	}
	if err := c.do(ctx, http.MethodGet, "/health", nil, &resp); err != nil {
		return nil, err
	}
	return &HealthInfo{
		Status:  resp.Status,
		Version: resp.Version,
		Time:    time.UnixMilli(resp.TimeMs).UTC(),
	}, nil
}

// ─── HTTP transport ───────────────────────────────────────────────────────────

// do performs a single HTTP request.
// body is encoded as JSON when non-nil, resp is decoded from JSON when non-nil.
// A 204 No Content response is treated as success with no body.
func (c *Client) do(ctx context.Context, method, path string, body, resp any) error {
	var data []byte
	var reqBody io.Reader
	if body != nil {
		var err error
		data, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("chatsync: marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("chatsync: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != nil {
		if tok := c.token(); tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}
	if c.secret != "" && data != nil {
		req.Header.Set("X-Chatsync-Signature", "sha256="+Sign(c.secret, data))
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-Id", uuid.NewString())

	httpResp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("chatsync: request %s %s: %w", method, path, err)
	}
	defer httpResp.Body.Close()

	// Success without body
	if httpResp.StatusCode == http.StatusNoContent {
		return nil
	}

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return fmt.Errorf("chatsync: read response body: %w", err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		var errResp struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(respBody, &errResp)
		msg := errResp.Error
		if msg == "" {
			msg = http.StatusText(httpResp.StatusCode)
		}
		return &APIError{StatusCode: httpResp.StatusCode, Message: msg}
	}

	if resp != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, resp); err != nil {
			return fmt.Errorf("chatsync: decode response: %w", err)
		}
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of body under secret, the value carried
// after "sha256=" in X-Chatsync-Signature.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// ─── Internal wire types ──────────────────────────────────────────────────────

type fetchParams struct {
	since  int64
	limit  int
	before string
}

type sendPayload struct {
	ClientID string `json:"client_id,omitempty"`
	Content  string `json:"content"`
	ThreadID string `json:"thread_id,omitempty"`
}
