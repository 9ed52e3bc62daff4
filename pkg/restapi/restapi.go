// Package restapi is a client for the relay's REST endpoints. Sending
// through it is the canonical write path; the socket carries the echo.
package restapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/putto11262002/realtime/pkg/wire"
)

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrNotFound     = errors.New("not found")
)

// APIError is a non-2xx response.
type APIError struct {
	StatusCode int    `json:"code"`
	Message    string `json:"error"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api: %d %s", e.StatusCode, e.Message)
}

func (e *APIError) Is(target error) bool {
	switch target {
	case ErrUnauthorized:
		return e.StatusCode == http.StatusUnauthorized
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	}
	return false
}

type Session struct {
	Username  string    `json:"username"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

type Conversation struct {
	Peer   string       `json:"peer"`
	Last   wire.Message `json:"last"`
	Unread int          `json:"unread"`
}

type Client struct {
	base  *url.URL
	http  *http.Client
	token string
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

func WithToken(token string) Option {
	return func(c *Client) {
		c.token = token
	}
}

// New returns a client for the relay at baseURL, e.g. http://localhost:8080.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	c := &Client{base: u, http: &http.Client{Timeout: 15 * time.Second}}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Authorized returns a copy of c that sends token.
func (c *Client) Authorized(token string) *Client {
	cp := *c
	cp.token = token
	return &cp
}

// SocketURL derives the relay's socket endpoint from the base url.
func (c *Client) SocketURL() string {
	u := *c.base
	u.Scheme = "ws"
	if c.base.Scheme == "https" {
		u.Scheme = "wss"
	}
	u.Path = "/ws"
	u.RawQuery = ""
	return u.String()
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := c.base.JoinPath(path)
	u.RawQuery = query.Encode()

	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal body: %w", err)
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), r)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer res.Body.Close()

	if res.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: res.StatusCode}
		if err := json.NewDecoder(res.Body).Decode(apiErr); err != nil || apiErr.Message == "" {
			apiErr.Message = http.StatusText(res.StatusCode)
		}
		apiErr.StatusCode = res.StatusCode
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func (c *Client) SignIn(ctx context.Context, username, password string) (*Session, error) {
	var s Session
	err := c.do(ctx, http.MethodPost, "/api/auth/signin", nil, map[string]string{
		"username": username,
		"password": password,
	}, &s)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (c *Client) Register(ctx context.Context, name, username, password string) error {
	return c.do(ctx, http.MethodPost, "/api/users", nil, map[string]string{
		"name":     name,
		"username": username,
		"password": password,
	}, nil)
}

func (c *Client) Conversations(ctx context.Context) ([]Conversation, error) {
	var convs []Conversation
	if err := c.do(ctx, http.MethodGet, "/api/conversations", nil, nil, &convs); err != nil {
		return nil, err
	}
	return convs, nil
}

// History returns up to limit messages with peer older than before, in
// chronological order. Zero values select the server defaults.
func (c *Client) History(ctx context.Context, peer string, before time.Time, limit int) ([]wire.Message, error) {
	q := url.Values{}
	if !before.IsZero() {
		q.Set("before", before.UTC().Format(time.RFC3339Nano))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var msgs []wire.Message
	if err := c.do(ctx, http.MethodGet, "/api/conversations/"+url.PathEscape(peer)+"/messages", q, nil, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// MarkRead marks the conversation with peer read and returns how many
// messages changed.
func (c *Client) MarkRead(ctx context.Context, peer string) (int, error) {
	var res struct {
		Read int `json:"read"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/conversations/"+url.PathEscape(peer)+"/read", nil, nil, &res); err != nil {
		return 0, err
	}
	return res.Read, nil
}

func (c *Client) SendText(ctx context.Context, peer, content, clientRef string) (wire.Message, error) {
	var m wire.Message
	err := c.do(ctx, http.MethodPost, "/api/conversations/"+url.PathEscape(peer)+"/messages", nil, map[string]string{
		"content":    content,
		"client_ref": clientRef,
	}, &m)
	return m, err
}

type AttachmentRequest struct {
	ContentType wire.ContentType `json:"content_type"`
	Attachment  wire.Attachment  `json:"attachment"`
	Caption     string           `json:"caption,omitempty"`
	ClientRef   string           `json:"client_ref,omitempty"`
}

func (c *Client) SendAttachment(ctx context.Context, peer string, req AttachmentRequest) (wire.Message, error) {
	var m wire.Message
	err := c.do(ctx, http.MethodPost, "/api/conversations/"+url.PathEscape(peer)+"/attachments", nil, req, &m)
	return m, err
}

func (c *Client) Broadcast(ctx context.Context, section, title, body string) (wire.Broadcast, error) {
	var b wire.Broadcast
	err := c.do(ctx, http.MethodPost, "/api/broadcasts", nil, map[string]string{
		"section": section,
		"title":   title,
		"body":    body,
	}, &b)
	return b, err
}
