package msgclient

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
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

var (
	ErrValidation       = errors.New("validation error")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrForbidden        = errors.New("forbidden")
	ErrNotFound         = errors.New("not found")
	ErrInvalidRecipient = errors.New("invalid recipient")
	ErrRateLimited      = errors.New("rate limited")
	ErrTransient        = errors.New("transient store error")
)

// APIError is a non-2xx response from the server
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
	Status  int    `json:"-"`
}

func (e *APIError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%d %s: %s (%s)", e.Status, e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("%d %s: %s", e.Status, e.Code, e.Message)
}

// Unwrap maps the status onto a sentinel so callers can use errors.Is
func (e *APIError) Unwrap() error {
	switch e.Status {
	case http.StatusBadRequest:
		return ErrValidation
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusUnprocessableEntity:
		return ErrInvalidRecipient
	case http.StatusTooManyRequests:
		return ErrRateLimited
	case http.StatusServiceUnavailable:
		return ErrTransient
	}
	return nil
}

// Client calls the messaging REST API. Transient store failures (503) are
// retried with exponential backoff; every other error is returned at once.
type Client struct {
	baseURL    string
	httpClient *http.Client
	newBackOff func() backoff.BackOff
	maxRetries uint64

	mu    sync.RWMutex
	token string
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient replaces the default http.Client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithRetries sets how many times a 503 is retried
func WithRetries(n uint64) Option {
	return func(c *Client) { c.maxRetries = n }
}

// WithBackOff sets the backoff policy used between retries
func WithBackOff(fn func() backoff.BackOff) Option {
	return func(c *Client) { c.newBackOff = fn }
}

// New creates a client for the server at baseURL, e.g. https://api.example.com
func New(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
		maxRetries: 4,
		token:      token,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxInterval = 5 * time.Second
			b.MaxElapsedTime = 30 * time.Second
			return b
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken swaps the bearer token, e.g. after a refresh
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// Token returns the current bearer token
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// BaseURL returns the server root the client talks to
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Send posts a direct or partnership message
func (c *Client) Send(ctx context.Context, req SendRequest) (*Message, error) {
	var msg Message
	if err := c.do(ctx, http.MethodPost, "/api/messages/send", req, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// Conversation returns a page of the direct thread with partnerID, newest first
func (c *Client) Conversation(ctx context.Context, partnerID string, page, pageSize int) ([]Message, error) {
	var msgs []Message
	path := "/api/messages/conversation/" + url.PathEscape(partnerID) + pageQuery(page, pageSize)
	if err := c.do(ctx, http.MethodGet, path, nil, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// PartnershipMessages returns a page of a partnership thread, newest first
func (c *Client) PartnershipMessages(ctx context.Context, partnershipID uint64, page, pageSize int) ([]Message, error) {
	var msgs []Message
	path := "/api/messages/partnership/" + strconv.FormatUint(partnershipID, 10) + pageQuery(page, pageSize)
	if err := c.do(ctx, http.MethodGet, path, nil, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// Conversations returns the caller's conversation list
func (c *Client) Conversations(ctx context.Context) ([]ConversationSummary, error) {
	var list []ConversationSummary
	if err := c.do(ctx, http.MethodGet, "/api/messages/conversations", nil, &list); err != nil {
		return nil, err
	}
	return list, nil
}

// MarkRead marks one inbound message as read
func (c *Client) MarkRead(ctx context.Context, messageID uint64) error {
	return c.do(ctx, http.MethodPut, "/api/messages/"+strconv.FormatUint(messageID, 10)+"/read", nil, nil)
}

// MarkConversationRead marks inbound messages from partnerID as read, up to
// and including upToID when it is set
func (c *Client) MarkConversationRead(ctx context.Context, partnerID string, upToID *uint64) error {
	path := "/api/messages/conversation/" + url.PathEscape(partnerID) + "/read"
	if upToID != nil {
		path += "?upToId=" + strconv.FormatUint(*upToID, 10)
	}
	return c.do(ctx, http.MethodPut, path, nil, nil)
}

// UnreadCount returns the caller's total unread inbound messages
func (c *Client) UnreadCount(ctx context.Context) (int64, error) {
	var n int64
	if err := c.do(ctx, http.MethodGet, "/api/messages/unread/count", nil, &n); err != nil {
		return 0, err
	}
	return n, nil
}

// Online reports whether userID has a live realtime connection
func (c *Client) Online(ctx context.Context, userID string) (bool, error) {
	var p Presence
	if err := c.do(ctx, http.MethodGet, "/api/messages/presence/"+url.PathEscape(userID), nil, &p); err != nil {
		return false, err
	}
	return p.Online, nil
}

func pageQuery(page, pageSize int) string {
	q := url.Values{}
	if page > 0 {
		q.Set("page", strconv.Itoa(page))
	}
	if pageSize > 0 {
		q.Set("pageSize", strconv.Itoa(pageSize))
	}
	if len(q) == 0 {
		return ""
	}
	return "?" + q.Encode()
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var raw []byte
	if body != nil {
		var err error
		if raw, err = json.Marshal(body); err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(c.newBackOff(), c.maxRetries), ctx)
	return backoff.Retry(func() error {
		err := c.once(ctx, method, path, raw, out)
		if err == nil || errors.Is(err, ErrTransient) {
			return err
		}
		return backoff.Permanent(err)
	}, policy)
}

func (c *Client) once(ctx context.Context, method, path string, raw []byte, out interface{}) error {
	var reader io.Reader
	if raw != nil {
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if raw != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode}
		var envelope struct {
			Error *APIError `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&envelope) == nil && envelope.Error != nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
			apiErr.Details = envelope.Error.Details
		}
		return apiErr
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	envelope := struct {
		Data interface{} `json:"data"`
	}{Data: out}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}
