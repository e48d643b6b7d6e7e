// Package client is a Go client for the interject admin API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

type Client struct {
	BaseURL string
	HTTP    *http.Client
	APIKey  string
}

type Option func(*Client)

func WithAPIKey(key string) Option {
	return func(c *Client) {
		c.APIKey = strings.TrimSpace(key)
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.HTTP = httpClient
		}
	}
}

type Gateway struct {
	LastEventAt       string `json:"last_event_at,omitempty"`
	ReconnectAttempts int    `json:"reconnect_attempts"`
	ReconnectInFlight bool   `json:"reconnect_in_flight"`
	HasConnectedOnce  bool   `json:"has_connected_once"`
}

type Budget struct {
	Kind          string `json:"kind"`
	WindowSeconds int64  `json:"window_seconds"`
	MaxPerWindow  int    `json:"max_per_window"`
	Used          int    `json:"used"`
	Remaining     int    `json:"remaining"`
	CanAct        bool   `json:"can_act"`
}

type Status struct {
	Ready   bool           `json:"ready"`
	Gateway Gateway        `json:"gateway"`
	Queues  map[string]int `json:"queues"`
	Budgets []Budget       `json:"budgets"`
}

type Action struct {
	ID        string         `json:"id"`
	Kind      string         `json:"kind"`
	ChannelID string         `json:"channel_id,omitempty"`
	UserID    string         `json:"user_id,omitempty"`
	Content   string         `json:"content,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt string         `json:"created_at"`
}

type ForceReply struct {
	ChannelID  string `json:"channel_id"`
	EventID    string `json:"event_id"`
	AuthorID   string `json:"author_id,omitempty"`
	AuthorName string `json:"author_name,omitempty"`
	Content    string `json:"content,omitempty"`
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Healthy reports whether the bot is connected to its gateway.
func (c *Client) Healthy(ctx context.Context) (bool, error) {
	resp, err := c.do(ctx, http.MethodGet, "/healthz", nil)
	if err != nil {
		return false, err
	}
	resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusServiceUnavailable:
		return false, nil
	default:
		return false, fmt.Errorf("health failed: %d", resp.StatusCode)
	}
}

func (c *Client) Status(ctx context.Context) (Status, error) {
	var out Status
	err := c.call(ctx, http.MethodGet, "/api/status", nil, http.StatusOK, &out)
	return out, err
}

// Actions lists recent actions, newest first. An empty kind means all.
func (c *Client) Actions(ctx context.Context, kind string, limit int) ([]Action, error) {
	values := url.Values{}
	if kind != "" {
		values.Set("kind", kind)
	}
	if limit > 0 {
		values.Set("limit", strconv.Itoa(limit))
	}
	path := "/api/actions"
	if len(values) > 0 {
		path += "?" + values.Encode()
	}
	var out struct {
		Actions []Action `json:"actions"`
	}
	err := c.call(ctx, http.MethodGet, path, nil, http.StatusOK, &out)
	return out.Actions, err
}

// Settings returns the bot settings document as raw JSON.
func (c *Client) Settings(ctx context.Context) (json.RawMessage, error) {
	var out json.RawMessage
	err := c.call(ctx, http.MethodGet, "/api/settings", nil, http.StatusOK, &out)
	return out, err
}

// UpdateSettings merges patch over the current settings and returns the
// normalized result.
func (c *Client) UpdateSettings(ctx context.Context, patch any) (json.RawMessage, error) {
	var out json.RawMessage
	err := c.call(ctx, http.MethodPut, "/api/settings", patch, http.StatusOK, &out)
	return out, err
}

// ForceReply queues a reply to an existing message. It reports false when
// the bot refused the job as a duplicate or over capacity.
func (c *Client) ForceReply(ctx context.Context, req ForceReply) (bool, error) {
	resp, err := c.do(ctx, http.MethodPost, "/api/replies", req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusAccepted:
		return true, nil
	case http.StatusConflict:
		return false, nil
	default:
		return false, fmt.Errorf("force reply failed: %d", resp.StatusCode)
	}
}

func (c *Client) call(ctx context.Context, method, path string, payload any, want int, out any) error {
	resp, err := c.do(ctx, method, path, payload)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != want {
		return fmt.Errorf("%s %s failed: %d", method, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) do(ctx context.Context, method, path string, payload any) (*http.Response, error) {
	var body *bytes.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(buf)
	}
	var req *http.Request
	var err error
	if body != nil {
		req, err = http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	} else {
		req, err = http.NewRequestWithContext(ctx, method, c.BaseURL+path, nil)
	}
	if err != nil {
		return nil, err
	}
	c.applyHeaders(req)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.HTTP.Do(req)
}

func (c *Client) applyHeaders(req *http.Request) {
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}
}
