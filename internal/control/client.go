package control

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client is an HTTP client for the control surface, used by cmd/simtop
// to drive and poll a running simulator. It follows api.Client's
// functional-options construction pattern.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// NewClient constructs a Client targeting baseURL (e.g.
// "http://127.0.0.1:8080").
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// WithHTTPClient overrides the client's transport.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// call posts body (or nil) to path and decodes the resulting Envelope.
func (c *Client) call(ctx context.Context, path string, body interface{}) (Envelope, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return Envelope{}, fmt.Errorf("control client: marshal request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, reader)
	if err != nil {
		return Envelope{}, fmt.Errorf("control client: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Envelope{}, fmt.Errorf("control client: do request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Envelope{}, fmt.Errorf("control client: read response: %w", err)
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("control client: unmarshal response: %w", err)
	}
	return env, nil
}

// Configure calls /configure.
func (c *Client) Configure(ctx context.Context, iterBlock uint64) (Envelope, error) {
	return c.call(ctx, "/configure", map[string]uint64{"iter_block": iterBlock})
}

// Start calls /start.
func (c *Client) Start(ctx context.Context) (Envelope, error) {
	return c.call(ctx, "/start", nil)
}

// Pause calls /pause.
func (c *Client) Pause(ctx context.Context) (Envelope, error) {
	return c.call(ctx, "/pause", nil)
}

// Run calls /run with an optional bounded iteration count (nil for
// unbounded).
func (c *Client) Run(ctx context.Context, iterCount *uint64) (Envelope, error) {
	return c.call(ctx, "/run", map[string]*uint64{"iter_count": iterCount})
}

// WaitForPause calls /wait_for_pause.
func (c *Client) WaitForPause(ctx context.Context) (Envelope, error) {
	return c.call(ctx, "/wait_for_pause", nil)
}

// Reset calls /reset.
func (c *Client) Reset(ctx context.Context) (Envelope, error) {
	return c.call(ctx, "/reset", nil)
}

// ListAgents calls /list_agents.
func (c *Client) ListAgents(ctx context.Context) (Envelope, error) {
	return c.call(ctx, "/list_agents", nil)
}

// ListSubscribers calls /list_subscribers.
func (c *Client) ListSubscribers(ctx context.Context) (Envelope, error) {
	return c.call(ctx, "/list_subscribers", nil)
}

// GetPriceHistory calls /get_price_history.
func (c *Client) GetPriceHistory(ctx context.Context, erase bool) (Envelope, error) {
	return c.call(ctx, "/get_price_history", map[string]bool{"erase": erase})
}

// ShowPerf calls /market/showperf.
func (c *Client) ShowPerf(ctx context.Context) (Envelope, error) {
	return c.call(ctx, "/market/showperf", nil)
}
