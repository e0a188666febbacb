// Package bitrix is a client for the Bitrix24 REST API over an incoming webhook.
package bitrix

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// Caller performs one remote method call.
type Caller interface {
	Call(ctx context.Context, method string, params any) (*Response, error)
}

// Response is the envelope of every REST reply. Next is nil on the last page.
type Response struct {
	Result json.RawMessage `json:"result"`
	Total  int             `json:"total"`
	Next   *int            `json:"next"`
}

// Decode unmarshals the result payload into out.
func (r *Response) Decode(out any) error {
	if len(r.Result) == 0 || string(r.Result) == "null" {
		return nil
	}
	if err := json.Unmarshal(r.Result, out); err != nil {
		return fmt.Errorf("failed to decode result: %w", err)
	}
	return nil
}

// RemoteError is an error payload returned by the API.
type RemoteError struct {
	Method      string
	Status      int
	Code        string
	Description string
}

func (e *RemoteError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("bitrix %s: %s: %s", e.Method, e.Code, e.Description)
	}
	return fmt.Sprintf("bitrix %s: %s (status %d)", e.Method, e.Code, e.Status)
}

// Temporary reports whether retrying the call later may succeed.
func (e *RemoteError) Temporary() bool {
	return e.Code == "QUERY_LIMIT_EXCEEDED" || e.Status >= http.StatusInternalServerError
}

// IsTemporary reports whether err wraps a temporary RemoteError.
func IsTemporary(err error) bool {
	var re *RemoteError
	return errors.As(err, &re) && re.Temporary()
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithRateLimit limits calls to perSecond with a burst of burst.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(c *Client) {
		if perSecond <= 0 {
			c.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// Client calls methods on a webhook URL such as
// https://example.bitrix24.com/rest/1/secret.
type Client struct {
	httpClient *http.Client
	baseURL    string
	limiter    *rate.Limiter
}

var _ Caller = (*Client)(nil)

// DefaultRatePerSecond matches the documented per-portal request budget.
const DefaultRatePerSecond = 2

// NewClient creates a client for webhookURL.
func NewClient(webhookURL string, opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    strings.TrimRight(strings.TrimSpace(webhookURL), "/"),
		limiter:    rate.NewLimiter(rate.Limit(DefaultRatePerSecond), DefaultRatePerSecond),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type envelope struct {
	Response
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// Call posts params as JSON to <webhook>/<method>.json.
func (c *Client) Call(ctx context.Context, method string, params any) (*Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	if params == nil {
		params = map[string]any{}
	}
	body, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s params: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+method+".json", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("bitrix %s: %w", method, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("bitrix %s: failed to read response: %w", method, err)
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil, fmt.Errorf("bitrix %s: failed to decode response: %w", method, err)
		}
		env = envelope{}
	}

	if env.Error != "" || resp.StatusCode < 200 || resp.StatusCode >= 300 {
		code := env.Error
		if code == "" {
			code = http.StatusText(resp.StatusCode)
		}
		return nil, &RemoteError{Method: method, Status: resp.StatusCode, Code: code, Description: env.ErrorDescription}
	}

	return &env.Response, nil
}
