// Package client is a Go client for the policy gateway HTTP API
package client

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

	"github.com/policygate/policygate/internal/common/middleware"
)

// Client talks to one gateway
type Client struct {
	baseURL    string
	adminKey   string
	token      string
	httpClient *http.Client
}

// Option configures a Client
type Option func(*Client)

// WithAdminKey sets the key sent on admin routes
func WithAdminKey(key string) Option {
	return func(c *Client) { c.adminKey = key }
}

// WithToken sets a bearer token sent with decision requests that carry none
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithHTTPClient replaces the default HTTP client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// New creates a client for the gateway at baseURL
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// APIError is a non-2xx answer carrying the gateway's error envelope
type APIError struct {
	StatusCode int
	Code       string `json:"error"`
	Message    string `json:"message"`
	Details    string `json:"details,omitempty"`
	RequestID  string `json:"request_id,omitempty"`
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("%s (%d): %s", e.Code, e.StatusCode, e.Message)
	if e.Details != "" {
		msg += ": " + e.Details
	}
	return msg
}

// IsCode reports whether err is an APIError with the given code
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

func (c *Client) endpoint(path string, q url.Values) string {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}

func (c *Client) newRequest(ctx context.Context, method, path string, q url.Values, payload any) (*http.Request, error) {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshaling payload: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path, q), body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.adminKey != "" && strings.HasPrefix(path, "/v1/admin/") {
		req.Header.Set(middleware.AdminKeyHeader, c.adminKey)
	}
	return req, nil
}

// send performs req and returns the response for a 2xx status. Any other
// status is decoded into an *APIError and the body is closed.
func (c *Client) send(req *http.Request) (*http.Response, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("connection failed: %w", err)
	}
	if resp.StatusCode < 300 {
		return resp, nil
	}
	defer func() { _ = resp.Body.Close() }()
	return nil, parseError(resp)
}

func parseError(resp *http.Response) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("request failed with status %d and unreadable body: %w", resp.StatusCode, err)
	}
	apiErr := &APIError{StatusCode: resp.StatusCode}
	if json.Unmarshal(body, apiErr) == nil && apiErr.Code != "" {
		return apiErr
	}
	apiErr.Code = http.StatusText(resp.StatusCode)
	apiErr.Message = strings.TrimSpace(string(body))
	return apiErr
}

func (c *Client) doJSON(ctx context.Context, method, path string, payload, result any) error {
	req, err := c.newRequest(ctx, method, path, nil, payload)
	if err != nil {
		return err
	}
	resp, err := c.send(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if result == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
