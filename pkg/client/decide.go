package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/policygate/policygate/internal/gateway"
)

// Decide asks for a decision. A fail-closed deny is still a decision: it
// comes back as a Response with Cause set and a nil error, whatever HTTP
// status the gateway chose for it. An error means no decision was made.
func (c *Client) Decide(ctx context.Context, r gateway.Request) (*gateway.Response, error) {
	req, err := c.newRequest(ctx, http.MethodPost, "/v1/decide", nil, r)
	if err != nil {
		return nil, err
	}
	if r.Token == "" && c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("connection failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading decision: %w", err)
	}

	var d gateway.Response
	if json.Unmarshal(body, &d) == nil && d.TraceID != "" && d.Effect != "" {
		return &d, nil
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))
	return nil, parseError(resp)
}
