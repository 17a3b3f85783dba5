package client

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/policygate/policygate/internal/gateway"
	"github.com/policygate/policygate/internal/policy"
)

// Publish creates and activates a new policy version
func (c *Client) Publish(ctx context.Context, rules []policy.Rule, author string) (*policy.Summary, error) {
	var s policy.Summary
	err := c.doJSON(ctx, http.MethodPost, "/v1/admin/policies", gateway.PublishRequest{Rules: rules, Author: author}, &s)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// Rollback re-activates version toID
func (c *Client) Rollback(ctx context.Context, toID int64, actor string) (*policy.Summary, error) {
	var s policy.Summary
	err := c.doJSON(ctx, http.MethodPost, "/v1/admin/policies/rollback", gateway.RollbackRequest{ToVersionID: toID, Actor: actor}, &s)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// Versions lists every version in id order
func (c *Client) Versions(ctx context.Context) ([]policy.Summary, error) {
	var resp struct {
		Versions []policy.Summary `json:"versions"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/v1/admin/policies", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Versions, nil
}

// Active returns the active version with its rules
func (c *Client) Active(ctx context.Context) (*policy.Version, error) {
	var v policy.Version
	if err := c.doJSON(ctx, http.MethodGet, "/v1/admin/policies/active", nil, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// Version returns version id with its rules
func (c *Client) Version(ctx context.Context, id int64) (*policy.Version, error) {
	var v policy.Version
	if err := c.doJSON(ctx, http.MethodGet, fmt.Sprintf("/v1/admin/policies/%d", id), nil, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// Rego returns version id rendered as a Rego module
func (c *Client) Rego(ctx context.Context, id int64) (string, error) {
	req, err := c.newRequest(ctx, http.MethodGet, fmt.Sprintf("/v1/admin/policies/%d/rego", id), nil, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.send(req)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading rego module: %w", err)
	}
	return string(b), nil
}
