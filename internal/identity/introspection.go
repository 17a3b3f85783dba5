package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/policygate/policygate/internal/common/resilience"
)

// IntrospectionConfig configures an IntrospectionResolver
type IntrospectionConfig struct {
	URL             string
	TokenURL        string
	ClientID        string
	ClientSecret    string
	Scopes          []string
	AttributeClaims []string
	// HTTPClient is used when TokenURL is empty; the endpoint is then
	// called without client authentication
	HTTPClient *http.Client
}

// IntrospectionResolver asks an OAuth 2.0 authorization server whether a
// token is active (RFC 7662). Calls go through a circuit breaker so a dead
// endpoint fails fast instead of eating the resolve budget of every request.
type IntrospectionResolver struct {
	endpoint        string
	client          *http.Client
	breaker         *resilience.CircuitBreaker
	attributeClaims []string
	logger          *zap.Logger
}

// NewIntrospectionResolver builds the resolver. When TokenURL is set the
// endpoint is called with a client credentials access token.
func NewIntrospectionResolver(cfg IntrospectionConfig, logger *zap.Logger) (*IntrospectionResolver, error) {
	if cfg.URL == "" {
		return nil, errors.New("introspection resolver requires an endpoint url")
	}
	if _, err := url.Parse(cfg.URL); err != nil {
		return nil, fmt.Errorf("invalid introspection url: %w", err)
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.TokenURL != "" {
		cc := &clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
			Scopes:       cfg.Scopes,
		}
		client = cc.Client(context.Background())
	}

	logger = logger.With(zap.String("component", "introspection_resolver"))
	return &IntrospectionResolver{
		endpoint: cfg.URL,
		client:   client,
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:         "token_introspection",
			Threshold:    5,
			ResetTimeout: 30 * time.Second,
			Logger:       logger,
		}),
		attributeClaims: cfg.AttributeClaims,
		logger:          logger,
	}, nil
}

// Ready fails while the circuit breaker is open, so readiness reflects
// that every token is being denied without asking the endpoint
func (r *IntrospectionResolver) Ready(context.Context) error {
	stats := r.breaker.Stats()
	if stats.State == resilience.StateOpen {
		return fmt.Errorf("circuit breaker %s open after %d failures", stats.Name, stats.Failures)
	}
	return nil
}

// Resolve implements Resolver
func (r *IntrospectionResolver) Resolve(ctx context.Context, token string) (*Identity, error) {
	if token == "" {
		return nil, resolutionError("introspection", "missing token", nil)
	}

	var claims map[string]interface{}
	err := r.breaker.Execute(func() error {
		var err error
		claims, err = r.introspect(ctx, token)
		return err
	})
	if err != nil {
		if errors.Is(err, resilience.ErrOpen) {
			return nil, resolutionError("introspection", "introspection endpoint unavailable", err)
		}
		return nil, resolutionError("introspection", "introspection request failed", err)
	}

	if active, _ := claims["active"].(bool); !active {
		return nil, resolutionError("introspection", "token inactive", nil)
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		sub, _ = claims["username"].(string)
	}
	if sub == "" {
		return nil, resolutionError("introspection", "token has no subject", nil)
	}
	return identityFromClaims(sub, claims, r.attributeClaims), nil
}

func (r *IntrospectionResolver) introspect(ctx context.Context, token string) (map[string]interface{}, error) {
	form := url.Values{"token": {token}, "token_type_hint": {"access_token"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("introspection endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var claims map[string]interface{}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&claims); err != nil {
		return nil, fmt.Errorf("decode introspection response: %w", err)
	}
	return claims, nil
}
