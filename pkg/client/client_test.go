package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/crypto/bcrypt"

	"github.com/policygate/policygate/internal/gateway"
	"github.com/policygate/policygate/internal/identity"
	"github.com/policygate/policygate/internal/ledger"
	"github.com/policygate/policygate/internal/policy"
)

const adminKey = "client-test-key"

var adminOnly = []policy.Rule{{Name: "r1", When: "role == admin", Effect: policy.EffectAllow}}

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	l, err := ledger.Open(context.Background(), ledger.NewMemoryBackend())
	require.NoError(t, err)
	resolver := identity.NewStaticResolver(map[string]identity.Identity{
		"tok-admin":   {Subject: "alice", Roles: []string{"admin"}},
		"tok-citizen": {Subject: "bob", Roles: []string{"citizen"}},
	})
	gw := gateway.New(resolver, policy.NewMemoryStore(), l, gateway.Config{}, zaptest.NewLogger(t))

	hash, err := bcrypt.GenerateFromPassword([]byte(adminKey), bcrypt.MinCost)
	require.NoError(t, err)
	srv := httptest.NewServer(gateway.NewRouter(gw, gateway.RouterConfig{
		AdminKeyHash: string(hash),
		Logger:       zaptest.NewLogger(t),
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestClient_EndToEnd(t *testing.T) {
	ctx := context.Background()
	srv := newServer(t)
	c := New(srv.URL+"/", WithAdminKey(adminKey))

	s, err := c.Publish(ctx, adminOnly, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(1), s.ID)
	assert.Equal(t, 1, s.RuleCount)

	_, err = c.Publish(ctx, []policy.Rule{}, "alice")
	require.NoError(t, err)

	d, err := c.Decide(ctx, gateway.Request{Token: "tok-admin", Action: "read", Resource: "doc:1"})
	require.NoError(t, err)
	assert.Equal(t, policy.EffectDeny, d.Effect)
	assert.Equal(t, gateway.VersionRef(2), d.PolicyVersionID)

	_, err = c.Rollback(ctx, 1, "bob")
	require.NoError(t, err)

	active, err := c.Active(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), active.ID)
	assert.Equal(t, adminOnly, active.Rules)

	d, err = c.Decide(ctx, gateway.Request{Token: "tok-admin", Action: "read", Resource: "doc:1"})
	require.NoError(t, err)
	assert.Equal(t, policy.EffectAllow, d.Effect)
	assert.Equal(t, "r1", d.MatchedRule)

	versions, err := c.Versions(ctx)
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, policy.StatusSuperseded, versions[1].Status)

	v2, err := c.Version(ctx, 2)
	require.NoError(t, err)
	assert.Empty(t, v2.Rules)

	module, err := c.Rego(ctx, 1)
	require.NoError(t, err)
	assert.Contains(t, module, "default decision")

	res, err := c.Verify(ctx)
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Equal(t, int64(5), res.Checked)

	replay, err := c.Replay(ctx, d.TraceID)
	require.NoError(t, err)
	assert.True(t, replay.Reproduced)
}

func TestClient_DecideFailClosed(t *testing.T) {
	ctx := context.Background()
	srv := newServer(t)
	c := New(srv.URL)

	// no policy published yet
	d, err := c.Decide(ctx, gateway.Request{Token: "tok-admin"})
	require.NoError(t, err)
	assert.Equal(t, policy.EffectDeny, d.Effect)
	assert.Equal(t, gateway.CauseNoActivePolicy, d.Cause)

	// a 401 still carries the audited deny
	d, err = c.Decide(ctx, gateway.Request{Token: "forged"})
	require.NoError(t, err)
	assert.Equal(t, gateway.CauseResolution, d.Cause)
	assert.Equal(t, gateway.VersionRef(0), d.PolicyVersionID)

	// the default token is sent as a bearer header
	d, err = New(srv.URL, WithToken("tok-citizen")).Decide(ctx, gateway.Request{Action: "read"})
	require.NoError(t, err)
	assert.NotEqual(t, gateway.CauseResolution, d.Cause)
}

func TestClient_Errors(t *testing.T) {
	ctx := context.Background()
	srv := newServer(t)

	_, err := New(srv.URL).Versions(ctx)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)

	c := New(srv.URL, WithAdminKey(adminKey))
	_, err = c.Rollback(ctx, 7, "bob")
	assert.True(t, IsCode(err, "UNKNOWN_VERSION"))

	_, err = c.Publish(ctx, []policy.Rule{{Name: "bad", When: "nope == 1", Effect: policy.EffectAllow}}, "alice")
	assert.True(t, IsCode(err, "INVALID_RULE"))

	_, err = c.Replay(ctx, "missing")
	assert.True(t, IsCode(err, "NOT_FOUND"))

	_, err = New("http://127.0.0.1:1").Versions(ctx)
	assert.ErrorContains(t, err, "connection failed")

	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer slow.Close()
	_, err = New(slow.URL, WithHTTPClient(&http.Client{Timeout: 50 * time.Millisecond})).Versions(ctx)
	assert.ErrorContains(t, err, "connection failed")
}

func TestClient_Audit(t *testing.T) {
	ctx := context.Background()
	srv := newServer(t)
	c := New(srv.URL, WithAdminKey(adminKey))

	_, err := c.Publish(ctx, adminOnly, "alice")
	require.NoError(t, err)
	for _, tok := range []string{"tok-admin", "tok-citizen", "forged"} {
		_, err := c.Decide(ctx, gateway.Request{Token: tok})
		require.NoError(t, err)
	}

	collect := func(q AuditQuery) []ledger.Entry {
		var out []ledger.Entry
		for e, err := range c.Audit(ctx, q) {
			require.NoError(t, err)
			out = append(out, e)
		}
		return out
	}

	assert.Len(t, collect(AuditQuery{}), 4)
	assert.Len(t, collect(AuditQuery{Type: ledger.TypeDecision, Effect: "deny"}), 2)
	na := int64(0)
	assert.Len(t, collect(AuditQuery{PolicyVersionID: &na}), 1)
	one := int64(1)
	assert.Len(t, collect(AuditQuery{PolicyVersionID: &one, Type: ledger.TypeDecision}), 2)

	// stopping early is fine
	for range c.Audit(ctx, AuditQuery{}) {
		break
	}

	for _, err := range New(srv.URL).Audit(ctx, AuditQuery{}) {
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	}
}
