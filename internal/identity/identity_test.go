package identity

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/policygate/policygate/internal/common/config"
	"github.com/policygate/policygate/internal/common/testutil"
)

const tokenFixture = `tokens:
  token-admin:
    subject: alice
    roles: [admin]
    attributes:
      agency: dhs
      clearance: Secret
  token-citizen:
    subject: bob
    roles: [citizen]
`

func writeTokenFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tokens.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func requireResolutionError(t *testing.T, err error, reason string) {
	t.Helper()
	var re *ResolutionError
	require.ErrorAs(t, err, &re)
	if reason != "" {
		assert.Equal(t, reason, re.Reason)
	}
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
	}{
		{"Bearer abc", "abc"},
		{"bearer   abc ", "abc"},
		{"Basic abc", ""},
		{"Bearer", ""},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, BearerToken(tt.header), "header %q", tt.header)
	}
}

func TestIdentityClone(t *testing.T) {
	id := &Identity{Subject: "alice", Roles: []string{"admin"}, Attributes: map[string]string{"agency": "dhs"}}
	c := id.Clone()
	c.Roles[0] = "changed"
	c.Attributes["agency"] = "changed"
	assert.Equal(t, "admin", id.Roles[0])
	assert.Equal(t, "dhs", id.Attributes["agency"])

	empty := (&Identity{Subject: "x"}).Clone()
	assert.NotNil(t, empty.Roles)
	assert.NotNil(t, empty.Attributes)
	assert.Nil(t, (*Identity)(nil).Clone())
}

func TestStaticResolver(t *testing.T) {
	r, err := LoadStaticFile(writeTokenFile(t, tokenFixture))
	require.NoError(t, err)
	assert.Equal(t, 2, r.Len())
	ctx := context.Background()

	id, err := r.Resolve(ctx, "token-admin")
	require.NoError(t, err)
	assert.Equal(t, "alice", id.Subject)
	assert.Equal(t, []string{"admin"}, id.Roles)
	assert.Equal(t, "Secret", id.Attributes["clearance"])

	// callers cannot corrupt the table
	id.Roles[0] = "root"
	again, err := r.Resolve(ctx, "token-admin")
	require.NoError(t, err)
	assert.Equal(t, "admin", again.Roles[0])

	bob, err := r.Resolve(ctx, "token-citizen")
	require.NoError(t, err)
	assert.Empty(t, bob.Attributes)

	_, err = r.Resolve(ctx, "nope")
	requireResolutionError(t, err, "unknown token")
	_, err = r.Resolve(ctx, "")
	requireResolutionError(t, err, "missing token")
}

func TestLoadStaticFile_Errors(t *testing.T) {
	_, err := LoadStaticFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = LoadStaticFile(writeTokenFile(t, "tokens:\n  t1:\n    roles: [admin]\n"))
	assert.ErrorContains(t, err, "has no subject")

	_, err = LoadStaticFile(writeTokenFile(t, "tokens: [not, a, map]\n"))
	assert.Error(t, err)
}

var jwtSecret = []byte("test-secret-of-reasonable-length")

func signToken(t *testing.T, method jwt.SigningMethod, key interface{}, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(method, claims).SignedString(key)
	require.NoError(t, err)
	return s
}

func TestJWTResolver(t *testing.T) {
	r, err := NewJWTResolver(JWTConfig{
		Secret:          jwtSecret,
		Issuer:          "https://idp.test",
		AttributeClaims: []string{"agency", "clearance", "level"},
	})
	require.NoError(t, err)
	ctx := context.Background()
	exp := time.Now().Add(time.Hour).Unix()

	t.Run("valid token", func(t *testing.T) {
		tok := signToken(t, jwt.SigningMethodHS256, jwtSecret, jwt.MapClaims{
			"sub": "alice", "iss": "https://idp.test", "exp": exp,
			"roles": []string{"admin", "analyst"}, "agency": "dhs", "level": 3, "ignored": "x",
		})
		id, err := r.Resolve(ctx, tok)
		require.NoError(t, err)
		assert.Equal(t, "alice", id.Subject)
		assert.Equal(t, []string{"admin", "analyst"}, id.Roles)
		assert.Equal(t, map[string]string{"agency": "dhs", "level": "3"}, id.Attributes)
		assert.True(t, id.ExpiresAt.Equal(time.Unix(exp, 0)), "expiresAt %v", id.ExpiresAt)
	})

	t.Run("space separated roles", func(t *testing.T) {
		tok := signToken(t, jwt.SigningMethodHS256, jwtSecret, jwt.MapClaims{
			"sub": "bob", "iss": "https://idp.test", "exp": exp, "roles": "citizen voter",
		})
		id, err := r.Resolve(ctx, tok)
		require.NoError(t, err)
		assert.Equal(t, []string{"citizen", "voter"}, id.Roles)
	})

	tests := []struct {
		name   string
		token  func(t *testing.T) string
		reason string
	}{
		{"expired", func(t *testing.T) string {
			return signToken(t, jwt.SigningMethodHS256, jwtSecret, jwt.MapClaims{
				"sub": "alice", "iss": "https://idp.test", "exp": time.Now().Add(-time.Hour).Unix(),
			})
		}, "token expired"},
		{"wrong secret", func(t *testing.T) string {
			return signToken(t, jwt.SigningMethodHS256, []byte("other-secret"), jwt.MapClaims{
				"sub": "alice", "iss": "https://idp.test", "exp": exp,
			})
		}, "invalid token"},
		{"wrong issuer", func(t *testing.T) string {
			return signToken(t, jwt.SigningMethodHS256, jwtSecret, jwt.MapClaims{
				"sub": "alice", "iss": "https://evil.test", "exp": exp,
			})
		}, "invalid token"},
		{"disallowed algorithm", func(t *testing.T) string {
			return signToken(t, jwt.SigningMethodHS384, jwtSecret, jwt.MapClaims{
				"sub": "alice", "iss": "https://idp.test", "exp": exp,
			})
		}, "invalid token"},
		{"no expiry", func(t *testing.T) string {
			return signToken(t, jwt.SigningMethodHS256, jwtSecret, jwt.MapClaims{
				"sub": "alice", "iss": "https://idp.test",
			})
		}, "invalid token"},
		{"no subject", func(t *testing.T) string {
			return signToken(t, jwt.SigningMethodHS256, jwtSecret, jwt.MapClaims{
				"iss": "https://idp.test", "exp": exp,
			})
		}, "token has no subject"},
		{"garbage", func(*testing.T) string { return "not.a.jwt" }, "invalid token"},
		{"empty", func(*testing.T) string { return "" }, "missing token"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Resolve(ctx, tt.token(t))
			requireResolutionError(t, err, tt.reason)
		})
	}
}

func TestNewJWTResolver_RequiresSecret(t *testing.T) {
	_, err := NewJWTResolver(JWTConfig{})
	assert.Error(t, err)
}

type introspectionServer struct {
	*httptest.Server
	hits       atomic.Int32
	tokenCalls atomic.Int32
	status     atomic.Int32
}

func newIntrospectionServer(t *testing.T) *introspectionServer {
	s := &introspectionServer{}
	s.status.Store(http.StatusOK)

	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		s.tokenCalls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"client-at","token_type":"bearer","expires_in":3600}`))
	})
	mux.HandleFunc("/introspect", func(w http.ResponseWriter, r *http.Request) {
		s.hits.Add(1)
		if code := int(s.status.Load()); code != http.StatusOK {
			w.WriteHeader(code)
			return
		}
		if r.Header.Get("Authorization") != "Bearer client-at" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = r.ParseForm()
		w.Header().Set("Content-Type", "application/json")
		switch r.PostForm.Get("token") {
		case "live":
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"active": true, "sub": "alice", "roles": []string{"admin"}, "clearance": "Secret",
			})
		case "username-only":
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"active": true, "username": "carol"})
		default:
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"active": false})
		}
	})
	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

func newTestIntrospection(t *testing.T, srv *introspectionServer) *IntrospectionResolver {
	r, err := NewIntrospectionResolver(IntrospectionConfig{
		URL:             srv.URL + "/introspect",
		TokenURL:        srv.URL + "/token",
		ClientID:        "policygate",
		ClientSecret:    "s3cret",
		AttributeClaims: []string{"clearance"},
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	return r
}

func TestIntrospectionResolver(t *testing.T) {
	srv := newIntrospectionServer(t)
	r := newTestIntrospection(t, srv)
	ctx := context.Background()

	id, err := r.Resolve(ctx, "live")
	require.NoError(t, err)
	assert.Equal(t, "alice", id.Subject)
	assert.Equal(t, []string{"admin"}, id.Roles)
	assert.Equal(t, "Secret", id.Attributes["clearance"])

	id, err = r.Resolve(ctx, "username-only")
	require.NoError(t, err)
	assert.Equal(t, "carol", id.Subject)

	_, err = r.Resolve(ctx, "revoked")
	requireResolutionError(t, err, "token inactive")

	// the client credentials token is reused
	assert.Equal(t, int32(1), srv.tokenCalls.Load())
}

func TestIntrospectionResolver_BreakerOpens(t *testing.T) {
	srv := newIntrospectionServer(t)
	srv.status.Store(http.StatusInternalServerError)
	r := newTestIntrospection(t, srv)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := r.Resolve(ctx, "live")
		requireResolutionError(t, err, "introspection request failed")
	}
	_, err := r.Resolve(ctx, "live")
	requireResolutionError(t, err, "introspection endpoint unavailable")
	assert.Equal(t, int32(5), srv.hits.Load())

	assert.ErrorContains(t, r.Ready(ctx), "open")
}

func TestFindIntrospection(t *testing.T) {
	srv := newIntrospectionServer(t)
	ir := newTestIntrospection(t, srv)
	assert.NoError(t, ir.Ready(context.Background()))

	_, client := testutil.Redis(t)
	wrapped := NewCachingResolver(NewLDAPEnricher(ir, nil), client, time.Minute, zap.NewNop())
	found, ok := FindIntrospection(wrapped)
	require.True(t, ok)
	assert.Same(t, ir, found)

	_, ok = FindIntrospection(NewStaticResolver(nil))
	assert.False(t, ok)
}

func TestIntrospectionResolver_InactiveDoesNotTripBreaker(t *testing.T) {
	srv := newIntrospectionServer(t)
	r := newTestIntrospection(t, srv)

	for i := 0; i < 10; i++ {
		_, err := r.Resolve(context.Background(), "revoked")
		requireResolutionError(t, err, "token inactive")
	}
	assert.Equal(t, int32(10), srv.hits.Load())
}

func TestNewIntrospectionResolver_RequiresURL(t *testing.T) {
	_, err := NewIntrospectionResolver(IntrospectionConfig{}, zap.NewNop())
	assert.Error(t, err)
}

type fakeDirectory struct {
	attrs map[string]map[string]string
	err   error
}

func (d *fakeDirectory) Lookup(_ context.Context, subject string) (map[string]string, error) {
	if d.err != nil {
		return nil, d.err
	}
	return d.attrs[subject], nil
}

func TestLDAPEnricher(t *testing.T) {
	base := NewStaticResolver(map[string]Identity{
		"t1": {Subject: "alice", Roles: []string{"analyst"}, Attributes: map[string]string{"agency": "token", "team": "blue"}},
	})
	dir := &fakeDirectory{attrs: map[string]map[string]string{"alice": {"agency": "dhs", "clearance": "Secret"}}}
	r := NewLDAPEnricher(base, dir)
	ctx := context.Background()

	id, err := r.Resolve(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"agency": "dhs", "clearance": "Secret", "team": "blue"}, id.Attributes)

	_, err = r.Resolve(ctx, "unknown")
	requireResolutionError(t, err, "unknown token")

	dir.err = errors.New("connection refused")
	_, err = r.Resolve(ctx, "t1")
	requireResolutionError(t, err, "directory lookup failed")
	assert.ErrorContains(t, err, "connection refused")
}

func TestLDAPDirectory_Filter(t *testing.T) {
	d := NewLDAPDirectory(LDAPConfig{}, zap.NewNop())
	assert.Equal(t, `(uid=a\2a\29\28b)`, d.filter("a*)(b"))

	d = NewLDAPDirectory(LDAPConfig{UserFilter: "(&(objectClass=person)(sAMAccountName=%s))"}, zap.NewNop())
	assert.Equal(t, "(&(objectClass=person)(sAMAccountName=alice))", d.filter("alice"))
}

func TestLDAPDirectory_Unreachable(t *testing.T) {
	d := NewLDAPDirectory(LDAPConfig{URL: "ldap://127.0.0.1:1", BaseDN: "dc=test"}, zap.NewNop())
	_, err := d.Lookup(context.Background(), "alice")
	assert.ErrorContains(t, err, "failed to connect")
}

type countingResolver struct {
	calls atomic.Int32
	inner Resolver
}

func (c *countingResolver) Resolve(ctx context.Context, token string) (*Identity, error) {
	c.calls.Add(1)
	return c.inner.Resolve(ctx, token)
}

func TestCachingResolver(t *testing.T) {
	mr, client := testutil.Redis(t)
	inner := &countingResolver{inner: NewStaticResolver(map[string]Identity{
		"t1": {Subject: "alice", Roles: []string{"admin"}, Attributes: map[string]string{"agency": "dhs"}},
	})}
	r := NewCachingResolver(inner, client, time.Minute, zaptest.NewLogger(t))
	ctx := context.Background()

	first, err := r.Resolve(ctx, "t1")
	require.NoError(t, err)
	second, err := r.Resolve(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), inner.calls.Load())

	keys := mr.Keys()
	require.Len(t, keys, 1)
	assert.True(t, strings.HasPrefix(keys[0], cacheKeyPrefix))
	assert.NotContains(t, keys[0], "t1")

	// failures are never cached
	for i := 0; i < 2; i++ {
		_, err = r.Resolve(ctx, "bad")
		requireResolutionError(t, err, "unknown token")
	}
	assert.Equal(t, int32(3), inner.calls.Load())
	assert.Len(t, mr.Keys(), 1)

	mr.FastForward(2 * time.Minute)
	_, err = r.Resolve(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, int32(4), inner.calls.Load())

	require.NoError(t, r.Invalidate(ctx, "t1"))
	_, err = r.Resolve(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, int32(5), inner.calls.Load())
}

func TestCachingResolver_HonoursTokenExpiry(t *testing.T) {
	mr, client := testutil.Redis(t)
	clock := time.Now()
	now := func() time.Time { return clock }
	exp := clock.Add(time.Second)

	// behaves like the JWT resolver against the same clock
	inner := &countingResolver{inner: ResolverFunc(func(context.Context, string) (*Identity, error) {
		if !now().Before(exp) {
			return nil, resolutionError("jwt", "token expired", nil)
		}
		return &Identity{Subject: "alice", Roles: []string{"admin"}, ExpiresAt: exp}, nil
	})}
	r := NewCachingResolver(inner, client, time.Hour, zaptest.NewLogger(t))
	r.now = now
	ctx := context.Background()

	id, err := r.Resolve(ctx, "short-lived")
	require.NoError(t, err)
	assert.Equal(t, "alice", id.Subject)

	keys := mr.Keys()
	require.Len(t, keys, 1)
	ttl := mr.TTL(keys[0])
	assert.Greater(t, ttl, time.Duration(0))
	assert.LessOrEqual(t, ttl, time.Second)

	cached, err := r.Resolve(ctx, "short-lived")
	require.NoError(t, err)
	assert.True(t, cached.ExpiresAt.Equal(exp))
	assert.Equal(t, int32(1), inner.calls.Load())

	// the entry is still in Redis but the token is past its expiry
	clock = clock.Add(2 * time.Second)
	_, err = r.Resolve(ctx, "short-lived")
	requireResolutionError(t, err, "token expired")
	assert.Equal(t, int32(2), inner.calls.Load())
	assert.Empty(t, mr.Keys())
}

func TestCachingResolver_SkipsExpiredIdentity(t *testing.T) {
	mr, client := testutil.Redis(t)
	inner := ResolverFunc(func(context.Context, string) (*Identity, error) {
		return &Identity{Subject: "alice", ExpiresAt: time.Now().Add(-time.Minute)}, nil
	})
	r := NewCachingResolver(inner, client, time.Hour, zaptest.NewLogger(t))

	_, err := r.Resolve(context.Background(), "stale")
	require.NoError(t, err)
	assert.Empty(t, mr.Keys())
}

func TestCachingResolver_RedisDown(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 200 * time.Millisecond, MaxRetries: -1})
	defer client.Close()

	r := NewCachingResolver(NewStaticResolver(map[string]Identity{"t1": {Subject: "alice"}}), client, time.Minute, zap.NewNop())
	id, err := r.Resolve(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, "alice", id.Subject)
}

func TestFromConfig(t *testing.T) {
	logger := zaptest.NewLogger(t)
	path := writeTokenFile(t, tokenFixture)

	r, err := FromConfig(config.ResolverConfig{Type: "static", StaticFile: path}, nil, logger)
	require.NoError(t, err)
	assert.IsType(t, &StaticResolver{}, r)

	_, client := testutil.Redis(t)
	r, err = FromConfig(config.ResolverConfig{Type: "static", StaticFile: path, CacheTTL: time.Minute}, client, logger)
	require.NoError(t, err)
	assert.IsType(t, &CachingResolver{}, r)

	r, err = FromConfig(config.ResolverConfig{
		Type: "jwt", JWTSecret: "s", LDAP: config.LDAPConfig{Enabled: true, URL: "ldap://127.0.0.1:1"},
	}, nil, logger)
	require.NoError(t, err)
	assert.IsType(t, &LDAPEnricher{}, r)

	_, err = FromConfig(config.ResolverConfig{Type: "static", StaticFile: path, CacheTTL: time.Minute}, nil, logger)
	assert.Error(t, err)

	_, err = FromConfig(config.ResolverConfig{Type: "kerberos"}, nil, logger)
	assert.ErrorContains(t, err, "unknown resolver type")
}
