// Package identity turns bearer tokens into the subject, roles and attributes
// that policies are evaluated against.
package identity

import (
	"context"
	"maps"
	"slices"
	"strings"
	"time"
)

// Identity is the resolved caller. Decisions keep a copy of it, so a
// resolver must never hand out a value it later mutates.
type Identity struct {
	Subject    string            `json:"subject" yaml:"subject"`
	Roles      []string          `json:"roles" yaml:"roles"`
	Attributes map[string]string `json:"attributes" yaml:"attributes"`
	// ExpiresAt is when the token stops being valid; zero when the
	// resolver has no expiry for it.
	ExpiresAt time.Time `json:"expiresAt,omitzero" yaml:"-"`
}

// Clone returns a deep copy with non-nil collections
func (id *Identity) Clone() *Identity {
	if id == nil {
		return nil
	}
	out := &Identity{
		Subject:    id.Subject,
		Roles:      slices.Clone(id.Roles),
		Attributes: maps.Clone(id.Attributes),
		ExpiresAt:  id.ExpiresAt,
	}
	if out.Roles == nil {
		out.Roles = []string{}
	}
	if out.Attributes == nil {
		out.Attributes = map[string]string{}
	}
	return out
}

// Expired reports whether the token behind id has expired at now
func (id *Identity) Expired(now time.Time) bool {
	return !id.ExpiresAt.IsZero() && !now.Before(id.ExpiresAt)
}

// Resolver maps an opaque token to an Identity. Every failure, whether the
// token is bad or the backing service is unreachable, is a *ResolutionError.
type Resolver interface {
	Resolve(ctx context.Context, token string) (*Identity, error)
}

// ResolverFunc adapts a function to Resolver
type ResolverFunc func(ctx context.Context, token string) (*Identity, error)

// Resolve implements Resolver
func (f ResolverFunc) Resolve(ctx context.Context, token string) (*Identity, error) {
	return f(ctx, token)
}

// Unwrap returns the resolver r decorates, if any
func Unwrap(r Resolver) Resolver {
	if u, ok := r.(interface{ Unwrap() Resolver }); ok {
		return u.Unwrap()
	}
	return nil
}

// FindIntrospection looks through decorators for the introspection resolver
func FindIntrospection(r Resolver) (*IntrospectionResolver, bool) {
	for ; r != nil; r = Unwrap(r) {
		if ir, ok := r.(*IntrospectionResolver); ok {
			return ir, true
		}
	}
	return nil, false
}

// BearerToken extracts the token from an Authorization header value.
// It returns "" for anything other than a non-empty Bearer credential.
func BearerToken(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
