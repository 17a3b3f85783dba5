package identity

import (
	"context"
	"fmt"
	"os"

	"github.com/goccy/go-yaml"
)

// StaticResolver serves identities from a fixed token table
type StaticResolver struct {
	tokens map[string]*Identity
}

type tokenFile struct {
	Tokens map[string]Identity `yaml:"tokens"`
}

// NewStaticResolver copies tokens into a new resolver
func NewStaticResolver(tokens map[string]Identity) *StaticResolver {
	r := &StaticResolver{tokens: make(map[string]*Identity, len(tokens))}
	for tok, id := range tokens {
		r.tokens[tok] = id.Clone()
	}
	return r
}

// LoadStaticFile reads a YAML token table:
//
//	tokens:
//	  token-admin:
//	    subject: alice
//	    roles: [admin]
//	    attributes: {clearance: Secret}
func LoadStaticFile(path string) (*StaticResolver, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read token file: %w", err)
	}
	var f tokenFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse token file %s: %w", path, err)
	}
	for tok, id := range f.Tokens {
		if id.Subject == "" {
			return nil, fmt.Errorf("token file %s: token %q has no subject", path, tok)
		}
	}
	return NewStaticResolver(f.Tokens), nil
}

// Resolve implements Resolver
func (r *StaticResolver) Resolve(_ context.Context, token string) (*Identity, error) {
	if token == "" {
		return nil, resolutionError("static", "missing token", nil)
	}
	id, ok := r.tokens[token]
	if !ok {
		return nil, resolutionError("static", "unknown token", nil)
	}
	return id.Clone(), nil
}

// Len returns the number of known tokens
func (r *StaticResolver) Len() int {
	return len(r.tokens)
}
