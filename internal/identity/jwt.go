package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// JWTConfig configures a JWTResolver
type JWTConfig struct {
	Secret          []byte
	Issuer          string   // checked when non-empty
	AttributeClaims []string // claims copied into Identity.Attributes
	Leeway          time.Duration
}

// JWTResolver validates HS256 tokens locally
type JWTResolver struct {
	cfg    JWTConfig
	parser *jwt.Parser
}

// NewJWTResolver returns an error when no secret is configured
func NewJWTResolver(cfg JWTConfig) (*JWTResolver, error) {
	if len(cfg.Secret) == 0 {
		return nil, errors.New("jwt resolver requires a secret")
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(cfg.Leeway),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	return &JWTResolver{cfg: cfg, parser: jwt.NewParser(opts...)}, nil
}

// Resolve implements Resolver
func (r *JWTResolver) Resolve(_ context.Context, token string) (*Identity, error) {
	if token == "" {
		return nil, resolutionError("jwt", "missing token", nil)
	}

	claims := jwt.MapClaims{}
	_, err := r.parser.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return r.cfg.Secret, nil
	})
	if err != nil {
		reason := "invalid token"
		if errors.Is(err, jwt.ErrTokenExpired) {
			reason = "token expired"
		}
		return nil, resolutionError("jwt", reason, err)
	}

	sub, _ := claims.GetSubject()
	if sub == "" {
		return nil, resolutionError("jwt", "token has no subject", nil)
	}
	return identityFromClaims(sub, claims, r.cfg.AttributeClaims), nil
}

// identityFromClaims builds an identity from a decoded claim set. Roles may
// be a JSON array or a space separated string; exp becomes ExpiresAt.
func identityFromClaims(sub string, claims map[string]interface{}, attributeClaims []string) *Identity {
	id := &Identity{
		Subject:    sub,
		Roles:      claimStrings(claims["roles"]),
		Attributes: make(map[string]string, len(attributeClaims)),
		ExpiresAt:  claimTime(claims["exp"]),
	}
	for _, name := range attributeClaims {
		switch v := claims[name].(type) {
		case nil:
		case string:
			id.Attributes[name] = v
		case float64, bool:
			id.Attributes[name] = fmt.Sprint(v)
		}
	}
	return id
}

// claimTime reads a NumericDate claim (seconds since the epoch)
func claimTime(v interface{}) time.Time {
	var f float64
	switch vv := v.(type) {
	case float64:
		f = vv
	case json.Number:
		var err error
		if f, err = vv.Float64(); err != nil {
			return time.Time{}
		}
	default:
		return time.Time{}
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*float64(time.Second))).UTC()
}

func claimStrings(v interface{}) []string {
	switch vv := v.(type) {
	case string:
		return strings.Fields(vv)
	case []interface{}:
		out := make([]string, 0, len(vv))
		for _, item := range vv {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return vv
	}
	return []string{}
}
