package identity

import (
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/policygate/policygate/internal/common/config"
)

// FromConfig assembles the resolver chain: the base resolver selected by
// cfg.Type, then LDAP enrichment, then the Redis cache. rdb may be nil when
// caching is disabled.
func FromConfig(cfg config.ResolverConfig, rdb *redis.Client, logger *zap.Logger) (Resolver, error) {
	var (
		base Resolver
		err  error
	)
	switch cfg.Type {
	case "static", "":
		base, err = LoadStaticFile(cfg.StaticFile)
	case "jwt":
		base, err = NewJWTResolver(JWTConfig{
			Secret:          []byte(cfg.JWTSecret),
			Issuer:          cfg.JWTIssuer,
			AttributeClaims: cfg.AttributeClaims,
		})
	case "introspection":
		base, err = NewIntrospectionResolver(IntrospectionConfig{
			URL:             cfg.Introspection.URL,
			TokenURL:        cfg.Introspection.TokenURL,
			ClientID:        cfg.Introspection.ClientID,
			ClientSecret:    cfg.Introspection.ClientSecret,
			Scopes:          cfg.Introspection.Scopes,
			AttributeClaims: cfg.AttributeClaims,
		}, logger)
	default:
		return nil, fmt.Errorf("unknown resolver type %q", cfg.Type)
	}
	if err != nil {
		return nil, err
	}

	resolver := base
	if cfg.LDAP.Enabled {
		resolver = NewLDAPEnricher(resolver, NewLDAPDirectory(LDAPConfig{
			URL:          cfg.LDAP.URL,
			StartTLS:     cfg.LDAP.StartTLS,
			BindDN:       cfg.LDAP.BindDN,
			BindPassword: cfg.LDAP.BindPassword,
			BaseDN:       cfg.LDAP.BaseDN,
			UserFilter:   cfg.LDAP.UserFilter,
			Attributes:   cfg.LDAP.Attributes,
		}, logger))
	}
	if cfg.CacheTTL > 0 {
		if rdb == nil {
			return nil, fmt.Errorf("resolver cache requires a redis client")
		}
		resolver = NewCachingResolver(resolver, rdb, cfg.CacheTTL, logger)
	}

	logger.Info("Identity resolver configured",
		zap.String("type", cfg.Type),
		zap.Bool("ldap", cfg.LDAP.Enabled),
		zap.Duration("cache_ttl", cfg.CacheTTL))
	return resolver, nil
}
