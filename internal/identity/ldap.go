package identity

import (
	"context"
	"crypto/tls"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/go-ldap/ldap/v3"
	"go.uber.org/zap"
)

// Directory looks up extra attributes for a subject
type Directory interface {
	Lookup(ctx context.Context, subject string) (map[string]string, error)
}

// LDAPConfig configures an LDAPDirectory
type LDAPConfig struct {
	URL           string // ldap://host:389 or ldaps://host:636
	StartTLS      bool
	SkipTLSVerify bool
	BindDN        string
	BindPassword  string
	BaseDN        string
	UserFilter    string // %s is replaced by the escaped subject
	Attributes    []string
}

// LDAPDirectory reads subject attributes from an LDAP server. A connection
// is opened per lookup.
type LDAPDirectory struct {
	cfg    LDAPConfig
	logger *zap.Logger
}

// NewLDAPDirectory creates a directory client
func NewLDAPDirectory(cfg LDAPConfig, logger *zap.Logger) *LDAPDirectory {
	if cfg.UserFilter == "" {
		cfg.UserFilter = "(uid=%s)"
	}
	return &LDAPDirectory{
		cfg:    cfg,
		logger: logger.With(zap.String("component", "ldap_directory")),
	}
}

// Connect dials, upgrades with StartTLS when configured and binds
func (d *LDAPDirectory) Connect() (*ldap.Conn, error) {
	tlsConfig := &tls.Config{InsecureSkipVerify: d.cfg.SkipTLSVerify} //nolint:gosec // opt-in for lab directories

	conn, err := ldap.DialURL(d.cfg.URL, ldap.DialWithTLSConfig(tlsConfig))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to LDAP server %s: %w", d.cfg.URL, err)
	}

	if d.cfg.StartTLS && !strings.HasPrefix(d.cfg.URL, "ldaps://") {
		if err := conn.StartTLS(tlsConfig); err != nil {
			conn.Close()
			return nil, fmt.Errorf("StartTLS failed: %w", err)
		}
	}

	if d.cfg.BindDN != "" {
		if err := conn.Bind(d.cfg.BindDN, d.cfg.BindPassword); err != nil {
			conn.Close()
			return nil, fmt.Errorf("LDAP bind failed: %w", err)
		}
	}
	return conn, nil
}

// Lookup implements Directory. A subject with no entry yields no attributes.
func (d *LDAPDirectory) Lookup(ctx context.Context, subject string) (map[string]string, error) {
	conn, err := d.Connect()
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetTimeout(time.Until(deadline))
	}

	req := ldap.NewSearchRequest(
		d.cfg.BaseDN,
		ldap.ScopeWholeSubtree,
		ldap.NeverDerefAliases,
		2, 0, false,
		d.filter(subject),
		d.cfg.Attributes,
		nil,
	)
	res, err := conn.Search(req)
	if err != nil {
		return nil, fmt.Errorf("LDAP search failed: %w", err)
	}

	switch len(res.Entries) {
	case 0:
		d.logger.Debug("Subject not found in directory", zap.String("subject", subject))
		return map[string]string{}, nil
	case 1:
	default:
		return nil, fmt.Errorf("LDAP search for %q matched %d entries", subject, len(res.Entries))
	}

	entry := res.Entries[0]
	attrs := make(map[string]string, len(d.cfg.Attributes))
	for _, name := range d.cfg.Attributes {
		if v := entry.GetAttributeValue(name); v != "" {
			attrs[name] = v
		}
	}
	return attrs, nil
}

func (d *LDAPDirectory) filter(subject string) string {
	return fmt.Sprintf(d.cfg.UserFilter, ldap.EscapeFilter(subject))
}

// LDAPEnricher decorates a Resolver with directory attributes. Directory
// values take precedence over attributes carried by the token. A directory
// failure fails the resolution.
type LDAPEnricher struct {
	next Resolver
	dir  Directory
}

// NewLDAPEnricher wraps next
func NewLDAPEnricher(next Resolver, dir Directory) *LDAPEnricher {
	return &LDAPEnricher{next: next, dir: dir}
}

// Unwrap returns the enriched resolver
func (e *LDAPEnricher) Unwrap() Resolver {
	return e.next
}

// Resolve implements Resolver
func (e *LDAPEnricher) Resolve(ctx context.Context, token string) (*Identity, error) {
	id, err := e.next.Resolve(ctx, token)
	if err != nil {
		return nil, err
	}
	attrs, err := e.dir.Lookup(ctx, id.Subject)
	if err != nil {
		return nil, resolutionError("ldap", "directory lookup failed", err)
	}

	out := id.Clone()
	maps.Copy(out.Attributes, attrs)
	return out, nil
}
