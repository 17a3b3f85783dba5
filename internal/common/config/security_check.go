package config

import "go.uber.org/zap"

// LogSecurityWarnings logs actionable security warnings when running in
// production with insecure defaults. Call this at service startup after
// configuration is loaded.
func (c *Config) LogSecurityWarnings(log *zap.Logger) {
	if !c.IsProduction() {
		return
	}

	warnings := c.ProductionWarnings()

	for _, w := range warnings {
		log.Warn("SECURITY", zap.String("warning", w))
	}

	if len(warnings) > 0 {
		log.Warn("SECURITY: production deployment has insecure configuration",
			zap.Int("warning_count", len(warnings)))
	}
}

// ProductionWarnings lists settings that are acceptable in development but
// weaken the gateway's guarantees in production.
func (c *Config) ProductionWarnings() []string {
	var warnings []string

	if c.Admin.APIKeyHash == "" {
		warnings = append(warnings, "admin.api_key_hash is empty: policy management routes are disabled")
	}
	if c.Ledger.HMACSecret == "" {
		warnings = append(warnings, "ledger.hmac_secret is empty: ledger hashes are unkeyed SHA-256")
	}
	if c.Ledger.Backend == "memory" {
		warnings = append(warnings, "ledger.backend is memory: audit history is lost on restart")
	}
	if c.Policy.Backend == "memory" {
		warnings = append(warnings, "policy.backend is memory: published versions are lost on restart")
	}
	if c.Resolver.Type == "static" {
		warnings = append(warnings, "resolver.type is static: tokens come from a local file")
	}
	if c.Ledger.VerifyInterval <= 0 {
		warnings = append(warnings, "ledger.verify_interval is disabled: chain breaks are only found on demand")
	}

	return warnings
}
