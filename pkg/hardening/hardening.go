// Package hardening validates production deployment configuration at boot.
// The gateway refuses to start in a production-like environment unless TLS
// and CORS settings meet the bar; development environments skip every check.
package hardening

import (
	"fmt"
	"strings"
)

// EnvRequirement names a secret that must be present in strict mode.
type EnvRequirement struct {
	Name  string
	Value string
}

// Options carries the raw environment values under review. Booleans stay as
// strings so an unset variable is distinguishable from an explicit false.
type Options struct {
	Service                string
	Environment            string
	StrictProdSecurity     string
	DatabaseRequireTLS     string
	RedisAddr              string
	RedisRequireTLS        string
	RedisTLSInsecure       string
	RedisAllowInsecureTLS  string
	CORSAllowedOrigins     string
	RequiredServiceSecrets []EnvRequirement
}

// ValidateProduction returns an error describing the first unmet requirement.
// STRICT_PROD_SECURITY=false opts a production environment out entirely.
func ValidateProduction(o Options) error {
	if !productionLike(o.Environment) {
		return nil
	}
	if !boolValue(o.StrictProdSecurity, true) {
		return nil
	}
	service := strings.TrimSpace(o.Service)
	if service == "" {
		service = "service"
	}
	if !boolValue(o.DatabaseRequireTLS, false) {
		return fmt.Errorf("%s: production hardening requires DATABASE_REQUIRE_TLS=true", service)
	}
	if strings.TrimSpace(o.RedisAddr) != "" {
		if !boolValue(o.RedisRequireTLS, false) {
			return fmt.Errorf("%s: production hardening requires REDIS_REQUIRE_TLS=true", service)
		}
		if boolValue(o.RedisTLSInsecure, false) || boolValue(o.RedisAllowInsecureTLS, false) {
			return fmt.Errorf("%s: production hardening forbids REDIS_TLS_INSECURE/REDIS_ALLOW_INSECURE_TLS", service)
		}
	}
	if err := checkCORSOrigins(o.CORSAllowedOrigins, service); err != nil {
		return err
	}
	for _, req := range o.RequiredServiceSecrets {
		if strings.TrimSpace(req.Name) == "" {
			continue
		}
		if strings.TrimSpace(req.Value) == "" {
			return fmt.Errorf("%s: production hardening requires %s", service, req.Name)
		}
	}
	return nil
}

func checkCORSOrigins(raw, service string) error {
	seen := 0
	for _, origin := range strings.Split(raw, ",") {
		o := strings.TrimSpace(origin)
		if o == "" {
			continue
		}
		seen++
		lower := strings.ToLower(o)
		switch {
		case lower == "*":
			return fmt.Errorf("%s: production hardening forbids CORS wildcard origin", service)
		case strings.HasPrefix(lower, "http://localhost"),
			strings.HasPrefix(lower, "https://localhost"),
			strings.HasPrefix(lower, "http://127.0.0.1"),
			strings.HasPrefix(lower, "https://127.0.0.1"):
			return fmt.Errorf("%s: production hardening forbids localhost CORS origin %q", service, o)
		case !strings.HasPrefix(lower, "https://"):
			return fmt.Errorf("%s: production hardening requires HTTPS CORS origin, got %q", service, o)
		}
	}
	if seen == 0 {
		return fmt.Errorf("%s: production hardening requires explicit CORS_ALLOWED_ORIGINS", service)
	}
	return nil
}

func boolValue(raw string, def bool) bool {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return def
	}
	return strings.EqualFold(trimmed, "true")
}

func productionLike(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "prod", "production", "staging", "stage":
		return true
	}
	return false
}
