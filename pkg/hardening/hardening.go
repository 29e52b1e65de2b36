// Package hardening refuses unsafe production configuration at boot.
// The pipeline fails closed at runtime; this is the same posture for
// deployment settings. Outside production-like environments every
// check is skipped so local runs and CI stay frictionless.
package hardening

import (
	"fmt"
	"strings"
)

// Secret names a credential that must be present in strict mode.
type Secret struct {
	Name  string
	Value string
}

type Options struct {
	Service          string
	Environment      string
	StrictMode       string
	DatabaseTLS      string
	RedisAddr        string
	RedisTLS         string
	RedisInsecureTLS string
	AllowedOrigins   string
	Secrets          []Secret
}

// ValidateProduction runs the strict-mode checks and returns the first
// violation. Strict mode defaults to on in production-like environments
// and must be disabled explicitly.
func ValidateProduction(o Options) error {
	if !productionLike(o.Environment) {
		return nil
	}
	if !boolSetting(o.StrictMode, true) {
		return nil
	}
	if strings.TrimSpace(o.Service) == "" {
		o.Service = "service"
	}
	for _, check := range []func() error{o.checkDatabase, o.checkRedis, o.checkOrigins, o.checkSecrets} {
		if err := check(); err != nil {
			return err
		}
	}
	return nil
}

func (o Options) violation(format string, args ...any) error {
	return fmt.Errorf("%s: production hardening: %s", o.Service, fmt.Sprintf(format, args...))
}

func (o Options) checkDatabase() error {
	if !boolSetting(o.DatabaseTLS, false) {
		return o.violation("DATABASE_REQUIRE_TLS must be true")
	}
	return nil
}

func (o Options) checkRedis() error {
	if strings.TrimSpace(o.RedisAddr) == "" {
		return nil
	}
	if !boolSetting(o.RedisTLS, false) {
		return o.violation("REDIS_REQUIRE_TLS must be true")
	}
	if boolSetting(o.RedisInsecureTLS, false) {
		return o.violation("insecure redis TLS overrides are forbidden")
	}
	return nil
}

func (o Options) checkOrigins() error {
	named := 0
	for _, part := range strings.Split(o.AllowedOrigins, ",") {
		origin := strings.ToLower(strings.TrimSpace(part))
		if origin == "" {
			continue
		}
		named++
		switch {
		case origin == "*":
			return o.violation("wildcard CORS origin is forbidden")
		case strings.HasPrefix(origin, "http://localhost"),
			strings.HasPrefix(origin, "https://localhost"),
			strings.HasPrefix(origin, "http://127.0.0.1"),
			strings.HasPrefix(origin, "https://127.0.0.1"):
			return o.violation("localhost CORS origin %q is forbidden", origin)
		case !strings.HasPrefix(origin, "https://"):
			return o.violation("CORS origin %q must use https", origin)
		}
	}
	if named == 0 {
		return o.violation("CORS_ALLOWED_ORIGINS must name at least one origin")
	}
	return nil
}

func (o Options) checkSecrets() error {
	for _, s := range o.Secrets {
		if strings.TrimSpace(s.Name) == "" {
			continue
		}
		if strings.TrimSpace(s.Value) == "" {
			return o.violation("%s must be set", s.Name)
		}
	}
	return nil
}

func boolSetting(raw string, def bool) bool {
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
