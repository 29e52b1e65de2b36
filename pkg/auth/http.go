// Package auth verifies bearer tokens on the assistant API surface and
// carries the caller identity through request contexts.
package auth

import (
	"context"
	"crypto"
	"crypto/hmac"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Principal is the authenticated caller attached to every request that
// clears the middleware.
type Principal struct {
	Subject string
	Roles   []string
	Tenant  string
}

type contextKey string

const principalContextKey contextKey = "assistant.principal"

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalContextKey, p)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalContextKey).(Principal)
	return p, ok
}

// HasAnyRole reports whether the principal holds at least one of the
// required roles. No requirements means everyone qualifies.
func HasAnyRole(p Principal, required ...string) bool {
	if len(required) == 0 {
		return true
	}
	held := make(map[string]struct{}, len(p.Roles))
	for _, r := range p.Roles {
		held[strings.ToLower(strings.TrimSpace(r))] = struct{}{}
	}
	for _, want := range required {
		if _, ok := held[strings.ToLower(strings.TrimSpace(want))]; ok {
			return true
		}
	}
	return false
}

type MiddlewareConfig struct {
	JWKSURL  string
	Issuer   string
	Audience string
	Timeout  time.Duration
}

type MiddlewareOption func(*MiddlewareConfig)

func WithJWKS(url string) MiddlewareOption {
	return func(cfg *MiddlewareConfig) { cfg.JWKSURL = strings.TrimSpace(url) }
}

func WithIssuer(issuer string) MiddlewareOption {
	return func(cfg *MiddlewareConfig) { cfg.Issuer = strings.TrimSpace(issuer) }
}

func WithAudience(audience string) MiddlewareOption {
	return func(cfg *MiddlewareConfig) { cfg.Audience = strings.TrimSpace(audience) }
}

func WithTimeout(timeout time.Duration) MiddlewareOption {
	return func(cfg *MiddlewareConfig) { cfg.Timeout = timeout }
}

// Middleware builds the bearer-token gate for the given AUTH_MODE.
// Mode "off" (or empty) waves callers through as anonymous; that is
// the local-development posture, production hardening rejects it.
func Middleware(mode, secret string, options ...MiddlewareOption) func(http.Handler) http.Handler {
	mode = strings.ToLower(strings.TrimSpace(mode))
	cfg := MiddlewareConfig{Timeout: 5 * time.Second}
	for _, opt := range options {
		opt(&cfg)
	}

	if mode == "" || mode == "off" {
		anonymous := Principal{Subject: "anonymous", Roles: []string{"anonymous"}}
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), anonymous)))
			})
		}
	}

	var verify func(token string) (TokenClaims, error)
	switch mode {
	case "oidc_hs256":
		verify = func(token string) (TokenClaims, error) {
			return verifyHS256(token, secret, time.Now().UTC(), cfg.Issuer, cfg.Audience)
		}
	case "oidc_rs256":
		cache := newJWKSCache(cfg.JWKSURL, cfg.Timeout)
		verify = func(token string) (TokenClaims, error) {
			return verifyRS256(token, time.Now().UTC(), cache, cfg.Issuer, cfg.Audience)
		}
	default:
		verify = func(string) (TokenClaims, error) {
			return TokenClaims{}, errors.New("unsupported auth mode")
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				http.Error(w, "missing bearer token", http.StatusUnauthorized)
				return
			}
			claims, err := verify(token)
			if err != nil {
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), Principal{
				Subject: claims.Sub,
				Roles:   []string(claims.Roles),
				Tenant:  claims.Tenant,
			})))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(strings.ToLower(header), "bearer ") {
		return "", false
	}
	return strings.TrimSpace(header[len("bearer "):]), true
}

// roleList tolerates both a JSON array and a single string, which is
// how different identity providers emit the roles claim.
type roleList []string

func (l *roleList) UnmarshalJSON(data []byte) error {
	var many []string
	if err := json.Unmarshal(data, &many); err == nil {
		*l = many
		return nil
	}
	var one string
	if err := json.Unmarshal(data, &one); err == nil && one != "" {
		*l = roleList{one}
	}
	return nil
}

// audienceClaim tolerates a bare string or an array of strings.
type audienceClaim []string

func (a *audienceClaim) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		*a = audienceClaim{one}
		return nil
	}
	var items []any
	if err := json.Unmarshal(data, &items); err == nil {
		for _, item := range items {
			if s, ok := item.(string); ok {
				*a = append(*a, s)
			}
		}
	}
	return nil
}

func (a audienceClaim) contains(expected string) bool {
	for _, aud := range a {
		if aud == expected {
			return true
		}
	}
	return false
}

type TokenClaims struct {
	Sub    string        `json:"sub"`
	Roles  roleList      `json:"roles"`
	Tenant string        `json:"tenant"`
	Iss    string        `json:"iss,omitempty"`
	Aud    audienceClaim `json:"aud,omitempty"`
	Exp    int64         `json:"exp"`
	Nbf    int64         `json:"nbf,omitempty"`
	Iat    int64         `json:"iat,omitempty"`
}

func (c TokenClaims) check(now time.Time, issuer, audience string) error {
	if c.Sub == "" {
		return errors.New("subject required")
	}
	if c.Exp == 0 || now.Unix() >= c.Exp {
		return errors.New("token expired")
	}
	if c.Nbf != 0 && now.Unix() < c.Nbf {
		return errors.New("token not active")
	}
	if issuer != "" && c.Iss != issuer {
		return errors.New("issuer mismatch")
	}
	if audience != "" && !c.Aud.contains(audience) {
		return errors.New("audience mismatch")
	}
	return nil
}

type tokenHeader struct {
	Alg string `json:"alg"`
	Typ string `json:"typ,omitempty"`
	Kid string `json:"kid,omitempty"`
}

type compactToken struct {
	header       tokenHeader
	payload      []byte
	signature    []byte
	signingInput string
}

func parseCompact(token string) (compactToken, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return compactToken{}, errors.New("invalid token format")
	}
	headerRaw, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return compactToken{}, err
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return compactToken{}, err
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return compactToken{}, err
	}
	var header tokenHeader
	if err := json.Unmarshal(headerRaw, &header); err != nil {
		return compactToken{}, err
	}
	return compactToken{
		header:       header,
		payload:      payload,
		signature:    sig,
		signingInput: parts[0] + "." + parts[1],
	}, nil
}

func verifyHS256(token, secret string, now time.Time, issuer, audience string) (TokenClaims, error) {
	if secret == "" {
		return TokenClaims{}, errors.New("secret is required")
	}
	tok, err := parseCompact(token)
	if err != nil {
		return TokenClaims{}, err
	}
	if strings.ToUpper(tok.header.Alg) != "HS256" {
		return TokenClaims{}, errors.New("unsupported alg")
	}
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(tok.signingInput))
	if !hmac.Equal(tok.signature, mac.Sum(nil)) {
		return TokenClaims{}, errors.New("signature mismatch")
	}
	var claims TokenClaims
	if err := json.Unmarshal(tok.payload, &claims); err != nil {
		return TokenClaims{}, err
	}
	if err := claims.check(now, issuer, audience); err != nil {
		return TokenClaims{}, err
	}
	return claims, nil
}

func verifyRS256(token string, now time.Time, cache *jwksCache, issuer, audience string) (TokenClaims, error) {
	tok, err := parseCompact(token)
	if err != nil {
		return TokenClaims{}, err
	}
	if strings.ToUpper(tok.header.Alg) != "RS256" {
		return TokenClaims{}, errors.New("unsupported alg")
	}
	kid := strings.TrimSpace(tok.header.Kid)
	if kid == "" {
		return TokenClaims{}, errors.New("kid required")
	}
	pub, err := cache.key(context.Background(), kid, now)
	if err != nil {
		return TokenClaims{}, err
	}
	digest := sha256.Sum256([]byte(tok.signingInput))
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], tok.signature); err != nil {
		return TokenClaims{}, err
	}
	var claims TokenClaims
	if err := json.Unmarshal(tok.payload, &claims); err != nil {
		return TokenClaims{}, err
	}
	if err := claims.check(now, issuer, audience); err != nil {
		return TokenClaims{}, err
	}
	return claims, nil
}

// jwksCache holds the issuer's RSA keys for five minutes between
// refreshes.
type jwksCache struct {
	url       string
	client    *http.Client
	mu        sync.RWMutex
	keys      map[string]*rsa.PublicKey
	expiresAt time.Time
}

func newJWKSCache(jwksURL string, timeout time.Duration) *jwksCache {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &jwksCache{
		url:    jwksURL,
		keys:   map[string]*rsa.PublicKey{},
		client: &http.Client{Timeout: timeout},
	}
}

func (c *jwksCache) key(ctx context.Context, kid string, now time.Time) (*rsa.PublicKey, error) {
	if c == nil {
		return nil, errors.New("jwks cache is nil")
	}
	if c.url == "" {
		return nil, errors.New("jwks url is required")
	}
	c.mu.RLock()
	if key, ok := c.keys[kid]; ok && now.Before(c.expiresAt) {
		c.mu.RUnlock()
		return key, nil
	}
	c.mu.RUnlock()
	if err := c.refresh(ctx, now); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	key, ok := c.keys[kid]
	if !ok {
		return nil, errors.New("kid not found in jwks")
	}
	return key, nil
}

func (c *jwksCache) refresh(ctx context.Context, now time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if now.Before(c.expiresAt) {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errors.New("jwks fetch failed")
	}
	var doc struct {
		Keys []struct {
			Kid string `json:"kid"`
			Kty string `json:"kty"`
			N   string `json:"n"`
			E   string `json:"e"`
		} `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return err
	}
	next := map[string]*rsa.PublicKey{}
	for _, k := range doc.Keys {
		if strings.ToUpper(k.Kty) != "RSA" || strings.TrimSpace(k.Kid) == "" {
			continue
		}
		pub, err := rsaFromJWK(k.N, k.E)
		if err != nil {
			continue
		}
		next[k.Kid] = pub
	}
	if len(next) == 0 {
		return errors.New("jwks has no valid rsa keys")
	}
	c.keys = next
	c.expiresAt = now.Add(5 * time.Minute)
	return nil
}

func rsaFromJWK(nB64, eB64 string) (*rsa.PublicKey, error) {
	nb, err := base64.RawURLEncoding.DecodeString(nB64)
	if err != nil {
		return nil, err
	}
	eb, err := base64.RawURLEncoding.DecodeString(eB64)
	if err != nil {
		return nil, err
	}
	e := 0
	for _, b := range eb {
		e = e<<8 + int(b)
	}
	if e <= 1 {
		return nil, errors.New("invalid exponent")
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(nb), E: e}, nil
}
