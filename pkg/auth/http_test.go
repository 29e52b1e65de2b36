package auth

import (
	"context"
	"crypto"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func b64(v any) string {
	raw, _ := json.Marshal(v)
	return base64.RawURLEncoding.EncodeToString(raw)
}

func mintHS256(t *testing.T, claims map[string]any, secret string) string {
	t.Helper()
	head := b64(map[string]string{"alg": "HS256", "typ": "JWT"})
	body := b64(claims)
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(head + "." + body))
	return head + "." + body + "." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func operatorClaims(ttl time.Duration) map[string]any {
	return map[string]any{
		"sub":    "op-7",
		"roles":  []string{"Operator", "ComplianceOfficer"},
		"tenant": "assistant-tenant",
		"iss":    "https://sso.assistant.internal",
		"aud":    "assistant-api",
		"exp":    time.Now().UTC().Add(ttl).Unix(),
	}
}

func TestVerifyHS256(t *testing.T) {
	secret := "pipeline-secret"
	tok := mintHS256(t, operatorClaims(time.Minute), secret)

	claims, err := verifyHS256(tok, secret, time.Now().UTC(), "https://sso.assistant.internal", "assistant-api")
	if err != nil {
		t.Fatalf("verifyHS256: %v", err)
	}
	if claims.Sub != "op-7" || claims.Tenant != "assistant-tenant" {
		t.Fatalf("claims = %+v", claims)
	}
	if len(claims.Roles) != 2 || claims.Roles[0] != "Operator" {
		t.Fatalf("roles = %v", claims.Roles)
	}
}

func TestVerifyHS256Rejects(t *testing.T) {
	now := time.Now().UTC()
	secret := "pipeline-secret"

	cases := map[string]struct {
		token  string
		secret string
		issuer string
		aud    string
	}{
		"empty secret":   {token: "a.b.c", secret: ""},
		"not compact":    {token: "not-a-jwt", secret: secret},
		"wrong alg":      {token: b64(map[string]string{"alg": "none"}) + "." + b64(operatorClaims(time.Minute)) + ".", secret: secret},
		"bad signature":  {token: mintHS256(t, operatorClaims(time.Minute), "other-secret"), secret: secret},
		"expired":        {token: mintHS256(t, operatorClaims(-time.Minute), secret), secret: secret},
		"issuer differs": {token: mintHS256(t, operatorClaims(time.Minute), secret), secret: secret, issuer: "https://sso.other.internal"},
		"aud differs":    {token: mintHS256(t, operatorClaims(time.Minute), secret), secret: secret, aud: "billing-api"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := verifyHS256(tc.token, tc.secret, now, tc.issuer, tc.aud); err == nil {
				t.Fatal("expected verification failure")
			}
		})
	}

	missingExp := map[string]any{"sub": "op-7", "roles": []string{"operator"}}
	if _, err := verifyHS256(mintHS256(t, missingExp, secret), secret, now, "", ""); err == nil {
		t.Fatal("missing exp must fail")
	}
	noSub := operatorClaims(time.Minute)
	delete(noSub, "sub")
	if _, err := verifyHS256(mintHS256(t, noSub, secret), secret, now, "", ""); err == nil {
		t.Fatal("missing sub must fail")
	}
	future := operatorClaims(time.Minute)
	future["nbf"] = now.Add(time.Minute).Unix()
	if _, err := verifyHS256(mintHS256(t, future, secret), secret, now, "", ""); err == nil {
		t.Fatal("nbf in the future must fail")
	}
}

func TestClaimShapes(t *testing.T) {
	now := time.Now().UTC()
	secret := "pipeline-secret"

	single := operatorClaims(time.Minute)
	single["roles"] = "securityadmin"
	claims, err := verifyHS256(mintHS256(t, single, secret), secret, now, "", "")
	if err != nil {
		t.Fatalf("verifyHS256: %v", err)
	}
	if len(claims.Roles) != 1 || claims.Roles[0] != "securityadmin" {
		t.Fatalf("single-string roles = %v", claims.Roles)
	}

	multi := operatorClaims(time.Minute)
	multi["aud"] = []string{"billing-api", "assistant-api"}
	if _, err := verifyHS256(mintHS256(t, multi, secret), secret, now, "", "assistant-api"); err != nil {
		t.Fatalf("audience list should match: %v", err)
	}
	if _, err := verifyHS256(mintHS256(t, multi, secret), secret, now, "", "console-api"); err == nil {
		t.Fatal("audience list without a match must fail")
	}
}

func TestHasAnyRole(t *testing.T) {
	p := Principal{Subject: "op-7", Roles: []string{" Operator ", "ComplianceOfficer"}}
	if !HasAnyRole(p, "operator") {
		t.Fatal("role match is case and whitespace insensitive")
	}
	if HasAnyRole(p, "securityadmin") {
		t.Fatal("unheld role must not match")
	}
	if !HasAnyRole(p) {
		t.Fatal("no requirement admits everyone")
	}
}

func TestPrincipalContext(t *testing.T) {
	if _, ok := PrincipalFromContext(context.Background()); ok {
		t.Fatal("empty context must not carry a principal")
	}
	ctx := WithPrincipal(context.Background(), Principal{Subject: "op-7"})
	p, ok := PrincipalFromContext(ctx)
	if !ok || p.Subject != "op-7" {
		t.Fatalf("principal = %+v ok = %v", p, ok)
	}
}

func TestMiddlewareOffModeIsAnonymous(t *testing.T) {
	var seen Principal
	h := Middleware("off", "")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = PrincipalFromContext(r.Context())
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/assistant", nil))
	if seen.Subject != "anonymous" || len(seen.Roles) != 1 || seen.Roles[0] != "anonymous" {
		t.Fatalf("principal = %+v", seen)
	}
}

func TestMiddlewareHS256(t *testing.T) {
	secret := "pipeline-secret"
	mw := Middleware("oidc_hs256", secret,
		WithIssuer("https://sso.assistant.internal"),
		WithAudience("assistant-api"),
	)
	var seen Principal
	h := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = PrincipalFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	t.Run("valid token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/assistant", nil)
		req.Header.Set("Authorization", "Bearer "+mintHS256(t, operatorClaims(time.Minute), secret))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusNoContent {
			t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
		}
		if seen.Subject != "op-7" || seen.Tenant != "assistant-tenant" {
			t.Fatalf("principal = %+v", seen)
		}
	})

	t.Run("missing header", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/assistant", nil))
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d", rec.Code)
		}
	})

	t.Run("bad token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/assistant", nil)
		req.Header.Set("Authorization", "Bearer "+mintHS256(t, operatorClaims(time.Minute), "other-secret"))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d", rec.Code)
		}
	})
}

func TestMiddlewareUnknownModeRejects(t *testing.T) {
	h := Middleware("mtls", "")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run")
	}))
	req := httptest.NewRequest(http.MethodPost, "/api/assistant", nil)
	req.Header.Set("Authorization", "Bearer whatever")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
}

func mintRS256(t *testing.T, key *rsa.PrivateKey, kid string, claims map[string]any) string {
	t.Helper()
	head := b64(map[string]string{"alg": "RS256", "kid": kid})
	body := b64(claims)
	digest := sha256.Sum256([]byte(head + "." + body))
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return head + "." + body + "." + base64.RawURLEncoding.EncodeToString(sig)
}

func jwksServer(t *testing.T, key *rsa.PrivateKey, kid string) *httptest.Server {
	t.Helper()
	pub := key.Public().(*rsa.PublicKey)
	doc := map[string]any{
		"keys": []map[string]string{{
			"kid": kid,
			"kty": "RSA",
			"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString([]byte{1, 0, 1}),
		}},
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(doc)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestVerifyRS256(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	srv := jwksServer(t, key, "assistant-signing-1")
	cache := newJWKSCache(srv.URL, time.Second)
	now := time.Now().UTC()

	token := mintRS256(t, key, "assistant-signing-1", operatorClaims(time.Minute))
	claims, err := verifyRS256(token, now, cache, "https://sso.assistant.internal", "assistant-api")
	if err != nil {
		t.Fatalf("verifyRS256: %v", err)
	}
	if claims.Sub != "op-7" {
		t.Fatalf("claims = %+v", claims)
	}

	// Second verification is served from the cached key set.
	if _, err := verifyRS256(token, now, cache, "", ""); err != nil {
		t.Fatalf("cached verify: %v", err)
	}

	t.Run("unknown kid", func(t *testing.T) {
		rogue := mintRS256(t, key, "rogue-kid", operatorClaims(time.Minute))
		if _, err := verifyRS256(rogue, now, cache, "", ""); err == nil {
			t.Fatal("unknown kid must fail")
		}
	})
	t.Run("missing kid", func(t *testing.T) {
		head := b64(map[string]string{"alg": "RS256"})
		body := b64(operatorClaims(time.Minute))
		if _, err := verifyRS256(head+"."+body+".", now, cache, "", ""); err == nil {
			t.Fatal("missing kid must fail")
		}
	})
	t.Run("tampered payload", func(t *testing.T) {
		parts := strings.Split(token, ".")
		forged := operatorClaims(time.Minute)
		forged["roles"] = []string{"securityadmin"}
		parts[1] = b64(forged)
		if _, err := verifyRS256(strings.Join(parts, "."), now, cache, "", ""); err == nil {
			t.Fatal("tampered payload must fail signature check")
		}
	})
}

func TestJWKSCacheFailures(t *testing.T) {
	now := time.Now().UTC()

	var nilCache *jwksCache
	if _, err := nilCache.key(context.Background(), "k", now); err == nil {
		t.Fatal("nil cache must error")
	}
	if _, err := newJWKSCache("", time.Second).key(context.Background(), "k", now); err == nil {
		t.Fatal("missing url must error")
	}

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "maintenance", http.StatusServiceUnavailable)
	}))
	defer down.Close()
	if _, err := newJWKSCache(down.URL, time.Second).key(context.Background(), "k", now); err == nil {
		t.Fatal("non-200 jwks fetch must error")
	}

	empty := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"keys":[{"kid":"ec-1","kty":"EC"}]}`))
	}))
	defer empty.Close()
	if _, err := newJWKSCache(empty.URL, time.Second).key(context.Background(), "ec-1", now); err == nil {
		t.Fatal("jwks without rsa keys must error")
	}
}

func TestRSAFromJWK(t *testing.T) {
	if _, err := rsaFromJWK("!!!", "AQAB"); err == nil {
		t.Fatal("bad modulus encoding must error")
	}
	if _, err := rsaFromJWK("AQAB", "AQ"); err == nil {
		t.Fatal("exponent of 1 must error")
	}
}
