package httpx

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestWriteJSONEnvelope(t *testing.T) {
	rr := httptest.NewRecorder()
	WriteJSON(rr, http.StatusOK, map[string]any{"trace_id": "trace_1", "allowed": true})
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content type = %q", ct)
	}
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["trace_id"] != "trace_1" || body["allowed"] != true {
		t.Fatalf("unexpected body: %#v", body)
	}
}

func TestWriteJSONUnmarshalable(t *testing.T) {
	rr := httptest.NewRecorder()
	WriteJSON(rr, http.StatusOK, map[string]any{"bad": func() {}})
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rr.Code)
	}
}

func TestErrorBodyShape(t *testing.T) {
	rr := httptest.NewRecorder()
	Error(rr, http.StatusConflict, "artifact class audit_entry is write-once")
	if rr.Code != http.StatusConflict {
		t.Fatalf("status = %d", rr.Code)
	}
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Error != "artifact class audit_entry is write-once" {
		t.Fatalf("error = %q", body.Error)
	}
}

func TestSecurityHeaders(t *testing.T) {
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/threats", nil)
	SecurityHeadersMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})).ServeHTTP(rr, req)

	for _, kv := range hardeningHeaders {
		if got := rr.Header().Get(kv[0]); got != kv[1] {
			t.Errorf("%s = %q, want %q", kv[0], got, kv[1])
		}
	}
}

func TestCORSAllowsListedOrigin(t *testing.T) {
	h := CORSMiddleware("https://assistant-console.example.com")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	req := httptest.NewRequest(http.MethodPost, "/api/assistant", nil)
	req.Header.Set("Origin", "https://assistant-console.example.com")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "https://assistant-console.example.com" {
		t.Fatalf("allow-origin = %q", got)
	}
}

func TestCORSPreflight(t *testing.T) {
	h := CORSMiddleware("https://assistant-console.example.com")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler must not run for preflight")
	}))

	t.Run("listed origin", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodOptions, "/api/assistant", nil)
		req.Header.Set("Origin", "https://assistant-console.example.com")
		req.Header.Set("Access-Control-Request-Method", "POST")
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		if rr.Code != http.StatusNoContent {
			t.Fatalf("status = %d, want 204", rr.Code)
		}
	})

	t.Run("unlisted origin", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodOptions, "/api/assistant", nil)
		req.Header.Set("Origin", "https://attacker.example.net")
		req.Header.Set("Access-Control-Request-Method", "POST")
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		if rr.Code != http.StatusForbidden {
			t.Fatalf("status = %d, want 403", rr.Code)
		}
	})
}

func TestCORSPassthrough(t *testing.T) {
	h := CORSMiddleware("https://assistant-console.example.com")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	t.Run("no origin header", func(t *testing.T) {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		if rr.Code != http.StatusOK {
			t.Fatalf("status = %d", rr.Code)
		}
		if rr.Header().Get("Access-Control-Allow-Origin") != "" {
			t.Fatal("no CORS grant expected without an Origin header")
		}
	})

	t.Run("unlisted origin plain request gets no grant", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/audit", nil)
		req.Header.Set("Origin", "https://attacker.example.net")
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		if rr.Code != http.StatusOK {
			t.Fatalf("status = %d", rr.Code)
		}
		if rr.Header().Get("Access-Control-Allow-Origin") != "" {
			t.Fatal("disallowed origin must not receive a grant")
		}
	})
}

func TestOriginPolicyWildcard(t *testing.T) {
	p := parseOriginPolicy(" https://a.example.com, * ,")
	if !p.allows("https://anything.example.org") {
		t.Fatal("wildcard policy must allow any origin")
	}
	strict := parseOriginPolicy("https://a.example.com")
	if strict.allows("https://b.example.com") {
		t.Fatal("strict policy must reject unlisted origins")
	}
}
