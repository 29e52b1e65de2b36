package httpx

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

type transportFunc func(*http.Request) (*http.Response, error)

func (f transportFunc) RoundTrip(req *http.Request) (*http.Response, error) { return f(req) }

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader(body)),
		Header:     http.Header{},
	}
}

func TestRequestJSONRetriesServerErrors(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"decision":"allow"}`))
	}))
	defer srv.Close()

	status, body, err := RequestJSON(context.Background(), srv.Client(), http.MethodPost, srv.URL,
		[]byte(`{"text":"hello","trace_id":"trace_retry"}`), nil, 2, time.Millisecond)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if status != http.StatusOK || string(body) != `{"decision":"allow"}` {
		t.Fatalf("status=%d body=%s", status, body)
	}
	if atomic.LoadInt32(&hits) != 2 {
		t.Fatalf("hits = %d, want 2", hits)
	}
}

func TestRequestJSONClientErrorsAreFinal(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	status, _, err := RequestJSON(context.Background(), srv.Client(), http.MethodPost, srv.URL, []byte(`{}`), nil, 3, time.Millisecond)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if status != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d", status)
	}
	if atomic.LoadInt32(&hits) != 1 {
		t.Fatalf("a 4xx must not be retried, hits = %d", hits)
	}
}

func TestRequestJSONExhaustedReturnsLastAnswer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":"safety backend down"}`))
	}))
	defer srv.Close()

	status, body, err := RequestJSON(context.Background(), srv.Client(), http.MethodPost, srv.URL, []byte(`{}`), nil, 1, 0)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if status != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", status)
	}
	if !strings.Contains(string(body), "safety backend down") {
		t.Fatalf("body = %s", body)
	}
}

func TestRequestJSONHeadersAndContentType(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer svc-token" {
			t.Errorf("authorization = %q", got)
		}
		if got := r.Header.Get("Content-Type"); got != "application/json" {
			t.Errorf("content type = %q", got)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	_, _, err := RequestJSON(context.Background(), nil, http.MethodPost, srv.URL,
		[]byte(`{"text":"x"}`), map[string]string{"Authorization": "Bearer svc-token"}, 0, 0)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
}

func TestRequestJSONBadMethod(t *testing.T) {
	_, _, err := RequestJSON(context.Background(), http.DefaultClient, "no spaces allowed", "http://127.0.0.1:0", nil, nil, 5, 0)
	if err == nil {
		t.Fatal("expected request build error")
	}
}

func TestRequestJSONTransportFailures(t *testing.T) {
	t.Run("exhausted", func(t *testing.T) {
		client := &http.Client{Transport: transportFunc(func(*http.Request) (*http.Response, error) {
			return nil, errors.New("connection refused")
		})}
		_, _, err := RequestJSON(context.Background(), client, http.MethodGet, "http://safety.internal", nil, nil, -1, 0)
		if err == nil || !strings.Contains(err.Error(), "connection refused") {
			t.Fatalf("err = %v", err)
		}
	})

	t.Run("recovers on retry", func(t *testing.T) {
		var hits int32
		client := &http.Client{Transport: transportFunc(func(*http.Request) (*http.Response, error) {
			if atomic.AddInt32(&hits, 1) == 1 {
				return nil, errors.New("connection reset")
			}
			return jsonResponse(http.StatusOK, `{"behavioral_state":"calm"}`), nil
		})}
		status, body, err := RequestJSON(context.Background(), client, http.MethodGet, "http://intelligence.internal", nil, nil, 1, 0)
		if err != nil {
			t.Fatalf("request: %v", err)
		}
		if status != http.StatusOK || !strings.Contains(string(body), "calm") {
			t.Fatalf("status=%d body=%s", status, body)
		}
	})
}

type brokenBody struct{}

func (brokenBody) Read([]byte) (int, error) { return 0, errors.New("stream truncated") }
func (brokenBody) Close() error             { return nil }

func TestRequestJSONReadErrorRetried(t *testing.T) {
	var hits int32
	client := &http.Client{Transport: transportFunc(func(*http.Request) (*http.Response, error) {
		if atomic.AddInt32(&hits, 1) == 1 {
			return &http.Response{StatusCode: http.StatusOK, Body: brokenBody{}, Header: http.Header{}}, nil
		}
		return jsonResponse(http.StatusOK, `{"ok":true}`), nil
	})}
	status, _, err := RequestJSON(context.Background(), client, http.MethodGet, "http://execution.internal", nil, nil, 1, 0)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if status != http.StatusOK || atomic.LoadInt32(&hits) != 2 {
		t.Fatalf("status=%d hits=%d", status, hits)
	}
}

func TestRequestJSONCancelledBetweenAttempts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	client := &http.Client{Transport: transportFunc(func(*http.Request) (*http.Response, error) {
		cancel()
		return nil, errors.New("backend flapping")
	})}
	_, _, err := RequestJSON(ctx, client, http.MethodGet, "http://safety.internal", nil, nil, 3, time.Minute)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}
