package httpx

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"
)

// attemptOutcome classifies a single request attempt for the retry loop.
type attemptOutcome int

const (
	outcomeDone attemptOutcome = iota
	outcomeRetry
	outcomeFatal
)

func attemptJSON(ctx context.Context, client *http.Client, method, url string, body []byte, headers map[string]string) (int, []byte, attemptOutcome, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return 0, nil, outcomeFatal, err
	}
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, outcomeRetry, err
	}
	defer func() { _ = resp.Body.Close() }()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, outcomeRetry, err
	}
	if resp.StatusCode >= 500 {
		return resp.StatusCode, respBody, outcomeRetry, nil
	}
	return resp.StatusCode, respBody, outcomeDone, nil
}

// RequestJSON posts a JSON body and returns the status and raw response.
// Transport errors, body read errors and 5xx answers are retried up to
// retries extra attempts; 4xx answers are returned to the caller as-is.
// The delay between attempts is cut short when ctx ends.
func RequestJSON(ctx context.Context, client *http.Client, method, url string, body []byte, headers map[string]string, retries int, retryDelay time.Duration) (int, []byte, error) {
	if client == nil {
		client = http.DefaultClient
	}
	if retries < 0 {
		retries = 0
	}
	var (
		status  int
		resp    []byte
		lastErr error
	)
	for attempt := 0; ; attempt++ {
		var outcome attemptOutcome
		status, resp, outcome, lastErr = attemptJSON(ctx, client, method, url, body, headers)
		switch {
		case outcome == outcomeDone:
			return status, resp, nil
		case outcome == outcomeFatal, attempt >= retries:
			if lastErr != nil {
				return 0, nil, lastErr
			}
			// Retries exhausted on a 5xx; hand the caller the last answer.
			return status, resp, nil
		}
		if err := sleepCtx(ctx, retryDelay); err != nil {
			return 0, nil, err
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
