package upstream

import (
	"errors"
	"net/http"
	"testing"
	"time"
)

func TestClassification(t *testing.T) {
	cases := []struct {
		name        string
		err         error
		auth        bool
		rateLimited bool
		blocked     bool
		retryable   bool
	}{
		{
			name:      "unauthorized",
			err:       &HTTPError{StatusCode: 401},
			auth:      true,
			retryable: true,
		},
		{
			name:        "rate limited",
			err:         &HTTPError{StatusCode: 429, Body: `{"error":"rate limit"}`},
			rateLimited: true,
			retryable:   true,
		},
		{
			name:        "anti-bot challenge on 429",
			err:         &HTTPError{StatusCode: 429, Body: "<html>Just a moment...</html>"},
			rateLimited: true,
			blocked:     true,
			retryable:   true,
		},
		{
			name:      "forbidden is blocked",
			err:       &HTTPError{StatusCode: 403, Body: "cloudflare"},
			blocked:   true,
			retryable: true,
		},
		{
			name:      "server error",
			err:       &HTTPError{StatusCode: 502},
			retryable: true,
		},
		{
			name: "bad request is terminal",
			err:  &HTTPError{StatusCode: 400},
		},
		{
			name:      "network error",
			err:       errors.New("connection reset"),
			retryable: true,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsAuthError(tc.err); got != tc.auth {
				t.Errorf("IsAuthError = %v, want %v", got, tc.auth)
			}
			if got := IsRateLimited(tc.err); got != tc.rateLimited {
				t.Errorf("IsRateLimited = %v, want %v", got, tc.rateLimited)
			}
			if got := IsBlocked(tc.err); got != tc.blocked {
				t.Errorf("IsBlocked = %v, want %v", got, tc.blocked)
			}
			if got := IsRetryable(tc.err); got != tc.retryable {
				t.Errorf("IsRetryable = %v, want %v", got, tc.retryable)
			}
		})
	}
}

func TestParseRetryAfterSeconds(t *testing.T) {
	h := http.Header{}
	h.Set("Retry-After", "30")
	if got := parseRetryAfter(h); got != 30*time.Second {
		t.Fatalf("parseRetryAfter = %v", got)
	}
	h.Set("Retry-After", "not-a-number")
	if got := parseRetryAfter(h); got != 0 {
		t.Fatalf("parseRetryAfter with garbage = %v", got)
	}
}

func TestErrorMessageTruncatesBody(t *testing.T) {
	long := make([]byte, 1000)
	for i := range long {
		long[i] = 'x'
	}
	he := &HTTPError{StatusCode: 500, Body: string(long)}
	if len(he.Error()) > 300 {
		t.Fatalf("error message not truncated: %d chars", len(he.Error()))
	}
}
