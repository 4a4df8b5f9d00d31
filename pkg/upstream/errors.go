package upstream

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/grokgate/grokgate/pkg/logutil"
)

// HTTPError is a non-200 upstream response. The body is captured (truncated)
// for classification; callers must never echo it to clients verbatim.
type HTTPError struct {
	StatusCode int
	Body       string
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("upstream status %d: %s", e.StatusCode, logutil.Truncate(e.Body, 200))
}

func IsAuthError(err error) bool {
	var he *HTTPError
	if !errors.As(err, &he) {
		return false
	}
	return he.StatusCode == http.StatusUnauthorized
}

func IsRateLimited(err error) bool {
	var he *HTTPError
	if !errors.As(err, &he) {
		return false
	}
	return he.StatusCode == http.StatusTooManyRequests
}

// IsBlocked reports an anti-bot interception: a 403, or a 429 whose body
// carries the challenge page instead of a real rate-limit response.
func IsBlocked(err error) bool {
	var he *HTTPError
	if !errors.As(err, &he) {
		return false
	}
	if he.StatusCode == http.StatusForbidden {
		return true
	}
	if he.StatusCode == http.StatusTooManyRequests {
		body := strings.ToLower(he.Body)
		return strings.Contains(body, "cloudflare") || strings.Contains(body, "just a moment")
	}
	return false
}

func IsRetryable(err error) bool {
	var he *HTTPError
	if errors.As(err, &he) {
		return he.StatusCode == http.StatusTooManyRequests ||
			he.StatusCode == http.StatusForbidden ||
			he.StatusCode == http.StatusUnauthorized ||
			he.StatusCode >= 500
	}
	// Transport-level failures (timeouts, resets) are retryable on another
	// credential/proxy.
	return err != nil
}

// RetryAfterHint returns the upstream's Retry-After if it sent one.
func RetryAfterHint(err error) time.Duration {
	var he *HTTPError
	if errors.As(err, &he) {
		return he.RetryAfter
	}
	return 0
}

func parseRetryAfter(h http.Header) time.Duration {
	raw := strings.TrimSpace(h.Get("Retry-After"))
	if raw == "" {
		return 0
	}
	if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(raw); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
