package proxy

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"
)

// nowUTC is swapped out by tests.
var nowUTC = func() time.Time { return time.Now().UTC() }

func bearerToken(h http.Header) string {
	auth := strings.TrimSpace(h.Get("Authorization"))
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func keyAllowed(key string, allowed []string) bool {
	if key == "" {
		return false
	}
	for _, k := range allowed {
		if subtle.ConstantTimeCompare([]byte(key), []byte(k)) == 1 {
			return true
		}
	}
	return false
}
