package logutil

import (
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Configure sets the process-wide log level and output format.
func Configure(levelRaw string) error {
	levelRaw = strings.TrimSpace(levelRaw)
	if levelRaw == "" {
		levelRaw = "info"
	}
	level, err := log.ParseLevel(levelRaw)
	if err != nil {
		return fmt.Errorf("invalid loglevel %q", levelRaw)
	}
	log.SetLevel(level)
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
	return nil
}

// Redact shortens an opaque secret for logging. Full credential values must
// never reach the logs.
func Redact(secret string) string {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return ""
	}
	if len(secret) <= 10 {
		return secret[:1] + "..."
	}
	return secret[:10] + "..."
}

// Truncate caps a string for log and error messages.
func Truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
