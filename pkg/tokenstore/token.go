// Package tokenstore keeps the pool of upstream credentials: selection,
// quota accounting, health transitions and persistence.
package tokenstore

import (
	"fmt"
	"hash/fnv"
	"time"
)

type Tier string

const (
	TierBasic Tier = "basic"
	TierSuper Tier = "super"
)

type Health string

const (
	HealthActive      Health = "active"
	HealthCoolingDown Health = "cooling_down"
	HealthExhausted   Health = "exhausted"
	HealthBanned      Health = "banned"
)

// Capability is what a request needs from a credential. Heavy and video
// generation are only served by super-tier accounts upstream.
type Capability int

const (
	CapabilityChat Capability = iota
	CapabilityHeavy
	CapabilityImage
	CapabilityVideo
)

// QuotaUnknown marks a credential whose remaining quota has not been observed
// yet. Unknown quota sorts ahead of any known value during selection.
const QuotaUnknown = -1

type Token struct {
	ID     string `json:"id" gorm:"primaryKey"`
	Secret string `json:"secret"`
	Tier   Tier   `json:"tier"`

	QuotaRemaining      int `json:"quota_remaining"`
	HeavyQuotaRemaining int `json:"heavy_quota_remaining"`

	Health              Health    `json:"health"`
	CooldownUntil       time.Time `json:"cooldown_until,omitempty"`
	WindowStartedAt     time.Time `json:"window_started_at,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures,omitempty"`

	LastUsedAt        time.Time `json:"last_used_at,omitempty"`
	RequestCount      int64     `json:"request_count,omitempty"`
	FailureCount      int64     `json:"failure_count,omitempty"`
	LastFailureAt     time.Time `json:"last_failure_at,omitempty"`
	LastFailureReason string    `json:"last_failure_reason,omitempty"`

	Tags []string `json:"tags,omitempty" gorm:"serializer:json"`
	Note string   `json:"note,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// TokenID derives a stable identifier from the credential secret, so the same
// secret always maps to the same token across restarts and backends.
func TokenID(secret string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(secret))
	return fmt.Sprintf("tok-%016x", h.Sum64())
}

func (t *Token) clone() Token {
	cp := *t
	cp.Tags = append([]string(nil), t.Tags...)
	return cp
}

// supports reports whether the tier can serve the capability at all,
// independent of quota or health. Only heavy models are gated to the super
// tier; video generation runs against the regular model pool.
func (t *Token) supports(cap Capability) bool {
	if cap == CapabilityHeavy {
		return t.Tier == TierSuper
	}
	return true
}

func (t *Token) quotaFor(cap Capability) int {
	if cap == CapabilityHeavy {
		return t.HeavyQuotaRemaining
	}
	return t.QuotaRemaining
}
