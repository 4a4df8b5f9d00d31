package tokenstore

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/grokgate/grokgate/pkg/cache"
	"github.com/grokgate/grokgate/pkg/logutil"
)

var (
	ErrNoTokenAvailable = errors.New("no credential available for request")
	ErrTokenNotFound    = errors.New("token not found")
)

const (
	saveDebounce     = 2 * time.Second
	videoAffinityTTL = time.Hour
)

// Policy is the health-machine tuning, snapshotted from settings per call so
// admin changes apply without restarting the store.
type Policy struct {
	Cooldown     time.Duration
	BanThreshold int
	QuotaWindow  time.Duration
}

// FailureClass drives the transition taken by ReportFailure.
type FailureClass int

const (
	// FailureRateLimited is an upstream 429: cool the credential down.
	FailureRateLimited FailureClass = iota
	// FailureAuth is a 401/403: count towards the ban threshold.
	FailureAuth
	// FailureUpstream is a 5xx or transport error: cool down without any
	// ban progress, the credential itself is not suspect.
	FailureUpstream
)

func (c FailureClass) String() string {
	switch c {
	case FailureRateLimited:
		return "rate_limited"
	case FailureAuth:
		return "auth"
	default:
		return "upstream"
	}
}

// Store holds all tokens in memory and persists through a Backend. Writes are
// debounced; Close flushes.
type Store struct {
	mu      sync.Mutex
	tokens  map[string]*Token
	backend Backend
	policy  func() Policy

	saveTimer *time.Timer
	closed    bool

	// video id -> token id, so later upscale calls land on the account
	// that generated the clip.
	affinity *cache.TTLMap[string, string]

	nowFn func() time.Time
}

func NewStore(backend Backend, policy func() Policy) (*Store, error) {
	s := &Store{
		tokens:   map[string]*Token{},
		backend:  backend,
		policy:   policy,
		affinity: cache.NewTTLMap[string, string](),
		nowFn:    func() time.Time { return time.Now().UTC() },
	}
	loaded, err := backend.Load()
	if err != nil {
		return nil, err
	}
	for i := range loaded {
		t := loaded[i]
		if t.ID == "" {
			t.ID = TokenID(t.Secret)
		}
		if t.Health == "" {
			t.Health = HealthActive
		}
		s.tokens[t.ID] = &t
	}
	log.Infof("token store loaded %d credentials", len(s.tokens))
	return s, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	if s.saveTimer != nil {
		s.saveTimer.Stop()
		s.saveTimer = nil
	}
	snap := s.snapshotLocked()
	s.mu.Unlock()
	if err := s.backend.Save(snap); err != nil {
		return err
	}
	return s.backend.Close()
}

// Acquire picks the best available credential for the capability and marks it
// used. Quota is decremented optimistically; SetQuota corrects it when the
// upstream reports real numbers.
func (s *Store) Acquire(cap Capability, exclude map[string]struct{}) (Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.nowFn()
	pol := s.policy()
	s.reviveLocked(now, pol)

	var best *Token
	for _, t := range s.tokens {
		if _, skip := exclude[t.ID]; skip {
			continue
		}
		if t.Health != HealthActive || !t.supports(cap) || t.quotaFor(cap) == 0 {
			continue
		}
		if best == nil || betterCandidate(t, best, cap) {
			best = t
		}
	}
	if best == nil {
		return Token{}, ErrNoTokenAvailable
	}

	best.LastUsedAt = now
	best.RequestCount++
	if best.WindowStartedAt.IsZero() {
		best.WindowStartedAt = now
	}
	switch cap {
	case CapabilityHeavy:
		if best.HeavyQuotaRemaining > 0 {
			best.HeavyQuotaRemaining--
		}
	default:
		if best.QuotaRemaining > 0 {
			best.QuotaRemaining--
		}
	}
	s.markDirtyLocked()
	return best.clone(), nil
}

// betterCandidate orders by: unknown quota first, then highest remaining,
// ties broken least-recently-used.
func betterCandidate(a, b *Token, cap Capability) bool {
	qa, qb := a.quotaFor(cap), b.quotaFor(cap)
	aUnknown, bUnknown := qa == QuotaUnknown, qb == QuotaUnknown
	if aUnknown != bUnknown {
		return aUnknown
	}
	if qa != qb {
		return qa > qb
	}
	return a.LastUsedAt.Before(b.LastUsedAt)
}

// reviveLocked applies the lazy transitions: cooldown expiry and quota window
// rollover. Banned credentials never self-heal.
func (s *Store) reviveLocked(now time.Time, pol Policy) {
	for _, t := range s.tokens {
		if t.Health == HealthCoolingDown && !t.CooldownUntil.After(now) {
			t.Health = HealthActive
			t.CooldownUntil = time.Time{}
			s.markDirtyLocked()
		}
		if !t.WindowStartedAt.IsZero() && pol.QuotaWindow > 0 && now.Sub(t.WindowStartedAt) >= pol.QuotaWindow {
			t.WindowStartedAt = time.Time{}
			t.QuotaRemaining = QuotaUnknown
			t.HeavyQuotaRemaining = QuotaUnknown
			if t.Health == HealthExhausted {
				t.Health = HealthActive
			}
			s.markDirtyLocked()
		}
	}
}

func (s *Store) ReportSuccess(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[id]
	if !ok {
		return
	}
	t.ConsecutiveFailures = 0
	s.markDirtyLocked()
}

// ReportFailure moves the credential through the health machine. retryAfter
// overrides the default cooldown when the upstream supplied one.
func (s *Store) ReportFailure(id string, class FailureClass, retryAfter time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[id]
	if !ok {
		return
	}
	now := s.nowFn()
	pol := s.policy()
	t.FailureCount++
	t.LastFailureAt = now
	t.LastFailureReason = class.String()

	cooldown := pol.Cooldown
	if retryAfter > 0 {
		cooldown = retryAfter
	}

	switch class {
	case FailureAuth:
		t.ConsecutiveFailures++
		if t.ConsecutiveFailures >= pol.BanThreshold {
			t.Health = HealthBanned
			t.CooldownUntil = time.Time{}
			log.Warnf("token %s banned after %d consecutive auth failures", t.ID, t.ConsecutiveFailures)
		} else {
			t.Health = HealthCoolingDown
			t.CooldownUntil = now.Add(cooldown)
		}
	case FailureRateLimited, FailureUpstream:
		if t.Health != HealthBanned {
			t.Health = HealthCoolingDown
			t.CooldownUntil = now.Add(cooldown)
		}
	}
	s.markDirtyLocked()
}

// SetQuota records quota numbers observed from the upstream rate-limit probe.
func (s *Store) SetQuota(id string, remaining, heavyRemaining int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[id]
	if !ok {
		return
	}
	t.QuotaRemaining = remaining
	t.HeavyQuotaRemaining = heavyRemaining
	if t.WindowStartedAt.IsZero() {
		t.WindowStartedAt = s.nowFn()
	}
	switch {
	case remaining == 0 && t.Health == HealthActive:
		t.Health = HealthExhausted
	case remaining != 0 && t.Health == HealthExhausted:
		t.Health = HealthActive
	}
	s.markDirtyLocked()
}

// Unban is the only way out of HealthBanned.
func (s *Store) Unban(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[id]
	if !ok {
		return ErrTokenNotFound
	}
	t.Health = HealthActive
	t.ConsecutiveFailures = 0
	t.CooldownUntil = time.Time{}
	s.markDirtyLocked()
	return nil
}

// Add upserts a credential by its derived ID. Re-adding an existing secret
// updates tier, tags and note but keeps accumulated stats and health.
func (s *Store) Add(secret string, tier Tier, tags []string, note string) (Token, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return Token{}, errors.New("empty credential secret")
	}
	if tier != TierBasic && tier != TierSuper {
		return Token{}, errors.New("tier must be basic or super")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id := TokenID(secret)
	t, ok := s.tokens[id]
	if !ok {
		t = &Token{
			ID:                  id,
			Secret:              secret,
			Health:              HealthActive,
			QuotaRemaining:      QuotaUnknown,
			HeavyQuotaRemaining: QuotaUnknown,
			CreatedAt:           s.nowFn(),
		}
		s.tokens[id] = t
		log.Infof("token %s added (%s)", id, logutil.Redact(secret))
	}
	t.Tier = tier
	t.Tags = append([]string(nil), tags...)
	t.Note = note
	s.markDirtyLocked()
	return t.clone(), nil
}

func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tokens[id]; !ok {
		return ErrTokenNotFound
	}
	delete(s.tokens, id)
	s.markDirtyLocked()
	return nil
}

func (s *Store) Get(id string) (Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[id]
	if !ok {
		return Token{}, ErrTokenNotFound
	}
	return t.clone(), nil
}

func (s *Store) SetTags(id string, tags []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[id]
	if !ok {
		return ErrTokenNotFound
	}
	t.Tags = append([]string(nil), tags...)
	s.markDirtyLocked()
	return nil
}

func (s *Store) SetNote(id string, note string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[id]
	if !ok {
		return ErrTokenNotFound
	}
	t.Note = note
	s.markDirtyLocked()
	return nil
}

// List returns all tokens ordered by creation time, lazily reviving first so
// the admin view reflects current health.
func (s *Store) List() []Token {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reviveLocked(s.nowFn(), s.policy())
	out := make([]Token, 0, len(s.tokens))
	for _, t := range s.tokens {
		out = append(out, t.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// HealthCounts summarises the pool for /health and the admin dashboard.
func (s *Store) HealthCounts() map[Health]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reviveLocked(s.nowFn(), s.policy())
	counts := map[Health]int{}
	for _, t := range s.tokens {
		counts[t.Health]++
	}
	return counts
}

// BindVideo pins a generated video to the credential that produced it, so an
// upscale request reuses the same account.
func (s *Store) BindVideo(videoID, tokenID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.affinity.SetWithTTL(videoID, tokenID, s.nowFn(), videoAffinityTTL)
}

func (s *Store) TokenForVideo(videoID string) (Token, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.affinity.GetFresh(videoID, s.nowFn())
	if !ok {
		return Token{}, false
	}
	t, ok := s.tokens[id]
	if !ok || t.Health == HealthBanned {
		return Token{}, false
	}
	return t.clone(), true
}

func (s *Store) snapshotLocked() []Token {
	out := make([]Token, 0, len(s.tokens))
	for _, t := range s.tokens {
		out = append(out, t.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Store) markDirtyLocked() {
	if s.closed || s.saveTimer != nil {
		return
	}
	s.saveTimer = time.AfterFunc(saveDebounce, s.flush)
}

func (s *Store) flush() {
	s.mu.Lock()
	s.saveTimer = nil
	snap := s.snapshotLocked()
	s.mu.Unlock()
	if err := s.backend.Save(snap); err != nil {
		log.WithError(err).Warn("token store persist failed")
	}
}
