package tokenstore

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func testPolicy() Policy {
	return Policy{
		Cooldown:     time.Minute,
		BanThreshold: 3,
		QuotaWindow:  20 * time.Hour,
	}
}

func newTestStore(t *testing.T) (*Store, *time.Time) {
	t.Helper()
	backend := NewFileBackend(filepath.Join(t.TempDir(), "tokens.json"))
	s, err := NewStore(backend, testPolicy)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.nowFn = func() time.Time { return now }
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return s, &now
}

func TestAcquirePrefersUnknownThenHighestRemaining(t *testing.T) {
	s, _ := newTestStore(t)
	low, _ := s.Add("secret-low", TierBasic, nil, "")
	high, _ := s.Add("secret-high", TierBasic, nil, "")
	fresh, _ := s.Add("secret-fresh", TierBasic, nil, "")
	s.SetQuota(low.ID, 3, 0)
	s.SetQuota(high.ID, 10, 0)

	got, err := s.Acquire(CapabilityChat, nil)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if got.ID != fresh.ID {
		t.Fatalf("first pick = %s, want unknown-quota token %s", got.ID, fresh.ID)
	}

	s.SetQuota(fresh.ID, 1, 0)
	got, err = s.Acquire(CapabilityChat, nil)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if got.ID != high.ID {
		t.Fatalf("second pick = %s, want highest-remaining token %s", got.ID, high.ID)
	}
	if got.QuotaRemaining != 9 {
		t.Fatalf("quota not decremented on acquire: %d", got.QuotaRemaining)
	}
}

func TestAcquireRespectsExcludeSet(t *testing.T) {
	s, _ := newTestStore(t)
	a, _ := s.Add("secret-a", TierBasic, nil, "")
	b, _ := s.Add("secret-b", TierBasic, nil, "")

	first, err := s.Acquire(CapabilityChat, nil)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	second, err := s.Acquire(CapabilityChat, map[string]struct{}{first.ID: {}})
	if err != nil {
		t.Fatalf("Acquire with exclude: %v", err)
	}
	if second.ID == first.ID {
		t.Fatal("exclude set ignored")
	}
	_, err = s.Acquire(CapabilityChat, map[string]struct{}{a.ID: {}, b.ID: {}})
	if !errors.Is(err, ErrNoTokenAvailable) {
		t.Fatalf("err = %v, want ErrNoTokenAvailable", err)
	}
}

func TestVideoCapabilityServedByBasicTier(t *testing.T) {
	s, _ := newTestStore(t)
	basic, _ := s.Add("secret-basic", TierBasic, nil, "")

	got, err := s.Acquire(CapabilityVideo, nil)
	if err != nil {
		t.Fatalf("Acquire video: %v", err)
	}
	if got.ID != basic.ID {
		t.Fatalf("picked %s, want %s", got.ID, basic.ID)
	}
}

func TestHeavyCapabilityRequiresSuperTier(t *testing.T) {
	s, _ := newTestStore(t)
	s.Add("secret-basic", TierBasic, nil, "")

	if _, err := s.Acquire(CapabilityHeavy, nil); !errors.Is(err, ErrNoTokenAvailable) {
		t.Fatalf("basic tier served heavy request: %v", err)
	}

	super, _ := s.Add("secret-super", TierSuper, nil, "")
	got, err := s.Acquire(CapabilityHeavy, nil)
	if err != nil {
		t.Fatalf("Acquire heavy: %v", err)
	}
	if got.ID != super.ID {
		t.Fatalf("picked %s, want %s", got.ID, super.ID)
	}
}

func TestCooldownExpiresLazily(t *testing.T) {
	s, now := newTestStore(t)
	tok, _ := s.Add("secret-1", TierBasic, nil, "")

	s.ReportFailure(tok.ID, FailureRateLimited, 0)
	if _, err := s.Acquire(CapabilityChat, nil); !errors.Is(err, ErrNoTokenAvailable) {
		t.Fatalf("cooling token was selectable: %v", err)
	}

	*now = now.Add(61 * time.Second)
	got, err := s.Acquire(CapabilityChat, nil)
	if err != nil {
		t.Fatalf("Acquire after cooldown: %v", err)
	}
	if got.Health != HealthActive {
		t.Fatalf("health = %s, want active", got.Health)
	}
}

func TestRetryAfterOverridesDefaultCooldown(t *testing.T) {
	s, now := newTestStore(t)
	tok, _ := s.Add("secret-1", TierBasic, nil, "")

	s.ReportFailure(tok.ID, FailureRateLimited, 5*time.Minute)
	*now = now.Add(2 * time.Minute)
	if _, err := s.Acquire(CapabilityChat, nil); !errors.Is(err, ErrNoTokenAvailable) {
		t.Fatal("token revived before Retry-After elapsed")
	}
	*now = now.Add(4 * time.Minute)
	if _, err := s.Acquire(CapabilityChat, nil); err != nil {
		t.Fatalf("Acquire after Retry-After: %v", err)
	}
}

func TestBanRequiresConsecutiveAuthFailures(t *testing.T) {
	s, now := newTestStore(t)
	tok, _ := s.Add("secret-1", TierBasic, nil, "")

	s.ReportFailure(tok.ID, FailureAuth, 0)
	s.ReportFailure(tok.ID, FailureAuth, 0)
	// A success resets the streak.
	s.ReportSuccess(tok.ID)
	s.ReportFailure(tok.ID, FailureAuth, 0)
	s.ReportFailure(tok.ID, FailureAuth, 0)
	got, _ := s.Get(tok.ID)
	if got.Health == HealthBanned {
		t.Fatal("banned before threshold after streak reset")
	}

	s.ReportFailure(tok.ID, FailureAuth, 0)
	got, _ = s.Get(tok.ID)
	if got.Health != HealthBanned {
		t.Fatalf("health = %s, want banned", got.Health)
	}

	// Bans do not time out.
	*now = now.Add(48 * time.Hour)
	if _, err := s.Acquire(CapabilityChat, nil); !errors.Is(err, ErrNoTokenAvailable) {
		t.Fatal("banned token revived by time")
	}

	if err := s.Unban(tok.ID); err != nil {
		t.Fatalf("Unban: %v", err)
	}
	got, _ = s.Get(tok.ID)
	if got.Health != HealthActive || got.ConsecutiveFailures != 0 {
		t.Fatalf("after unban: %+v", got)
	}
}

func TestQuotaWindowRolloverResetsExhaustion(t *testing.T) {
	s, now := newTestStore(t)
	tok, _ := s.Add("secret-1", TierBasic, nil, "")
	s.SetQuota(tok.ID, 0, 0)

	got, _ := s.Get(tok.ID)
	if got.Health != HealthExhausted {
		t.Fatalf("health = %s, want exhausted", got.Health)
	}
	if _, err := s.Acquire(CapabilityChat, nil); !errors.Is(err, ErrNoTokenAvailable) {
		t.Fatal("exhausted token was selectable")
	}

	*now = now.Add(21 * time.Hour)
	got2, err := s.Acquire(CapabilityChat, nil)
	if err != nil {
		t.Fatalf("Acquire after window rollover: %v", err)
	}
	if got2.QuotaRemaining != QuotaUnknown {
		t.Fatalf("quota after rollover = %d, want unknown", got2.QuotaRemaining)
	}
}

func TestAddUpsertKeepsStats(t *testing.T) {
	s, _ := newTestStore(t)
	tok, _ := s.Add("secret-1", TierBasic, nil, "")
	s.Acquire(CapabilityChat, nil)

	again, err := s.Add("secret-1", TierSuper, []string{"primary"}, "upgraded")
	if err != nil {
		t.Fatalf("Add upsert: %v", err)
	}
	if again.ID != tok.ID {
		t.Fatalf("upsert produced a new ID: %s vs %s", again.ID, tok.ID)
	}
	if again.Tier != TierSuper || again.Note != "upgraded" {
		t.Fatalf("upsert did not apply fields: %+v", again)
	}
	if again.RequestCount != 1 {
		t.Fatalf("RequestCount = %d, want 1 (stats must survive upsert)", again.RequestCount)
	}
}

func TestVideoAffinity(t *testing.T) {
	s, now := newTestStore(t)
	tok, _ := s.Add("secret-1", TierSuper, nil, "")

	s.BindVideo("vid-123", tok.ID)
	got, ok := s.TokenForVideo("vid-123")
	if !ok || got.ID != tok.ID {
		t.Fatalf("TokenForVideo = %v, %v", got.ID, ok)
	}

	*now = now.Add(2 * time.Hour)
	if _, ok := s.TokenForVideo("vid-123"); ok {
		t.Fatal("affinity survived past its TTL")
	}
}

func TestFileBackendRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.json")
	backend := NewFileBackend(path)
	s, err := NewStore(backend, testPolicy)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	tok, _ := s.Add("secret-1", TierSuper, []string{"eu"}, "primary account")
	s.ReportFailure(tok.ID, FailureAuth, 0)
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reloaded, err := NewStore(NewFileBackend(path), testPolicy)
	if err != nil {
		t.Fatalf("NewStore reload: %v", err)
	}
	defer reloaded.Close()
	got, err := reloaded.Get(tok.ID)
	if err != nil {
		t.Fatalf("Get after reload: %v", err)
	}
	if got.Tier != TierSuper || got.Note != "primary account" || got.ConsecutiveFailures != 1 {
		t.Fatalf("reloaded token = %+v", got)
	}
}
