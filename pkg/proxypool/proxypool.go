// Package proxypool resolves the outbound proxy for upstream requests,
// either a fixed URL or one leased from a pool service and refreshed on an
// interval.
package proxypool

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// Settings is snapshotted per lookup so admin edits take effect immediately.
type Settings struct {
	ProxyURL        string
	PoolURL         string
	RefreshInterval time.Duration
}

const fetchBodyLimit = 4 << 10

// Source caches the pool-leased proxy until the refresh interval elapses or
// ForceRefresh is called (after an anti-bot block, the lease is likely burnt).
type Source struct {
	settings func() Settings
	client   *http.Client

	mu        sync.Mutex
	current   *url.URL
	fetchedAt time.Time

	refreshGroup singleflight.Group

	nowFn func() time.Time
}

func New(settings func() Settings, client *http.Client) *Source {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Source{
		settings: settings,
		client:   client,
		nowFn:    time.Now,
	}
}

// Proxy has the http.Transport.Proxy signature. A nil URL with nil error
// means direct connection.
func (s *Source) Proxy(*http.Request) (*url.URL, error) {
	cfg := s.settings()
	if cfg.ProxyURL != "" {
		u, err := url.Parse(cfg.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy url: %w", err)
		}
		return u, nil
	}
	if cfg.PoolURL == "" {
		return nil, nil
	}

	s.mu.Lock()
	now := s.nowFn()
	if s.current != nil && now.Sub(s.fetchedAt) < cfg.RefreshInterval {
		u := s.current
		s.mu.Unlock()
		return u, nil
	}
	s.mu.Unlock()

	// Fetch outside the lock; singleflight collapses the refresh so
	// concurrent upstream attempts do not queue behind pool I/O.
	leased, err, _ := s.refreshGroup.Do(cfg.PoolURL, func() (any, error) {
		return s.fetch(cfg.PoolURL)
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		if s.current != nil {
			log.WithError(err).Warn("proxy pool refresh failed, keeping previous lease")
			return s.current, nil
		}
		return nil, err
	}
	s.current = leased.(*url.URL)
	s.fetchedAt = s.nowFn()
	return s.current, nil
}

// ForceRefresh drops the cached lease so the next lookup fetches a new one.
func (s *Source) ForceRefresh() {
	s.mu.Lock()
	s.current = nil
	s.fetchedAt = time.Time{}
	s.mu.Unlock()
}

func (s *Source) fetch(poolURL string) (*url.URL, error) {
	resp, err := s.client.Get(poolURL)
	if err != nil {
		return nil, fmt.Errorf("fetch proxy pool: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("proxy pool returned status %d", resp.StatusCode)
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, fetchBodyLimit))
	if err != nil {
		return nil, fmt.Errorf("read proxy pool response: %w", err)
	}
	raw := strings.TrimSpace(string(b))
	if raw == "" {
		return nil, fmt.Errorf("proxy pool returned empty body")
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse pool proxy url: %w", err)
	}
	log.Infof("proxy pool lease: %s", u.Host)
	return u, nil
}
