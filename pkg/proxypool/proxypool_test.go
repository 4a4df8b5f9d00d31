package proxypool

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestStaticProxyWinsOverPool(t *testing.T) {
	src := New(func() Settings {
		return Settings{ProxyURL: "http://10.0.0.1:3128", PoolURL: "http://pool.invalid"}
	}, nil)
	u, err := src.Proxy(nil)
	if err != nil {
		t.Fatalf("Proxy: %v", err)
	}
	if u == nil || u.Host != "10.0.0.1:3128" {
		t.Fatalf("proxy = %v", u)
	}
}

func TestNoConfigurationMeansDirect(t *testing.T) {
	src := New(func() Settings { return Settings{} }, nil)
	u, err := src.Proxy(nil)
	if err != nil {
		t.Fatalf("Proxy: %v", err)
	}
	if u != nil {
		t.Fatalf("expected direct connection, got %v", u)
	}
}

func TestPoolLeaseIsCachedUntilIntervalElapses(t *testing.T) {
	var fetches atomic.Int32
	pool := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		w.Write([]byte("http://203.0.113.7:8080\n"))
	}))
	defer pool.Close()

	src := New(func() Settings {
		return Settings{PoolURL: pool.URL, RefreshInterval: 5 * time.Minute}
	}, pool.Client())
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	src.nowFn = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		u, err := src.Proxy(nil)
		if err != nil {
			t.Fatalf("Proxy #%d: %v", i, err)
		}
		if u.Host != "203.0.113.7:8080" {
			t.Fatalf("proxy = %v", u)
		}
	}
	if got := fetches.Load(); got != 1 {
		t.Fatalf("pool fetched %d times, want 1", got)
	}

	now = now.Add(6 * time.Minute)
	if _, err := src.Proxy(nil); err != nil {
		t.Fatalf("Proxy after interval: %v", err)
	}
	if got := fetches.Load(); got != 2 {
		t.Fatalf("pool fetched %d times after interval, want 2", got)
	}
}

func TestForceRefreshDropsLease(t *testing.T) {
	var fetches atomic.Int32
	pool := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		w.Write([]byte("203.0.113.9:1080"))
	}))
	defer pool.Close()

	src := New(func() Settings {
		return Settings{PoolURL: pool.URL, RefreshInterval: time.Hour}
	}, pool.Client())

	u, err := src.Proxy(nil)
	if err != nil {
		t.Fatalf("Proxy: %v", err)
	}
	if u.Scheme != "http" {
		t.Fatalf("bare host:port not defaulted to http: %v", u)
	}
	src.ForceRefresh()
	if _, err := src.Proxy(nil); err != nil {
		t.Fatalf("Proxy after ForceRefresh: %v", err)
	}
	if got := fetches.Load(); got != 2 {
		t.Fatalf("pool fetched %d times, want 2", got)
	}
}

func TestPoolFailureKeepsPreviousLease(t *testing.T) {
	var fail atomic.Bool
	pool := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte("http://203.0.113.7:8080"))
	}))
	defer pool.Close()

	src := New(func() Settings {
		return Settings{PoolURL: pool.URL, RefreshInterval: time.Nanosecond}
	}, pool.Client())

	if _, err := src.Proxy(nil); err != nil {
		t.Fatalf("initial Proxy: %v", err)
	}
	fail.Store(true)
	u, err := src.Proxy(nil)
	if err != nil {
		t.Fatalf("Proxy with failing pool: %v", err)
	}
	if u == nil || u.Host != "203.0.113.7:8080" {
		t.Fatalf("previous lease not kept: %v", u)
	}
}

func TestConcurrentRefreshCollapsesToOneFetch(t *testing.T) {
	var fetches atomic.Int32
	release := make(chan struct{})
	pool := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		<-release
		w.Write([]byte("http://203.0.113.7:8080"))
	}))
	defer pool.Close()

	src := New(func() Settings {
		return Settings{PoolURL: pool.URL, RefreshInterval: time.Hour}
	}, pool.Client())

	var wg sync.WaitGroup
	results := make([]*url.URL, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			u, err := src.Proxy(nil)
			if err != nil {
				t.Errorf("Proxy #%d: %v", i, err)
				return
			}
			results[i] = u
		}(i)
	}

	// Let every caller pile onto the in-flight fetch before releasing it.
	for fetches.Load() == 0 {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)

	// The fetch is in flight without the source lock held, so lease
	// maintenance stays responsive.
	forced := make(chan struct{})
	go func() {
		src.ForceRefresh()
		close(forced)
	}()
	select {
	case <-forced:
	case <-time.After(2 * time.Second):
		t.Fatal("ForceRefresh blocked behind an in-flight pool fetch")
	}

	close(release)
	wg.Wait()

	if got := fetches.Load(); got != 1 {
		t.Fatalf("pool fetched %d times under concurrency, want 1", got)
	}
	for i, u := range results {
		if u == nil || u.Host != "203.0.113.7:8080" {
			t.Fatalf("caller %d got lease %v", i, u)
		}
	}
}
