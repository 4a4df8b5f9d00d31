// Package proxy is the gateway itself: the OpenAI-compatible surface, the
// failover controller, media serving and the admin plane.
package proxy

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/acme/autocert"

	"github.com/grokgate/grokgate/pkg/config"
	"github.com/grokgate/grokgate/pkg/mediacache"
	"github.com/grokgate/grokgate/pkg/proxypool"
	"github.com/grokgate/grokgate/pkg/tokenstore"
	"github.com/grokgate/grokgate/pkg/upstream"
	"github.com/grokgate/grokgate/pkg/version"
)

const mediaEvictInterval = time.Hour

type Server struct {
	settings *config.SettingsStore
	tokens   *tokenstore.Store
	client   *upstream.Client
	media    *mediacache.Cache
	proxies  *proxypool.Source
	stats    *StatsStore
	admin    *AdminHandler

	httpServer     *http.Server
	router         chi.Router
	activeRequests atomic.Int64
	draining       atomic.Bool
}

func NewServer(configPath string, cfg *config.ServerConfig) (*Server, error) {
	store := config.NewSettingsStore(configPath, cfg)

	backend, err := tokenstore.OpenBackend(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("open token storage: %w", err)
	}
	tokens, err := tokenstore.NewStore(backend, func() tokenstore.Policy {
		snap := store.Snapshot()
		return tokenstore.Policy{
			Cooldown:     time.Duration(snap.CooldownSeconds) * time.Second,
			BanThreshold: snap.BanThreshold,
			QuotaWindow:  time.Duration(snap.QuotaWindowHours) * time.Hour,
		}
	})
	if err != nil {
		return nil, fmt.Errorf("init token store: %w", err)
	}

	proxies := proxypool.New(func() proxypool.Settings {
		snap := store.Snapshot()
		return proxypool.Settings{
			ProxyURL:        snap.ProxyURL,
			PoolURL:         snap.ProxyPoolURL,
			RefreshInterval: time.Duration(snap.ProxyPoolIntervalSeconds) * time.Second,
		}
	}, nil)

	client := upstream.NewClient(func() upstream.Settings {
		snap := store.Snapshot()
		return upstream.Settings{
			CFClearance: snap.CFClearance,
			Timeout:     time.Duration(snap.UpstreamTimeoutSeconds) * time.Second,
			BaseURL:     snap.UpstreamBaseURL,
			AssetsURL:   snap.UpstreamAssetsURL,
		}
	}, proxies.Proxy)

	media, err := mediacache.New(cfg.Cache.Dir)
	if err != nil {
		return nil, fmt.Errorf("init media cache: %w", err)
	}

	stats := NewPersistentStatsStore(10000, filepath.Join(filepath.Dir(configPath), "usage_stats.json"))

	s := &Server{
		settings: store,
		tokens:   tokens,
		client:   client,
		media:    media,
		proxies:  proxies,
		stats:    stats,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLifecycleMiddleware)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)

	r.Route("/v1", func(v1 chi.Router) {
		v1.Use(s.authAPIMiddleware)
		v1.Get("/models", s.handleModels)
		v1.Post("/chat/completions", s.handleChatCompletions)
		v1.Post("/videos/upscale", s.handleUpscale)
	})

	r.Get("/media/*", s.handleMedia)

	instanceID := fmt.Sprintf("%d-%d", time.Now().UTC().UnixNano(), os.Getpid())
	s.admin = NewAdminHandler(store, tokens, stats, media, client, instanceID)
	s.admin.RegisterRoutes(r)

	s.router = r
	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      0,
		IdleTimeout:       120 * time.Second,
	}
	return s, nil
}

func (s *Server) Run(ctx context.Context) error {
	cfg := s.settings.Snapshot()
	errCh := make(chan error, 2)

	evictCtx, evictCancel := context.WithCancel(ctx)
	defer evictCancel()
	go s.media.RunEviction(evictCtx, mediaEvictInterval, func() time.Duration {
		return time.Duration(s.settings.Snapshot().Cache.MaxAgeHours) * time.Hour
	})

	if cfg.TLS.Enabled {
		mgr := &autocert.Manager{
			Cache:      autocert.DirCache(cfg.TLS.CacheDir),
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(cfg.TLS.Domain),
			Email:      cfg.TLS.Email,
		}

		httpsSrv := &http.Server{
			Addr:              ":443",
			Handler:           s.httpServer.Handler,
			ReadHeaderTimeout: s.httpServer.ReadHeaderTimeout,
			ReadTimeout:       s.httpServer.ReadTimeout,
			WriteTimeout:      s.httpServer.WriteTimeout,
			IdleTimeout:       s.httpServer.IdleTimeout,
			TLSConfig:         &tls.Config{GetCertificate: mgr.GetCertificate, MinVersion: tls.VersionTLS12},
		}

		httpChallenge := &http.Server{
			Addr:              ":80",
			Handler:           mgr.HTTPHandler(http.HandlerFunc(redirectHTTPS)),
			ReadHeaderTimeout: 10 * time.Second,
		}

		go func() {
			log.Info("http challenge/redirect listening on :80")
			if err := httpChallenge.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("http challenge server: %w", err)
			}
		}()
		go func() {
			log.Infof("https listening on :443 for %s", cfg.TLS.Domain)
			if err := httpsSrv.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("https server: %w", err)
			}
		}()

		<-ctx.Done()
		s.shutdown(ctx, httpChallenge, httpsSrv)
		return firstErr(errCh)
	}

	go func() {
		log.Infof("gateway listening on %s", cfg.ListenAddr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("gateway server: %w", err)
		}
	}()

	<-ctx.Done()
	s.shutdown(ctx, s.httpServer)
	return firstErr(errCh)
}

func (s *Server) shutdown(ctx context.Context, servers ...*http.Server) {
	s.draining.Store(true)
	s.waitForIdle(ctx)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, srv := range servers {
		_ = srv.Shutdown(shutdownCtx)
	}
	s.stats.Save()
	if err := s.tokens.Close(); err != nil {
		log.WithError(err).Warn("token store close failed")
	}
}

func redirectHTTPS(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, "https://"+r.Host+r.RequestURI, http.StatusMovedPermanently)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) requestLifecycleMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		isGatewayReq := len(r.URL.Path) >= 4 && r.URL.Path[:4] == "/v1/"
		if isGatewayReq && s.draining.Load() {
			w.Header().Set("Retry-After", "3")
			http.Error(w, "server shutting down", http.StatusServiceUnavailable)
			return
		}
		if isGatewayReq {
			s.activeRequests.Add(1)
			defer s.activeRequests.Add(-1)
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) waitForIdle(ctx context.Context) {
	t := time.NewTicker(100 * time.Millisecond)
	defer t.Stop()
	lastLog := time.Time{}
	for {
		active := s.activeRequests.Load()
		if active <= 0 {
			log.Info("shutdown: gateway idle")
			return
		}
		if lastLog.IsZero() || time.Since(lastLog) >= time.Second {
			log.Infof("shutdown: waiting for %d active request(s)", active)
			lastLog = time.Now()
		}
		select {
		case <-ctx.Done():
		case <-t.C:
		}
	}
}

// authAPIMiddleware guards /v1. An empty key list leaves the surface open,
// matching a personal single-user deployment.
func (s *Server) authAPIMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cfg := s.settings.Snapshot()
		if len(cfg.PublicAPIKeys) == 0 {
			next.ServeHTTP(w, r)
			return
		}
		if !keyAllowed(bearerToken(r.Header), cfg.PublicAPIKeys) {
			writeOpenAIError(w, http.StatusUnauthorized, "invalid API key", "authentication_error")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "grokgate",
		"version": version.Current().Version,
		"tokens":  s.tokens.HealthCounts(),
	})
}

func (s *Server) handleModels(w http.ResponseWriter, _ *http.Request) {
	type modelCard struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		Created int64  `json:"created"`
		OwnedBy string `json:"owned_by"`
	}
	models := upstream.ListModels()
	cards := make([]modelCard, 0, len(models))
	for _, m := range models {
		cards = append(cards, modelCard{ID: m.ID, Object: "model", Created: 1700000000, OwnedBy: "xai"})
	}
	writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": cards})
}

func firstErr(ch <-chan error) error {
	select {
	case err := <-ch:
		return err
	default:
		return nil
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeOpenAIError(w http.ResponseWriter, status int, message, errType string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    errType,
		},
	})
}
