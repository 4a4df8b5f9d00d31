package proxy

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"github.com/grokgate/grokgate/pkg/cache"
	"github.com/grokgate/grokgate/pkg/config"
	"github.com/grokgate/grokgate/pkg/logutil"
	"github.com/grokgate/grokgate/pkg/mediacache"
	"github.com/grokgate/grokgate/pkg/tokenstore"
	"github.com/grokgate/grokgate/pkg/upstream"
	"github.com/grokgate/grokgate/pkg/version"
)

const adminSessionCookie = "grokgate_admin_session"
const adminSessionTTL = 24 * time.Hour
const adminWSPingInterval = 25 * time.Second

type AdminHandler struct {
	settings *config.SettingsStore
	tokens   *tokenstore.Store
	stats    *StatsStore
	media    *mediacache.Cache
	client   *upstream.Client
	instance string

	sessMu   sync.Mutex
	sessions *cache.TTLMap[string, string]

	wsMu          sync.Mutex
	wsClients     map[*adminWSClient]struct{}
	statsNotifyAt time.Time
}

type adminWSClient struct {
	ch chan []byte
}

func NewAdminHandler(settings *config.SettingsStore, tokens *tokenstore.Store, stats *StatsStore, media *mediacache.Cache, client *upstream.Client, instance string) *AdminHandler {
	return &AdminHandler{
		settings:  settings,
		tokens:    tokens,
		stats:     stats,
		media:     media,
		client:    client,
		instance:  instance,
		sessions:  cache.NewTTLMap[string, string](),
		wsClients: map[*adminWSClient]struct{}{},
	}
}

func (h *AdminHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(api chi.Router) {
		api.Post("/login", h.login)
		api.Post("/logout", h.logout)
		api.Group(func(priv chi.Router) {
			priv.Use(h.requireAdminAPI)
			priv.Get("/tokens", h.listTokens)
			priv.Post("/tokens", h.addToken)
			priv.Post("/tokens/delete", h.deleteToken)
			priv.Post("/tokens/test", h.testToken)
			priv.Post("/tokens/unban", h.unbanToken)
			priv.Post("/tokens/update", h.updateToken)
			priv.Get("/settings", h.getSettings)
			priv.Post("/settings", h.updateSettings)
			priv.Get("/stats", h.getStats)
			priv.Get("/stats/ws", h.adminWebsocket)
			priv.Get("/cache/size", h.cacheSize)
			priv.Post("/cache/clear", h.cacheClear)
		})
	})
}

func (h *AdminHandler) login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	cfg := h.settings.Snapshot()
	if cfg.AdminPasswordHash == "" {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "admin password not configured"})
		return
	}
	if req.Username != cfg.AdminUser ||
		bcrypt.CompareHashAndPassword([]byte(cfg.AdminPasswordHash), []byte(req.Password)) != nil {
		log.Warnf("admin login rejected for user %q", req.Username)
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid credentials"})
		return
	}

	session := randomSessionToken()
	h.sessMu.Lock()
	h.sessions.SetWithTTL(session, req.Username, nowUTC(), adminSessionTTL)
	h.sessions.PurgeExpired(nowUTC())
	h.sessMu.Unlock()

	http.SetCookie(w, &http.Cookie{
		Name:     adminSessionCookie,
		Value:    session,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   r.TLS != nil,
		MaxAge:   int(adminSessionTTL.Seconds()),
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *AdminHandler) logout(w http.ResponseWriter, r *http.Request) {
	if c, err := r.Cookie(adminSessionCookie); err == nil {
		h.sessMu.Lock()
		h.sessions.Delete(c.Value)
		h.sessMu.Unlock()
	}
	http.SetCookie(w, &http.Cookie{
		Name:     adminSessionCookie,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		MaxAge:   -1,
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *AdminHandler) isAuthenticated(r *http.Request) bool {
	c, err := r.Cookie(adminSessionCookie)
	if err != nil || c.Value == "" {
		return false
	}
	h.sessMu.Lock()
	defer h.sessMu.Unlock()
	_, ok := h.sessions.GetFresh(c.Value, nowUTC())
	return ok
}

func (h *AdminHandler) requireAdminAPI(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !h.isAuthenticated(r) {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func randomSessionToken() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand failing means the process has bigger problems.
		panic(err)
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

// tokenView is the admin-facing token record. Secrets never leave the server
// in full.
type tokenView struct {
	ID                  string            `json:"id"`
	Secret              string            `json:"secret"`
	Tier                tokenstore.Tier   `json:"tier"`
	Health              tokenstore.Health `json:"health"`
	QuotaRemaining      int               `json:"quota_remaining"`
	HeavyQuotaRemaining int               `json:"heavy_quota_remaining"`
	CooldownUntil       *time.Time        `json:"cooldown_until,omitempty"`
	ConsecutiveFailures int               `json:"consecutive_failures"`
	LastUsedAt          *time.Time        `json:"last_used_at,omitempty"`
	RequestCount        int64             `json:"request_count"`
	FailureCount        int64             `json:"failure_count"`
	LastFailureAt       *time.Time        `json:"last_failure_at,omitempty"`
	LastFailureReason   string            `json:"last_failure_reason,omitempty"`
	Tags                []string          `json:"tags,omitempty"`
	Note                string            `json:"note,omitempty"`
	CreatedAt           time.Time         `json:"created_at"`
}

func viewToken(t tokenstore.Token) tokenView {
	v := tokenView{
		ID:                  t.ID,
		Secret:              logutil.Redact(t.Secret),
		Tier:                t.Tier,
		Health:              t.Health,
		QuotaRemaining:      t.QuotaRemaining,
		HeavyQuotaRemaining: t.HeavyQuotaRemaining,
		ConsecutiveFailures: t.ConsecutiveFailures,
		RequestCount:        t.RequestCount,
		FailureCount:        t.FailureCount,
		LastFailureReason:   t.LastFailureReason,
		Tags:                t.Tags,
		Note:                t.Note,
		CreatedAt:           t.CreatedAt,
	}
	if !t.CooldownUntil.IsZero() {
		v.CooldownUntil = &t.CooldownUntil
	}
	if !t.LastUsedAt.IsZero() {
		v.LastUsedAt = &t.LastUsedAt
	}
	if !t.LastFailureAt.IsZero() {
		v.LastFailureAt = &t.LastFailureAt
	}
	return v
}

func (h *AdminHandler) listTokens(w http.ResponseWriter, _ *http.Request) {
	tokens := h.tokens.List()
	views := make([]tokenView, 0, len(tokens))
	for _, t := range tokens {
		views = append(views, viewToken(t))
	}
	writeJSON(w, http.StatusOK, map[string]any{"tokens": views})
}

func (h *AdminHandler) addToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Secret string   `json:"secret"`
		Tier   string   `json:"tier"`
		Tags   []string `json:"tags"`
		Note   string   `json:"note"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	tier := tokenstore.Tier(strings.ToLower(strings.TrimSpace(req.Tier)))
	if tier == "" {
		tier = tokenstore.TierBasic
	}
	tok, err := h.tokens.Add(req.Secret, tier, req.Tags, req.Note)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	h.notifyChanged("tokens")
	writeJSON(w, http.StatusOK, map[string]any{"token": viewToken(tok)})
}

func (h *AdminHandler) tokenIDFromBody(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.ID) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "id is required"})
		return "", false
	}
	return strings.TrimSpace(req.ID), true
}

func (h *AdminHandler) deleteToken(w http.ResponseWriter, r *http.Request) {
	id, ok := h.tokenIDFromBody(w, r)
	if !ok {
		return
	}
	if err := h.tokens.Delete(id); err != nil {
		writeTokenError(w, err)
		return
	}
	h.notifyChanged("tokens")
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *AdminHandler) unbanToken(w http.ResponseWriter, r *http.Request) {
	id, ok := h.tokenIDFromBody(w, r)
	if !ok {
		return
	}
	if err := h.tokens.Unban(id); err != nil {
		writeTokenError(w, err)
		return
	}
	h.notifyChanged("tokens")
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *AdminHandler) updateToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID   string    `json:"id"`
		Tags *[]string `json:"tags"`
		Note *string   `json:"note"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.ID) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "id is required"})
		return
	}
	if req.Tags != nil {
		if err := h.tokens.SetTags(req.ID, *req.Tags); err != nil {
			writeTokenError(w, err)
			return
		}
	}
	if req.Note != nil {
		if err := h.tokens.SetNote(req.ID, *req.Note); err != nil {
			writeTokenError(w, err)
			return
		}
	}
	tok, err := h.tokens.Get(req.ID)
	if err != nil {
		writeTokenError(w, err)
		return
	}
	h.notifyChanged("tokens")
	writeJSON(w, http.StatusOK, map[string]any{"token": viewToken(tok)})
}

// testToken probes the credential against the upstream rate-limit endpoint
// and refreshes its quota from the answer.
func (h *AdminHandler) testToken(w http.ResponseWriter, r *http.Request) {
	id, ok := h.tokenIDFromBody(w, r)
	if !ok {
		return
	}
	tok, err := h.tokens.Get(id)
	if err != nil {
		writeTokenError(w, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()
	lim, err := h.client.CheckLimits(ctx, tok.Secret, "grok-4")
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"ok": false, "error": "credential check failed"})
		return
	}
	h.tokens.SetQuota(id, lim.Remaining, tok.HeavyQuotaRemaining)
	h.notifyChanged("tokens")
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "remaining": lim.Remaining})
}

func writeTokenError(w http.ResponseWriter, err error) {
	if errors.Is(err, tokenstore.ErrTokenNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "token not found"})
		return
	}
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "storage failure"})
}

// settingsView is the admin-facing settings document with secrets redacted.
type settingsView struct {
	ListenAddr               string   `json:"listen_addr"`
	PublicAPIKeys            []string `json:"public_api_keys"`
	AdminUser                string   `json:"admin_user"`
	BaseURL                  string   `json:"base_url"`
	MediaMode                string   `json:"media_mode"`
	ProxyURL                 string   `json:"proxy_url"`
	ProxyPoolURL             string   `json:"proxy_pool_url"`
	ProxyPoolIntervalSeconds int      `json:"proxy_pool_interval_seconds"`
	CFClearance              string   `json:"cf_clearance"`
	UpstreamTimeoutSeconds   int      `json:"upstream_timeout_seconds"`
	MaxAttempts              int      `json:"max_attempts"`
	CooldownSeconds          int      `json:"cooldown_seconds"`
	BanThreshold             int      `json:"ban_threshold"`
	QuotaWindowHours         int      `json:"quota_window_hours"`
	ShowThinking             bool     `json:"show_thinking"`
	FilteredTags             []string `json:"filtered_tags"`
	CacheMaxAgeHours         int      `json:"cache_max_age_hours"`
	Version                  string   `json:"version"`
}

func (h *AdminHandler) getSettings(w http.ResponseWriter, _ *http.Request) {
	cfg := h.settings.Snapshot()
	writeJSON(w, http.StatusOK, settingsView{
		ListenAddr:               cfg.ListenAddr,
		PublicAPIKeys:            cfg.PublicAPIKeys,
		AdminUser:                cfg.AdminUser,
		BaseURL:                  cfg.BaseURL,
		MediaMode:                cfg.MediaMode,
		ProxyURL:                 redactURL(cfg.ProxyURL),
		ProxyPoolURL:             cfg.ProxyPoolURL,
		ProxyPoolIntervalSeconds: cfg.ProxyPoolIntervalSeconds,
		CFClearance:              logutil.Redact(cfg.CFClearance),
		UpstreamTimeoutSeconds:   cfg.UpstreamTimeoutSeconds,
		MaxAttempts:              cfg.MaxAttempts,
		CooldownSeconds:          cfg.CooldownSeconds,
		BanThreshold:             cfg.BanThreshold,
		QuotaWindowHours:         cfg.QuotaWindowHours,
		ShowThinking:             cfg.ShowThinking,
		FilteredTags:             cfg.FilteredTags,
		CacheMaxAgeHours:         cfg.Cache.MaxAgeHours,
		Version:                  version.Current().Version,
	})
}

// updateSettings applies a partial update atomically: either the whole patch
// validates and persists, or nothing changes.
func (h *AdminHandler) updateSettings(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PublicAPIKeys            *[]string `json:"public_api_keys"`
		AdminPassword            *string   `json:"admin_password"`
		BaseURL                  *string   `json:"base_url"`
		MediaMode                *string   `json:"media_mode"`
		ProxyURL                 *string   `json:"proxy_url"`
		ProxyPoolURL             *string   `json:"proxy_pool_url"`
		ProxyPoolIntervalSeconds *int      `json:"proxy_pool_interval_seconds"`
		CFClearance              *string   `json:"cf_clearance"`
		UpstreamTimeoutSeconds   *int      `json:"upstream_timeout_seconds"`
		MaxAttempts              *int      `json:"max_attempts"`
		CooldownSeconds          *int      `json:"cooldown_seconds"`
		BanThreshold             *int      `json:"ban_threshold"`
		QuotaWindowHours         *int      `json:"quota_window_hours"`
		ShowThinking             *bool     `json:"show_thinking"`
		FilteredTags             *[]string `json:"filtered_tags"`
		CacheMaxAgeHours         *int      `json:"cache_max_age_hours"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	err := h.settings.Update(func(cfg *config.ServerConfig) error {
		if req.PublicAPIKeys != nil {
			cfg.PublicAPIKeys = *req.PublicAPIKeys
		}
		if req.AdminPassword != nil && *req.AdminPassword != "" {
			hash, err := bcrypt.GenerateFromPassword([]byte(*req.AdminPassword), bcrypt.DefaultCost)
			if err != nil {
				return err
			}
			cfg.AdminPasswordHash = string(hash)
		}
		if req.BaseURL != nil {
			cfg.BaseURL = *req.BaseURL
		}
		if req.MediaMode != nil {
			cfg.MediaMode = *req.MediaMode
		}
		if req.ProxyURL != nil {
			cfg.ProxyURL = *req.ProxyURL
		}
		if req.ProxyPoolURL != nil {
			cfg.ProxyPoolURL = *req.ProxyPoolURL
		}
		if req.ProxyPoolIntervalSeconds != nil {
			cfg.ProxyPoolIntervalSeconds = *req.ProxyPoolIntervalSeconds
		}
		if req.CFClearance != nil {
			cfg.CFClearance = *req.CFClearance
		}
		if req.UpstreamTimeoutSeconds != nil {
			cfg.UpstreamTimeoutSeconds = *req.UpstreamTimeoutSeconds
		}
		if req.MaxAttempts != nil {
			cfg.MaxAttempts = *req.MaxAttempts
		}
		if req.CooldownSeconds != nil {
			cfg.CooldownSeconds = *req.CooldownSeconds
		}
		if req.BanThreshold != nil {
			cfg.BanThreshold = *req.BanThreshold
		}
		if req.QuotaWindowHours != nil {
			cfg.QuotaWindowHours = *req.QuotaWindowHours
		}
		if req.ShowThinking != nil {
			cfg.ShowThinking = *req.ShowThinking
		}
		if req.FilteredTags != nil {
			cfg.FilteredTags = *req.FilteredTags
		}
		if req.CacheMaxAgeHours != nil {
			cfg.Cache.MaxAgeHours = *req.CacheMaxAgeHours
		}
		return nil
	})
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	h.notifyChanged("settings")
	h.getSettings(w, r)
}

func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	u.User = url.User(u.User.Username())
	return u.String()
}

func (h *AdminHandler) getStats(w http.ResponseWriter, r *http.Request) {
	period := 24 * time.Hour
	if raw := r.URL.Query().Get("period"); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil && d > 0 {
			period = d
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"usage":  h.stats.Summary(period),
		"tokens": h.tokens.HealthCounts(),
	})
}

func (h *AdminHandler) cacheSize(w http.ResponseWriter, _ *http.Request) {
	bytes, files, err := h.media.Size()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "cache scan failed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"bytes": bytes, "files": files})
}

func (h *AdminHandler) cacheClear(w http.ResponseWriter, _ *http.Request) {
	removed, err := h.media.Clear()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "cache clear failed"})
		return
	}
	log.Infof("media cache cleared: %d files removed", removed)
	writeJSON(w, http.StatusOK, map[string]any{"removed": removed})
}

func (h *AdminHandler) registerWSClient(c *adminWSClient) {
	h.wsMu.Lock()
	defer h.wsMu.Unlock()
	h.wsClients[c] = struct{}{}
}

func (h *AdminHandler) unregisterWSClient(c *adminWSClient) {
	h.wsMu.Lock()
	defer h.wsMu.Unlock()
	if _, ok := h.wsClients[c]; ok {
		delete(h.wsClients, c)
		close(c.ch)
	}
}

func (h *AdminHandler) adminWebsocket(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(req *http.Request) bool {
			origin := strings.TrimSpace(req.Header.Get("Origin"))
			if origin == "" {
				return true
			}
			u, err := url.Parse(origin)
			if err != nil {
				return false
			}
			return strings.EqualFold(u.Host, req.Host)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	})

	client := &adminWSClient{ch: make(chan []byte, 16)}
	h.registerWSClient(client)
	defer h.unregisterWSClient(client)

	pingTicker := time.NewTicker(adminWSPingInterval)
	defer pingTicker.Stop()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	for {
		select {
		case <-done:
			return
		case <-pingTicker.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(5*time.Second)); err != nil {
				return
			}
		case msg, ok := <-client.ch:
			if !ok {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}

// NotifyStatsChanged pushes a refresh hint to connected dashboards, rate
// limited so request bursts collapse into one push.
func (h *AdminHandler) NotifyStatsChanged() {
	now := nowUTC()
	h.wsMu.Lock()
	if !h.statsNotifyAt.IsZero() && now.Sub(h.statsNotifyAt) < 1500*time.Millisecond {
		h.wsMu.Unlock()
		return
	}
	h.statsNotifyAt = now
	h.wsMu.Unlock()
	h.notifyChanged("stats")
}

func (h *AdminHandler) notifyChanged(scope string) {
	payload, err := json.Marshal(map[string]string{"type": "changed", "scope": scope})
	if err != nil {
		return
	}
	h.wsMu.Lock()
	defer h.wsMu.Unlock()
	for client := range h.wsClients {
		select {
		case client.ch <- payload:
		default:
		}
	}
}
