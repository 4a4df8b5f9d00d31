package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pelletier/go-toml/v2"
)

const defaultConfigFileName = "grokgate.toml"

const (
	StorageBackendFile   = "file"
	StorageBackendSQLite = "sqlite"

	MediaModeReference = "reference"
	MediaModeInline    = "inline"
)

type StorageConfig struct {
	Backend string `toml:"backend"`
	Path    string `toml:"path,omitempty"`
}

type CacheConfig struct {
	Dir         string `toml:"dir,omitempty"`
	MaxAgeHours int    `toml:"max_age_hours,omitempty"`
}

type TLSConfig struct {
	Enabled  bool   `toml:"enabled"`
	Domain   string `toml:"domain,omitempty"`
	Email    string `toml:"email,omitempty"`
	CacheDir string `toml:"cache_dir,omitempty"`
}

// ServerConfig is the gateway-wide settings document. It is mutated only
// through SettingsStore.Update; everything else reads snapshots.
type ServerConfig struct {
	ListenAddr string `toml:"listen_addr"`

	// Inbound auth. An empty key list leaves the public API open.
	PublicAPIKeys     []string `toml:"public_api_keys,omitempty"`
	AdminUser         string   `toml:"admin_user"`
	AdminPasswordHash string   `toml:"admin_password_hash,omitempty"`

	// Media links are built against BaseURL when media_mode=reference.
	BaseURL   string `toml:"base_url,omitempty"`
	MediaMode string `toml:"media_mode"`

	// Outbound side.
	ProxyURL                 string `toml:"proxy_url,omitempty"`
	ProxyPoolURL             string `toml:"proxy_pool_url,omitempty"`
	ProxyPoolIntervalSeconds int    `toml:"proxy_pool_interval_seconds,omitempty"`
	CFClearance              string `toml:"cf_clearance,omitempty"`
	UpstreamTimeoutSeconds   int    `toml:"upstream_timeout_seconds,omitempty"`
	UpstreamBaseURL          string `toml:"upstream_base_url,omitempty"`
	UpstreamAssetsURL        string `toml:"upstream_assets_url,omitempty"`

	// Failover policy.
	MaxAttempts      int `toml:"max_attempts,omitempty"`
	CooldownSeconds  int `toml:"cooldown_seconds,omitempty"`
	BanThreshold     int `toml:"ban_threshold,omitempty"`
	QuotaWindowHours int `toml:"quota_window_hours,omitempty"`

	// Stream shaping.
	ShowThinking bool     `toml:"show_thinking"`
	FilteredTags []string `toml:"filtered_tags,omitempty"`

	Storage StorageConfig `toml:"storage"`
	Cache   CacheConfig   `toml:"cache"`
	TLS     TLSConfig     `toml:"tls"`
}

func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return defaultConfigFileName
	}
	return filepath.Join(home, ".config", "grokgate", defaultConfigFileName)
}

func DefaultCacheDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "media-cache"
	}
	return filepath.Join(home, ".cache", "grokgate", "media")
}

func DefaultTokensPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "tokens.json"
	}
	return filepath.Join(home, ".config", "grokgate", "tokens.json")
}

func DefaultTLSCacheDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "tls-autocert"
	}
	return filepath.Join(home, ".cache", "grokgate", "tls-autocert")
}

func NewDefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		ListenAddr:               "127.0.0.1:8017",
		AdminUser:                "admin",
		MediaMode:                MediaModeReference,
		ProxyPoolIntervalSeconds: 300,
		UpstreamTimeoutSeconds:   120,
		MaxAttempts:              3,
		CooldownSeconds:          60,
		BanThreshold:             3,
		QuotaWindowHours:         20,
		ShowThinking:             true,
		Storage: StorageConfig{
			Backend: StorageBackendFile,
			Path:    DefaultTokensPath(),
		},
		Cache: CacheConfig{
			Dir:         DefaultCacheDir(),
			MaxAgeHours: 24,
		},
		TLS: TLSConfig{
			Enabled:  false,
			CacheDir: DefaultTLSCacheDir(),
		},
	}
}

func LoadServerConfig(path string) (*ServerConfig, error) {
	cfg := NewDefaultServerConfig()
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := toml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("parse toml: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func LoadOrCreateServerConfig(path string) (*ServerConfig, error) {
	cfg := NewDefaultServerConfig()
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create config dir: %w", err)
	}
	_, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		if err := writeAtomic(path, cfg); err != nil {
			return nil, fmt.Errorf("write default config: %w", err)
		}
	} else {
		if err != nil {
			return nil, fmt.Errorf("stat config: %w", err)
		}
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := toml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("parse toml: %w", err)
		}
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Save(path string, cfg *ServerConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	return writeAtomic(path, cfg)
}

func writeAtomic(path string, v any) error {
	b, err := marshalTOML(v)
	if err != nil {
		return fmt.Errorf("encode toml: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func marshalTOML(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := toml.NewEncoder(&buf)
	enc.SetArraysMultiline(true)
	enc.SetIndentSymbol("  ")
	enc.SetIndentTables(true)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	out := buf.Bytes()
	if len(out) > 0 && out[len(out)-1] != '\n' {
		out = append(out, '\n')
	}
	return out, nil
}

func (c *ServerConfig) Normalize() {
	if strings.TrimSpace(c.ListenAddr) == "" {
		c.ListenAddr = ":8017"
	}
	c.AdminUser = strings.TrimSpace(c.AdminUser)
	if c.AdminUser == "" {
		c.AdminUser = "admin"
	}
	c.AdminPasswordHash = strings.TrimSpace(c.AdminPasswordHash)
	c.BaseURL = strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	c.MediaMode = strings.ToLower(strings.TrimSpace(c.MediaMode))
	if c.MediaMode != MediaModeInline {
		c.MediaMode = MediaModeReference
	}
	c.ProxyURL = strings.TrimSpace(c.ProxyURL)
	c.ProxyPoolURL = strings.TrimSpace(c.ProxyPoolURL)
	if c.ProxyPoolIntervalSeconds <= 0 {
		c.ProxyPoolIntervalSeconds = 300
	}
	c.CFClearance = strings.TrimSpace(c.CFClearance)
	c.UpstreamBaseURL = strings.TrimRight(strings.TrimSpace(c.UpstreamBaseURL), "/")
	c.UpstreamAssetsURL = strings.TrimRight(strings.TrimSpace(c.UpstreamAssetsURL), "/")
	if c.UpstreamTimeoutSeconds <= 0 {
		c.UpstreamTimeoutSeconds = 120
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.CooldownSeconds <= 0 {
		c.CooldownSeconds = 60
	}
	if c.BanThreshold <= 0 {
		c.BanThreshold = 3
	}
	if c.QuotaWindowHours <= 0 {
		c.QuotaWindowHours = 20
	}
	keys := make([]string, 0, len(c.PublicAPIKeys))
	seen := map[string]struct{}{}
	for _, k := range c.PublicAPIKeys {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		keys = append(keys, k)
	}
	c.PublicAPIKeys = keys
	tags := make([]string, 0, len(c.FilteredTags))
	for _, t := range c.FilteredTags {
		if t = strings.TrimSpace(t); t != "" {
			tags = append(tags, t)
		}
	}
	c.FilteredTags = tags
	c.Storage.Backend = strings.ToLower(strings.TrimSpace(c.Storage.Backend))
	if c.Storage.Backend == "" {
		c.Storage.Backend = StorageBackendFile
	}
	c.Storage.Path = strings.TrimSpace(c.Storage.Path)
	if c.Storage.Path == "" {
		c.Storage.Path = DefaultTokensPath()
	}
	c.Cache.Dir = strings.TrimSpace(c.Cache.Dir)
	if c.Cache.Dir == "" {
		c.Cache.Dir = DefaultCacheDir()
	}
	if c.Cache.MaxAgeHours <= 0 {
		c.Cache.MaxAgeHours = 24
	}
	c.TLS.Domain = strings.TrimSpace(c.TLS.Domain)
	c.TLS.Email = strings.TrimSpace(c.TLS.Email)
	c.TLS.CacheDir = strings.TrimSpace(c.TLS.CacheDir)
	if c.TLS.CacheDir == "" {
		c.TLS.CacheDir = DefaultTLSCacheDir()
	}
}

func (c *ServerConfig) Validate() error {
	switch c.Storage.Backend {
	case StorageBackendFile, StorageBackendSQLite:
	default:
		return fmt.Errorf("storage.backend must be one of %s, %s", StorageBackendFile, StorageBackendSQLite)
	}
	if c.MediaMode != MediaModeReference && c.MediaMode != MediaModeInline {
		return errors.New("media_mode must be reference or inline")
	}
	if c.MaxAttempts > 10 {
		return errors.New("max_attempts must be <= 10")
	}
	if c.TLS.Enabled && c.TLS.Domain == "" {
		return errors.New("tls.domain is required when tls.enabled=true")
	}
	return nil
}

// SettingsStore publishes atomic settings snapshots. Readers never observe a
// partially applied update.
type SettingsStore struct {
	mu   sync.RWMutex
	path string
	cfg  *ServerConfig
}

func NewSettingsStore(path string, cfg *ServerConfig) *SettingsStore {
	return &SettingsStore{path: path, cfg: cfg}
}

func (s *SettingsStore) Path() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.path
}

func (s *SettingsStore) Snapshot() ServerConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneConfig(s.cfg)
}

// Update applies mutator to a private copy, validates and persists it, then
// swaps the copy in. On any error the published settings are unchanged.
func (s *SettingsStore) Update(mutator func(*ServerConfig) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := cloneConfig(s.cfg)
	if err := mutator(&cp); err != nil {
		return err
	}
	cp.Normalize()
	if err := cp.Validate(); err != nil {
		return err
	}
	if err := Save(s.path, &cp); err != nil {
		return err
	}
	s.cfg = &cp
	return nil
}

func cloneConfig(in *ServerConfig) ServerConfig {
	cp := *in
	cp.PublicAPIKeys = append([]string(nil), in.PublicAPIKeys...)
	cp.FilteredTags = append([]string(nil), in.FilteredTags...)
	return cp
}
