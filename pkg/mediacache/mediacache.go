// Package mediacache stores upstream-generated media on disk so short-lived
// upstream asset URLs can be served again without re-authenticating.
package mediacache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// Fetcher downloads one asset by its upstream path.
type Fetcher func(ctx context.Context, remotePath string) ([]byte, error)

type Cache struct {
	dir   string
	group singleflight.Group
}

func New(dir string) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create media cache dir: %w", err)
	}
	return &Cache{dir: dir}, nil
}

// FileName flattens an upstream asset path into a single cache file name.
// "users/abc/generated/img.jpg" becomes "users-abc-generated-img.jpg".
func FileName(remotePath string) string {
	p := strings.TrimLeft(remotePath, "/")
	p = strings.ReplaceAll(p, "/", "-")
	// Collapse anything path-like that survives, the name must never escape
	// the cache dir.
	p = strings.ReplaceAll(p, "..", "-")
	p = strings.ReplaceAll(p, "\\", "-")
	return p
}

// GetOrFetch returns the local file for the asset, downloading it at most
// once even under concurrent requests for the same path.
func (c *Cache) GetOrFetch(ctx context.Context, remotePath string, fetch Fetcher) (string, error) {
	name := FileName(remotePath)
	if name == "" {
		return "", errors.New("empty media path")
	}
	local := filepath.Join(c.dir, name)
	if _, err := os.Stat(local); err == nil {
		return local, nil
	}

	_, err, _ := c.group.Do(name, func() (any, error) {
		// Another waiter may have completed between Stat and Do.
		if _, err := os.Stat(local); err == nil {
			return nil, nil
		}
		data, err := fetch(ctx, remotePath)
		if err != nil {
			return nil, err
		}
		tmp := local + ".tmp"
		if err := os.WriteFile(tmp, data, 0o600); err != nil {
			return nil, err
		}
		if err := os.Rename(tmp, local); err != nil {
			return nil, err
		}
		log.Debugf("media cached: %s (%d bytes)", name, len(data))
		return nil, nil
	})
	if err != nil {
		return "", fmt.Errorf("fetch media %s: %w", name, err)
	}
	return local, nil
}

// Lookup reports whether the asset is already cached, without fetching.
func (c *Cache) Lookup(remotePath string) (string, bool) {
	name := FileName(remotePath)
	if name == "" {
		return "", false
	}
	local := filepath.Join(c.dir, name)
	if _, err := os.Stat(local); err != nil {
		return "", false
	}
	return local, true
}

// Size reports total bytes and file count.
func (c *Cache) Size() (int64, int, error) {
	var bytes int64
	var files int
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return 0, 0, err
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		bytes += info.Size()
		files++
	}
	return bytes, files, nil
}

// Clear removes every cached file.
func (c *Cache) Clear() (int, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if err := os.Remove(filepath.Join(c.dir, e.Name())); err == nil {
			removed++
		}
	}
	return removed, nil
}

// EvictOlderThan removes files whose modification time is older than maxAge.
func (c *Cache) EvictOlderThan(maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(c.dir, e.Name())); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}

// RunEviction ages out files on a fixed interval until ctx is done.
func (c *Cache) RunEviction(ctx context.Context, interval time.Duration, maxAge func() time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := c.EvictOlderThan(maxAge()); err != nil {
				log.WithError(err).Warn("media cache eviction failed")
			} else if n > 0 {
				log.Infof("media cache evicted %d stale files", n)
			}
		}
	}
}
