package proxy

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	log "github.com/sirupsen/logrus"

	"github.com/grokgate/grokgate/pkg/mediacache"
	"github.com/grokgate/grokgate/pkg/tokenstore"
	"github.com/grokgate/grokgate/pkg/upstream"
)

// handleMedia serves cached assets by their flattened name. Assets enter the
// cache while the response that references them streams out; the flattened
// name cannot be mapped back to an upstream path, so a miss is a plain 404.
func (s *Server) handleMedia(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "*")
	name = mediacache.FileName(name)
	if name == "" {
		http.NotFound(w, r)
		return
	}

	local, ok := s.media.Lookup(name)
	if !ok {
		log.Debugf("media not cached: %s", name)
		http.NotFound(w, r)
		return
	}
	http.ServeFile(w, r, local)
}

// handleUpscale requests the HD render of a generated clip, preferring the
// credential that generated it.
func (s *Server) handleUpscale(w http.ResponseWriter, r *http.Request) {
	var req struct {
		VideoID string `json:"video_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.VideoID) == "" {
		writeOpenAIError(w, http.StatusBadRequest, "video_id is required", "invalid_request_error")
		return
	}
	videoID := strings.TrimSpace(req.VideoID)

	tok, ok := s.tokens.TokenForVideo(videoID)
	if !ok {
		var err error
		tok, err = s.tokens.Acquire(tokenstore.CapabilityVideo, nil)
		if err != nil {
			writeOpenAIError(w, http.StatusServiceUnavailable, "no upstream credentials available", "service_unavailable")
			return
		}
		log.Debugf("upscale %s: no bound credential, using fallback", videoID)
	}

	hdURL, err := s.client.Upscale(r.Context(), tok.Secret, videoID)
	if err != nil {
		s.recordTokenFailure(tok.ID, err)
		if upstream.IsBlocked(err) {
			s.proxies.ForceRefresh()
		}
		writeOpenAIError(w, http.StatusBadGateway, "upscale failed", "upstream_error")
		return
	}
	s.tokens.ReportSuccess(tok.ID)

	writeJSON(w, http.StatusOK, map[string]string{
		"hd_media_url": s.localizeMediaURL(r.Context(), hdURL, tok.Secret),
	})
}

// localizeMediaURL caches the HD asset and returns the gateway-served URL,
// falling back to the upstream URL when caching fails.
func (s *Server) localizeMediaURL(ctx context.Context, upstreamURL, secret string) string {
	u, err := url.Parse(upstreamURL)
	if err != nil || u.Path == "" {
		return upstreamURL
	}
	if _, err := s.media.GetOrFetch(ctx, u.Path, func(ctx context.Context, p string) ([]byte, error) {
		return s.client.FetchAsset(ctx, secret, p)
	}); err != nil {
		log.WithError(err).Debug("hd media cache failed, returning upstream URL")
		return upstreamURL
	}
	name := mediacache.FileName(u.Path)
	cfg := s.settings.Snapshot()
	if cfg.BaseURL == "" {
		return "/media/" + name
	}
	return cfg.BaseURL + "/media/" + name
}
