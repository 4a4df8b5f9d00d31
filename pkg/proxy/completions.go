package proxy

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	openai "github.com/sashabaranov/go-openai"

	"github.com/grokgate/grokgate/pkg/config"
	"github.com/grokgate/grokgate/pkg/mediacache"
	"github.com/grokgate/grokgate/pkg/tokenstore"
	"github.com/grokgate/grokgate/pkg/upstream"
)

// handleChatCompletions runs the failover loop: pick a credential, try the
// upstream once, classify failures onto the credential and move on to the
// next one until the attempt ceiling. Once a response body is open the stream
// is committed and no further attempt happens.
func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req openai.ChatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeOpenAIError(w, http.StatusBadRequest, "invalid request body", "invalid_request_error")
		return
	}
	nreq, err := upstream.Normalize(req)
	if err != nil {
		writeOpenAIError(w, http.StatusBadRequest, err.Error(), "invalid_request_error")
		return
	}

	cfg := s.settings.Snapshot()
	capability := nreq.Capability()
	exclude := map[string]struct{}{}
	start := nowUTC()
	attempts := 0
	var lastErr error
	var lastTokenID string

	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		tok, acqErr := s.tokens.Acquire(capability, exclude)
		if acqErr != nil {
			if attempts == 0 {
				writeOpenAIError(w, http.StatusServiceUnavailable, "no upstream credentials available", "service_unavailable")
				s.recordUsage("", nreq.Model.ID, http.StatusServiceUnavailable, start, 0, 0)
				return
			}
			break
		}
		attempts++
		lastTokenID = tok.ID

		body, callErr := s.client.OpenStream(r.Context(), nreq, tok.Secret)
		if callErr != nil {
			// A dead caller is not a credential failure: stop here without
			// touching token health or burning further attempts.
			if r.Context().Err() != nil {
				log.Debug("caller went away before the upstream answered")
				return
			}
			lastErr = callErr
			s.recordTokenFailure(tok.ID, callErr)
			if upstream.IsBlocked(callErr) {
				s.proxies.ForceRefresh()
			}
			if upstream.IsRetryable(callErr) {
				log.WithError(callErr).Warnf("attempt %d failed, rotating credential", attempts)
				exclude[tok.ID] = struct{}{}
				continue
			}
			break
		}

		cw := &countingWriter{ResponseWriter: w}
		status := s.serveUpstreamStream(cw, r, nreq, tok, body, cfg)
		body.Close()
		if status == http.StatusOK {
			s.tokens.ReportSuccess(tok.ID)
		} else if status == http.StatusBadGateway {
			s.tokens.ReportFailure(tok.ID, tokenstore.FailureUpstream, 0)
		}
		go s.refreshLimits(tok, nreq.Model.ID)
		s.recordUsage(tok.ID, nreq.Model.ID, status, start, attempts, cw.written)
		return
	}

	msg := "all attempts against the upstream failed"
	if lastErr != nil {
		log.WithError(lastErr).Warnf("request failed after %d attempt(s)", attempts)
	}
	writeOpenAIError(w, http.StatusBadGateway, msg, "upstream_error")
	s.recordUsage(lastTokenID, nreq.Model.ID, http.StatusBadGateway, start, attempts, 0)
}

// countingWriter tracks bytes streamed out for the usage stats.
type countingWriter struct {
	http.ResponseWriter
	written int64
}

func (c *countingWriter) Write(b []byte) (int, error) {
	n, err := c.ResponseWriter.Write(b)
	c.written += int64(n)
	return n, err
}

func (c *countingWriter) Flush() {
	if f, ok := c.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// serveUpstreamStream relays the opened upstream body to the caller and
// returns the status actually delivered.
func (s *Server) serveUpstreamStream(w http.ResponseWriter, r *http.Request, nreq upstream.Request, tok tokenstore.Token, body io.Reader, cfg config.ServerConfig) int {
	processor := upstream.NewProcessor(upstream.ProcessorOptions{
		Model:        nreq.Model.ID,
		ShowThinking: cfg.ShowThinking,
		FilteredTags: cfg.FilteredTags,
		ResolveMedia: s.mediaResolver(tok.Secret),
		OnVideo: func(videoID string) {
			s.tokens.BindVideo(videoID, tok.ID)
		},
	})

	if !nreq.Stream {
		resp, err := processor.Collect(r.Context(), body)
		if err != nil {
			writeOpenAIError(w, http.StatusBadGateway, "upstream response incomplete", "upstream_error")
			return http.StatusBadGateway
		}
		writeJSON(w, http.StatusOK, resp)
		return http.StatusOK
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeOpenAIError(w, http.StatusInternalServerError, "streaming unsupported", "server_error")
		return http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	err := processor.Process(r.Context(), body, func(chunk openai.ChatCompletionStreamResponse) error {
		payload, err := json.Marshal(chunk)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Debug("stream ended with error")
	}
	// The terminal chunk is already out; close the frame.
	_, _ = fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
	return http.StatusOK
}

// mediaResolver rewrites upstream asset paths per the configured media mode,
// fetching through the credential that generated the asset.
func (s *Server) mediaResolver(secret string) upstream.MediaResolver {
	fetch := func(ctx context.Context, assetPath string) ([]byte, error) {
		return s.client.FetchAsset(ctx, secret, assetPath)
	}
	return func(ctx context.Context, assetPath string) (string, error) {
		cfg := s.settings.Snapshot()
		if cfg.MediaMode == config.MediaModeInline {
			data, err := fetch(ctx, assetPath)
			if err != nil {
				return "", err
			}
			mime := http.DetectContentType(data)
			return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data), nil
		}
		if _, err := s.media.GetOrFetch(ctx, assetPath, fetch); err != nil {
			return "", err
		}
		name := mediacache.FileName(assetPath)
		if cfg.BaseURL == "" {
			return "/media/" + name, nil
		}
		return cfg.BaseURL + "/media/" + name, nil
	}
}

func (s *Server) recordTokenFailure(tokenID string, err error) {
	switch {
	case upstream.IsRateLimited(err):
		s.tokens.ReportFailure(tokenID, tokenstore.FailureRateLimited, upstream.RetryAfterHint(err))
	case upstream.IsAuthError(err) || upstream.IsBlocked(err):
		s.tokens.ReportFailure(tokenID, tokenstore.FailureAuth, 0)
	default:
		s.tokens.ReportFailure(tokenID, tokenstore.FailureUpstream, 0)
	}
}

// refreshLimits asks the upstream for the credential's real remaining quota.
// Fire-and-forget: a failed probe never fails the request that triggered it.
func (s *Server) refreshLimits(tok tokenstore.Token, modelID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	lim, err := s.client.CheckLimits(ctx, tok.Secret, modelID)
	if err != nil {
		log.WithError(err).Debug("rate-limit probe failed")
		return
	}
	cur, err := s.tokens.Get(tok.ID)
	if err != nil {
		return
	}
	if lim.Heavy {
		s.tokens.SetQuota(tok.ID, cur.QuotaRemaining, lim.Remaining)
	} else {
		s.tokens.SetQuota(tok.ID, lim.Remaining, cur.HeavyQuotaRemaining)
	}
}

func (s *Server) recordUsage(tokenID, model string, status int, start time.Time, attempts int, bytes int64) {
	s.stats.Add(UsageEvent{
		Timestamp: start,
		TokenID:   tokenID,
		Model:     model,
		Status:    status,
		Attempts:  attempts,
		LatencyMS: nowUTC().Sub(start).Milliseconds(),
		Bytes:     bytes,
	})
	if s.admin != nil {
		s.admin.NotifyStatsChanged()
	}
}
