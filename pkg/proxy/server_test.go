package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/grokgate/grokgate/pkg/config"
	"github.com/grokgate/grokgate/pkg/tokenstore"
)

func newTestServer(t *testing.T, fake http.Handler) *Server {
	t.Helper()
	upstream := httptest.NewServer(fake)
	t.Cleanup(upstream.Close)

	dir := t.TempDir()
	cfg := config.NewDefaultServerConfig()
	cfg.Storage = config.StorageConfig{Backend: "file", Path: filepath.Join(dir, "tokens.json")}
	cfg.Cache.Dir = filepath.Join(dir, "media")
	cfg.UpstreamBaseURL = upstream.URL
	cfg.UpstreamAssetsURL = upstream.URL
	cfg.Normalize()

	s, err := NewServer(filepath.Join(dir, "grokgate.toml"), cfg)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	t.Cleanup(func() { _ = s.tokens.Close() })
	return s
}

func addTestToken(t *testing.T, s *Server, secret string) tokenstore.Token {
	t.Helper()
	tok, err := s.tokens.Add(secret, tokenstore.TierSuper, nil, "")
	if err != nil {
		t.Fatalf("add token: %v", err)
	}
	return tok
}

// chatMux returns a fake upstream that answers the chat endpoint with the
// given response lines and reports a fixed rate limit.
func chatMux(lines ...string) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/rest/app-chat/conversations/new", func(w http.ResponseWriter, r *http.Request) {
		for _, line := range lines {
			fmt.Fprintln(w, line)
		}
	})
	mux.HandleFunc("/rest/rate-limits", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"remainingTokens": 50}`)
	})
	return mux
}

func tokenLine(text string) string {
	return fmt.Sprintf(`{"result":{"response":{"token":%q}}}`, text)
}

func finalLine(message string) string {
	return fmt.Sprintf(`{"result":{"response":{"modelResponse":{"message":%q}}}}`, message)
}

func chatBody(model string, stream bool, content string) *strings.Reader {
	body, _ := json.Marshal(map[string]any{
		"model":  model,
		"stream": stream,
		"messages": []map[string]string{
			{"role": "user", "content": content},
		},
	})
	return strings.NewReader(string(body))
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t, chatMux())
	addTestToken(t, s, "sso=health-credential-1")

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp struct {
		Status string         `json:"status"`
		Tokens map[string]int `json:"tokens"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "ok" || resp.Tokens["active"] != 1 {
		t.Fatalf("unexpected health payload: %+v", resp)
	}
}

func TestListModels(t *testing.T) {
	s := newTestServer(t, chatMux())

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/models", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	ids := map[string]bool{}
	for _, m := range resp.Data {
		ids[m.ID] = true
	}
	for _, want := range []string{"grok-3", "grok-4", "grok-4-heavy", "grok-imagine-0.9"} {
		if !ids[want] {
			t.Fatalf("model %s missing from %v", want, resp.Data)
		}
	}
}

func TestChatCompletionsStreaming(t *testing.T) {
	s := newTestServer(t, chatMux(tokenLine("Hel"), tokenLine("lo"), finalLine("Hello")))
	addTestToken(t, s, "sso=stream-credential-1")

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", chatBody("grok-4", true, "hi"))
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}
	out := rec.Body.String()
	if !strings.Contains(out, `"Hel"`) || !strings.Contains(out, `"lo"`) {
		t.Fatalf("token chunks missing:\n%s", out)
	}
	if !strings.HasSuffix(strings.TrimSpace(out), "data: [DONE]") {
		t.Fatalf("stream not terminated with DONE:\n%s", out)
	}
}

func TestChatCompletionsNonStreaming(t *testing.T) {
	s := newTestServer(t, chatMux(tokenLine("Hello"), finalLine("Hello")))
	addTestToken(t, s, "sso=collect-credential-1")

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", chatBody("grok-4", false, "hi"))
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	var resp openai.ChatCompletionResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Choices) != 1 || resp.Choices[0].Message.Content != "Hello" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if resp.Model != "grok-4" {
		t.Fatalf("model = %q", resp.Model)
	}
}

func TestChatCompletionsFailover(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/rest/app-chat/conversations/new", func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "120")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprintln(w, tokenLine("ok"))
		fmt.Fprintln(w, finalLine("ok"))
	})
	mux.HandleFunc("/rest/rate-limits", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"remainingTokens": 50}`)
	})

	s := newTestServer(t, mux)
	first := addTestToken(t, s, "sso=failover-credential-1")
	addTestToken(t, s, "sso=failover-credential-2")

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", chatBody("grok-4", false, "hi"))
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 after failover: %s", rec.Code, rec.Body.String())
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("upstream calls = %d, want 2", got)
	}

	// Acquire marks the first token as used; which token took the 429 depends
	// on selection order, so check the pool holds exactly one cooled token.
	cooled := 0
	for _, tok := range s.tokens.List() {
		if tok.Health == tokenstore.HealthCoolingDown {
			cooled++
		}
	}
	if cooled != 1 {
		t.Fatalf("cooling tokens = %d, want 1 (first=%s)", cooled, first.ID)
	}
}

func TestChatCompletionsAllAttemptsFail(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/rest/app-chat/conversations/new", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})

	s := newTestServer(t, mux)
	addTestToken(t, s, "sso=fail-credential-1")
	addTestToken(t, s, "sso=fail-credential-2")

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", chatBody("grok-4", false, "hi"))
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502: %s", rec.Code, rec.Body.String())
	}
}

func TestCallerDisconnectLeavesPoolHealthy(t *testing.T) {
	var calls atomic.Int32
	mux := chatMux(tokenLine("ok"), finalLine("ok"))
	wrapped := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		mux.ServeHTTP(w, r)
	})

	s := newTestServer(t, wrapped)
	addTestToken(t, s, "sso=disconnect-credential-1")
	addTestToken(t, s, "sso=disconnect-credential-2")
	addTestToken(t, s, "sso=disconnect-credential-3")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", chatBody("grok-4", false, "hi"))
	s.Handler().ServeHTTP(rec, req.WithContext(ctx))

	// The caller going away is not the credentials' fault: nothing gets
	// cooled down and no further attempt burns a second one.
	for _, tok := range s.tokens.List() {
		if tok.Health != tokenstore.HealthActive {
			t.Fatalf("token %s moved to %s after caller disconnect", tok.ID, tok.Health)
		}
	}
	if got := calls.Load(); got > 1 {
		t.Fatalf("upstream calls = %d, want at most 1 for a dead caller", got)
	}
}

func TestIncompleteUpstreamRecordedAsFailure(t *testing.T) {
	// Stream tokens but never a final message, so a non-streaming request
	// cannot be assembled.
	s := newTestServer(t, chatMux(tokenLine("dangling")))
	addTestToken(t, s, "sso=incomplete-credential-1")

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", chatBody("grok-4", false, "hi"))
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502: %s", rec.Code, rec.Body.String())
	}
	tok := s.tokens.List()[0]
	if tok.Health != tokenstore.HealthCoolingDown {
		t.Fatalf("token health = %s, want cooling_down after incomplete stream", tok.Health)
	}
	sum := s.stats.Summary(time.Hour)
	if sum.Errors != 1 {
		t.Fatalf("recorded errors = %d, want 1", sum.Errors)
	}
}

func TestChatCompletionsNoCredentials(t *testing.T) {
	s := newTestServer(t, chatMux())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", chatBody("grok-4", false, "hi"))
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503: %s", rec.Code, rec.Body.String())
	}
}

func TestChatCompletionsUnknownModel(t *testing.T) {
	s := newTestServer(t, chatMux())
	addTestToken(t, s, "sso=model-credential-1")

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", chatBody("gpt-4", false, "hi"))
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400: %s", rec.Code, rec.Body.String())
	}
}

func TestAPIKeyAuth(t *testing.T) {
	s := newTestServer(t, chatMux())
	err := s.settings.Update(func(cfg *config.ServerConfig) error {
		cfg.PublicAPIKeys = []string{"sk-test-key"}
		return nil
	})
	if err != nil {
		t.Fatalf("update settings: %v", err)
	}

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/models", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing key: status = %d, want 401", rec.Code)
	}

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong key: status = %d, want 401", rec.Code)
	}

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	req.Header.Set("Authorization", "Bearer sk-test-key")
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("good key: status = %d, want 200", rec.Code)
	}

	// Health stays open regardless of keys.
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("health: status = %d, want 200", rec.Code)
	}
}

func TestDrainingRejectsGatewayRequests(t *testing.T) {
	s := newTestServer(t, chatMux())
	addTestToken(t, s, "sso=drain-credential-1")
	s.draining.Store(true)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", chatBody("grok-4", false, "hi"))
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503 while draining", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("Retry-After header missing")
	}

	// Non-gateway paths keep working so the operator can watch the drain.
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("health during drain: status = %d, want 200", rec.Code)
	}
}

func TestMediaServing(t *testing.T) {
	assetData := []byte("png-bytes-here")
	s := newTestServer(t, chatMux())

	// Assets land in the cache while a response streams out.
	_, err := s.media.GetOrFetch(context.Background(), "/users/u1/generated/img.png",
		func(context.Context, string) ([]byte, error) { return assetData, nil })
	if err != nil {
		t.Fatalf("seed cache: %v", err)
	}

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/media/users-u1-generated-img.png", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != string(assetData) {
		t.Fatalf("body = %q, want asset bytes", rec.Body.String())
	}
}

func TestMediaMissNotFound(t *testing.T) {
	s := newTestServer(t, chatMux())
	addTestToken(t, s, "sso=media-miss-credential-1")
	before := s.tokens.List()[0].RequestCount

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/media/never-cached-0e9a3c1f.png", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	// A miss never consumes a credential.
	if after := s.tokens.List()[0].RequestCount; after != before {
		t.Fatalf("request count moved %d -> %d on a cache miss", before, after)
	}
}

func TestUpscaleUsesBoundCredential(t *testing.T) {
	const videoID = "0e9a3c1f-1111-2222-3333-444455556666"
	var gotCookie string
	mux := chatMux()
	mux.HandleFunc("/rest/media/video/upscale", func(w http.ResponseWriter, r *http.Request) {
		gotCookie = r.Header.Get("Cookie")
		fmt.Fprintf(w, `{"hdMediaUrl": "https://assets.example.com/videos/%s/hd.mp4"}`, videoID)
	})
	mux.HandleFunc("/videos/"+videoID+"/hd.mp4", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("hd-video"))
	})

	s := newTestServer(t, mux)
	bound := addTestToken(t, s, "sso=upscale-credential-1")
	addTestToken(t, s, "sso=upscale-credential-2")
	s.tokens.BindVideo(videoID, bound.ID)

	body := strings.NewReader(fmt.Sprintf(`{"video_id": %q}`, videoID))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/videos/upscale", body))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(gotCookie, "sso=upscale-credential-1") {
		t.Fatalf("upscale used cookie %q, want the bound credential", gotCookie)
	}
	var resp struct {
		HDMediaURL string `json:"hd_media_url"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !strings.Contains(resp.HDMediaURL, "/media/videos-"+videoID+"-hd.mp4") {
		t.Fatalf("hd_media_url = %q, want gateway media URL", resp.HDMediaURL)
	}
}

func TestUpscaleRequiresVideoID(t *testing.T) {
	s := newTestServer(t, chatMux())
	addTestToken(t, s, "sso=upscale-credential-3")

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/videos/upscale", strings.NewReader(`{}`)))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestMidStreamErrorTerminatesCleanly(t *testing.T) {
	s := newTestServer(t, chatMux(
		tokenLine("partial"),
		`{"error":{"message":"something broke upstream","code":16}}`,
	))
	addTestToken(t, s, "sso=midstream-credential-1")

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", chatBody("grok-4", true, "hi"))
	s.Handler().ServeHTTP(rec, req)

	// The stream is committed: status stays 200 and the error rides in-band.
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	out := rec.Body.String()
	if !strings.Contains(out, "something broke upstream") {
		t.Fatalf("in-band error missing:\n%s", out)
	}
	if !strings.HasSuffix(strings.TrimSpace(out), "data: [DONE]") {
		t.Fatalf("stream not terminated with DONE:\n%s", out)
	}
}
