package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/grokgate/grokgate/pkg/logutil"
)

const (
	defaultBaseURL   = "https://grok.com"
	defaultAssetsURL = "https://assets.grok.com"

	chatPath      = "/rest/app-chat/conversations/new"
	rateLimitPath = "/rest/rate-limits"
	upscalePath   = "/rest/media/video/upscale"

	browserUA = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/133.0.0.0 Safari/537.36"

	errorBodyLimit = 8 << 10
	assetSizeLimit = 64 << 20
)

// Settings is snapshotted from the config store per call. BaseURL and
// AssetsURL default to the public endpoints when empty.
type Settings struct {
	CFClearance string
	Timeout     time.Duration
	BaseURL     string
	AssetsURL   string
}

// Client talks to the upstream provider. One call is one attempt: retry and
// credential rotation live in the failover controller, not here.
type Client struct {
	http     *http.Client
	settings func() Settings
}

func NewClient(settings func() Settings, proxy func(*http.Request) (*url.URL, error)) *Client {
	transport := &http.Transport{
		Proxy:                 proxy,
		MaxIdleConns:          32,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
	}
	return &Client{
		http:     &http.Client{Transport: transport},
		settings: settings,
	}
}

func (c *Client) base() string {
	if u := strings.TrimSpace(c.settings().BaseURL); u != "" {
		return strings.TrimRight(u, "/")
	}
	return defaultBaseURL
}

func (c *Client) assets() string {
	if u := strings.TrimSpace(c.settings().AssetsURL); u != "" {
		return strings.TrimRight(u, "/")
	}
	return defaultAssetsURL
}

func (c *Client) headers(secret string) http.Header {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set("Accept", "*/*")
	h.Set("Accept-Language", "en-US,en;q=0.9")
	h.Set("Origin", c.base())
	h.Set("Referer", c.base()+"/")
	h.Set("User-Agent", browserUA)
	cookie := secret
	if cf := strings.TrimSpace(c.settings().CFClearance); cf != "" {
		if !strings.Contains(cf, "=") {
			cf = "cf_clearance=" + cf
		}
		cookie = cookie + ";" + cf
	}
	h.Set("Cookie", cookie)
	return h
}

type chatPayload struct {
	Temporary             bool           `json:"temporary"`
	ModelName             string         `json:"modelName"`
	Message               string         `json:"message"`
	FileAttachments       []string       `json:"fileAttachments"`
	ImageAttachments      []string       `json:"imageAttachments"`
	DisableSearch         bool           `json:"disableSearch"`
	EnableImageGeneration bool           `json:"enableImageGeneration"`
	ReturnImageBytes      bool           `json:"returnImageBytes"`
	EnableImageStreaming  bool           `json:"enableImageStreaming"`
	ImageGenerationCount  int            `json:"imageGenerationCount"`
	ToolOverrides         map[string]any `json:"toolOverrides"`
	SendFinalMetadata     bool           `json:"sendFinalMetadata"`
	IsReasoning           bool           `json:"isReasoning"`
	DisableTextFollowUps  bool           `json:"disableTextFollowUps"`
	ModelMode             string         `json:"modelMode,omitempty"`
	IsAsyncChat           bool           `json:"isAsyncChat"`
}

// buildChatPayload produces the upstream conversation payload. Video requests
// take the custom-mode message form with the generation tool forced on;
// reference images ride along inside the message text.
func buildChatPayload(req Request) chatPayload {
	if req.Model.Video {
		msg := req.Text
		if len(req.Images) > 0 {
			msg = req.Images[0] + "  " + req.Text
		}
		return chatPayload{
			Temporary:        true,
			ModelName:        req.Model.Upstream,
			Message:          msg + " --mode=custom",
			FileAttachments:  []string{},
			ImageAttachments: []string{},
			ToolOverrides:    map[string]any{"videoGen": true},
		}
	}
	msg := req.Text
	for _, img := range req.Images {
		msg += "\n" + img
	}
	return chatPayload{
		Temporary:             true,
		ModelName:             req.Model.Upstream,
		Message:               msg,
		FileAttachments:       []string{},
		ImageAttachments:      []string{},
		EnableImageGeneration: true,
		EnableImageStreaming:  true,
		ImageGenerationCount:  2,
		ToolOverrides:         map[string]any{},
		SendFinalMetadata:     true,
		DisableTextFollowUps:  true,
		ModelMode:             req.Model.Mode,
	}
}

// OpenStream issues the conversation request and hands back the raw response
// body for the SSE processor. Non-200 responses become a typed *HTTPError.
func (c *Client) OpenStream(ctx context.Context, req Request, secret string) (io.ReadCloser, error) {
	payload := buildChatPayload(req)
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base()+chatPath, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header = c.headers(secret)
	if req.Model.Video && len(req.Images) > 0 {
		httpReq.Header.Set("Referer", c.base()+"/imagine/")
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("upstream request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, httpError(resp)
	}
	log.Debugf("upstream stream open: model=%s token=%s", req.Model.ID, logutil.Redact(secret))
	return resp.Body, nil
}

// Limits is the quota snapshot for one credential.
type Limits struct {
	Remaining int
	Heavy     bool
}

// CheckLimits probes the rate-limit endpoint to learn the real remaining
// quota after a request has gone through.
func (c *Client) CheckLimits(ctx context.Context, secret, modelID string) (Limits, error) {
	rateModel := RateLimitModel(modelID)
	heavy := false
	if m, ok := LookupModel(modelID); ok {
		heavy = m.Heavy
	}
	body, err := json.Marshal(map[string]string{
		"requestKind": "DEFAULT",
		"modelName":   rateModel,
	})
	if err != nil {
		return Limits{}, err
	}

	ctx, cancel := c.callContext(ctx)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base()+rateLimitPath, bytes.NewReader(body))
	if err != nil {
		return Limits{}, err
	}
	req.Header = c.headers(secret)

	resp, err := c.http.Do(req)
	if err != nil {
		return Limits{}, fmt.Errorf("rate-limit probe: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Limits{}, httpError(resp)
	}

	var data struct {
		RemainingQueries *int `json:"remainingQueries"`
		RemainingTokens  *int `json:"remainingTokens"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return Limits{}, fmt.Errorf("decode rate-limit response: %w", err)
	}
	lim := Limits{Remaining: -1, Heavy: heavy}
	if heavy {
		if data.RemainingQueries != nil {
			lim.Remaining = *data.RemainingQueries
		}
	} else if data.RemainingTokens != nil {
		lim.Remaining = *data.RemainingTokens
	}
	return lim, nil
}

// Upscale requests the HD render of a previously generated video.
func (c *Client) Upscale(ctx context.Context, secret, videoID string) (string, error) {
	body, err := json.Marshal(map[string]string{"videoId": videoID})
	if err != nil {
		return "", err
	}
	ctx, cancel := c.callContext(ctx)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base()+upscalePath, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header = c.headers(secret)
	req.Header.Set("Referer", fmt.Sprintf("%s/imagine/post/%s", c.base(), videoID))

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("upscale request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", httpError(resp)
	}
	var data struct {
		HDMediaURL string `json:"hdMediaUrl"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return "", fmt.Errorf("decode upscale response: %w", err)
	}
	if data.HDMediaURL == "" {
		return "", fmt.Errorf("upscale response missing hdMediaUrl")
	}
	return data.HDMediaURL, nil
}

// FetchAsset downloads one generated asset (image or video) from the asset
// host, authenticated with the credential that produced it.
func (c *Client) FetchAsset(ctx context.Context, secret, assetPath string) ([]byte, error) {
	if !strings.HasPrefix(assetPath, "/") {
		assetPath = "/" + assetPath
	}
	ctx, cancel := c.callContext(ctx)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.assets()+assetPath, nil)
	if err != nil {
		return nil, err
	}
	req.Header = c.headers(secret)
	req.Header.Del("Content-Type")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch asset: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, httpError(resp)
	}
	return io.ReadAll(io.LimitReader(resp.Body, assetSizeLimit))
}

func (c *Client) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := c.settings().Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return context.WithTimeout(ctx, timeout)
}

func httpError(resp *http.Response) *HTTPError {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
	return &HTTPError{
		StatusCode: resp.StatusCode,
		Body:       string(b),
		RetryAfter: parseRetryAfter(resp.Header),
	}
}
