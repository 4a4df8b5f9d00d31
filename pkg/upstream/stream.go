package upstream

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	openai "github.com/sashabaranov/go-openai"
)

// ErrStreamTimeout marks a stream that went silent past its deadline.
var ErrStreamTimeout = errors.New("upstream stream timeout")

const assetsPublicURL = "https://assets.grok.com"

var videoIDPattern = regexp.MustCompile(`(?i)([0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12})`)

// MediaResolver turns an upstream asset path into a URL (or data URI) that
// can be embedded in the response. Errors fall back to the raw asset URL.
type MediaResolver func(ctx context.Context, assetPath string) (string, error)

type ProcessorOptions struct {
	Model        string
	ShowThinking bool
	FilteredTags []string

	FirstByteTimeout time.Duration
	IdleTimeout      time.Duration
	TotalTimeout     time.Duration

	ResolveMedia MediaResolver
	// OnVideo fires when a generated clip is identified, with its video ID.
	OnVideo func(videoID string)
}

// Processor converts the upstream line-JSON stream into OpenAI chat
// completion chunks.
type Processor struct {
	opts ProcessorOptions
	id   string
}

func NewProcessor(opts ProcessorOptions) *Processor {
	if opts.FirstByteTimeout <= 0 {
		opts.FirstByteTimeout = 30 * time.Second
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 120 * time.Second
	}
	if opts.TotalTimeout <= 0 {
		opts.TotalTimeout = 10 * time.Minute
	}
	return &Processor{opts: opts, id: "chatcmpl-" + randomHex(16)}
}

func randomHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%x", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

// grokLine is one line of the upstream response stream.
type grokLine struct {
	Error *struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error"`
	Result struct {
		Response grokResponse `json:"response"`
	} `json:"result"`
}

type grokResponse struct {
	Token               json.RawMessage `json:"token"`
	IsThinking          bool            `json:"isThinking"`
	MessageTag          string          `json:"messageTag"`
	ImageAttachmentInfo json.RawMessage `json:"imageAttachmentInfo"`
	ToolUsageCardID     string          `json:"toolUsageCardId"`
	UserResponse        *struct {
		Model string `json:"model"`
	} `json:"userResponse"`
	ModelResponse *struct {
		Message            string   `json:"message"`
		Model              string   `json:"model"`
		Error              string   `json:"error"`
		GeneratedImageURLs []string `json:"generatedImageUrls"`
	} `json:"modelResponse"`
	StreamingVideoGenerationResponse *struct {
		Progress int    `json:"progress"`
		VideoURL string `json:"videoUrl"`
	} `json:"streamingVideoGenerationResponse"`
	WebSearchResults *struct {
		Results []struct {
			Title   string `json:"title"`
			URL     string `json:"url"`
			Preview string `json:"preview"`
		} `json:"results"`
	} `json:"webSearchResults"`
}

// tokenText extracts the token field, which the upstream sends either as a
// string or as an array we ignore.
func (r *grokResponse) tokenText() (string, bool) {
	if len(r.Token) == 0 {
		return "", true
	}
	var s string
	if err := json.Unmarshal(r.Token, &s); err != nil {
		return "", false
	}
	return s, true
}

func (p *Processor) chunk(content string, finish openai.FinishReason) openai.ChatCompletionStreamResponse {
	model := p.opts.Model
	if model == "" {
		model = "grok-4"
	}
	choice := openai.ChatCompletionStreamChoice{Index: 0, FinishReason: finish}
	if content != "" {
		choice.Delta = openai.ChatCompletionStreamChoiceDelta{Role: openai.ChatMessageRoleAssistant, Content: content}
	}
	return openai.ChatCompletionStreamResponse{
		ID:      p.id,
		Object:  "chat.completion.chunk",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []openai.ChatCompletionStreamChoice{choice},
	}
}

// Process reads the upstream stream and emits chunks until it ends. Timeouts
// and upstream error lines produce a terminal chunk; the caller writes the
// end-of-stream marker after Process returns.
func (p *Processor) Process(ctx context.Context, body io.Reader, emit func(openai.ChatCompletionStreamResponse) error) error {
	lines := make(chan string, 16)
	scanErr := make(chan error, 1)
	// Closed on every return path so the reader goroutine never blocks on a
	// send after an early exit.
	done := make(chan struct{})
	defer close(done)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(body)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-done:
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	total := time.NewTimer(p.opts.TotalTimeout)
	defer total.Stop()
	idle := time.NewTimer(p.opts.FirstByteTimeout)
	defer idle.Stop()

	st := &streamState{}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-total.C:
			log.Warn("stream total timeout reached")
			_ = emit(p.chunk("", openai.FinishReasonStop))
			return ErrStreamTimeout
		case <-idle.C:
			log.Warn("stream idle timeout reached")
			_ = emit(p.chunk("", openai.FinishReasonStop))
			return ErrStreamTimeout
		case line, ok := <-lines:
			if !ok {
				if err := <-scanErr; err != nil {
					log.WithError(err).Warn("upstream stream read failed")
					if emitErr := emit(p.chunk("Error: upstream connection lost", openai.FinishReasonStop)); emitErr != nil {
						return emitErr
					}
					return err
				}
				return emit(p.chunk("", openai.FinishReasonStop))
			}
			idle.Reset(p.opts.IdleTimeout)
			if strings.TrimSpace(line) == "" {
				continue
			}
			done, err := p.processLine(ctx, line, st, emit)
			if err != nil || done {
				return err
			}
		}
	}
}

type streamState struct {
	isImage           bool
	isThinking        bool
	thinkingFinished  bool
	videoStarted      bool
	lastVideoProgress int
}

// processLine handles one upstream line. done=true ends the stream after a
// terminal chunk has been emitted.
func (p *Processor) processLine(ctx context.Context, line string, st *streamState, emit func(openai.ChatCompletionStreamResponse) error) (done bool, err error) {
	var parsed grokLine
	if err := json.Unmarshal([]byte(line), &parsed); err != nil {
		log.WithError(err).Debug("skipping unparseable stream line")
		return false, nil
	}
	if parsed.Error != nil {
		log.Warnf("upstream stream error: %s", parsed.Error.Message)
		if err := emit(p.chunk("Error: "+parsed.Error.Message, openai.FinishReasonStop)); err != nil {
			return true, err
		}
		return true, nil
	}
	resp := parsed.Result.Response

	if vr := resp.StreamingVideoGenerationResponse; vr != nil {
		return false, p.processVideo(ctx, vr.Progress, vr.VideoURL, st, emit)
	}

	if len(resp.ImageAttachmentInfo) > 0 && string(resp.ImageAttachmentInfo) != "null" {
		st.isImage = true
	}

	token, ok := resp.tokenText()
	if !ok {
		return false, nil
	}

	if st.isImage {
		if mr := resp.ModelResponse; mr != nil {
			var content strings.Builder
			for _, img := range mr.GeneratedImageURLs {
				content.WriteString(fmt.Sprintf("![Generated Image](%s)\n", p.resolveAsset(ctx, img)))
			}
			if err := emit(p.chunk(strings.TrimSpace(content.String()), openai.FinishReasonStop)); err != nil {
				return true, err
			}
			return true, nil
		}
		if token != "" {
			return false, emit(p.chunk(token, ""))
		}
		return false, nil
	}

	for _, tag := range p.opts.FilteredTags {
		if tag != "" && strings.Contains(token, tag) {
			return false, nil
		}
	}

	if st.thinkingFinished && resp.IsThinking {
		return false, nil
	}

	// Search results surface only inside the thinking phase.
	if resp.ToolUsageCardID != "" {
		ws := resp.WebSearchResults
		if ws == nil || !resp.IsThinking || !p.opts.ShowThinking {
			return false, nil
		}
		var b strings.Builder
		b.WriteString(token)
		for _, r := range ws.Results {
			preview := strings.ReplaceAll(r.Preview, "\n", "")
			fmt.Fprintf(&b, "\n- [%s](%s %q)", r.Title, r.URL, preview)
		}
		b.WriteString("\n")
		token = b.String()
	}

	if token == "" {
		return false, nil
	}

	content := token
	if resp.MessageTag == "header" {
		content = "\n\n" + token + "\n\n"
	}

	skip := false
	switch {
	case !st.isThinking && resp.IsThinking:
		if p.opts.ShowThinking {
			content = "<think>\n" + content
		} else {
			skip = true
		}
	case st.isThinking && !resp.IsThinking:
		if p.opts.ShowThinking {
			content = "\n</think>\n" + content
		}
		st.thinkingFinished = true
	case resp.IsThinking:
		if !p.opts.ShowThinking {
			skip = true
		}
	}
	st.isThinking = resp.IsThinking

	if skip {
		return false, nil
	}
	return false, emit(p.chunk(content, ""))
}

func (p *Processor) processVideo(ctx context.Context, progress int, videoURL string, st *streamState, emit func(openai.ChatCompletionStreamResponse) error) error {
	if progress > st.lastVideoProgress {
		st.lastVideoProgress = progress
		if p.opts.ShowThinking {
			var content string
			switch {
			case !st.videoStarted:
				content = fmt.Sprintf("<think>Video generated %d%%\n", progress)
				st.videoStarted = true
			case progress < 100:
				content = fmt.Sprintf("Video generated %d%%\n", progress)
			default:
				content = fmt.Sprintf("Video generated %d%%</think>\n", progress)
			}
			if err := emit(p.chunk(content, "")); err != nil {
				return err
			}
		}
	}
	if videoURL != "" {
		return emit(p.chunk(p.videoContent(ctx, videoURL), ""))
	}
	return nil
}

// videoContent builds the embeddable video tag and registers the clip ID so
// a later upscale call can reuse the generating credential.
func (p *Processor) videoContent(ctx context.Context, videoURL string) string {
	if id := videoIDPattern.FindString(videoURL); id != "" && p.opts.OnVideo != nil {
		p.opts.OnVideo(id)
	}
	src := p.resolveAsset(ctx, videoURL)
	return fmt.Sprintf("<video src=%q controls=\"controls\" width=\"500\" height=\"300\"></video>\n", src)
}

func (p *Processor) resolveAsset(ctx context.Context, assetPath string) string {
	raw := assetsPublicURL + "/" + strings.TrimLeft(assetPath, "/")
	if p.opts.ResolveMedia == nil {
		return raw
	}
	resolved, err := p.opts.ResolveMedia(ctx, "/"+strings.TrimLeft(assetPath, "/"))
	if err != nil {
		log.WithError(err).Warn("media resolve failed, serving upstream URL")
		return raw
	}
	return resolved
}

// Collect aggregates a non-streaming response: it scans the stream for the
// final model response (or completed video) and returns one completion
// object.
func (p *Processor) Collect(ctx context.Context, body io.Reader) (openai.ChatCompletionResponse, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var parsed grokLine
		if err := json.Unmarshal([]byte(line), &parsed); err != nil {
			continue
		}
		if parsed.Error != nil {
			return openai.ChatCompletionResponse{}, fmt.Errorf("upstream error: %s", parsed.Error.Message)
		}
		resp := parsed.Result.Response

		if vr := resp.StreamingVideoGenerationResponse; vr != nil && vr.VideoURL != "" {
			return p.completion(p.videoContent(ctx, vr.VideoURL)), nil
		}

		mr := resp.ModelResponse
		if mr == nil {
			continue
		}
		if mr.Error != "" {
			return openai.ChatCompletionResponse{}, fmt.Errorf("upstream model error: %s", mr.Error)
		}
		content := mr.Message
		for _, img := range mr.GeneratedImageURLs {
			content += fmt.Sprintf("\n![Generated Image](%s)", p.resolveAsset(ctx, img))
		}
		return p.completion(content), nil
	}
	if err := scanner.Err(); err != nil {
		return openai.ChatCompletionResponse{}, fmt.Errorf("read upstream stream: %w", err)
	}
	return openai.ChatCompletionResponse{}, errors.New("upstream stream ended without a model response")
}

func (p *Processor) completion(content string) openai.ChatCompletionResponse {
	model := p.opts.Model
	if model == "" {
		model = "grok-4"
	}
	return openai.ChatCompletionResponse{
		ID:      p.id,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []openai.ChatCompletionChoice{{
			Index: 0,
			Message: openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: content,
			},
			FinishReason: openai.FinishReasonStop,
		}},
	}
}
