package upstream

import (
	"errors"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/grokgate/grokgate/pkg/tokenstore"
)

var ErrUnsupportedModel = errors.New("unsupported model")

// Request is an inbound chat request normalized into what the upstream wire
// format needs: flat text, collected image URLs, resolved model.
type Request struct {
	Model  Model
	Text   string
	Images []string
	Stream bool
}

// Normalize flattens an OpenAI chat payload. Multi-part messages contribute
// their text parts in order; image_url parts are collected separately.
func Normalize(req openai.ChatCompletionRequest) (Request, error) {
	model, ok := LookupModel(req.Model)
	if !ok {
		return Request{}, fmt.Errorf("%w: %s", ErrUnsupportedModel, req.Model)
	}
	if len(req.Messages) == 0 {
		return Request{}, errors.New("messages must not be empty")
	}

	var texts []string
	var images []string
	for _, msg := range req.Messages {
		if len(msg.MultiContent) > 0 {
			for _, part := range msg.MultiContent {
				switch part.Type {
				case openai.ChatMessagePartTypeText:
					texts = append(texts, part.Text)
				case openai.ChatMessagePartTypeImageURL:
					if part.ImageURL != nil && part.ImageURL.URL != "" {
						images = append(images, part.ImageURL.URL)
					}
				}
			}
			continue
		}
		texts = append(texts, msg.Content)
	}

	// The video pipeline accepts a single reference image.
	if model.Video && len(images) > 1 {
		images = images[:1]
	}

	return Request{
		Model:  model,
		Text:   strings.Join(texts, ""),
		Images: images,
		Stream: req.Stream,
	}, nil
}

// Capability maps the resolved model onto the credential capability the
// selector filters by.
func (r Request) Capability() tokenstore.Capability {
	switch {
	case r.Model.Heavy:
		return tokenstore.CapabilityHeavy
	case r.Model.Video:
		return tokenstore.CapabilityVideo
	default:
		return tokenstore.CapabilityChat
	}
}
