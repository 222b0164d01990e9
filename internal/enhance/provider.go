package enhance

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"

	"github.com/sells-group/qbank/internal/cost"
	"github.com/sells-group/qbank/internal/resilience"
	"github.com/sells-group/qbank/pkg/anthropic"
)

// Image is a fetched image ready to attach to a request.
type Image struct {
	URL       string
	MediaType string
	Data      []byte
}

// Request is one explanation-generation call.
type Request struct {
	System string
	User   string
	Images []Image
}

// Provider generates explanation text. Implementations make exactly one
// remote call per Enhance.
type Provider interface {
	Enhance(ctx context.Context, req Request) (string, error)
}

// AnthropicProvider implements Provider on the Messages API.
type AnthropicProvider struct {
	client    anthropic.Client
	model     string
	maxTokens int64
	costs     *cost.Tracker
}

// NewAnthropicProvider wraps client for model.
func NewAnthropicProvider(client anthropic.Client, model string, maxTokens int64) *AnthropicProvider {
	if maxTokens <= 0 {
		maxTokens = 2048
	}
	return &AnthropicProvider{client: client, model: model, maxTokens: maxTokens}
}

// WithCosts makes the provider record every call's usage on t.
func (p *AnthropicProvider) WithCosts(t *cost.Tracker) *AnthropicProvider {
	p.costs = t
	return p
}

func (p *AnthropicProvider) Enhance(ctx context.Context, req Request) (string, error) {
	images := make([]anthropic.Image, len(req.Images))
	for i, img := range req.Images {
		images[i] = anthropic.Image{MediaType: img.MediaType, Data: img.Data}
	}

	resp, err := p.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:     p.model,
		MaxTokens: p.maxTokens,
		System:    anthropic.BuildCachedSystemBlocks(req.System, "5m"),
		Messages: []anthropic.Message{{
			Role:    "user",
			Content: req.User,
			Images:  images,
		}},
	})
	if err != nil {
		var apiErr *anthropic.APIError
		if errors.As(err, &apiErr) && resilience.IsTransientHTTPStatus(apiErr.StatusCode) {
			err = resilience.NewTransientError(err, apiErr.StatusCode)
		}
		return "", eris.Wrap(err, "enhance: provider call")
	}
	resp.Usage.LogCost(p.model, "enhance")
	if p.costs != nil {
		p.costs.Add(p.model, cost.Usage{
			Input:      resp.Usage.InputTokens,
			Output:     resp.Usage.OutputTokens,
			CacheWrite: resp.Usage.CacheCreationInputTokens,
			CacheRead:  resp.Usage.CacheReadInputTokens,
		})
	}
	return resp.Text(), nil
}
