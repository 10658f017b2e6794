// Package anthropic implements the remote-anthropic backend via the official
// Anthropic SDK (messages API). Anthropic has no embeddings endpoint, so
// Embed always fails with a 400-class provider error.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/onsmartai/llm-dispatch/internal/backend"
)

// Client is an Anthropic backend adapter.
type Client struct {
	cfg    backend.Config
	client anthropic.Client
}

// New creates an Anthropic Client from the validated backend config.
func New(cfg backend.Config) *Client {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = backend.DefaultRequestTimeout
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(&http.Client{Timeout: timeout}),
	}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithBaseURL(cfg.Endpoint))
	}

	return &Client{cfg: cfg, client: anthropic.NewClient(opts...)}
}

func (c *Client) ID() string         { return c.cfg.ID }
func (c *Client) Kind() backend.Kind { return backend.KindAnthropic }

func (c *Client) Generate(ctx context.Context, req *backend.GenerateRequest) (*backend.GenerateResult, error) {
	params := c.buildParams(req)
	if req.Stream {
		return c.generateStream(ctx, params)
	}
	return c.generate(ctx, params)
}

func (c *Client) buildParams(req *backend.GenerateRequest) anthropic.MessageNewParams {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.cfg.MaxTokens
	}
	if maxTokens <= 0 {
		maxTokens = backend.DefaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.cfg.Model),
		MaxTokens: int64(maxTokens),
		Messages: []anthropic.MessageParam{
			{
				Role: anthropic.MessageParamRoleUser,
				Content: []anthropic.ContentBlockParamUnion{
					{OfText: &anthropic.TextBlockParam{Text: req.Prompt}},
				},
			},
		},
	}

	if system := req.Extra["system"]; system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}

	return params
}

func (c *Client) generate(ctx context.Context, params anthropic.MessageNewParams) (*backend.GenerateResult, error) {
	msg, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return nil, c.toBackendError(err)
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		switch v := block.AsAny().(type) {
		case anthropic.TextBlock:
			sb.WriteString(v.Text)
		case *anthropic.TextBlock:
			sb.WriteString(v.Text)
		}
	}

	return &backend.GenerateResult{
		Text:      sb.String(),
		TokensIn:  int(msg.Usage.InputTokens),
		TokensOut: int(msg.Usage.OutputTokens),
	}, nil
}

func (c *Client) generateStream(ctx context.Context, params anthropic.MessageNewParams) (*backend.GenerateResult, error) {
	ch := make(chan backend.StreamChunk, 64)

	stream := c.client.Messages.NewStreaming(ctx, params)

	go func() {
		defer close(ch)

		for stream.Next() {
			event := stream.Current()
			switch ev := event.AsAny().(type) {
			case anthropic.ContentBlockDeltaEvent:
				switch delta := ev.Delta.AsAny().(type) {
				case anthropic.TextDelta:
					if delta.Text != "" {
						ch <- backend.StreamChunk{Content: delta.Text}
					}
				case *anthropic.TextDelta:
					if delta.Text != "" {
						ch <- backend.StreamChunk{Content: delta.Text}
					}
				}
			}
		}

		if err := stream.Err(); err != nil {
			ch <- backend.StreamChunk{
				Content:      fmt.Sprintf("[stream error] %v", err),
				FinishReason: "error",
			}
		}
	}()

	return &backend.GenerateResult{Stream: ch}, nil
}

func (c *Client) Embed(context.Context, []string) ([][]float32, error) {
	return nil, backend.ProviderError(c.cfg.ID, 400, "anthropic backend does not support embeddings")
}

func (c *Client) toBackendError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return backend.ProviderError(c.cfg.ID, apiErr.StatusCode, apiErr.Error())
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	return backend.Unavailable(c.cfg.ID, err)
}
