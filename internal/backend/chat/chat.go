// Package chat implements the remote-http-chat backend: any endpoint that
// speaks the OpenAI chat-completions and embeddings wire format.
package chat

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/onsmartai/llm-dispatch/internal/backend"
	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// Client is an OpenAI-compatible chat backend adapter.
type Client struct {
	cfg    backend.Config
	client openaiSDK.Client
}

// New creates a chat Client from the validated backend config.
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

	return &Client{cfg: cfg, client: openaiSDK.NewClient(opts...)}
}

func (c *Client) ID() string         { return c.cfg.ID }
func (c *Client) Kind() backend.Kind { return backend.KindChat }

func (c *Client) Generate(ctx context.Context, req *backend.GenerateRequest) (*backend.GenerateResult, error) {
	params := c.buildParams(req)
	if req.Stream {
		return c.generateStream(ctx, params)
	}
	return c.generate(ctx, params)
}

func (c *Client) buildParams(req *backend.GenerateRequest) openaiSDK.ChatCompletionNewParams {
	params := openaiSDK.ChatCompletionNewParams{
		Model: c.cfg.Model,
		Messages: []openaiSDK.ChatCompletionMessageParamUnion{
			openaiSDK.UserMessage(req.Prompt),
		},
	}

	if system := req.Extra["system"]; system != "" {
		params.Messages = append(
			[]openaiSDK.ChatCompletionMessageParamUnion{openaiSDK.SystemMessage(system)},
			params.Messages...,
		)
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.cfg.MaxTokens
	}
	if maxTokens <= 0 {
		maxTokens = backend.DefaultMaxTokens
	}
	params.MaxCompletionTokens = openaiSDK.Int(int64(maxTokens))

	if req.Temperature != 0 {
		params.Temperature = openaiSDK.Float(req.Temperature)
	}

	return params
}

func (c *Client) generate(ctx context.Context, params openaiSDK.ChatCompletionNewParams) (*backend.GenerateResult, error) {
	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, c.toBackendError(err)
	}

	if len(resp.Choices) == 0 {
		return nil, backend.DecodeError(c.cfg.ID, fmt.Errorf("response has no choices"))
	}

	return &backend.GenerateResult{
		Text:      resp.Choices[0].Message.Content,
		TokensIn:  int(resp.Usage.PromptTokens),
		TokensOut: int(resp.Usage.CompletionTokens),
	}, nil
}

func (c *Client) generateStream(ctx context.Context, params openaiSDK.ChatCompletionNewParams) (*backend.GenerateResult, error) {
	ch := make(chan backend.StreamChunk, 64)

	stream := c.client.Chat.Completions.NewStreaming(ctx, params)

	go func() {
		defer close(ch)

		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]
			if choice.Delta.Content != "" {
				ch <- backend.StreamChunk{
					Content:      choice.Delta.Content,
					FinishReason: choice.FinishReason,
				}
				continue
			}
			if choice.FinishReason != "" {
				ch <- backend.StreamChunk{FinishReason: choice.FinishReason}
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

func (c *Client) Embed(ctx context.Context, inputs []string) ([][]float32, error) {
	model := c.cfg.EmbeddingModel
	if model == "" {
		return nil, backend.ProviderError(c.cfg.ID, 400, "no embedding model configured")
	}

	params := openaiSDK.EmbeddingNewParams{
		Model: openaiSDK.EmbeddingModel(model),
		Input: openaiSDK.EmbeddingNewParamsInputUnion{
			OfArrayOfStrings: inputs,
		},
	}

	resp, err := c.client.Embeddings.New(ctx, params)
	if err != nil {
		return nil, c.toBackendError(err)
	}

	vectors := make([][]float32, len(resp.Data))
	for _, d := range resp.Data {
		f32 := make([]float32, len(d.Embedding))
		for j, v := range d.Embedding {
			f32[j] = float32(v)
		}
		if idx := int(d.Index); idx >= 0 && idx < len(vectors) {
			vectors[idx] = f32
		}
	}

	return vectors, nil
}

func (c *Client) toBackendError(err error) error {
	var apiErr *openaiSDK.Error
	if errors.As(err, &apiErr) {
		return backend.ProviderError(c.cfg.ID, apiErr.StatusCode, apiErr.Error())
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	return backend.Unavailable(c.cfg.ID, err)
}
