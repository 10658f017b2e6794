// Package proxygw implements the remote-http-proxy backend. It forwards to
// the internal gateway, which itself multiplexes to concrete providers; the
// request body carries a target_backend hint telling the gateway which
// provider to use.
package proxygw

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/onsmartai/llm-dispatch/internal/backend"
)

// Client is an internal-proxy backend adapter.
type Client struct {
	cfg  backend.Config
	http *http.Client
}

// New creates a proxy Client from the validated backend config.
func New(cfg backend.Config) *Client {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = backend.DefaultRequestTimeout
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: timeout},
	}
}

func (c *Client) ID() string         { return c.cfg.ID }
func (c *Client) Kind() backend.Kind { return backend.KindProxy }

type (
	generateRequest struct {
		Prompt        string  `json:"prompt"`
		ModelID       string  `json:"model_id,omitempty"`
		TargetBackend string  `json:"target_backend,omitempty"`
		MaxTokens     int     `json:"max_tokens"`
		Temperature   float64 `json:"temperature"`
		Stream        bool    `json:"stream"`
	}

	generateResponse struct {
		Text string `json:"text"`
	}

	embedRequest struct {
		Text          string `json:"text"`
		ModelID       string `json:"model_id,omitempty"`
		TargetBackend string `json:"target_backend,omitempty"`
	}

	embedResponse struct {
		Embedding []float32 `json:"embedding"`
	}
)

func (c *Client) Generate(ctx context.Context, req *backend.GenerateRequest) (*backend.GenerateResult, error) {
	if req.Stream {
		// The internal gateway does not re-frame streams; run non-streaming and
		// deliver the full text as a single chunk.
		return c.generateAsStream(ctx, req)
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.cfg.MaxTokens
	}
	if maxTokens <= 0 {
		maxTokens = backend.DefaultMaxTokens
	}

	var out generateResponse
	err := c.post(ctx, "/generate", generateRequest{
		Prompt:        req.Prompt,
		ModelID:       c.cfg.Model,
		TargetBackend: c.cfg.Model,
		MaxTokens:     maxTokens,
		Temperature:   req.Temperature,
	}, &out)
	if err != nil {
		return nil, err
	}

	return &backend.GenerateResult{Text: out.Text}, nil
}

func (c *Client) generateAsStream(ctx context.Context, req *backend.GenerateRequest) (*backend.GenerateResult, error) {
	ch := make(chan backend.StreamChunk, 1)

	nonStream := *req
	nonStream.Stream = false

	go func() {
		defer close(ch)
		res, err := c.Generate(ctx, &nonStream)
		if err != nil {
			ch <- backend.StreamChunk{
				Content:      fmt.Sprintf("[stream error] %v", err),
				FinishReason: "error",
			}
			return
		}
		ch <- backend.StreamChunk{Content: res.Text, FinishReason: "stop"}
	}()

	return &backend.GenerateResult{Stream: ch}, nil
}

func (c *Client) Embed(ctx context.Context, inputs []string) ([][]float32, error) {
	vectors := make([][]float32, 0, len(inputs))
	for _, input := range inputs {
		var out embedResponse
		err := c.post(ctx, "/embed", embedRequest{
			Text:          input,
			ModelID:       c.cfg.EmbeddingModel,
			TargetBackend: c.cfg.EmbeddingModel,
		}, &out)
		if err != nil {
			return nil, err
		}
		vectors = append(vectors, out.Embedding)
	}
	return vectors, nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%s: marshal request: %w", c.cfg.ID, err)
	}

	url := strings.TrimRight(c.cfg.Endpoint, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%s: build request: %w", c.cfg.ID, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return backend.Unavailable(c.cfg.ID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		msg := strings.TrimSpace(string(raw))
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return backend.ProviderError(c.cfg.ID, resp.StatusCode, msg)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return backend.DecodeError(c.cfg.ID, err)
	}
	return nil
}
