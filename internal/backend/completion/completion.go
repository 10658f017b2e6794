// Package completion implements the remote-http-completion backend: a legacy
// POST <endpoint>/completions API with prompt-in, choices[0].text-out, plus
// the matching /embeddings call. Streaming uses server-sent "data:" frames
// terminated by "data: [DONE]".
package completion

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/onsmartai/llm-dispatch/internal/backend"
)

// Client is a completions-style backend adapter.
type Client struct {
	cfg  backend.Config
	http *http.Client
}

// New creates a completion Client from the validated backend config.
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
func (c *Client) Kind() backend.Kind { return backend.KindCompletion }

type (
	completionRequest struct {
		Model       string  `json:"model"`
		Prompt      string  `json:"prompt"`
		MaxTokens   int     `json:"max_tokens"`
		Temperature float64 `json:"temperature"`
		Stream      bool    `json:"stream"`
	}

	completionChoice struct {
		Text         string `json:"text"`
		FinishReason string `json:"finish_reason"`
	}

	completionResponse struct {
		Choices []completionChoice `json:"choices"`
		Usage   struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
		} `json:"usage"`
	}

	embeddingRequest struct {
		Model string   `json:"model"`
		Input []string `json:"input"`
	}

	embeddingResponse struct {
		Data []struct {
			Index     int       `json:"index"`
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
)

func (c *Client) Generate(ctx context.Context, req *backend.GenerateRequest) (*backend.GenerateResult, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.cfg.MaxTokens
	}
	if maxTokens <= 0 {
		maxTokens = backend.DefaultMaxTokens
	}

	body := completionRequest{
		Model:       c.cfg.Model,
		Prompt:      req.Prompt,
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
		Stream:      req.Stream,
	}

	resp, err := c.post(ctx, "/completions", body)
	if err != nil {
		return nil, err
	}

	if req.Stream {
		return c.consumeStream(resp)
	}
	defer resp.Body.Close()

	var out completionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, backend.DecodeError(c.cfg.ID, err)
	}
	if len(out.Choices) == 0 {
		return nil, backend.DecodeError(c.cfg.ID, fmt.Errorf("response has no choices"))
	}

	return &backend.GenerateResult{
		Text:      out.Choices[0].Text,
		TokensIn:  out.Usage.PromptTokens,
		TokensOut: out.Usage.CompletionTokens,
	}, nil
}

// consumeStream translates "data: <json>\n\n" frames into StreamChunks. The
// channel closes on "[DONE]", provider EOF, or context expiry.
func (c *Client) consumeStream(resp *http.Response) (*backend.GenerateResult, error) {
	ch := make(chan backend.StreamChunk, 64)

	go func() {
		defer close(ch)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || !strings.HasPrefix(line, "data:") {
				continue
			}
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if payload == "[DONE]" {
				return
			}

			var frame completionResponse
			if err := json.Unmarshal([]byte(payload), &frame); err != nil {
				ch <- backend.StreamChunk{
					Content:      fmt.Sprintf("[stream error] %v", err),
					FinishReason: "error",
				}
				return
			}
			if len(frame.Choices) == 0 {
				continue
			}
			choice := frame.Choices[0]
			if choice.Text != "" || choice.FinishReason != "" {
				ch <- backend.StreamChunk{
					Content:      choice.Text,
					FinishReason: choice.FinishReason,
				}
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

	resp, err := c.post(ctx, "/embeddings", embeddingRequest{Model: model, Input: inputs})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, backend.DecodeError(c.cfg.ID, err)
	}

	vectors := make([][]float32, len(out.Data))
	for _, d := range out.Data {
		if d.Index >= 0 && d.Index < len(vectors) {
			vectors[d.Index] = d.Embedding
		}
	}
	return vectors, nil
}

// post sends a JSON body and returns the response on 2xx. Non-2xx responses
// are drained and converted to a ProviderError; transport failures become
// Unavailable.
func (c *Client) post(ctx context.Context, path string, body any) (*http.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", c.cfg.ID, err)
	}

	url := strings.TrimRight(c.cfg.Endpoint, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", c.cfg.ID, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, backend.Unavailable(c.cfg.ID, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := readErrorMessage(resp.Body)
		resp.Body.Close()
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return nil, backend.ProviderError(c.cfg.ID, resp.StatusCode, msg)
	}

	return resp, nil
}

// readErrorMessage extracts error.message from a JSON error body, falling
// back to the raw (truncated) body text.
func readErrorMessage(r io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil || len(raw) == 0 {
		return ""
	}
	var envelope struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &envelope); err == nil && envelope.Error.Message != "" {
		return envelope.Error.Message
	}
	return strings.TrimSpace(string(raw))
}
