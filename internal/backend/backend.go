// Package backend defines the common contract implemented by all LLM backend
// adapters (OpenAI-style chat, legacy completions, Anthropic, the internal
// proxy gateway, and local models).
//
// Each adapter lives in its own sub-package and implements the Backend
// interface. Adapters are constructed once at startup by the registry and are
// read-only afterwards.
package backend

import (
	"context"
	"time"
)

// Kind discriminates how an adapter reaches its model.
type Kind string

const (
	// KindLocal is a model served by a co-located inference process. It speaks
	// the completions wire format on a loopback endpoint and is gated by a
	// dedicated concurrency limit.
	KindLocal Kind = "local"

	// KindChat is a remote OpenAI-compatible chat-completions endpoint.
	KindChat Kind = "remote-http-chat"

	// KindCompletion is a remote legacy completions endpoint.
	KindCompletion Kind = "remote-http-completion"

	// KindProxy forwards to the internal gateway which multiplexes to concrete
	// providers; requests carry a target_backend hint.
	KindProxy Kind = "remote-http-proxy"

	// KindAnthropic is the Anthropic messages API via the official SDK.
	KindAnthropic Kind = "remote-anthropic"
)

// Valid reports whether k is a known backend kind.
func (k Kind) Valid() bool {
	switch k {
	case KindLocal, KindChat, KindCompletion, KindProxy, KindAnthropic:
		return true
	}
	return false
}

// Default limits applied when the per-backend config leaves them zero.
const (
	DefaultRequestTimeout = 30 * time.Second
	DefaultMaxTokens      = 1024
)

type (
	// Config holds the immutable per-backend configuration. Validated by the
	// registry at Register time.
	Config struct {
		ID             string        `mapstructure:"id"`
		Kind           Kind          `mapstructure:"kind"`
		Endpoint       string        `mapstructure:"endpoint"`
		APIKey         string        `mapstructure:"api_key"`
		Model          string        `mapstructure:"model"`
		EmbeddingModel string        `mapstructure:"embedding_model"`
		MaxTokens      int           `mapstructure:"max_tokens"`
		Temperature    float64       `mapstructure:"temperature"`
		RequestTimeout time.Duration `mapstructure:"request_timeout"`
		// MaxLocalConcurrency bounds in-process inference for KindLocal.
		MaxLocalConcurrency int `mapstructure:"max_local_concurrency"`
		Default             bool `mapstructure:"default"`
	}

	// Descriptor is the read-only metadata returned by Registry.List.
	Descriptor struct {
		ID             string `json:"id"`
		Kind           Kind   `json:"kind"`
		Model          string `json:"model"`
		EmbeddingModel string `json:"embedding_model,omitempty"`
		Default        bool   `json:"is_default"`
	}

	// GenerateRequest is the normalized prompt request passed to adapters.
	GenerateRequest struct {
		Prompt      string
		MaxTokens   int
		Temperature float64
		Stream      bool
		Extra       map[string]string
	}

	// StreamChunk is one token chunk of a streaming response.
	StreamChunk struct {
		Content      string
		FinishReason string
	}

	// GenerateResult is the adapter response. Stream is non-nil only for
	// streaming requests; Text and token counts are then unset until the
	// channel drains.
	GenerateResult struct {
		Text      string
		TokensIn  int
		TokensOut int
		Stream    <-chan StreamChunk
	}
)

// Backend is the uniform adapter contract. All calls honor ctx cancellation
// and deadlines.
type Backend interface {
	ID() string
	Kind() Kind
	Generate(ctx context.Context, req *GenerateRequest) (*GenerateResult, error)
	Embed(ctx context.Context, inputs []string) ([][]float32, error)
}
