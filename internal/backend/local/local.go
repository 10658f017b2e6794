// Package local implements the local backend kind: a model served by a
// co-located inference process speaking the completions wire format on a
// loopback endpoint. Local inference saturates quickly, so all calls pass
// through a dedicated weighted semaphore independent of the dispatch queue's
// concurrency limit.
package local

import (
	"context"

	"golang.org/x/sync/semaphore"

	"github.com/onsmartai/llm-dispatch/internal/backend"
	"github.com/onsmartai/llm-dispatch/internal/backend/completion"
)

const defaultConcurrency = 2

// Client gates a completions adapter behind a local concurrency limit.
type Client struct {
	cfg   backend.Config
	inner *completion.Client
	slots *semaphore.Weighted
}

// New creates a local Client from the validated backend config.
func New(cfg backend.Config) *Client {
	n := cfg.MaxLocalConcurrency
	if n <= 0 {
		n = defaultConcurrency
	}
	return &Client{
		cfg:   cfg,
		inner: completion.New(cfg),
		slots: semaphore.NewWeighted(int64(n)),
	}
}

func (c *Client) ID() string         { return c.cfg.ID }
func (c *Client) Kind() backend.Kind { return backend.KindLocal }

func (c *Client) Generate(ctx context.Context, req *backend.GenerateRequest) (*backend.GenerateResult, error) {
	if err := c.slots.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	res, err := c.inner.Generate(ctx, req)
	if err != nil {
		c.slots.Release(1)
		return nil, err
	}

	if res.Stream == nil {
		c.slots.Release(1)
		return res, nil
	}

	// Hold the slot until the stream drains so a slow consumer cannot let a
	// second request hit the local model early.
	out := make(chan backend.StreamChunk, 64)
	go func() {
		defer c.slots.Release(1)
		defer close(out)
		for chunk := range res.Stream {
			out <- chunk
		}
	}()

	return &backend.GenerateResult{Stream: out}, nil
}

func (c *Client) Embed(ctx context.Context, inputs []string) ([][]float32, error) {
	if err := c.slots.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer c.slots.Release(1)

	return c.inner.Embed(ctx, inputs)
}
