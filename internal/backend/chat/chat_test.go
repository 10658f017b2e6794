package chat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/onsmartai/llm-dispatch/internal/backend"
)

func newTestClient(srv *httptest.Server) *Client {
	return New(backend.Config{
		ID:             "chat-1",
		Kind:           backend.KindChat,
		Endpoint:       srv.URL,
		APIKey:         "mock-api-key",
		Model:          "gpt-test",
		EmbeddingModel: "embed-test",
	})
}

func TestGenerate_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("expected path /chat/completions, got %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer mock-api-key" {
			t.Errorf("missing or wrong Authorization header: %s", r.Header.Get("Authorization"))
		}

		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("failed to decode request body: %v", err)
		}
		if body["model"] != "gpt-test" {
			t.Errorf("expected model 'gpt-test', got %v", body["model"])
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"id":    "chatcmpl-1",
			"model": "gpt-test",
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": "Hello back"}, "finish_reason": "stop"},
			},
			"usage": map[string]int{"prompt_tokens": 4, "completion_tokens": 2},
		})
	}))
	defer srv.Close()

	c := newTestClient(srv)
	res, err := c.Generate(context.Background(), &backend.GenerateRequest{Prompt: "Hello"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Text != "Hello back" {
		t.Errorf("expected 'Hello back', got %q", res.Text)
	}
	if res.TokensIn != 4 || res.TokensOut != 2 {
		t.Errorf("usage = (%d, %d), want (4, 2)", res.TokensIn, res.TokensOut)
	}
}

func TestGenerate_SystemMessageFromExtra(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("failed to decode request body: %v", err)
		}
		if len(body.Messages) != 2 || body.Messages[0].Role != "system" {
			t.Errorf("expected system message first, got %+v", body.Messages)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": "ok"}},
			},
		})
	}))
	defer srv.Close()

	c := newTestClient(srv)
	_, err := c.Generate(context.Background(), &backend.GenerateRequest{
		Prompt: "Hello",
		Extra:  map[string]string{"system": "You are terse."},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestGenerate_ProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"message": "rate limited", "type": "rate_limit_error"},
		})
	}))
	defer srv.Close()

	c := newTestClient(srv)
	_, err := c.Generate(context.Background(), &backend.GenerateRequest{Prompt: "Hello"})
	if err == nil {
		t.Fatal("expected error for 429, got nil")
	}

	var be *backend.Error
	if !errors.As(err, &be) {
		t.Fatalf("expected *backend.Error, got %T: %v", err, err)
	}
	if be.Status != http.StatusTooManyRequests {
		t.Errorf("expected status 429, got %d", be.Status)
	}
	if backend.IsRetryable(err) {
		t.Error("429 must not trigger fallback")
	}
}

func TestEmbed_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embeddings" {
			t.Errorf("expected path /embeddings, got %s", r.URL.Path)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{
				{"index": 0, "embedding": []float64{0.1, 0.2}},
				{"index": 1, "embedding": []float64{0.3, 0.4}},
			},
		})
	}))
	defer srv.Close()

	c := newTestClient(srv)
	vectors, err := c.Embed(context.Background(), []string{"one", "two"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(vectors) != 2 || len(vectors[0]) != 2 {
		t.Fatalf("vectors shape = %dx%d, want 2x2", len(vectors), len(vectors[0]))
	}
}

func TestEmbed_NoEmbeddingModel(t *testing.T) {
	c := New(backend.Config{ID: "chat-2", APIKey: "k", Model: "m"})
	_, err := c.Embed(context.Background(), []string{"text"})
	if err == nil {
		t.Fatal("expected error when no embedding model is configured")
	}
}
