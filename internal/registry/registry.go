// Package registry holds the named backend adapters and tracks the default.
//
// The registry is populated once at startup from configuration and is
// read-only during operation; hot reload is out of scope.
package registry

import (
	"fmt"
	"sync"

	"github.com/onsmartai/llm-dispatch/internal/backend"
	"github.com/onsmartai/llm-dispatch/internal/backend/anthropic"
	"github.com/onsmartai/llm-dispatch/internal/backend/chat"
	"github.com/onsmartai/llm-dispatch/internal/backend/completion"
	"github.com/onsmartai/llm-dispatch/internal/backend/local"
	"github.com/onsmartai/llm-dispatch/internal/backend/proxygw"
)

// NoSuchBackendError is returned when neither the requested id nor a default
// backend can be resolved.
type NoSuchBackendError struct {
	ID string
}

func (e *NoSuchBackendError) Error() string {
	if e.ID == "" {
		return "registry: no default backend configured"
	}
	return fmt.Sprintf("registry: no such backend %q", e.ID)
}

// Registry maps backend ids to adapter instances. Safe for concurrent reads;
// Register is only called during startup.
type Registry struct {
	mu        sync.RWMutex
	backends  map[string]backend.Backend
	configs   map[string]backend.Config
	order     []string
	defaultID string
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		backends: make(map[string]backend.Backend),
		configs:  make(map[string]backend.Config),
	}
}

// Register validates cfg, constructs the adapter for its kind, and inserts it
// atomically. The first registered backend becomes the default unless a later
// one carries the Default flag.
func (r *Registry) Register(cfg backend.Config) error {
	if err := validate(cfg); err != nil {
		return err
	}

	adapter := construct(cfg)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.backends[cfg.ID]; exists {
		return fmt.Errorf("registry: backend %q already registered", cfg.ID)
	}

	r.backends[cfg.ID] = adapter
	r.configs[cfg.ID] = cfg
	r.order = append(r.order, cfg.ID)

	if cfg.Default || r.defaultID == "" {
		r.defaultID = cfg.ID
	}

	return nil
}

func validate(cfg backend.Config) error {
	if cfg.ID == "" {
		return fmt.Errorf("registry: backend id is required")
	}
	if !cfg.Kind.Valid() {
		return fmt.Errorf("registry: backend %q: unknown kind %q", cfg.ID, cfg.Kind)
	}
	if cfg.Model == "" {
		return fmt.Errorf("registry: backend %q: model is required", cfg.ID)
	}

	switch cfg.Kind {
	case backend.KindLocal, backend.KindCompletion, backend.KindProxy:
		if cfg.Endpoint == "" {
			return fmt.Errorf("registry: backend %q: endpoint is required for kind %s", cfg.ID, cfg.Kind)
		}
	case backend.KindChat, backend.KindAnthropic:
		if cfg.APIKey == "" && cfg.Endpoint == "" {
			return fmt.Errorf("registry: backend %q: api_key or endpoint is required for kind %s", cfg.ID, cfg.Kind)
		}
	}

	return nil
}

func construct(cfg backend.Config) backend.Backend {
	switch cfg.Kind {
	case backend.KindLocal:
		return local.New(cfg)
	case backend.KindCompletion:
		return completion.New(cfg)
	case backend.KindProxy:
		return proxygw.New(cfg)
	case backend.KindAnthropic:
		return anthropic.New(cfg)
	default:
		return chat.New(cfg)
	}
}

// Get returns the adapter for id, or the default adapter when id is empty.
func (r *Registry) Get(id string) (backend.Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if id == "" {
		id = r.defaultID
	}
	b, ok := r.backends[id]
	if !ok {
		return nil, &NoSuchBackendError{ID: id}
	}
	return b, nil
}

// Has reports whether id is registered.
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.backends[id]
	return ok
}

// DefaultID returns the id of the default backend ("" when empty).
func (r *Registry) DefaultID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaultID
}

// IDs returns backend ids in registration order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Kind returns the kind of the named backend, or "" if absent.
func (r *Registry) Kind(id string) backend.Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.configs[id]
	if !ok {
		return ""
	}
	return cfg.Kind
}

// List returns read-only descriptors in registration order.
func (r *Registry) List() []backend.Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]backend.Descriptor, 0, len(r.order))
	for _, id := range r.order {
		cfg := r.configs[id]
		out = append(out, backend.Descriptor{
			ID:             cfg.ID,
			Kind:           cfg.Kind,
			Model:          cfg.Model,
			EmbeddingModel: cfg.EmbeddingModel,
			Default:        cfg.ID == r.defaultID,
		})
	}
	return out
}

// Len returns the number of registered backends.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.backends)
}
