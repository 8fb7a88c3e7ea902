package segment

import (
	"fmt"
	"sync"

	"workseg/internal/bucket"
)

// Registry maps segmentation kinds to filter factories. The bucket.KindDefault
// slot holds the fallback used when a kind has no handler of its own.
type Registry struct {
	mu       sync.RWMutex
	handlers map[bucket.Kind]FilterFactory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[bucket.Kind]FilterFactory)}
}

// NewDefaultRegistry returns a registry with the built-in factories and the
// null factory as fallback.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(bucket.KindDefault, NullFactory{})
	r.Register(bucket.KindNull, NullFactory{})
	r.Register(bucket.KindNumeric, NumericFactory{})
	r.Register(bucket.KindString, StringFactory{})
	r.Register(bucket.KindExplicit, ExplicitFactory{})
	return r
}

// Register binds h to kind. A later registration for the same kind wins.
func (r *Registry) Register(kind bucket.Kind, h FilterFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = h
}

// Resolve returns the factory for kind, or the fallback.
func (r *Registry) Resolve(kind bucket.Kind) (FilterFactory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if h, ok := r.handlers[kind]; ok {
		return h, nil
	}
	if h, ok := r.handlers[bucket.KindDefault]; ok {
		return h, nil
	}
	return nil, fmt.Errorf("kind %q: %w", kind, bucket.ErrUnsupportedKind)
}
