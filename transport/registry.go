package transport

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"sync"
)

// Registry maps URL schemes to transport bindings.
type Registry struct {
	mu       sync.RWMutex
	bindings map[string]Binding
}

// DefaultRegistry is the global transport registry.
var DefaultRegistry = NewRegistry()

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{bindings: make(map[string]Binding)}
}

// Register adds or replaces the binding for scheme.
func (r *Registry) Register(scheme string, binding Binding) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bindings[scheme] = binding
}

func (r *Registry) lookup(addr string) (Binding, error) {
	scheme, err := Scheme(addr)
	if err != nil {
		return Binding{}, err
	}

	r.mu.RLock()
	binding, ok := r.bindings[scheme]
	r.mu.RUnlock()

	if !ok {
		return Binding{}, fmt.Errorf("unknown transport scheme: %q (registered: %v)", scheme, r.Names())
	}
	return binding, nil
}

// Dial opens a connection with the binding registered for addr's scheme.
func (r *Registry) Dial(ctx context.Context, addr string, header http.Header) (Conn, error) {
	binding, err := r.lookup(addr)
	if err != nil {
		return nil, err
	}
	if binding.Dialer == nil {
		return nil, fmt.Errorf("transport for %q cannot dial", addr)
	}
	return binding.Dialer.Dial(ctx, addr, header)
}

// Listen opens a listener with the binding registered for addr's scheme.
func (r *Registry) Listen(ctx context.Context, addr string) (Listener, error) {
	binding, err := r.lookup(addr)
	if err != nil {
		return nil, err
	}
	if binding.Listen == nil {
		return nil, fmt.Errorf("transport for %q cannot listen", addr)
	}
	return binding.Listen(ctx, addr)
}

// Names returns the registered schemes in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.bindings))
	for name := range r.bindings {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Has reports whether scheme is registered.
func (r *Registry) Has(scheme string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.bindings[scheme]
	return ok
}

// Dialer returns a Dialer that resolves schemes through the registry.
func (r *Registry) Dialer() Dialer {
	return DialerFunc(r.Dial)
}

// Scheme extracts the URL scheme of addr.
func Scheme(addr string) (string, error) {
	parsed, err := url.Parse(addr)
	if err != nil {
		return "", fmt.Errorf("parse transport address: %w", err)
	}
	if parsed.Scheme == "" {
		return "", fmt.Errorf("transport address %q has no scheme", addr)
	}
	return parsed.Scheme, nil
}

// Register adds a binding to the default registry.
func Register(scheme string, binding Binding) {
	DefaultRegistry.Register(scheme, binding)
}

// Dial opens a connection through the default registry.
func Dial(ctx context.Context, addr string, header http.Header) (Conn, error) {
	return DefaultRegistry.Dial(ctx, addr, header)
}

// Listen opens a listener through the default registry.
func Listen(ctx context.Context, addr string) (Listener, error) {
	return DefaultRegistry.Listen(ctx, addr)
}
