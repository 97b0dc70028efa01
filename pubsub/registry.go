package pubsub

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/ThreeDotsLabs/watermill"

	errspkg "github.com/drblury/duplexflow/internal/runtime/errors"
)

type entry struct {
	build Builder
	caps  Capabilities
}

// Registry maps PubSubSystem names to broker builders and what those brokers
// can do for a bridge.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
}

// DefaultRegistry is the registry the package-level functions use.
var DefaultRegistry = NewRegistry()

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

// Register adds a builder without declared capabilities. Such a broker is
// treated as local to the process and without consumer groups.
func (r *Registry) Register(name string, builder Builder) {
	r.RegisterWithCapabilities(name, builder, Capabilities{Name: name})
}

// RegisterWithCapabilities adds a builder and its capabilities, replacing an
// earlier registration under name.
func (r *Registry) RegisterWithCapabilities(name string, builder Builder, caps Capabilities) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[name] = entry{build: builder, caps: caps}
}

func (r *Registry) lookup(name string) (entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return e, ok
}

// GetCapabilities returns what the broker registered under name offers. An
// unknown name yields a zero set carrying only the name.
func (r *Registry) GetCapabilities(name string) Capabilities {
	if e, ok := r.lookup(name); ok {
		return e.caps
	}
	return Capabilities{Name: name}
}

// CheckBridge reports whether the broker registered under name carries
// events to bridges in other processes. A process-local broker yields
// ErrBrokerLocal.
func (r *Registry) CheckBridge(name string) error {
	e, ok := r.lookup(name)
	if !ok {
		return r.unknown(name)
	}
	if !e.caps.Distributed {
		return fmt.Errorf("%s: %w", name, errspkg.ErrBrokerLocal)
	}
	return nil
}

// Build creates the broker named by cfg.GetPubSubSystem. Shared delivery is
// refused for brokers without consumer groups.
func (r *Registry) Build(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Broker, error) {
	if cfg == nil {
		return Broker{}, errspkg.ErrConfigRequired
	}

	name := cfg.GetPubSubSystem()
	e, ok := r.lookup(name)
	if !ok {
		return Broker{}, r.unknown(name)
	}

	delivery, err := ParseDelivery(cfg.GetBridgeDelivery())
	if err != nil {
		return Broker{}, err
	}
	if delivery == DeliveryShared && !e.caps.SupportsConsumerGroups {
		return Broker{}, fmt.Errorf("%s: %w", name, errspkg.ErrSharedDeliveryUnsupported)
	}

	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return e.build(ctx, cfg, logger)
}

func (r *Registry) unknown(name string) error {
	return fmt.Errorf("%w: %q (registered: %v)", errspkg.ErrUnknownBroker, name, r.Names())
}

// Names returns the registered broker names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	r.mu.RUnlock()
	slices.Sort(names)
	return names
}

// Has reports whether a broker is registered under name.
func (r *Registry) Has(name string) bool {
	_, ok := r.lookup(name)
	return ok
}

// Register adds a builder to the default registry.
func Register(name string, builder Builder) {
	DefaultRegistry.Register(name, builder)
}

// RegisterWithCapabilities adds a builder and its capabilities to the
// default registry.
func RegisterWithCapabilities(name string, builder Builder, caps Capabilities) {
	DefaultRegistry.RegisterWithCapabilities(name, builder, caps)
}

// Build creates a broker from the default registry.
func Build(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Broker, error) {
	return DefaultRegistry.Build(ctx, cfg, logger)
}

// CheckBridge checks name against the default registry.
func CheckBridge(name string) error {
	return DefaultRegistry.CheckBridge(name)
}
