package runtime

import (
	"context"
	"fmt"
	"iter"
	"sort"
	"strings"

	"go.opentelemetry.io/otel/trace"

	idspkg "github.com/drblury/duplexflow/internal/runtime/ids"
	loggingpkg "github.com/drblury/duplexflow/internal/runtime/logging"
)

// Channel is the handler registry and dispatch engine shared by every
// connection of one side. Register handlers before serving; the registry is
// read concurrently afterwards and must not change.
type Channel[S any] struct {
	calls          map[string]CallHandler[S]
	streams        map[string]StreamHandler[S]
	callPatterns   []callPattern[S]
	streamPatterns []streamPattern[S]
	subscriptions  map[string]*Subscription
	disconnects    []DisconnectHook[S]
	stats          map[string]*RouteStats

	ids     idspkg.Sequence
	logger  loggingpkg.Logger
	hooks   DispatchHooks
	metrics *Metrics
	tracer  trace.Tracer
}

// ChannelOption customises a Channel.
type ChannelOption[S any] func(*Channel[S])

// WithLogger sets the logger used for dispatch diagnostics.
func WithLogger[S any](logger loggingpkg.Logger) ChannelOption[S] {
	return func(c *Channel[S]) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithHooks adds dispatch lifecycle hooks. Repeated options are merged.
func WithHooks[S any](hooks DispatchHooks) ChannelOption[S] {
	return func(c *Channel[S]) {
		c.hooks = c.hooks.Merge(hooks)
	}
}

// WithMetrics records dispatch metrics on m.
func WithMetrics[S any](m *Metrics) ChannelOption[S] {
	return func(c *Channel[S]) {
		if m == nil {
			return
		}
		c.metrics = m
		c.hooks = c.hooks.Merge(MetricsHooks(m))
	}
}

// WithTracer overrides the OpenTelemetry tracer.
func WithTracer[S any](tracer trace.Tracer) ChannelOption[S] {
	return func(c *Channel[S]) {
		if tracer != nil {
			c.tracer = tracer
		}
	}
}

// NewChannel returns an empty registry.
func NewChannel[S any](opts ...ChannelOption[S]) *Channel[S] {
	c := &Channel[S]{
		calls:         make(map[string]CallHandler[S]),
		streams:       make(map[string]StreamHandler[S]),
		subscriptions: make(map[string]*Subscription),
		stats:         make(map[string]*RouteStats),
		logger:        loggingpkg.Nop(),
		tracer:        defaultTracer(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Logger returns the channel logger.
func (c *Channel[S]) Logger() loggingpkg.Logger {
	return c.logger
}

// Metrics returns the metrics the channel records to, or nil.
func (c *Channel[S]) Metrics() *Metrics {
	return c.metrics
}

// HandleCall registers handler for path, replacing any previous handler.
func (c *Channel[S]) HandleCall(path string, handler CallHandler[S]) {
	if handler == nil {
		panic(fmt.Sprintf("duplexflow: nil call handler for %q", path))
	}
	c.calls[path] = handler
	c.trackRoute(RouteCall, path)
}

// HandleStream registers a stream handler for path, replacing any previous
// handler.
func (c *Channel[S]) HandleStream(path string, handler StreamHandler[S]) {
	if handler == nil {
		panic(fmt.Sprintf("duplexflow: nil stream handler for %q", path))
	}
	c.streams[path] = handler
	c.trackRoute(RouteStream, path)
}

// HandleCallPattern registers a fallback call handler. Patterns are tried in
// registration order after the exact lookup misses.
func (c *Channel[S]) HandleCallPattern(match Matcher, handler CallHandler[S]) {
	if match == nil || handler == nil {
		panic("duplexflow: call pattern requires a matcher and a handler")
	}
	name := fmt.Sprintf("pattern/%d", len(c.callPatterns))
	c.callPatterns = append(c.callPatterns, callPattern[S]{name: name, match: match, handler: handler})
	c.trackRoute(RouteCall, name)
}

// HandleStreamPattern registers a fallback stream handler.
func (c *Channel[S]) HandleStreamPattern(match Matcher, handler StreamHandler[S]) {
	if match == nil || handler == nil {
		panic("duplexflow: stream pattern requires a matcher and a handler")
	}
	name := fmt.Sprintf("pattern/%d", len(c.streamPatterns))
	c.streamPatterns = append(c.streamPatterns, streamPattern[S]{name: name, match: match, handler: handler})
	c.trackRoute(RouteStream, name)
}

// HandleSubscription registers sub under name. The subscription's topic
// prefix becomes prefix when given and name otherwise.
func (c *Channel[S]) HandleSubscription(name string, sub *Subscription, prefix ...string) {
	if sub == nil {
		panic(fmt.Sprintf("duplexflow: nil subscription for %q", name))
	}
	p := name
	if len(prefix) > 0 {
		p = prefix[0]
	}
	sub.setPrefix(p)
	sub.setMetrics(c.metrics)
	c.subscriptions[name] = sub
	c.trackRoute(RouteSubscription, name)
}

// OnDisconnect registers a hook that runs once per closed connection.
func (c *Channel[S]) OnDisconnect(hook DisconnectHook[S]) {
	if hook != nil {
		c.disconnects = append(c.disconnects, hook)
	}
}

// Merge copies the routes, subscriptions and disconnect hooks of other into
// c. With a prefix every path and subscription name is placed below it, and
// copied patterns only see paths below the prefix, with the prefix removed.
func (c *Channel[S]) Merge(other *Channel[S], prefix ...string) {
	if other == nil {
		return
	}
	p := ""
	if len(prefix) > 0 {
		p = prefix[0]
	}

	for _, path := range sortedKeys(other.calls) {
		c.HandleCall(JoinTopic(p, path), other.calls[path])
	}
	for _, path := range sortedKeys(other.streams) {
		c.HandleStream(JoinTopic(p, path), other.streams[path])
	}
	for _, pattern := range other.callPatterns {
		c.HandleCallPattern(underPrefix(p, pattern.match), pattern.handler)
	}
	for _, pattern := range other.streamPatterns {
		c.HandleStreamPattern(underPrefix(p, pattern.match), pattern.handler)
	}
	for _, name := range sortedKeys(other.subscriptions) {
		sub := other.subscriptions[name]
		c.HandleSubscription(JoinTopic(p, name), sub, JoinTopic(p, sub.Prefix()))
	}
	c.disconnects = append(c.disconnects, other.disconnects...)
}

func underPrefix(prefix string, match Matcher) Matcher {
	if prefix == "" {
		return match
	}
	return func(path string) bool {
		rest, ok := strings.CutPrefix(path, prefix+"/")
		return ok && match(rest)
	}
}

// API registers a nested map of handlers. Keys are joined with "/" to form
// paths; the key "_" registers at the enclosing path itself. Values may be
// call handlers, stream handlers, subscriptions or nested maps.
func (c *Channel[S]) API(api map[string]any) {
	c.parseAPI(api, "")
}

func (c *Channel[S]) parseAPI(api map[string]any, prefix string) {
	for _, key := range sortedKeys(api) {
		path := JoinTopic(prefix, key)
		if key == "_" {
			path = prefix
		}
		switch value := api[key].(type) {
		case CallHandler[S]:
			c.HandleCall(path, value)
		case func(context.Context, *Request[S]) (any, error):
			c.HandleCall(path, value)
		case StreamHandler[S]:
			c.HandleStream(path, value)
		case func(context.Context, *Request[S]) iter.Seq2[any, error]:
			c.HandleStream(path, value)
		case *Subscription:
			c.HandleSubscription(path, value)
		case map[string]any:
			c.parseAPI(value, path)
		default:
			panic(fmt.Sprintf("duplexflow: unsupported API entry %q of type %T", path, value))
		}
	}
}

// NewSender builds the Sender for one connection. Every Sender of a channel
// draws request ids from the channel's counter.
func (c *Channel[S]) NewSender(conn Connection) *Sender {
	return newSender(conn, &c.ids, c.logger, c.metrics)
}

// Disconnect tears down one connection: every disconnect hook runs, then
// everything the connection's Sender still has outstanding is cancelled.
// Failing or panicking hooks are logged and do not stop the others.
func (c *Channel[S]) Disconnect(state S, sender *Sender) {
	failed := 0
	for i, hook := range c.disconnects {
		if err := runDisconnectHook(hook, state, sender); err != nil {
			failed++
			c.logger.Error("Disconnect hook failed", err, loggingpkg.LogFields{"hook": i})
		}
	}
	c.metrics.disconnectFailed(failed)

	for _, err := range sender.teardown() {
		c.logger.Error("Cancel action failed during disconnect", err, nil)
	}
}

func runDisconnectHook[S any](hook DisconnectHook[S], state S, sender *Sender) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("disconnect hook panicked: %v", r)
		}
	}()
	return hook(state, sender)
}

// Routes lists the registered routes with their statistics.
func (c *Channel[S]) Routes() []RouteInfo {
	routes := make([]RouteInfo, 0, len(c.stats))
	for key, stats := range c.stats {
		kind, name, _ := strings.Cut(key, " ")
		routes = append(routes, RouteInfo{
			Name:    name,
			Kind:    RouteKind(kind),
			Pattern: strings.HasPrefix(name, "pattern/") && kind != string(RouteSubscription),
			Stats:   stats,
		})
	}
	sort.Slice(routes, func(i, j int) bool {
		if routes[i].Kind != routes[j].Kind {
			return routes[i].Kind < routes[j].Kind
		}
		return routes[i].Name < routes[j].Name
	})
	return routes
}

// Subscription returns the subscription registered under name.
func (c *Channel[S]) Subscription(name string) (*Subscription, bool) {
	sub, ok := c.subscriptions[name]
	return sub, ok
}

func (c *Channel[S]) trackRoute(kind RouteKind, name string) {
	key := routeKey(kind, name)
	if _, ok := c.stats[key]; !ok {
		c.stats[key] = newRouteStats()
	}
}

func routeKey(kind RouteKind, name string) string {
	return string(kind) + " " + name
}

func (c *Channel[S]) lookupCall(path string) (string, CallHandler[S]) {
	if handler, ok := c.calls[path]; ok {
		return path, handler
	}
	for _, pattern := range c.callPatterns {
		if pattern.match(path) {
			return pattern.name, pattern.handler
		}
	}
	return "", nil
}

func (c *Channel[S]) lookupStream(path string) (string, StreamHandler[S]) {
	if handler, ok := c.streams[path]; ok {
		return path, handler
	}
	for _, pattern := range c.streamPatterns {
		if pattern.match(path) {
			return pattern.name, pattern.handler
		}
	}
	return "", nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
