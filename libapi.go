package duplexflow

import (
	"context"
	"iter"

	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/protobuf/proto"

	runtimepkg "github.com/drblury/duplexflow/internal/runtime"
	configpkg "github.com/drblury/duplexflow/internal/runtime/config"
	errspkg "github.com/drblury/duplexflow/internal/runtime/errors"
	handlerspkg "github.com/drblury/duplexflow/internal/runtime/handlers"
	idspkg "github.com/drblury/duplexflow/internal/runtime/ids"
	"github.com/drblury/duplexflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/duplexflow/internal/runtime/logging"
	messagepkg "github.com/drblury/duplexflow/internal/runtime/message"
	"github.com/drblury/duplexflow/pubsub"
	"github.com/drblury/duplexflow/transport"
)

type (
	Config    = configpkg.Config
	Logger    = loggingpkg.Logger
	LogFields = loggingpkg.LogFields
	Message   = messagepkg.Message

	// Registry and dispatch
	Channel[S any]        = runtimepkg.Channel[S]
	ChannelOption[S any]  = runtimepkg.ChannelOption[S]
	Request[S any]        = runtimepkg.Request[S]
	CallHandler[S any]    = runtimepkg.CallHandler[S]
	StreamHandler[S any]  = runtimepkg.StreamHandler[S]
	DisconnectHook[S any] = runtimepkg.DisconnectHook[S]
	Matcher               = runtimepkg.Matcher
	Task                  = runtimepkg.Task

	// Outgoing traffic
	Sender      = runtimepkg.Sender
	Call        = runtimepkg.Call
	Values      = runtimepkg.Values
	Cancellable = runtimepkg.Cancellable
	Connection  = runtimepkg.Connection

	// Subscriptions
	Subscription       = runtimepkg.Subscription
	SubscriptionOption = runtimepkg.SubscriptionOption
	Sink               = runtimepkg.Sink
	TopicFunc          = runtimepkg.TopicFunc
	BodyFunc           = runtimepkg.BodyFunc
	LazyState[T any]   = runtimepkg.LazyState[T]

	// Hosting and dialing
	ServeOptions[S any]   = runtimepkg.ServeOptions[S]
	Server[S any]         = runtimepkg.Server[S]
	ConnectOptions[S any] = runtimepkg.ConnectOptions[S]
	Client[S any]         = runtimepkg.Client[S]
	BatchConfig           = runtimepkg.BatchConfig

	// Observability
	Metrics       = runtimepkg.Metrics
	DispatchHooks = runtimepkg.DispatchHooks
	CallContext   = runtimepkg.CallContext
	RouteInfo     = runtimepkg.RouteInfo
	RouteKind     = runtimepkg.RouteKind
	RouteStats    = runtimepkg.RouteStats
	ErrorCategory = runtimepkg.ErrorCategory

	// Typed handlers
	JSONCallHandler[S, In, Out any]                  = handlerspkg.JSONCallHandler[S, In, Out]
	JSONStreamHandler[S, In, Out any]                = handlerspkg.JSONStreamHandler[S, In, Out]
	ProtoCallHandler[S any, In, Out proto.Message]   = handlerspkg.ProtoCallHandler[S, In, Out]
	ProtoStreamHandler[S any, In, Out proto.Message] = handlerspkg.ProtoStreamHandler[S, In, Out]
	ProtoOption                                      = handlerspkg.ProtoOption

	// Transports
	Conn      = transport.Conn
	Dialer    = transport.Dialer
	Listener  = transport.Listener
	Transport = transport.Binding

	// Broker bridge
	Broker       = pubsub.Broker
	Bridge       = pubsub.Bridge
	KeyFunc      = pubsub.KeyFunc
	Capabilities = pubsub.Capabilities
	Delivery     = pubsub.Delivery
)

const (
	RouteCall         = runtimepkg.RouteCall
	RouteStream       = runtimepkg.RouteStream
	RouteSubscription = runtimepkg.RouteSubscription

	ErrorCategoryNone      = runtimepkg.ErrorCategoryNone
	ErrorCategoryRouting   = runtimepkg.ErrorCategoryRouting
	ErrorCategoryCancelled = runtimepkg.ErrorCategoryCancelled
	ErrorCategoryHandler   = runtimepkg.ErrorCategoryHandler

	DefaultReconnectDelay = runtimepkg.DefaultReconnectDelay
	DefaultLazyStateDelay = runtimepkg.DefaultLazyStateDelay

	DeliveryFanOut = pubsub.DeliveryFanOut
	DeliveryShared = pubsub.DeliveryShared
)

var (
	LoadConfig     = configpkg.Load
	ValidateConfig = configpkg.ValidateConfig

	NewLogger           = loggingpkg.New
	NewSlogLogger       = loggingpkg.NewSlogLogger
	NewWatermillLogger  = loggingpkg.NewWatermillLogger
	NewWatermillAdapter = loggingpkg.NewWatermillAdapter
	NopLogger           = loggingpkg.Nop

	NewSubscription = runtimepkg.NewSubscription
	WithTopic       = runtimepkg.WithTopic
	WithBody        = runtimepkg.WithBody
	NewSink         = runtimepkg.NewSink
	DefaultTopic    = runtimepkg.DefaultTopic
	JoinTopic       = runtimepkg.JoinTopic
	IsEmptyPayload  = runtimepkg.IsEmptyPayload

	PrefixMatcher = runtimepkg.PrefixMatcher
	StreamError   = runtimepkg.StreamError
	ClassifyError = runtimepkg.ClassifyError

	LoggingHooks  = runtimepkg.LoggingHooks
	MetricsHooks  = runtimepkg.MetricsHooks
	AlertingHooks = runtimepkg.AlertingHooks

	WithValidator       = handlerspkg.WithValidator
	WithDiscardUnknown  = handlerspkg.WithDiscardUnknown
	WithEmitUnpopulated = handlerspkg.WithEmitUnpopulated

	Dial               = transport.Dial
	Listen             = transport.Listen
	RegisterTransport  = transport.Register
	DefaultTransports  = transport.DefaultRegistry
	ErrTransportClosed = transport.ErrClosed

	BuildBroker        = pubsub.Build
	RegisterBroker     = pubsub.Register
	BrokerCapabilities = pubsub.GetCapabilities
	CheckBridge        = pubsub.CheckBridge
	NewBridge          = pubsub.NewBridge
	TopicKey           = pubsub.TopicKey

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal
	Encode        = jsoncodec.Encode
	Decode        = jsoncodec.Decode

	CreateULID = idspkg.CreateULID

	// Errors carried on the wire.
	ErrAPINotFound          = errspkg.ErrAPINotFound
	ErrSubscriptionNotFound = errspkg.ErrSubscriptionNotFound
	ErrStreamRequiresID     = errspkg.ErrStreamRequiresID
	ErrCancelled            = errspkg.ErrCancelled

	ErrChannelRequired    = errspkg.ErrChannelRequired
	ErrHandlerRequired    = errspkg.ErrHandlerRequired
	ErrDialerRequired     = errspkg.ErrDialerRequired
	ErrListenerRequired   = errspkg.ErrListenerRequired
	ErrConfigRequired     = errspkg.ErrConfigRequired
	ErrConnectionClosed   = errspkg.ErrConnectionClosed
	ErrClientStopped      = errspkg.ErrClientStopped
	ErrPublisherRequired  = errspkg.ErrPublisherRequired
	ErrSubscriberRequired = errspkg.ErrSubscriberRequired
	ErrTopicRequired      = errspkg.ErrTopicRequired
	ErrBodyTypeRequired   = errspkg.ErrBodyTypeRequired
	ErrBodyPointerNeeded  = errspkg.ErrBodyPointerNeeded

	ErrUnknownBroker             = errspkg.ErrUnknownBroker
	ErrBrokerLocal               = errspkg.ErrBrokerLocal
	ErrSharedDeliveryUnsupported = errspkg.ErrSharedDeliveryUnsupported
)

func NewChannel[S any](opts ...ChannelOption[S]) *Channel[S] {
	return runtimepkg.NewChannel(opts...)
}

func WithLogger[S any](logger Logger) ChannelOption[S] {
	return runtimepkg.WithLogger[S](logger)
}

func WithHooks[S any](hooks DispatchHooks) ChannelOption[S] {
	return runtimepkg.WithHooks[S](hooks)
}

func WithMetrics[S any](m *Metrics) ChannelOption[S] {
	return runtimepkg.WithMetrics[S](m)
}

// NewMetrics creates the dispatch and client collectors. A nil registerer
// uses the Prometheus default registry.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	return runtimepkg.NewMetrics(registerer)
}

// Process runs ch in-process for state and returns the Sender that talks to
// it. Stop the Sender to run the disconnect hooks.
func Process[S any](ch *Channel[S], state S) *Sender {
	return runtimepkg.Process(ch, state)
}

func Serve[S any](ctx context.Context, listener Listener, ch *Channel[S], opts ServeOptions[S]) error {
	return runtimepkg.Serve(ctx, listener, ch, opts)
}

func ServeConn[S any](ctx context.Context, conn Conn, ch *Channel[S], opts ServeOptions[S]) error {
	return runtimepkg.ServeConn(ctx, conn, ch, opts)
}

func NewServer[S any](conf *Config, logger Logger, ch *Channel[S], opts ServeOptions[S]) *Server[S] {
	return runtimepkg.NewServer(conf, logger, ch, opts)
}

// Connect starts a reconnecting client for addr. A nil dialer resolves addr
// through the default transport registry.
func Connect[S any](ctx context.Context, ch *Channel[S], dialer Dialer, addr string, opts ConnectOptions[S]) (*Client[S], error) {
	if dialer == nil {
		dialer = transport.DefaultRegistry.Dialer()
	}
	return runtimepkg.Connect(ctx, ch, dialer, addr, opts)
}

func NewLazyState[T any](get func(ctx context.Context) (T, error)) *LazyState[T] {
	return runtimepkg.NewLazyState(get)
}

func StreamOf[T any](values ...T) iter.Seq2[any, error] {
	return runtimepkg.StreamOf(values...)
}

func BuildJSONCall[S, In, Out any](handler JSONCallHandler[S, In, Out]) (CallHandler[S], error) {
	return handlerspkg.BuildJSONCall(handler)
}

func BuildJSONStream[S, In, Out any](handler JSONStreamHandler[S, In, Out]) (StreamHandler[S], error) {
	return handlerspkg.BuildJSONStream(handler)
}

func BuildProtoCall[S any, In, Out proto.Message](prototype In, handler ProtoCallHandler[S, In, Out], opts ...ProtoOption) (CallHandler[S], error) {
	return handlerspkg.BuildProtoCall(prototype, handler, opts...)
}

func BuildProtoStream[S any, In, Out proto.Message](prototype In, handler ProtoStreamHandler[S, In, Out], opts ...ProtoOption) (StreamHandler[S], error) {
	return handlerspkg.BuildProtoStream(prototype, handler, opts...)
}
