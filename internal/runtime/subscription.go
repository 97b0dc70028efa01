package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sync"

	jsoncodec "github.com/drblury/duplexflow/internal/runtime/jsoncodec"
	"github.com/drblury/duplexflow/internal/runtime/message"
)

// Sink receives the topic events published by a Subscription. Each
// connection is one Sink and forwards only the topics it is interested in.
// Sinks must not modify the event.
type Sink interface {
	Publish(event *message.Message)
}

// NewSink adapts a function to the Sink interface. Every call returns a
// distinct Sink, so the same function may be added more than once.
func NewSink(publish func(event *message.Message)) Sink {
	return &funcSink{publish: publish}
}

type funcSink struct {
	publish func(event *message.Message)
}

func (s *funcSink) Publish(event *message.Message) { s.publish(event) }

// TopicFunc derives the topic suffix from a key.
type TopicFunc func(key any) string

// BodyFunc derives the event payload from a key.
type BodyFunc func(ctx context.Context, key any) (any, error)

// SubscriptionOption customises a Subscription.
type SubscriptionOption func(*Subscription)

// WithTopic sets the topic derivation.
func WithTopic(fn TopicFunc) SubscriptionOption {
	return func(s *Subscription) {
		if fn != nil {
			s.topic = fn
		}
	}
}

// WithBody sets the payload derivation used when Send gets no explicit body
// and when a subscriber asks for the initial value.
func WithBody(fn BodyFunc) SubscriptionOption {
	return func(s *Subscription) {
		if fn != nil {
			s.body = fn
		}
	}
}

// Subscription is a named event source. It turns keys into topics under its
// prefix and fans events out to every connection subscribed to one of them.
type Subscription struct {
	topic TopicFunc
	body  BodyFunc

	mu      sync.RWMutex
	prefix  string
	sinks   map[Sink]struct{}
	metrics *Metrics
}

// NewSubscription builds a Subscription. Without options the topic is the
// key rendered as a string and the derived payload is empty.
func NewSubscription(opts ...SubscriptionOption) *Subscription {
	s := &Subscription{
		topic: DefaultTopic,
		body:  func(context.Context, any) (any, error) { return nil, nil },
		sinks: make(map[Sink]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DefaultTopic renders the key as a string; nil becomes the empty string.
func DefaultTopic(key any) string {
	switch typed := key.(type) {
	case nil:
		return ""
	case string:
		return typed
	case json.RawMessage:
		var decoded any
		if err := jsoncodec.Unmarshal(typed, &decoded); err != nil {
			return string(typed)
		}
		return DefaultTopic(decoded)
	case fmt.Stringer:
		return typed.String()
	default:
		return fmt.Sprint(typed)
	}
}

// Prefix returns the namespace assigned at registration.
func (s *Subscription) Prefix() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.prefix
}

func (s *Subscription) setPrefix(prefix string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prefix = prefix
}

func (s *Subscription) setMetrics(m *Metrics) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.metrics == nil {
		s.metrics = m
	}
}

// Topic returns the fully qualified topic for key.
func (s *Subscription) Topic(key any) string {
	return JoinTopic(s.Prefix(), s.topic(key))
}

// JoinTopic qualifies topic with prefix.
func JoinTopic(prefix, topic string) string {
	switch {
	case topic == "":
		return prefix
	case prefix == "":
		return topic
	default:
		return prefix + "/" + topic
	}
}

// Payload derives the payload for key.
func (s *Subscription) Payload(ctx context.Context, key any) (any, error) {
	return s.body(ctx, key)
}

// Send publishes an event for key. The payload is body when given, otherwise
// the derived payload. Empty payloads (nil, false, zero, "") are not
// published.
func (s *Subscription) Send(ctx context.Context, key any, body ...any) error {
	return s.SendExcept(ctx, nil, key, body...)
}

// SendExcept is Send without delivering to skip. A bridge uses it so events
// it imports never reach its own export sink.
func (s *Subscription) SendExcept(ctx context.Context, skip Sink, key any, body ...any) error {
	var payload any
	if len(body) > 0 {
		payload = body[0]
	} else {
		derived, err := s.body(ctx, key)
		if err != nil {
			return err
		}
		payload = derived
	}
	if IsEmptyPayload(payload) {
		return nil
	}

	raw, err := jsoncodec.Raw(payload)
	if err != nil {
		return fmt.Errorf("encode event payload: %w", err)
	}
	event := message.NewEvent(s.Topic(key), raw)

	s.mu.RLock()
	sinks := make([]Sink, 0, len(s.sinks))
	for sink := range s.sinks {
		if skip != nil && sink == skip {
			continue
		}
		sinks = append(sinks, sink)
	}
	metrics := s.metrics
	s.mu.RUnlock()

	for _, sink := range sinks {
		sink.Publish(event)
	}
	metrics.eventPublished(s.Prefix(), len(sinks))
	return nil
}

// AddSink registers sink. Adding the same sink twice keeps one entry.
func (s *Subscription) AddSink(sink Sink) (remove func()) {
	s.mu.Lock()
	s.sinks[sink] = struct{}{}
	s.mu.Unlock()
	return func() { s.RemoveSink(sink) }
}

// RemoveSink unregisters sink.
func (s *Subscription) RemoveSink(sink Sink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sinks, sink)
}

// Sinks returns the number of registered sinks.
func (s *Subscription) Sinks() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sinks)
}

// IsEmptyPayload reports whether a payload counts as empty for Send: nil,
// false, numeric zero, the empty string, or a raw JSON body holding one of
// those values.
func IsEmptyPayload(payload any) bool {
	switch typed := payload.(type) {
	case nil:
		return true
	case json.RawMessage:
		if jsoncodec.IsNull(typed) {
			return true
		}
		var decoded any
		if err := jsoncodec.Unmarshal(typed, &decoded); err != nil {
			return false
		}
		return IsEmptyPayload(decoded)
	case bool:
		return !typed
	case string:
		return typed == ""
	}

	value := reflect.ValueOf(payload)
	switch value.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return value.Int() == 0
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return value.Uint() == 0
	case reflect.Float32, reflect.Float64:
		return value.Float() == 0
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
		return value.IsNil()
	}
	return false
}
