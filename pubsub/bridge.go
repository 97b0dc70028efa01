package pubsub

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/duplexflow/internal/runtime"
	errspkg "github.com/drblury/duplexflow/internal/runtime/errors"
	idspkg "github.com/drblury/duplexflow/internal/runtime/ids"
	loggingpkg "github.com/drblury/duplexflow/internal/runtime/logging"
	wire "github.com/drblury/duplexflow/internal/runtime/message"
)

// Metadata keys set on exported events.
const (
	// MetadataKeyTopic carries the fully qualified duplexflow topic.
	MetadataKeyTopic = "duplexflow_topic"

	// MetadataKeyOrigin names the bridge that exported the event so it can
	// skip its own events when forwarding.
	MetadataKeyOrigin = "duplexflow_origin"
)

// KeyFunc recovers the subscription key from a forwarded event.
type KeyFunc func(msg *message.Message) any

// TopicKey strips the subscription prefix from the exported topic. It fits
// subscriptions that render keys with DefaultTopic.
func TopicKey(sub *runtime.Subscription) KeyFunc {
	return func(msg *message.Message) any {
		topic := msg.Metadata.Get(MetadataKeyTopic)
		prefix := sub.Prefix()
		switch {
		case prefix == "":
			return topic
		case topic == prefix:
			return ""
		default:
			return strings.TrimPrefix(topic, prefix+"/")
		}
	}
}

// Bridge carries subscription events between processes over one broker
// topic. Export publishes local events; Forward republishes remote events to
// local subscribers. Forwarded events never reach the bridge's own export
// sink, so a node may Export and Forward the same subscription.
type Bridge struct {
	publisher  message.Publisher
	subscriber message.Subscriber
	topic      string
	origin     string
	sink       runtime.Sink
	logger     loggingpkg.Logger
}

// NewBridge binds broker topic. A nil logger discards output.
func NewBridge(broker Broker, topic string, logger loggingpkg.Logger) (*Bridge, error) {
	if broker.Publisher == nil && broker.Subscriber == nil {
		return nil, errspkg.ErrPublisherRequired
	}
	if topic == "" {
		return nil, errspkg.ErrTopicRequired
	}
	if logger == nil {
		logger = loggingpkg.Nop()
	}
	origin := idspkg.CreateULID()
	b := &Bridge{
		publisher:  broker.Publisher,
		subscriber: broker.Subscriber,
		topic:      topic,
		origin:     origin,
		logger:     logger.With(loggingpkg.LogFields{"bridge_topic": topic, "origin": origin}),
	}
	b.sink = runtime.NewSink(b.publish)
	return b, nil
}

// Origin identifies this bridge on exported events.
func (b *Bridge) Origin() string {
	return b.origin
}

// Export publishes every event sent on sub to the broker until remove is
// called.
func (b *Bridge) Export(sub *runtime.Subscription) (remove func(), err error) {
	if b.publisher == nil {
		return nil, errspkg.ErrPublisherRequired
	}
	return sub.AddSink(b.sink), nil
}

func (b *Bridge) publish(event *wire.Message) {
	msg := message.NewMessage(idspkg.CreateULID(), []byte(event.Body))
	msg.Metadata.Set(MetadataKeyTopic, event.Topic)
	msg.Metadata.Set(MetadataKeyOrigin, b.origin)

	if err := b.publisher.Publish(b.topic, msg); err != nil {
		b.logger.Error("Failed to export event", err, loggingpkg.LogFields{"topic": event.Topic})
		return
	}
	b.logger.Trace("Exported event", loggingpkg.LogFields{"topic": event.Topic, "message_uuid": msg.UUID})
}

// Forward sends every event received from the broker through sub until ctx
// ends or the subscriber closes. Events exported by this bridge are skipped.
// A nil key uses TopicKey(sub).
func (b *Bridge) Forward(ctx context.Context, sub *runtime.Subscription, key KeyFunc) error {
	if b.subscriber == nil {
		return errspkg.ErrSubscriberRequired
	}
	if key == nil {
		key = TopicKey(sub)
	}

	messages, err := b.subscriber.Subscribe(ctx, b.topic)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			b.forward(ctx, sub, key, msg)
		}
	}
}

func (b *Bridge) forward(ctx context.Context, sub *runtime.Subscription, key KeyFunc, msg *message.Message) {
	defer msg.Ack()

	if msg.Metadata.Get(MetadataKeyOrigin) == b.origin {
		return
	}
	if err := sub.SendExcept(ctx, b.sink, key(msg), json.RawMessage(msg.Payload)); err != nil {
		b.logger.Error("Failed to forward event", err, loggingpkg.LogFields{
			"topic":        msg.Metadata.Get(MetadataKeyTopic),
			"message_uuid": msg.UUID,
		})
	}
}
