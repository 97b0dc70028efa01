// Package nats provides a NATS Core broker for the subscription bridge.
package nats

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/duplexflow/pubsub"
)

// BrokerName is the name used to register this broker.
const BrokerName = "nats"

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg nats.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return nats.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg nats.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return nats.NewSubscriber(cfg, logger)
}

// Register registers the NATS broker with the default registry.
// Call it before building a broker from config.
func Register() {
	pubsub.RegisterWithCapabilities(BrokerName, Build, pubsub.NATSCapabilities)
}

// Build creates a NATS Core broker; JetStream stays off.
func Build(ctx context.Context, cfg pubsub.Config, logger watermill.LoggerAdapter) (pubsub.Broker, error) {
	delivery, err := pubsub.ParseDelivery(cfg.GetBridgeDelivery())
	if err != nil {
		return pubsub.Broker{}, err
	}
	url := cfg.GetNATSURL()
	marshaler := &nats.NATSMarshaler{}

	publisher, err := PublisherFactory(
		nats.PublisherConfig{
			URL:       url,
			Marshaler: marshaler,
			JetStream: nats.JetStreamConfig{Disabled: true},
		},
		logger,
	)
	if err != nil {
		return pubsub.Broker{}, err
	}

	subscriber, err := SubscriberFactory(
		nats.SubscriberConfig{
			URL:              url,
			Unmarshaler:      marshaler,
			QueueGroupPrefix: QueueGroup(delivery, cfg.GetBridgeGroup()),
			JetStream:        nats.JetStreamConfig{Disabled: true},
		},
		logger,
	)
	if err != nil {
		_ = publisher.Close()
		return pubsub.Broker{}, err
	}

	return pubsub.Broker{
		Publisher:  publisher,
		Subscriber: subscriber,
	}, nil
}

// QueueGroup returns the queue group prefix for one bridge instance. Core
// NATS already hands every message to every plain subscriber, so fan-out
// uses no queue group; shared delivery puts all instances into group.
func QueueGroup(delivery pubsub.Delivery, group string) string {
	if delivery != pubsub.DeliveryShared {
		return ""
	}
	return group
}

// Capabilities returns the capabilities of this broker.
func Capabilities() pubsub.Capabilities {
	return pubsub.NATSCapabilities
}
