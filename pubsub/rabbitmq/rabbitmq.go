// Package rabbitmq provides a RabbitMQ/AMQP broker for the subscription
// bridge.
package rabbitmq

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/duplexflow/pubsub"
)

// BrokerName is the name used to register this broker.
const BrokerName = "rabbitmq"

// ConnectionFactory allows overriding the connection creation for testing.
var ConnectionFactory = func(cfg amqp.ConnectionConfig, logger watermill.LoggerAdapter) (*amqp.ConnectionWrapper, error) {
	return amqp.NewConnection(cfg, logger)
}

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Publisher, error) {
	return amqp.NewPublisherWithConnection(cfg, logger, conn)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Subscriber, error) {
	return amqp.NewSubscriberWithConnection(cfg, logger, conn)
}

// Register registers the RabbitMQ broker with the default registry.
// Call it before building a broker from config.
func Register() {
	pubsub.RegisterWithCapabilities(BrokerName, Build, pubsub.RabbitMQCapabilities)
}

// QueueName names the queue of one bridge instance after the topic and a
// per-instance suffix.
func QueueName(suffix string) amqp.QueueNameGenerator {
	return func(topic string) string {
		return topic + "_" + suffix
	}
}

// Build creates a new RabbitMQ broker. With fan-out delivery every bridge
// consumes from its own durable queue bound to the topic exchange; shared
// delivery binds one queue named after the bridge group that all instances
// consume from.
func Build(ctx context.Context, cfg pubsub.Config, logger watermill.LoggerAdapter) (pubsub.Broker, error) {
	delivery, err := pubsub.ParseDelivery(cfg.GetBridgeDelivery())
	if err != nil {
		return pubsub.Broker{}, err
	}
	url := cfg.GetRabbitMQURL()

	amqpConfig := amqp.NewDurablePubSubConfig(url, QueueName(pubsub.InstanceGroup(delivery, cfg.GetBridgeGroup())))

	conn, err := ConnectionFactory(amqp.ConnectionConfig{
		AmqpURI:   url,
		TLSConfig: nil,
		Reconnect: amqp.DefaultReconnectConfig(),
	}, logger)
	if err != nil {
		return pubsub.Broker{}, err
	}

	publisher, err := PublisherFactory(amqpConfig, logger, conn)
	if err != nil {
		return pubsub.Broker{}, err
	}

	subscriber, err := SubscriberFactory(amqpConfig, logger, conn)
	if err != nil {
		return pubsub.Broker{}, err
	}

	return pubsub.Broker{
		Publisher:  publisher,
		Subscriber: subscriber,
	}, nil
}

// Capabilities returns the capabilities of this broker.
func Capabilities() pubsub.Capabilities {
	return pubsub.RabbitMQCapabilities
}
