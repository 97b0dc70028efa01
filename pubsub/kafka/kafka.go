// Package kafka provides a Kafka broker for the subscription bridge.
package kafka

import (
	"context"

	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/duplexflow/pubsub"
)

// BrokerName is the name used to register this broker.
const BrokerName = "kafka"

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return kafka.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg kafka.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return kafka.NewSubscriber(cfg, logger)
}

func init() {
	pubsub.RegisterWithCapabilities(BrokerName, Build, pubsub.KafkaCapabilities)
}

// Build creates a Kafka broker. The consumer group comes from
// KafkaConsumerGroup, falling back to BridgeGroup.
//
// With fan-out delivery each instance joins a group of its own and starts at
// the newest offset, so it forwards every event published while it runs
// without replaying the topic's history. Shared delivery joins the group
// itself and lets Kafka balance partitions between instances.
func Build(ctx context.Context, cfg pubsub.Config, logger watermill.LoggerAdapter) (pubsub.Broker, error) {
	delivery, err := pubsub.ParseDelivery(cfg.GetBridgeDelivery())
	if err != nil {
		return pubsub.Broker{}, err
	}
	brokers := cfg.GetKafkaBrokers()

	publisher, err := PublisherFactory(
		kafka.PublisherConfig{
			Brokers:   brokers,
			Marshaler: kafka.DefaultMarshaler{},
		},
		logger,
	)
	if err != nil {
		return pubsub.Broker{}, err
	}

	subscriber, err := SubscriberFactory(SubscriberConfig(brokers, delivery, ConsumerGroup(cfg)), logger)
	if err != nil {
		_ = publisher.Close()
		return pubsub.Broker{}, err
	}

	return pubsub.Broker{
		Publisher:  publisher,
		Subscriber: subscriber,
	}, nil
}

// ConsumerGroup returns the configured base group.
func ConsumerGroup(cfg pubsub.Config) string {
	if group := cfg.GetKafkaConsumerGroup(); group != "" {
		return group
	}
	return cfg.GetBridgeGroup()
}

// SubscriberConfig builds the subscriber settings for one bridge instance.
func SubscriberConfig(brokers []string, delivery pubsub.Delivery, group string) kafka.SubscriberConfig {
	saramaConfig := kafka.DefaultSaramaSubscriberConfig()
	if delivery == pubsub.DeliveryFanOut {
		saramaConfig.Consumer.Offsets.Initial = sarama.OffsetNewest
	}
	return kafka.SubscriberConfig{
		Brokers:               brokers,
		Unmarshaler:           kafka.DefaultMarshaler{},
		ConsumerGroup:         pubsub.InstanceGroup(delivery, group),
		OverwriteSaramaConfig: saramaConfig,
	}
}

// Capabilities returns the capabilities of this broker.
func Capabilities() pubsub.Capabilities {
	return pubsub.KafkaCapabilities
}
