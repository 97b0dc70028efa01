// Package pubsub connects duplexflow subscriptions to message brokers. Each
// broker (channel, nats, kafka, rabbitmq, aws) lives in its own sub-package and
// registers a Builder under the name used by the PubSubSystem setting.
package pubsub

import (
	"context"
	"errors"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// Broker combines a publisher and subscriber pair produced by a builder.
type Broker struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
}

// Close closes both halves. A pub/sub implemented by one value is closed
// once.
func (b Broker) Close() error {
	var errs []error
	if b.Publisher != nil {
		errs = append(errs, b.Publisher.Close())
	}
	if b.Subscriber != nil && any(b.Subscriber) != any(b.Publisher) {
		errs = append(errs, b.Subscriber.Close())
	}
	return errors.Join(errs...)
}

// Builder creates a broker from config.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Broker, error)

// Config provides the settings brokers need without depending on the full
// config package.
type Config interface {
	// GetPubSubSystem returns the broker name.
	GetPubSubSystem() string

	// GetBridgeDelivery returns the Delivery setting, see ParseDelivery.
	GetBridgeDelivery() string
	// GetBridgeGroup returns the group bridge instances derive their
	// subscriptions from.
	GetBridgeGroup() string

	// Kafka
	GetKafkaBrokers() []string
	GetKafkaConsumerGroup() string

	// RabbitMQ
	GetRabbitMQURL() string

	// NATS
	GetNATSURL() string

	// AWS SNS/SQS
	GetAWSRegion() string
	GetAWSAccountID() string
	GetAWSAccessKeyID() string
	GetAWSSecretAccessKey() string
	GetAWSEndpoint() string
}
