package pubsub

// Capabilities describes what a broker offers to the bridge.
type Capabilities struct {
	// Name is the human-readable name of the broker.
	Name string

	// Distributed indicates events reach other processes. The in-memory
	// broker only fans out inside one process.
	Distributed bool

	// Persistent indicates events survive a broker restart.
	Persistent bool

	// SupportsOrdering indicates events on one topic arrive in publish order.
	SupportsOrdering bool

	// SupportsConsumerGroups indicates the broker can run DeliveryShared:
	// bridge instances in one group split the events between them.
	SupportsConsumerGroups bool
}

// Predefined capability sets for the bundled brokers.
var (
	ChannelCapabilities = Capabilities{
		Name:             "channel",
		SupportsOrdering: true,
	}

	NATSCapabilities = Capabilities{
		Name:                   "nats",
		Distributed:            true,
		SupportsConsumerGroups: true,
	}

	KafkaCapabilities = Capabilities{
		Name:                   "kafka",
		Distributed:            true,
		Persistent:             true,
		SupportsOrdering:       true,
		SupportsConsumerGroups: true,
	}

	RabbitMQCapabilities = Capabilities{
		Name:                   "rabbitmq",
		Distributed:            true,
		Persistent:             true,
		SupportsConsumerGroups: true,
	}

	AWSCapabilities = Capabilities{
		Name:                   "aws",
		Distributed:            true,
		Persistent:             true,
		SupportsConsumerGroups: true,
	}
)

// GetCapabilities returns the capabilities registered for name in the
// default registry.
func GetCapabilities(name string) Capabilities {
	return DefaultRegistry.GetCapabilities(name)
}
