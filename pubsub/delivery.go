package pubsub

import (
	"fmt"
	"strings"

	idspkg "github.com/drblury/duplexflow/internal/runtime/ids"
)

// Delivery decides how the bridge instances subscribed to one topic split
// its events.
type Delivery string

const (
	// DeliveryFanOut gives every bridge instance a subscription of its own,
	// so each one forwards every event to its local connections.
	DeliveryFanOut Delivery = "fanout"

	// DeliveryShared puts the instances into one group and hands each event
	// to a single member. It needs SupportsConsumerGroups.
	DeliveryShared Delivery = "shared"
)

// ParseDelivery reads a delivery setting. The empty string means fan-out.
func ParseDelivery(value string) (Delivery, error) {
	switch Delivery(strings.ToLower(value)) {
	case "", DeliveryFanOut:
		return DeliveryFanOut, nil
	case DeliveryShared:
		return DeliveryShared, nil
	default:
		return "", fmt.Errorf("unknown bridge delivery %q", value)
	}
}

// InstanceGroup names the consumer group, queue group or queue this bridge
// instance subscribes with. Shared delivery joins group itself; fan-out
// suffixes group with a fresh ULID so no two instances compete.
func InstanceGroup(delivery Delivery, group string) string {
	if delivery == DeliveryShared {
		return group
	}
	instance := idspkg.CreateULID()
	if group == "" {
		return instance
	}
	return group + "_" + instance
}
