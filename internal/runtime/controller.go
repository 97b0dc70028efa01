package runtime

import (
	"encoding/json"

	"github.com/drblury/duplexflow/internal/runtime/message"
)

// Controller is the per-connection surface the dispatch engine talks back
// through.
type Controller[S any] interface {
	// Respond writes a response or event to the other side.
	Respond(msg *message.Message)
	// Subscribe records the other side's interest in topic, which belongs to
	// sub, so the connection receives sub's events for it.
	Subscribe(topic string, sub *Subscription)
	// Unsubscribe drops the other side's interest in topic.
	Unsubscribe(topic string)
	// Event hands an inbound topic event to the local listeners.
	Event(topic string, body json.RawMessage)
	Sender() *Sender
	State() S
}
