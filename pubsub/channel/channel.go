// Package channel provides an in-memory Go channel broker. Every broker built
// in one process shares the same pub/sub, so bridges in that process reach
// each other but nothing outside it. It suits tests and single-node setups.
package channel

import (
	"context"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/drblury/duplexflow/pubsub"
)

// BrokerName is the name used to register this broker.
const BrokerName = "channel"

// Factory allows overriding the channel creation for testing.
var Factory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber) {
	pubSub := gochannel.NewGoChannel(cfg, logger)
	return pubSub, pubSub
}

// shared is the process-wide pub/sub. It is created by the first Build and
// closed when the last broker built from it closes.
var shared struct {
	mu   sync.Mutex
	pub  message.Publisher
	sub  message.Subscriber
	refs int
}

func init() {
	pubsub.RegisterWithCapabilities(BrokerName, Build, pubsub.ChannelCapabilities)
}

// Build returns a handle on the process-wide pub/sub.
func Build(ctx context.Context, cfg pubsub.Config, logger watermill.LoggerAdapter) (pubsub.Broker, error) {
	shared.mu.Lock()
	defer shared.mu.Unlock()

	if shared.refs == 0 {
		shared.pub, shared.sub = Factory(gochannel.Config{}, logger)
	}
	shared.refs++

	h := &handle{Publisher: shared.pub, Subscriber: shared.sub}
	return pubsub.Broker{Publisher: h, Subscriber: h}, nil
}

// Open reports how many brokers currently hold the shared pub/sub.
func Open() int {
	shared.mu.Lock()
	defer shared.mu.Unlock()
	return shared.refs
}

func release() error {
	shared.mu.Lock()
	defer shared.mu.Unlock()

	shared.refs--
	if shared.refs > 0 {
		return nil
	}
	pub, sub := shared.pub, shared.sub
	shared.pub, shared.sub = nil, nil
	return pubsub.Broker{Publisher: pub, Subscriber: sub}.Close()
}

// handle is one broker's view of the shared pub/sub. Closing it releases the
// reference once.
type handle struct {
	message.Publisher
	message.Subscriber

	once sync.Once
	err  error
}

func (h *handle) Close() error {
	h.once.Do(func() { h.err = release() })
	return h.err
}

// Capabilities returns the capabilities of this broker.
func Capabilities() pubsub.Capabilities {
	return pubsub.ChannelCapabilities
}
