package pubsub

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/duplexflow/internal/runtime/errors"
)

type mockConfig struct {
	pubSubSystem string
	delivery     string
}

func (m *mockConfig) GetPubSubSystem() string       { return m.pubSubSystem }
func (m *mockConfig) GetBridgeDelivery() string     { return m.delivery }
func (m *mockConfig) GetBridgeGroup() string        { return "duplexflow" }
func (m *mockConfig) GetKafkaBrokers() []string     { return nil }
func (m *mockConfig) GetKafkaConsumerGroup() string { return "" }
func (m *mockConfig) GetRabbitMQURL() string        { return "" }
func (m *mockConfig) GetNATSURL() string            { return "" }
func (m *mockConfig) GetAWSRegion() string          { return "" }
func (m *mockConfig) GetAWSAccountID() string       { return "" }
func (m *mockConfig) GetAWSAccessKeyID() string     { return "" }
func (m *mockConfig) GetAWSSecretAccessKey() string { return "" }
func (m *mockConfig) GetAWSEndpoint() string        { return "" }

type mockPublisher struct{}

func (m *mockPublisher) Publish(topic string, messages ...*message.Message) error {
	return nil
}

func (m *mockPublisher) Close() error {
	return nil
}

type mockSubscriber struct{}

func (m *mockSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	ch := make(chan *message.Message)
	close(ch)
	return ch, nil
}

func (m *mockSubscriber) Close() error {
	return nil
}

func mockBuilder(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Broker, error) {
	return Broker{
		Publisher:  &mockPublisher{},
		Subscriber: &mockSubscriber{},
	}, nil
}

func TestNewRegistry(t *testing.T) {
	reg := NewRegistry()
	assert.NotNil(t, reg.entries)
	assert.Empty(t, reg.Names())
	assert.False(t, reg.Has("channel"))
}

func TestRegistryCapabilities(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterWithCapabilities("cluster", mockBuilder, Capabilities{Name: "cluster", Distributed: true})
	reg.Register("plain", mockBuilder)

	assert.True(t, reg.GetCapabilities("cluster").Distributed)
	assert.Equal(t, Capabilities{Name: "plain"}, reg.GetCapabilities("plain"))
	assert.Equal(t, Capabilities{Name: "unknown"}, reg.GetCapabilities("unknown"))
}

func TestRegistryCheckBridge(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterWithCapabilities("cluster", mockBuilder, Capabilities{Name: "cluster", Distributed: true})
	reg.RegisterWithCapabilities("local", mockBuilder, ChannelCapabilities)
	reg.Register("plain", mockBuilder)

	require.NoError(t, reg.CheckBridge("cluster"))
	assert.ErrorIs(t, reg.CheckBridge("local"), errspkg.ErrBrokerLocal)
	assert.ErrorIs(t, reg.CheckBridge("plain"), errspkg.ErrBrokerLocal)

	err := reg.CheckBridge("missing")
	assert.ErrorIs(t, err, errspkg.ErrUnknownBroker)
	assert.ErrorContains(t, err, `"missing" (registered: [cluster local plain])`)
}

func TestRegistryBuild(t *testing.T) {
	reg := NewRegistry()
	reg.Register("test-broker", mockBuilder)

	broker, err := reg.Build(context.Background(), &mockConfig{pubSubSystem: "test-broker"}, nil)
	require.NoError(t, err)
	assert.NotNil(t, broker.Publisher)
	assert.NotNil(t, broker.Subscriber)
}

func TestRegistryBuildErrors(t *testing.T) {
	reg := NewRegistry()
	expectedErr := errors.New("builder error")
	reg.Register("failing", func(context.Context, Config, watermill.LoggerAdapter) (Broker, error) {
		return Broker{}, expectedErr
	})
	reg.Register("other", mockBuilder)

	_, err := reg.Build(context.Background(), nil, nil)
	assert.ErrorIs(t, err, errspkg.ErrConfigRequired)

	_, err = reg.Build(context.Background(), &mockConfig{pubSubSystem: "unknown"}, nil)
	assert.ErrorIs(t, err, errspkg.ErrUnknownBroker)
	assert.ErrorContains(t, err, `"unknown" (registered: [failing other])`)

	_, err = reg.Build(context.Background(), &mockConfig{pubSubSystem: "failing"}, nil)
	assert.Equal(t, expectedErr, err)

	_, err = reg.Build(context.Background(), &mockConfig{pubSubSystem: "other", delivery: "broadcast"}, nil)
	assert.ErrorContains(t, err, `unknown bridge delivery "broadcast"`)
}

func TestRegistryBuildChecksSharedDelivery(t *testing.T) {
	reg := NewRegistry()
	var built []string
	builder := func(_ context.Context, cfg Config, _ watermill.LoggerAdapter) (Broker, error) {
		built = append(built, cfg.GetPubSubSystem())
		return mockBuilder(context.Background(), cfg, nil)
	}
	reg.RegisterWithCapabilities("groups", builder, KafkaCapabilities)
	reg.RegisterWithCapabilities("local", builder, ChannelCapabilities)

	_, err := reg.Build(context.Background(), &mockConfig{pubSubSystem: "groups", delivery: "shared"}, nil)
	require.NoError(t, err)

	_, err = reg.Build(context.Background(), &mockConfig{pubSubSystem: "local", delivery: "shared"}, nil)
	assert.ErrorIs(t, err, errspkg.ErrSharedDeliveryUnsupported)

	_, err = reg.Build(context.Background(), &mockConfig{pubSubSystem: "local", delivery: "fanout"}, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"groups", "local"}, built)
}

func TestRegistryNamesAreSorted(t *testing.T) {
	reg := NewRegistry()
	reg.Register("rabbitmq", mockBuilder)
	reg.Register("channel", mockBuilder)
	reg.Register("kafka", mockBuilder)

	assert.Equal(t, []string{"channel", "kafka", "rabbitmq"}, reg.Names())
	assert.False(t, reg.Has("nats"))
}

func TestRegistryConcurrentAccess(t *testing.T) {
	reg := NewRegistry()

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				reg.RegisterWithCapabilities("broker", mockBuilder, NATSCapabilities)
				reg.Has("broker")
				reg.Names()
				_ = reg.CheckBridge("broker")
			}
		}()
	}
	wg.Wait()

	assert.True(t, reg.Has("broker"))
}

func TestPackageLevelRegistry(t *testing.T) {
	original := DefaultRegistry
	defer func() { DefaultRegistry = original }()
	DefaultRegistry = NewRegistry()

	RegisterWithCapabilities("test-pkg-broker", mockBuilder, Capabilities{Name: "test-pkg-broker", Distributed: true, Persistent: true})
	Register("test-pkg-plain", mockBuilder)

	assert.True(t, GetCapabilities("test-pkg-broker").Persistent)
	require.NoError(t, CheckBridge("test-pkg-broker"))
	assert.ErrorIs(t, CheckBridge("test-pkg-plain"), errspkg.ErrBrokerLocal)

	_, err := Build(context.Background(), &mockConfig{pubSubSystem: "nonexistent"}, nil)
	assert.ErrorIs(t, err, errspkg.ErrUnknownBroker)

	broker, err := Build(context.Background(), &mockConfig{pubSubSystem: "test-pkg-plain"}, nil)
	require.NoError(t, err)
	assert.NoError(t, broker.Close())
}

func TestPredefinedCapabilities(t *testing.T) {
	assert.False(t, ChannelCapabilities.Distributed)
	assert.False(t, ChannelCapabilities.SupportsConsumerGroups)
	for _, caps := range []Capabilities{NATSCapabilities, KafkaCapabilities, RabbitMQCapabilities, AWSCapabilities} {
		assert.True(t, caps.Distributed, caps.Name)
		assert.True(t, caps.SupportsConsumerGroups, caps.Name)
	}
	assert.True(t, RabbitMQCapabilities.Persistent)
}

func TestParseDelivery(t *testing.T) {
	for value, want := range map[string]Delivery{
		"":       DeliveryFanOut,
		"fanout": DeliveryFanOut,
		"FanOut": DeliveryFanOut,
		"shared": DeliveryShared,
	} {
		got, err := ParseDelivery(value)
		require.NoError(t, err, value)
		assert.Equal(t, want, got, value)
	}

	_, err := ParseDelivery("broadcast")
	assert.Error(t, err)
}

func TestInstanceGroup(t *testing.T) {
	assert.Equal(t, "rooms", InstanceGroup(DeliveryShared, "rooms"))

	first, second := InstanceGroup(DeliveryFanOut, "rooms"), InstanceGroup(DeliveryFanOut, "rooms")
	assert.True(t, strings.HasPrefix(first, "rooms_"), first)
	assert.Len(t, first, len("rooms_")+26)
	assert.NotEqual(t, first, second)

	assert.Len(t, InstanceGroup(DeliveryFanOut, ""), 26)
}
