package main

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/drblury/duplexflow"
	awsbroker "github.com/drblury/duplexflow/pubsub/aws"
	_ "github.com/drblury/duplexflow/pubsub/channel"
	_ "github.com/drblury/duplexflow/pubsub/kafka"
	natsbroker "github.com/drblury/duplexflow/pubsub/nats"
	"github.com/drblury/duplexflow/pubsub/rabbitmq"
	_ "github.com/drblury/duplexflow/transport/memory"
	_ "github.com/drblury/duplexflow/transport/nats"
	_ "github.com/drblury/duplexflow/transport/websocket"
)

// peer is the per-connection state of the demo host.
type peer struct {
	id          string
	user        string
	connectedAt time.Time
}

type helloRequest struct {
	Name string `json:"name"`
}

type helloReply struct {
	Greeting string `json:"greeting"`
	Peer     string `json:"peer"`
}

type sayRequest struct {
	Room string `json:"room"`
	Text string `json:"text"`
}

type roomMessage struct {
	From string    `json:"from"`
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

func main() {
	cfg, err := duplexflow.LoadConfig()
	if err != nil {
		duplexflow.NewLogger(os.Stderr, "info").Error("Invalid configuration", err, nil)
		os.Exit(1)
	}
	logger := duplexflow.NewLogger(os.Stdout, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("duplexd stopped", err, nil)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *duplexflow.Config, logger duplexflow.Logger) error {
	opts := []duplexflow.ChannelOption[*peer]{
		duplexflow.WithLogger[*peer](logger),
		duplexflow.WithHooks[*peer](duplexflow.LoggingHooks(logger)),
	}
	if cfg.MetricsEnabled {
		metrics := duplexflow.NewMetrics(nil)
		if err := metrics.Register(); err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
		opts = append(opts, duplexflow.WithMetrics[*peer](metrics))
	}
	ch := duplexflow.NewChannel(opts...)

	var online atomic.Int64
	connections := duplexflow.NewLazyState(func(context.Context) (int64, error) {
		return online.Load(), nil
	})
	rooms := duplexflow.NewSubscription()
	if err := registerAPI(ch, connections, rooms); err != nil {
		return err
	}
	ch.OnDisconnect(func(p *peer, _ *duplexflow.Sender) error {
		online.Add(-1)
		connections.SetNeedsUpdate()
		logger.Info("Peer left", duplexflow.LogFields{"peer": p.id, "user": p.user, "connected_for": time.Since(p.connectedAt).String()})
		return nil
	})

	if cfg.PubSubSystem != "" {
		stopBridge, err := startBridge(ctx, cfg, logger, rooms)
		if err != nil {
			return err
		}
		defer stopBridge()
	}

	addr, err := listenAddress(cfg)
	if err != nil {
		return err
	}
	listener, err := duplexflow.Listen(ctx, addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	defer listener.Close()

	server := duplexflow.NewServer(cfg, logger, ch, duplexflow.ServeOptions[*peer]{
		State: func(_ context.Context, conn duplexflow.Conn) (*peer, error) {
			user := conn.Header().Get("X-User")
			if user == "" {
				user = "anonymous"
			}
			return &peer{id: duplexflow.CreateULID(), user: user, connectedAt: time.Now()}, nil
		},
		OnConnect: func(p *peer, _ *duplexflow.Sender) {
			online.Add(1)
			connections.SetNeedsUpdate()
			logger.Info("Peer joined", duplexflow.LogFields{"peer": p.id, "user": p.user})
		},
	})
	return server.Start(ctx, listener)
}

func registerAPI(ch *duplexflow.Channel[*peer], connections *duplexflow.LazyState[int64], rooms *duplexflow.Subscription) error {
	hello, err := duplexflow.BuildJSONCall[*peer, helloRequest, helloReply](func(_ context.Context, req *duplexflow.Request[*peer], body helloRequest) (helloReply, error) {
		name := body.Name
		if name == "" {
			name = req.State.user
		}
		return helloReply{Greeting: "hello " + name, Peer: req.State.id}, nil
	})
	if err != nil {
		return err
	}

	greet, err := duplexflow.BuildProtoCall[*peer, *wrapperspb.StringValue, *wrapperspb.StringValue](&wrapperspb.StringValue{}, func(_ context.Context, _ *duplexflow.Request[*peer], in *wrapperspb.StringValue) (*wrapperspb.StringValue, error) {
		return wrapperspb.String("greetings, " + in.GetValue()), nil
	})
	if err != nil {
		return err
	}

	say, err := duplexflow.BuildJSONCall[*peer, sayRequest, bool](func(ctx context.Context, req *duplexflow.Request[*peer], body sayRequest) (bool, error) {
		if body.Room == "" {
			return false, errors.New("room is required")
		}
		err := rooms.Send(ctx, body.Room, roomMessage{From: req.State.user, Text: body.Text, At: time.Now().UTC()})
		return err == nil, err
	})
	if err != nil {
		return err
	}

	ch.API(map[string]any{
		"hello": hello,
		"greet": greet,
		"clock": duplexflow.StreamHandler[*peer](clock),
		"connections": func(ctx context.Context, _ *duplexflow.Request[*peer]) iter.Seq2[any, error] {
			return connections.Values(ctx)
		},
		"rooms": map[string]any{
			"_":   rooms,
			"say": say,
		},
	})
	return nil
}

// clock streams the server time once per second until the caller cancels.
func clock(ctx context.Context, _ *duplexflow.Request[*peer]) iter.Seq2[any, error] {
	return func(yield func(any, error) bool) {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			if !yield(time.Now().UTC().Format(time.RFC3339), nil) {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}
}

func listenAddress(cfg *duplexflow.Config) (string, error) {
	switch strings.ToLower(cfg.Transport) {
	case "", "websocket", "ws":
		path := cfg.WebSocketPath
		if !strings.HasPrefix(path, "/") {
			path = "/" + path
		}
		return "ws://" + cfg.ListenAddress + path, nil
	case "nats":
		return strings.TrimSuffix(cfg.NATSURL, "/") + "/" + cfg.NATSSubject, nil
	case "memory":
		return "mem://duplexd", nil
	default:
		return "", fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}

// startBridge shares room events with other duplexd instances through the
// configured broker. A broker that never leaves the process has no other
// instances to reach, so no bridge is started for it.
func startBridge(ctx context.Context, cfg *duplexflow.Config, logger duplexflow.Logger, rooms *duplexflow.Subscription) (func(), error) {
	natsbroker.Register()
	rabbitmq.Register()
	awsbroker.Register()

	if err := duplexflow.CheckBridge(cfg.PubSubSystem); err != nil {
		if !errors.Is(err, duplexflow.ErrBrokerLocal) {
			return nil, err
		}
		logger.Info("Broker is local to this process; room events stay on this instance", duplexflow.LogFields{"broker": cfg.PubSubSystem})
		return func() {}, nil
	}

	broker, err := duplexflow.BuildBroker(ctx, cfg, duplexflow.NewWatermillAdapter(logger))
	if err != nil {
		return nil, fmt.Errorf("build %s broker: %w", cfg.PubSubSystem, err)
	}
	bridge, err := duplexflow.NewBridge(broker, cfg.BridgeTopic, logger)
	if err != nil {
		_ = broker.Close()
		return nil, err
	}
	remove, err := bridge.Export(rooms)
	if err != nil {
		_ = broker.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := bridge.Forward(ctx, rooms, duplexflow.TopicKey(rooms)); err != nil {
			logger.Error("Bridge forwarding stopped", err, duplexflow.LogFields{"topic": cfg.BridgeTopic})
		}
	}()
	logger.Info("Bridge started", duplexflow.LogFields{
		"broker":   cfg.PubSubSystem,
		"topic":    cfg.BridgeTopic,
		"delivery": cfg.BridgeDelivery,
		"origin":   bridge.Origin(),
	})

	return func() {
		remove()
		cancel()
		<-done
		if err := broker.Close(); err != nil {
			logger.Error("Failed to close broker", err, nil)
		}
	}, nil
}
