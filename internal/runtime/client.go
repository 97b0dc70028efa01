package runtime

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	errspkg "github.com/drblury/duplexflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/duplexflow/internal/runtime/logging"
	"github.com/drblury/duplexflow/internal/runtime/message"
	"github.com/drblury/duplexflow/transport"
)

// DefaultReconnectDelay is the pause between connection attempts.
const DefaultReconnectDelay = 100 * time.Millisecond

// ConnectOptions configure the client adapter.
type ConnectOptions[S any] struct {
	// State is the client side's connection State. It survives reconnects.
	State S
	// Header is evaluated before every dial.
	Header func() http.Header
	// OnConnect runs after every successful (re)connect, once pending
	// requests have been replayed.
	OnConnect func(sender *Sender)
	// ReconnectDelay defaults to DefaultReconnectDelay.
	ReconnectDelay time.Duration
	Batch          BatchConfig
}

// Client is the client-side Connection. It keeps one transport connection
// open to addr, reconnecting after a fixed delay until Stop is called.
// Requests that have not been settled are replayed as one batch on every
// (re)connect.
type Client[S any] struct {
	*TopicListeners

	ch       *Channel[S]
	dialer   transport.Dialer
	addr     string
	opts     ConnectOptions[S]
	logger   loggingpkg.Logger
	endpoint *Endpoint[S]
	batcher  *batcher

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// mu guards the connection state and orders writes with replays.
	mu      sync.Mutex
	conn    transport.Conn
	running bool

	pendingMu sync.Mutex
	nextLocal uint64
	pending   map[uint64]*message.Message
}

// Connect starts the client adapter and returns immediately; the first dial
// happens in the background. Requests issued before the connection is up
// are sent once it opens.
func Connect[S any](ctx context.Context, ch *Channel[S], dialer transport.Dialer, addr string, opts ConnectOptions[S]) (*Client[S], error) {
	if ch == nil {
		return nil, errspkg.ErrChannelRequired
	}
	if dialer == nil {
		return nil, errspkg.ErrDialerRequired
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}

	ctx, cancel := context.WithCancel(ctx)
	logger := ch.logger.With(loggingpkg.LogFields{"component": "client", "address": addr})
	c := &Client[S]{
		TopicListeners: NewTopicListeners(),
		ch:             ch,
		dialer:         dialer,
		addr:           addr,
		opts:           opts,
		logger:         logger,
		ctx:            ctx,
		cancel:         cancel,
		done:           make(chan struct{}),
		running:        true,
		pending:        make(map[uint64]*message.Message),
	}
	c.batcher = newBatcher(ctx, opts.Batch, logger, ch.metrics)
	c.endpoint = NewEndpoint(ch, c, opts.State, c.TopicListeners)

	go c.run()
	return c, nil
}

// Sender returns the Sender for this connection.
func (c *Client[S]) Sender() *Sender {
	return c.endpoint.Sender()
}

// Send records msg as pending and writes it when connected.
func (c *Client[S]) Send(msg *message.Message) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pendingMu.Lock()
	c.nextLocal++
	id := c.nextLocal
	c.pending[id] = msg
	c.pendingMu.Unlock()

	if c.conn != nil {
		c.batcher.send(msg)
	}
	return id
}

// Sent forgets a settled request so it is not replayed.
func (c *Client[S]) Sent(localID uint64) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	delete(c.pending, localID)
}

// Cancel retracts a request. It only succeeds while disconnected; once a
// connection is up the request may already be on the wire.
func (c *Client[S]) Cancel(localID uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return false
	}

	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	if _, ok := c.pending[localID]; !ok {
		return false
	}
	delete(c.pending, localID)
	return true
}

// Notify writes msg when connected and drops it otherwise.
func (c *Client[S]) Notify(msg *message.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		c.logger.Trace("Dropping notification while disconnected", loggingpkg.LogFields{"message": msg.String()})
		return
	}
	c.batcher.send(msg)
}

// Stop closes the connection and ends the reconnect loop. Outstanding
// requests fail with ErrCancelled once the loop has exited.
func (c *Client[S]) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	conn := c.conn
	c.mu.Unlock()

	c.cancel()
	if conn != nil {
		_ = conn.Close()
	}
}

// IsRunning reports whether Stop has not been called yet.
func (c *Client[S]) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Connected reports whether a transport connection is currently open.
func (c *Client[S]) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Pending returns the number of requests waiting to be settled.
func (c *Client[S]) Pending() int {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	return len(c.pending)
}

// Done is closed once the client has stopped and torn down its endpoint.
func (c *Client[S]) Done() <-chan struct{} {
	return c.done
}

func (c *Client[S]) run() {
	defer close(c.done)
	defer c.endpoint.Close()

	attempt := 0
	for {
		conn, err := c.dialer.Dial(c.ctx, c.addr, c.header())
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			c.logger.Info("Connection attempt failed", loggingpkg.LogFields{"attempt": attempt, "error": err.Error()})
		} else {
			err := c.serve(conn)
			if c.ctx.Err() != nil {
				return
			}
			fields := loggingpkg.LogFields{}
			if err != nil {
				fields["error"] = err.Error()
			}
			c.logger.Info("Connection lost, reconnecting", fields)
		}

		attempt++
		timer := time.NewTimer(c.opts.ReconnectDelay)
		select {
		case <-c.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		c.ch.metrics.reconnected()
	}
}

func (c *Client[S]) header() http.Header {
	if c.opts.Header == nil {
		return http.Header{}
	}
	return transport.CloneHeader(c.opts.Header())
}

// serve runs one transport connection until it fails.
func (c *Client[S]) serve(conn transport.Conn) error {
	if !c.open(conn) {
		_ = conn.Close()
		return nil
	}
	defer c.close(conn)

	c.logger.Debug("Connected", nil)
	if c.opts.OnConnect != nil {
		c.opts.OnConnect(c.endpoint.Sender())
	}

	for {
		data, err := conn.ReadMessage(c.ctx)
		if err != nil {
			if errors.Is(err, transport.ErrClosed) || c.ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := c.endpoint.Receive(c.ctx, data); err != nil {
			c.logger.Error("Dropping undecodable frame", err, loggingpkg.LogFields{"size": len(data)})
		}
	}
}

// open publishes conn and replays every pending request as one frame before
// any other write can reach it.
func (c *Client[S]) open(conn transport.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return false
	}

	if replay := c.replay(); len(replay) > 0 {
		data, err := message.EncodeBatch(replay)
		if err != nil {
			c.logger.Error("Failed to encode replay", err, loggingpkg.LogFields{"size": len(replay)})
		} else if err := conn.WriteMessage(c.ctx, data); err != nil {
			c.logger.Debug("Replay write failed", loggingpkg.LogFields{"error": err.Error()})
		} else {
			c.logger.Debug("Replayed pending requests", loggingpkg.LogFields{"size": len(replay)})
		}
	}
	c.conn = conn
	c.batcher.attach(conn)
	return true
}

func (c *Client[S]) replay() []*message.Message {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	ids := make([]uint64, 0, len(c.pending))
	for id := range c.pending {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	replay := make([]*message.Message, 0, len(ids))
	for _, id := range ids {
		replay = append(replay, c.pending[id])
	}
	return replay
}

func (c *Client[S]) close(conn transport.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.batcher.detach()
	c.mu.Unlock()
	_ = conn.Close()
}
