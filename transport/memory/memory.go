// Package memory provides an in-process duplex transport. Connections are
// pairs of unbounded queues, so writes never block. This transport is useful
// for testing and local development.
package memory

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/drblury/duplexflow/transport"
)

// Scheme is the URL scheme this transport registers under.
const Scheme = "mem"

// ErrConnectionRefused is returned when nothing listens on the dialed address.
var ErrConnectionRefused = errors.New("memory: connection refused")

// Default is the network used by the registered binding.
var Default = NewNetwork()

func init() {
	transport.Register(Scheme, Default.Binding())
}

// Network is a namespace of in-process listeners.
type Network struct {
	mu        sync.Mutex
	listeners map[string]*Listener
}

// NewNetwork creates an empty network.
func NewNetwork() *Network {
	return &Network{listeners: make(map[string]*Listener)}
}

// Binding exposes the network as a transport binding.
func (n *Network) Binding() transport.Binding {
	return transport.Binding{Dialer: n, Listen: n.Listen}
}

// Listen registers a listener on addr. Addresses may carry the mem:// scheme.
func (n *Network) Listen(_ context.Context, addr string) (transport.Listener, error) {
	name := normalize(addr)
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.listeners[name]; ok {
		return nil, fmt.Errorf("memory: address %q already in use", name)
	}
	l := &Listener{
		network: n,
		name:    name,
		accept:  make(chan *Conn),
		closed:  make(chan struct{}),
	}
	n.listeners[name] = l
	return l, nil
}

// Dial connects to the listener on addr.
func (n *Network) Dial(ctx context.Context, addr string, header http.Header) (transport.Conn, error) {
	name := normalize(addr)
	n.mu.Lock()
	l, ok := n.listeners[name]
	n.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrConnectionRefused, name)
	}

	client, server := pipe(transport.CloneHeader(header), name)
	select {
	case l.accept <- server:
		return client, nil
	case <-l.closed:
		return nil, fmt.Errorf("%w: %s", ErrConnectionRefused, name)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (n *Network) remove(l *Listener) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.listeners[l.name] == l {
		delete(n.listeners, l.name)
	}
}

func normalize(addr string) string {
	return strings.TrimPrefix(addr, Scheme+"://")
}

// Listener accepts connections dialed on one network address.
type Listener struct {
	network *Network
	name    string
	accept  chan *Conn
	once    sync.Once
	closed  chan struct{}
}

func (l *Listener) Accept(ctx context.Context) (transport.Conn, error) {
	select {
	case conn := <-l.accept:
		return conn, nil
	case <-l.closed:
		return nil, transport.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *Listener) Addr() string {
	return Scheme + "://" + l.name
}

// Close stops accepting. Established connections stay open.
func (l *Listener) Close() error {
	l.once.Do(func() {
		l.network.remove(l)
		close(l.closed)
	})
	return nil
}

// Pipe returns two connected ends. The server end reports header as the
// handshake metadata.
func Pipe(header http.Header) (client, server transport.Conn) {
	c, s := pipe(transport.CloneHeader(header), "pipe")
	return c, s
}

func pipe(header http.Header, name string) (*Conn, *Conn) {
	up, down := newQueue(), newQueue()
	client := &Conn{in: down, out: up, header: http.Header{}, remote: name + "/server"}
	server := &Conn{in: up, out: down, header: header, remote: name + "/client"}
	return client, server
}

// Conn is one end of an in-process connection.
type Conn struct {
	in     *queue
	out    *queue
	header http.Header
	remote string
}

func (c *Conn) ReadMessage(ctx context.Context) ([]byte, error) {
	return c.in.pop(ctx)
}

func (c *Conn) WriteMessage(_ context.Context, data []byte) error {
	frame := make([]byte, len(data))
	copy(frame, data)
	return c.out.push(frame)
}

func (c *Conn) Header() http.Header {
	return c.header
}

func (c *Conn) RemoteAddr() string {
	return c.remote
}

// Close shuts both directions. The peer drains what was already written and
// then reads transport.ErrClosed.
func (c *Conn) Close() error {
	c.in.close()
	c.out.close()
	return nil
}

type queue struct {
	mu     sync.Mutex
	items  [][]byte
	closed bool
	signal chan struct{}
}

func newQueue() *queue {
	return &queue{signal: make(chan struct{}, 1)}
}

func (q *queue) push(data []byte) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return transport.ErrClosed
	}
	q.items = append(q.items, data)
	q.mu.Unlock()
	q.notify()
	return nil
}

func (q *queue) pop(ctx context.Context) ([]byte, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			data := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			q.mu.Unlock()
			return data, nil
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return nil, transport.ErrClosed
		}

		select {
		case <-q.signal:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (q *queue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.notify()
}

func (q *queue) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}
