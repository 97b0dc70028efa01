// Package websocket carries duplex connections over WebSocket. Every frame
// travels as one text message.
package websocket

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/drblury/duplexflow/transport"
)

// URL schemes this transport registers under.
const (
	Scheme       = "ws"
	SecureScheme = "wss"
)

const closeGracePeriod = time.Second

// DefaultReadLimit caps the size of one inbound frame.
const DefaultReadLimit int64 = 32 << 20

// Dialer is used by Dial. Override it to tune handshakes or TLS.
var Dialer = &websocket.Dialer{
	Proxy:            http.ProxyFromEnvironment,
	HandshakeTimeout: 10 * time.Second,
}

func init() {
	transport.Register(Scheme, transport.Binding{Dialer: transport.DialerFunc(Dial), Listen: Listen})
	transport.Register(SecureScheme, transport.Binding{Dialer: transport.DialerFunc(Dial)})
}

// Dial opens a client connection to a ws:// or wss:// URL. header is sent
// with the upgrade request.
func Dial(ctx context.Context, addr string, header http.Header) (transport.Conn, error) {
	ws, _, err := Dialer.DialContext(ctx, addr, transport.CloneHeader(header))
	if err != nil {
		return nil, fmt.Errorf("websocket: dial %s: %w", addr, err)
	}
	ws.SetReadLimit(DefaultReadLimit)
	return NewConn(ws, http.Header{}, addr), nil
}

// Option configures a Handler.
type Option func(*Handler)

// WithCheckOrigin replaces the same-origin check applied to upgrades.
func WithCheckOrigin(check func(*http.Request) bool) Option {
	return func(h *Handler) {
		h.upgrader.CheckOrigin = check
	}
}

// WithReadLimit caps the size of one inbound frame on accepted connections.
func WithReadLimit(limit int64) Option {
	return func(h *Handler) {
		h.readLimit = limit
	}
}

// Handler is an http.Handler that upgrades requests and queues the
// resulting connections for Accept. It implements transport.Listener, so it
// can be mounted on an existing mux and passed to runtime.Serve.
type Handler struct {
	upgrader  websocket.Upgrader
	readLimit int64
	addr      string
	conns     chan *Conn
	once      sync.Once
	closed    chan struct{}
}

// NewHandler creates a Handler.
func NewHandler(opts ...Option) *Handler {
	h := &Handler{
		readLimit: DefaultReadLimit,
		conns:     make(chan *Conn),
		closed:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.closed:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	ws.SetReadLimit(h.readLimit)
	conn := NewConn(ws, r.Header.Clone(), r.RemoteAddr)

	select {
	case h.conns <- conn:
	case <-h.closed:
		_ = conn.Close()
	}
}

func (h *Handler) Accept(ctx context.Context) (transport.Conn, error) {
	select {
	case conn := <-h.conns:
		return conn, nil
	case <-h.closed:
		return nil, transport.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (h *Handler) Addr() string {
	return h.addr
}

// Close stops handing out connections. Established connections stay open.
func (h *Handler) Close() error {
	h.once.Do(func() { close(h.closed) })
	return nil
}

// Listener serves one Handler on its own HTTP server.
type Listener struct {
	*Handler
	server *http.Server
}

// Listen starts an HTTP server for addr, a ws:// URL whose path is the
// upgrade endpoint. Port 0 picks a free port; Addr reports the bound one.
func Listen(_ context.Context, addr string) (transport.Listener, error) {
	parsed, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("websocket: parse listen address: %w", err)
	}
	path := parsed.Path
	if path == "" {
		path = "/"
	}

	ln, err := net.Listen("tcp", parsed.Host)
	if err != nil {
		return nil, fmt.Errorf("websocket: listen %s: %w", parsed.Host, err)
	}

	handler := NewHandler()
	handler.addr = Scheme + "://" + ln.Addr().String() + path

	mux := http.NewServeMux()
	mux.Handle(path, handler)
	l := &Listener{
		Handler: handler,
		server: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
	go func() { _ = l.server.Serve(ln) }()
	return l, nil
}

// Close stops the HTTP server and the accept queue.
func (l *Listener) Close() error {
	_ = l.Handler.Close()
	if err := l.server.Close(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Conn adapts a gorilla connection to transport.Conn. Writes are
// serialized; reads must come from one goroutine.
type Conn struct {
	ws      *websocket.Conn
	header  http.Header
	remote  string
	writeMu sync.Mutex
	once    sync.Once
}

// NewConn wraps an established WebSocket connection.
func NewConn(ws *websocket.Conn, header http.Header, remote string) *Conn {
	if header == nil {
		header = http.Header{}
	}
	return &Conn{ws: ws, header: header, remote: remote}
}

// ReadMessage blocks until a frame arrives. Cancelling ctx fails the
// underlying connection.
func (c *Conn) ReadMessage(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	stop := context.AfterFunc(ctx, func() {
		_ = c.ws.SetReadDeadline(time.Now())
	})
	defer stop()

	_, data, err := c.ws.ReadMessage()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, connError(err)
	}
	return data, nil
}

func (c *Conn) WriteMessage(ctx context.Context, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline, _ := ctx.Deadline()
	_ = c.ws.SetWriteDeadline(deadline)
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return connError(err)
	}
	return nil
}

func (c *Conn) Header() http.Header {
	return c.header
}

func (c *Conn) RemoteAddr() string {
	return c.remote
}

// Close sends a normal closure frame and closes the socket.
func (c *Conn) Close() error {
	var err error
	c.once.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGracePeriod))
		err = c.ws.Close()
		if errors.Is(err, net.ErrClosed) {
			err = nil
		}
	})
	return err
}

func connError(err error) error {
	var closeErr *websocket.CloseError
	switch {
	case errors.As(err, &closeErr),
		errors.Is(err, websocket.ErrCloseSent),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF):
		return fmt.Errorf("%w: %v", transport.ErrClosed, err)
	}
	return err
}
