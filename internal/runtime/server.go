package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	configpkg "github.com/drblury/duplexflow/internal/runtime/config"
	errspkg "github.com/drblury/duplexflow/internal/runtime/errors"
	idspkg "github.com/drblury/duplexflow/internal/runtime/ids"
	jsoncodec "github.com/drblury/duplexflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/duplexflow/internal/runtime/logging"
	"github.com/drblury/duplexflow/transport"
)

// ServeOptions configure the server side of a connection.
type ServeOptions[S any] struct {
	// State builds the per-connection State. An error closes the connection
	// before anything is dispatched. Without it every connection starts from
	// the zero value of S.
	State func(ctx context.Context, conn transport.Conn) (S, error)
	// OnConnect runs once the connection is ready to dispatch.
	OnConnect func(state S, sender *Sender)
}

// Serve accepts connections from listener until ctx ends or the listener
// fails, serving each one on its own goroutine. It waits for open
// connections to finish before returning.
func Serve[S any](ctx context.Context, listener transport.Listener, ch *Channel[S], opts ServeOptions[S]) error {
	if listener == nil {
		return errspkg.ErrListenerRequired
	}
	if ch == nil {
		return errspkg.ErrChannelRequired
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		conn, err := listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, transport.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := ServeConn(ctx, conn, ch, opts); err != nil {
				ch.logger.Debug("Connection ended", loggingpkg.LogFields{"remote": conn.RemoteAddr(), "error": err.Error()})
			}
		}()
	}
}

// ServeConn runs one server connection until the transport fails or ctx
// ends. The connection is closed and its Endpoint torn down on return.
func ServeConn[S any](ctx context.Context, conn transport.Conn, ch *Channel[S], opts ServeOptions[S]) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer conn.Close()

	var state S
	if opts.State != nil {
		built, err := opts.State(ctx, conn)
		if err != nil {
			return fmt.Errorf("build connection state: %w", err)
		}
		state = built
	}

	logger := ch.logger.With(loggingpkg.LogFields{
		"connection": idspkg.NewConnectionID(),
		"remote":     conn.RemoteAddr(),
	})
	wire := newWireConnection(ctx, conn, logger)
	endpoint := NewEndpoint(ch, wire, state, wire.TopicListeners)
	defer endpoint.Close()

	// Closing the transport unblocks the read loop when ctx ends.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	logger.Debug("Connection opened", nil)
	if opts.OnConnect != nil {
		opts.OnConnect(state, endpoint.Sender())
	}
	return readLoop(ctx, conn, endpoint, logger)
}

func readLoop[S any](ctx context.Context, conn transport.Conn, endpoint *Endpoint[S], logger loggingpkg.Logger) error {
	for {
		data, err := conn.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, transport.ErrClosed) {
				return nil
			}
			return err
		}
		if err := endpoint.Receive(ctx, data); err != nil {
			logger.Error("Dropping undecodable frame", err, loggingpkg.LogFields{"size": len(data)})
		}
	}
}

// Server hosts a Channel on a listener together with the HTTP side
// endpoints: Prometheus metrics and the route table.
type Server[S any] struct {
	Conf   *configpkg.Config
	Logger loggingpkg.Logger

	channel *Channel[S]
	options ServeOptions[S]

	httpServers   map[int]*http.ServeMux
	httpServersMu sync.Mutex
}

// NewServer prepares a Server. When metrics are enabled in conf, /metrics
// and /routes are served on the metrics port.
func NewServer[S any](conf *configpkg.Config, logger loggingpkg.Logger, ch *Channel[S], opts ServeOptions[S]) *Server[S] {
	if logger == nil {
		logger = ch.logger
	}
	logger.Info("Creating duplexflow server", loggingpkg.LogFields{"config": conf})

	s := &Server[S]{
		Conf:    conf,
		Logger:  logger,
		channel: ch,
		options: opts,
	}
	if conf != nil && conf.MetricsEnabled && conf.MetricsPort > 0 {
		s.RegisterHTTPHandler(conf.MetricsPort, "/metrics", promhttp.Handler())
		s.RegisterHTTPHandler(conf.MetricsPort, "/routes", http.HandlerFunc(s.handleGetRoutes))
	}
	return s
}

// Channel returns the hosted registry.
func (s *Server[S]) Channel() *Channel[S] {
	return s.channel
}

func (s *Server[S]) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	if s.httpServers == nil {
		s.httpServers = make(map[int]*http.ServeMux)
	}

	mux, ok := s.httpServers[port]
	if !ok {
		mux = http.NewServeMux()
		s.httpServers[port] = mux
	}

	mux.Handle(pattern, handler)
}

// Start serves listener until ctx is cancelled.
func (s *Server[S]) Start(ctx context.Context, listener transport.Listener) error {
	s.startHTTPServers(ctx)
	s.Logger.Info("Serving connections", loggingpkg.LogFields{"address": listener.Addr()})
	return Serve(ctx, listener, s.channel, s.options)
}

func (s *Server[S]) startHTTPServers(ctx context.Context) {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	for port, mux := range s.httpServers {
		srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}
		s.Logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": srv.Addr})
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.Logger.Error("Failed to start HTTP server", err, loggingpkg.LogFields{"address": srv.Addr})
			}
		}()
		context.AfterFunc(ctx, func() { _ = srv.Close() })
	}
}

func (s *Server[S]) handleGetRoutes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := jsoncodec.Encode(w, s.channel.Routes()); err != nil {
		s.Logger.Error("Failed to encode routes", err, nil)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}
