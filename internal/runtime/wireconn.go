package runtime

import (
	"context"
	"errors"
	"sync/atomic"

	loggingpkg "github.com/drblury/duplexflow/internal/runtime/logging"
	"github.com/drblury/duplexflow/internal/runtime/message"
	"github.com/drblury/duplexflow/transport"
)

// wireConnection is the server-side Connection over a transport.Conn. It
// writes every message straight away, so there is nothing to retract.
type wireConnection struct {
	*TopicListeners

	ctx    context.Context
	conn   transport.Conn
	logger loggingpkg.Logger
	seq    atomic.Uint64
}

func newWireConnection(ctx context.Context, conn transport.Conn, logger loggingpkg.Logger) *wireConnection {
	return &wireConnection{
		TopicListeners: NewTopicListeners(),
		ctx:            ctx,
		conn:           conn,
		logger:         logger,
	}
}

func (w *wireConnection) Send(msg *message.Message) uint64 {
	w.write(msg)
	return w.seq.Add(1)
}

func (w *wireConnection) Sent(uint64) {}

func (w *wireConnection) Cancel(uint64) bool {
	return false
}

func (w *wireConnection) Notify(msg *message.Message) {
	w.write(msg)
}

func (w *wireConnection) Stop() {
	if err := w.conn.Close(); err != nil && !errors.Is(err, transport.ErrClosed) {
		w.logger.Debug("Closing connection failed", loggingpkg.LogFields{"error": err.Error()})
	}
}

func (w *wireConnection) write(msg *message.Message) {
	data, err := message.Encode(msg)
	if err != nil {
		w.logger.Error("Failed to encode message", err, loggingpkg.LogFields{"message": msg.String()})
		return
	}
	if err := w.conn.WriteMessage(w.ctx, data); err != nil {
		if errors.Is(err, transport.ErrClosed) || errors.Is(err, context.Canceled) {
			return
		}
		w.logger.Error("Failed to write message", err, loggingpkg.LogFields{"remote": w.conn.RemoteAddr()})
	}
}
