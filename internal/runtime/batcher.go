package runtime

import (
	"context"
	"errors"
	"sync"
	"time"

	loggingpkg "github.com/drblury/duplexflow/internal/runtime/logging"
	"github.com/drblury/duplexflow/internal/runtime/message"
	"github.com/drblury/duplexflow/transport"
)

const (
	DefaultBatchWarmWindow = 10 * time.Millisecond
	DefaultBatchThreshold  = 4000
	DefaultBatchFlushDelay = time.Millisecond
)

// BatchConfig tunes the adaptive write batching of the client adapter.
type BatchConfig struct {
	// WarmWindow is how long a burst is counted after the first write.
	WarmWindow time.Duration
	// Threshold is the number of writes within one window above which
	// writes start to be coalesced.
	Threshold int
	// FlushDelay is how long coalesced writes are collected.
	FlushDelay time.Duration
	// Disabled writes every message on its own.
	Disabled bool
}

func (cfg BatchConfig) withDefaults() BatchConfig {
	if cfg.WarmWindow <= 0 {
		cfg.WarmWindow = DefaultBatchWarmWindow
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultBatchThreshold
	}
	if cfg.FlushDelay <= 0 {
		cfg.FlushDelay = DefaultBatchFlushDelay
	}
	return cfg
}

type batchState int

const (
	batchIdle batchState = iota
	batchWarm
	batchCoalescing
	batchThrottled
)

func (s batchState) String() string {
	switch s {
	case batchIdle:
		return "idle"
	case batchWarm:
		return "warm"
	case batchCoalescing:
		return "coalescing"
	case batchThrottled:
		return "throttled"
	default:
		return "unknown"
	}
}

// afterFunc schedules f and returns a function that cancels it.
type afterFunc func(d time.Duration, f func()) (stop func() bool)

func realAfterFunc(d time.Duration, f func()) func() bool {
	return time.AfterFunc(d, f).Stop
}

// batcher decides per write whether a message goes out on its own or is
// coalesced with its neighbours:
//
//	idle       -> write, arm the warm window, become warm
//	warm       -> write and count; when the window ends, throttled if the
//	              count exceeded the threshold, idle otherwise
//	throttled  -> write, arm the flush timer, become coalescing
//	coalescing -> queue; the flush writes the queue as one frame and goes
//	              back to throttled, or to idle when nothing was queued
//
// Writes happen under the batcher lock so frames keep their order.
type batcher struct {
	ctx     context.Context
	cfg     BatchConfig
	after   afterFunc
	logger  loggingpkg.Logger
	metrics *Metrics

	mu    sync.Mutex
	conn  transport.Conn
	gen   uint64
	state batchState
	count int
	queue []*message.Message
	stop  func() bool
}

func newBatcher(ctx context.Context, cfg BatchConfig, logger loggingpkg.Logger, metrics *Metrics) *batcher {
	return &batcher{
		ctx:     ctx,
		cfg:     cfg.withDefaults(),
		after:   realAfterFunc,
		logger:  logger,
		metrics: metrics,
	}
}

// attach starts writing to conn from a clean idle state.
func (b *batcher) attach(conn transport.Conn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resetLocked()
	b.conn = conn
}

// detach drops the connection together with anything still queued.
func (b *batcher) detach() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resetLocked()
	b.conn = nil
}

func (b *batcher) resetLocked() {
	b.gen++
	if b.stop != nil {
		b.stop()
		b.stop = nil
	}
	b.state = batchIdle
	b.count = 0
	b.queue = nil
}

func (b *batcher) send(msg *message.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.conn == nil {
		return
	}
	if b.cfg.Disabled {
		b.writeLocked(msg)
		return
	}

	switch b.state {
	case batchIdle:
		b.writeLocked(msg)
		b.state = batchWarm
		b.count = 1
		b.armLocked(b.cfg.WarmWindow, b.warmExpired)
	case batchWarm:
		b.writeLocked(msg)
		b.count++
	case batchThrottled:
		b.writeLocked(msg)
		b.state = batchCoalescing
		b.armLocked(b.cfg.FlushDelay, b.flush)
	case batchCoalescing:
		b.queue = append(b.queue, msg)
	}
}

func (b *batcher) armLocked(d time.Duration, fire func(gen uint64)) {
	gen := b.gen
	b.stop = b.after(d, func() { fire(gen) })
}

func (b *batcher) warmExpired(gen uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if gen != b.gen || b.state != batchWarm {
		return
	}
	b.stop = nil
	if b.count > b.cfg.Threshold {
		b.state = batchThrottled
	} else {
		b.state = batchIdle
	}
	b.count = 0
}

func (b *batcher) flush(gen uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if gen != b.gen || b.state != batchCoalescing {
		return
	}
	b.stop = nil
	if len(b.queue) == 0 {
		b.state = batchIdle
		return
	}
	queued := b.queue
	b.queue = nil
	b.state = batchThrottled

	data, err := message.EncodeBatch(queued)
	if err != nil {
		b.logger.Error("Failed to encode batch", err, loggingpkg.LogFields{"size": len(queued)})
		return
	}
	b.writeFrameLocked(data)
	b.metrics.batchFlushed(len(queued))
}

func (b *batcher) writeLocked(msg *message.Message) {
	data, err := message.Encode(msg)
	if err != nil {
		b.logger.Error("Failed to encode message", err, loggingpkg.LogFields{"message": msg.String()})
		return
	}
	b.writeFrameLocked(data)
}

func (b *batcher) writeFrameLocked(data []byte) {
	if err := b.conn.WriteMessage(b.ctx, data); err != nil {
		if errors.Is(err, transport.ErrClosed) || errors.Is(err, context.Canceled) {
			return
		}
		// The read loop notices the broken connection and reconnects.
		b.logger.Debug("Write failed", loggingpkg.LogFields{"error": err.Error()})
	}
}

func (b *batcher) currentState() batchState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
