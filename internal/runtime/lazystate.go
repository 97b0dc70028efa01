package runtime

import (
	"context"
	"iter"
	"sync"
	"time"
)

// DefaultLazyStateDelay is the minimum pause between two refreshes.
const DefaultLazyStateDelay = time.Second / 30

// LazyState holds a value that is recomputed on demand and streamed to
// whoever watches it. Refreshes only run while at least one stream is open,
// and at most once per delay.
type LazyState[T any] struct {
	get   func(ctx context.Context) (T, error)
	delay time.Duration

	mu          sync.Mutex
	always      bool
	needsUpdate bool
	generation  uint64
	waiting     bool
	subscribers int
	value       T
	changed     chan struct{}
}

// NewLazyState returns a LazyState that computes its value with get.
func NewLazyState[T any](get func(ctx context.Context) (T, error)) *LazyState[T] {
	return &LazyState[T]{
		get:     get,
		delay:   DefaultLazyStateDelay,
		changed: make(chan struct{}),
	}
}

// WithDelay sets the minimum pause between refreshes.
func (l *LazyState[T]) WithDelay(d time.Duration) *LazyState[T] {
	l.mu.Lock()
	defer l.mu.Unlock()
	if d > 0 {
		l.delay = d
	}
	return l
}

// AlwaysNeedsUpdate makes the state refresh continuously while watched.
func (l *LazyState[T]) AlwaysNeedsUpdate() *LazyState[T] {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.always = true
	return l
}

// SetNeedsUpdate marks the value stale; watchers get the recomputed value
// after the delay.
func (l *LazyState[T]) SetNeedsUpdate() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.needsUpdate = true
	l.generation++
	l.scheduleLocked()
}

// Send publishes value to the watchers without recomputing.
func (l *LazyState[T]) Send(value T) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.publishLocked(value)
}

// Watchers returns the number of open streams.
func (l *LazyState[T]) Watchers() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.subscribers
}

// Values streams the current value followed by every later change until
// ctx ends or the consumer stops. It fits a StreamHandler directly.
func (l *LazyState[T]) Values(ctx context.Context) iter.Seq2[any, error] {
	return func(yield func(any, error) bool) {
		l.subscribe()
		defer l.unsubscribe()

		value, err := l.get(ctx)
		if err != nil {
			yield(nil, err)
			return
		}
		for {
			l.mu.Lock()
			changed := l.changed
			l.mu.Unlock()

			if !yield(value, nil) {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-changed:
			}

			l.mu.Lock()
			value = l.value
			l.mu.Unlock()
		}
	}
}

func (l *LazyState[T]) subscribe() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.subscribers++
	if l.subscribers == 1 {
		l.scheduleLocked()
	}
}

func (l *LazyState[T]) unsubscribe() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.subscribers > 0 {
		l.subscribers--
	}
}

func (l *LazyState[T]) publishLocked(value T) {
	l.needsUpdate = false
	l.value = value
	close(l.changed)
	l.changed = make(chan struct{})
}

func (l *LazyState[T]) scheduleLocked() {
	if l.subscribers == 0 || (!l.always && !l.needsUpdate) || l.waiting {
		return
	}
	l.waiting = true
	time.AfterFunc(l.delay, l.refresh)
}

// refresh recomputes the value. A SetNeedsUpdate that lands while get is
// running marks the published value stale again.
func (l *LazyState[T]) refresh() {
	l.mu.Lock()
	if l.subscribers == 0 || (!l.always && !l.needsUpdate) {
		l.waiting = false
		l.mu.Unlock()
		return
	}
	generation := l.generation
	l.mu.Unlock()

	value, err := l.get(context.Background())

	l.mu.Lock()
	defer l.mu.Unlock()
	l.waiting = false
	if err != nil {
		return
	}
	l.publishLocked(value)
	if l.generation != generation {
		l.needsUpdate = true
	}
	l.scheduleLocked()
}
