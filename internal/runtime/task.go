package runtime

import (
	"context"
	"fmt"
	"sync"
)

// Task is handed to every call and stream invocation. Handlers register
// cleanup with OnCancel; the actions run, in registration order, when the
// caller cancels the invocation before it finishes.
type Task struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	actions   []func()
	cancelled bool
}

func newTask(parent context.Context) *Task {
	ctx, cancel := context.WithCancel(parent)
	return &Task{ctx: ctx, cancel: cancel}
}

// Context is cancelled once the invocation is cancelled or finished.
func (t *Task) Context() context.Context {
	return t.ctx
}

// OnCancel registers an action. Registering on an already cancelled task
// runs the action right away.
func (t *Task) OnCancel(action func()) {
	if action == nil {
		return
	}
	t.mu.Lock()
	if t.cancelled {
		t.mu.Unlock()
		runAction(action)
		return
	}
	t.actions = append(t.actions, action)
	t.mu.Unlock()
}

// Cancelled reports whether the invocation was cancelled.
func (t *Task) Cancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

// cancelTask runs every registered action once. It returns the panics
// recovered from individual actions.
func (t *Task) cancelTask() []error {
	t.mu.Lock()
	if t.cancelled {
		t.mu.Unlock()
		return nil
	}
	t.cancelled = true
	actions := t.actions
	t.actions = nil
	t.mu.Unlock()

	t.cancel()

	var errs []error
	for _, action := range actions {
		if err := runAction(action); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// finish releases the task context after a normal completion.
func (t *Task) finish() {
	t.cancel()
}

func runAction(action func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cancel action panicked: %v", r)
		}
	}()
	action()
	return nil
}
