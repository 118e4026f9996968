package offlinegw

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Task is the result of work started by an event handler. The host awaits it
// before moving on.
type Task struct {
	done chan struct{}
	err  error
}

// Go runs fn in its own goroutine and returns its task.
func Go(ctx context.Context, fn func(ctx context.Context) error) *Task {
	t := &Task{done: make(chan struct{})}
	go func() {
		defer close(t.done)
		t.err = fn(ctx)
	}()
	return t
}

// Resolved returns a task that has already settled with err.
func Resolved(err error) *Task {
	t := &Task{done: make(chan struct{}), err: err}
	close(t.done)
	return t
}

// Done is closed once the task has settled.
func (t *Task) Done() <-chan struct{} { return t.done }

// Wait blocks until the task settles or ctx ends.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitAll waits for every task and returns the first error among them. It is
// bounded by ctx, never by the slowest task.
func WaitAll(ctx context.Context, tasks ...*Task) error {
	var g errgroup.Group
	for _, t := range tasks {
		if t == nil {
			continue
		}
		g.Go(func() error { return t.Wait(ctx) })
	}
	return g.Wait()
}

// lifetime tracks detached background work (cache writes) so shutdown and
// tests can wait for it to settle. Work added after close is dropped.
type lifetime struct {
	mu     sync.Mutex
	wg     sync.WaitGroup
	closed bool
}

func (l *lifetime) extend(fn func()) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.wg.Add(1)
	l.mu.Unlock()

	go func() {
		defer l.wg.Done()
		fn()
	}()
	return true
}

// settle waits for everything extended so far, or until ctx ends.
func (l *lifetime) settle(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *lifetime) close(ctx context.Context) error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	return l.settle(ctx)
}
