// Package eventloop provides the single control goroutine that owns all
// session state. Input hooks, socket readers and timers run elsewhere and
// marshal their callbacks onto the loop with Post, so state touched only
// from loop tasks needs no locking.
package eventloop

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ErrStopped is returned by Call when the loop is not running.
var ErrStopped = errors.New("eventloop: stopped")

// Loop runs posted tasks one at a time, in order.
type Loop struct {
	mu      sync.Mutex
	queue   []func()
	wake    chan struct{}
	stopped bool
	done    chan struct{}
	log     *zap.Logger
}

// New creates a loop. It does nothing until Run is called.
func New(log *zap.Logger) *Loop {
	if log == nil {
		log = zap.NewNop()
	}
	return &Loop{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
		log:  log,
	}
}

// Run executes tasks until ctx is cancelled. Tasks still queued at that point
// are discarded. A panicking task is logged and does not stop the loop.
func (l *Loop) Run(ctx context.Context) error {
	defer func() {
		l.mu.Lock()
		l.stopped = true
		l.queue = nil
		l.mu.Unlock()
		close(l.done)
	}()

	for {
		for {
			task, ok := l.next()
			if !ok {
				break
			}
			if ctx.Err() != nil {
				return nil
			}
			l.run(task)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-l.wake:
		}
	}
}

// Done is closed once Run has returned.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Post queues fn to run on the loop. It never blocks, so it is safe to call
// from inside a loop task. Returns false if the loop has stopped.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Call runs fn on the loop and waits for its result. It must not be called
// from a loop task: the task would wait on itself.
func (l *Loop) Call(ctx context.Context, fn func() error) error {
	result := make(chan error, 1)
	if !l.Post(func() { result <- fn() }) {
		return ErrStopped
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		return ErrStopped
	}
}

// AfterFunc runs fn on the loop once d has elapsed. Calling the returned
// cancel from a loop task guarantees fn never runs, even if the timer has
// already fired and its task is waiting in the queue.
func (l *Loop) AfterFunc(d time.Duration, fn func()) (cancel func()) {
	var cancelled atomic.Bool
	t := time.AfterFunc(d, func() {
		l.Post(func() {
			if !cancelled.Load() {
				fn()
			}
		})
	})
	return func() {
		cancelled.Store(true)
		t.Stop()
	}
}

// Every runs fn on the loop each period until cancelled. The cancel
// guarantee is the same as for AfterFunc.
func (l *Loop) Every(period time.Duration, fn func()) (cancel func()) {
	var cancelled atomic.Bool
	stop := make(chan struct{})
	ticker := time.NewTicker(period)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-l.done:
				return
			case <-ticker.C:
				l.Post(func() {
					if !cancelled.Load() {
						fn()
					}
				})
			}
		}
	}()

	var once sync.Once
	return func() {
		cancelled.Store(true)
		once.Do(func() { close(stop) })
	}
}

func (l *Loop) next() (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue) == 0 {
		return nil, false
	}
	task := l.queue[0]
	l.queue[0] = nil
	l.queue = l.queue[1:]
	return task, true
}

func (l *Loop) run(task func()) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("control loop task panicked", zap.Any("panic", r))
		}
	}()
	task()
}
