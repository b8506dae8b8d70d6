// Package looper provides a single-goroutine FIFO executor. A Looper owns
// whatever state its posted functions touch, so callers never share that state
// directly.
package looper

import (
	"context"
	"errors"
	"sync"

	"pkt.systems/pslog"
)

// ErrClosed is returned when work is posted to a closed Looper.
var ErrClosed = errors.New("looper closed")

// Looper runs posted functions one at a time, in post order.
type Looper struct {
	name string
	log  pslog.Logger

	mu     sync.Mutex
	queue  []func()
	closed bool

	wake    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

// New starts a Looper.
func New(name string) *Looper {
	return NewWithLogger(name, nil)
}

// NewWithLogger starts a Looper with logging.
func NewWithLogger(name string, logger pslog.Logger) *Looper {
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	l := &Looper{
		name:    name,
		log:     logger.With("looper", name),
		queue:   make([]func(), 0, 16),
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}
	go l.run()
	return l
}

// Name returns the looper name.
func (l *Looper) Name() string { return l.name }

// Post queues fn. It never blocks; the queue grows as needed.
func (l *Looper) Post(fn func()) error {
	if fn == nil {
		return nil
	}
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		l.log.Debug("looper post rejected", "reason", "closed")
		return ErrClosed
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
	return nil
}

// Flush waits until everything posted before the call has run.
func (l *Looper) Flush(ctx context.Context) error {
	done := make(chan struct{})
	if err := l.Post(func() { close(done) }); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close rejects new work and lets the worker exit once the queue is drained.
// It does not wait; use Done for that.
func (l *Looper) Close() {
	l.once.Do(func() {
		l.mu.Lock()
		l.closed = true
		l.mu.Unlock()
		select {
		case l.wake <- struct{}{}:
		default:
		}
	})
}

// Done is closed after the worker has exited.
func (l *Looper) Done() <-chan struct{} {
	return l.stopped
}

func (l *Looper) run() {
	defer close(l.stopped)
	for range l.wake {
		for {
			l.mu.Lock()
			if len(l.queue) == 0 {
				closed := l.closed
				l.mu.Unlock()
				if closed {
					return
				}
				break
			}
			fn := l.queue[0]
			l.queue[0] = nil
			l.queue = l.queue[1:]
			l.mu.Unlock()
			l.invoke(fn)
		}
	}
}

func (l *Looper) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("looper task panicked", "panic", r)
		}
	}()
	fn()
}
