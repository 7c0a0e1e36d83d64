// Package correlator matches responses to requests over an asynchronous
// transport. Every request gets an id from the correlator's own monotonic id
// space and resolves exactly once: with the matching reply, with a timeout,
// or with the error that prevented it from being sent.
package correlator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

var (
	ErrTimeout = errors.New("correlator: request timed out")
	ErrClosed  = errors.New("correlator: closed")
)

// DefaultTimeout applies when a request is issued without a positive timeout.
const DefaultTimeout = 5 * time.Second

type Correlator[T any] struct {
	clock clock.Clock

	mu      sync.Mutex
	lastID  uint64
	pending map[uint64]*Future[T]
	closed  bool
}

// New returns a correlator whose timers run on clk (the wall clock when nil).
func New[T any](clk clock.Clock) *Correlator[T] {
	if clk == nil {
		clk = clock.New()
	}
	return &Correlator[T]{
		clock:   clk,
		pending: make(map[uint64]*Future[T]),
	}
}

// Request registers a new pending request and hands its id to send. The
// future resolves with the reply passed to Resolve, with ErrTimeout once
// timeout elapses, or with the error returned by send.
func (c *Correlator[T]) Request(timeout time.Duration, send func(id uint64) error) *Future[T] {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		f := newFuture[T](0)
		var zero T
		f.resolve(zero, ErrClosed)
		return f
	}
	c.lastID++
	id := c.lastID
	f := newFuture[T](id)
	c.pending[id] = f
	f.timer = c.clock.AfterFunc(timeout, func() {
		var zero T
		c.complete(id, zero, ErrTimeout)
	})
	c.mu.Unlock()

	if err := send(id); err != nil {
		var zero T
		c.complete(id, zero, err)
	}
	return f
}

// Resolve completes the request with the given id. It reports false when the
// id is unknown, which is the case for late replies to expired requests.
func (c *Correlator[T]) Resolve(id uint64, v T) bool {
	return c.complete(id, v, nil)
}

// Reject completes the request with the given id with err.
func (c *Correlator[T]) Reject(id uint64, err error) bool {
	var zero T
	return c.complete(id, zero, err)
}

// Pending returns the number of unresolved requests.
func (c *Correlator[T]) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close rejects every pending request with ErrClosed. Requests issued after
// Close fail immediately.
func (c *Correlator[T]) Close() {
	c.mu.Lock()
	c.closed = true
	pending := c.pending
	c.pending = make(map[uint64]*Future[T])
	c.mu.Unlock()

	var zero T
	for _, f := range pending {
		f.timer.Stop()
		f.resolve(zero, ErrClosed)
	}
}

func (c *Correlator[T]) complete(id uint64, v T, err error) bool {
	c.mu.Lock()
	f, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	f.timer.Stop()
	f.resolve(v, err)
	return true
}

// Future is the eventual outcome of one request.
type Future[T any] struct {
	id    uint64
	timer *clock.Timer
	done  chan struct{}
	value T
	err   error
}

func newFuture[T any](id uint64) *Future[T] {
	return &Future[T]{id: id, done: make(chan struct{})}
}

// ID is the correlation id the request was sent with.
func (f *Future[T]) ID() uint64 { return f.id }

// Done is closed once the future has resolved.
func (f *Future[T]) Done() <-chan struct{} { return f.done }

// Result blocks until the future resolves.
func (f *Future[T]) Result() (T, error) {
	<-f.done
	return f.value, f.err
}

// Await blocks until the future resolves or ctx is done. Giving up on ctx
// does not cancel the request; it still resolves or times out on its own.
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func (f *Future[T]) resolve(v T, err error) {
	f.value = v
	f.err = err
	close(f.done)
}
