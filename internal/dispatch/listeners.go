package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/openmined/treemirror/internal/queue"
)

const defaultQueueSize = 256

// OverflowPolicy decides what Publish does when the queue is full.
type OverflowPolicy int

const (
	// OverflowBlock makes Publish wait for room. No event is ever dropped.
	OverflowBlock OverflowPolicy = iota
	// OverflowDropOldest discards the oldest queued event to make room.
	OverflowDropOldest
)

func (p OverflowPolicy) String() string {
	switch p {
	case OverflowBlock:
		return "block"
	case OverflowDropOldest:
		return "drop_oldest"
	default:
		return "unknown"
	}
}

// ParseOverflowPolicy parses "block" or "drop_oldest".
func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch s {
	case "", "block":
		return OverflowBlock, nil
	case "drop_oldest", "drop-oldest":
		return OverflowDropOldest, nil
	default:
		return 0, fmt.Errorf("dispatch: unknown overflow policy %q", s)
	}
}

type options struct {
	name      string
	ctx       context.Context
	executor  Executor
	queueSize int
	overflow  OverflowPolicy
	onError   ErrorHandler
}

// Option configures Listeners.
type Option func(*options)

// WithName labels log lines and errors.
func WithName(name string) Option {
	return func(o *options) {
		o.name = name
	}
}

// WithContext sets the context passed to listeners.
func WithContext(ctx context.Context) Option {
	return func(o *options) {
		o.ctx = ctx
	}
}

// WithExecutor selects where listeners run. Default is Inline.
func WithExecutor(e Executor) Option {
	return func(o *options) {
		o.executor = e
	}
}

// WithQueueSize bounds the number of undelivered events.
func WithQueueSize(n int) Option {
	return func(o *options) {
		o.queueSize = n
	}
}

// WithOverflow selects the policy applied when the queue is full.
func WithOverflow(p OverflowPolicy) Option {
	return func(o *options) {
		o.overflow = p
	}
}

// WithErrorHandler replaces the default handler, which logs the failure.
func WithErrorHandler(h ErrorHandler) Option {
	return func(o *options) {
		o.onError = h
	}
}

func logCallbackError(err *CallbackError) {
	slog.Error("dispatch listener failed", "name", err.Name, "listener", err.ListenerID, "error", err.Err)
}

type registration[T any] struct {
	id       ID
	listener Listener[T]
}

// Stats are point-in-time counters.
type Stats struct {
	Published int64 `json:"published"`
	Delivered int64 `json:"delivered"`
	Failed    int64 `json:"failed"`
	Dropped   int64 `json:"dropped"`
}

// Listeners is a set of listeners fed from one ordered event stream.
type Listeners[T any] struct {
	opts options

	mu        sync.Mutex
	room      *sync.Cond // signalled when the queue shrinks or draining stops
	pending   *queue.FIFO[T]
	listeners []registration[T] // copy-on-write
	draining  bool
	closed    bool

	published atomic.Int64
	delivered atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
}

// New returns an empty set of listeners.
func New[T any](opts ...Option) *Listeners[T] {
	o := options{
		name:      "listeners",
		ctx:       context.Background(),
		executor:  Inline(),
		queueSize: defaultQueueSize,
		overflow:  OverflowBlock,
		onError:   logCallbackError,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.queueSize < 1 {
		o.queueSize = 1
	}

	l := &Listeners[T]{
		opts:    o,
		pending: queue.NewFIFO[T](min(o.queueSize, defaultQueueSize)),
	}
	l.room = sync.NewCond(&l.mu)
	return l
}

// Register adds a listener and returns its id.
func (l *Listeners[T]) Register(listener Listener[T]) ID {
	id := newID()

	l.mu.Lock()
	defer l.mu.Unlock()

	next := slices.Clone(l.listeners)
	l.listeners = append(next, registration[T]{id: id, listener: listener})
	return id
}

// RegisterFunc adds a function listener and returns its id.
func (l *Listeners[T]) RegisterFunc(fn func(ctx context.Context, event T) error) ID {
	return l.Register(ListenerFunc[T](fn))
}

// Unregister removes a listener. An event already being delivered to it is not
// recalled. It reports whether the id was registered.
func (l *Listeners[T]) Unregister(id ID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	idx := slices.IndexFunc(l.listeners, func(r registration[T]) bool { return r.id == id })
	if idx < 0 {
		return false
	}
	l.listeners = slices.Delete(slices.Clone(l.listeners), idx, idx+1)
	return true
}

// Len returns the number of registered listeners.
func (l *Listeners[T]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.listeners)
}

// Stats returns delivery counters.
func (l *Listeners[T]) Stats() Stats {
	return Stats{
		Published: l.published.Load(),
		Delivered: l.delivered.Load(),
		Failed:    l.failed.Load(),
		Dropped:   l.dropped.Load(),
	}
}

// Publish queues event for delivery. It reports false once Close was called.
func (l *Listeners[T]) Publish(event T) bool {
	l.mu.Lock()
	for !l.closed && l.pending.Len() >= l.opts.queueSize {
		if l.opts.overflow == OverflowDropOldest {
			l.pending.Pop()
			dropped := l.dropped.Add(1)
			slog.Warn("dispatch dropped", "name", l.opts.name, "reason", "queue full", "dropped", dropped)
			continue
		}
		l.room.Wait()
	}
	if l.closed {
		l.mu.Unlock()
		return false
	}

	l.pending.Push(event)
	l.published.Add(1)
	start := !l.draining
	l.draining = true
	l.mu.Unlock()

	if start {
		l.opts.executor.Execute(l.drain)
	}
	return true
}

// drain delivers queued events one at a time until the queue is empty.
func (l *Listeners[T]) drain() {
	for {
		l.mu.Lock()
		event, ok := l.pending.Pop()
		if !ok {
			l.draining = false
			l.room.Broadcast()
			l.mu.Unlock()
			return
		}
		listeners := l.listeners
		l.room.Broadcast()
		l.mu.Unlock()

		for _, reg := range listeners {
			l.deliver(reg, event)
		}
	}
}

func (l *Listeners[T]) deliver(reg registration[T], event T) {
	err := l.invoke(reg, event)
	if err == nil {
		l.delivered.Add(1)
		return
	}

	l.failed.Add(1)
	l.opts.onError(&CallbackError{
		Name:       l.opts.name,
		ListenerID: reg.id,
		Event:      event,
		Err:        err,
	})
}

func (l *Listeners[T]) invoke(reg registration[T], event T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("listener panic: %v", r)
		}
	}()
	return reg.listener.OnEvent(l.opts.ctx, event)
}

// Close stops accepting events and waits until queued events are delivered.
// It does not interrupt a listener that is running.
func (l *Listeners[T]) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.closed = true
	l.room.Broadcast()
	for l.draining {
		l.room.Wait()
	}
}
