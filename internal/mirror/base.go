package mirror

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/openmined/treemirror/internal/dispatch"
	"github.com/openmined/treemirror/internal/session"
	"github.com/openmined/treemirror/internal/znode"
)

var (
	ErrAlreadyStarted = errors.New("mirror: already started")
	ErrStopped        = errors.New("mirror: stopped")
)

// retryDelay spaces out retries after a failure that is not a connection problem.
const retryDelay = time.Second

// base holds the lifecycle shared by both mirror kinds.
type base struct {
	kind string
	sess session.Session
	path znode.Path
	opts options

	listeners *dispatch.Listeners[ChangeEvent]

	state atomic.Int32

	lifeMu  sync.Mutex
	started bool
	stopped bool
	ctx     context.Context
	cancel  context.CancelFunc

	done     chan struct{}
	doneOnce sync.Once
	synced   chan struct{}
	syncOnce sync.Once

	errMu sync.Mutex
	err   error
}

func newBase(kind string, sess session.Session, path znode.Path, opts []Option) base {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	dopts := append([]dispatch.Option{dispatch.WithName(kind + " " + path.String())}, o.dispatch...)
	return base{
		kind:      kind,
		sess:      sess,
		path:      path,
		opts:      o,
		listeners: dispatch.New[ChangeEvent](dopts...),
		done:      make(chan struct{}),
		synced:    make(chan struct{}),
	}
}

// begin validates the session and binds the mirror lifetime to ctx.
func (b *base) begin(ctx context.Context) error {
	b.lifeMu.Lock()
	defer b.lifeMu.Unlock()

	switch {
	case b.stopped:
		return ErrStopped
	case b.started:
		return ErrAlreadyStarted
	}
	if st := b.sess.State(); st != session.StateConnected {
		err := &session.ConnectionError{Op: "start " + b.kind, Path: b.path, Err: session.StateErr(st)}
		b.stopped = true
		b.setErr(err)
		b.finish()
		return err
	}
	b.started = true
	b.ctx, b.cancel = context.WithCancel(ctx)
	return nil
}

// abort undoes begin when the initial sync fails.
func (b *base) abort(err error) {
	b.cancel()
	b.setErr(err)
	b.finish()
}

// Path returns the mirrored path.
func (b *base) Path() znode.Path {
	return b.path
}

// Listeners returns the listener set fed by the mirror.
func (b *base) Listeners() *dispatch.Listeners[ChangeEvent] {
	return b.listeners
}

// State returns the lifecycle state.
func (b *base) State() State {
	return State(b.state.Load())
}

// Synced is closed once the first full read completes.
func (b *base) Synced() <-chan struct{} {
	return b.synced
}

// Done is closed after the mirror stopped and its queued events were delivered. A
// mirror that failed to start or was stopped before Start is done right away.
func (b *base) Done() <-chan struct{} {
	return b.done
}

// Err returns the error that closed the mirror, if any.
func (b *base) Err() error {
	b.errMu.Lock()
	defer b.errMu.Unlock()
	return b.err
}

// Stop ends the mirror. It does not wait; use Done for that. Stop is idempotent and
// may be called from a listener. A mirror stopped before Start cannot be started.
func (b *base) Stop() {
	b.lifeMu.Lock()
	defer b.lifeMu.Unlock()

	b.stopped = true
	if b.cancel != nil {
		b.cancel()
		return
	}
	if !b.started {
		b.finish()
	}
}

func (b *base) setErr(err error) {
	b.errMu.Lock()
	defer b.errMu.Unlock()
	if b.err == nil {
		b.err = err
	}
}

func (b *base) setState(s State) {
	prev := State(b.state.Swap(int32(s)))
	if prev != s {
		slog.Debug("mirror state", "kind", b.kind, "path", b.path, "from", prev, "to", s)
	}
}

func (b *base) markSynced() {
	b.setState(Synced)
	b.syncOnce.Do(func() { close(b.synced) })
}

func (b *base) emit(ev ChangeEvent) {
	if !b.listeners.Publish(ev) {
		slog.Debug("mirror event after close", "path", ev.Path, "kind", ev.Kind)
	}
}

// finish closes the mirror. It runs on the mirror goroutine when it exits, or
// directly when the goroutine never started.
func (b *base) finish() {
	b.setState(Closed)
	b.listeners.Close()
	b.doneOnce.Do(func() { close(b.done) })
}

// recover waits until the mirror may resync after err. It returns false when the
// mirror has to close.
func (b *base) recover(err error) bool {
	if b.ctx.Err() != nil {
		return false
	}

	if session.IsPermanent(err) {
		slog.Warn("mirror closed", "kind", b.kind, "path", b.path, "error", err)
		b.setErr(err)
		return false
	}

	var lost *session.WatchLostError
	if !session.IsConnectionError(err) && !errors.As(err, &lost) {
		slog.Error("mirror read failed", "kind", b.kind, "path", b.path, "error", err)
		select {
		case <-time.After(retryDelay):
			return true
		case <-b.ctx.Done():
			return false
		}
	}

	slog.Warn("mirror suspended", "kind", b.kind, "path", b.path, "error", err)
	b.setState(Suspended)
	if err := b.sess.WaitConnected(b.ctx); err != nil {
		if b.ctx.Err() == nil {
			slog.Warn("mirror closed", "kind", b.kind, "path", b.path, "error", err)
			b.setErr(err)
		}
		return false
	}
	slog.Info("mirror resuming", "kind", b.kind, "path", b.path)
	return true
}

func (b *base) prepare(snap *znode.Snapshot) *znode.Snapshot {
	if !b.opts.cacheData {
		return snap.WithoutData()
	}
	return snap
}
