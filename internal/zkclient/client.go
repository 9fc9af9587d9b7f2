// Package zkclient implements session.Session on top of a ZooKeeper ensemble.
package zkclient

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-zookeeper/zk"
	"github.com/openmined/treemirror/internal/session"
	"github.com/openmined/treemirror/internal/znode"
)

type options struct {
	sessionTimeout time.Duration
	connectTimeout time.Duration
	retry          session.RetryPolicy
}

type Option func(*options)

func WithSessionTimeout(d time.Duration) Option {
	return func(o *options) { o.sessionTimeout = d }
}

// WithConnectTimeout bounds how long Dial waits for the first session.
func WithConnectTimeout(d time.Duration) Option {
	return func(o *options) { o.connectTimeout = d }
}

func WithRetryPolicy(p session.RetryPolicy) Option {
	return func(o *options) { o.retry = p }
}

// Client is a session.Session backed by *zk.Conn.
type Client struct {
	conn  *zk.Conn
	retry session.RetryPolicy

	mu      sync.Mutex
	state   session.State
	changed chan struct{}
	done    chan struct{}
}

var _ session.Session = (*Client)(nil)

// Dial connects to servers and waits for the first session.
func Dial(ctx context.Context, servers []string, opts ...Option) (*Client, error) {
	o := options{
		sessionTimeout: 60 * time.Second,
		connectTimeout: 5 * time.Second,
		retry:          session.DefaultRetryPolicy(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	conn, events, err := zk.Connect(servers, o.sessionTimeout, zk.WithLogger(zkLogger{}))
	if err != nil {
		return nil, &session.ConnectionError{Op: "dial", Err: fmt.Errorf("%w: %v", session.ErrNotConnected, err)}
	}

	c := &Client{
		conn:    conn,
		retry:   o.retry,
		state:   session.StateConnecting,
		changed: make(chan struct{}),
		done:    make(chan struct{}),
	}
	go c.watchSession(events)

	waitCtx, cancel := context.WithTimeout(ctx, o.connectTimeout)
	defer cancel()
	if err := c.WaitConnected(waitCtx); err != nil {
		conn.Close()
		return nil, &session.ConnectionError{Op: "dial", Err: fmt.Errorf("%w: %v", session.ErrNotConnected, err)}
	}
	slog.Info("zk session established", "servers", servers, "session", fmt.Sprintf("0x%x", conn.SessionID()))
	return c, nil
}

func (c *Client) watchSession(events <-chan zk.Event) {
	defer close(c.done)
	for ev := range events {
		if ev.Type != zk.EventSession {
			continue
		}
		state := mapState(ev.State)
		if ev.State == zk.StateExpired {
			slog.Warn("zk session expired, reconnecting")
		}
		c.setState(state)
	}
	c.setState(session.StateClosed)
}

func (c *Client) setState(state session.State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == state || c.state == session.StateClosed {
		return
	}
	slog.Debug("zk session state", "from", c.state, "to", state)
	c.state = state
	close(c.changed)
	c.changed = make(chan struct{})
}

func (c *Client) State() session.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) WaitConnected(ctx context.Context) error {
	for {
		c.mu.Lock()
		state, changed := c.state, c.changed
		c.mu.Unlock()

		switch {
		case state == session.StateConnected:
			return nil
		case state.Terminal():
			return &session.ConnectionError{Op: "wait connected", Err: session.StateErr(state)}
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// SessionID returns the id of the current ZooKeeper session.
func (c *Client) SessionID() int64 {
	return c.conn.SessionID()
}

func (c *Client) Exists(ctx context.Context, path znode.Path) (exists bool, stat *znode.Stat, err error) {
	err = c.do(ctx, "exists", path, func() error {
		ok, s, err := c.conn.Exists(path.String())
		exists, stat = ok, toStat(s)
		return err
	})
	return exists, stat, err
}

func (c *Client) ExistsW(ctx context.Context, path znode.Path) (exists bool, stat *znode.Stat, watch <-chan session.Event, err error) {
	err = c.do(ctx, "exists", path, func() error {
		ok, s, w, err := c.conn.ExistsW(path.String())
		if err == nil {
			exists, stat, watch = ok, toStat(s), c.adapt(path, w)
		}
		return err
	})
	return exists, stat, watch, err
}

func (c *Client) Get(ctx context.Context, path znode.Path) (snap *znode.Snapshot, err error) {
	err = c.do(ctx, "get", path, func() error {
		data, s, err := c.conn.Get(path.String())
		if err == nil {
			snap = &znode.Snapshot{Path: path, Data: data, Stat: *toStat(s)}
		}
		return err
	})
	return snap, err
}

func (c *Client) GetW(ctx context.Context, path znode.Path) (snap *znode.Snapshot, watch <-chan session.Event, err error) {
	err = c.do(ctx, "get", path, func() error {
		data, s, w, err := c.conn.GetW(path.String())
		if err == nil {
			snap = &znode.Snapshot{Path: path, Data: data, Stat: *toStat(s)}
			watch = c.adapt(path, w)
		}
		return err
	})
	return snap, watch, err
}

func (c *Client) Children(ctx context.Context, path znode.Path) (names []string, stat *znode.Stat, err error) {
	err = c.do(ctx, "children", path, func() error {
		n, s, err := c.conn.Children(path.String())
		names, stat = n, toStat(s)
		return err
	})
	return names, stat, err
}

func (c *Client) ChildrenW(ctx context.Context, path znode.Path) (names []string, stat *znode.Stat, watch <-chan session.Event, err error) {
	err = c.do(ctx, "children", path, func() error {
		n, s, w, err := c.conn.ChildrenW(path.String())
		if err == nil {
			names, stat, watch = n, toStat(s), c.adapt(path, w)
		}
		return err
	})
	return names, stat, watch, err
}

func (c *Client) Create(ctx context.Context, path znode.Path, data []byte, mode session.CreateMode) (created znode.Path, err error) {
	flags, err := createFlags(mode)
	if err != nil {
		return "", err
	}
	err = c.do(ctx, "create", path, func() error {
		p, err := c.conn.Create(path.String(), data, flags, zk.WorldACL(zk.PermAll))
		created = znode.Path(p)
		return err
	})
	return created, err
}

func (c *Client) Set(ctx context.Context, path znode.Path, data []byte, version int32) (stat *znode.Stat, err error) {
	err = c.do(ctx, "set", path, func() error {
		s, err := c.conn.Set(path.String(), data, version)
		stat = toStat(s)
		return err
	})
	return stat, err
}

func (c *Client) Delete(ctx context.Context, path znode.Path, version int32) error {
	return c.do(ctx, "delete", path, func() error {
		return c.conn.Delete(path.String(), version)
	})
}

// Close ends the session and waits for the connection loop to stop.
func (c *Client) Close() error {
	c.conn.Close()
	<-c.done
	return nil
}

// do runs fn under the retry policy with errors translated.
func (c *Client) do(ctx context.Context, op string, path znode.Path, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if state := c.State(); state.Terminal() {
		return &session.ConnectionError{Op: op, Path: path, Err: session.StateErr(state)}
	}
	return c.retry.Do(ctx, op, func() error {
		return mapError(op, path, fn())
	})
}

// adapt converts a zk watch channel into a session watch channel.
func (c *Client) adapt(path znode.Path, w <-chan zk.Event) <-chan session.Event {
	out := make(chan session.Event, 1)
	go func() {
		defer close(out)
		ev, ok := <-w
		if !ok {
			out <- session.Event{Type: session.EventNotWatching, Path: path, State: c.State(), Err: session.ErrClosed}
			return
		}
		out <- mapEvent(path, ev)
	}()
	return out
}

type zkLogger struct{}

func (zkLogger) Printf(format string, args ...any) {
	slog.Debug("zk", "msg", fmt.Sprintf(format, args...))
}
