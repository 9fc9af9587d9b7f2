// Package treeclient implements session.Session against a tree server: tree
// operations and watches travel over one websocket, and the session survives
// reconnects within the server's grace period.
package treeclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/websocket"
	"github.com/openmined/treemirror/internal/session"
	"github.com/openmined/treemirror/internal/wsproto"
	"github.com/openmined/treemirror/internal/znode"
)

const (
	writeTimeout = 20 * time.Second
	helloTimeout = 5 * time.Second
	maxFrameSize = 4 << 20
	watchPath    = "/api/v1/watch"
)

var errSessionLost = errors.New("treeclient: server did not resume the session")

type options struct {
	retry          session.RetryPolicy
	encoding       wsproto.Encoding
	connectTimeout time.Duration
	maxReconnect   time.Duration
}

type Option func(*options)

func WithRetryPolicy(p session.RetryPolicy) Option {
	return func(o *options) { o.retry = p }
}

// WithEncoding selects the frame encoding. JSON is the default.
func WithEncoding(enc wsproto.Encoding) Option {
	return func(o *options) { o.encoding = enc }
}

func WithConnectTimeout(d time.Duration) Option {
	return func(o *options) { o.connectTimeout = d }
}

// WithMaxReconnectInterval caps the backoff between reconnect attempts.
func WithMaxReconnectInterval(d time.Duration) Option {
	return func(o *options) { o.maxReconnect = d }
}

type call struct {
	path  znode.Path
	watch bool
	done  chan result
}

type result struct {
	resp  *wsproto.Response
	watch <-chan session.Event
	err   error
}

type watchEntry struct {
	path znode.Path
	ch   chan session.Event
}

// Client is a session.Session served by a remote tree server.
type Client struct {
	wsURL string
	admin *Admin
	opts  options

	mu      sync.Mutex
	state   session.State
	changed chan struct{}
	conn    *websocket.Conn
	sid     string
	pending map[string]*call
	watches map[string]watchEntry
	closing bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

var _ session.Session = (*Client)(nil)

// Dial checks the server is healthy and opens a new session on it.
func Dial(ctx context.Context, baseURL string, opts ...Option) (*Client, error) {
	o := options{
		retry:          session.DefaultRetryPolicy(),
		encoding:       wsproto.EncodingJSON,
		connectTimeout: 5 * time.Second,
		maxReconnect:   5 * time.Second,
	}
	for _, opt := range opts {
		opt(&o)
	}

	wsURL, err := socketURL(baseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", session.ErrBadArguments, err)
	}

	c := &Client{
		wsURL:   wsURL,
		admin:   NewAdmin(baseURL),
		opts:    o,
		state:   session.StateConnecting,
		changed: make(chan struct{}),
		pending: make(map[string]*call),
		watches: make(map[string]watchEntry),
		done:    make(chan struct{}),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	dialCtx, cancel := context.WithTimeout(ctx, o.connectTimeout)
	defer cancel()

	if err := c.admin.Health(dialCtx); err != nil {
		c.cancel()
		return nil, &session.ConnectionError{Op: "dial", Err: fmt.Errorf("%w: %v", session.ErrNotConnected, err)}
	}

	conn, hello, err := c.connect(dialCtx, "")
	if err != nil {
		c.cancel()
		return nil, &session.ConnectionError{Op: "dial", Err: fmt.Errorf("%w: %v", session.ErrNotConnected, err)}
	}

	c.mu.Lock()
	c.conn, c.sid = conn, hello.SessionID
	c.setStateLocked(session.StateConnected)
	c.mu.Unlock()

	slog.Info("treeclient session established", "url", baseURL, "session", hello.SessionID, "encoding", o.encoding)
	go c.run(conn)
	return c, nil
}

// socketURL derives the websocket endpoint from the server's HTTP base URL.
func socketURL(baseURL string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + watchPath
	return u.String(), nil
}

// Admin returns the REST client for the same server.
func (c *Client) Admin() *Admin {
	return c.admin
}

// SessionID returns the server-assigned session id.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sid
}

func (c *Client) connect(ctx context.Context, sid string) (*websocket.Conn, *wsproto.Hello, error) {
	q := url.Values{}
	q.Set("encoding", c.opts.encoding.String())
	if sid != "" {
		q.Set("session", sid)
	}

	conn, _, err := websocket.Dial(ctx, c.wsURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, nil, err
	}
	conn.SetReadLimit(maxFrameSize)

	readCtx, cancel := context.WithTimeout(ctx, helloTimeout)
	defer cancel()
	typ, data, err := conn.Read(readCtx)
	if err != nil {
		conn.CloseNow()
		return nil, nil, fmt.Errorf("read hello: %w", err)
	}
	msg, _, err := wsproto.Unmarshal(typ, data)
	if err != nil {
		conn.CloseNow()
		return nil, nil, fmt.Errorf("decode hello: %w", err)
	}
	hello, ok := msg.Data.(*wsproto.Hello)
	if msg.Type != wsproto.MsgHello || !ok {
		conn.CloseNow()
		return nil, nil, fmt.Errorf("expected hello, got %s", msg.Type)
	}
	return conn, hello, nil
}

// run owns the connection: it reads frames until the socket drops, then
// reconnects and resumes the session.
func (c *Client) run(conn *websocket.Conn) {
	defer close(c.done)

	for {
		err := c.readLoop(conn)
		conn.CloseNow()

		if c.isClosing() {
			c.drop(session.StateClosed, session.ErrClosed)
			return
		}

		slog.Warn("treeclient connection lost", "session", c.SessionID(), "error", err)
		c.drop(session.StateDisconnected, session.ErrConnectionLost)

		conn, err = c.reconnect()
		if err != nil {
			if errors.Is(err, errSessionLost) {
				slog.Warn("treeclient session expired", "session", c.SessionID())
				c.drop(session.StateExpired, session.ErrSessionExpired)
			} else {
				c.drop(session.StateClosed, session.ErrClosed)
			}
			return
		}
	}
}

func (c *Client) reconnect() (*websocket.Conn, error) {
	sid := c.SessionID()

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = 50 * time.Millisecond
	exp.MaxInterval = c.opts.maxReconnect
	exp.MaxElapsedTime = 0
	exp.Reset()

	attempt := 0
	operation := func() (*websocket.Conn, error) {
		attempt++
		ctx, cancel := context.WithTimeout(c.ctx, c.opts.connectTimeout)
		defer cancel()

		conn, hello, err := c.connect(ctx, sid)
		if err != nil {
			slog.Debug("treeclient reconnect", "attempt", attempt, "error", err)
			return nil, err
		}
		if !hello.Resumed {
			conn.Close(websocket.StatusNormalClosure, "session lost")
			// the server opened a fresh session we will never use
			_ = c.admin.CloseSession(ctx, hello.SessionID)
			return nil, backoff.Permanent(errSessionLost)
		}
		return conn, nil
	}

	conn, err := backoff.RetryWithData(operation, backoff.WithContext(exp, c.ctx))
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.conn = conn
	c.setStateLocked(session.StateConnected)
	c.mu.Unlock()
	slog.Info("treeclient session resumed", "session", sid, "attempts", attempt)
	return conn, nil
}

func (c *Client) readLoop(conn *websocket.Conn) error {
	for {
		typ, data, err := conn.Read(c.ctx)
		if err != nil {
			return err
		}

		msg, _, err := wsproto.Unmarshal(typ, data)
		if err != nil {
			slog.Warn("treeclient bad frame", "error", err)
			continue
		}

		switch payload := msg.Data.(type) {
		case *wsproto.Response:
			c.complete(msg.Id, payload, nil)
		case *wsproto.Error:
			c.complete(msg.Id, nil, payload.Err())
		case *wsproto.WatchEvent:
			c.fire(payload)
		default:
			slog.Debug("treeclient unhandled frame", "type", msg.Type)
		}
	}
}

func (c *Client) complete(id string, resp *wsproto.Response, err error) {
	c.mu.Lock()
	cl, ok := c.pending[id]
	delete(c.pending, id)
	if !ok {
		c.mu.Unlock()
		return
	}

	var watch chan session.Event
	if err == nil && cl.watch && resp.WatchID != "" {
		watch = make(chan session.Event, 1)
		c.watches[resp.WatchID] = watchEntry{path: cl.path, ch: watch}
	}
	c.mu.Unlock()

	r := result{resp: resp, err: err}
	if watch != nil {
		r.watch = watch
	}
	cl.done <- r
}

func (c *Client) fire(w *wsproto.WatchEvent) {
	c.mu.Lock()
	entry, ok := c.watches[w.WatchID]
	delete(c.watches, w.WatchID)
	state := c.state
	c.mu.Unlock()
	if !ok {
		return
	}

	typ, err := session.ParseEventType(w.Type)
	if err != nil {
		slog.Warn("treeclient unknown watch event", "type", w.Type)
		typ = session.EventNotWatching
	}
	ev := session.Event{Type: typ, Path: znode.Path(w.Path), State: state}
	if ev.Path == "" {
		ev.Path = entry.path
	}
	if w.Code != "" {
		ev.Err = wsproto.CodeError(w.Code)
	} else if typ == session.EventNotWatching {
		ev.Err = session.ErrConnectionLost
	}
	entry.ch <- ev
	close(entry.ch)
}

// drop moves to state and fails every pending call and armed watch with err.
func (c *Client) drop(state session.State, err error) {
	c.mu.Lock()
	c.conn = nil
	c.setStateLocked(state)
	pending, watches := c.pending, c.watches
	c.pending = make(map[string]*call)
	c.watches = make(map[string]watchEntry)
	c.mu.Unlock()

	for _, cl := range pending {
		cl.done <- result{err: err}
	}
	for _, w := range watches {
		w.ch <- session.Event{Type: session.EventNotWatching, Path: w.path, State: state, Err: err}
		close(w.ch)
	}
}

func (c *Client) setStateLocked(state session.State) {
	if c.state == state || c.state.Terminal() {
		return
	}
	slog.Debug("treeclient session state", "from", c.state, "to", state)
	c.state = state
	close(c.changed)
	c.changed = make(chan struct{})
}

func (c *Client) isClosing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closing
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

// roundTrip sends req and waits for its answer.
func (c *Client) roundTrip(ctx context.Context, req wsproto.Request) (*wsproto.Response, <-chan session.Event, error) {
	msg := wsproto.NewRequest(req)
	cl := &call{path: znode.Path(req.Path), watch: req.Watch, done: make(chan result, 1)}

	c.mu.Lock()
	if c.state != session.StateConnected || c.conn == nil {
		state := c.state
		c.mu.Unlock()
		return nil, nil, session.StateErr(state)
	}
	conn := c.conn
	c.pending[msg.Id] = cl
	c.mu.Unlock()

	typ, data, err := wsproto.Marshal(msg, c.opts.encoding)
	if err != nil {
		c.forget(msg.Id)
		return nil, nil, err
	}

	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	err = conn.Write(writeCtx, typ, data)
	cancel()
	if err != nil {
		c.forget(msg.Id)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, nil, ctxErr
		}
		return nil, nil, session.ErrConnectionLost
	}

	select {
	case r := <-cl.done:
		return r.resp, r.watch, r.err
	case <-ctx.Done():
		c.forget(msg.Id)
		return nil, nil, ctx.Err()
	}
}

func (c *Client) forget(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, id)
}

// do runs one request under the retry policy.
func (c *Client) do(ctx context.Context, req wsproto.Request) (resp *wsproto.Response, watch <-chan session.Event, err error) {
	op, path := string(req.Op), znode.Path(req.Path)
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	if state := c.State(); state.Terminal() {
		return nil, nil, &session.ConnectionError{Op: op, Path: path, Err: session.StateErr(state)}
	}

	err = c.opts.retry.Do(ctx, op, func() error {
		var err error
		resp, watch, err = c.roundTrip(ctx, req)
		return session.NewConnectionError(op, path, err)
	})
	return resp, watch, err
}

func (c *Client) Exists(ctx context.Context, path znode.Path) (bool, *znode.Stat, error) {
	resp, _, err := c.do(ctx, wsproto.Request{Op: wsproto.OpExists, Path: path.String()})
	if err != nil {
		return false, nil, err
	}
	return resp.Exists, resp.Stat, nil
}

func (c *Client) ExistsW(ctx context.Context, path znode.Path) (bool, *znode.Stat, <-chan session.Event, error) {
	resp, watch, err := c.do(ctx, wsproto.Request{Op: wsproto.OpExists, Path: path.String(), Watch: true})
	if err != nil {
		return false, nil, nil, err
	}
	return resp.Exists, resp.Stat, watch, nil
}

func (c *Client) Get(ctx context.Context, path znode.Path) (*znode.Snapshot, error) {
	resp, _, err := c.do(ctx, wsproto.Request{Op: wsproto.OpGet, Path: path.String()})
	if err != nil {
		return nil, err
	}
	return toSnapshot(path, resp), nil
}

func (c *Client) GetW(ctx context.Context, path znode.Path) (*znode.Snapshot, <-chan session.Event, error) {
	resp, watch, err := c.do(ctx, wsproto.Request{Op: wsproto.OpGet, Path: path.String(), Watch: true})
	if err != nil {
		return nil, nil, err
	}
	return toSnapshot(path, resp), watch, nil
}

func (c *Client) Children(ctx context.Context, path znode.Path) ([]string, *znode.Stat, error) {
	resp, _, err := c.do(ctx, wsproto.Request{Op: wsproto.OpChildren, Path: path.String()})
	if err != nil {
		return nil, nil, err
	}
	return resp.Children, resp.Stat, nil
}

func (c *Client) ChildrenW(ctx context.Context, path znode.Path) ([]string, *znode.Stat, <-chan session.Event, error) {
	resp, watch, err := c.do(ctx, wsproto.Request{Op: wsproto.OpChildren, Path: path.String(), Watch: true})
	if err != nil {
		return nil, nil, nil, err
	}
	return resp.Children, resp.Stat, watch, nil
}

func (c *Client) Create(ctx context.Context, path znode.Path, data []byte, mode session.CreateMode) (znode.Path, error) {
	resp, _, err := c.do(ctx, wsproto.Request{Op: wsproto.OpCreate, Path: path.String(), Data: data, Mode: int(mode)})
	if err != nil {
		return "", err
	}
	return znode.Path(resp.Path), nil
}

func (c *Client) Set(ctx context.Context, path znode.Path, data []byte, version int32) (*znode.Stat, error) {
	resp, _, err := c.do(ctx, wsproto.Request{Op: wsproto.OpSet, Path: path.String(), Data: data, Version: version})
	if err != nil {
		return nil, err
	}
	return resp.Stat, nil
}

func (c *Client) Delete(ctx context.Context, path znode.Path, version int32) error {
	_, _, err := c.do(ctx, wsproto.Request{Op: wsproto.OpDelete, Path: path.String(), Version: version})
	return err
}

// Close ends the session on the server and waits for the connection loop.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		<-c.done
		return nil
	}
	c.closing = true
	sid, conn, state := c.sid, c.conn, c.state
	c.mu.Unlock()

	var err error
	if !state.Terminal() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err = c.admin.CloseSession(ctx, sid); err != nil {
			slog.Debug("treeclient close session", "session", sid, "error", err)
		}
		cancel()
	}
	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "client closed")
	}
	c.cancel()
	<-c.done
	return nil
}

func toSnapshot(path znode.Path, resp *wsproto.Response) *znode.Snapshot {
	snap := &znode.Snapshot{Path: path, Data: resp.Data}
	if resp.Stat != nil {
		snap.Stat = *resp.Stat
	}
	return snap
}
