package treesrv

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/openmined/treemirror/internal/session"
	"github.com/openmined/treemirror/internal/wsproto"
	"github.com/openmined/treemirror/internal/znode"
)

const (
	writeTimeout   = 20 * time.Second
	maxFrameSize   = 4 << 20
	txBuffer       = 256
	shutdownReason = "shutdown"
)

// socket carries one session over one websocket. Requests are served in the order
// they arrive; each armed watch gets a forwarder that relays its single event.
type socket struct {
	connID string
	entry  *sessionEntry
	enc    wsproto.Encoding
	conn   *websocket.Conn

	tx        chan *wsproto.Message
	done      chan struct{}
	closeOnce sync.Once
	loops     sync.WaitGroup
	watches   sync.WaitGroup
}

func newSocket(conn *websocket.Conn, entry *sessionEntry, enc wsproto.Encoding) *socket {
	conn.SetReadLimit(maxFrameSize)
	return &socket{
		connID: uuid.NewString()[:8],
		entry:  entry,
		enc:    enc,
		conn:   conn,
		tx:     make(chan *wsproto.Message, txBuffer),
		done:   make(chan struct{}),
	}
}

// run blocks until the socket is closed by either side.
func (s *socket) run(ctx context.Context) {
	slog.Debug("socket start", "connId", s.connID, "session", s.entry.id, "encoding", s.enc)
	s.loops.Add(2)
	go s.writeLoop(ctx)
	go s.readLoop(ctx)
	s.loops.Wait()
	s.watches.Wait()
	slog.Debug("socket closed", "connId", s.connID, "session", s.entry.id)
}

func (s *socket) close(status websocket.StatusCode, reason string) {
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.Close(status, reason)
	})
}

func (s *socket) send(msg *wsproto.Message) bool {
	select {
	case s.tx <- msg:
		return true
	case <-s.done:
		return false
	}
}

func (s *socket) readLoop(ctx context.Context) {
	defer func() {
		s.loops.Done()
		s.close(websocket.StatusNormalClosure, shutdownReason)
	}()

	for {
		typ, data, err := s.conn.Read(ctx)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
				// closed
			} else if status := websocket.CloseStatus(err); status != websocket.StatusNormalClosure && status != websocket.StatusNoStatusRcvd && status != websocket.StatusGoingAway {
				slog.Warn("socket reader", "connId", s.connID, "error", err)
			}
			return
		}

		msg, _, err := wsproto.Unmarshal(typ, data)
		if err != nil {
			slog.Warn("socket bad frame", "connId", s.connID, "error", err)
			if !s.send(wsproto.NewError("", fmt.Errorf("%w: %v", session.ErrBadArguments, err), "")) {
				return
			}
			continue
		}

		req, ok := msg.Data.(*wsproto.Request)
		if msg.Type != wsproto.MsgRequest || !ok {
			err := fmt.Errorf("%w: unexpected %s frame", session.ErrBadArguments, msg.Type)
			if !s.send(wsproto.NewError(msg.Id, err, "")) {
				return
			}
			continue
		}

		resp, watch, err := s.serve(ctx, req)
		if err != nil {
			slog.Debug("socket request failed", "connId", s.connID, "op", req.Op, "path", req.Path, "error", err)
			if !s.send(wsproto.NewError(msg.Id, err, req.Path)) {
				return
			}
			continue
		}

		if watch != nil {
			resp.WatchID = uuid.NewString()
		}
		// the response must be queued before the watch can fire
		if !s.send(wsproto.NewResponse(msg.Id, resp)) {
			return
		}
		if watch != nil {
			s.watches.Add(1)
			go s.forward(resp.WatchID, watch)
		}
	}
}

func (s *socket) writeLoop(ctx context.Context) {
	defer func() {
		s.loops.Done()
		s.close(websocket.StatusNormalClosure, shutdownReason)
	}()

	for {
		select {
		case msg := <-s.tx:
			typ, data, err := wsproto.Marshal(msg, s.enc)
			if err != nil {
				slog.Error("socket encode", "connId", s.connID, "msgId", msg.Id, "msgType", msg.Type, "error", err)
				continue
			}

			ctxWrite, cancel := context.WithTimeout(ctx, writeTimeout)
			err = s.conn.Write(ctxWrite, typ, data)
			cancel()
			if err != nil {
				slog.Warn("socket writer", "connId", s.connID, "msgId", msg.Id, "msgType", msg.Type, "error", err)
				return
			}

		case <-s.done:
			return

		case <-ctx.Done():
			return
		}
	}
}

func (s *socket) forward(id string, ch <-chan session.Event) {
	defer s.watches.Done()

	select {
	case ev, ok := <-ch:
		if !ok {
			return
		}
		w := wsproto.WatchEvent{WatchID: id, Type: ev.Type.String(), Path: string(ev.Path)}
		if ev.Err != nil {
			w.Code = wsproto.ErrorCode(ev.Err)
		}
		s.send(wsproto.NewWatch(w))
	case <-s.done:
	}
}

// serve runs one request against the socket's session. A non-nil channel means a
// watch was armed.
func (s *socket) serve(ctx context.Context, req *wsproto.Request) (wsproto.Response, <-chan session.Event, error) {
	var resp wsproto.Response

	path, err := znode.ParsePath(req.Path)
	if err != nil {
		return resp, nil, err
	}
	sess := s.entry.sess

	switch req.Op {
	case wsproto.OpExists:
		var ok bool
		var stat *znode.Stat
		var watch <-chan session.Event
		if req.Watch {
			ok, stat, watch, err = sess.ExistsW(ctx, path)
		} else {
			ok, stat, err = sess.Exists(ctx, path)
		}
		resp.Exists, resp.Stat = ok, stat
		return resp, watch, err

	case wsproto.OpGet:
		var snap *znode.Snapshot
		var watch <-chan session.Event
		if req.Watch {
			snap, watch, err = sess.GetW(ctx, path)
		} else {
			snap, err = sess.Get(ctx, path)
		}
		if err != nil {
			return resp, nil, err
		}
		resp.Exists = true
		resp.Path = string(snap.Path)
		resp.Data = snap.Data
		resp.Stat = &snap.Stat
		return resp, watch, nil

	case wsproto.OpChildren:
		var children []string
		var stat *znode.Stat
		var watch <-chan session.Event
		if req.Watch {
			children, stat, watch, err = sess.ChildrenW(ctx, path)
		} else {
			children, stat, err = sess.Children(ctx, path)
		}
		resp.Exists = err == nil
		resp.Children, resp.Stat = children, stat
		return resp, watch, err

	case wsproto.OpCreate:
		mode := session.CreateMode(req.Mode)
		if mode < session.ModePersistent || mode > session.ModeEphemeralSequential {
			return resp, nil, fmt.Errorf("%w: create mode %d", session.ErrBadArguments, req.Mode)
		}
		created, err := sess.Create(ctx, path, req.Data, mode)
		resp.Path = string(created)
		return resp, nil, err

	case wsproto.OpSet:
		stat, err := sess.Set(ctx, path, req.Data, req.Version)
		resp.Stat = stat
		return resp, nil, err

	case wsproto.OpDelete:
		return resp, nil, sess.Delete(ctx, path, req.Version)

	default:
		return resp, nil, fmt.Errorf("%w: unknown op %q", session.ErrBadArguments, req.Op)
	}
}

// socketSet tracks open sockets for shutdown and stats.
type socketSet struct {
	mu      sync.Mutex
	sockets map[*socket]struct{}
}

func newSocketSet() *socketSet {
	return &socketSet{sockets: make(map[*socket]struct{})}
}

func (ss *socketSet) add(s *socket) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	ss.sockets[s] = struct{}{}
}

func (ss *socketSet) remove(s *socket) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	delete(ss.sockets, s)
}

func (ss *socketSet) len() int {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return len(ss.sockets)
}

// closeSession closes the socket bound to session id, if any.
func (ss *socketSet) closeSession(id string, reason string) {
	for _, s := range ss.snapshot() {
		if s.entry.id == id {
			s.close(websocket.StatusPolicyViolation, reason)
		}
	}
}

func (ss *socketSet) closeAll() {
	for _, s := range ss.snapshot() {
		s.close(websocket.StatusGoingAway, shutdownReason)
	}
}

// snapshot copies the set so sockets can be closed without holding the lock.
func (ss *socketSet) snapshot() []*socket {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	out := make([]*socket, 0, len(ss.sockets))
	for s := range ss.sockets {
		out = append(out, s)
	}
	return out
}
