package memtree

import (
	"context"
	"log/slog"

	"github.com/openmined/treemirror/internal/session"
	"github.com/openmined/treemirror/internal/znode"
)

// Session is a client session on a Tree. It implements session.Session.
type Session struct {
	tree    *Tree
	id      int64
	state   session.State
	changed chan struct{} // closed and replaced on every state change
	watches map[*watch]struct{}
}

var _ session.Session = (*Session)(nil)

func newSession(t *Tree, id int64) *Session {
	return &Session{
		tree:    t,
		id:      id,
		state:   session.StateConnected,
		changed: make(chan struct{}),
		watches: make(map[*watch]struct{}),
	}
}

// ID returns the session id, also used as the owner of its ephemeral nodes.
func (s *Session) ID() int64 {
	return s.id
}

func (s *Session) State() session.State {
	s.tree.mu.Lock()
	defer s.tree.mu.Unlock()
	return s.state
}

func (s *Session) WaitConnected(ctx context.Context) error {
	for {
		s.tree.mu.Lock()
		state, changed := s.state, s.changed
		s.tree.mu.Unlock()

		if state == session.StateConnected {
			return nil
		}
		if state.Terminal() {
			return &session.ConnectionError{Op: "wait connected", Err: session.StateErr(state)}
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Disconnect simulates a dropped connection: armed watches receive
// EventNotWatching and operations fail until Reconnect.
func (s *Session) Disconnect() {
	s.tree.mu.Lock()
	defer s.tree.mu.Unlock()

	if s.state != session.StateConnected {
		return
	}
	slog.Debug("memtree session disconnected", "session", s.id)
	s.setStateLocked(session.StateDisconnected)
	s.tree.dropWatches(s, session.StateDisconnected, session.ErrConnectionLost)
}

// Reconnect restores a disconnected session.
func (s *Session) Reconnect() {
	s.tree.mu.Lock()
	defer s.tree.mu.Unlock()

	if s.state != session.StateDisconnected {
		return
	}
	slog.Debug("memtree session reconnected", "session", s.id)
	s.setStateLocked(session.StateConnected)
}

// Expire ends the session as if the server timed it out. Its ephemeral nodes
// are removed.
func (s *Session) Expire() {
	s.end(session.StateExpired, session.ErrSessionExpired)
}

func (s *Session) Close() error {
	s.end(session.StateClosed, session.ErrClosed)
	return nil
}

func (s *Session) end(state session.State, err error) {
	s.tree.mu.Lock()
	defer s.tree.mu.Unlock()

	if s.state.Terminal() {
		return
	}
	slog.Debug("memtree session end", "session", s.id, "state", state)
	s.setStateLocked(state)
	s.tree.dropWatches(s, state, err)
	s.tree.endSession(s)
}

func (s *Session) setStateLocked(state session.State) {
	s.state = state
	close(s.changed)
	s.changed = make(chan struct{})
}

// begin locks the tree and checks the session can serve op. On success the
// caller must unlock the tree.
func (s *Session) begin(ctx context.Context, op string, path znode.Path) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.tree.mu.Lock()
	if s.state != session.StateConnected {
		state := s.state
		s.tree.mu.Unlock()
		return &session.ConnectionError{Op: op, Path: path, Err: session.StateErr(state)}
	}
	return nil
}

func (s *Session) Exists(ctx context.Context, path znode.Path) (bool, *znode.Stat, error) {
	if err := s.begin(ctx, "exists", path); err != nil {
		return false, nil, err
	}
	defer s.tree.mu.Unlock()

	stat, ok := s.tree.exists(path)
	return ok, stat, nil
}

func (s *Session) ExistsW(ctx context.Context, path znode.Path) (bool, *znode.Stat, <-chan session.Event, error) {
	if err := s.begin(ctx, "exists", path); err != nil {
		return false, nil, nil, err
	}
	defer s.tree.mu.Unlock()

	stat, ok := s.tree.exists(path)
	if ok {
		return true, stat, s.tree.arm(s, watchData, path), nil
	}
	return false, nil, s.tree.arm(s, watchExist, path), nil
}

func (s *Session) Get(ctx context.Context, path znode.Path) (*znode.Snapshot, error) {
	if err := s.begin(ctx, "get", path); err != nil {
		return nil, err
	}
	defer s.tree.mu.Unlock()

	return s.tree.get(path)
}

func (s *Session) GetW(ctx context.Context, path znode.Path) (*znode.Snapshot, <-chan session.Event, error) {
	if err := s.begin(ctx, "get", path); err != nil {
		return nil, nil, err
	}
	defer s.tree.mu.Unlock()

	snap, err := s.tree.get(path)
	if err != nil {
		return nil, nil, err
	}
	return snap, s.tree.arm(s, watchData, path), nil
}

func (s *Session) Children(ctx context.Context, path znode.Path) ([]string, *znode.Stat, error) {
	if err := s.begin(ctx, "children", path); err != nil {
		return nil, nil, err
	}
	defer s.tree.mu.Unlock()

	return s.tree.children(path)
}

func (s *Session) ChildrenW(ctx context.Context, path znode.Path) ([]string, *znode.Stat, <-chan session.Event, error) {
	if err := s.begin(ctx, "children", path); err != nil {
		return nil, nil, nil, err
	}
	defer s.tree.mu.Unlock()

	names, stat, err := s.tree.children(path)
	if err != nil {
		return nil, nil, nil, err
	}
	return names, stat, s.tree.arm(s, watchChild, path), nil
}

func (s *Session) Create(ctx context.Context, path znode.Path, data []byte, mode session.CreateMode) (znode.Path, error) {
	if err := s.begin(ctx, "create", path); err != nil {
		return "", err
	}
	defer s.tree.mu.Unlock()

	return s.tree.create(s.id, path, data, mode)
}

func (s *Session) Set(ctx context.Context, path znode.Path, data []byte, version int32) (*znode.Stat, error) {
	if err := s.begin(ctx, "set", path); err != nil {
		return nil, err
	}
	defer s.tree.mu.Unlock()

	return s.tree.set(path, data, version)
}

func (s *Session) Delete(ctx context.Context, path znode.Path, version int32) error {
	if err := s.begin(ctx, "delete", path); err != nil {
		return err
	}
	defer s.tree.mu.Unlock()

	return s.tree.delete(path, version)
}
