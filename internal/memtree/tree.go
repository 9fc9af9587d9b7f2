// Package memtree is an in-memory coordination tree. It keeps ZooKeeper's node
// metadata and one-shot watch trigger rules, and hands out sessions whose
// connection can be dropped, restored or expired on demand.
package memtree

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/openmined/treemirror/internal/session"
	"github.com/openmined/treemirror/internal/znode"
)

type node struct {
	data     []byte
	stat     znode.Stat
	children map[string]struct{}
}

type watchKind int

const (
	watchData watchKind = iota
	watchExist
	watchChild
)

type watch struct {
	kind watchKind
	path znode.Path
	sess *Session
	ch   chan session.Event
}

// Tree is the shared state all sessions operate on. It is safe for concurrent use.
type Tree struct {
	mu       sync.Mutex
	nodes    map[znode.Path]*node
	zxid     int64
	watches  map[watchKind]map[znode.Path]map[*watch]struct{}
	sessions map[int64]*Session
	nextID   int64
	now      func() time.Time
}

// Option configures a Tree.
type Option func(*Tree)

// WithClock replaces the wall clock used for ctime/mtime.
func WithClock(now func() time.Time) Option {
	return func(t *Tree) {
		t.now = now
	}
}

// New returns a tree holding only the root node.
func New(opts ...Option) *Tree {
	t := &Tree{
		nodes: make(map[znode.Path]*node),
		watches: map[watchKind]map[znode.Path]map[*watch]struct{}{
			watchData:  {},
			watchExist: {},
			watchChild: {},
		},
		sessions: make(map[int64]*Session),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.nodes[znode.Root] = &node{children: make(map[string]struct{})}
	return t
}

// NewSession opens a connected session on the tree.
func (t *Tree) NewSession() *Session {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.nextID++
	s := newSession(t, t.nextID)
	t.sessions[s.id] = s
	slog.Debug("memtree session open", "session", s.id)
	return s
}

// SessionCount returns the number of live sessions.
func (t *Tree) SessionCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

// WatchCount returns the number of armed watches across all sessions.
func (t *Tree) WatchCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for _, byPath := range t.watches {
		for _, set := range byPath {
			n += len(set)
		}
	}
	return n
}

func (t *Tree) exists(path znode.Path) (*znode.Stat, bool) {
	n, ok := t.nodes[path]
	if !ok {
		return nil, false
	}
	stat := n.stat
	return &stat, true
}

func (t *Tree) get(path znode.Path) (*znode.Snapshot, error) {
	n, ok := t.nodes[path]
	if !ok {
		return nil, session.ErrNoNode
	}
	return &znode.Snapshot{Path: path, Data: slices.Clone(n.data), Stat: n.stat}, nil
}

func (t *Tree) children(path znode.Path) ([]string, *znode.Stat, error) {
	n, ok := t.nodes[path]
	if !ok {
		return nil, nil, session.ErrNoNode
	}
	names := make([]string, 0, len(n.children))
	for name := range n.children {
		names = append(names, name)
	}
	slices.Sort(names)
	stat := n.stat
	return names, &stat, nil
}

func (t *Tree) create(owner int64, path znode.Path, data []byte, mode session.CreateMode) (znode.Path, error) {
	if path.IsRoot() {
		return "", session.ErrNodeExists
	}
	if mode < session.ModePersistent || mode > session.ModeEphemeralSequential {
		return "", session.ErrBadArguments
	}

	parentPath := path.Parent()
	parent, ok := t.nodes[parentPath]
	if !ok {
		return "", session.ErrNoNode
	}
	if parent.stat.EphemeralOwner != 0 {
		return "", session.ErrNoChildren
	}

	if mode.IsSequential() {
		seqPath, err := znode.ParsePath(fmt.Sprintf("%s%010d", path, parent.stat.Cversion))
		if err != nil {
			return "", err
		}
		path = seqPath
	}
	if _, exists := t.nodes[path]; exists {
		return "", session.ErrNodeExists
	}

	t.zxid++
	now := t.now().UnixMilli()
	n := &node{
		data:     slices.Clone(data),
		children: make(map[string]struct{}),
		stat: znode.Stat{
			Czxid:      t.zxid,
			Mzxid:      t.zxid,
			Pzxid:      t.zxid,
			Ctime:      now,
			Mtime:      now,
			DataLength: int32(len(data)),
		},
	}
	if mode.IsEphemeral() {
		n.stat.EphemeralOwner = owner
	}
	t.nodes[path] = n

	parent.children[path.Name()] = struct{}{}
	parent.stat.Cversion++
	parent.stat.NumChildren++
	parent.stat.Pzxid = t.zxid

	t.trigger(watchExist, path, session.EventNodeCreated)
	t.trigger(watchChild, parentPath, session.EventNodeChildrenChanged)
	return path, nil
}

func (t *Tree) set(path znode.Path, data []byte, version int32) (*znode.Stat, error) {
	n, ok := t.nodes[path]
	if !ok {
		return nil, session.ErrNoNode
	}
	if version != session.AnyVersion && version != n.stat.Version {
		return nil, session.ErrBadVersion
	}

	t.zxid++
	n.data = slices.Clone(data)
	n.stat.Mzxid = t.zxid
	n.stat.Mtime = t.now().UnixMilli()
	n.stat.Version++
	n.stat.DataLength = int32(len(data))

	t.trigger(watchData, path, session.EventNodeDataChanged)
	stat := n.stat
	return &stat, nil
}

func (t *Tree) delete(path znode.Path, version int32) error {
	if path.IsRoot() {
		return session.ErrBadArguments
	}
	n, ok := t.nodes[path]
	if !ok {
		return session.ErrNoNode
	}
	if version != session.AnyVersion && version != n.stat.Version {
		return session.ErrBadVersion
	}
	if len(n.children) > 0 {
		return session.ErrNotEmpty
	}
	t.remove(path)
	return nil
}

// remove deletes a childless node and fires the watches a deletion triggers.
func (t *Tree) remove(path znode.Path) {
	t.zxid++
	delete(t.nodes, path)

	parentPath := path.Parent()
	if parent, ok := t.nodes[parentPath]; ok {
		delete(parent.children, path.Name())
		parent.stat.Cversion++
		parent.stat.NumChildren--
		parent.stat.Pzxid = t.zxid
	}

	t.trigger(watchData, path, session.EventNodeDeleted)
	t.trigger(watchChild, path, session.EventNodeDeleted)
	t.trigger(watchChild, parentPath, session.EventNodeChildrenChanged)
}

// arm registers a one-shot watch. Must be called with t.mu held.
func (t *Tree) arm(s *Session, kind watchKind, path znode.Path) <-chan session.Event {
	w := &watch{kind: kind, path: path, sess: s, ch: make(chan session.Event, 1)}
	set, ok := t.watches[kind][path]
	if !ok {
		set = make(map[*watch]struct{})
		t.watches[kind][path] = set
	}
	set[w] = struct{}{}
	s.watches[w] = struct{}{}
	return w.ch
}

// trigger fires and removes every watch of kind on path. Must be called with t.mu held.
func (t *Tree) trigger(kind watchKind, path znode.Path, typ session.EventType) {
	set := t.watches[kind][path]
	if len(set) == 0 {
		return
	}
	delete(t.watches[kind], path)

	for w := range set {
		delete(w.sess.watches, w)
		w.ch <- session.Event{Type: typ, Path: path, State: session.StateConnected}
		close(w.ch)
	}
}

// dropWatches fires EventNotWatching on every watch of s. Must be called with t.mu held.
func (t *Tree) dropWatches(s *Session, state session.State, err error) {
	for w := range s.watches {
		if set := t.watches[w.kind][w.path]; set != nil {
			delete(set, w)
			if len(set) == 0 {
				delete(t.watches[w.kind], w.path)
			}
		}
		w.ch <- session.Event{Type: session.EventNotWatching, Path: w.path, State: state, Err: err}
		close(w.ch)
	}
	clear(s.watches)
}

// endSession removes ephemerals owned by s and forgets it. Must be called with t.mu held.
func (t *Tree) endSession(s *Session) {
	var owned []znode.Path
	for path, n := range t.nodes {
		if n.stat.EphemeralOwner == s.id {
			owned = append(owned, path)
		}
	}
	for _, path := range owned {
		t.remove(path)
	}
	delete(t.sessions, s.id)
}
