package mirror

import (
	"context"
	"errors"
	"sync"

	"github.com/openmined/treemirror/internal/session"
	"github.com/openmined/treemirror/internal/znode"
)

// NodeMirror keeps a local copy of a single node.
type NodeMirror struct {
	base

	mu      sync.RWMutex
	current *znode.Snapshot
}

// NewNodeMirror returns a mirror of path. Listeners may be registered before Start.
func NewNodeMirror(sess session.Session, path znode.Path, opts ...Option) *NodeMirror {
	return &NodeMirror{base: newBase("node mirror", sess, path, opts)}
}

// StartNode creates and starts a mirror of path.
func StartNode(ctx context.Context, sess session.Session, path znode.Path, opts ...Option) (*NodeMirror, error) {
	m := NewNodeMirror(sess, path, opts...)
	if err := m.Start(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

// Start begins watching. It returns once the watch loop is running; the first read
// happens asynchronously and Synced is closed when it completes.
func (m *NodeMirror) Start(ctx context.Context) error {
	if err := m.begin(ctx); err != nil {
		return err
	}
	go m.run()
	return nil
}

// Current returns a copy of the last observed snapshot, or nil when the node is
// absent or not read yet.
func (m *NodeMirror) Current() *znode.Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current.Clone()
}

func (m *NodeMirror) run() {
	defer m.finish()

	for {
		watch, err := m.refresh()
		if err != nil {
			if !m.recover(err) {
				return
			}
			continue
		}

		select {
		case ev, ok := <-watch:
			if ok && ev.Type == session.EventNotWatching {
				if !m.recover(&session.WatchLostError{Path: m.path, Err: ev.Err}) {
					return
				}
			}
		case <-m.ctx.Done():
			return
		}
	}
}

// refresh re-arms the watch and applies the state read with it.
func (m *NodeMirror) refresh() (<-chan session.Event, error) {
	snap, watch, err := m.sess.GetW(m.ctx, m.path)
	if err == nil {
		m.apply(snap)
		return watch, nil
	}
	if !errors.Is(err, session.ErrNoNode) {
		return nil, err
	}

	exists, _, watch, err := m.sess.ExistsW(m.ctx, m.path)
	if err != nil {
		return nil, err
	}
	if exists {
		// Created in between. The exists watch already covers data changes and
		// deletion, so read without arming a second watch.
		snap, err = m.sess.Get(m.ctx, m.path)
		if err != nil && !errors.Is(err, session.ErrNoNode) {
			return nil, err
		}
	}
	m.apply(snap)
	return watch, nil
}

func (m *NodeMirror) apply(snap *znode.Snapshot) {
	m.mu.Lock()
	prev := m.current
	var ev *ChangeEvent
	switch {
	case snap == nil:
		if prev != nil && m.opts.trackDeletion {
			m.current = nil
			ev = &ChangeEvent{Path: m.path, Kind: Removed}
		}
	case prev == nil:
		m.current = m.prepare(snap)
		ev = &ChangeEvent{Path: m.path, Kind: Added, Snapshot: m.current.Clone()}
	case !prev.SameRevision(snap):
		m.current = m.prepare(snap)
		ev = &ChangeEvent{Path: m.path, Kind: Updated, Snapshot: m.current.Clone()}
	}
	m.mu.Unlock()

	m.markSynced()
	if ev != nil {
		m.emit(*ev)
	}
}
