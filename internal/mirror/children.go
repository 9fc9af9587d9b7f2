package mirror

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/openmined/treemirror/internal/session"
	"github.com/openmined/treemirror/internal/znode"
)

type watchKind int

const (
	watchChildList watchKind = iota // children of the parent
	watchParent                     // existence of a missing parent
	watchChild                      // data of one child
)

type notification struct {
	kind  watchKind
	child string
	gen   uint64
	event session.Event
}

// ChildrenMirror keeps a local copy of the direct children of a node.
type ChildrenMirror struct {
	base

	mu       sync.RWMutex
	children znode.ChildSet

	// owned by the mirror goroutine
	notes       chan notification
	gen         uint64 // bumped when armed watches can no longer be trusted
	listArmed   bool
	parentArmed bool
	childArmed  map[string]bool
}

// NewChildrenMirror returns a mirror of the children of path. Listeners may be
// registered before Start.
func NewChildrenMirror(sess session.Session, path znode.Path, opts ...Option) *ChildrenMirror {
	return &ChildrenMirror{
		base:       newBase("children mirror", sess, path, opts),
		children:   make(znode.ChildSet),
		notes:      make(chan notification),
		childArmed: make(map[string]bool),
	}
}

// StartChildren creates and starts a mirror of the children of path.
func StartChildren(ctx context.Context, sess session.Session, path znode.Path, mode StartMode, opts ...Option) (*ChildrenMirror, error) {
	m := NewChildrenMirror(sess, path, opts...)
	if err := m.Start(ctx, mode); err != nil {
		return nil, err
	}
	return m, nil
}

// Start begins watching. With StartSyncBulk it returns after the initial child set
// is loaded, or with a ConnectionError when the session ends first.
func (m *ChildrenMirror) Start(ctx context.Context, mode StartMode) error {
	if err := m.begin(ctx); err != nil {
		return err
	}

	if mode == StartSyncBulk {
		if err := m.initialSync(); err != nil {
			m.abort(err)
			return err
		}
		go m.run(mode)
		return nil
	}

	go func() {
		if err := m.initialSync(); err != nil {
			if m.ctx.Err() == nil {
				m.setErr(err)
			}
			m.finish()
			return
		}
		m.run(mode)
	}()
	return nil
}

// Current returns a copy of the child set.
func (m *ChildrenMirror) Current() znode.ChildSet {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.children.Clone()
}

// Get returns a copy of one child, or nil when it is not known.
func (m *ChildrenMirror) Get(name string) *znode.Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.children[name].Clone()
}

// Len returns the number of known children.
func (m *ChildrenMirror) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.children)
}

// initialSync loads the child set without emitting events, retrying while the
// session reconnects.
func (m *ChildrenMirror) initialSync() error {
	for {
		err := m.resync(false)
		if err == nil {
			return nil
		}
		if m.ctx.Err() != nil {
			return &session.ConnectionError{Op: "start " + m.kind, Path: m.path, Err: ErrStopped}
		}
		m.invalidate()
		if !m.recover(err) {
			if m.ctx.Err() != nil {
				return &session.ConnectionError{Op: "start " + m.kind, Path: m.path, Err: ErrStopped}
			}
			return session.NewConnectionError("start "+m.kind, m.path, err)
		}
	}
}

func (m *ChildrenMirror) run(mode StartMode) {
	defer m.finish()

	switch mode {
	case StartAsyncSignaled:
		m.emit(ChangeEvent{Path: m.path, Kind: InitialSyncComplete, Initial: m.Current()})
	case StartNormal:
		for _, name := range m.names() {
			m.emit(ChangeEvent{Path: m.childPath(name), Kind: Added, Snapshot: m.Get(name)})
		}
	}

	for {
		select {
		case n := <-m.notes:
			if err := m.handle(n); err != nil {
				m.invalidate()
				if !m.recover(err) {
					return
				}
				for {
					err := m.resync(true)
					if err == nil {
						break
					}
					m.invalidate()
					if !m.recover(err) {
						return
					}
				}
			}
		case <-m.ctx.Done():
			return
		}
	}
}

func (m *ChildrenMirror) handle(n notification) error {
	if n.gen != m.gen {
		return nil
	}
	if n.event.Type == session.EventNotWatching {
		return &session.WatchLostError{Path: n.event.Path, Err: n.event.Err}
	}

	m.disarm(n)
	switch n.kind {
	case watchChildList, watchParent:
		return m.relist(true)
	default:
		return m.fetch(n.child, true)
	}
}

func (m *ChildrenMirror) disarm(n notification) {
	switch n.kind {
	case watchChildList:
		m.listArmed = false
	case watchParent:
		m.parentArmed = false
	default:
		delete(m.childArmed, n.child)
	}
}

// invalidate forgets every armed watch. Notifications from those watches are
// ignored from now on and the next resync arms new ones.
func (m *ChildrenMirror) invalidate() {
	m.gen++
	m.listArmed = false
	m.parentArmed = false
	clear(m.childArmed)
}

// resync relists the parent and re-reads every child whose watch is gone.
func (m *ChildrenMirror) resync(notify bool) error {
	if err := m.relist(notify); err != nil {
		return err
	}
	for _, name := range m.names() {
		if m.childArmed[name] {
			continue
		}
		if err := m.fetch(name, notify); err != nil {
			return err
		}
	}
	m.markSynced()
	return nil
}

// relist reads the child names and applies additions and removals.
func (m *ChildrenMirror) relist(notify bool) error {
	names, err := m.list()
	for errors.Is(err, session.ErrNoNode) {
		exists, werr := m.watchParent()
		if werr != nil {
			return werr
		}
		if !exists {
			names, err = nil, nil
			break
		}
		names, err = m.list()
	}
	if err != nil {
		return err
	}

	remote := mapset.NewThreadUnsafeSet[string]()
	for _, name := range names {
		if _, err := m.path.Child(name); err != nil {
			slog.Warn("children mirror skipped child", "path", m.path, "child", name, "error", err)
			continue
		}
		if m.opts.filter == nil || m.opts.filter(name) {
			remote.Add(name)
		}
	}
	local := mapset.NewThreadUnsafeSet[string](m.names()...)

	removed := local.Difference(remote).ToSlice()
	slices.Sort(removed)
	for _, name := range removed {
		m.remove(name, notify)
	}

	added := remote.Difference(local).ToSlice()
	slices.Sort(added)
	for _, name := range added {
		if err := m.fetch(name, notify); err != nil {
			return err
		}
	}
	return nil
}

func (m *ChildrenMirror) list() ([]string, error) {
	if m.listArmed {
		names, _, err := m.sess.Children(m.ctx, m.path)
		return names, err
	}
	names, _, watch, err := m.sess.ChildrenW(m.ctx, m.path)
	if err != nil {
		return nil, err
	}
	m.listArmed = true
	m.forward(watchChildList, "", watch)
	return names, nil
}

// watchParent arms a watch for the creation of a missing parent. It reports true
// when the parent showed up in the meantime.
func (m *ChildrenMirror) watchParent() (bool, error) {
	if m.parentArmed {
		return false, nil
	}
	exists, _, watch, err := m.sess.ExistsW(m.ctx, m.path)
	if err != nil {
		return false, err
	}
	m.parentArmed = true
	m.forward(watchParent, "", watch)
	return exists, nil
}

// fetch reads one child and applies the result.
func (m *ChildrenMirror) fetch(name string, notify bool) error {
	p := m.childPath(name)

	var (
		snap *znode.Snapshot
		err  error
	)
	if m.childArmed[name] {
		snap, err = m.sess.Get(m.ctx, p)
	} else {
		var watch <-chan session.Event
		snap, watch, err = m.sess.GetW(m.ctx, p)
		if err == nil {
			m.childArmed[name] = true
			m.forward(watchChild, name, watch)
		}
	}

	if errors.Is(err, session.ErrNoNode) {
		m.remove(name, notify)
		return nil
	}
	if err != nil {
		return err
	}

	snap = m.prepare(snap)
	m.mu.Lock()
	prev, known := m.children[name]
	changed := !known || !prev.SameRevision(snap)
	if changed {
		m.children[name] = snap
	}
	m.mu.Unlock()

	if changed && notify {
		kind := Updated
		if !known {
			kind = Added
		}
		m.emit(ChangeEvent{Path: p, Kind: kind, Snapshot: snap.Clone()})
	}
	return nil
}

func (m *ChildrenMirror) remove(name string, notify bool) {
	m.mu.Lock()
	_, known := m.children[name]
	delete(m.children, name)
	m.mu.Unlock()

	if known && notify {
		m.emit(ChangeEvent{Path: m.childPath(name), Kind: Removed})
	}
}

func (m *ChildrenMirror) names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.children.Names()
}

// childPath joins a name that relist already validated.
func (m *ChildrenMirror) childPath(name string) znode.Path {
	return m.path.MustChild(name)
}

// forward delivers the single event of watch to the mirror goroutine.
func (m *ChildrenMirror) forward(kind watchKind, child string, watch <-chan session.Event) {
	gen := m.gen
	go func() {
		select {
		case ev, ok := <-watch:
			if ok {
				m.notify(notification{kind: kind, child: child, gen: gen, event: ev})
			}
		case <-m.ctx.Done():
		}
	}()
}

func (m *ChildrenMirror) notify(n notification) {
	select {
	case m.notes <- n:
	case <-m.ctx.Done():
	}
}
