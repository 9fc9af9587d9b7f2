package mirror_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/openmined/treemirror/internal/memtree"
	"github.com/openmined/treemirror/internal/mirror"
	"github.com/openmined/treemirror/internal/session"
	"github.com/openmined/treemirror/internal/znode"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const parentPath = znode.Path("/services/api")

func child(name string) znode.Path {
	return znode.MustParsePath(parentPath.String() + "/" + name)
}

func seed(t *testing.T, s session.Session, children map[string]string) {
	t.Helper()
	mustCreate(t, s, parentPath, "")
	for name, data := range children {
		mustCreate(t, s, child(name), data)
	}
}

func TestChildrenMirror_SyncBulk(t *testing.T) {
	ctx, _, s := setup(t)
	seed(t, s, map[string]string{"a": "1", "b": "2"})

	m := mirror.NewChildrenMirror(s, parentPath)
	events := record(m)
	require.NoError(t, m.Start(ctx, mirror.StartSyncBulk))
	defer m.Stop()

	// the initial set is loaded when Start returns
	cur := m.Current()
	assert.Equal(t, []string{"a", "b"}, cur.Names())
	assert.Equal(t, "2", string(cur["b"].Data))
	assert.Equal(t, mirror.Synced, m.State())
	assertQuiet(t, events)

	mustCreate(t, s, child("c"), "3")
	ev := next(t, events)
	assert.Equal(t, mirror.Added, ev.Kind)
	assert.Equal(t, child("c"), ev.Path)
	assert.Equal(t, "3", string(ev.Snapshot.Data))

	mustSet(t, s, child("a"), "10")
	ev = next(t, events)
	assert.Equal(t, mirror.Updated, ev.Kind)
	assert.Equal(t, child("a"), ev.Path)
	assert.Equal(t, "10", string(ev.Snapshot.Data))

	mustDelete(t, s, child("b"))
	ev = next(t, events)
	assert.Equal(t, mirror.Removed, ev.Kind)
	assert.Equal(t, child("b"), ev.Path)
	assert.Nil(t, ev.Snapshot)

	// the child watch and the list watch both fire on delete; report it once
	assertQuiet(t, events)
	assert.Equal(t, []string{"a", "c"}, m.Current().Names())
	assert.Nil(t, m.Get("b"))
	assert.Equal(t, 2, m.Len())
}

func TestChildrenMirror_AsyncSignaled(t *testing.T) {
	ctx, _, s := setup(t)
	seed(t, s, map[string]string{"a": "1", "b": "2"})

	m := mirror.NewChildrenMirror(s, parentPath)
	events := record(m)
	require.NoError(t, m.Start(ctx, mirror.StartAsyncSignaled))
	defer m.Stop()

	mustCreate(t, s, child("c"), "3")

	ev := next(t, events)
	require.Equal(t, mirror.InitialSyncComplete, ev.Kind)
	assert.Equal(t, parentPath, ev.Path)
	assert.Nil(t, ev.Snapshot)

	// c may or may not be part of the initial set, but it is never reported twice
	initial := ev.Initial.Names()
	assert.Subset(t, initial, []string{"a", "b"})
	if len(initial) == 2 {
		ev = next(t, events)
		assert.Equal(t, mirror.Added, ev.Kind)
		assert.Equal(t, child("c"), ev.Path)
	}
	assertQuiet(t, events)
	waitClosed(t, m.Synced())
	assert.Equal(t, []string{"a", "b", "c"}, m.Current().Names())
}

func TestChildrenMirror_Normal(t *testing.T) {
	ctx, _, s := setup(t)
	seed(t, s, map[string]string{"b": "2", "a": "1"})

	m := mirror.NewChildrenMirror(s, parentPath)
	events := record(m)
	require.NoError(t, m.Start(ctx, mirror.StartNormal))
	defer m.Stop()

	for _, name := range []string{"a", "b"} {
		ev := next(t, events)
		assert.Equal(t, mirror.Added, ev.Kind)
		assert.Equal(t, child(name), ev.Path)
	}
	assertQuiet(t, events)
}

func TestChildrenMirror_MissingParent(t *testing.T) {
	ctx, _, s := setup(t)

	m, err := mirror.StartChildren(ctx, s, parentPath, mirror.StartSyncBulk)
	require.NoError(t, err)
	defer m.Stop()
	events := record(m)
	assert.Empty(t, m.Current())

	mustCreate(t, s, parentPath, "")
	mustCreate(t, s, child("a"), "1")
	ev := next(t, events)
	assert.Equal(t, mirror.Added, ev.Kind)
	assert.Equal(t, child("a"), ev.Path)

	// removing the parent removes every child
	require.NoError(t, session.DeleteAll(ctx, s, parentPath))
	ev = next(t, events)
	assert.Equal(t, mirror.Removed, ev.Kind)
	assert.Empty(t, m.Current())

	mustCreate(t, s, child("b"), "2")
	ev = next(t, events)
	assert.Equal(t, mirror.Added, ev.Kind)
	assert.Equal(t, child("b"), ev.Path)
}

func TestChildrenMirror_Filter(t *testing.T) {
	ctx, _, s := setup(t)
	seed(t, s, map[string]string{"lock-1": "", "member-1": "x"})

	m := mirror.NewChildrenMirror(s, parentPath, mirror.WithChildFilter(func(name string) bool {
		return strings.HasPrefix(name, "member-")
	}))
	events := record(m)
	require.NoError(t, m.Start(ctx, mirror.StartSyncBulk))
	defer m.Stop()

	assert.Equal(t, []string{"member-1"}, m.Current().Names())

	mustCreate(t, s, child("lock-2"), "")
	mustCreate(t, s, child("member-2"), "y")
	ev := next(t, events)
	assert.Equal(t, child("member-2"), ev.Path)
	assertQuiet(t, events)
}

func TestChildrenMirror_SequentialChildren(t *testing.T) {
	ctx, _, s := setup(t)
	seed(t, s, nil)

	m, err := mirror.StartChildren(ctx, s, parentPath, mirror.StartSyncBulk, mirror.WithoutData())
	require.NoError(t, err)
	defer m.Stop()
	events := record(m)

	p, err := s.Create(ctx, child("job-"), []byte("payload"), session.ModePersistentSequential)
	require.NoError(t, err)

	ev := next(t, events)
	assert.Equal(t, mirror.Added, ev.Kind)
	assert.Equal(t, p, ev.Path)
	assert.Nil(t, ev.Snapshot.Data)
	assert.Equal(t, int32(7), ev.Snapshot.Stat.DataLength)
}

func TestChildrenMirror_ResyncAfterDisconnect(t *testing.T) {
	ctx, tree, s := setup(t)
	writer := tree.NewSession()
	defer writer.Close()
	seed(t, writer, map[string]string{"a": "1", "b": "2", "c": "3"})

	m := mirror.NewChildrenMirror(s, parentPath)
	events := record(m)
	require.NoError(t, m.Start(ctx, mirror.StartSyncBulk))
	defer m.Stop()

	s.Disconnect()
	require.Eventually(t, func() bool { return m.State() == mirror.Suspended }, waitFor, 10*time.Millisecond)

	mustDelete(t, writer, child("a"))
	mustSet(t, writer, child("b"), "20")
	mustCreate(t, writer, child("d"), "4")
	assertQuiet(t, events)

	s.Reconnect()
	got := map[znode.Path]mirror.EventKind{}
	for i := 0; i < 3; i++ {
		ev := next(t, events)
		got[ev.Path] = ev.Kind
	}
	assert.Equal(t, map[znode.Path]mirror.EventKind{
		child("a"): mirror.Removed,
		child("b"): mirror.Updated,
		child("d"): mirror.Added,
	}, got)
	assertQuiet(t, events)
	assert.Equal(t, []string{"b", "c", "d"}, m.Current().Names())
	assert.Equal(t, "20", string(m.Get("b").Data))

	// watches from before the outage do not double up
	mustSet(t, writer, child("c"), "30")
	ev := next(t, events)
	assert.Equal(t, mirror.Updated, ev.Kind)
	assert.Equal(t, child("c"), ev.Path)
	assertQuiet(t, events)
}

func TestChildrenMirror_SyncBulkFailsOnClosedSession(t *testing.T) {
	ctx, _, s := setup(t)
	require.NoError(t, s.Close())

	_, err := mirror.StartChildren(ctx, s, parentPath, mirror.StartSyncBulk)
	var connErr *session.ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.True(t, connErr.Permanent())
}

func TestChildrenMirror_ClosesOnExpiry(t *testing.T) {
	ctx, _, s := setup(t)
	seed(t, s, map[string]string{"a": "1"})

	m, err := mirror.StartChildren(ctx, s, parentPath, mirror.StartSyncBulk)
	require.NoError(t, err)

	s.Expire()
	waitClosed(t, m.Done())
	assert.Equal(t, mirror.Closed, m.State())
	assert.ErrorIs(t, m.Err(), session.ErrSessionExpired)
}

func TestChildrenMirror_StopDeliversQueuedEvents(t *testing.T) {
	ctx, _, s := setup(t)
	seed(t, s, map[string]string{"a": "1", "b": "2"})

	m := mirror.NewChildrenMirror(s, parentPath)
	events := record(m)
	require.NoError(t, m.Start(ctx, mirror.StartNormal))

	waitClosed(t, m.Synced())
	require.Equal(t, mirror.Added, next(t, events).Kind)
	m.Stop()
	waitClosed(t, m.Done())
	assert.Equal(t, mirror.Closed, m.State())
	assert.NoError(t, m.Err())
}

func TestChildrenMirror_Nodecache2(t *testing.T) {
	ctx, _, s := setup(t)
	root := znode.Path("/curator")
	node := root.MustChild("nodecache2")
	mustCreate(t, s, root, "")

	m := mirror.NewChildrenMirror(s, root)
	events := record(m)
	require.NoError(t, m.Start(ctx, mirror.StartAsyncSignaled))
	defer m.Stop()

	ev := next(t, events)
	require.Equal(t, mirror.InitialSyncComplete, ev.Kind)
	assert.Empty(t, ev.Initial)

	mustCreate(t, s, node, "nodecache  test")
	ev = next(t, events)
	assert.Equal(t, mirror.Added, ev.Kind)
	assert.Equal(t, node, ev.Path)
	assert.Equal(t, "nodecache  test", string(ev.Snapshot.Data))

	mustSet(t, s, node, "update")
	ev = next(t, events)
	assert.Equal(t, mirror.Updated, ev.Kind)
	assert.Equal(t, node, ev.Path)
	assert.Equal(t, "update", string(ev.Snapshot.Data))
	assert.Equal(t, "update", string(m.Get("nodecache2").Data))

	mustDelete(t, s, node)
	ev = next(t, events)
	assert.Equal(t, mirror.Removed, ev.Kind)
	assert.Equal(t, node, ev.Path)
	assert.NotContains(t, m.Current(), "nodecache2")
	assertQuiet(t, events)
}

// junkChildSession reports one child name that is not a valid path segment.
type junkChildSession struct {
	*memtree.Session
}

func (j junkChildSession) Children(ctx context.Context, path znode.Path) ([]string, *znode.Stat, error) {
	names, stat, err := j.Session.Children(ctx, path)
	if err != nil {
		return nil, nil, err
	}
	return append(names, "bad/name"), stat, nil
}

func (j junkChildSession) ChildrenW(ctx context.Context, path znode.Path) ([]string, *znode.Stat, <-chan session.Event, error) {
	names, stat, watch, err := j.Session.ChildrenW(ctx, path)
	if err != nil {
		return nil, nil, nil, err
	}
	return append(names, "bad/name"), stat, watch, nil
}

func TestChildrenMirror_SkipsInvalidChildNames(t *testing.T) {
	ctx, _, s := setup(t)
	seed(t, s, map[string]string{"a": "1"})

	m := mirror.NewChildrenMirror(junkChildSession{s}, parentPath)
	events := record(m)
	require.NoError(t, m.Start(ctx, mirror.StartNormal))
	defer m.Stop()

	ev := next(t, events)
	assert.Equal(t, mirror.Added, ev.Kind)
	assert.Equal(t, child("a"), ev.Path)
	assertQuiet(t, events)
	assert.Equal(t, []string{"a"}, m.Current().Names())

	mustCreate(t, s, child("b"), "2")
	ev = next(t, events)
	assert.Equal(t, mirror.Added, ev.Kind)
	assert.Equal(t, child("b"), ev.Path)
}
