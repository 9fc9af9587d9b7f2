package treeclient_test

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/openmined/treemirror/internal/memtree"
	"github.com/openmined/treemirror/internal/mirror"
	"github.com/openmined/treemirror/internal/session"
	"github.com/openmined/treemirror/internal/treeclient"
	"github.com/openmined/treemirror/internal/treesrv"
	"github.com/openmined/treemirror/internal/wsproto"
	"github.com/openmined/treemirror/internal/znode"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

var fastRetry = session.RetryPolicy{BaseSleep: 10 * time.Millisecond, MaxSleep: 50 * time.Millisecond, MaxRetries: 20}

func setupRemote(t *testing.T) (*treesrv.Server, *httptest.Server) {
	t.Helper()
	srv, err := treesrv.New(&treesrv.Config{SessionGrace: time.Minute}, memtree.New())
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		_ = srv.Stop(context.Background())
		ts.Close()
	})
	return srv, ts
}

func dial(t *testing.T, ts *httptest.Server, opts ...treeclient.Option) *treeclient.Client {
	t.Helper()
	opts = append([]treeclient.Option{
		treeclient.WithRetryPolicy(fastRetry),
		treeclient.WithMaxReconnectInterval(50 * time.Millisecond),
	}, opts...)
	c, err := treeclient.Dial(context.Background(), ts.URL, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func recv(t *testing.T, ch <-chan session.Event) session.Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "watch closed without an event")
		return ev
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for watch")
		return session.Event{}
	}
}

func TestDial_BadURL(t *testing.T) {
	_, err := treeclient.Dial(context.Background(), "ftp://example.com")
	assert.ErrorIs(t, err, session.ErrBadArguments)
}

func TestDial_Unreachable(t *testing.T) {
	_, err := treeclient.Dial(context.Background(), "http://127.0.0.1:1", treeclient.WithConnectTimeout(200*time.Millisecond))
	require.Error(t, err)
	assert.True(t, session.IsConnectionError(err))
}

func TestClient_Operations(t *testing.T) {
	for _, enc := range []wsproto.Encoding{wsproto.EncodingJSON, wsproto.EncodingMsgPack} {
		t.Run(enc.String(), func(t *testing.T) {
			_, ts := setupRemote(t)
			c := dial(t, ts, treeclient.WithEncoding(enc))
			ctx := context.Background()
			assert.Equal(t, session.StateConnected, c.State())
			assert.NotEmpty(t, c.SessionID())

			created, err := session.CreateAll(ctx, c, "/curator/nodecache", []byte("nodecache  test"), session.ModePersistent)
			require.NoError(t, err)
			assert.Equal(t, znode.Path("/curator/nodecache"), created)

			_, err = c.Create(ctx, "/curator/nodecache", nil, session.ModePersistent)
			assert.ErrorIs(t, err, session.ErrNodeExists)

			snap, err := c.Get(ctx, "/curator/nodecache")
			require.NoError(t, err)
			assert.Equal(t, "nodecache  test", string(snap.Data))
			assert.Equal(t, int32(0), snap.Version())

			ok, stat, err := c.Exists(ctx, "/curator/nodecache")
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, int32(len("nodecache  test")), stat.DataLength)

			ok, _, err = c.Exists(ctx, "/curator/missing")
			require.NoError(t, err)
			assert.False(t, ok)

			_, err = c.Set(ctx, "/curator/nodecache", []byte("update"), 5)
			assert.ErrorIs(t, err, session.ErrBadVersion)
			stat, err = c.Set(ctx, "/curator/nodecache", []byte("update"), 0)
			require.NoError(t, err)
			assert.Equal(t, int32(1), stat.Version)

			seq, err := c.Create(ctx, "/curator/job-", nil, session.ModePersistentSequential)
			require.NoError(t, err)
			assert.Equal(t, znode.Path("/curator/job-0000000001"), seq)

			names, _, err := c.Children(ctx, "/curator")
			require.NoError(t, err)
			assert.ElementsMatch(t, []string{"nodecache", "job-0000000001"}, names)

			assert.ErrorIs(t, c.Delete(ctx, "/curator", session.AnyVersion), session.ErrNotEmpty)
			require.NoError(t, session.DeleteAll(ctx, c, "/curator"))

			_, err = c.Get(ctx, "/curator/nodecache")
			assert.ErrorIs(t, err, session.ErrNoNode)
			_, _, err = c.Children(ctx, "/curator")
			assert.ErrorIs(t, err, session.ErrNoNode)
		})
	}
}

func TestClient_Watches(t *testing.T) {
	_, ts := setupRemote(t)
	c := dial(t, ts)
	admin := treeclient.NewAdmin(ts.URL)
	ctx := context.Background()

	ok, _, existsW, err := c.ExistsW(ctx, "/node")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = admin.Create(ctx, "/node", []byte("v0"), session.ModePersistent, false)
	require.NoError(t, err)
	ev := recv(t, existsW)
	assert.Equal(t, session.EventNodeCreated, ev.Type)
	assert.Equal(t, znode.Path("/node"), ev.Path)

	_, getW, err := c.GetW(ctx, "/node")
	require.NoError(t, err)
	_, _, childW, err := c.ChildrenW(ctx, "/node")
	require.NoError(t, err)

	_, err = admin.Set(ctx, "/node", []byte("v1"), session.AnyVersion)
	require.NoError(t, err)
	assert.Equal(t, session.EventNodeDataChanged, recv(t, getW).Type)

	_, err = admin.Create(ctx, "/node/child", nil, session.ModePersistent, false)
	require.NoError(t, err)
	assert.Equal(t, session.EventNodeChildrenChanged, recv(t, childW).Type)
}

func TestClient_ResumesAfterSocketDrop(t *testing.T) {
	srv, ts := setupRemote(t)
	c := dial(t, ts)
	ctx := context.Background()

	_, err := c.Create(ctx, "/member", nil, session.ModeEphemeral)
	require.NoError(t, err)
	_, _, watch, err := c.ExistsW(ctx, "/member")
	require.NoError(t, err)
	sid := c.SessionID()

	srv.Kick(sid)

	ev := recv(t, watch)
	assert.Equal(t, session.EventNotWatching, ev.Type)
	assert.ErrorIs(t, ev.Err, session.ErrConnectionLost)

	waitCtx, cancel := context.WithTimeout(ctx, waitFor)
	defer cancel()
	require.NoError(t, c.WaitConnected(waitCtx))
	assert.Equal(t, sid, c.SessionID())

	ok, _, err := c.Exists(ctx, "/member")
	require.NoError(t, err)
	assert.True(t, ok, "ephemeral node must survive a resumed session")
}

func TestClient_ExpiresWhenSessionEnds(t *testing.T) {
	_, ts := setupRemote(t)
	c := dial(t, ts)
	ctx := context.Background()

	_, _, watch, err := c.ExistsW(ctx, "/anything")
	require.NoError(t, err)

	require.NoError(t, treeclient.NewAdmin(ts.URL).CloseSession(ctx, c.SessionID()))

	ev := recv(t, watch)
	assert.Equal(t, session.EventNotWatching, ev.Type)

	require.Eventually(t, func() bool { return c.State() == session.StateExpired }, waitFor, 10*time.Millisecond)

	err = c.WaitConnected(ctx)
	require.Error(t, err)
	assert.True(t, session.IsPermanent(err))

	_, err = c.Get(ctx, "/anything")
	assert.ErrorIs(t, err, session.ErrSessionExpired)
}

func TestClient_CloseRemovesEphemerals(t *testing.T) {
	_, ts := setupRemote(t)
	ctx := context.Background()

	c, err := treeclient.Dial(ctx, ts.URL, treeclient.WithRetryPolicy(fastRetry))
	require.NoError(t, err)
	_, err = c.Create(ctx, "/member", nil, session.ModeEphemeral)
	require.NoError(t, err)

	require.NoError(t, c.Close())
	assert.Equal(t, session.StateClosed, c.State())
	require.NoError(t, c.Close())

	_, _, err = c.Exists(ctx, "/member")
	assert.ErrorIs(t, err, session.ErrClosed)

	_, err = treeclient.NewAdmin(ts.URL).Get(ctx, "/member")
	assert.ErrorIs(t, err, session.ErrNoNode)

	stats, err := treeclient.NewAdmin(ts.URL).Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.RemoteSessions)
}

func TestAdmin_Errors(t *testing.T) {
	_, ts := setupRemote(t)
	admin := treeclient.NewAdmin(ts.URL)
	ctx := context.Background()

	_, err := admin.Create(ctx, "/a/b", nil, session.ModePersistent, false)
	assert.ErrorIs(t, err, session.ErrNoNode)

	_, err = admin.Create(ctx, "/a/b", []byte("x"), session.ModePersistent, true)
	require.NoError(t, err)

	names, _, err := admin.Children(ctx, "/a")
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, names)

	_, err = admin.Set(ctx, "/a/b", []byte("y"), 3)
	assert.ErrorIs(t, err, session.ErrBadVersion)

	assert.ErrorIs(t, admin.Delete(ctx, "/a", session.AnyVersion, false), session.ErrNotEmpty)
	require.NoError(t, admin.Delete(ctx, "/a", session.AnyVersion, true))

	assert.ErrorIs(t, admin.CloseSession(ctx, "nope"), session.ErrOperationFailed)

	unreachable := treeclient.NewAdmin("http://127.0.0.1:1")
	err = unreachable.Health(ctx)
	assert.True(t, session.IsConnectionError(err))
}

func TestNodeMirror_OverRemoteSession(t *testing.T) {
	srv, ts := setupRemote(t)
	c := dial(t, ts)
	admin := treeclient.NewAdmin(ts.URL)
	ctx := context.Background()
	const path = znode.Path("/curator/nodecache")

	_, err := admin.Create(ctx, path, []byte("nodecache  test"), session.ModePersistent, true)
	require.NoError(t, err)

	m := mirror.NewNodeMirror(c, path, mirror.WithDeletionTracking())
	events := make(chan mirror.ChangeEvent, 16)
	m.Listeners().RegisterFunc(func(_ context.Context, ev mirror.ChangeEvent) error {
		events <- ev
		return nil
	})
	require.NoError(t, m.Start(ctx))
	defer m.Stop()

	next := func() mirror.ChangeEvent {
		t.Helper()
		select {
		case ev := <-events:
			return ev
		case <-time.After(waitFor):
			t.Fatal("timed out waiting for change event")
			return mirror.ChangeEvent{}
		}
	}

	ev := next()
	assert.Equal(t, mirror.Added, ev.Kind)
	assert.Equal(t, "nodecache  test", string(ev.Snapshot.Data))

	_, err = admin.Set(ctx, path, []byte("update"), session.AnyVersion)
	require.NoError(t, err)
	ev = next()
	assert.Equal(t, mirror.Updated, ev.Kind)
	assert.Equal(t, "update", string(ev.Snapshot.Data))

	// a change made while the socket is down is picked up after resuming
	srv.Kick(c.SessionID())
	_, err = admin.Set(ctx, path, []byte("offline"), session.AnyVersion)
	require.NoError(t, err)
	ev = next()
	assert.Equal(t, mirror.Updated, ev.Kind)
	assert.Equal(t, "offline", string(ev.Snapshot.Data))

	require.NoError(t, admin.Delete(ctx, path, session.AnyVersion, false))
	ev = next()
	assert.Equal(t, mirror.Removed, ev.Kind)
	assert.Nil(t, m.Current())
}
