package mirror_test

import (
	"context"
	"testing"
	"time"

	"github.com/openmined/treemirror/internal/dispatch"
	"github.com/openmined/treemirror/internal/memtree"
	"github.com/openmined/treemirror/internal/mirror"
	"github.com/openmined/treemirror/internal/session"
	"github.com/openmined/treemirror/internal/znode"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

type observable interface {
	Listeners() *dispatch.Listeners[mirror.ChangeEvent]
}

func record(m observable) <-chan mirror.ChangeEvent {
	ch := make(chan mirror.ChangeEvent, 128)
	m.Listeners().RegisterFunc(func(_ context.Context, ev mirror.ChangeEvent) error {
		ch <- ev
		return nil
	})
	return ch
}

func next(t *testing.T, ch <-chan mirror.ChangeEvent) mirror.ChangeEvent {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for change event")
		return mirror.ChangeEvent{}
	}
}

func assertQuiet(t *testing.T, ch <-chan mirror.ChangeEvent) {
	t.Helper()
	select {
	case ev := <-ch:
		t.Fatalf("unexpected change event %s", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func waitClosed(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for channel to close")
	}
}

func setup(t *testing.T) (context.Context, *memtree.Tree, *memtree.Session) {
	t.Helper()
	tree := memtree.New()
	s := tree.NewSession()
	t.Cleanup(func() { _ = s.Close() })
	return context.Background(), tree, s
}

func mustCreate(t *testing.T, s session.Session, p znode.Path, data string) {
	t.Helper()
	_, err := session.CreateAll(context.Background(), s, p, []byte(data), session.ModePersistent)
	require.NoError(t, err)
}

func mustSet(t *testing.T, s session.Session, p znode.Path, data string) {
	t.Helper()
	_, err := s.Set(context.Background(), p, []byte(data), session.AnyVersion)
	require.NoError(t, err)
}

func mustDelete(t *testing.T, s session.Session, p znode.Path) {
	t.Helper()
	require.NoError(t, s.Delete(context.Background(), p, session.AnyVersion))
}

func TestParseStartMode(t *testing.T) {
	for _, mode := range []mirror.StartMode{mirror.StartSyncBulk, mirror.StartAsyncSignaled, mirror.StartNormal} {
		got, err := mirror.ParseStartMode(mode.String())
		require.NoError(t, err)
		assert.Equal(t, mode, got)
	}
	got, err := mirror.ParseStartMode("post_initialized_event")
	require.NoError(t, err)
	assert.Equal(t, mirror.StartAsyncSignaled, got)

	_, err = mirror.ParseStartMode("eventually")
	assert.Error(t, err)
}

func TestEventKind_String(t *testing.T) {
	assert.Equal(t, "added", mirror.Added.String())
	assert.Equal(t, "updated", mirror.Updated.String())
	assert.Equal(t, "removed", mirror.Removed.String())
	assert.Equal(t, "initialized", mirror.InitialSyncComplete.String())
	assert.Equal(t, "kind(9)", mirror.EventKind(9).String())
}
