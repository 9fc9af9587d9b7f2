package treesrv

import (
	"testing"
	"time"

	"github.com/openmined/treemirror/internal/memtree"
	"github.com/openmined/treemirror/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionStore_AttachDetach(t *testing.T) {
	store := newSessionStore(memtree.New(), time.Hour)

	e, resumed, err := store.attach("")
	require.NoError(t, err)
	assert.False(t, resumed)
	assert.Equal(t, session.StateConnected, e.sess.State())

	_, _, err = store.attach(e.id)
	assert.ErrorIs(t, err, ErrSessionBusy)

	store.detach(e)
	assert.Equal(t, session.StateDisconnected, e.sess.State())

	again, resumed, err := store.attach(e.id)
	require.NoError(t, err)
	assert.True(t, resumed)
	assert.Same(t, e, again)
	assert.Equal(t, session.StateConnected, e.sess.State())
	assert.Equal(t, 1, store.len())
}

func TestSessionStore_Expire(t *testing.T) {
	store := newSessionStore(memtree.New(), 10*time.Millisecond)

	e, _, err := store.attach("")
	require.NoError(t, err)
	store.detach(e)

	require.Eventually(t, func() bool { return store.len() == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, session.StateExpired, e.sess.State())

	fresh, resumed, err := store.attach(e.id)
	require.NoError(t, err)
	assert.False(t, resumed)
	assert.NotEqual(t, e.id, fresh.id)
}

func TestSessionStore_Close(t *testing.T) {
	store := newSessionStore(memtree.New(), time.Hour)

	e, _, err := store.attach("")
	require.NoError(t, err)
	require.NoError(t, store.close(e.id))
	assert.Equal(t, session.StateClosed, e.sess.State())
	assert.ErrorIs(t, store.close(e.id), ErrUnknownSession)

	// detaching a closed session is a no-op
	store.detach(e)
	assert.Equal(t, 0, store.len())
}
