package session_test

import (
	"context"
	"testing"

	"github.com/openmined/treemirror/internal/memtree"
	"github.com/openmined/treemirror/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateAllDeleteAll(t *testing.T) {
	ctx := context.Background()
	s := memtree.New().NewSession()

	p, err := session.CreateAll(ctx, s, "/curator/a/b", []byte("leaf"), session.ModePersistent)
	require.NoError(t, err)
	assert.Equal(t, "/curator/a/b", p.String())

	// parents already exist the second time
	_, err = session.CreateAll(ctx, s, "/curator/a/c", nil, session.ModePersistent)
	require.NoError(t, err)

	names, _, err := s.Children(ctx, "/curator/a")
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, names)

	require.NoError(t, session.DeleteAll(ctx, s, "/curator"))
	ok, _, err := s.Exists(ctx, "/curator")
	require.NoError(t, err)
	assert.False(t, ok)

	// deleting something missing is fine
	assert.NoError(t, session.DeleteAll(ctx, s, "/curator"))
}
