package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/openmined/treemirror/internal/mirror"
	"github.com/openmined/treemirror/internal/znode"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPreview(t *testing.T) {
	assert.Equal(t, `"nodecache  test"`, preview([]byte("nodecache  test")))
	assert.Equal(t, "(empty)", preview(nil))
	assert.Equal(t, "(binary)", preview([]byte{0xff, 0xfe}))

	long := strings.Repeat("x", 100)
	assert.Equal(t, `"`+strings.Repeat("x", maxPreview)+`..."`, preview([]byte(long)))
}

func TestPrinter_Text(t *testing.T) {
	var buf bytes.Buffer
	p := newPrinter(&buf, false)
	p.now = func() time.Time { return time.Date(2018, 9, 10, 7, 23, 51, 8_000_000, time.UTC) }

	snap := &znode.Snapshot{Path: "/curator/nodecache", Data: []byte("update"), Stat: znode.Stat{Version: 1, DataLength: 6}}
	require.NoError(t, p.event(mirror.ChangeEvent{Path: snap.Path, Kind: mirror.Updated, Snapshot: snap}))
	require.NoError(t, p.event(mirror.ChangeEvent{
		Path:    "/curator",
		Kind:    mirror.InitialSyncComplete,
		Initial: znode.ChildSet{"b": nil, "a": nil},
	}))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, `07:23:51.008 updated     /curator/nodecache v1 6 B "update"`, lines[0])
	assert.Equal(t, `07:23:51.008 initialized /curator 2 children a,b`, lines[1])
}

func TestPrinter_JSON(t *testing.T) {
	var buf bytes.Buffer
	p := newPrinter(&buf, true)

	require.NoError(t, p.event(mirror.ChangeEvent{Path: "/gone", Kind: mirror.Removed}))
	out := buf.String()
	assert.Contains(t, out, `"kind":"removed"`)
	assert.Contains(t, out, `"path":"/gone"`)
	assert.NotContains(t, out, `"version"`)
}
