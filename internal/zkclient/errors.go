package zkclient

import (
	"errors"
	"fmt"

	"github.com/go-zookeeper/zk"
	"github.com/openmined/treemirror/internal/session"
	"github.com/openmined/treemirror/internal/znode"
)

var errMap = []struct {
	from error
	to   error
}{
	{zk.ErrNoNode, session.ErrNoNode},
	{zk.ErrNodeExists, session.ErrNodeExists},
	{zk.ErrBadVersion, session.ErrBadVersion},
	{zk.ErrNotEmpty, session.ErrNotEmpty},
	{zk.ErrNoChildrenForEphemerals, session.ErrNoChildren},
	{zk.ErrBadArguments, session.ErrBadArguments},
	{zk.ErrInvalidPath, session.ErrBadArguments},
	{zk.ErrClosing, session.ErrClosed},
	// the library opens a new session on its own, so these only cost the watches
	{zk.ErrSessionExpired, session.ErrConnectionLost},
	{zk.ErrConnectionClosed, session.ErrConnectionLost},
	{zk.ErrNoServer, session.ErrConnectionLost},
	{zk.ErrSessionMoved, session.ErrConnectionLost},
}

// mapError translates a zk error into the session error set.
func mapError(op string, path znode.Path, err error) error {
	if err == nil {
		return nil
	}
	for _, m := range errMap {
		if errors.Is(err, m.from) {
			return session.NewConnectionError(op, path, m.to)
		}
	}
	return fmt.Errorf("%s %s: %w: %v", op, path, session.ErrOperationFailed, err)
}

func mapState(s zk.State) session.State {
	switch s {
	case zk.StateHasSession, zk.StateConnected, zk.StateConnectedReadOnly:
		return session.StateConnected
	case zk.StateConnecting:
		return session.StateConnecting
	default:
		// includes StateExpired: the connection loop re-establishes a new session
		return session.StateDisconnected
	}
}

var eventTypes = map[zk.EventType]session.EventType{
	zk.EventNodeCreated:         session.EventNodeCreated,
	zk.EventNodeDeleted:         session.EventNodeDeleted,
	zk.EventNodeDataChanged:     session.EventNodeDataChanged,
	zk.EventNodeChildrenChanged: session.EventNodeChildrenChanged,
	zk.EventNotWatching:         session.EventNotWatching,
}

func mapEvent(path znode.Path, ev zk.Event) session.Event {
	out := session.Event{Path: path, State: mapState(ev.State)}
	typ, ok := eventTypes[ev.Type]
	if !ok || ev.Type == zk.EventNotWatching {
		out.Type = session.EventNotWatching
		out.Err = session.ErrConnectionLost
		if errors.Is(ev.Err, zk.ErrClosing) {
			out.Err = session.ErrClosed
			out.State = session.StateClosed
		}
		return out
	}
	out.Type = typ
	return out
}

func toStat(s *zk.Stat) *znode.Stat {
	if s == nil {
		return nil
	}
	return &znode.Stat{
		Czxid:          s.Czxid,
		Mzxid:          s.Mzxid,
		Ctime:          s.Ctime,
		Mtime:          s.Mtime,
		Version:        s.Version,
		Cversion:       s.Cversion,
		Aversion:       s.Aversion,
		EphemeralOwner: s.EphemeralOwner,
		DataLength:     s.DataLength,
		NumChildren:    s.NumChildren,
		Pzxid:          s.Pzxid,
	}
}

func createFlags(mode session.CreateMode) (int32, error) {
	switch mode {
	case session.ModePersistent:
		return 0, nil
	case session.ModeEphemeral:
		return zk.FlagEphemeral, nil
	case session.ModePersistentSequential:
		return zk.FlagSequence, nil
	case session.ModeEphemeralSequential:
		return zk.FlagEphemeral | zk.FlagSequence, nil
	default:
		return 0, session.ErrBadArguments
	}
}
