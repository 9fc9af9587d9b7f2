// Package session defines the contract between mirrors and a coordination-service
// client: tree operations, one-shot watches, session state and the retry policy
// applied to operations interrupted by connection loss.
package session

import (
	"context"
	"fmt"

	"github.com/openmined/treemirror/internal/znode"
)

// AnyVersion matches every node version in Set and Delete.
const AnyVersion int32 = -1

// Session is a live session with a coordination service.
//
// Watch channels returned by the *W methods are one-shot: they deliver exactly one
// Event and are then closed. A lost connection delivers EventNotWatching to every
// armed watch.
type Session interface {
	// State returns the current connection state.
	State() State
	// WaitConnected blocks until the session is connected. It returns a
	// *ConnectionError when the session has expired or was closed.
	WaitConnected(ctx context.Context) error

	Exists(ctx context.Context, path znode.Path) (bool, *znode.Stat, error)
	// ExistsW arms a watch that fires on creation, deletion or data change of path.
	ExistsW(ctx context.Context, path znode.Path) (bool, *znode.Stat, <-chan Event, error)

	// Get returns ErrNoNode for a missing node.
	Get(ctx context.Context, path znode.Path) (*znode.Snapshot, error)
	// GetW arms a watch that fires on deletion or data change of path. No watch is
	// armed when the node is missing.
	GetW(ctx context.Context, path znode.Path) (*znode.Snapshot, <-chan Event, error)

	Children(ctx context.Context, path znode.Path) ([]string, *znode.Stat, error)
	// ChildrenW arms a watch that fires when a child is added or removed, or when
	// path itself is deleted.
	ChildrenW(ctx context.Context, path znode.Path) ([]string, *znode.Stat, <-chan Event, error)

	Create(ctx context.Context, path znode.Path, data []byte, mode CreateMode) (znode.Path, error)
	Set(ctx context.Context, path znode.Path, data []byte, version int32) (*znode.Stat, error)
	Delete(ctx context.Context, path znode.Path, version int32) error

	// Close ends the session. Pending watches receive EventNotWatching.
	Close() error
}

// CreateMode selects the lifetime and naming of a created node.
type CreateMode int

const (
	ModePersistent CreateMode = iota
	ModeEphemeral
	ModePersistentSequential
	ModeEphemeralSequential
)

func (m CreateMode) IsEphemeral() bool {
	return m == ModeEphemeral || m == ModeEphemeralSequential
}

func (m CreateMode) IsSequential() bool {
	return m == ModePersistentSequential || m == ModeEphemeralSequential
}

func (m CreateMode) String() string {
	switch m {
	case ModePersistent:
		return "persistent"
	case ModeEphemeral:
		return "ephemeral"
	case ModePersistentSequential:
		return "persistent_sequential"
	case ModeEphemeralSequential:
		return "ephemeral_sequential"
	default:
		return "unknown"
	}
}

// ParseCreateMode parses the names returned by CreateMode.String. An empty string
// means ModePersistent.
func ParseCreateMode(s string) (CreateMode, error) {
	for m := ModePersistent; m <= ModeEphemeralSequential; m++ {
		if s == m.String() {
			return m, nil
		}
	}
	if s == "" {
		return ModePersistent, nil
	}
	return 0, fmt.Errorf("%w: create mode %q", ErrBadArguments, s)
}
