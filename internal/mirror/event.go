package mirror

import (
	"fmt"

	"github.com/openmined/treemirror/internal/znode"
)

// EventKind classifies a change observed by a mirror.
type EventKind int

const (
	Added EventKind = iota + 1
	Updated
	Removed
	InitialSyncComplete
)

func (k EventKind) String() string {
	switch k {
	case Added:
		return "added"
	case Updated:
		return "updated"
	case Removed:
		return "removed"
	case InitialSyncComplete:
		return "initialized"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ChangeEvent is emitted once per observed transition.
type ChangeEvent struct {
	Path znode.Path
	Kind EventKind
	// Snapshot is the new state. It is nil for Removed and InitialSyncComplete.
	Snapshot *znode.Snapshot
	// Initial holds the child set fetched at start. Only set on InitialSyncComplete.
	Initial znode.ChildSet
}

func (e ChangeEvent) String() string {
	if e.Snapshot == nil {
		return fmt.Sprintf("ChangeEvent{%s %s}", e.Kind, e.Path)
	}
	return fmt.Sprintf("ChangeEvent{%s %s v%d}", e.Kind, e.Path, e.Snapshot.Version())
}

// State is the lifecycle state of a mirror.
type State int32

const (
	Uninitialized State = iota
	Synced
	Suspended
	Closed
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Synced:
		return "synced"
	case Suspended:
		return "suspended"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// StartMode selects how a ChildrenMirror builds its initial child set.
type StartMode int

const (
	// StartSyncBulk blocks Start until the child set is fetched. No events are
	// emitted for the initial children.
	StartSyncBulk StartMode = iota
	// StartAsyncSignaled fetches in the background and then emits a single
	// InitialSyncComplete carrying the initial child set.
	StartAsyncSignaled
	// StartNormal fetches in the background and reports each initial child as Added.
	StartNormal
)

func (m StartMode) String() string {
	switch m {
	case StartSyncBulk:
		return "sync"
	case StartAsyncSignaled:
		return "signaled"
	case StartNormal:
		return "normal"
	default:
		return "unknown"
	}
}

// ParseStartMode parses the names returned by StartMode.String.
func ParseStartMode(s string) (StartMode, error) {
	switch s {
	case "sync", "sync_bulk", "build_initial_cache":
		return StartSyncBulk, nil
	case "signaled", "async_signaled", "post_initialized_event":
		return StartAsyncSignaled, nil
	case "normal", "async":
		return StartNormal, nil
	default:
		return 0, fmt.Errorf("mirror: unknown start mode %q", s)
	}
}
