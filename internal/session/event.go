package session

import (
	"fmt"

	"github.com/openmined/treemirror/internal/znode"
)

// EventType is the kind of change a watch reports.
type EventType int

const (
	EventNodeCreated EventType = iota + 1
	EventNodeDeleted
	EventNodeDataChanged
	EventNodeChildrenChanged
	// EventNotWatching means the watch was dropped without observing a change,
	// usually because the connection was lost or the session ended.
	EventNotWatching
)

var eventTypeNames = map[EventType]string{
	EventNodeCreated:         "node_created",
	EventNodeDeleted:         "node_deleted",
	EventNodeDataChanged:     "node_data_changed",
	EventNodeChildrenChanged: "node_children_changed",
	EventNotWatching:         "not_watching",
}

func (t EventType) String() string {
	if name, ok := eventTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("event(%d)", int(t))
}

// ParseEventType is the inverse of EventType.String.
func ParseEventType(s string) (EventType, error) {
	for t, name := range eventTypeNames {
		if name == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("session: unknown event type %q", s)
}

// Event is delivered once on a watch channel.
type Event struct {
	Type  EventType
	Path  znode.Path
	State State
	Err   error
}

func (e Event) String() string {
	if e.Err != nil {
		return fmt.Sprintf("Event{%s %s state=%s err=%v}", e.Type, e.Path, e.State, e.Err)
	}
	return fmt.Sprintf("Event{%s %s state=%s}", e.Type, e.Path, e.State)
}

// State is the connection state of a session.
type State int

const (
	StateConnecting State = iota
	StateConnected
	StateDisconnected
	StateExpired
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateExpired:
		return "expired"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further state change can happen.
func (s State) Terminal() bool {
	return s == StateExpired || s == StateClosed
}

// StateErr maps a non-connected state to the error reported to callers.
func StateErr(s State) error {
	switch s {
	case StateConnected:
		return nil
	case StateExpired:
		return ErrSessionExpired
	case StateClosed:
		return ErrClosed
	default:
		return ErrNotConnected
	}
}
