// Package dispatch delivers events to registered listeners. Each Listeners value
// drains its own queue serially, so listeners observe events in publish order
// whether they run inline or on a shared Pool.
package dispatch

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// ID identifies a registered listener.
type ID string

func newID() ID {
	return ID(uuid.NewString())
}

// Listener receives events. A returned error is reported to the ErrorHandler and
// does not stop delivery of later events.
type Listener[T any] interface {
	OnEvent(ctx context.Context, event T) error
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc[T any] func(ctx context.Context, event T) error

func (f ListenerFunc[T]) OnEvent(ctx context.Context, event T) error {
	return f(ctx, event)
}

// CallbackError wraps the failure of a single listener on a single event.
type CallbackError struct {
	Name       string
	ListenerID ID
	Event      any
	Err        error
}

func (e *CallbackError) Error() string {
	return fmt.Sprintf("listener %s on %s: %v", e.ListenerID, e.Name, e.Err)
}

func (e *CallbackError) Unwrap() error {
	return e.Err
}

// ErrorHandler is called with every listener failure.
type ErrorHandler func(err *CallbackError)
