package session

import (
	"errors"
	"fmt"

	"github.com/openmined/treemirror/internal/znode"
)

var (
	// node errors
	ErrNoNode       = errors.New("session: node does not exist")
	ErrNodeExists   = errors.New("session: node already exists")
	ErrBadVersion   = errors.New("session: version conflict")
	ErrNotEmpty     = errors.New("session: node has children")
	ErrNoChildren   = errors.New("session: ephemeral nodes cannot have children")
	ErrBadArguments = errors.New("session: bad arguments")

	// connection errors
	ErrNotConnected    = errors.New("session: not connected")
	ErrConnectionLost  = errors.New("session: connection lost")
	ErrSessionExpired  = errors.New("session: session expired")
	ErrClosed          = errors.New("session: closed")
	ErrOperationFailed = errors.New("session: operation failed")
)

// ConnectionError reports that an operation could not reach the coordination service.
type ConnectionError struct {
	Op   string
	Path znode.Path
	Err  error
}

func (e *ConnectionError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// Permanent reports whether the session is gone for good.
func (e *ConnectionError) Permanent() bool {
	return errors.Is(e.Err, ErrSessionExpired) || errors.Is(e.Err, ErrClosed)
}

// WatchLostError reports that a watch was dropped before it observed a change.
type WatchLostError struct {
	Path znode.Path
	Err  error
}

func (e *WatchLostError) Error() string {
	return fmt.Sprintf("watch lost on %s: %v", e.Path, e.Err)
}

func (e *WatchLostError) Unwrap() error {
	return e.Err
}

// NewConnectionError wraps err when it is a connection failure and returns it
// unchanged otherwise.
func NewConnectionError(op string, path znode.Path, err error) error {
	if err == nil {
		return nil
	}
	var connErr *ConnectionError
	if errors.As(err, &connErr) {
		return err
	}
	if isConnectionSentinel(err) {
		return &ConnectionError{Op: op, Path: path, Err: err}
	}
	return err
}

// IsConnectionError reports whether err means the session was unavailable.
func IsConnectionError(err error) bool {
	var connErr *ConnectionError
	return errors.As(err, &connErr) || isConnectionSentinel(err)
}

// IsPermanent reports whether err means the session ended and will not recover.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrSessionExpired) || errors.Is(err, ErrClosed)
}

// IsRetryable reports whether an operation failing with err may succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConnectionLost) || errors.Is(err, ErrNotConnected)
}

func isConnectionSentinel(err error) bool {
	return errors.Is(err, ErrNotConnected) ||
		errors.Is(err, ErrConnectionLost) ||
		errors.Is(err, ErrSessionExpired) ||
		errors.Is(err, ErrClosed)
}
