package wsproto

import (
	"errors"
	"fmt"

	"github.com/openmined/treemirror/internal/session"
	"github.com/openmined/treemirror/internal/znode"
)

// Error codes shared by the REST API and the socket protocol.
const (
	CodeNoNode         = "E_NO_NODE"
	CodeNodeExists     = "E_NODE_EXISTS"
	CodeBadVersion     = "E_BAD_VERSION"
	CodeNotEmpty       = "E_NOT_EMPTY"
	CodeNoChildren     = "E_NO_CHILDREN"
	CodeBadArguments   = "E_BAD_ARGUMENTS"
	CodeInvalidPath    = "E_INVALID_PATH"
	CodeNotConnected   = "E_NOT_CONNECTED"
	CodeConnectionLost = "E_CONNECTION_LOST"
	CodeSessionExpired = "E_SESSION_EXPIRED"
	CodeClosed         = "E_CLOSED"
	CodeRateLimited    = "E_RATE_LIMITED"
	CodeInternal       = "E_INTERNAL"
)

var codes = []struct {
	code string
	err  error
}{
	{CodeNoNode, session.ErrNoNode},
	{CodeNodeExists, session.ErrNodeExists},
	{CodeBadVersion, session.ErrBadVersion},
	{CodeNotEmpty, session.ErrNotEmpty},
	{CodeNoChildren, session.ErrNoChildren},
	{CodeBadArguments, session.ErrBadArguments},
	{CodeInvalidPath, znode.ErrInvalidPath},
	{CodeNotConnected, session.ErrNotConnected},
	{CodeConnectionLost, session.ErrConnectionLost},
	{CodeSessionExpired, session.ErrSessionExpired},
	{CodeClosed, session.ErrClosed},
}

// ErrorCode returns the wire code for err.
func ErrorCode(err error) string {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeInternal
}

// CodeError returns the session error for a wire code.
func CodeError(code string) error {
	for _, c := range codes {
		if c.code == code {
			return c.err
		}
	}
	return session.ErrOperationFailed
}

// Err converts a received Error back into a session error.
func (e *Error) Err() error {
	if base := CodeError(e.Code); base != session.ErrOperationFailed {
		return base
	}
	return fmt.Errorf("%w: %s", session.ErrOperationFailed, e.Message)
}
