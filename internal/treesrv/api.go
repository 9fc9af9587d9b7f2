package treesrv

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/openmined/treemirror/internal/session"
	"github.com/openmined/treemirror/internal/wsproto"
	"github.com/openmined/treemirror/internal/znode"
)

const (
	CodeInvalidRequest = "E_INVALID_REQUEST"
	CodeSessionBusy    = "E_SESSION_BUSY"
	CodeUnknownSession = "E_UNKNOWN_SESSION"
	CodeNotFound       = "E_NOT_FOUND"
)

type APIError struct {
	Code    string `json:"code"`
	Message string `json:"error"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("treesrv api error: code=%s, message=%s", e.Code, e.Message)
}

func AbortWithError(ctx *gin.Context, status int, code string, err error) {
	ctx.Abort()
	ctx.Error(err)
	ctx.PureJSON(status, APIError{
		Code:    code,
		Message: err.Error(),
	})
}

// abortWithTreeError maps a session error to its HTTP status and wire code.
func abortWithTreeError(ctx *gin.Context, err error) {
	AbortWithError(ctx, statusFor(err), wsproto.ErrorCode(err), err)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrNoNode):
		return http.StatusNotFound
	case errors.Is(err, session.ErrNodeExists),
		errors.Is(err, session.ErrBadVersion),
		errors.Is(err, session.ErrNotEmpty):
		return http.StatusConflict
	case errors.Is(err, session.ErrBadArguments),
		errors.Is(err, session.ErrNoChildren),
		errors.Is(err, znode.ErrInvalidPath):
		return http.StatusBadRequest
	case session.IsConnectionError(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

type NodeResponse struct {
	Path string      `json:"path"`
	Data []byte      `json:"data"`
	Stat *znode.Stat `json:"stat"`
}

type ChildrenResponse struct {
	Path     string      `json:"path"`
	Children []string    `json:"children"`
	Stat     *znode.Stat `json:"stat"`
}

type CreateRequest struct {
	Path string `json:"path" binding:"required"`
	Data []byte `json:"data"`
	// Mode is a create mode name such as "ephemeral"; empty means persistent.
	Mode string `json:"mode"`
	// Parents creates missing parents first.
	Parents bool `json:"parents"`
}

type CreateResponse struct {
	Path string `json:"path"`
}

type SetRequest struct {
	Path    string `json:"path" binding:"required"`
	Data    []byte `json:"data"`
	Version *int32 `json:"version"`
}

type StatsResponse struct {
	Sessions       int `json:"sessions"`
	Watches        int `json:"watches"`
	Sockets        int `json:"sockets"`
	RemoteSessions int `json:"remoteSessions"`
}
