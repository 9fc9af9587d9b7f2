package treesrv

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
	"github.com/openmined/treemirror/internal/session"
	"github.com/openmined/treemirror/internal/version"
	"github.com/openmined/treemirror/internal/wsproto"
	"github.com/openmined/treemirror/internal/znode"
)

func queryPath(ctx *gin.Context) (znode.Path, bool) {
	path, err := znode.ParsePath(ctx.Query("path"))
	if err != nil {
		abortWithTreeError(ctx, err)
		return "", false
	}
	return path, true
}

func (s *Server) handleGetNode(ctx *gin.Context) {
	path, ok := queryPath(ctx)
	if !ok {
		return
	}

	snap, err := s.admin.Get(ctx.Request.Context(), path)
	if err != nil {
		abortWithTreeError(ctx, err)
		return
	}

	ctx.PureJSON(http.StatusOK, NodeResponse{
		Path: string(snap.Path),
		Data: snap.Data,
		Stat: &snap.Stat,
	})
}

func (s *Server) handleChildren(ctx *gin.Context) {
	path, ok := queryPath(ctx)
	if !ok {
		return
	}

	children, stat, err := s.admin.Children(ctx.Request.Context(), path)
	if err != nil {
		abortWithTreeError(ctx, err)
		return
	}

	ctx.PureJSON(http.StatusOK, ChildrenResponse{
		Path:     string(path),
		Children: children,
		Stat:     stat,
	})
}

func (s *Server) handleCreateNode(ctx *gin.Context) {
	var req CreateRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		AbortWithError(ctx, http.StatusBadRequest, CodeInvalidRequest, err)
		return
	}

	path, err := znode.ParsePath(req.Path)
	if err != nil {
		abortWithTreeError(ctx, err)
		return
	}
	mode, err := session.ParseCreateMode(req.Mode)
	if err != nil {
		abortWithTreeError(ctx, err)
		return
	}
	// REST calls share one session, so its ephemeral nodes would never go away
	if mode.IsEphemeral() {
		abortWithTreeError(ctx, fmt.Errorf("%w: ephemeral nodes need a watch session", session.ErrBadArguments))
		return
	}

	var created znode.Path
	if req.Parents {
		created, err = session.CreateAll(ctx.Request.Context(), s.admin, path, req.Data, mode)
	} else {
		created, err = s.admin.Create(ctx.Request.Context(), path, req.Data, mode)
	}
	if err != nil {
		abortWithTreeError(ctx, err)
		return
	}

	ctx.PureJSON(http.StatusCreated, CreateResponse{Path: string(created)})
}

func (s *Server) handleSetNode(ctx *gin.Context) {
	var req SetRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		AbortWithError(ctx, http.StatusBadRequest, CodeInvalidRequest, err)
		return
	}

	path, err := znode.ParsePath(req.Path)
	if err != nil {
		abortWithTreeError(ctx, err)
		return
	}
	ver := session.AnyVersion
	if req.Version != nil {
		ver = *req.Version
	}

	stat, err := s.admin.Set(ctx.Request.Context(), path, req.Data, ver)
	if err != nil {
		abortWithTreeError(ctx, err)
		return
	}

	ctx.PureJSON(http.StatusOK, NodeResponse{Path: string(path), Data: req.Data, Stat: stat})
}

func (s *Server) handleDeleteNode(ctx *gin.Context) {
	path, ok := queryPath(ctx)
	if !ok {
		return
	}

	ver := session.AnyVersion
	if v := ctx.Query("version"); v != "" {
		parsed, err := strconv.ParseInt(v, 10, 32)
		if err != nil {
			AbortWithError(ctx, http.StatusBadRequest, CodeInvalidRequest, fmt.Errorf("invalid version %q", v))
			return
		}
		ver = int32(parsed)
	}

	var err error
	if ctx.Query("recursive") == "true" {
		err = session.DeleteAll(ctx.Request.Context(), s.admin, path)
	} else {
		err = s.admin.Delete(ctx.Request.Context(), path, ver)
	}
	if err != nil {
		abortWithTreeError(ctx, err)
		return
	}

	ctx.Status(http.StatusNoContent)
}

func (s *Server) handleStats(ctx *gin.Context) {
	ctx.PureJSON(http.StatusOK, StatsResponse{
		Sessions:       s.tree.SessionCount(),
		Watches:        s.tree.WatchCount(),
		Sockets:        s.sockets.len(),
		RemoteSessions: s.sessions.len(),
	})
}

func (s *Server) handleCloseSession(ctx *gin.Context) {
	id := ctx.Param("id")
	if err := s.sessions.close(id); errors.Is(err, ErrUnknownSession) {
		AbortWithError(ctx, http.StatusNotFound, CodeUnknownSession, err)
		return
	} else if err != nil {
		abortWithTreeError(ctx, err)
		return
	}
	s.sockets.closeSession(id, "session closed")

	slog.Info("treesrv session closed", "session", id)
	ctx.Status(http.StatusNoContent)
}

// handleWatch upgrades to a websocket carrying a session. ?session=<id> resumes
// a detached session; ?encoding=msgpack switches to binary frames.
func (s *Server) handleWatch(ctx *gin.Context) {
	conn, err := websocket.Accept(ctx.Writer, ctx.Request, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		slog.Error("websocket accept", "error", err)
		return
	}

	entry, resumed, err := s.sessions.attach(ctx.Query("session"))
	if err != nil {
		slog.Warn("websocket session", "session", ctx.Query("session"), "error", err)
		conn.Close(websocket.StatusPolicyViolation, err.Error())
		return
	}

	start := time.Now()
	sock := newSocket(conn, entry, wsproto.PreferredEncoding(ctx.Query("encoding")))
	s.sockets.add(sock)
	defer func() {
		s.sockets.remove(sock)
		s.sessions.detach(entry)
	}()

	sock.send(wsproto.NewHello(wsproto.Hello{
		SessionID: entry.id,
		Resumed:   resumed,
		Version:   version.Short(),
		Timeout:   s.config.SessionGrace.Milliseconds(),
	}))

	slog.Info("treesrv socket open", "connId", sock.connID, "session", entry.id, "resumed", resumed, "encoding", sock.enc)
	sock.run(ctx.Request.Context())
	slog.Info("treesrv socket closed", "connId", sock.connID, "session", entry.id, "after", time.Since(start).Round(time.Millisecond))
}
