package treeclient

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strconv"
	"time"

	json "github.com/goccy/go-json"
	"github.com/imroc/req/v3"
	"github.com/openmined/treemirror/internal/session"
	"github.com/openmined/treemirror/internal/treesrv"
	"github.com/openmined/treemirror/internal/version"
	"github.com/openmined/treemirror/internal/wsproto"
	"github.com/openmined/treemirror/internal/znode"
)

var userAgent = fmt.Sprintf("%s/%s (%s; %s)", version.AppName, version.Short(), runtime.GOOS, runtime.GOARCH)

// Admin talks to the REST side of a tree server. Its calls do not need a socket
// session and are not watched.
type Admin struct {
	client *req.Client
}

func NewAdmin(baseURL string) *Admin {
	return &Admin{
		client: req.C().
			SetBaseURL(baseURL).
			SetTimeout(10*time.Second).
			SetCommonRetryCount(2).
			SetCommonRetryFixedInterval(200*time.Millisecond).
			SetUserAgent(userAgent).
			SetJsonMarshal(json.Marshal).
			SetJsonUnmarshal(json.Unmarshal).
			SetCommonErrorResult(&treesrv.APIError{}),
	}
}

func (a *Admin) Health(ctx context.Context) error {
	resp, err := a.client.R().SetContext(ctx).Get("/healthz")
	return handleAPIError(resp, err, "health", "")
}

func (a *Admin) Get(ctx context.Context, path znode.Path) (*znode.Snapshot, error) {
	var out treesrv.NodeResponse
	resp, err := a.client.R().
		SetContext(ctx).
		SetQueryParam("path", path.String()).
		SetSuccessResult(&out).
		Get("/api/v1/nodes")
	if err := handleAPIError(resp, err, "get", path); err != nil {
		return nil, err
	}
	return &znode.Snapshot{Path: znode.Path(out.Path), Data: out.Data, Stat: *out.Stat}, nil
}

func (a *Admin) Children(ctx context.Context, path znode.Path) ([]string, *znode.Stat, error) {
	var out treesrv.ChildrenResponse
	resp, err := a.client.R().
		SetContext(ctx).
		SetQueryParam("path", path.String()).
		SetSuccessResult(&out).
		Get("/api/v1/children")
	if err := handleAPIError(resp, err, "children", path); err != nil {
		return nil, nil, err
	}
	return out.Children, out.Stat, nil
}

// Create makes a persistent node. With parents set, missing parents are created
// first.
func (a *Admin) Create(ctx context.Context, path znode.Path, data []byte, mode session.CreateMode, parents bool) (znode.Path, error) {
	var out treesrv.CreateResponse
	resp, err := a.client.R().
		SetContext(ctx).
		SetBody(treesrv.CreateRequest{Path: path.String(), Data: data, Mode: mode.String(), Parents: parents}).
		SetSuccessResult(&out).
		Post("/api/v1/nodes")
	if err := handleAPIError(resp, err, "create", path); err != nil {
		return "", err
	}
	return znode.Path(out.Path), nil
}

func (a *Admin) Set(ctx context.Context, path znode.Path, data []byte, version int32) (*znode.Stat, error) {
	var out treesrv.NodeResponse
	body := treesrv.SetRequest{Path: path.String(), Data: data}
	if version != session.AnyVersion {
		body.Version = &version
	}
	resp, err := a.client.R().
		SetContext(ctx).
		SetBody(body).
		SetSuccessResult(&out).
		Put("/api/v1/nodes")
	if err := handleAPIError(resp, err, "set", path); err != nil {
		return nil, err
	}
	return out.Stat, nil
}

// Delete removes path. With recursive set the whole subtree goes and version is
// ignored.
func (a *Admin) Delete(ctx context.Context, path znode.Path, version int32, recursive bool) error {
	r := a.client.R().
		SetContext(ctx).
		SetQueryParam("path", path.String()).
		SetQueryParam("version", strconv.Itoa(int(version)))
	if recursive {
		r.SetQueryParam("recursive", "true")
	}
	resp, err := r.Delete("/api/v1/nodes")
	return handleAPIError(resp, err, "delete", path)
}

func (a *Admin) Stats(ctx context.Context) (*treesrv.StatsResponse, error) {
	var out treesrv.StatsResponse
	resp, err := a.client.R().SetContext(ctx).SetSuccessResult(&out).Get("/api/v1/stats")
	if err := handleAPIError(resp, err, "stats", ""); err != nil {
		return nil, err
	}
	return &out, nil
}

// CloseSession ends a socket session on the server, removing its ephemeral nodes.
func (a *Admin) CloseSession(ctx context.Context, id string) error {
	resp, err := a.client.R().SetContext(ctx).SetPathParam("id", id).Delete("/api/v1/sessions/{id}")
	return handleAPIError(resp, err, "close session", "")
}

// handleAPIError turns transport failures into connection errors and API errors
// into session errors.
func handleAPIError(resp *req.Response, requestErr error, op string, path znode.Path) error {
	if requestErr != nil {
		if errors.Is(requestErr, context.Canceled) || errors.Is(requestErr, context.DeadlineExceeded) {
			return requestErr
		}
		return &session.ConnectionError{Op: op, Path: path, Err: fmt.Errorf("%w: %v", session.ErrNotConnected, requestErr)}
	}

	if resp.IsErrorState() {
		if apiErr, ok := resp.ErrorResult().(*treesrv.APIError); ok && apiErr.Code != "" {
			wireErr := &wsproto.Error{Code: apiErr.Code, Path: path.String(), Message: apiErr.Message}
			return session.NewConnectionError(op, path, fmt.Errorf("%s %s: %w", op, path, wireErr.Err()))
		}
		return fmt.Errorf("%s %s: %w: http %d", op, path, session.ErrOperationFailed, resp.StatusCode)
	}
	return nil
}
