package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/openmined/treemirror/internal/config"
	"github.com/openmined/treemirror/internal/memtree"
	"github.com/openmined/treemirror/internal/session"
	"github.com/openmined/treemirror/internal/treeclient"
	"github.com/openmined/treemirror/internal/zkclient"
)

// openSession connects to the configured backend. The memory backend is private
// to this process, so it only makes sense for demos.
func openSession(ctx context.Context, cfg *config.Config) (session.Session, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		slog.Debug("using in-memory tree")
		return memtree.New().NewSession(), nil

	case config.BackendZooKeeper:
		c, err := zkclient.Dial(ctx, cfg.Servers,
			zkclient.WithSessionTimeout(cfg.SessionTimeout),
			zkclient.WithConnectTimeout(cfg.ConnectTimeout),
			zkclient.WithRetryPolicy(cfg.RetryPolicy()),
		)
		if err != nil {
			return nil, err
		}
		slog.Debug("using zookeeper", "servers", cfg.Servers, "session", fmt.Sprintf("0x%x", c.SessionID()))
		return c, nil

	case config.BackendRemote:
		c, err := treeclient.Dial(ctx, cfg.RemoteURL,
			treeclient.WithConnectTimeout(cfg.ConnectTimeout),
			treeclient.WithRetryPolicy(cfg.RetryPolicy()),
		)
		if err != nil {
			return nil, err
		}
		return c, nil

	default:
		return nil, fmt.Errorf("%w: %q", config.ErrUnknownBackend, cfg.Backend)
	}
}
