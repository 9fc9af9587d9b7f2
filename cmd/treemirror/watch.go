package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/openmined/treemirror/internal/config"
	"github.com/openmined/treemirror/internal/dispatch"
	"github.com/openmined/treemirror/internal/journal"
	"github.com/openmined/treemirror/internal/mirror"
	"github.com/openmined/treemirror/internal/znode"
	"github.com/spf13/cobra"
)

type watchFlags struct {
	trackDeletes bool
	noData       bool
	match        string
	mode         string
	json         bool
	record       bool
}

func (f *watchFlags) register(cmd *cobra.Command, children bool) {
	flags := cmd.Flags()
	flags.BoolVar(&f.noData, "no-data", false, "do not keep node data, only stats")
	flags.BoolVar(&f.json, "json", false, "print events as json lines")
	flags.BoolVar(&f.record, "record", false, "record events to the journal")
	if children {
		flags.StringVar(&f.mode, "mode", mirror.StartSyncBulk.String(), "start mode: sync, signaled or normal")
		flags.StringVar(&f.match, "match", "", "only mirror children whose name matches this glob")
	} else {
		flags.BoolVar(&f.trackDeletes, "track-deletes", false, "report deletion of the node")
	}
}

// mirrorOptions builds the mirror options. The returned cleanup must run once the
// mirror is done.
func (f *watchFlags) mirrorOptions(cfg *config.Config) ([]mirror.Option, func(), error) {
	dispatchOpts, pool := cfg.Dispatch.Options()
	dispatchOpts = append(dispatchOpts, dispatch.WithErrorHandler(func(err *dispatch.CallbackError) {
		slog.Warn("listener failed", "mirror", err.Name, "listener", err.ListenerID, "error", err.Err)
	}))

	opts := []mirror.Option{mirror.WithDispatch(dispatchOpts...)}
	if f.trackDeletes {
		opts = append(opts, mirror.WithDeletionTracking())
	}
	if f.noData {
		opts = append(opts, mirror.WithoutData())
	}
	if f.match != "" {
		if !doublestar.ValidatePattern(f.match) {
			return nil, nil, fmt.Errorf("invalid --match pattern %q", f.match)
		}
		pattern := f.match
		opts = append(opts, mirror.WithChildFilter(func(name string) bool {
			ok, _ := doublestar.Match(pattern, name)
			return ok
		}))
	}

	cleanup := func() {
		if pool != nil {
			pool.Close()
		}
	}
	return opts, cleanup, nil
}

type runningMirror interface {
	Listeners() *dispatch.Listeners[mirror.ChangeEvent]
	Done() <-chan struct{}
	Err() error
	Stop()
}

// attach registers the printer and, when asked, the journal on m. The returned
// closer releases the journal.
func (f *watchFlags) attach(cmd *cobra.Command, m runningMirror, name string) (func(), error) {
	cfg := configOf(cmd)
	p := newPrinter(cmd.OutOrStdout(), f.json)
	m.Listeners().RegisterFunc(func(_ context.Context, ev mirror.ChangeEvent) error {
		return p.event(ev)
	})

	if !f.record {
		return func() {}, nil
	}
	j := journal.New(cfg.JournalPath)
	if err := j.Open(); err != nil {
		return nil, err
	}
	m.Listeners().Register(j.Listener(name))
	slog.Info("recording to journal", "path", cfg.JournalPath, "mirror", name)
	return func() { j.Close() }, nil
}

// waitMirror blocks until ctx ends or the mirror closes on its own.
func waitMirror(ctx context.Context, m runningMirror) error {
	select {
	case <-ctx.Done():
		m.Stop()
		<-m.Done()
		return nil
	case <-m.Done():
		return m.Err()
	}
}

func newNodeCmd() *cobra.Command {
	var f watchFlags
	cmd := &cobra.Command{
		Use:   "node <path>",
		Short: "Mirror one node and print every change",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := znode.ParsePath(args[0])
			if err != nil {
				return err
			}
			cfg := configOf(cmd)
			opts, cleanup, err := f.mirrorOptions(cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			ctx := cmd.Context()
			sess, err := openSession(ctx, cfg)
			if err != nil {
				return err
			}
			defer sess.Close()

			m := mirror.NewNodeMirror(sess, path, opts...)
			release, err := f.attach(cmd, m, "node "+path.String())
			if err != nil {
				return err
			}
			defer release()

			if err := m.Start(ctx); err != nil {
				return err
			}
			return waitMirror(ctx, m)
		},
	}
	f.register(cmd, false)
	return cmd
}

func newChildrenCmd() *cobra.Command {
	var f watchFlags
	cmd := &cobra.Command{
		Use:   "children <path>",
		Short: "Mirror the direct children of a node and print every change",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := znode.ParsePath(args[0])
			if err != nil {
				return err
			}
			mode, err := mirror.ParseStartMode(f.mode)
			if err != nil {
				return err
			}
			cfg := configOf(cmd)
			opts, cleanup, err := f.mirrorOptions(cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			ctx := cmd.Context()
			sess, err := openSession(ctx, cfg)
			if err != nil {
				return err
			}
			defer sess.Close()

			m := mirror.NewChildrenMirror(sess, path, opts...)
			release, err := f.attach(cmd, m, "children "+path.String())
			if err != nil {
				return err
			}
			defer release()

			if err := m.Start(ctx, mode); err != nil {
				return err
			}
			if mode == mirror.StartSyncBulk {
				p := newPrinter(cmd.OutOrStdout(), f.json)
				for _, name := range m.Current().Names() {
					if snap := m.Get(name); snap != nil {
						if err := p.snapshot(snap); err != nil {
							return err
						}
					}
				}
			}
			return waitMirror(ctx, m)
		},
	}
	f.register(cmd, true)
	return cmd
}
