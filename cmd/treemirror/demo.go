package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/openmined/treemirror/internal/mirror"
	"github.com/openmined/treemirror/internal/session"
	"github.com/openmined/treemirror/internal/znode"
	"github.com/spf13/cobra"
)

var errDemoTimeout = errors.New("demo: timed out waiting for event")

func newDemoCmd() *cobra.Command {
	var (
		root         string
		trackDeletes bool
		timeout      time.Duration
	)
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Create, update and delete nodes under mirrors and show what they report",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rootPath, err := znode.ParsePath(root)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			sess, err := openSession(ctx, configOf(cmd))
			if err != nil {
				return err
			}
			defer sess.Close()

			d := &demo{
				sess:    sess,
				out:     cmd.OutOrStdout(),
				print:   newPrinter(cmd.OutOrStdout(), false),
				timeout: timeout,
			}
			if err := d.node(ctx, rootPath.MustChild("nodecache"), trackDeletes); err != nil {
				return err
			}
			return d.children(ctx, rootPath, rootPath.MustChild("nodecache2"))
		},
	}
	cmd.Flags().StringVar(&root, "root", "/curator", "parent of the demo nodes")
	cmd.Flags().BoolVar(&trackDeletes, "track-deletes", true, "let the node mirror report deletion")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "how long to wait for each event")
	return cmd
}

type demo struct {
	sess    session.Session
	out     io.Writer
	print   *printer
	timeout time.Duration
}

func (d *demo) step(format string, args ...any) {
	fmt.Fprintf(d.out, "%s %s\n", cyan("=>"), fmt.Sprintf(format, args...))
}

// follow prints every event of m and forwards it to the returned channel.
func (d *demo) follow(m runningMirror) <-chan mirror.ChangeEvent {
	events := make(chan mirror.ChangeEvent, 16)
	m.Listeners().RegisterFunc(func(_ context.Context, ev mirror.ChangeEvent) error {
		events <- ev
		return d.print.event(ev)
	})
	return events
}

func (d *demo) expect(ctx context.Context, events <-chan mirror.ChangeEvent, kind mirror.EventKind) (mirror.ChangeEvent, error) {
	timer := time.NewTimer(d.timeout)
	defer timer.Stop()

	select {
	case ev := <-events:
		if ev.Kind != kind {
			return ev, fmt.Errorf("demo: expected %s event, got %s", kind, ev)
		}
		return ev, nil
	case <-timer.C:
		return mirror.ChangeEvent{}, fmt.Errorf("%w: %s", errDemoTimeout, kind)
	case <-ctx.Done():
		return mirror.ChangeEvent{}, ctx.Err()
	}
}

func stopAndWait(m runningMirror) {
	m.Stop()
	<-m.Done()
}

// node walks a single node through create, update and delete.
func (d *demo) node(ctx context.Context, path znode.Path, trackDeletes bool) error {
	if err := session.DeleteAll(ctx, d.sess, path); err != nil {
		return err
	}

	var opts []mirror.Option
	if trackDeletes {
		opts = append(opts, mirror.WithDeletionTracking())
	}
	m := mirror.NewNodeMirror(d.sess, path, opts...)
	events := d.follow(m)
	if err := m.Start(ctx); err != nil {
		return err
	}
	defer stopAndWait(m)

	d.step("create %s", path)
	if _, err := session.CreateAll(ctx, d.sess, path, []byte("nodecache  test"), session.ModePersistent); err != nil {
		return err
	}
	if _, err := d.expect(ctx, events, mirror.Added); err != nil {
		return err
	}

	d.step("set %s", path)
	if _, err := d.sess.Set(ctx, path, []byte("update"), session.AnyVersion); err != nil {
		return err
	}
	if _, err := d.expect(ctx, events, mirror.Updated); err != nil {
		return err
	}
	if err := d.read(ctx, path); err != nil {
		return err
	}
	d.step("mirror holds %s", preview(m.Current().Data))

	d.step("delete %s", path)
	if err := d.sess.Delete(ctx, path, session.AnyVersion); err != nil {
		return err
	}
	if !trackDeletes {
		d.step("deletion is not tracked, mirror keeps %s", preview(m.Current().Data))
		return nil
	}
	if _, err := d.expect(ctx, events, mirror.Removed); err != nil {
		return err
	}
	return nil
}

// read prints the data the session returns for path.
func (d *demo) read(ctx context.Context, path znode.Path) error {
	snap, err := d.sess.Get(ctx, path)
	if err != nil {
		return err
	}
	d.step("get %s returned %s", path, preview(snap.Data))
	return nil
}

// children mirrors the children of root with a signaled start and walks node
// through create, update, read and delete.
func (d *demo) children(ctx context.Context, root, node znode.Path) error {
	if _, err := session.CreateAll(ctx, d.sess, root, nil, session.ModePersistent); err != nil && !errors.Is(err, session.ErrNodeExists) {
		return err
	}

	m := mirror.NewChildrenMirror(d.sess, root)
	events := d.follow(m)
	d.step("mirror %s (%s)", root, mirror.StartAsyncSignaled)
	if err := m.Start(ctx, mirror.StartAsyncSignaled); err != nil {
		return err
	}
	defer stopAndWait(m)

	if _, err := d.expect(ctx, events, mirror.InitialSyncComplete); err != nil {
		return err
	}

	exists, _, err := d.sess.Exists(ctx, node)
	if err != nil {
		return err
	}
	if exists {
		d.step("delete leftover %s", node)
		if err := session.DeleteAll(ctx, d.sess, node); err != nil {
			return err
		}
		if _, err := d.expect(ctx, events, mirror.Removed); err != nil {
			return err
		}
	}

	d.step("create %s", node)
	if _, err := d.sess.Create(ctx, node, []byte("nodecache  test"), session.ModePersistent); err != nil {
		return err
	}
	if _, err := d.expect(ctx, events, mirror.Added); err != nil {
		return err
	}

	d.step("set %s", node)
	if _, err := d.sess.Set(ctx, node, []byte("update"), session.AnyVersion); err != nil {
		return err
	}
	if _, err := d.expect(ctx, events, mirror.Updated); err != nil {
		return err
	}
	if err := d.read(ctx, node); err != nil {
		return err
	}

	d.step("delete %s", node)
	if err := session.DeleteAll(ctx, d.sess, node); err != nil {
		return err
	}
	if _, err := d.expect(ctx, events, mirror.Removed); err != nil {
		return err
	}

	d.step("mirror holds %v", m.Current().Names())
	return nil
}
