package main

import (
	"context"
	"fmt"

	"github.com/openmined/treemirror/internal/session"
	"github.com/openmined/treemirror/internal/znode"
	"github.com/spf13/cobra"
)

// withSession parses the path argument and runs fn on a fresh session.
func withSession(cmd *cobra.Command, rawPath string, fn func(ctx context.Context, sess session.Session, path znode.Path) error) error {
	path, err := znode.ParsePath(rawPath)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	sess, err := openSession(ctx, configOf(cmd))
	if err != nil {
		return err
	}
	defer sess.Close()
	return fn(ctx, sess, path)
}

func newTreeCmds() []*cobra.Command {
	var asJSON bool
	get := &cobra.Command{
		Use:   "get <path>",
		Short: "Print a node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, args[0], func(ctx context.Context, sess session.Session, path znode.Path) error {
				snap, err := sess.Get(ctx, path)
				if err != nil {
					return err
				}
				return newPrinter(cmd.OutOrStdout(), asJSON).snapshot(snap)
			})
		},
	}
	get.Flags().BoolVar(&asJSON, "json", false, "print as json")

	ls := &cobra.Command{
		Use:   "ls <path>",
		Short: "List the children of a node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, args[0], func(ctx context.Context, sess session.Session, path znode.Path) error {
				names, _, err := sess.Children(ctx, path)
				if err != nil {
					return err
				}
				for _, name := range names {
					fmt.Fprintln(cmd.OutOrStdout(), name)
				}
				return nil
			})
		},
	}

	var (
		parents bool
		mode    string
	)
	create := &cobra.Command{
		Use:   "create <path> [data]",
		Short: "Create a node",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			createMode, err := session.ParseCreateMode(mode)
			if err != nil {
				return err
			}
			var data []byte
			if len(args) == 2 {
				data = []byte(args[1])
			}
			return withSession(cmd, args[0], func(ctx context.Context, sess session.Session, path znode.Path) error {
				var created znode.Path
				if parents {
					created, err = session.CreateAll(ctx, sess, path, data, createMode)
				} else {
					created, err = sess.Create(ctx, path, data, createMode)
				}
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), created)
				return nil
			})
		},
	}
	create.Flags().BoolVarP(&parents, "parents", "p", false, "create missing parents")
	create.Flags().StringVar(&mode, "mode", session.ModePersistent.String(), "persistent, ephemeral, persistent_sequential or ephemeral_sequential")

	var setVersion int32
	set := &cobra.Command{
		Use:   "set <path> <data>",
		Short: "Replace the data of a node",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, args[0], func(ctx context.Context, sess session.Session, path znode.Path) error {
				stat, err := sess.Set(ctx, path, []byte(args[1]), setVersion)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s v%d\n", path, stat.Version)
				return nil
			})
		},
	}
	set.Flags().Int32Var(&setVersion, "version", session.AnyVersion, "expected version, -1 for any")

	var recursive bool
	rm := &cobra.Command{
		Use:     "delete <path>",
		Aliases: []string{"rm"},
		Short:   "Delete a node",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, args[0], func(ctx context.Context, sess session.Session, path znode.Path) error {
				if recursive {
					return session.DeleteAll(ctx, sess, path)
				}
				return sess.Delete(ctx, path, session.AnyVersion)
			})
		},
	}
	rm.Flags().BoolVarP(&recursive, "recursive", "r", false, "delete the whole subtree")

	return []*cobra.Command{get, ls, create, set, rm}
}
