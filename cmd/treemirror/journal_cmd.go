package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	json "github.com/goccy/go-json"
	"github.com/openmined/treemirror/internal/journal"
	"github.com/openmined/treemirror/internal/znode"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newJournalCmd() *cobra.Command {
	var (
		prefix     string
		mirrorName string
		limit      int
		output     string
	)
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "List change events recorded with --record",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q := journal.Query{Mirror: mirrorName, Limit: limit}
			if prefix != "" {
				p, err := znode.ParsePath(prefix)
				if err != nil {
					return err
				}
				q.Prefix = p
			}

			j := journal.New(configOf(cmd).JournalPath)
			if err := j.Open(); err != nil {
				return err
			}
			defer j.Close()

			entries, err := j.List(cmd.Context(), q)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			switch strings.ToLower(output) {
			case "json":
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(entries)
			case "yaml":
				enc := yaml.NewEncoder(out)
				defer enc.Close()
				return enc.Encode(entries)
			case "table", "":
				tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tWHEN\tMIRROR\tKIND\tPATH\tVERSION\tSIZE")
				for _, e := range entries {
					fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%d\t%s\n",
						e.ID, humanize.Time(e.RecordedAt), e.Mirror, e.Kind, e.Path, e.Version, humanize.Bytes(uint64(e.Size)))
				}
				return tw.Flush()
			default:
				return fmt.Errorf("unknown output %q, want table, json or yaml", output)
			}
		},
	}
	cmd.Flags().StringVar(&prefix, "prefix", "", "only entries at or below this path")
	cmd.Flags().StringVar(&mirrorName, "mirror", "", "only entries recorded by this mirror")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "most recent entries to show, 0 for all")
	cmd.Flags().StringVarP(&output, "output", "o", "table", "output format: table, json or yaml")
	return cmd
}
