package main

import (
	"github.com/openmined/treemirror/internal/memtree"
	"github.com/openmined/treemirror/internal/treeclient"
	"github.com/openmined/treemirror/internal/treesrv"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newServeCmd() *cobra.Command {
	var (
		addr      string
		rateLimit string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve an in-memory tree that remote mirrors can follow",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := configOf(cmd)
			srvCfg := &treesrv.Config{
				Addr:         cfg.Server.Addr,
				RateLimit:    cfg.Server.RateLimit,
				SessionGrace: cfg.Server.SessionGrace,
			}
			if cmd.Flags().Changed("addr") {
				srvCfg.Addr = addr
			}
			if cmd.Flags().Changed("rate-limit") {
				srvCfg.RateLimit = rateLimit
			}

			srv, err := treesrv.New(srvCfg, memtree.New())
			if err != nil {
				return err
			}
			cmd.Printf("%s serving on %s\n", green("treemirror"), srvCfg.Addr)
			return srv.Start(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config server.addr)")
	cmd.Flags().StringVar(&rateLimit, "rate-limit", "", "REST rate limit such as 200-S; empty disables it")
	return cmd
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print session and watch counts of a tree server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			stats, err := treeclient.NewAdmin(configOf(cmd).RemoteURL).Stats(cmd.Context())
			if err != nil {
				return err
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			defer enc.Close()
			return enc.Encode(stats)
		},
	}
}
