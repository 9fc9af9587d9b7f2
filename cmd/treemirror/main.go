package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/openmined/treemirror/internal/config"
	"github.com/openmined/treemirror/internal/logging"
	"github.com/openmined/treemirror/internal/version"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	red    = color.New(color.FgHiRed, color.Bold).SprintFunc()
	green  = color.New(color.FgHiGreen).SprintFunc()
	cyan   = color.New(color.FgHiCyan).SprintFunc()
	yellow = color.New(color.FgHiYellow).SprintFunc()
	faint  = color.New(color.Faint).SprintFunc()
)

// flag name -> config key
var boundFlags = map[string]string{
	"backend":   "backend",
	"servers":   "servers",
	"remote":    "remote_url",
	"log-level": "log_level",
	"log-file":  "log_file",
	"journal":   "journal_path",
}

type runtimeKey struct{}

// runtime is what PersistentPreRunE prepares for the running command.
type runtime struct {
	cfg       *config.Config
	logCloser io.Closer
}

func runtimeOf(cmd *cobra.Command) *runtime {
	if rt, ok := cmd.Context().Value(runtimeKey{}).(*runtime); ok {
		return rt
	}
	return &runtime{}
}

// configOf returns the config loaded for cmd.
func configOf(cmd *cobra.Command) *config.Config {
	return runtimeOf(cmd).cfg
}

var rootCmd = newRootCmd()

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "treemirror",
		Short:   "Watch-based local mirrors of a coordination tree",
		Version: version.Detailed(),
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			level, _ := config.ParseLevel(loaded.LogLevel)
			closer, err := logging.Setup(logging.Options{Level: level, File: loaded.LogFile, Out: os.Stderr})
			if err != nil {
				return err
			}
			cmd.SetContext(context.WithValue(cmd.Context(), runtimeKey{}, &runtime{cfg: loaded, logCloser: closer}))
			cmd.SilenceUsage = true
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if closer := runtimeOf(cmd).logCloser; closer != nil {
				return closer.Close()
			}
			return nil
		},
	}

	flags := cmd.PersistentFlags()
	flags.SortFlags = false
	flags.StringP("config", "c", "", "config file (default "+config.DefaultConfigPath+")")
	flags.StringP("backend", "b", string(config.BackendMemory), "session backend: memory, zk or remote")
	flags.StringSlice("servers", config.DefaultServers, "zookeeper servers for the zk backend")
	flags.String("remote", config.DefaultRemoteURL, "tree server url for the remote backend")
	flags.String("log-level", "info", "log level: debug, info, warn or error")
	flags.String("log-file", "", "also write logs to this file")
	flags.String("journal", config.DefaultJournal, "journal database path")

	cmd.AddCommand(
		newNodeCmd(),
		newChildrenCmd(),
		newDemoCmd(),
		newServeCmd(),
		newStatsCmd(),
		newJournalCmd(),
		newVersionCmd(),
	)
	cmd.AddCommand(newTreeCmds()...)
	return cmd
}

// loadConfig layers defaults, the config file, env and explicitly set flags.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	v := viper.New()
	config.SetDefaults(v)

	path, _ := cmd.Flags().GetString("config")
	if err := config.ReadFile(v, path); err != nil {
		return nil, err
	}

	for flag, key := range boundFlags {
		f := cmd.Flags().Lookup(flag)
		if f == nil || !f.Changed {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return nil, err
		}
	}

	return config.Load(v)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
