package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	baseDirectory string
	runbookPath   string
	pruneCache    bool
	verbosity     int
	streamed      bool
	statusAddr    string

	version string
}

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	opts := &globalOptions{version: version}

	rootCmd := &cobra.Command{
		Use:   "auri",
		Short: "Auri - Ransomware protection evaluation",
		Long: `Auri measures how well security vendors protect Windows machines against
ransomware.

The pipeline has three phases:
  - collection gathers samples and enriches them with threat intelligence
  - liveness runs every sample on an unprotected VM and keeps those that still act
  - evaluation runs the alive samples on one protected VM per vendor

Every phase stores its results in <base-directory>/auri.db and can be resumed.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&opts.baseDirectory, "base-directory", "b", "./.auri", "directory holding the database, samples, cache and logs")
	flags.StringVarP(&opts.runbookPath, "runbook", "r", "./runbook.yml", "runbook file path")
	flags.BoolVarP(&opts.pruneCache, "prune-cache", "p", false, "delete the cache of the action before running it")
	flags.CountVarP(&opts.verbosity, "verbose", "v", "increase log verbosity (-v info, -vv debug, -vvv trace)")
	flags.BoolVar(&opts.streamed, "streamed", false, "keep analyzing new samples as they are collected")
	flags.StringVar(&opts.statusAddr, "status-addr", "", "serve the status, metrics and health endpoints on this address")

	rootCmd.AddCommand(newCollectionCommand(opts))
	rootCmd.AddCommand(newLivenessCommand(opts))
	rootCmd.AddCommand(newEvaluationCommand(opts))
	rootCmd.AddCommand(newManageCommand(opts))
	rootCmd.AddCommand(newVersionCommand(version, commit, buildDate))

	return rootCmd
}
