package commands

import (
	"context"
	"errors"
	"io"

	"github.com/spf13/cobra"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/auri/auri/pkg/manage"
)

func newManageCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "manage",
		Short: "Maintenance of the base directory",
	}
	cmd.AddCommand(newPruneSamplesCommand(opts))
	return cmd
}

func newPruneSamplesCommand(opts *globalOptions) *cobra.Command {
	var aggressive bool

	cmd := &cobra.Command{
		Use:   "prune-samples",
		Short: "Delete sample files that are no longer needed",
		Long: `Delete the files of samples that were found dead by the liveness phase.

With --aggressive only the files of alive samples are kept: samples not checked
yet and any other file of the samples directory are deleted too. Database rows are
never removed.`,
		Example: `  auri manage prune-samples
  auri manage prune-samples --aggressive -b /srv/auri`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runPruneSamples(cmd.Context(), cmd.OutOrStdout(), opts, aggressive)
		},
	}

	cmd.Flags().BoolVar(&aggressive, "aggressive", false, "keep only the files of alive samples")
	return cmd
}

func runPruneSamples(ctx context.Context, out io.Writer, opts *globalOptions, aggressive bool) (err error) {
	w, ctx, err := openWorkspace(ctx, opts, "manage", false)
	if err != nil {
		return err
	}
	defer func() {
		w.end(err)
		err = errors.Join(err, w.Close(ctx))
	}()

	svc := manage.NewService(w.layout.samples(), w.store, w.telemetry.Logger.NewComponentLogger("manage"))
	result, err := svc.PruneSamples(ctx, aggressive)
	if err != nil {
		return err
	}

	printPruneResult(out, result)
	return nil
}

func printPruneResult(out io.Writer, result manage.PruneResult) {
	p := message.NewPrinter(language.English)
	p.Fprintf(out, "Pruned %d samples, freed %s\n", result.PrunedSamples, formatBytes(p, result.BytesFreed))
}

// formatBytes renders n with a binary unit.
func formatBytes(p *message.Printer, n int64) string {
	const unit = 1024
	if n < unit {
		return p.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return p.Sprintf("%.1f %siB", float64(n)/float64(div), "KMGTPE"[exp:exp+1])
}
