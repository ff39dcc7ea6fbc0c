package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/zhammer/faaspact-verifier/internal/app/configuration"
	"github.com/zhammer/faaspact-verifier/internal/app/history"
)

type HistoryOptions struct {
	HistoryDB string
	Provider  string
	Limit     int
	JSON      bool
}

func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &HistoryOptions{}

	cmd := &cobra.Command{
		Use:           "history",
		Short:         "List recent verification runs",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := opts.HistoryDB
			if !cmd.Flags().Changed("history-db") {
				config, err := configuration.NewFromEnv(cmd.Context())
				if err != nil {
					return WrapExitError(ExitCommandError, "invalid configuration", err)
				}
				path = config.HistoryDB
			}
			if path == "" {
				return NewExitError(ExitCommandError, "missing history db: set --history-db or HISTORY_DB")
			}

			store, err := history.Open(path)
			if err != nil {
				return WrapExitError(ExitCommandError, "unable to open run history", err)
			}
			defer store.Close()

			runs, err := store.Runs(cmd.Context(), opts.Provider, opts.Limit)
			if err != nil {
				return WrapExitError(ExitFailure, "unable to list runs", err)
			}
			if opts.JSON {
				return writeRunsJSON(cmd.OutOrStdout(), runs)
			}
			return writeRunsTable(cmd.OutOrStdout(), runs)
		},
	}

	cmd.Flags().StringVar(&opts.HistoryDB, "history-db", "", "sqlite file recording every run (env HISTORY_DB)")
	cmd.Flags().StringVarP(&opts.Provider, "provider", "p", "", "only list runs of this provider")
	cmd.Flags().IntVarP(&opts.Limit, "limit", "n", 20, "number of runs to list")
	cmd.Flags().BoolVar(&opts.JSON, "json", false, "print runs as json")

	return cmd
}

func writeRunsJSON(out io.Writer, runs []history.Run) error {
	if runs == nil {
		runs = []history.Run{}
	}
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(runs)
}

func writeRunsTable(out io.Writer, runs []history.Run) error {
	if len(runs) == 0 {
		_, err := fmt.Fprintln(out, "no runs recorded")
		return err
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RUN\tPROVIDER\tVERSION\tSTARTED\tRESULT\tVERIFIED\tUNVERIFIED\tPUBLISHED")
	for _, run := range runs {
		result := "failed"
		if run.Succeeded {
			result = "succeeded"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%d\t%t\n",
			run.ID, run.Provider, run.ProviderVersion, run.StartedAt.Format(time.RFC3339),
			result, run.Verified, run.Unverified, run.ResultsPublished)
	}
	return w.Flush()
}
