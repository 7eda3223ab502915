package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jbweber/vmbackup/internal/journal"
	"github.com/jbweber/vmbackup/internal/output"
)

func newHistoryCmd(opts *rootOptions) *cobra.Command {
	var (
		outputFormat string
		noHeaders    bool
		limit        int
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent runs from the journal",
		Long: `Show the most recent runs recorded in the journal (journal_path),
newest first. The yaml and json formats include the per-VM outcomes.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := output.ValidateFormat(outputFormat); err != nil {
				return err
			}

			a, ctx, err := opts.setup(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			if a.cfg.JournalPath == "" {
				return fmt.Errorf("journal_path is not configured")
			}

			j, err := journal.Open(a.cfg.JournalPath)
			if err != nil {
				return err
			}
			defer func() { _ = j.Close() }()

			runs, err := j.Recent(ctx, limit)
			if err != nil {
				return err
			}

			formatter, err := output.NewFormatter(output.Options{
				Format:    output.Format(outputFormat),
				NoHeaders: noHeaders,
			})
			if err != nil {
				return err
			}

			result, err := formatter.FormatRuns(runs)
			if err != nil {
				return fmt.Errorf("failed to format output: %w", err)
			}
			_, _ = fmt.Fprint(cmd.OutOrStdout(), result)
			return nil
		},
	}

	cmd.Flags().StringVarP(&outputFormat, "output", "o", string(output.FormatTable), "output format: table, yaml or json")
	cmd.Flags().BoolVar(&noHeaders, "no-headers", false, "omit the table header")
	cmd.Flags().IntVar(&limit, "limit", 20, "number of runs to show (0 shows all)")

	return cmd
}
