package main

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/jbweber/vmbackup/internal/backup"
)

func newCheckCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Check the run preconditions",
		Long: `Connect to the hypervisor and check that the export pool, storage
pool, host and every configured VM exist and that the clone names fit
vm_name_max_length. Nothing is changed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, ctx, err := opts.setup(cmd)
			if err != nil {
				return err
			}
			defer a.close()
			logger := zerolog.Ctx(ctx)

			session, err := a.connect(ctx)
			if err != nil {
				return fmt.Errorf("failed to connect: %w", err)
			}
			defer closeSession(logger, session)

			orch := backup.New(a.cfg, a.connector, session, orchestratorOptions...)
			if err := orch.CheckPreconditions(ctx); err != nil {
				if logPreconditions(logger, err) {
					return &exitError{code: 1}
				}
				return err
			}

			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "✓ Preconditions ok for %d VM(s)\n", len(a.cfg.VMNames))
			return nil
		},
	}
}
