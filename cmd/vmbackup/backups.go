package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/jbweber/vmbackup/internal/backup"
	"github.com/jbweber/vmbackup/internal/lock"
	"github.com/jbweber/vmbackup/internal/output"
	"github.com/jbweber/vmbackup/internal/platform"
)

func newListBackupsCmd(opts *rootOptions) *cobra.Command {
	var (
		outputFormat string
		noHeaders    bool
	)

	cmd := &cobra.Command{
		Use:   "list-backups [vm...]",
		Short: "List the backups on the export pool",
		Long: `List the backups stored on the export pool, optionally only those of
the given VMs.

Output formats:
  -o table  Human-readable table (default)
  -o yaml   YAML documents
  -o json   JSON array`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := output.ValidateFormat(outputFormat); err != nil {
				return err
			}

			a, ctx, err := opts.setup(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			session, err := a.connect(ctx)
			if err != nil {
				return fmt.Errorf("failed to connect: %w", err)
			}
			defer closeSession(zerolog.Ctx(ctx), session)

			images, err := a.listBackups(ctx, session, args)
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

			result, err := formatter.FormatBackups(images)
			if err != nil {
				return fmt.Errorf("failed to format output: %w", err)
			}
			_, _ = fmt.Fprint(cmd.OutOrStdout(), result)
			return nil
		},
	}

	cmd.Flags().StringVarP(&outputFormat, "output", "o", string(output.FormatTable), "output format: table, yaml or json")
	cmd.Flags().BoolVar(&noHeaders, "no-headers", false, "omit the table header")

	return cmd
}

func (a *app) listBackups(ctx context.Context, session platform.Session, vms []string) ([]platform.BackupImage, error) {
	if len(vms) == 0 {
		images, err := session.ListBackups(ctx, a.cfg.ExportDomain, "")
		if err != nil {
			return nil, fmt.Errorf("failed to list backups: %w", err)
		}
		return images, nil
	}

	var images []platform.BackupImage
	for _, vm := range vms {
		found, err := session.ListBackups(ctx, a.cfg.ExportDomain, a.cfg.ClonePrefix(vm))
		if err != nil {
			return nil, fmt.Errorf("failed to list backups of %s: %w", vm, err)
		}
		images = append(images, found...)
	}
	return images, nil
}

func newPruneCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "prune [vm...]",
		Short: "Apply the retention policy without taking backups",
		Long: `Delete the backups selected by backup_keep_count (age in days) and
backup_keep_count_by_number (count per VM) for the given VMs, or for
vm_names when none are given. Honors --dry-run.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, ctx, err := opts.setup(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			vms := args
			if len(vms) == 0 {
				vms = a.cfg.VMNames
			}
			return a.prune(ctx, vms)
		},
	}
}

func (a *app) prune(ctx context.Context, vms []string) error {
	logger := zerolog.Ctx(ctx)
	if len(vms) == 0 {
		return fmt.Errorf("no vms given and vm_names is empty")
	}

	runLock, err := lock.Acquire(ctx, a.cfg.LockFile, 0)
	if err != nil {
		return err
	}
	defer func() {
		if err := runLock.Release(); err != nil {
			logger.Warn().Err(err).Msg("failed to release run lock")
		}
	}()

	session, err := a.connect(ctx)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer closeSession(logger, session)

	orch := backup.New(a.cfg, a.connector, session, orchestratorOptions...)
	policy := orch.Policy()
	if !policy.Enabled() {
		logger.Info().Msg("no retention policy configured, nothing to prune")
		return nil
	}

	failed := 0
	for _, vm := range vms {
		vmLogger := logger.With().Str("vm", vm).Logger()
		res, err := orch.Pruner().Apply(vmLogger.WithContext(ctx), a.cfg.ClonePrefix(vm), policy)
		if err != nil {
			failed++
			vmLogger.Error().Err(err).Msg("retention failed")
			continue
		}
		vmLogger.Info().
			Int("considered", res.Considered).
			Int("deleted", len(res.Deleted)).
			Int("kept", res.Kept).
			Bool("dry_run", a.cfg.DryRun).
			Msg("retention applied")
	}

	if failed > 0 {
		return &exitError{code: 1}
	}
	return nil
}
