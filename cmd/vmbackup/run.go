package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/jbweber/vmbackup/internal/backup"
	"github.com/jbweber/vmbackup/internal/config"
	"github.com/jbweber/vmbackup/internal/journal"
	"github.com/jbweber/vmbackup/internal/lock"
	"github.com/jbweber/vmbackup/internal/metrics"
	"github.com/jbweber/vmbackup/internal/platform"
)

// journalRetention bounds how long run history is kept.
const journalRetention = 365 * 24 * time.Hour

func newRunCmd(opts *rootOptions) *cobra.Command {
	var (
		allVMs bool
		tag    string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Back up the configured VMs",
		Long: `Back up every VM in vm_names.

Each VM goes through: remove leftovers of earlier runs, snapshot, clone
from the snapshot, export the clone, remove the clone and snapshot, and
apply the retention policy. A VM that fails is reported and the batch
moves on to the next VM.

With --all-vms or --tag the VM list is discovered from the hypervisor and
written back to vm_names in the config file.

Exit status is 0 when every VM was backed up, 1 otherwise.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, ctx, err := opts.setup(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			return a.runBackup(ctx, platform.VMQuery{All: allVMs, Tag: tag})
		},
	}

	cmd.Flags().BoolVarP(&allVMs, "all-vms", "a", false, "back up every VM on the host")
	cmd.Flags().StringVar(&tag, "tag", "", "back up the VMs carrying this tag")
	cmd.MarkFlagsMutuallyExclusive("all-vms", "tag")

	return cmd
}

// runBackup runs one batch. selection, when set, replaces vm_names.
func (a *app) runBackup(ctx context.Context, selection platform.VMQuery) error {
	logger := zerolog.Ctx(ctx)

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

	if selection.All || selection.Tag != "" {
		if err := a.selectVMs(ctx, session, selection); err != nil {
			closeSession(logger, session)
			return err
		}
	}

	orch := backup.New(a.cfg, a.connector, session, orchestratorOptions...)
	report, runErr := orch.Run(ctx)
	closeSession(logger, orch.Session())

	if runErr != nil {
		if !logPreconditions(logger, runErr) {
			logger.Error().Err(runErr).Msg("backup run aborted")
		}
	}
	report.Log(logger)
	a.record(ctx, report)

	if code := report.ExitCode(); code != 0 {
		return &exitError{code: code}
	}
	return nil
}

// selectVMs replaces vm_names with the VMs matched by query and writes the
// list back to the config file.
func (a *app) selectVMs(ctx context.Context, session platform.Session, query platform.VMQuery) error {
	logger := zerolog.Ctx(ctx)

	vms, err := session.ListVMs(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to list vms: %w", err)
	}
	names := backupCandidates(vms, a.cfg.VMMiddle)
	a.cfg.VMNames = names

	logger.Info().Strs("vms", names).Str("tag", query.Tag).Msg("vm list replaced")

	switch {
	case a.configPath == config.StdinPath:
		return nil
	case a.cfg.DryRun:
		logger.Info().Str("path", a.configPath).Msg("dry-run: not updating vm_names in config file")
		return nil
	}
	if err := config.WriteVMNames(a.configPath, names); err != nil {
		return err
	}
	logger.Info().Str("path", a.configPath).Msg("config file updated")
	return nil
}

// backupCandidates returns the names of vms, leaving out clones of other
// VMs in the list that an interrupted run left behind.
func backupCandidates(vms []platform.VM, middle string) []string {
	names := make([]string, 0, len(vms))
	for _, vm := range vms {
		names = append(names, vm.Name)
	}
	if middle == "" {
		return names
	}

	out := make([]string, 0, len(names))
	for _, name := range names {
		clone := false
		for _, other := range names {
			if other != name && strings.HasPrefix(name, other+middle) {
				clone = true
				break
			}
		}
		if !clone {
			out = append(out, name)
		}
	}
	return out
}

// record stores the report in the journal and writes the metrics file.
// Failures here are logged and never change the run's outcome.
func (a *app) record(ctx context.Context, report *backup.Report) {
	logger := zerolog.Ctx(ctx)
	lastSuccess := make(map[string]float64)

	if a.cfg.JournalPath != "" {
		j, err := journal.Open(a.cfg.JournalPath)
		if err != nil {
			logger.Warn().Err(err).Msg("failed to open journal")
		} else {
			defer func() { _ = j.Close() }()

			if err := j.Record(ctx, report); err != nil {
				logger.Warn().Err(err).Msg("failed to record run")
			}
			if n, err := j.Trim(ctx, report.StartedAt.Add(-journalRetention)); err != nil {
				logger.Warn().Err(err).Msg("failed to trim journal")
			} else if n > 0 {
				logger.Debug().Int64("runs", n).Msg("old runs removed from journal")
			}
			// Dry runs and failures carry the previous real backup forward.
			vms := report.Failed()
			if report.DryRun {
				vms = make([]string, 0, len(report.Results))
				for _, res := range report.Results {
					vms = append(vms, res.VM)
				}
			}
			for _, vm := range vms {
				last, err := j.LastSuccess(ctx, vm)
				if err == nil && !last.IsZero() {
					lastSuccess[vm] = float64(last.Unix())
				}
			}
		}
	}

	if a.cfg.MetricsFile != "" {
		m := metrics.NewRun()
		m.Observe(report, lastSuccess)
		if err := m.WriteFile(a.cfg.MetricsFile); err != nil {
			logger.Warn().Err(err).Msg("failed to write metrics")
		}
	}
}
