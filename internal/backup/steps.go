package backup

import (
	"context"
	"fmt"

	units "github.com/docker/go-units"
	"github.com/rs/zerolog"

	"github.com/jbweber/vmbackup/internal/platform"
)

// dryRunPlaceholder stands in for the snapshot ID when a dry run reaches
// CLONE without a snapshot to clone from.
const dryRunPlaceholder = "dry-run"

// CheckPreconditions validates the batch against the platform before any VM
// is touched. Configuration problems are collected into a single
// *PreconditionError. Failures talking to the platform are returned as is.
func (o *Orchestrator) CheckPreconditions(ctx context.Context) error {
	logger := zerolog.Ctx(ctx)
	var problems []string

	if len(o.cfg.VMNames) == 0 {
		problems = append(problems, "no vms configured")
	}
	if o.cfg.VMMiddle == "" {
		problems = append(problems, "vm_middle must not be empty")
	}
	now := o.now()
	for _, name := range o.cfg.VMNames {
		clone := o.cfg.CloneName(name, now)
		if len(clone) > o.cfg.VMNameMaxLength {
			problems = append(problems, fmt.Sprintf("clone name %q is %d characters, longer than vm_name_max_length %d",
				clone, len(clone), o.cfg.VMNameMaxLength))
		}
	}
	// Name problems stop the run before any remote lookup.
	if len(problems) > 0 {
		return &PreconditionError{Problems: problems}
	}

	export, err := o.session.GetStorageDomain(ctx, o.cfg.ExportDomain)
	if err != nil {
		return fmt.Errorf("get export domain %s: %w", o.cfg.ExportDomain, err)
	}
	if export == nil {
		problems = append(problems, fmt.Sprintf("export domain %q not found", o.cfg.ExportDomain))
	}

	cluster, err := o.session.GetCluster(ctx, o.cfg.ClusterName)
	if err != nil {
		return fmt.Errorf("get cluster %s: %w", o.cfg.ClusterName, err)
	}
	if cluster == nil {
		problems = append(problems, fmt.Sprintf("cluster %q not found", o.cfg.ClusterName))
	}

	storage, err := o.session.GetStorageDomain(ctx, o.cfg.StorageDomain)
	if err != nil {
		return fmt.Errorf("get storage domain %s: %w", o.cfg.StorageDomain, err)
	}
	if storage == nil {
		problems = append(problems, fmt.Sprintf("storage domain %q not found", o.cfg.StorageDomain))
	}

	for _, name := range o.cfg.VMNames {
		vm, err := o.session.GetVM(ctx, name)
		if err != nil {
			return fmt.Errorf("get vm %s: %w", name, err)
		}
		if vm == nil {
			problems = append(problems, fmt.Sprintf("vm %q not found", name))
		}
	}

	if len(problems) > 0 {
		return &PreconditionError{Problems: problems}
	}
	logger.Debug().Int("vms", len(o.cfg.VMNames)).Msg("preconditions ok")
	return nil
}

// checkFreeSpace fails when the storage domain cannot hold the VM's disks
// plus the configured margin.
func (o *Orchestrator) checkFreeSpace(ctx context.Context, vm *platform.VM) error {
	sd, err := o.session.GetStorageDomain(ctx, o.cfg.StorageDomain)
	if err != nil {
		return fmt.Errorf("get storage domain %s: %w", o.cfg.StorageDomain, err)
	}
	if sd == nil {
		return fmt.Errorf("storage domain %q not found", o.cfg.StorageDomain)
	}

	needed := float64(vm.DiskBytes()) * (1 + o.cfg.StorageSpaceThreshold)
	remaining := float64(sd.AvailableBytes) - needed

	event := zerolog.Ctx(ctx).Debug().
		Str("storage_domain", sd.Name).
		Str("available", units.BytesSize(float64(sd.AvailableBytes))).
		Str("needed", units.BytesSize(needed))
	if remaining <= 0 {
		event.Msg("not enough free space")
		return fmt.Errorf("not enough free space on %s: %s available, %s needed",
			sd.Name, units.BytesSize(float64(sd.AvailableBytes)), units.BytesSize(needed))
	}
	event.Msg("free space ok")
	return nil
}

func (o *Orchestrator) createSnapshot(ctx context.Context, vmName string) error {
	logger := zerolog.Ctx(ctx)
	desc := o.cfg.SnapshotDescription

	if o.cfg.DryRun {
		logger.Info().Str("description", desc).Msg("dry-run: would create snapshot")
	} else {
		logger.Info().Str("description", desc).Bool("persist_memory", o.cfg.PersistMemoryState).Msg("creating snapshot")
		err := o.session.CreateSnapshot(ctx, vmName, platform.SnapshotSpec{
			Description:   desc,
			PersistMemory: o.cfg.PersistMemoryState,
		})
		if err != nil {
			return fmt.Errorf("create snapshot: %w", err)
		}
	}

	if err := o.waiter.ForSnapshot(ctx, o.session, vmName, desc); err != nil {
		return err
	}
	logger.Info().Str("description", desc).Msg("snapshot created")

	if grace := o.cfg.SnapshotGracePeriod.Std(); grace > 0 {
		logger.Debug().Dur("grace_period", grace).Msg("waiting for snapshot to settle")
		if err := o.sleep(ctx, grace); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) cloneFromSnapshot(ctx context.Context, vm *platform.VM, cloneName string) error {
	logger := zerolog.Ctx(ctx).With().Str("clone", cloneName).Logger()
	desc := o.cfg.SnapshotDescription

	snaps, err := o.session.ListSnapshots(ctx, vm.Name, desc)
	if err != nil {
		return fmt.Errorf("list snapshots: %w", err)
	}
	snapID := ""
	if len(snaps) > 0 {
		snapID = snaps[0].ID
	}
	if snapID == "" {
		if !o.cfg.DryRun {
			return &PhaseError{VM: vm.Name, Phase: PhaseClone, Err: fmt.Errorf("no snapshot with description %q", desc)}
		}
		logger.Info().Msg("dry-run: no snapshot to clone from, continuing")
		snapID = dryRunPlaceholder
	}

	spec := platform.CloneSpec{
		Name:          cloneName,
		SourceVM:      vm.Name,
		SnapshotID:    snapID,
		Description:   desc,
		MemoryBytes:   vm.MemoryBytes,
		Cluster:       o.cfg.ClusterName,
		StorageDomain: o.cfg.StorageDomain,
	}
	if o.cfg.DryRun {
		logger.Info().Str("snapshot", snapID).Msg("dry-run: would clone snapshot")
	} else {
		logger.Info().Str("snapshot", snapID).Msg("creating clone")
		if err := o.session.CloneVM(ctx, spec); err != nil {
			return fmt.Errorf("clone vm: %w", err)
		}
	}

	if err := o.waiter.ForVMDown(ctx, o.session, cloneName); err != nil {
		return err
	}
	logger.Info().Msg("clone created")
	return nil
}

func (o *Orchestrator) export(ctx context.Context, cloneName string) error {
	logger := zerolog.Ctx(ctx).With().Str("clone", cloneName).Str("export_domain", o.cfg.ExportDomain).Logger()

	if o.cfg.DryRun {
		logger.Info().Msg("dry-run: would export clone")
	} else {
		logger.Info().Msg("exporting clone")
		if err := o.session.ExportVM(ctx, cloneName, o.cfg.ExportDomain); err != nil {
			return fmt.Errorf("export vm: %w", err)
		}
	}

	if err := o.waiter.ForVMDown(ctx, o.session, cloneName); err != nil {
		return err
	}
	logger.Info().Msg("export finished")
	return nil
}
