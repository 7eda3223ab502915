package backup

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/jbweber/vmbackup/internal/platform"
)

// Kind selects what EnsureAbsent removes.
type Kind string

const (
	// KindClones removes every clone of the named source VM.
	KindClones Kind = "clones"
	// KindClone removes the single VM with the given name.
	KindClone Kind = "clone"
	// KindSnapshots removes every snapshot of the named VM that carries
	// the configured description.
	KindSnapshots Kind = "snapshots"
	// KindBackup removes the backup image with the given name from the
	// export domain.
	KindBackup Kind = "backup"
)

// EnsureAbsent makes sure no object of kind exists under name, waiting for
// each deletion to finish. Objects that do not exist, or disappear while
// being deleted, are not an error. In dry-run mode nothing is deleted.
func (o *Orchestrator) EnsureAbsent(ctx context.Context, kind Kind, name string) error {
	switch kind {
	case KindClones:
		return o.ensureClonesAbsent(ctx, name)
	case KindClone:
		return o.ensureVMAbsent(ctx, name)
	case KindSnapshots:
		return o.ensureSnapshotsAbsent(ctx, name)
	case KindBackup:
		return o.ensureBackupAbsent(ctx, name)
	default:
		return fmt.Errorf("unknown kind %q", kind)
	}
}

func (o *Orchestrator) ensureClonesAbsent(ctx context.Context, vmName string) error {
	prefix := o.cfg.ClonePrefix(vmName)
	clones, err := o.session.ListVMs(ctx, platform.VMQuery{NamePrefix: prefix})
	if err != nil {
		return fmt.Errorf("list clones of %s: %w", vmName, err)
	}
	for _, clone := range clones {
		if err := o.ensureVMAbsent(ctx, clone.Name); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) ensureVMAbsent(ctx context.Context, name string) error {
	logger := zerolog.Ctx(ctx)

	vm, err := o.session.GetVM(ctx, name)
	if err != nil {
		return fmt.Errorf("get vm %s: %w", name, err)
	}
	if vm == nil {
		return nil
	}
	if o.cfg.DryRun {
		logger.Info().Str("target", name).Msg("dry-run: would delete vm")
		return nil
	}

	logger.Info().Str("target", name).Msg("deleting vm")
	if err := o.session.DeleteVM(ctx, name); err != nil && !platform.IsNotFound(err) {
		return fmt.Errorf("delete vm %s: %w", name, err)
	}
	return o.waiter.ForAbsence(ctx, "vm "+name, func(ctx context.Context) (bool, error) {
		vm, err := o.session.GetVM(ctx, name)
		if err != nil {
			return false, fmt.Errorf("get vm %s: %w", name, err)
		}
		return vm != nil, nil
	})
}

func (o *Orchestrator) ensureSnapshotsAbsent(ctx context.Context, vmName string) error {
	logger := zerolog.Ctx(ctx)
	desc := o.cfg.SnapshotDescription

	snaps, err := o.session.ListSnapshots(ctx, vmName, desc)
	if err != nil {
		return fmt.Errorf("list snapshots of %s: %w", vmName, err)
	}
	for _, snap := range snaps {
		if o.cfg.DryRun {
			logger.Info().Str("snapshot", snap.ID).Msg("dry-run: would delete snapshot")
			continue
		}
		logger.Info().Str("snapshot", snap.ID).Msg("deleting snapshot")
		id := snap.ID
		err := o.waiter.RetryBusy(ctx, "delete snapshot "+id, func(ctx context.Context) error {
			return o.session.DeleteSnapshot(ctx, vmName, id)
		})
		if err != nil && !platform.IsNotFound(err) {
			return fmt.Errorf("delete snapshot %s of %s: %w", id, vmName, err)
		}
	}
	return o.waiter.ForSnapshot(ctx, o.session, vmName, desc)
}

func (o *Orchestrator) ensureBackupAbsent(ctx context.Context, name string) error {
	logger := zerolog.Ctx(ctx)
	domain := o.cfg.ExportDomain

	img, err := o.session.GetBackup(ctx, domain, name)
	if err != nil {
		return fmt.Errorf("get backup %s: %w", name, err)
	}
	if img == nil {
		return nil
	}
	if o.cfg.DryRun {
		logger.Info().Str("backup", name).Msg("dry-run: would delete backup")
		return nil
	}

	logger.Info().Str("backup", name).Msg("deleting backup")
	if err := o.session.DeleteBackup(ctx, domain, name); err != nil && !platform.IsNotFound(err) {
		return fmt.Errorf("delete backup %s: %w", name, err)
	}
	return o.waiter.ForAbsence(ctx, "backup "+name, func(ctx context.Context) (bool, error) {
		img, err := o.session.GetBackup(ctx, domain, name)
		if err != nil {
			return false, fmt.Errorf("get backup %s: %w", name, err)
		}
		return img != nil, nil
	})
}
