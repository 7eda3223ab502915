package retention

import (
	"context"
	"fmt"
	"time"

	"github.com/docker/go-units"
	"github.com/rs/zerolog"

	"github.com/jbweber/vmbackup/internal/platform"
	"github.com/jbweber/vmbackup/internal/wait"
)

// BackupStore is the subset of platform.Session the pruner needs.
type BackupStore interface {
	ListBackups(ctx context.Context, exportDomain, namePrefix string) ([]platform.BackupImage, error)
	GetBackup(ctx context.Context, exportDomain, name string) (*platform.BackupImage, error)
	DeleteBackup(ctx context.Context, exportDomain, name string) error
}

// Pass names the policy that selected an image.
type Pass string

const (
	PassAge   Pass = "age"
	PassCount Pass = "count"
)

// Deletion is one image removed (or, in dry-run, selected) by a pass.
type Deletion struct {
	Image platform.BackupImage
	Pass  Pass
}

// Result summarizes one Apply call.
type Result struct {
	Considered int
	Deleted    []Deletion
	Kept       int
}

// Pruner applies a Policy to the backups on one export domain.
type Pruner struct {
	Store        BackupStore
	Waiter       *wait.Waiter
	ExportDomain string
	DryRun       bool
	Now          func() time.Time

	// Remove, when set, replaces the built-in delete-and-wait for one
	// image. It must treat an image that is already gone as success.
	Remove func(ctx context.Context, name string) error
}

// Apply lists the backups whose names start with prefix and deletes those
// selected by the policy, waiting for each deletion to finish before the
// next one starts.
func (p *Pruner) Apply(ctx context.Context, prefix string, policy Policy) (*Result, error) {
	logger := zerolog.Ctx(ctx)
	res := &Result{}
	if !policy.Enabled() {
		return res, nil
	}

	images, err := p.Store.ListBackups(ctx, p.ExportDomain, prefix)
	if err != nil {
		return res, fmt.Errorf("list backups with prefix %s: %w", prefix, err)
	}
	res.Considered = len(images)

	now := time.Now()
	if p.Now != nil {
		now = p.Now()
	}

	if policy.KeepDays > 0 {
		selected := SelectByAge(images, policy.KeepDays, now)
		logger.Info().
			Int("keep_days", policy.KeepDays).
			Time("cutoff", Cutoff(now, policy.KeepDays)).
			Int("selected", len(selected)).
			Msg("applying retention by age")
		if err := p.deleteAll(ctx, selected, PassAge, res); err != nil {
			return res, err
		}
		images = without(images, selected)
	}

	if policy.KeepCount > 0 {
		selected := SelectByCount(images, policy.KeepCount)
		logger.Info().
			Int("keep_count", policy.KeepCount).
			Int("present", len(images)).
			Int("selected", len(selected)).
			Msg("applying retention by count")
		if err := p.deleteAll(ctx, selected, PassCount, res); err != nil {
			return res, err
		}
		images = without(images, selected)
	}

	res.Kept = len(images)
	return res, nil
}

func (p *Pruner) deleteAll(ctx context.Context, images []platform.BackupImage, pass Pass, res *Result) error {
	for _, img := range images {
		if err := p.delete(ctx, img); err != nil {
			return err
		}
		res.Deleted = append(res.Deleted, Deletion{Image: img, Pass: pass})
	}
	return nil
}

func (p *Pruner) delete(ctx context.Context, img platform.BackupImage) error {
	logger := zerolog.Ctx(ctx)
	event := logger.Info().
		Str("backup", img.Name).
		Time("created", img.CreatedAt).
		Str("size", units.BytesSize(float64(img.SizeBytes)))

	if p.DryRun {
		event.Msg("dry-run: would delete backup")
		return nil
	}

	event.Msg("deleting backup")
	if p.Remove != nil {
		return p.Remove(ctx, img.Name)
	}
	if err := p.Store.DeleteBackup(ctx, p.ExportDomain, img.Name); err != nil && !platform.IsNotFound(err) {
		return fmt.Errorf("delete backup %s: %w", img.Name, err)
	}

	err := p.Waiter.ForAbsence(ctx, "backup "+img.Name, func(ctx context.Context) (bool, error) {
		b, err := p.Store.GetBackup(ctx, p.ExportDomain, img.Name)
		if err != nil {
			return false, err
		}
		return b != nil, nil
	})
	if err != nil {
		return fmt.Errorf("wait for backup %s deletion: %w", img.Name, err)
	}
	return nil
}
