// Package journal keeps a local history of backup runs in SQLite, one row
// per run and one row per VM processed in it.
package journal

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jbweber/vmbackup/internal/backup"
)

// ErrNotFound is returned when a run is not in the journal.
var ErrNotFound = errors.New("run not found")

// Run is one batch run.
type Run struct {
	ID         string    `gorm:"primaryKey" json:"id" yaml:"id"`
	StartedAt  time.Time `gorm:"index" json:"startedAt" yaml:"startedAt"`
	FinishedAt time.Time `json:"finishedAt" yaml:"finishedAt"`
	DryRun     bool      `json:"dryRun" yaml:"dryRun"`
	Succeeded  int       `json:"succeeded" yaml:"succeeded"`
	Failed     int       `json:"failed" yaml:"failed"`
	Error      string    `json:"error,omitempty" yaml:"error,omitempty"`
	VMs        []VMRun   `gorm:"foreignKey:RunID;constraint:OnDelete:CASCADE" json:"vms" yaml:"vms"`
}

// ExitCode returns the exit status the run finished with.
func (r *Run) ExitCode() int {
	if r.Error != "" || r.Failed > 0 {
		return 1
	}
	return 0
}

// VMRun is the outcome of one VM in a run.
type VMRun struct {
	ID         uint      `gorm:"primaryKey" json:"-" yaml:"-"`
	RunID      string    `gorm:"index" json:"-" yaml:"-"`
	VM         string    `gorm:"index" json:"vm" yaml:"vm"`
	Clone      string    `json:"clone,omitempty" yaml:"clone,omitempty"`
	Phase      string    `json:"phase" yaml:"phase"`
	Status     string    `json:"status" yaml:"status"`
	Error      string    `json:"error,omitempty" yaml:"error,omitempty"`
	Attempts   int       `json:"attempts" yaml:"attempts"`
	Pruned     int       `json:"pruned" yaml:"pruned"`
	StartedAt  time.Time `json:"startedAt" yaml:"startedAt"`
	FinishedAt time.Time `json:"finishedAt" yaml:"finishedAt"`
}

// Journal provides run history persistence via SQLite.
type Journal struct {
	db *gorm.DB
}

// Open opens (creating if needed) the journal database at path.
func Open(path string) (*Journal, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create journal directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		NowFunc: func() time.Time { return time.Now().UTC() },
		Logger:  logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := db.AutoMigrate(&Run{}, &VMRun{}); err != nil {
		return nil, fmt.Errorf("auto-migrate: %w", err)
	}

	return &Journal{db: db}, nil
}

// Close closes the database connection.
func (j *Journal) Close() error {
	sqlDB, err := j.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Record stores the outcome of a run.
func (j *Journal) Record(ctx context.Context, report *backup.Report) error {
	run := FromReport(report)
	if err := j.db.WithContext(ctx).Create(run).Error; err != nil {
		return fmt.Errorf("record run %s: %w", run.ID, err)
	}
	return nil
}

// Get returns the run with the given ID.
func (j *Journal) Get(ctx context.Context, id string) (*Run, error) {
	var run Run
	err := j.db.WithContext(ctx).Preload("VMs").Where("id = ?", id).First(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", id, err)
	}
	return &run, nil
}

// Recent returns the latest runs, newest first. A limit <= 0 returns all.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Run, error) {
	q := j.db.WithContext(ctx).Preload("VMs").Order("started_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var runs []Run
	if err := q.Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}

// LastSuccess returns when vm last finished a backup successfully, or the
// zero time when it never did. Dry runs never count.
func (j *Journal) LastSuccess(ctx context.Context, vm string) (time.Time, error) {
	var rec VMRun
	db := j.db.WithContext(ctx)
	live := db.Model(&Run{}).Select("id").Where("dry_run = ?", false)
	err := db.
		Where("vm = ? AND status = ? AND run_id IN (?)", vm, string(backup.StatusSucceeded), live).
		Order("finished_at DESC").
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("last success of %s: %w", vm, err)
	}
	return rec.FinishedAt, nil
}

// Trim deletes runs started before cutoff and returns how many were
// removed.
func (j *Journal) Trim(ctx context.Context, cutoff time.Time) (int64, error) {
	var ids []string
	db := j.db.WithContext(ctx)
	if err := db.Model(&Run{}).Where("started_at < ?", cutoff).Pluck("id", &ids).Error; err != nil {
		return 0, fmt.Errorf("find old runs: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	err := db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("run_id IN ?", ids).Delete(&VMRun{}).Error; err != nil {
			return err
		}
		return tx.Where("id IN ?", ids).Delete(&Run{}).Error
	})
	if err != nil {
		return 0, fmt.Errorf("trim runs: %w", err)
	}
	return int64(len(ids)), nil
}

// FromReport converts a run report to its journal form.
func FromReport(report *backup.Report) *Run {
	run := &Run{
		ID:         report.RunID,
		StartedAt:  report.StartedAt.UTC(),
		FinishedAt: report.FinishedAt.UTC(),
		DryRun:     report.DryRun,
		Succeeded:  len(report.Succeeded()),
		Failed:     len(report.Failed()),
	}
	if report.Fatal != nil {
		run.Error = report.Fatal.Error()
	}
	for _, res := range report.Results {
		vm := VMRun{
			RunID:      report.RunID,
			VM:         res.VM,
			Clone:      res.Clone,
			Phase:      string(res.Phase),
			Status:     string(res.Status),
			Attempts:   res.Attempts,
			Pruned:     res.Pruned,
			StartedAt:  res.StartedAt.UTC(),
			FinishedAt: res.FinishedAt.UTC(),
		}
		if res.Err != nil {
			vm.Error = res.Err.Error()
		}
		run.VMs = append(run.VMs, vm)
	}
	return run
}
