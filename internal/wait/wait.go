// Package wait blocks callers until asynchronous platform operations reach
// a terminal state. The platform exposes no events, so every wait is a poll
// with a fixed interval.
//
// A Waiter with MaxAttempts == 0 polls forever: if the platform never
// converges the caller blocks until its context is cancelled.
package wait

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/jbweber/vmbackup/internal/platform"
)

// ErrAttemptsExhausted is returned when a bounded wait runs out of polls.
var ErrAttemptsExhausted = errors.New("wait: attempt budget exhausted")

// SleepFunc pauses for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep is the production SleepFunc.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// SnapshotLister is the subset of platform.Session used for snapshot waits.
type SnapshotLister interface {
	ListSnapshots(ctx context.Context, vmName, description string) ([]platform.Snapshot, error)
}

// VMGetter is the subset of platform.Session used for VM waits.
type VMGetter interface {
	GetVM(ctx context.Context, name string) (*platform.VM, error)
}

// Waiter polls the platform at a fixed interval.
type Waiter struct {
	Interval    time.Duration
	MaxAttempts int
	Sleep       SleepFunc
}

// New returns a Waiter using the real clock.
func New(interval time.Duration, maxAttempts int) *Waiter {
	return &Waiter{Interval: interval, MaxAttempts: maxAttempts, Sleep: Sleep}
}

// Poll calls check until it reports done, returns an error, the context is
// cancelled or the attempt budget runs out. check is called once before the
// first sleep.
func (w *Waiter) Poll(ctx context.Context, what string, check func(ctx context.Context) (bool, error)) error {
	logger := zerolog.Ctx(ctx)
	sleep := w.Sleep
	if sleep == nil {
		sleep = Sleep
	}

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		done, err := check(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if w.MaxAttempts > 0 && attempt >= w.MaxAttempts {
			return fmt.Errorf("%s: %w after %d polls", what, ErrAttemptsExhausted, attempt)
		}
		logger.Debug().Str("waiting_for", what).Int("attempt", attempt).Dur("interval", w.Interval).Msg("operation still in progress")
		if err := sleep(ctx, w.Interval); err != nil {
			return err
		}
	}
}

// ForSnapshot waits until the snapshot of vmName carrying description is
// ready. A missing snapshot counts as done: it was never created or has
// already been removed.
func (w *Waiter) ForSnapshot(ctx context.Context, s SnapshotLister, vmName, description string) error {
	what := fmt.Sprintf("snapshot %q of %s", description, vmName)
	return w.Poll(ctx, what, func(ctx context.Context) (bool, error) {
		snaps, err := s.ListSnapshots(ctx, vmName, description)
		if err != nil {
			return false, fmt.Errorf("list snapshots of %s: %w", vmName, err)
		}
		if len(snaps) == 0 {
			return true, nil
		}
		return snaps[0].Status == platform.SnapshotStatusOK, nil
	})
}

// ForVMDown waits until the VM is down. A VM that disappears ends the wait
// with a warning.
func (w *Waiter) ForVMDown(ctx context.Context, g VMGetter, name string) error {
	return w.Poll(ctx, "vm "+name+" down", func(ctx context.Context) (bool, error) {
		vm, err := g.GetVM(ctx, name)
		if err != nil {
			return false, fmt.Errorf("get vm %s: %w", name, err)
		}
		if vm == nil {
			zerolog.Ctx(ctx).Warn().Str("target", name).Msg("vm disappeared while waiting for it to go down")
			return true, nil
		}
		return vm.Status == platform.VMStatusDown, nil
	})
}

// ForAbsence waits until exists reports false.
func (w *Waiter) ForAbsence(ctx context.Context, what string, exists func(ctx context.Context) (bool, error)) error {
	return w.Poll(ctx, what+" gone", func(ctx context.Context) (bool, error) {
		ok, err := exists(ctx)
		if err != nil {
			return false, err
		}
		return !ok, nil
	})
}

// RetryBusy calls op until it stops failing with platform.ErrBusy. Other
// errors are returned as is.
func (w *Waiter) RetryBusy(ctx context.Context, what string, op func(ctx context.Context) error) error {
	return w.Poll(ctx, what, func(ctx context.Context) (bool, error) {
		err := op(ctx)
		if err == nil {
			return true, nil
		}
		if platform.IsBusy(err) {
			zerolog.Ctx(ctx).Info().Err(err).Str("operation", what).Msg("object busy, retrying")
			return false, nil
		}
		return false, err
	})
}
