package wait

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jbweber/vmbackup/internal/platform"
	"github.com/jbweber/vmbackup/internal/platform/platformtest"
)

type fakeSleeper struct {
	calls []time.Duration
}

func (f *fakeSleeper) sleep(_ context.Context, d time.Duration) error {
	f.calls = append(f.calls, d)
	return nil
}

func newTestWaiter(maxAttempts int) (*Waiter, *fakeSleeper) {
	s := &fakeSleeper{}
	return &Waiter{Interval: 5 * time.Second, MaxAttempts: maxAttempts, Sleep: s.sleep}, s
}

func TestForSnapshot_NoSnapshotReturnsImmediately(t *testing.T) {
	w, s := newTestWaiter(0)
	fake := platformtest.New()
	fake.AddVM(platform.VM{Name: "db1"})

	require.NoError(t, w.ForSnapshot(context.Background(), fake, "db1", "nightly"))
	assert.Empty(t, s.calls)
	assert.Len(t, fake.CallsTo("ListSnapshots"), 1)
}

func TestForSnapshot_WaitsUntilOK(t *testing.T) {
	w, s := newTestWaiter(0)
	fake := platformtest.New()
	fake.Settle = 3
	fake.AddVM(platform.VM{Name: "db1"})
	require.NoError(t, fake.CreateSnapshot(context.Background(), "db1", platform.SnapshotSpec{Description: "nightly"}))

	require.NoError(t, w.ForSnapshot(context.Background(), fake, "db1", "nightly"))
	assert.Equal(t, []time.Duration{5 * time.Second, 5 * time.Second}, s.calls)
	assert.Len(t, fake.CallsTo("ListSnapshots"), 3)
}

func TestForSnapshot_ListErrorStopsWait(t *testing.T) {
	w, _ := newTestWaiter(0)
	fake := platformtest.New()
	fake.FailNext("ListSnapshots", platform.Wrap(platform.ErrConnectivity, "list", errors.New("eof")))

	err := w.ForSnapshot(context.Background(), fake, "db1", "nightly")
	require.Error(t, err)
	assert.True(t, platform.IsConnectivity(err))
}

func TestForVMDown(t *testing.T) {
	t.Run("absent vm is terminal", func(t *testing.T) {
		w, s := newTestWaiter(0)
		fake := platformtest.New()
		require.NoError(t, w.ForVMDown(context.Background(), fake, "ghost"))
		assert.Empty(t, s.calls)
	})

	t.Run("waits for down", func(t *testing.T) {
		w, s := newTestWaiter(0)
		fake := platformtest.New()
		fake.AddVM(platform.VM{Name: "web01", Status: platform.VMStatusUp})
		polls := 0
		getter := getterFunc(func(ctx context.Context, name string) (*platform.VM, error) {
			polls++
			vm, err := fake.GetVM(ctx, name)
			if polls == 3 {
				vm.Status = platform.VMStatusDown
			}
			return vm, err
		})
		require.NoError(t, w.ForVMDown(context.Background(), getter, "web01"))
		assert.Len(t, s.calls, 2)
	})
}

type getterFunc func(ctx context.Context, name string) (*platform.VM, error)

func (f getterFunc) GetVM(ctx context.Context, name string) (*platform.VM, error) {
	return f(ctx, name)
}

func TestPoll_AttemptBudget(t *testing.T) {
	w, s := newTestWaiter(4)
	err := w.Poll(context.Background(), "never", func(context.Context) (bool, error) {
		return false, nil
	})
	require.ErrorIs(t, err, ErrAttemptsExhausted)
	assert.Len(t, s.calls, 3)
}

func TestPoll_UnboundedKeepsPolling(t *testing.T) {
	w, s := newTestWaiter(0)
	n := 0
	err := w.Poll(context.Background(), "slow", func(context.Context) (bool, error) {
		n++
		return n == 1000, nil
	})
	require.NoError(t, err)
	assert.Len(t, s.calls, 999)
}

func TestPoll_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	w := &Waiter{Interval: time.Second, Sleep: func(context.Context, time.Duration) error {
		cancel()
		return ctx.Err()
	}}
	err := w.Poll(ctx, "cancelled", func(context.Context) (bool, error) { return false, nil })
	require.ErrorIs(t, err, context.Canceled)
}

func TestSleep_RespectsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	require.ErrorIs(t, Sleep(ctx, time.Hour), context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
	require.NoError(t, Sleep(context.Background(), 0))
}

func TestForAbsence(t *testing.T) {
	w, s := newTestWaiter(0)
	remaining := 2
	err := w.ForAbsence(context.Background(), "clone", func(context.Context) (bool, error) {
		remaining--
		return remaining > 0, nil
	})
	require.NoError(t, err)
	assert.Len(t, s.calls, 1)
}

func TestRetryBusy(t *testing.T) {
	t.Run("retries while busy", func(t *testing.T) {
		w, s := newTestWaiter(0)
		calls := 0
		err := w.RetryBusy(context.Background(), "delete snapshot", func(context.Context) error {
			calls++
			if calls < 3 {
				return platform.Wrap(platform.ErrBusy, "delete snapshot", fmt.Errorf("409 conflict"))
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
		assert.Len(t, s.calls, 2)
	})

	t.Run("other rejection is returned", func(t *testing.T) {
		w, s := newTestWaiter(0)
		rejected := platform.Wrap(platform.ErrRequestRejected, "delete snapshot", errors.New("forbidden"))
		err := w.RetryBusy(context.Background(), "delete snapshot", func(context.Context) error {
			return rejected
		})
		require.ErrorIs(t, err, platform.ErrRequestRejected)
		assert.Empty(t, s.calls)
	})
}
