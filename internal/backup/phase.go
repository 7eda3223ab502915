package backup

import (
	"fmt"
	"time"
)

// Phase is a step of the per-VM pipeline.
type Phase string

const (
	PhasePending   Phase = "pending"
	PhasePreclean  Phase = "preclean"
	PhaseSnapshot  Phase = "snapshot"
	PhaseClone     Phase = "clone"
	PhaseExport    Phase = "export"
	PhasePostclean Phase = "postclean"
	PhasePrune     Phase = "prune"
	PhaseDone      Phase = "done"
)

var phaseOrder = map[Phase]int{
	PhasePending:   0,
	PhasePreclean:  1,
	PhaseSnapshot:  2,
	PhaseClone:     3,
	PhaseExport:    4,
	PhasePostclean: 5,
	PhasePrune:     6,
	PhaseDone:      7,
}

// Status is the outcome of a VM's run.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// VMResult tracks one VM through the pipeline.
type VMResult struct {
	VM         string
	Clone      string
	Phase      Phase
	Status     Status
	Err        error
	StartedAt  time.Time
	FinishedAt time.Time
	Attempts   int
	Pruned     int
}

func newVMResult(vm string) *VMResult {
	return &VMResult{VM: vm, Phase: PhasePending, Status: StatusPending}
}

// Transition moves the result to phase to. Only forward moves are allowed.
func (r *VMResult) Transition(to Phase) error {
	if r.IsTerminal() {
		return fmt.Errorf("cannot transition %s to %s: run already %s", r.VM, to, r.Status)
	}
	cur, ok := phaseOrder[r.Phase]
	if !ok {
		return fmt.Errorf("unknown phase %q", r.Phase)
	}
	next, ok := phaseOrder[to]
	if !ok {
		return fmt.Errorf("unknown phase %q", to)
	}
	if next <= cur {
		return fmt.Errorf("cannot transition %s from %s back to %s", r.VM, r.Phase, to)
	}
	r.Phase = to
	r.Status = StatusRunning
	if to == PhaseDone {
		r.Status = StatusSucceeded
	}
	return nil
}

// fail marks the result failed in its current phase.
func (r *VMResult) fail(err error) {
	r.Status = StatusFailed
	r.Err = err
}

// restart rewinds the result for a retry after reconnecting. It is the only
// backward move.
func (r *VMResult) restart() {
	r.Phase = PhasePending
	r.Status = StatusPending
	r.Clone = ""
	r.Err = nil
	r.Attempts++
}

// Duration returns how long the VM's run took.
func (r *VMResult) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// IsTerminal returns true if the result will not change any more.
func (r *VMResult) IsTerminal() bool {
	return r.Status == StatusSucceeded || r.Status == StatusFailed
}
