package backup

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jbweber/vmbackup/internal/platform"
	"github.com/jbweber/vmbackup/internal/wait"
)

// PreconditionError reports configuration problems found before any VM
// was processed.
type PreconditionError struct {
	Problems []string
}

func (e *PreconditionError) Error() string {
	return "precondition check failed: " + strings.Join(e.Problems, "; ")
}

// PhaseError fails a single VM. The batch continues with the next VM.
type PhaseError struct {
	VM    string
	Phase Phase
	Err   error
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("%s: %s failed: %v", e.VM, e.Phase, e.Err)
}

func (e *PhaseError) Unwrap() error {
	return e.Err
}

// FatalError aborts the whole batch.
type FatalError struct {
	VM    string
	Phase Phase
	Err   error
}

func (e *FatalError) Error() string {
	if e.VM == "" {
		return fmt.Sprintf("backup aborted: %v", e.Err)
	}
	return fmt.Sprintf("backup aborted at %s/%s: %v", e.VM, e.Phase, e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// errorKind classifies an error returned from a VM's pipeline.
type errorKind int

const (
	kindVMFailure errorKind = iota
	kindReconnect
	kindFatal
)

func classify(err error) errorKind {
	var phaseErr *PhaseError
	switch {
	case platform.IsConnectivity(err):
		return kindReconnect
	case errors.As(err, &phaseErr),
		platform.IsRejected(err),
		errors.Is(err, wait.ErrAttemptsExhausted):
		return kindVMFailure
	default:
		return kindFatal
	}
}
