package backup

import (
	"time"

	"github.com/rs/zerolog"
)

// Report summarizes a batch run.
type Report struct {
	RunID      string
	DryRun     bool
	StartedAt  time.Time
	FinishedAt time.Time
	Results    []*VMResult
	// Fatal is set when the batch was aborted by a precondition violation
	// or an unexpected error.
	Fatal error
}

// Failed returns the names of the VMs whose run failed, in run order.
// VMs never reached because the batch aborted are included.
func (r *Report) Failed() []string {
	var out []string
	for _, res := range r.Results {
		if res.Status != StatusSucceeded {
			out = append(out, res.VM)
		}
	}
	return out
}

// Succeeded returns the names of the VMs backed up successfully.
func (r *Report) Succeeded() []string {
	var out []string
	for _, res := range r.Results {
		if res.Status == StatusSucceeded {
			out = append(out, res.VM)
		}
	}
	return out
}

// ExitCode returns the process exit status for the run: 0 when every VM
// succeeded and nothing aborted the batch, 1 otherwise.
func (r *Report) ExitCode() int {
	if r.Fatal != nil || len(r.Failed()) > 0 {
		return 1
	}
	return 0
}

// Log writes the end-of-run summary.
func (r *Report) Log(logger *zerolog.Logger) {
	logger.Info().
		Int("succeeded", len(r.Succeeded())).
		Int("failed", len(r.Failed())).
		Dur("duration", r.FinishedAt.Sub(r.StartedAt)).
		Bool("dry_run", r.DryRun).
		Msg("all backups done")

	failed := r.Failed()
	if len(failed) == 0 {
		return
	}
	logger.Warn().Strs("vms", failed).Msg("backup failed for some VMs")
	for _, res := range r.Results {
		if res.Status == StatusSucceeded {
			continue
		}
		event := logger.Warn().Str("vm", res.VM).Str("phase", string(res.Phase))
		if res.Err != nil {
			event = event.Err(res.Err)
		}
		event.Msg("failed")
	}
}
