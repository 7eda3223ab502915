// Package backup drives VMs through the backup pipeline:
//
//	preclean → snapshot → clone → export → postclean → prune → done
//
// VMs are processed one at a time. A failure in one VM marks that VM failed
// and the batch moves on; connectivity failures replace the session and
// retry the VM from the top; anything unexpected aborts the batch.
package backup

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/jbweber/vmbackup/internal/config"
	"github.com/jbweber/vmbackup/internal/platform"
	"github.com/jbweber/vmbackup/internal/retention"
	"github.com/jbweber/vmbackup/internal/wait"
)

// Orchestrator runs backup batches against one platform session.
type Orchestrator struct {
	cfg       *config.Config
	connector platform.Connector
	session   platform.Session
	waiter    *wait.Waiter
	now       func() time.Time
	sleep     wait.SleepFunc
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithClock sets the clock used for clone suffixes and retention cutoffs.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithSleep sets the sleeper used by polls, busy retries and the snapshot
// grace period.
func WithSleep(sleep wait.SleepFunc) Option {
	return func(o *Orchestrator) { o.sleep = sleep }
}

// New creates an Orchestrator. session is the initial session; connector
// is used to replace it after connectivity failures.
func New(cfg *config.Config, connector platform.Connector, session platform.Session, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:       cfg,
		connector: connector,
		session:   session,
		now:       time.Now,
		sleep:     wait.Sleep,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.waiter = &wait.Waiter{
		Interval:    cfg.PollInterval(),
		MaxAttempts: cfg.MaxPollAttempts,
		Sleep:       o.sleep,
	}
	return o
}

// Session returns the session currently held. It changes after a
// reconnect, so callers closing the session must ask again at the end.
func (o *Orchestrator) Session() platform.Session {
	return o.session
}

// Run backs up every configured VM. The returned error is non-nil only
// when the batch was aborted; per-VM failures are recorded in the report.
func (o *Orchestrator) Run(ctx context.Context) (*Report, error) {
	logger := zerolog.Ctx(ctx)
	report := &Report{
		RunID:     uuid.NewString(),
		DryRun:    o.cfg.DryRun,
		StartedAt: o.now(),
	}
	defer func() { report.FinishedAt = o.now() }()

	logger.Info().
		Str("run_id", report.RunID).
		Strs("vms", o.cfg.VMNames).
		Bool("dry_run", o.cfg.DryRun).
		Msg("starting backup run")

	if err := o.CheckPreconditions(ctx); err != nil {
		report.Fatal = err
		return report, err
	}

	for _, name := range o.cfg.VMNames {
		report.Results = append(report.Results, newVMResult(name))
	}

	for _, res := range report.Results {
		if err := o.runVM(ctx, res); err != nil {
			report.Fatal = err
			return report, err
		}
	}

	return report, nil
}

// runVM runs one VM to a terminal state. It returns an error only when the
// batch must abort.
func (o *Orchestrator) runVM(ctx context.Context, res *VMResult) error {
	vmLogger := zerolog.Ctx(ctx).With().Str("vm", res.VM).Logger()
	ctx = vmLogger.WithContext(ctx)

	res.StartedAt = o.now()
	defer func() { res.FinishedAt = o.now() }()

	vmLogger.Info().Msg("start backup")
	for {
		err := o.backupVM(ctx, res)
		if err == nil {
			vmLogger.Info().
				Str("clone", res.Clone).
				Dur("duration", o.now().Sub(res.StartedAt)).
				Int("pruned", res.Pruned).
				Msg("backup done")
			return nil
		}

		if ctx.Err() != nil {
			res.fail(err)
			return &FatalError{VM: res.VM, Phase: res.Phase, Err: err}
		}

		switch classify(err) {
		case kindReconnect:
			if res.Attempts >= o.cfg.ReconnectAttempts {
				vmLogger.Error().Err(err).Int("attempts", res.Attempts).Msg("connection lost too many times, giving up on vm")
				res.fail(err)
				return nil
			}
			vmLogger.Warn().Err(err).Str("phase", string(res.Phase)).Msg("connection lost, reconnecting")
			if rerr := o.reconnect(ctx); rerr != nil {
				res.fail(err)
				return &FatalError{VM: res.VM, Phase: res.Phase, Err: rerr}
			}
			res.restart()
		case kindVMFailure:
			vmLogger.Error().Err(err).Str("phase", string(res.Phase)).Msg("backup failed")
			res.fail(err)
			return nil
		default:
			vmLogger.Error().Err(err).Str("phase", string(res.Phase)).Msg("unexpected error, aborting run")
			res.fail(err)
			return &FatalError{VM: res.VM, Phase: res.Phase, Err: err}
		}
	}
}

// reconnect replaces the held session with a fresh one.
func (o *Orchestrator) reconnect(ctx context.Context) error {
	if o.connector == nil {
		return fmt.Errorf("no connector configured")
	}
	if o.session != nil {
		if err := o.session.Close(); err != nil {
			zerolog.Ctx(ctx).Debug().Err(err).Msg("closing broken session")
		}
	}
	s, err := o.connector.Connect(ctx)
	if err != nil {
		return fmt.Errorf("reconnect: %w", err)
	}
	o.session = s
	zerolog.Ctx(ctx).Info().Msg("reconnected")
	return nil
}

// backupVM runs the pipeline once.
func (o *Orchestrator) backupVM(ctx context.Context, res *VMResult) error {
	logger := zerolog.Ctx(ctx)
	name := res.VM

	if err := res.Transition(PhasePreclean); err != nil {
		return err
	}
	if err := o.EnsureAbsent(ctx, KindClones, name); err != nil {
		return err
	}
	vm, err := o.session.GetVM(ctx, name)
	if err != nil {
		return fmt.Errorf("get vm %s: %w", name, err)
	}
	if vm == nil {
		logger.Warn().Msg("vm does not exist anymore, skipping backup")
		return &PhaseError{VM: name, Phase: PhasePreclean, Err: fmt.Errorf("vm %s not found", name)}
	}
	if err := o.EnsureAbsent(ctx, KindSnapshots, name); err != nil {
		return err
	}

	if err := res.Transition(PhaseSnapshot); err != nil {
		return err
	}
	if err := o.checkFreeSpace(ctx, vm); err != nil {
		return o.phaseError(ctx, res, err)
	}
	if err := o.createSnapshot(ctx, name); err != nil {
		return o.phaseError(ctx, res, err)
	}

	if err := res.Transition(PhaseClone); err != nil {
		return err
	}
	res.Clone = o.cfg.CloneName(name, o.now())
	if err := o.cloneFromSnapshot(ctx, vm, res.Clone); err != nil {
		return err
	}
	if err := o.EnsureAbsent(ctx, KindSnapshots, name); err != nil {
		return err
	}

	if err := res.Transition(PhaseExport); err != nil {
		return err
	}
	if err := o.export(ctx, res.Clone); err != nil {
		return o.phaseError(ctx, res, err)
	}

	if err := res.Transition(PhasePostclean); err != nil {
		return err
	}
	if err := o.EnsureAbsent(ctx, KindSnapshots, name); err != nil {
		return err
	}
	if err := o.EnsureAbsent(ctx, KindClone, res.Clone); err != nil {
		return err
	}

	if err := res.Transition(PhasePrune); err != nil {
		return err
	}
	pruned, err := o.prune(ctx, name)
	if err != nil {
		return err
	}
	res.Pruned = pruned

	logger.Info().Str("backup", res.Clone).Str("export_domain", o.cfg.ExportDomain).Msg("vm exported")
	return res.Transition(PhaseDone)
}

// phaseError turns a failure inside a contained phase into a per-VM
// failure. Connectivity failures pass through so the caller reconnects.
func (o *Orchestrator) phaseError(ctx context.Context, res *VMResult, err error) error {
	if platform.IsConnectivity(err) || ctx.Err() != nil {
		return err
	}
	return &PhaseError{VM: res.VM, Phase: res.Phase, Err: err}
}

// Pruner returns a retention pruner bound to the current session.
func (o *Orchestrator) Pruner() *retention.Pruner {
	return &retention.Pruner{
		Store:        o.session,
		Waiter:       o.waiter,
		ExportDomain: o.cfg.ExportDomain,
		DryRun:       o.cfg.DryRun,
		Now:          o.now,
		Remove: func(ctx context.Context, name string) error {
			return o.EnsureAbsent(ctx, KindBackup, name)
		},
	}
}

// Policy returns the configured retention policy.
func (o *Orchestrator) Policy() retention.Policy {
	return retention.Policy{
		KeepDays:  o.cfg.BackupKeepCount,
		KeepCount: o.cfg.BackupKeepCountByNumber,
	}
}

func (o *Orchestrator) prune(ctx context.Context, vmName string) (int, error) {
	policy := o.Policy()
	if !policy.Enabled() {
		return 0, nil
	}
	res, err := o.Pruner().Apply(ctx, o.cfg.ClonePrefix(vmName), policy)
	if err != nil {
		return len(res.Deleted), err
	}
	return len(res.Deleted), nil
}
