// SPDX-License-Identifier: AGPL-3.0-or-later

// Package engine drives one update job through the phase machine:
//
//	pre_check -> action(0..N-1) -> post_check -> done
//	          \ any failure -> rollback -> rolled_back | failed
//
// The engine checkpoints the job record after every state-changing step
// and emits progress on the bus. It never resumes an interrupted job
// mid-action (actions are not assumed idempotent); interrupted jobs are
// reclassified at startup and only the rollback path is resumed.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/serkankas/offline-updater/internal/action"
	"github.com/serkankas/offline-updater/internal/backup"
	"github.com/serkankas/offline-updater/internal/check"
	"github.com/serkankas/offline-updater/internal/events"
	"github.com/serkankas/offline-updater/internal/hostexec"
	"github.com/serkankas/offline-updater/internal/manifest"
	"github.com/serkankas/offline-updater/internal/state"
)

// Engine wires the registries, stores and host adapters for job runs.
// One Engine serves one process; jobs are serialised by the state lock.
type Engine struct {
	Store    *state.Store
	Backups  *backup.Manager
	Actions  *action.Registry
	Checks   *check.Registry
	Sink     events.Sink
	Docker   hostexec.DockerClient
	Services hostexec.ServiceManager
	Prober   hostexec.HTTPProber
}

// New assembles an engine with the built-in registries.
func New(store *state.Store, backups *backup.Manager, sink events.Sink,
	docker hostexec.DockerClient, services hostexec.ServiceManager, prober hostexec.HTTPProber) *Engine {
	return &Engine{
		Store:    store,
		Backups:  backups,
		Actions:  action.NewRegistry(),
		Checks:   check.NewRegistry(),
		Sink:     sink,
		Docker:   docker,
		Services: services,
		Prober:   prober,
	}
}

// Run executes the manifest against the staged tree, mutating job through
// to a terminal status. The returned error is the job's failure, nil on
// success. Deterministic for fixed inputs and a fixed host.
func (e *Engine) Run(ctx context.Context, m *manifest.Manifest, stagedRoot string, job *state.Job) error {
	job.Status = state.StatusRunning
	job.Description = m.Description
	job.RollbackPermitted = m.Rollback.Auto()
	job.Progress.TotalActions = len(m.Actions)
	job.CurrentPhase = state.PhasePreCheck
	e.checkpoint(job)
	e.emitStatus(job)

	env := e.actionEnv(stagedRoot, job)

	// Pre-checks: a failure aborts without rollback, nothing has mutated.
	if failed, diag := e.runChecks(ctx, m.PreChecks, job, "pre-check"); failed {
		job.Fail(state.KindPrecheckFailed, diag, nil)
		e.finish(job)
		return job.Error
	}

	// Actions, in declared order.
	job.CurrentPhase = state.PhaseAction
	e.checkpoint(job)
	for i := range m.Actions {
		spec := m.Actions[i]
		idx := i
		job.Progress.CurrentActionIndex = &idx
		job.Progress.CurrentActionName = spec.Label()
		e.checkpoint(job)
		e.emitStatus(job)
		e.log(job, fmt.Sprintf("action %d/%d started: %s", i+1, len(m.Actions), spec.Label()))

		if err := e.Actions.Run(ctx, spec, env); err != nil {
			if !spec.ContinueOnError {
				e.log(job, fmt.Sprintf("action %s failed: %v", spec.Label(), err))
				return e.failAndMaybeRollback(ctx, m, env, job, state.KindActionFailed, err.Error(), &idx)
			}
			e.log(job, fmt.Sprintf("action %s failed but continue_on_error is set: %v", spec.Label(), err))
		}
		job.Progress.CompletedActions++
		job.Progress.CurrentActionIndex = nil
		job.Progress.CurrentActionName = ""
		e.checkpoint(job)
		e.emitStatus(job)
		e.log(job, fmt.Sprintf("action %d/%d completed: %s", i+1, len(m.Actions), spec.Label()))
	}

	// Post-checks: a failure takes the same path as an action failure.
	job.CurrentPhase = state.PhasePostCheck
	e.checkpoint(job)
	e.emitStatus(job)
	if failed, diag := e.runChecks(ctx, m.PostChecks, job, "post-check"); failed {
		return e.failAndMaybeRollback(ctx, m, env, job, state.KindPostcheckFailed, diag, nil)
	}

	// Cleanup is best effort and never affects the job's outcome.
	e.cleanup(ctx, m, stagedRoot, job)

	job.CurrentPhase = state.PhaseDone
	job.Finish(state.StatusCompleted)
	e.finish(job)
	return nil
}

// runChecks runs each spec in order and reports the first failure.
func (e *Engine) runChecks(ctx context.Context, specs []manifest.CheckSpec, job *state.Job, kind string) (bool, string) {
	env := e.checkEnv(job)
	for i, spec := range specs {
		e.log(job, fmt.Sprintf("%s %d/%d: %s", kind, i+1, len(specs), spec.Label()))
		res, err := e.Checks.Run(ctx, spec, env)
		if err != nil {
			return true, err.Error()
		}
		if !res.OK {
			e.log(job, fmt.Sprintf("%s failed: %s: %s", kind, spec.Label(), res.Diagnostic))
			return true, fmt.Sprintf("%s: %s", spec.Label(), res.Diagnostic)
		}
		e.log(job, fmt.Sprintf("%s passed: %s", kind, spec.Label()))
	}
	return false, ""
}

// failAndMaybeRollback records the failure, then rolls back when the
// manifest permits it. The original failure kind stays on the job when
// rollback succeeds; a failed rollback replaces it with rollback_failed.
func (e *Engine) failAndMaybeRollback(ctx context.Context, m *manifest.Manifest, env *action.Env, job *state.Job, kind state.ErrorKind, msg string, idx *int) error {
	job.Error = &state.Failure{Kind: kind, Message: msg, ActionIndex: idx}

	if !m.Rollback.Auto() {
		job.Finish(state.StatusFailed)
		e.finish(job)
		return job.Error
	}

	job.Status = state.StatusRollingBack
	job.CurrentPhase = state.PhaseRollback
	e.checkpoint(job)
	e.emitStatus(job)
	e.log(job, "auto-rollback enabled, starting rollback")

	if err := e.rollback(ctx, m.Rollback.Steps, env, job); err != nil {
		e.log(job, fmt.Sprintf("rollback failed: %v", err))
		job.Error = &state.Failure{
			Kind:        state.KindRollbackFailed,
			Message:     fmt.Sprintf("%s (original failure: %s)", err.Error(), msg),
			ActionIndex: idx,
		}
		job.Finish(state.StatusFailed)
		e.finish(job)
		return job.Error
	}

	e.log(job, "rollback completed")
	job.Finish(state.StatusRolledBack)
	e.finish(job)
	return job.Error
}

// rollback executes the manifest's rollback steps, or falls back to
// restoring the most recent backup this job created. Rollback itself is
// not rollback-capable: the first failing step aborts.
func (e *Engine) rollback(ctx context.Context, steps []manifest.ActionSpec, env *action.Env, job *state.Job) error {
	if len(steps) > 0 {
		for i, step := range steps {
			e.log(job, fmt.Sprintf("rollback step %d/%d: %s", i+1, len(steps), step.Label()))
			if err := e.Actions.Run(ctx, step, env); err != nil {
				return fmt.Errorf("rollback step %s: %w", step.Label(), err)
			}
		}
		return nil
	}
	return e.restoreLastJobBackup(job)
}

func (e *Engine) restoreLastJobBackup(job *state.Job) error {
	if len(job.BackupsCreated) == 0 {
		return errors.New("no backups recorded for this job")
	}
	id := job.BackupsCreated[len(job.BackupsCreated)-1]
	rec, err := e.Backups.Resolve(id)
	if err != nil {
		return fmt.Errorf("backup %s: %w", id, err)
	}
	e.log(job, fmt.Sprintf("restoring backup %s", rec.Name))
	return e.Backups.Restore(rec)
}

// RollbackJob rolls back a finished failed job on explicit request (the
// HTTP rollback endpoint, or startup recovery of an interrupted job).
// Only the default restore policy applies here; the manifest is gone.
func (e *Engine) RollbackJob(job *state.Job) error {
	if job.Status != state.StatusFailed {
		return fmt.Errorf("job %s is %s, only failed jobs can be rolled back", job.ID, job.Status)
	}
	original := job.Error

	job.Status = state.StatusRollingBack
	job.CurrentPhase = state.PhaseRollback
	job.EndedAt = nil
	e.checkpoint(job)
	e.emitStatus(job)

	if err := e.restoreLastJobBackup(job); err != nil {
		e.log(job, fmt.Sprintf("rollback failed: %v", err))
		job.Error = &state.Failure{Kind: state.KindRollbackFailed, Message: err.Error()}
		job.Finish(state.StatusFailed)
		e.finish(job)
		return err
	}
	e.log(job, "rollback completed")
	job.Error = original
	job.Finish(state.StatusRolledBack)
	e.finish(job)
	return nil
}

// cleanup runs the manifest's cleanup policy after a successful job.
// Failures here are logged and swallowed.
func (e *Engine) cleanup(ctx context.Context, m *manifest.Manifest, stagedRoot string, job *state.Job) {
	c := m.Cleanup
	if !c.RemoveOldBackups && !c.RemoveTempFiles && !c.RemoveOldImages {
		return
	}
	e.log(job, "running cleanup")

	if c.RemoveOldBackups {
		removed, err := e.Backups.Prune(c.KeepLastN)
		switch {
		case err != nil:
			e.log(job, fmt.Sprintf("cleanup: backup prune failed: %v", err))
		case len(removed) > 0:
			e.log(job, fmt.Sprintf("cleanup: removed %d old backups", len(removed)))
		}
	}
	if c.RemoveTempFiles && stagedRoot != "" {
		if err := os.RemoveAll(stagedRoot); err != nil {
			e.log(job, fmt.Sprintf("cleanup: staged tree removal failed: %v", err))
		} else {
			e.log(job, "cleanup: staged tree removed")
		}
	}
	if c.RemoveOldImages && e.Docker != nil {
		if _, err := e.Docker.PruneImages(ctx, false, true); err != nil {
			e.log(job, fmt.Sprintf("cleanup: image prune failed: %v", err))
		} else {
			e.log(job, "cleanup: unused images pruned")
		}
	}
}

func (e *Engine) actionEnv(stagedRoot string, job *state.Job) *action.Env {
	return &action.Env{
		JobID:      job.ID,
		StagedRoot: stagedRoot,
		Backups:    e.Backups,
		Docker:     e.Docker,
		Sink:       &teeSink{engine: e, job: job},
		OnBackupCreated: func(rec *backup.Record) {
			job.BackupsCreated = append(job.BackupsCreated, rec.ID)
			e.checkpoint(job)
		},
	}
}

func (e *Engine) checkEnv(job *state.Job) *check.Env {
	return &check.Env{
		Docker:   e.Docker,
		Services: e.Services,
		Prober:   e.Prober,
		Log:      func(line string) { e.log(job, line) },
	}
}

// teeSink routes handler log lines into the job's bounded ring as well as
// the bus.
type teeSink struct {
	engine *Engine
	job    *state.Job
}

func (t *teeSink) EmitStatus(j *state.Job)   { t.engine.emitStatus(j) }
func (t *teeSink) EmitComplete(j *state.Job) {}
func (t *teeSink) EmitLog(_, line string)    { t.engine.log(t.job, line) }

func (e *Engine) log(job *state.Job, line string) {
	job.AppendLog(line)
	if e.Sink != nil {
		e.Sink.EmitLog(job.ID, line)
	}
}

func (e *Engine) emitStatus(job *state.Job) {
	if e.Sink != nil {
		e.Sink.EmitStatus(job.Clone())
	}
}

// finish checkpoints the terminal record and emits the complete event.
func (e *Engine) finish(job *state.Job) {
	e.checkpoint(job)
	if e.Sink != nil {
		snapshot := job.Clone()
		e.Sink.EmitStatus(snapshot)
		e.Sink.EmitComplete(snapshot)
	}
}

// checkpoint persists the job record. A failed write is reported on the
// bus but does not abort the run; the next checkpoint rewrites the full
// record anyway.
func (e *Engine) checkpoint(job *state.Job) {
	if e.Store == nil {
		return
	}
	if err := e.Store.Save(job); err != nil && e.Sink != nil {
		e.Sink.EmitLog(job.ID, fmt.Sprintf("checkpoint write failed: %v", err))
	}
}
