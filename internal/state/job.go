// SPDX-License-Identifier: AGPL-3.0-or-later

// Package state persists job records and checkpoints. Every write goes
// through temp-file + fsync + rename so a record on disk is always one of
// {just before the step, just after the step}, never a torn middle.
package state

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is a job's lifecycle state.
type Status string

const (
	StatusPending     Status = "pending"
	StatusRunning     Status = "running"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusRollingBack Status = "rolling_back"
	StatusRolledBack  Status = "rolled_back"
)

// Terminal reports whether a job in this status is finished for good.
// Completed and rolled-back jobs are never mutated again; a failed job can
// still move to rolling_back through an explicit rollback.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusRolledBack:
		return true
	}
	return false
}

// Phase names the engine's position in the phase machine.
type Phase string

const (
	PhasePreCheck  Phase = "pre_check"
	PhaseAction    Phase = "action"
	PhasePostCheck Phase = "post_check"
	PhaseRollback  Phase = "rollback"
	PhaseDone      Phase = "done"
)

// ErrorKind classifies externally surfaced failures. Kinds are stable API;
// messages are for humans.
type ErrorKind string

const (
	KindIntegrity       ErrorKind = "integrity"
	KindEngineTooOld    ErrorKind = "engine_too_old"
	KindManifestParse   ErrorKind = "manifest_parse"
	KindPrecheckFailed  ErrorKind = "precheck_failed"
	KindActionFailed    ErrorKind = "action_failed"
	KindPostcheckFailed ErrorKind = "postcheck_failed"
	KindRollbackFailed  ErrorKind = "rollback_failed"
	KindInterrupted     ErrorKind = "interrupted"
	KindBusy            ErrorKind = "busy"
)

// Failure is the error record attached to a failed job.
type Failure struct {
	Kind        ErrorKind `json:"kind"`
	Message     string    `json:"message"`
	ActionIndex *int      `json:"action_index,omitempty"`
}

func (f *Failure) Error() string {
	if f == nil {
		return ""
	}
	if f.ActionIndex != nil {
		return fmt.Sprintf("%s: %s (action %d)", f.Kind, f.Message, *f.ActionIndex)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

// Progress tracks action completion for UI display.
type Progress struct {
	TotalActions       int    `json:"total_actions"`
	CompletedActions   int    `json:"completed_actions"`
	CurrentActionIndex *int   `json:"current_action_index,omitempty"`
	CurrentActionName  string `json:"current_action_name,omitempty"`
}

// Percent maps progress to 0-100. With zero declared actions it reports
// 100 only once the job is done.
func (p Progress) Percent(done bool) int {
	if p.TotalActions == 0 {
		if done {
			return 100
		}
		return 0
	}
	return p.CompletedActions * 100 / p.TotalActions
}

// DefaultLogCap bounds the per-job log ring kept in the record. The full
// stream still reaches every bus subscriber and the event journal.
const DefaultLogCap = 1000

// Job is the engine's central entity: one attempted update.
type Job struct {
	ID          string `json:"job_id"`
	Status      Status `json:"status"`
	Description string `json:"description,omitempty"`
	PackageName string `json:"package_name,omitempty"`

	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`

	Progress     Progress `json:"progress"`
	CurrentPhase Phase    `json:"current_phase,omitempty"`

	// RollbackPermitted records the manifest's auto-rollback permission so
	// crash recovery can honour it after the staged tree is gone.
	RollbackPermitted bool `json:"rollback_permitted,omitempty"`

	BackupsCreated []string `json:"backups_created,omitempty"`
	Logs           []string `json:"logs,omitempty"`
	LogCap         int      `json:"-"`

	Error *Failure `json:"error,omitempty"`
}

// NewJob creates a pending job with a time-ordered unique id.
func NewJob(description string) *Job {
	now := time.Now().UTC()
	short := strings.SplitN(uuid.NewString(), "-", 2)[0]
	return &Job{
		ID:          fmt.Sprintf("job-%s-%s", now.Format("20060102T150405"), short),
		Status:      StatusPending,
		Description: description,
		StartedAt:   now,
		LogCap:      DefaultLogCap,
	}
}

// AppendLog adds a line to the bounded log ring.
func (j *Job) AppendLog(line string) {
	cap := j.LogCap
	if cap <= 0 {
		cap = DefaultLogCap
	}
	j.Logs = append(j.Logs, line)
	if len(j.Logs) > cap {
		j.Logs = j.Logs[len(j.Logs)-cap:]
	}
}

// Finish stamps a terminal status and the end time.
func (j *Job) Finish(status Status) {
	now := time.Now().UTC()
	j.Status = status
	j.EndedAt = &now
}

// Fail records the failure and marks the job failed.
func (j *Job) Fail(kind ErrorKind, message string, actionIndex *int) {
	j.Error = &Failure{Kind: kind, Message: message, ActionIndex: actionIndex}
	j.Finish(StatusFailed)
}

// Clone returns a deep copy safe to hand to other goroutines.
func (j *Job) Clone() *Job {
	cp := *j
	if j.EndedAt != nil {
		t := *j.EndedAt
		cp.EndedAt = &t
	}
	if j.Progress.CurrentActionIndex != nil {
		i := *j.Progress.CurrentActionIndex
		cp.Progress.CurrentActionIndex = &i
	}
	cp.BackupsCreated = append([]string(nil), j.BackupsCreated...)
	cp.Logs = append([]string(nil), j.Logs...)
	if j.Error != nil {
		e := *j.Error
		if j.Error.ActionIndex != nil {
			i := *j.Error.ActionIndex
			e.ActionIndex = &i
		}
		cp.Error = &e
	}
	return &cp
}
