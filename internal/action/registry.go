// SPDX-License-Identifier: AGPL-3.0-or-later

// Package action dispatches typed action specs to their handlers. Handlers
// receive an Env carrying the staged package root, the backup manager, the
// host adapters and the job's log sink; they report progress as log lines
// and return an error on failure. Whether a failure aborts the job is the
// orchestrator's decision (continue_on_error lives there).
package action

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/serkankas/offline-updater/internal/backup"
	"github.com/serkankas/offline-updater/internal/events"
	"github.com/serkankas/offline-updater/internal/hostexec"
	"github.com/serkankas/offline-updater/internal/manifest"
)

// Env is the execution context handed to every handler for one job.
type Env struct {
	JobID      string
	StagedRoot string
	Backups    *backup.Manager
	Docker     hostexec.DockerClient
	Sink       events.Sink

	// OnBackupCreated lets the orchestrator record new backup ids on the
	// job before the next checkpoint.
	OnBackupCreated func(rec *backup.Record)

	backupSeq int
}

// Logf emits a formatted log line on the job's stream.
func (e *Env) Logf(format string, args ...interface{}) {
	if e.Sink == nil {
		return
	}
	e.Sink.EmitLog(e.JobID, fmt.Sprintf(format, args...))
}

// Staged resolves a package-relative path against the staged root.
// Absolute paths pass through untouched.
func (e *Env) Staged(rel string) string {
	if filepath.IsAbs(rel) {
		return rel
	}
	return filepath.Join(e.StagedRoot, filepath.FromSlash(rel))
}

func (e *Env) nextBackupSeq() int {
	e.backupSeq++
	return e.backupSeq
}

// Func is an action handler.
type Func func(ctx context.Context, spec manifest.ActionSpec, env *Env) error

// Registry maps action types to handlers.
type Registry struct {
	handlers map[string]Func
}

// NewRegistry returns a registry with every built-in action installed.
func NewRegistry() *Registry {
	r := &Registry{handlers: map[string]Func{}}
	r.Register(manifest.ActionCommand, runCommand)
	r.Register(manifest.ActionBackup, runBackup)
	r.Register(manifest.ActionRestoreBackup, runRestoreBackup)
	r.Register(manifest.ActionDockerComposeDown, runComposeDown)
	r.Register(manifest.ActionDockerComposeUp, runComposeUp)
	r.Register(manifest.ActionDockerLoad, runDockerLoad)
	r.Register(manifest.ActionDockerPrune, runDockerPrune)
	r.Register(manifest.ActionFileCopy, runFileCopy)
	r.Register(manifest.ActionFileSync, runFileSync)
	r.Register(manifest.ActionFileMerge, runFileMerge)
	return r
}

// Register installs (or replaces) a handler.
func (r *Registry) Register(typ string, fn Func) {
	r.handlers[typ] = fn
}

// Run dispatches one spec.
func (r *Registry) Run(ctx context.Context, spec manifest.ActionSpec, env *Env) error {
	fn, ok := r.handlers[spec.Type]
	if !ok {
		return fmt.Errorf("no handler for action type %q", spec.Type)
	}
	return fn(ctx, spec, env)
}
