// SPDX-License-Identifier: AGPL-3.0-or-later
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/serkankas/offline-updater/internal/archive"
	"github.com/serkankas/offline-updater/internal/backup"
	"github.com/serkankas/offline-updater/internal/checksum"
	"github.com/serkankas/offline-updater/internal/engine"
	"github.com/serkankas/offline-updater/internal/events"
	"github.com/serkankas/offline-updater/internal/journal"
	"github.com/serkankas/offline-updater/internal/manifest"
	"github.com/serkankas/offline-updater/internal/server/sse"
	"github.com/serkankas/offline-updater/internal/state"
)

// errBusy is surfaced as HTTP 409 when a job is already running.
var errBusy = errors.New("another update is already in progress")

// jobRunner serialises job execution for the HTTP service. The state
// lock file is the single source of truth for "a job is running": flock
// conflicts across file descriptors, so it excludes both a concurrent
// CLI bootstrap and a second job in this process. The mutex only
// serialises the start/rollback admission path.
type jobRunner struct {
	cfg     Config
	store   *state.Store
	backups *backup.Manager
	sink    events.Sink
	logger  *slog.Logger

	mu sync.Mutex
}

func newJobRunner(cfg Config, store *state.Store, backups *backup.Manager, hub *sse.Hub, j *journal.Journal, logger *slog.Logger) *jobRunner {
	return &jobRunner{
		cfg:     cfg,
		store:   store,
		backups: backups,
		sink:    newBusSink(hub, j),
		logger:  logger,
	}
}

func (r *jobRunner) newEngine() *engine.Engine {
	return engine.New(r.store, r.backups, r.sink, r.cfg.Docker, r.cfg.Services, r.cfg.Prober)
}

// start stages the uploaded package and launches the job in the
// background, returning the job id immediately.
func (r *jobRunner) start(packagePath string) (*state.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	lock, err := state.AcquireLock(filepath.Join(r.cfg.BaseDir, "state", ".lock"))
	if err != nil {
		if errors.Is(err, state.ErrBusy) {
			return nil, errBusy
		}
		return nil, err
	}

	job := state.NewJob("")
	job.PackageName = filepath.Base(packagePath)
	if err := r.store.Save(job); err != nil {
		_ = lock.Release()
		return nil, err
	}

	go func() {
		defer lock.Release()
		r.execute(job, packagePath)
	}()
	return job.Clone(), nil
}

// execute runs staging, validation and the engine for one job. Failures
// before the engine starts are classified onto the job directly.
func (r *jobRunner) execute(job *state.Job, packagePath string) {
	fail := func(kind state.ErrorKind, err error) {
		r.logger.Error("update failed", slog.String("job_id", job.ID), slog.String("kind", string(kind)), slog.String("error", err.Error()))
		job.AppendLog(err.Error())
		r.sink.EmitLog(job.ID, err.Error())
		job.Fail(kind, err.Error(), nil)
		if saveErr := r.store.Save(job); saveErr != nil {
			r.logger.Error("checkpoint failed", slog.String("job_id", job.ID), slog.String("error", saveErr.Error()))
		}
		r.sink.EmitStatus(job.Clone())
		r.sink.EmitComplete(job.Clone())
	}

	staged, err := os.MkdirTemp(filepath.Join(r.cfg.BaseDir, "tmp"), "staged-*")
	if err != nil {
		fail(state.KindManifestParse, fmt.Errorf("stage package: %w", err))
		return
	}
	defer os.RemoveAll(staged)

	r.sink.EmitLog(job.ID, "extracting "+filepath.Base(packagePath))
	if err := archive.ExtractTarGz(packagePath, staged); err != nil {
		fail(state.KindIntegrity, fmt.Errorf("extract package: %w", err))
		return
	}
	entries, err := checksum.LoadManifest(filepath.Join(staged, "checksums.md5"))
	if err != nil {
		fail(state.KindIntegrity, fmt.Errorf("package checksums: %w", err))
		return
	}
	if err := checksum.VerifyTree(staged, entries); err != nil {
		fail(state.KindIntegrity, err)
		return
	}
	r.sink.EmitLog(job.ID, fmt.Sprintf("package integrity verified (%d files)", len(entries)))

	m, err := manifest.Load(filepath.Join(staged, "manifest.yml"))
	if err != nil {
		fail(state.KindManifestParse, err)
		return
	}
	if !r.cfg.EngineVersion.AtLeast(m.RequiredEngineVersion) {
		// Engine self-update goes through the CLI bootstrap; the service
		// refuses rather than re-executing a bundled engine under itself.
		fail(state.KindEngineTooOld, fmt.Errorf("package requires engine %s, installed is %s (run the bootstrap CLI to self-update)",
			m.RequiredEngineVersion, r.cfg.EngineVersion))
		return
	}

	eng := r.newEngine()
	if err := eng.Run(context.Background(), m, staged, job); err != nil {
		r.logger.Warn("job finished with failure",
			slog.String("job_id", job.ID), slog.String("status", string(job.Status)))
		return
	}
	r.logger.Info("job completed", slog.String("job_id", job.ID))
}

// rollback performs a manual rollback of a failed job.
func (r *jobRunner) rollback(jobID string) (*state.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, err := r.store.Load(jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != state.StatusFailed {
		return nil, fmt.Errorf("job %s is %s, only failed jobs can be rolled back", job.ID, job.Status)
	}
	if len(job.BackupsCreated) == 0 {
		return nil, fmt.Errorf("job %s has no rollback-eligible backups", job.ID)
	}

	lock, err := state.AcquireLock(filepath.Join(r.cfg.BaseDir, "state", ".lock"))
	if err != nil {
		if errors.Is(err, state.ErrBusy) {
			return nil, errBusy
		}
		return nil, err
	}
	defer lock.Release()

	if err := r.newEngine().RollbackJob(job); err != nil {
		return job, err
	}
	return job, nil
}
