// SPDX-License-Identifier: AGPL-3.0-or-later

// Package bootstrap is the first stage of an update: it stages the
// package, verifies its integrity, and decides which engine executes it.
// A package requiring a newer engine than the installed one may bundle
// that engine; bootstrap verifies the bundle and re-executes it against
// the same staged tree, forwarding its exit code.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/serkankas/offline-updater/internal/archive"
	"github.com/serkankas/offline-updater/internal/checksum"
	"github.com/serkankas/offline-updater/internal/engine"
	"github.com/serkankas/offline-updater/internal/manifest"
	"github.com/serkankas/offline-updater/internal/semver"
	"github.com/serkankas/offline-updater/internal/state"
)

// CLI exit codes. Stable contract for scripts wrapping the bootstrap.
const (
	ExitOK             = 0
	ExitInternal       = 1
	ExitUsage          = 2
	ExitEngineTooOld   = 3
	ExitIntegrity      = 4
	ExitJobFailed      = 5 // job failed, host rolled back (or rollback not attempted)
	ExitRollbackFailed = 6 // job failed and rollback failed too
	ExitBusy           = 7
)

const (
	packageChecksums = "checksums.md5"
	bundledEngineDir = "update_engine"
	engineChecksum   = "CHECKSUM"
	engineBinary     = "updatectl"
)

// Bootstrap stages packages and dispatches them to an engine.
type Bootstrap struct {
	BaseDir        string
	EngineVersion  semver.Version
	Engine         *engine.Engine
	Store          *state.Store
	TmpDir         string
	LockPath       string
	Log            func(string)
	// ExecStagedEngine runs a bundled engine binary against the staged
	// tree and returns its exit code. Replaceable in tests.
	ExecStagedEngine func(ctx context.Context, enginePath, stagedRoot string) (int, error)
}

func (b *Bootstrap) logf(format string, args ...interface{}) {
	if b.Log != nil {
		b.Log(fmt.Sprintf(format, args...))
	}
}

// Result carries the outcome of one bootstrap run.
type Result struct {
	ExitCode int
	JobID    string
	Err      error
}

// Run executes the full handshake for the package at packagePath and
// returns the process exit code. When stagedRoot is non-empty the package
// is already staged (we are the re-executed bundled engine) and staging
// is skipped.
func (b *Bootstrap) Run(ctx context.Context, packagePath, stagedRoot string) Result {
	lock, err := state.AcquireLock(b.LockPath)
	if err != nil {
		if errors.Is(err, state.ErrBusy) {
			return Result{ExitCode: ExitBusy, Err: err}
		}
		return Result{ExitCode: ExitInternal, Err: err}
	}
	locked := true
	defer func() {
		if locked {
			_ = lock.Release()
		}
	}()

	// Reclassify anything a crash left behind before starting new work.
	if err := b.recoverInterrupted(); err != nil {
		return Result{ExitCode: ExitInternal, Err: err}
	}

	if stagedRoot == "" {
		stagedRoot, err = b.stage(packagePath)
		if err != nil {
			if errors.Is(err, errIntegrity) {
				return Result{ExitCode: ExitIntegrity, Err: err}
			}
			return Result{ExitCode: ExitInternal, Err: err}
		}
	}

	m, err := manifest.Load(filepath.Join(stagedRoot, "manifest.yml"))
	if err != nil {
		return Result{ExitCode: ExitInternal, Err: fmt.Errorf("manifest_parse: %w", err)}
	}

	required := m.RequiredEngineVersion
	b.logf("installed engine %s, package requires %s", b.EngineVersion, required)

	if !b.EngineVersion.AtLeast(required) {
		bundled := filepath.Join(stagedRoot, bundledEngineDir)
		if _, statErr := os.Stat(bundled); statErr != nil {
			return Result{
				ExitCode: ExitEngineTooOld,
				Err:      fmt.Errorf("engine_too_old: package requires %s, installed is %s and no engine is bundled", required, b.EngineVersion),
			}
		}
		if err := VerifyEngineDir(bundled); err != nil {
			return Result{ExitCode: ExitIntegrity, Err: err}
		}
		b.logf("handing off to bundled engine for %s", required)
		// The child process takes the lock itself.
		locked = false
		if err := lock.Release(); err != nil {
			return Result{ExitCode: ExitInternal, Err: err}
		}
		code, err := b.execStaged(ctx, bundled, stagedRoot)
		return Result{ExitCode: code, Err: err}
	}

	job := state.NewJob(m.Description)
	job.PackageName = filepath.Base(packagePath)
	runErr := b.Engine.Run(ctx, m, stagedRoot, job)
	return Result{ExitCode: exitCodeFor(job), JobID: job.ID, Err: runErr}
}

// exitCodeFor maps a terminal job to the CLI contract.
func exitCodeFor(job *state.Job) int {
	switch job.Status {
	case state.StatusCompleted:
		return ExitOK
	case state.StatusRolledBack:
		return ExitJobFailed
	case state.StatusFailed:
		if job.Error != nil && job.Error.Kind == state.KindRollbackFailed {
			return ExitRollbackFailed
		}
		return ExitJobFailed
	default:
		return ExitInternal
	}
}

var errIntegrity = errors.New("package integrity check failed")

// stage extracts the package into a fresh directory under tmp/ and
// verifies checksums.md5 against every listed file.
func (b *Bootstrap) stage(packagePath string) (string, error) {
	if _, err := os.Stat(packagePath); err != nil {
		return "", fmt.Errorf("package not found: %s", packagePath)
	}
	if err := os.MkdirAll(b.TmpDir, 0o755); err != nil {
		return "", err
	}
	staged, err := os.MkdirTemp(b.TmpDir, "staged-*")
	if err != nil {
		return "", err
	}
	b.logf("extracting %s", packagePath)
	if err := archive.ExtractTarGz(packagePath, staged); err != nil {
		os.RemoveAll(staged)
		return "", fmt.Errorf("extract package: %w", err)
	}

	entries, err := checksum.LoadManifest(filepath.Join(staged, packageChecksums))
	if err != nil {
		os.RemoveAll(staged)
		return "", fmt.Errorf("%w: %v", errIntegrity, err)
	}
	if err := checksum.VerifyTree(staged, entries); err != nil {
		os.RemoveAll(staged)
		return "", fmt.Errorf("%w: %v", errIntegrity, err)
	}
	b.logf("package integrity verified (%d files)", len(entries))
	return staged, nil
}

// recoverInterrupted reclassifies non-terminal jobs and resumes the
// rollback path for those whose manifest permitted it.
func (b *Bootstrap) recoverInterrupted() error {
	recovered, err := b.Store.Recover()
	if err != nil {
		return err
	}
	for _, job := range recovered {
		b.logf("found interrupted job %s", job.ID)
		if job.RollbackPermitted && len(job.BackupsCreated) > 0 {
			b.logf("rolling back interrupted job %s", job.ID)
			if err := b.Engine.RollbackJob(job); err != nil {
				b.logf("rollback of interrupted job %s failed: %v", job.ID, err)
			}
		}
	}
	return nil
}

func (b *Bootstrap) execStaged(ctx context.Context, enginePath, stagedRoot string) (int, error) {
	if b.ExecStagedEngine != nil {
		return b.ExecStagedEngine(ctx, enginePath, stagedRoot)
	}
	bin := filepath.Join(enginePath, engineBinary)
	cmd := exec.CommandContext(ctx, bin, "apply", "--staged-root", stagedRoot)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = append(os.Environ(), "UPDATER_BASE_DIR="+b.BaseDir)
	err := cmd.Run()
	if err == nil {
		return ExitOK, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return ExitInternal, fmt.Errorf("exec bundled engine: %w", err)
}
