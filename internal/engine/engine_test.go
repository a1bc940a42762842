// SPDX-License-Identifier: AGPL-3.0-or-later
package engine

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/serkankas/offline-updater/internal/backup"
	"github.com/serkankas/offline-updater/internal/manifest"
	"github.com/serkankas/offline-updater/internal/state"
)

type fakeDocker struct{ pruned int }

func (f *fakeDocker) Ping(context.Context) error { return nil }
func (f *fakeDocker) ComposeUp(context.Context, string, bool, bool) (string, error) {
	return "", nil
}
func (f *fakeDocker) ComposeDown(context.Context, string, int) (string, error) { return "", nil }
func (f *fakeDocker) LoadImage(context.Context, string) (string, error)        { return "", nil }
func (f *fakeDocker) PruneImages(context.Context, bool, bool) (string, error) {
	f.pruned++
	return "", nil
}
func (f *fakeDocker) HealthStatus(context.Context, string) (string, error) { return "healthy", nil }
func (f *fakeDocker) IsRunning(context.Context, string) (bool, error)      { return true, nil }

type fakeServices struct{}

func (fakeServices) IsActive(context.Context, string) (bool, string, error) {
	return true, "active", nil
}

type fakeProber struct{ status int }

func (f fakeProber) Probe(context.Context, string, time.Duration) (int, error) {
	return f.status, nil
}

type busCapture struct {
	statuses []state.Status
	logs     []string
	complete *state.Job
}

func (b *busCapture) EmitStatus(j *state.Job)   { b.statuses = append(b.statuses, j.Status) }
func (b *busCapture) EmitLog(_, line string)    { b.logs = append(b.logs, line) }
func (b *busCapture) EmitComplete(j *state.Job) { b.complete = j }

type harness struct {
	engine *Engine
	store  *state.Store
	bus    *busCapture
	staged string
	docker *fakeDocker
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store, err := state.NewStore(filepath.Join(t.TempDir(), "jobs"))
	if err != nil {
		t.Fatal(err)
	}
	backups, err := backup.NewManager(filepath.Join(t.TempDir(), "backups"))
	if err != nil {
		t.Fatal(err)
	}
	bus := &busCapture{}
	docker := &fakeDocker{}
	eng := New(store, backups, bus, docker, fakeServices{}, fakeProber{status: 200})
	return &harness{engine: eng, store: store, bus: bus, staged: t.TempDir(), docker: docker}
}

func write(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func read(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func baseManifest() *manifest.Manifest {
	m, err := manifest.Parse([]byte("description: test update\ndate: \"2025-11-03\"\nrequired_engine_version: \"1.0.0\"\n"))
	if err != nil {
		panic(err)
	}
	return m
}

// Happy path: backup, file_copy, post-check asserting new content.
func TestRunHappyPathFileCopy(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	hostConf := filepath.Join(t.TempDir(), "app.conf")
	write(t, hostConf, "v1\n")
	write(t, filepath.Join(h.staged, "files", "app.conf"), "v2\n")

	m := baseManifest()
	m.Actions = []manifest.ActionSpec{
		{Type: manifest.ActionBackup, Sources: []string{hostConf}},
		{Type: manifest.ActionFileCopy, Source: "files/app.conf", Destination: hostConf},
	}
	m.PostChecks = []manifest.CheckSpec{
		{Type: manifest.CheckCommand, Command: `test "$(cat ` + hostConf + `)" = "v2"`},
	}

	job := state.NewJob("")
	if err := h.engine.Run(context.Background(), m, h.staged, job); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if job.Status != state.StatusCompleted || job.CurrentPhase != state.PhaseDone {
		t.Fatalf("status=%s phase=%s", job.Status, job.CurrentPhase)
	}
	if job.Error != nil {
		t.Fatalf("completed job carries error: %+v", job.Error)
	}
	if read(t, hostConf) != "v2\n" {
		t.Fatal("file_copy did not land")
	}
	if len(job.BackupsCreated) != 1 {
		t.Fatalf("backups_created = %v", job.BackupsCreated)
	}
	// The backup is retained and the record persisted.
	if _, err := h.engine.Backups.Resolve(job.BackupsCreated[0]); err != nil {
		t.Fatalf("backup not retained: %v", err)
	}
	persisted, err := h.store.Load(job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if persisted.Status != state.StatusCompleted {
		t.Fatalf("persisted status = %s", persisted.Status)
	}
	if h.bus.complete == nil || h.bus.complete.Status != state.StatusCompleted {
		t.Fatal("complete event not emitted")
	}
	if job.Progress.CompletedActions != 2 || job.Progress.TotalActions != 2 {
		t.Fatalf("progress = %+v", job.Progress)
	}
}

// A failing post-check triggers auto-rollback and restores prior bytes.
func TestRunPostCheckFailureRollsBack(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	hostConf := filepath.Join(t.TempDir(), "app.conf")
	write(t, hostConf, "v1\n")
	write(t, filepath.Join(h.staged, "files", "app.conf"), "v2\n")

	m := baseManifest()
	m.Actions = []manifest.ActionSpec{
		{Type: manifest.ActionBackup, Sources: []string{hostConf}},
		{Type: manifest.ActionFileCopy, Source: "files/app.conf", Destination: hostConf},
	}
	m.PostChecks = []manifest.CheckSpec{{Type: manifest.CheckCommand, Command: "false"}}
	m.Rollback = manifest.RollbackPolicy{Enabled: true, AutoOnFailure: true}

	job := state.NewJob("")
	err := h.engine.Run(context.Background(), m, h.staged, job)
	if err == nil {
		t.Fatal("expected failure")
	}
	if job.Status != state.StatusRolledBack {
		t.Fatalf("status = %s, want rolled_back", job.Status)
	}
	if job.Error == nil || job.Error.Kind != state.KindPostcheckFailed {
		t.Fatalf("error = %+v", job.Error)
	}
	if read(t, hostConf) != "v1\n" {
		t.Fatal("rollback did not restore prior contents")
	}
}

func TestRunPreCheckFailureSkipsRollback(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	m := baseManifest()
	m.PreChecks = []manifest.CheckSpec{{Type: manifest.CheckCommand, Command: "false"}}
	m.Actions = []manifest.ActionSpec{{Type: manifest.ActionCommand, Command: "true"}}
	m.Rollback = manifest.RollbackPolicy{Enabled: true, AutoOnFailure: true}

	job := state.NewJob("")
	if err := h.engine.Run(context.Background(), m, h.staged, job); err == nil {
		t.Fatal("expected failure")
	}
	if job.Status != state.StatusFailed {
		t.Fatalf("status = %s", job.Status)
	}
	if job.Error.Kind != state.KindPrecheckFailed {
		t.Fatalf("kind = %s", job.Error.Kind)
	}
	if job.Progress.CompletedActions != 0 {
		t.Fatal("no action should have run")
	}
}

// With auto-rollback disabled a failed action leaves the job failed, the
// mutation in place and the backups retained.
func TestRunActionFailureWithoutAutoRollback(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	hostConf := filepath.Join(t.TempDir(), "app.conf")
	write(t, hostConf, "v1\n")

	m := baseManifest()
	m.Actions = []manifest.ActionSpec{
		{Type: manifest.ActionBackup, Sources: []string{hostConf}},
		{Type: manifest.ActionCommand, Command: "exit 7"},
	}
	m.Rollback = manifest.RollbackPolicy{Enabled: true, AutoOnFailure: false}

	job := state.NewJob("")
	if err := h.engine.Run(context.Background(), m, h.staged, job); err == nil {
		t.Fatal("expected failure")
	}
	if job.Status != state.StatusFailed {
		t.Fatalf("status = %s", job.Status)
	}
	if job.Error.Kind != state.KindActionFailed || job.Error.ActionIndex == nil || *job.Error.ActionIndex != 1 {
		t.Fatalf("error = %+v", job.Error)
	}
	if len(job.BackupsCreated) != 1 {
		t.Fatal("backup should be retained")
	}
	if _, err := h.engine.Backups.Resolve(job.BackupsCreated[0]); err != nil {
		t.Fatalf("backup gone: %v", err)
	}
}

func TestRunContinueOnError(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	m := baseManifest()
	m.Actions = []manifest.ActionSpec{
		{Type: manifest.ActionCommand, Command: "exit 1", ContinueOnError: true},
		{Type: manifest.ActionCommand, Command: "true"},
	}

	job := state.NewJob("")
	if err := h.engine.Run(context.Background(), m, h.staged, job); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if job.Status != state.StatusCompleted {
		t.Fatalf("status = %s", job.Status)
	}
	found := false
	for _, line := range h.bus.logs {
		if strings.Contains(line, "continue_on_error") {
			found = true
		}
	}
	if !found {
		t.Fatal("continue_on_error failure not logged")
	}
}

// Empty action list: pre_check jumps to post_check, success possible.
func TestRunEmptyActions(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	m := baseManifest()
	m.PostChecks = []manifest.CheckSpec{{Type: manifest.CheckCommand, Command: "true"}}

	job := state.NewJob("")
	if err := h.engine.Run(context.Background(), m, h.staged, job); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if job.Status != state.StatusCompleted {
		t.Fatalf("status = %s", job.Status)
	}
	if job.Progress.Percent(true) != 100 {
		t.Fatal("zero-action job should report 100% when done")
	}
}

// A rollback that cannot find its backup is a fatal rollback failure.
func TestRunRollbackWithoutBackupFails(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	m := baseManifest()
	m.Actions = []manifest.ActionSpec{{Type: manifest.ActionCommand, Command: "exit 1"}}
	m.Rollback = manifest.RollbackPolicy{Enabled: true, AutoOnFailure: true}

	job := state.NewJob("")
	if err := h.engine.Run(context.Background(), m, h.staged, job); err == nil {
		t.Fatal("expected failure")
	}
	if job.Status != state.StatusFailed {
		t.Fatalf("status = %s, want failed (not rolled_back)", job.Status)
	}
	if job.Error.Kind != state.KindRollbackFailed {
		t.Fatalf("kind = %s", job.Error.Kind)
	}
}

func TestRunRollbackSteps(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	marker := filepath.Join(t.TempDir(), "rolled-back")

	m := baseManifest()
	m.Actions = []manifest.ActionSpec{{Type: manifest.ActionCommand, Command: "exit 1"}}
	m.Rollback = manifest.RollbackPolicy{
		Enabled:       true,
		AutoOnFailure: true,
		Steps:         []manifest.ActionSpec{{Type: manifest.ActionCommand, Command: "touch " + marker}},
	}

	job := state.NewJob("")
	if err := h.engine.Run(context.Background(), m, h.staged, job); err == nil {
		t.Fatal("expected failure")
	}
	if job.Status != state.StatusRolledBack {
		t.Fatalf("status = %s", job.Status)
	}
	if _, err := os.Stat(marker); err != nil {
		t.Fatal("rollback step did not run")
	}
}

func TestRunCleanupPrunesBackupsAndImages(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	hostConf := filepath.Join(t.TempDir(), "f")
	write(t, hostConf, "x")

	// Seed old backups beyond the retention window.
	for i := 0; i < 4; i++ {
		if _, err := h.engine.Backups.Create("job-old", "", []string{hostConf}); err != nil {
			t.Fatal(err)
		}
		time.Sleep(5 * time.Millisecond)
	}

	m := baseManifest()
	m.Actions = []manifest.ActionSpec{{Type: manifest.ActionBackup, Sources: []string{hostConf}}}
	m.Cleanup = manifest.CleanupPolicy{RemoveOldBackups: true, KeepLastN: 2, RemoveOldImages: true}

	job := state.NewJob("")
	if err := h.engine.Run(context.Background(), m, h.staged, job); err != nil {
		t.Fatalf("Run: %v", err)
	}
	left, err := h.engine.Backups.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(left) != 2 {
		t.Fatalf("retention left %d backups, want 2", len(left))
	}
	if h.docker.pruned != 1 {
		t.Fatal("image prune not invoked by cleanup")
	}
}

// Crash recovery: an interrupted job is reclassified at startup and rolled
// back using its recorded backup.
func TestInterruptedJobRollsBackAfterRestart(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	hostConf := filepath.Join(t.TempDir(), "app.conf")
	write(t, hostConf, "v1\n")

	// First "process": backup created, file mutated, then crash before the
	// terminal checkpoint.
	rec, err := h.engine.Backups.Create("", "", []string{hostConf})
	if err != nil {
		t.Fatal(err)
	}
	job := state.NewJob("crashy update")
	job.Status = state.StatusRunning
	job.CurrentPhase = state.PhaseAction
	job.Progress = state.Progress{TotalActions: 2, CompletedActions: 1}
	job.BackupsCreated = []string{rec.ID}
	if err := h.store.Save(job); err != nil {
		t.Fatal(err)
	}
	write(t, hostConf, "v2 half-applied\n")

	// Restart: recovery reclassifies, then the rollback path runs.
	recovered, err := h.store.Recover()
	if err != nil {
		t.Fatal(err)
	}
	if len(recovered) != 1 {
		t.Fatalf("recovered %d jobs", len(recovered))
	}
	got := recovered[0]
	if got.Error.Kind != state.KindInterrupted {
		t.Fatalf("kind = %s", got.Error.Kind)
	}

	if err := h.engine.RollbackJob(got); err != nil {
		t.Fatalf("RollbackJob: %v", err)
	}
	if got.Status != state.StatusRolledBack {
		t.Fatalf("status = %s", got.Status)
	}
	if read(t, hostConf) != "v1\n" {
		t.Fatal("rollback did not restore the backup")
	}
}

// Two identical runs produce the same terminal status.
func TestRunIsRepeatable(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	hostConf := filepath.Join(t.TempDir(), "app.conf")
	write(t, hostConf, "v1\n")
	write(t, filepath.Join(h.staged, "files", "app.conf"), "v2\n")

	m := baseManifest()
	m.Actions = []manifest.ActionSpec{
		{Type: manifest.ActionBackup, Sources: []string{hostConf}},
		{Type: manifest.ActionFileCopy, Source: "files/app.conf", Destination: hostConf},
	}

	for i := 0; i < 2; i++ {
		job := state.NewJob("")
		if err := h.engine.Run(context.Background(), m, h.staged, job); err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
		if job.Status != state.StatusCompleted {
			t.Fatalf("run %d status = %s", i, job.Status)
		}
	}
	if read(t, hostConf) != "v2\n" {
		t.Fatal("destination diverged across runs")
	}
}
