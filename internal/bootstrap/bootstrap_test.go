// SPDX-License-Identifier: AGPL-3.0-or-later
package bootstrap

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/serkankas/offline-updater/internal/backup"
	"github.com/serkankas/offline-updater/internal/checksum"
	"github.com/serkankas/offline-updater/internal/engine"
	"github.com/serkankas/offline-updater/internal/semver"
	"github.com/serkankas/offline-updater/internal/state"
)

type fakeDocker struct{}

func (fakeDocker) Ping(context.Context) error { return nil }
func (fakeDocker) ComposeUp(context.Context, string, bool, bool) (string, error) { return "", nil }
func (fakeDocker) ComposeDown(context.Context, string, int) (string, error) { return "", nil }
func (fakeDocker) LoadImage(context.Context, string) (string, error) { return "", nil }
func (fakeDocker) PruneImages(context.Context, bool, bool) (string, error) { return "", nil }
func (fakeDocker) HealthStatus(context.Context, string) (string, error) { return "healthy", nil }
func (fakeDocker) IsRunning(context.Context, string) (bool, error) { return true, nil }

type fakeServices struct{}

func (fakeServices) IsActive(context.Context, string) (bool, string, error) {
	return true, "active", nil
}

type fakeProber struct{}

func (fakeProber) Probe(context.Context, string, time.Duration) (int, error) { return 200, nil }

// buildPackage writes a tar.gz containing the files plus a generated
// checksums.md5. When corrupt names a file, its content is flipped after
// the digests are computed so the package fails verification.
func buildPackage(t *testing.T, path string, files map[string]string, corrupt string) {
	t.Helper()

	sums := map[string]string{}
	for name, content := range files {
		sums[name] = md5hex(t, content)
	}
	if corrupt != "" {
		files[corrupt] = files[corrupt] + "FLIP"
	}
	var manifest strings.Builder
	for name := range files {
		manifest.WriteString(sums[name] + "  " + name + "\n")
	}
	all := map[string]string{}
	for k, v := range files {
		all[k] = v
	}
	all["checksums.md5"] = manifest.String()

	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)
	for name, content := range all {
		hdr := &tar.Header{Name: name, Mode: 0o644, Size: int64(len(content)), Typeflag: tar.TypeReg}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatal(err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := gz.Close(); err != nil {
		t.Fatal(err)
	}
}

func md5hex(t *testing.T, content string) string {
	t.Helper()
	tmp := filepath.Join(t.TempDir(), "digest-input")
	if err := os.WriteFile(tmp, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	digest, err := checksum.File(tmp)
	if err != nil {
		t.Fatal(err)
	}
	return digest
}

func newBootstrap(t *testing.T, v string) (*Bootstrap, *state.Store) {
	t.Helper()
	base := t.TempDir()
	store, err := state.NewStore(filepath.Join(base, "state", "jobs"))
	if err != nil {
		t.Fatal(err)
	}
	backups, err := backup.NewManager(filepath.Join(base, "backups"))
	if err != nil {
		t.Fatal(err)
	}
	eng := engine.New(store, backups, nil, fakeDocker{}, fakeServices{}, fakeProber{})
	b := &Bootstrap{
		BaseDir:       base,
		EngineVersion: semver.MustParse(v),
		Engine:        eng,
		Store:         store,
		TmpDir:        filepath.Join(base, "tmp"),
		LockPath:      filepath.Join(base, "state", ".lock"),
	}
	return b, store
}

const trivialManifest = `description: trivial
date: "2025-11-03"
required_engine_version: "1.0.0"
actions:
  - type: command
    command: "true"
`

func TestRunHappyPath(t *testing.T) {
	t.Parallel()

	b, store := newBootstrap(t, "1.2.0")
	pkg := filepath.Join(t.TempDir(), "update.tar.gz")
	buildPackage(t, pkg, map[string]string{"manifest.yml": trivialManifest}, "")

	res := b.Run(context.Background(), pkg, "")
	if res.ExitCode != ExitOK {
		t.Fatalf("exit = %d (%v)", res.ExitCode, res.Err)
	}
	job, err := store.Load(res.JobID)
	if err != nil {
		t.Fatalf("job record missing: %v", err)
	}
	if job.Status != state.StatusCompleted {
		t.Fatalf("status = %s", job.Status)
	}
}

func TestRunIntegrityFailure(t *testing.T) {
	t.Parallel()

	b, store := newBootstrap(t, "1.2.0")
	pkg := filepath.Join(t.TempDir(), "update.tar.gz")
	buildPackage(t, pkg, map[string]string{
		"manifest.yml": trivialManifest,
		"files/x":      "payload\n",
	}, "files/x")

	res := b.Run(context.Background(), pkg, "")
	if res.ExitCode != ExitIntegrity {
		t.Fatalf("exit = %d, want %d", res.ExitCode, ExitIntegrity)
	}
	// No job record, no mutation.
	jobs, err := store.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 0 {
		t.Fatalf("job records created on integrity failure: %d", len(jobs))
	}
}

func TestRunBusy(t *testing.T) {
	t.Parallel()

	b, _ := newBootstrap(t, "1.2.0")
	if err := os.MkdirAll(filepath.Dir(b.LockPath), 0o755); err != nil {
		t.Fatal(err)
	}
	lock, err := state.AcquireLock(b.LockPath)
	if err != nil {
		t.Fatal(err)
	}
	defer lock.Release()

	pkg := filepath.Join(t.TempDir(), "update.tar.gz")
	buildPackage(t, pkg, map[string]string{"manifest.yml": trivialManifest}, "")

	res := b.Run(context.Background(), pkg, "")
	if res.ExitCode != ExitBusy {
		t.Fatalf("exit = %d, want %d", res.ExitCode, ExitBusy)
	}
}

func TestRunEngineTooOldWithoutBundle(t *testing.T) {
	t.Parallel()

	b, _ := newBootstrap(t, "1.0.0")
	pkg := filepath.Join(t.TempDir(), "update.tar.gz")
	m := strings.Replace(trivialManifest, `"1.0.0"`, `"2.0.0"`, 1)
	buildPackage(t, pkg, map[string]string{"manifest.yml": m}, "")

	res := b.Run(context.Background(), pkg, "")
	if res.ExitCode != ExitEngineTooOld {
		t.Fatalf("exit = %d, want %d", res.ExitCode, ExitEngineTooOld)
	}
}

func TestRunHandsOffToBundledEngine(t *testing.T) {
	t.Parallel()

	b, _ := newBootstrap(t, "1.0.0")

	engineFiles := map[string]string{
		"update_engine/updatectl": "#!/bin/sh\nexit 0\n",
	}
	sums := "" // CHECKSUM for the bundled engine, relative to update_engine/
	sums += md5hex(t, engineFiles["update_engine/updatectl"]) + "  updatectl\n"
	engineFiles["update_engine/CHECKSUM"] = sums

	m := strings.Replace(trivialManifest, `"1.0.0"`, `"2.0.0"`, 1)
	files := map[string]string{"manifest.yml": m}
	for k, v := range engineFiles {
		files[k] = v
	}
	pkg := filepath.Join(t.TempDir(), "update.tar.gz")
	buildPackage(t, pkg, files, "")

	var gotEngine, gotStaged string
	b.ExecStagedEngine = func(_ context.Context, enginePath, stagedRoot string) (int, error) {
		gotEngine = enginePath
		gotStaged = stagedRoot
		return ExitOK, nil
	}

	res := b.Run(context.Background(), pkg, "")
	if res.ExitCode != ExitOK {
		t.Fatalf("exit = %d (%v)", res.ExitCode, res.Err)
	}
	if !strings.HasSuffix(gotEngine, "update_engine") {
		t.Fatalf("engine path = %s", gotEngine)
	}
	if gotStaged == "" || !strings.Contains(gotEngine, gotStaged) {
		t.Fatalf("staged engine should live inside the staged tree: %s vs %s", gotEngine, gotStaged)
	}
}

func TestRunBundledEngineCorruptIsIntegrityFailure(t *testing.T) {
	t.Parallel()

	b, _ := newBootstrap(t, "1.0.0")

	m := strings.Replace(trivialManifest, `"1.0.0"`, `"2.0.0"`, 1)
	files := map[string]string{
		"manifest.yml":            m,
		"update_engine/updatectl": "#!/bin/sh\nexit 0\n",
		// CHECKSUM claiming a different digest.
		"update_engine/CHECKSUM": "00000000000000000000000000000000  updatectl\n",
	}
	pkg := filepath.Join(t.TempDir(), "update.tar.gz")
	buildPackage(t, pkg, files, "")

	res := b.Run(context.Background(), pkg, "")
	if res.ExitCode != ExitIntegrity {
		t.Fatalf("exit = %d, want %d", res.ExitCode, ExitIntegrity)
	}
}

func TestRunRolledBackExitCode(t *testing.T) {
	t.Parallel()

	b, _ := newBootstrap(t, "1.2.0")
	hostConf := filepath.Join(t.TempDir(), "app.conf")
	if err := os.WriteFile(hostConf, []byte("v1\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	m := `description: failing
date: "2025-11-03"
required_engine_version: "1.0.0"
actions:
  - type: backup
    sources: ["` + hostConf + `"]
  - type: command
    command: "exit 1"
rollback:
  enabled: true
  auto_on_failure: true
`
	pkg := filepath.Join(t.TempDir(), "update.tar.gz")
	buildPackage(t, pkg, map[string]string{"manifest.yml": m}, "")

	res := b.Run(context.Background(), pkg, "")
	if res.ExitCode != ExitJobFailed {
		t.Fatalf("exit = %d, want %d", res.ExitCode, ExitJobFailed)
	}
}

func TestRecoverInterruptedTriggersRollback(t *testing.T) {
	t.Parallel()

	b, store := newBootstrap(t, "1.2.0")

	hostConf := filepath.Join(t.TempDir(), "app.conf")
	if err := os.WriteFile(hostConf, []byte("v1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	rec, err := b.Engine.Backups.Create("", "", []string{hostConf})
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(hostConf, []byte("half-applied\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	crashed := state.NewJob("crashed")
	crashed.Status = state.StatusRunning
	crashed.RollbackPermitted = true
	crashed.BackupsCreated = []string{rec.ID}
	if err := store.Save(crashed); err != nil {
		t.Fatal(err)
	}

	pkg := filepath.Join(t.TempDir(), "update.tar.gz")
	buildPackage(t, pkg, map[string]string{"manifest.yml": trivialManifest}, "")
	if res := b.Run(context.Background(), pkg, ""); res.ExitCode != ExitOK {
		t.Fatalf("exit = %d (%v)", res.ExitCode, res.Err)
	}

	got, err := store.Load(crashed.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != state.StatusRolledBack {
		t.Fatalf("interrupted job status = %s, want rolled_back", got.Status)
	}
	data, _ := os.ReadFile(hostConf)
	if string(data) != "v1\n" {
		t.Fatalf("host file = %q, want restored v1", data)
	}
}

func TestEngineInstallAndSwap(t *testing.T) {
	t.Parallel()

	src := t.TempDir()
	if err := os.WriteFile(filepath.Join(src, "updatectl"), []byte("binary"), 0o755); err != nil {
		t.Fatal(err)
	}

	enginesDir := filepath.Join(t.TempDir(), "update-engines")
	v2 := semver.MustParse("2.0.0")
	if err := InstallEngine(enginesDir, v2, src); err != nil {
		t.Fatalf("InstallEngine: %v", err)
	}
	if err := VerifyEngineDir(filepath.Join(enginesDir, "v2.0.0")); err != nil {
		t.Fatalf("installed engine does not verify: %v", err)
	}
	if err := SwapCurrent(enginesDir, v2); err != nil {
		t.Fatalf("SwapCurrent: %v", err)
	}
	target, err := os.Readlink(filepath.Join(enginesDir, "current"))
	if err != nil {
		t.Fatal(err)
	}
	if target != "v2.0.0" {
		t.Fatalf("current -> %s", target)
	}

	// Corrupt v2 and the fallback scan must refuse it.
	if err := os.WriteFile(filepath.Join(enginesDir, "v2.0.0", "updatectl"), []byte("tampered"), 0o755); err != nil {
		t.Fatal(err)
	}
	if _, err := FindValidEngine(enginesDir); err == nil {
		t.Fatal("corrupted engine accepted")
	}

	// Install an older valid engine; the scan should fall back to it.
	if err := os.WriteFile(filepath.Join(src, "updatectl"), []byte("old binary"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := InstallEngine(enginesDir, semver.MustParse("1.0.0"), src); err != nil {
		t.Fatal(err)
	}
	dir, err := FindValidEngine(enginesDir)
	if err != nil {
		t.Fatalf("FindValidEngine: %v", err)
	}
	if !strings.HasSuffix(dir, "v1.0.0") {
		t.Fatalf("fallback engine = %s", dir)
	}
}
