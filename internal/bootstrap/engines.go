// SPDX-License-Identifier: AGPL-3.0-or-later
package bootstrap

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/serkankas/offline-updater/internal/checksum"
	"github.com/serkankas/offline-updater/internal/fsutil"
	"github.com/serkankas/offline-updater/internal/semver"
)

// VerifyEngineDir checks an engine directory against its CHECKSUM file.
func VerifyEngineDir(dir string) error {
	entries, err := checksum.LoadManifest(filepath.Join(dir, engineChecksum))
	if err != nil {
		return fmt.Errorf("engine %s: %w", dir, err)
	}
	if err := checksum.VerifyTree(dir, entries); err != nil {
		return fmt.Errorf("engine %s: %w", dir, err)
	}
	return nil
}

// InstallEngine copies an engine tree into update-engines/v<version> and
// writes its CHECKSUM manifest. Installation goes through a temp
// directory and a rename so a half-written engine is never addressable.
func InstallEngine(enginesDir string, v semver.Version, srcDir string) error {
	if err := os.MkdirAll(enginesDir, 0o755); err != nil {
		return err
	}
	final := filepath.Join(enginesDir, "v"+v.String())
	tmp := filepath.Join(enginesDir, ".tmp-v"+v.String())
	if err := os.RemoveAll(tmp); err != nil {
		return err
	}
	if err := fsutil.CopyTree(srcDir, tmp); err != nil {
		os.RemoveAll(tmp)
		return fmt.Errorf("install engine %s: %w", v, err)
	}
	entries, err := checksum.TreeEntries(tmp, engineChecksum)
	if err != nil {
		os.RemoveAll(tmp)
		return err
	}
	f, err := os.Create(filepath.Join(tmp, engineChecksum))
	if err != nil {
		os.RemoveAll(tmp)
		return err
	}
	if err := checksum.WriteManifest(f, entries); err != nil {
		f.Close()
		os.RemoveAll(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.RemoveAll(tmp)
		return err
	}
	if err := os.RemoveAll(final); err != nil {
		os.RemoveAll(tmp)
		return err
	}
	if err := os.Rename(tmp, final); err != nil {
		os.RemoveAll(tmp)
		return fmt.Errorf("commit engine %s: %w", v, err)
	}
	return fsutil.SyncDir(enginesDir)
}

// SwapCurrent atomically repoints the "current" symlink at v<version>.
func SwapCurrent(enginesDir string, v semver.Version) error {
	target := "v" + v.String()
	if _, err := os.Stat(filepath.Join(enginesDir, target)); err != nil {
		return fmt.Errorf("engine %s not installed: %w", v, err)
	}
	link := filepath.Join(enginesDir, "current")
	tmp := link + ".tmp"
	os.Remove(tmp)
	if err := os.Symlink(target, tmp); err != nil {
		return err
	}
	if err := os.Rename(tmp, link); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("swap current engine: %w", err)
	}
	return fsutil.SyncDir(enginesDir)
}

// InstalledVersions lists installed engine versions, newest first.
func InstalledVersions(enginesDir string) ([]semver.Version, error) {
	entries, err := os.ReadDir(enginesDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var versions []semver.Version
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), "v") {
			continue
		}
		v, err := semver.Parse(e.Name())
		if err != nil {
			continue
		}
		versions = append(versions, v)
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i].Compare(versions[j]) > 0 })
	return versions, nil
}

// FindValidEngine returns the newest installed engine directory whose
// CHECKSUM verifies, trying "current" first, for picking a fallback when
// the active engine is corrupted. The bootstrap run does not call it.
func FindValidEngine(enginesDir string) (string, error) {
	current := filepath.Join(enginesDir, "current")
	if resolved, err := filepath.EvalSymlinks(current); err == nil {
		if VerifyEngineDir(resolved) == nil {
			return resolved, nil
		}
	}
	versions, err := InstalledVersions(enginesDir)
	if err != nil {
		return "", err
	}
	for _, v := range versions {
		dir := filepath.Join(enginesDir, "v"+v.String())
		if VerifyEngineDir(dir) == nil {
			return dir, nil
		}
	}
	return "", fmt.Errorf("no valid engine found under %s", enginesDir)
}
