// SPDX-License-Identifier: AGPL-3.0-or-later
package action

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/joho/godotenv"
	"github.com/serkankas/offline-updater/internal/checksum"
	"github.com/serkankas/offline-updater/internal/fsutil"
	"github.com/serkankas/offline-updater/internal/manifest"
)

func runFileCopy(_ context.Context, spec manifest.ActionSpec, env *Env) error {
	src := env.Staged(spec.Source)
	if _, err := os.Stat(src); err != nil {
		return fmt.Errorf("file_copy: source not found: %s", src)
	}
	if spec.Checksum != "" {
		ok, err := checksum.VerifyFile(src, spec.Checksum)
		if err != nil {
			return fmt.Errorf("file_copy: %w", err)
		}
		if !ok {
			return fmt.Errorf("file_copy: source checksum mismatch: %s", spec.Source)
		}
	}
	env.Logf("copying %s -> %s", spec.Source, spec.Destination)
	if err := fsutil.AtomicCopyFile(src, spec.Destination); err != nil {
		return fmt.Errorf("file_copy: %w", err)
	}
	return nil
}

func runFileSync(_ context.Context, spec manifest.ActionSpec, env *Env) error {
	src := env.Staged(spec.Source)
	info, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("file_sync: source not found: %s", src)
	}
	if !info.IsDir() {
		return fmt.Errorf("file_sync: source is not a directory: %s", src)
	}
	mode := spec.SyncMode()
	env.Logf("syncing %s -> %s (mode=%s)", spec.Source, spec.Destination, mode)

	if err := os.MkdirAll(spec.Destination, 0o755); err != nil {
		return fmt.Errorf("file_sync: %w", err)
	}

	copied := 0
	err = fsutil.WalkFiles(src, func(rel, abs string) error {
		target := filepath.Join(spec.Destination, filepath.FromSlash(rel))
		if mode == manifest.SyncAddOnly {
			if _, err := os.Stat(target); err == nil {
				return nil
			}
		}
		if err := fsutil.AtomicCopyFile(abs, target); err != nil {
			return err
		}
		copied++
		return nil
	})
	if err != nil {
		return fmt.Errorf("file_sync: %w", err)
	}

	if mode == manifest.SyncMirror {
		if err := removeExtraneous(src, spec.Destination); err != nil {
			return fmt.Errorf("file_sync: %w", err)
		}
	}
	env.Logf("synced %d files", copied)
	return nil
}

// removeExtraneous deletes destination files with no counterpart in src,
// then prunes directories emptied by the removal.
func removeExtraneous(src, dst string) error {
	var emptied []string
	err := filepath.Walk(dst, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dst, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if _, err := os.Stat(filepath.Join(src, rel)); os.IsNotExist(err) {
			if info.IsDir() {
				emptied = append(emptied, path)
				return filepath.SkipDir
			}
			return os.Remove(path)
		}
		return nil
	})
	if err != nil {
		return err
	}
	for i := len(emptied) - 1; i >= 0; i-- {
		if err := os.RemoveAll(emptied[i]); err != nil {
			return err
		}
	}
	return nil
}

func runFileMerge(_ context.Context, spec manifest.ActionSpec, env *Env) error {
	src := env.Staged(spec.Source)
	if _, err := os.Stat(src); err != nil {
		return fmt.Errorf("file_merge: source not found: %s", src)
	}
	strategy := spec.MergeStrategy()
	env.Logf("merging %s -> %s (strategy=%s)", spec.Source, spec.Destination, strategy)

	merged, err := mergeEnvFiles(src, spec.Destination, strategy)
	if err != nil {
		return fmt.Errorf("file_merge: %w", err)
	}
	if err := fsutil.AtomicWriteFile(spec.Destination, merged, 0o644); err != nil {
		return fmt.Errorf("file_merge: %w", err)
	}
	return nil
}

// mergeEnvFiles merges two KEY=VALUE files. Comment and blank lines of the
// destination are preserved in place; keys only present in the source are
// appended in sorted order.
func mergeEnvFiles(srcPath, dstPath, strategy string) ([]byte, error) {
	srcVals, err := godotenv.Read(srcPath)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", srcPath, err)
	}

	dstVals := map[string]string{}
	var dstLines []string
	if data, err := os.ReadFile(dstPath); err == nil {
		dstLines = strings.Split(strings.TrimRight(string(data), "\n"), "\n")
		if parsed, err := godotenv.Parse(strings.NewReader(string(data))); err == nil {
			dstVals = parsed
		} else {
			return nil, fmt.Errorf("parse %s: %w", dstPath, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	// Resolve the winning value per key. keep_existing and merge_keys both
	// give the destination precedence; overwrite_all flips it.
	final := map[string]string{}
	for k, v := range srcVals {
		final[k] = v
	}
	switch strategy {
	case manifest.MergeOverwriteAll:
		for k, v := range dstVals {
			if _, ok := final[k]; !ok {
				final[k] = v
			}
		}
	default: // keep_existing, merge_keys
		for k, v := range dstVals {
			final[k] = v
		}
	}

	var out []string
	written := map[string]bool{}
	for _, line := range dstLines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			out = append(out, line)
			continue
		}
		key := envLineKey(trimmed)
		if key == "" {
			out = append(out, line)
			continue
		}
		if val, ok := final[key]; ok && !written[key] {
			out = append(out, key+"="+quoteEnvValue(val))
			written[key] = true
		}
	}

	var added []string
	for k := range final {
		if !written[k] {
			added = append(added, k)
		}
	}
	sort.Strings(added)
	for _, k := range added {
		out = append(out, k+"="+quoteEnvValue(final[k]))
	}

	return []byte(strings.Join(out, "\n") + "\n"), nil
}

func envLineKey(line string) string {
	line = strings.TrimPrefix(line, "export ")
	idx := strings.Index(line, "=")
	if idx <= 0 {
		return ""
	}
	return strings.TrimSpace(line[:idx])
}

func quoteEnvValue(v string) string {
	if strings.ContainsAny(v, " #\"") {
		return `"` + strings.ReplaceAll(v, `"`, `\"`) + `"`
	}
	return v
}
