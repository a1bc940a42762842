// SPDX-License-Identifier: AGPL-3.0-or-later
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Store persists one JSON file per job under its directory.
type Store struct {
	dir string
}

// NewStore opens (creating if needed) the job store at dir.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("ensure state dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the store's directory.
func (s *Store) Dir() string { return s.dir }

func (s *Store) path(jobID string) string {
	return filepath.Join(s.dir, jobID+".json")
}

// Save checkpoints the job record atomically: write to a temp file in the
// same directory, fsync, rename over the final name, fsync the directory.
func (s *Store) Save(job *Job) error {
	data, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return fmt.Errorf("encode job %s: %w", job.ID, err)
	}

	final := s.path(job.ID)
	tmp, err := os.CreateTemp(s.dir, "."+job.ID+"-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}
	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("write job %s: %w", job.ID, err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("sync job %s: %w", job.ID, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, final); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("commit job %s: %w", job.ID, err)
	}
	return syncDir(s.dir)
}

// Load reads one job record by id.
func (s *Store) Load(jobID string) (*Job, error) {
	data, err := os.ReadFile(s.path(jobID))
	if err != nil {
		return nil, err
	}
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", jobID, err)
	}
	return &job, nil
}

// List returns all job records, newest first.
func (s *Store) List() ([]*Job, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var jobs []*Job
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".json") {
			continue
		}
		job, err := s.Load(strings.TrimSuffix(name, ".json"))
		if err != nil {
			// A record that fails to parse would violate the crash-safety
			// invariant; surface it rather than skipping silently.
			return nil, err
		}
		jobs = append(jobs, job)
	}
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].StartedAt.After(jobs[j].StartedAt)
	})
	return jobs, nil
}

// Recover scans for jobs left non-terminal by a crash or power loss and
// reclassifies them as failed/interrupted. The engine never resumes
// mid-action; the caller decides whether rollback applies. Stray temp
// files from interrupted saves are removed. The reclassified jobs are
// returned.
func (s *Store) Recover() ([]*Job, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var recovered []*Job
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, ".") && !e.IsDir() {
			os.Remove(filepath.Join(s.dir, name))
			continue
		}
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		job, err := s.Load(strings.TrimSuffix(name, ".json"))
		if err != nil {
			return nil, err
		}
		if job.Status.Terminal() {
			continue
		}
		job.Fail(KindInterrupted, "job was interrupted before reaching a terminal state", job.Progress.CurrentActionIndex)
		if err := s.Save(job); err != nil {
			return nil, err
		}
		recovered = append(recovered, job)
	}
	return recovered, nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
