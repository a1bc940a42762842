// SPDX-License-Identifier: AGPL-3.0-or-later

// Package manifest parses and validates the manifest.yml document that
// drives one update. Check and action specs are closed tagged variants:
// an unknown type is rejected at load time so a bad manifest can never
// make it past pre-parse into a partial run.
package manifest

import (
	"fmt"
	"os"

	"github.com/serkankas/offline-updater/internal/semver"
	"gopkg.in/yaml.v3"
)

// Manifest is the immutable description of one update job.
type Manifest struct {
	Description           string         `yaml:"description"`
	Date                  string         `yaml:"date"`
	RequiredEngineVersion semver.Version `yaml:"required_engine_version"`

	PreChecks  []CheckSpec  `yaml:"pre_checks"`
	PostChecks []CheckSpec  `yaml:"post_checks"`
	Actions    []ActionSpec `yaml:"actions"`

	Rollback RollbackPolicy `yaml:"rollback"`
	Cleanup  CleanupPolicy  `yaml:"cleanup"`
}

// RollbackPolicy controls what happens after a failed action or post-check.
type RollbackPolicy struct {
	Enabled       bool `yaml:"enabled"`
	AutoOnFailure bool `yaml:"auto_on_failure"`
	// Legacy manifests spell the flag out in full; either key works.
	AutoOnFailureCompat bool         `yaml:"auto_rollback_on_failure"`
	Steps               []ActionSpec `yaml:"steps"`
}

// Auto reports whether a failure should trigger rollback without operator
// intervention.
func (p RollbackPolicy) Auto() bool {
	return p.Enabled && (p.AutoOnFailure || p.AutoOnFailureCompat)
}

// CleanupPolicy controls the non-transactional cleanup phase after a
// successful job.
type CleanupPolicy struct {
	RemoveOldBackups bool `yaml:"remove_old_backups"`
	KeepLastN        int  `yaml:"keep_last_n"`
	RemoveTempFiles  bool `yaml:"remove_temp_files"`
	RemoveOldImages  bool `yaml:"remove_old_images"`
}

// Load reads, parses and validates the manifest at path. Unknown top-level
// keys are ignored for forward compatibility; unknown spec types are not.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes and validates a manifest document.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Manifest) validate() error {
	if m.Description == "" {
		return fmt.Errorf("manifest: description is required")
	}
	if m.RequiredEngineVersion.IsZero() {
		return fmt.Errorf("manifest: required_engine_version is required")
	}
	if m.Cleanup.KeepLastN < 0 {
		return fmt.Errorf("manifest: cleanup.keep_last_n must be >= 0")
	}
	for i := range m.PreChecks {
		if err := m.PreChecks[i].validate(); err != nil {
			return fmt.Errorf("pre_checks[%d]: %w", i, err)
		}
	}
	for i := range m.PostChecks {
		if err := m.PostChecks[i].validate(); err != nil {
			return fmt.Errorf("post_checks[%d]: %w", i, err)
		}
	}
	for i := range m.Actions {
		if err := m.Actions[i].validate(); err != nil {
			return fmt.Errorf("actions[%d]: %w", i, err)
		}
	}
	for i := range m.Rollback.Steps {
		if err := m.Rollback.Steps[i].validate(); err != nil {
			return fmt.Errorf("rollback.steps[%d]: %w", i, err)
		}
	}
	return nil
}
