// SPDX-License-Identifier: AGPL-3.0-or-later
package action

import (
	"context"
	"fmt"

	"github.com/serkankas/offline-updater/internal/manifest"
)

func runBackup(_ context.Context, spec manifest.ActionSpec, env *Env) error {
	name := spec.Name
	if name == "" {
		name = fmt.Sprintf("backup_%s_%03d", env.JobID, env.nextBackupSeq())
	}
	env.Logf("creating backup %s (%d sources)", name, len(spec.Sources))

	rec, err := env.Backups.Create(env.JobID, name, spec.Sources)
	if err != nil {
		return fmt.Errorf("backup: %w", err)
	}
	if env.OnBackupCreated != nil {
		env.OnBackupCreated(rec)
	}
	env.Logf("backup %s created (%d files)", name, len(rec.Checksums))
	return nil
}

func runRestoreBackup(_ context.Context, spec manifest.ActionSpec, env *Env) error {
	target := spec.RestoreTarget()
	rec, err := env.Backups.Resolve(target)
	if err != nil {
		return fmt.Errorf("restore_backup: %w", err)
	}
	if rec.JobID != "" && rec.JobID != env.JobID {
		env.Logf("warning: restoring backup %s created by job %s", rec.Name, rec.JobID)
	}
	env.Logf("restoring backup %s", rec.Name)
	if err := env.Backups.Restore(rec); err != nil {
		return fmt.Errorf("restore_backup: %w", err)
	}
	env.Logf("backup %s restored", rec.Name)
	return nil
}
