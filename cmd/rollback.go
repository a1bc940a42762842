// SPDX-License-Identifier: AGPL-3.0-or-later
package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/serkankas/offline-updater/internal/backup"
	"github.com/serkankas/offline-updater/internal/bootstrap"
	"github.com/serkankas/offline-updater/internal/engine"
	"github.com/serkankas/offline-updater/internal/events"
	"github.com/serkankas/offline-updater/internal/hostexec"
	"github.com/serkankas/offline-updater/internal/paths"
	"github.com/serkankas/offline-updater/internal/state"
	"github.com/spf13/cobra"
)

// NewRollbackCmd creates the rollback command for failed jobs.
func NewRollbackCmd() *cobra.Command {
	var jsonEvents bool

	cmd := &cobra.Command{
		Use:   "rollback <job-id>",
		Short: "Restore the most recent backup of a failed job",
		Args:  usageArgs(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := ensureBaseLayout(); err != nil {
				return &exitError{code: bootstrap.ExitInternal, err: err}
			}
			store, err := state.NewStore(paths.JobsDir())
			if err != nil {
				return &exitError{code: bootstrap.ExitInternal, err: err}
			}
			backups, err := backup.NewManager(paths.BackupsDir())
			if err != nil {
				return &exitError{code: bootstrap.ExitInternal, err: err}
			}

			lock, err := state.AcquireLock(paths.LockFile())
			if err != nil {
				if errors.Is(err, state.ErrBusy) {
					return &exitError{code: bootstrap.ExitBusy, err: err}
				}
				return &exitError{code: bootstrap.ExitInternal, err: err}
			}
			defer lock.Release()

			job, err := store.Load(args[0])
			if err != nil {
				return &exitError{code: bootstrap.ExitUsage, err: fmt.Errorf("job %s not found", args[0])}
			}

			emitter := events.NewEmitter(os.Stdout, jsonEvents)
			eng := engine.New(store, backups, emitter,
				hostexec.NewCLIDocker(), hostexec.NewSystemd(), hostexec.NewProber())
			if err := eng.RollbackJob(job); err != nil {
				return &exitError{code: bootstrap.ExitRollbackFailed, err: err}
			}
			fmt.Printf("job %s rolled back\n", job.ID)
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonEvents, "json", false, "Stream progress events as NDJSON")
	return cmd
}
