// SPDX-License-Identifier: AGPL-3.0-or-later
package cmd

import (
	"fmt"

	"github.com/serkankas/offline-updater/internal/bootstrap"
	"github.com/serkankas/offline-updater/internal/paths"
	"github.com/serkankas/offline-updater/internal/state"
	"github.com/spf13/cobra"
)

// NewJobsCmd creates the jobs command group.
func NewJobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect persisted update jobs",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List job records, newest first",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := state.NewStore(paths.JobsDir())
			if err != nil {
				return &exitError{code: bootstrap.ExitInternal, err: err}
			}
			jobs, err := store.List()
			if err != nil {
				return &exitError{code: bootstrap.ExitInternal, err: err}
			}
			if len(jobs) == 0 {
				fmt.Println("no jobs")
				return nil
			}
			for _, job := range jobs {
				errInfo := ""
				if job.Error != nil {
					errInfo = "  error=" + string(job.Error.Kind)
				}
				fmt.Printf("%s  %-12s  %d/%d  %s%s\n",
					job.ID, job.Status,
					job.Progress.CompletedActions, job.Progress.TotalActions,
					job.Description, errInfo)
			}
			return nil
		},
	}

	cmd.AddCommand(list)
	return cmd
}
