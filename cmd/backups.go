// SPDX-License-Identifier: AGPL-3.0-or-later
package cmd

import (
	"fmt"
	"strings"

	"github.com/serkankas/offline-updater/internal/backup"
	"github.com/serkankas/offline-updater/internal/bootstrap"
	"github.com/serkankas/offline-updater/internal/paths"
	"github.com/spf13/cobra"
)

// NewBackupsCmd creates the backups command group.
func NewBackupsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backups",
		Short: "Inspect and prune the backup store",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List backups, newest first",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := backup.NewManager(paths.BackupsDir())
			if err != nil {
				return &exitError{code: bootstrap.ExitInternal, err: err}
			}
			records, err := mgr.List()
			if err != nil {
				return &exitError{code: bootstrap.ExitInternal, err: err}
			}
			if len(records) == 0 {
				fmt.Println("no backups")
				return nil
			}
			for _, rec := range records {
				sources := make([]string, 0, len(rec.Sources))
				for _, s := range rec.Sources {
					sources = append(sources, s.OriginalPath)
				}
				fmt.Printf("%s  %s  job=%s  %s\n",
					rec.CreatedAt.Format("2006-01-02 15:04:05"), rec.Name, rec.JobID, strings.Join(sources, ","))
			}
			return nil
		},
	}

	var keep int
	prune := &cobra.Command{
		Use:   "prune",
		Short: "Remove old backups beyond the retention window",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := backup.NewManager(paths.BackupsDir())
			if err != nil {
				return &exitError{code: bootstrap.ExitInternal, err: err}
			}
			removed, err := mgr.Prune(keep)
			if err != nil {
				return &exitError{code: bootstrap.ExitInternal, err: err}
			}
			fmt.Printf("removed %d backups\n", len(removed))
			return nil
		},
	}
	prune.Flags().IntVar(&keep, "keep", 3, "Number of most recent backups to keep (0 keeps all)")

	cmd.AddCommand(list)
	cmd.AddCommand(prune)
	return cmd
}
