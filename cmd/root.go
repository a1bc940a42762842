// SPDX-License-Identifier: AGPL-3.0-or-later
package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/serkankas/offline-updater/internal/bootstrap"
	"github.com/serkankas/offline-updater/internal/paths"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "updatectl",
	Short:         "Offline, manifest-driven update agent",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// exitError carries a specific process exit code up through cobra.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit code %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

// Execute runs the CLI and exits with the documented code contract:
// 0 success, 2 usage, 3 engine-too-old, 4 integrity, 5 job failed
// (rolled back), 6 rollback failed, 7 busy.
func Execute() {
	if dir := os.Getenv("UPDATER_BASE_DIR"); dir != "" {
		paths.SetBaseDirOverride(dir)
	}

	rootCmd.PersistentFlags().String("base-dir", "", "Override the updater base directory (default /opt/updater)")
	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		if dir, _ := cmd.Flags().GetString("base-dir"); dir != "" {
			paths.SetBaseDirOverride(dir)
		}
	}
	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return &exitError{code: bootstrap.ExitUsage, err: err}
	})

	rootCmd.AddCommand(NewApplyCmd())
	rootCmd.AddCommand(NewServeCmd())
	rootCmd.AddCommand(NewRollbackCmd())
	rootCmd.AddCommand(NewBackupsCmd())
	rootCmd.AddCommand(NewJobsCmd())
	rootCmd.AddCommand(NewVersionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		var exitErr *exitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.code)
		}
		os.Exit(bootstrap.ExitUsage)
	}
}

// usageArgs wraps a cobra args validator so violations exit with the
// usage code.
func usageArgs(validator cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := validator(cmd, args); err != nil {
			return &exitError{code: bootstrap.ExitUsage, err: err}
		}
		return nil
	}
}

func ensureBaseLayout() error {
	for _, fn := range []func() string{paths.StateDir, paths.JobsDir, paths.BackupsDir, paths.UploadsDir, paths.TmpDir, paths.LogsDir} {
		if err := os.MkdirAll(fn(), 0o755); err != nil {
			return err
		}
	}
	return nil
}
