// SPDX-License-Identifier: AGPL-3.0-or-later
package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/serkankas/offline-updater/internal/backup"
	"github.com/serkankas/offline-updater/internal/bootstrap"
	"github.com/serkankas/offline-updater/internal/engine"
	"github.com/serkankas/offline-updater/internal/events"
	"github.com/serkankas/offline-updater/internal/hostexec"
	"github.com/serkankas/offline-updater/internal/paths"
	"github.com/serkankas/offline-updater/internal/semver"
	"github.com/serkankas/offline-updater/internal/state"
	"github.com/serkankas/offline-updater/internal/version"
	"github.com/spf13/cobra"
)

// NewApplyCmd creates the apply command: stage a package and run it
// through the engine, or hand off to a newer bundled engine.
func NewApplyCmd() *cobra.Command {
	var (
		stagedRoot string
		jsonEvents bool
	)

	cmd := &cobra.Command{
		Use:   "apply <package.tar.gz>",
		Short: "Stage and apply an update package",
		Args:  usageArgs(cobra.RangeArgs(0, 1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			if stagedRoot == "" && len(args) != 1 {
				return &exitError{code: bootstrap.ExitUsage, err: cmd.Usage()}
			}
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

			emitter := events.NewEmitter(os.Stdout, jsonEvents)
			eng := engine.New(store, backups, emitter,
				hostexec.NewCLIDocker(), hostexec.NewSystemd(), hostexec.NewProber())

			b := &bootstrap.Bootstrap{
				BaseDir:       paths.BaseDir(),
				EngineVersion: semver.MustParse(version.Engine),
				Engine:        eng,
				Store:         store,
				TmpDir:        paths.TmpDir(),
				LockPath:      paths.LockFile(),
				Log: func(line string) {
					emitter.EmitLog("bootstrap", line)
				},
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			pkg := ""
			if len(args) == 1 {
				pkg = args[0]
			}
			res := b.Run(ctx, pkg, stagedRoot)
			if res.ExitCode != bootstrap.ExitOK {
				return &exitError{code: res.ExitCode, err: res.Err}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonEvents, "json", false, "Stream progress events as NDJSON")
	cmd.Flags().StringVar(&stagedRoot, "staged-root", "", "Run against an already-staged package tree")
	_ = cmd.Flags().MarkHidden("staged-root")

	return cmd
}
