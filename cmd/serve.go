// SPDX-License-Identifier: AGPL-3.0-or-later
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/serkankas/offline-updater/internal/server"
	"github.com/spf13/cobra"
)

// NewServeCmd creates the serve command that runs the local HTTP+SSE
// update service.
func NewServeCmd() *cobra.Command {
	var (
		bindAddr string
		logMode  string
		devMode  bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the local update service (REST + SSE)",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := server.Config{
				Bind:   bindAddr,
				Log:    logMode,
				Dev:    devMode,
				StdOut: os.Stdout,
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := server.Run(ctx, cfg); err != nil {
				if ctx.Err() != nil {
					// Graceful shutdown.
					return nil
				}
				return fmt.Errorf("serve: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&bindAddr, "bind", "", "Address for the HTTP server (default 0.0.0.0:8123, or UPDATER_HTTP_PORT)")
	cmd.Flags().StringVar(&logMode, "log", "text", "Log output format (text|json)")
	cmd.Flags().BoolVar(&devMode, "dev", false, "Enable development defaults (localhost CORS)")

	return cmd
}
