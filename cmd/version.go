// SPDX-License-Identifier: AGPL-3.0-or-later
package cmd

import (
	"fmt"

	"github.com/serkankas/offline-updater/internal/version"
	"github.com/spf13/cobra"
)

// NewVersionCmd prints the installed engine version.
func NewVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the engine version",
		Args:  usageArgs(cobra.NoArgs),
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version.Engine)
		},
	}
}
