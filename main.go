// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import "github.com/serkankas/offline-updater/cmd"

func main() {
	cmd.Execute()
}
