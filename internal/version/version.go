// SPDX-License-Identifier: AGPL-3.0-or-later

// Package version pins the engine version compiled into this binary.
package version

// Engine is the installed engine version. Overridable at build time:
//
//	go build -ldflags "-X .../internal/version.Engine=1.3.0"
var Engine = "1.2.0"
