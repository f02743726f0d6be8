// SPDX-License-Identifier: MIT

// Package version carries the build metadata stamped by the build system
// via ldflags.
package version

var (
	// Version is the release tag of this build.
	Version = "dev"

	// Commit is the git short hash of the build.
	Commit = "unknown"

	// Date is the build timestamp.
	Date = "unknown"
)
