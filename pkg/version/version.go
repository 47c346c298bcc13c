// mailclerk
// Copyright 2025 Blue Static <https://www.bluestatic.org>
// This program is free software licensed under the GNU General Public License,
// version 3.0. The full text of the license can be found in LICENSE.txt.
// SPDX-License-Identifier: GPL-3.0-only

// Package version reports the build version. `versionGit` is set with
// -ldflags "-X src.bluestatic.org/mailclerk/pkg/version.versionGit=...".
package version

import "runtime/debug"

var (
	versionGit    = "development"
	versionNumber = "0.3.0"
	VersionString = "mailclerk " + versionNumber + " (" + revision() + ")\n"
)

// revision prefers the linker-provided value, then the VCS stamp.
func revision() string {
	if versionGit != "development" {
		return versionGit
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			if s.Key == "vcs.revision" && len(s.Value) >= 12 {
				return s.Value[:12]
			}
		}
	}
	return versionGit
}
