// SPDX-License-Identifier: MPL-2.0

package config

// Directory overrides for tests. The platform lookups read HOME and XDG
// variables that cannot be redirected per test on every OS.
var (
	configDirOverride string
	stateDirOverride  string
)

// Reset clears every directory override.
func Reset() {
	configDirOverride = ""
	stateDirOverride = ""
}

// SetConfigDirOverride makes ConfigDir return dir.
func SetConfigDirOverride(dir string) {
	configDirOverride = dir
}

// SetStateDirOverride makes StateDir, and so the default history database
// location, resolve under dir.
func SetStateDirOverride(dir string) {
	stateDirOverride = dir
}
