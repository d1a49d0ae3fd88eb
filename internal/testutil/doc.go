// SPDX-License-Identifier: MPL-2.0

// Package testutil provides helper functions for tests that handle errors
// appropriately, reducing boilerplate and ensuring consistent error handling.
//
// Common helpers include filesystem setup (MustMkdirAll, MustWriteFile, WriteMatrix),
// resource cleanup (MustClose, MustStop, MustRemoveAll), a controllable FakeClock and a
// process-wide semaphore for container-backed tests.
package testutil
