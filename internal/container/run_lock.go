// SPDX-License-Identifier: MPL-2.0

package container

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

const (
	runLockFileName   = "envmatrix-podman.lock"
	runLockRetryDelay = 50 * time.Millisecond
)

// runLock is an exclusive flock shared by every envmatrix process on the host.
// The kernel drops it when the descriptor closes, so an orphaned file is harmless.
type runLock struct {
	fl *flock.Flock
}

func acquireRunLock(ctx context.Context, path string) (*runLock, error) {
	fl := flock.New(path)
	locked, err := fl.TryLockContext(ctx, runLockRetryDelay)
	if err != nil {
		return nil, fmt.Errorf("acquire podman run lock %s: %w", path, err)
	}
	if !locked {
		return nil, fmt.Errorf("acquire podman run lock %s: not acquired", path)
	}
	return &runLock{fl: fl}, nil
}

// Release unlocks. Safe to call more than once.
func (l *runLock) Release() {
	if l == nil || l.fl == nil {
		return
	}
	_ = l.fl.Unlock()
	l.fl = nil
}

// runLockPath prefers $XDG_RUNTIME_DIR (per-user tmpfs) over os.TempDir().
func runLockPath(getenv func(string) string) string {
	if dir := getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, runLockFileName)
	}
	return filepath.Join(os.TempDir(), runLockFileName)
}
