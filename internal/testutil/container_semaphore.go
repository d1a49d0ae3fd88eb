// SPDX-License-Identifier: MPL-2.0

package testutil

import (
	"os"
	"runtime"
	"strconv"
	"sync"
	"testing"
)

// ContainerSemaphore returns a process-wide buffered channel that limits concurrent
// container operations in tests. Acquire a slot by sending, release by receiving:
//
//	sem := testutil.ContainerSemaphore()
//	sem <- struct{}{}
//	defer func() { <-sem }()
//
// The capacity is ENVMATRIX_TEST_CONTAINER_PARALLEL (if set) or min(GOMAXPROCS, 2).
// Too many concurrent container operations on constrained CI runners hang
// Podman instead of failing.
var ContainerSemaphore = sync.OnceValue(func() chan struct{} {
	return make(chan struct{}, containerParallelism())
})

// AcquireContainerSlot takes a semaphore slot and releases it when the test ends.
func AcquireContainerSlot(t testing.TB) {
	t.Helper()
	sem := ContainerSemaphore()
	sem <- struct{}{}
	t.Cleanup(func() { <-sem })
}

func containerParallelism() int {
	if v := os.Getenv("ENVMATRIX_TEST_CONTAINER_PARALLEL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return min(runtime.GOMAXPROCS(0), 2)
}
