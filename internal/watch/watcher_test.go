// SPDX-License-Identifier: MPL-2.0

package watch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/envmatrix/envmatrix/internal/testutil"
)

const testDebounce = 100 * time.Millisecond

// startWatcher runs a watcher over dir and returns the channel of batches.
func startWatcher(t *testing.T, cfg Config) <-chan []string {
	t.Helper()
	if cfg.Debounce == 0 {
		cfg.Debounce = testDebounce
	}
	w, err := New(cfg, log.New(os.Stderr))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	batches := make(chan []string, 16)
	done := make(chan error, 1)
	go func() {
		done <- w.Run(ctx, func(_ context.Context, changed []string) {
			batches <- changed
		})
	}()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})
	return batches
}

func nextBatch(t *testing.T, batches <-chan []string) []string {
	t.Helper()
	select {
	case b := <-batches:
		return b
	case <-time.After(5 * time.Second):
		require.FailNow(t, "no change batch delivered")
		return nil
	}
}

func assertNoBatch(t *testing.T, batches <-chan []string) {
	t.Helper()
	select {
	case b := <-batches:
		require.FailNow(t, "unexpected batch", "%v", b)
	case <-time.After(4 * testDebounce):
	}
}

func TestWatcher_CoalescesChanges(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	batches := startWatcher(t, Config{Dir: dir})

	for _, name := range []string{"c.txt", "a.txt", "b.txt"} {
		testutil.MustWriteFile(t, filepath.Join(dir, name), "data")
		time.Sleep(10 * time.Millisecond)
	}

	assert.Equal(t, []string{"a.txt", "b.txt", "c.txt"}, nextBatch(t, batches))
	assertNoBatch(t, batches)
}

func TestWatcher_Patterns(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	testutil.MustMkdirAll(t, filepath.Join(dir, "src"), 0o755)
	batches := startWatcher(t, Config{Dir: dir, Patterns: []string{"src/**/*.py"}})

	testutil.MustWriteFile(t, filepath.Join(dir, "notes.md"), "x")
	testutil.MustWriteFile(t, filepath.Join(dir, "src", "mod.py"), "x")

	assert.Equal(t, []string{"src/mod.py"}, nextBatch(t, batches))
}

func TestWatcher_Ignores(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	testutil.MustMkdirAll(t, filepath.Join(dir, ".git"), 0o755)
	batches := startWatcher(t, Config{Dir: dir, Ignore: []string{"report.*"}})

	testutil.MustWriteFile(t, filepath.Join(dir, ".git", "index"), "x")
	testutil.MustWriteFile(t, filepath.Join(dir, "report.json"), "{}")
	testutil.MustWriteFile(t, filepath.Join(dir, "file.swp"), "x")
	assertNoBatch(t, batches)

	testutil.MustWriteFile(t, filepath.Join(dir, "setup.py"), "x")
	assert.Equal(t, []string{"setup.py"}, nextBatch(t, batches))
}

func TestWatcher_NewDirectoriesAreWatched(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	batches := startWatcher(t, Config{Dir: dir})

	testutil.MustMkdirAll(t, filepath.Join(dir, "pkg"), 0o755)
	// give the watcher time to register the new directory
	time.Sleep(2 * testDebounce)
	testutil.MustWriteFile(t, filepath.Join(dir, "pkg", "mod.py"), "x")

	assert.Contains(t, nextBatch(t, batches), "pkg/mod.py")
}

func TestWatcher_ChangesDuringHandlerProduceOneMoreBatch(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	w, err := New(Config{Dir: dir, Debounce: testDebounce}, log.New(os.Stderr))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	batches := make(chan []string, 4)
	release := make(chan struct{})
	go func() {
		_ = w.Run(ctx, func(_ context.Context, changed []string) {
			batches <- changed
			<-release
		})
	}()

	testutil.MustWriteFile(t, filepath.Join(dir, "first"), "x")
	assert.Equal(t, []string{"first"}, nextBatch(t, batches))

	testutil.MustWriteFile(t, filepath.Join(dir, "second"), "x")
	testutil.MustWriteFile(t, filepath.Join(dir, "third"), "x")
	time.Sleep(2 * testDebounce)
	close(release)

	assert.Equal(t, []string{"second", "third"}, nextBatch(t, batches))
}

func TestWatcher_RunTwice(t *testing.T) {
	t.Parallel()

	w, err := New(Config{Dir: t.TempDir()}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	require.NoError(t, w.Run(ctx, func(context.Context, []string) {}))
	assert.Error(t, w.Run(ctx, func(context.Context, []string) {}))
}

func TestNew_Errors(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Dir: t.TempDir(), Patterns: []string{"src/[a-"}}, nil)
	require.ErrorIs(t, err, ErrInvalidPattern)

	_, err = New(Config{Dir: t.TempDir(), Ignore: []string{"{unclosed"}}, nil)
	require.ErrorIs(t, err, ErrInvalidPattern)

	_, err = New(Config{Dir: filepath.Join(t.TempDir(), "missing")}, nil)
	require.ErrorIs(t, err, os.ErrNotExist)

	file := filepath.Join(t.TempDir(), "file")
	testutil.MustWriteFile(t, file, "x")
	_, err = New(Config{Dir: file}, nil)
	assert.ErrorContains(t, err, "not a directory")
}

func TestDefaultIgnores(t *testing.T) {
	t.Parallel()

	w := &Watcher{ignores: DefaultIgnores()}
	for _, rel := range []string{".git/HEAD", "a/node_modules/x/index.js", "pkg/__pycache__/m.pyc", "f.swp", "notes~", ".DS_Store"} {
		assert.True(t, w.ignored(rel), rel)
	}
	for _, rel := range []string{"setup.py", "src/pkg/mod.py", "gitignore"} {
		assert.False(t, w.ignored(rel), rel)
	}

	got := DefaultIgnores()
	got[0] = "changed"
	assert.NotEqual(t, "changed", DefaultIgnores()[0])
}

func TestIsFatalWatchError(t *testing.T) {
	t.Parallel()

	if filepath.Separator != '/' {
		t.Skip("unix errno classification")
	}
	assert.True(t, isFatalWatchError(syscall.ENOSPC))
	assert.True(t, isFatalWatchError(syscall.EMFILE))
	assert.False(t, isFatalWatchError(errors.New("transient")))
}
