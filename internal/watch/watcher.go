// SPDX-License-Identifier: MPL-2.0

// Package watch re-triggers work when files under a directory change.
//
// Events are filtered through doublestar glob patterns and coalesced: a
// batch is delivered once no matching event arrived for the debounce
// period. Batches are delivered one at a time from the Run goroutine, so
// changes made while a handler runs produce exactly one follow-up batch.
package watch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sync/atomic"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is the quiet period used when Config.Debounce is unset.
const DefaultDebounce = 300 * time.Millisecond

// ErrInvalidPattern is returned by New for malformed glob patterns.
var ErrInvalidPattern = errors.New("invalid watch pattern")

// defaultIgnores never trigger a batch: VCS metadata, dependency caches,
// virtualenvs and editor droppings.
var defaultIgnores = []string{
	"**/.git/**",
	"**/.hg/**",
	"**/node_modules/**",
	"**/__pycache__/**",
	"**/.venv/**",
	"**/.tox/**",
	"**/*.swp",
	"**/*~",
	"**/.DS_Store",
}

type (
	// Config selects what is watched.
	Config struct {
		// Dir is the watched tree. Empty means the working directory.
		Dir string
		// Patterns select the files that count as changes, relative to Dir.
		// Empty matches every file.
		Patterns []string
		// Ignore adds patterns to the built-in ignore list.
		Ignore   []string
		Debounce time.Duration
	}

	// Func handles one batch of changed paths, relative to the watched
	// directory and sorted.
	Func func(ctx context.Context, changed []string)

	// Watcher monitors a directory tree.
	Watcher struct {
		dir      string
		patterns []string
		ignores  []string
		debounce time.Duration
		fsw      *fsnotify.Watcher
		logger   *log.Logger
		started  atomic.Bool
	}
)

// DefaultIgnores returns a copy of the built-in ignore patterns.
func DefaultIgnores() []string {
	return slices.Clone(defaultIgnores)
}

// New validates cfg and registers every non-ignored directory under cfg.Dir.
func New(cfg Config, logger *log.Logger) (*Watcher, error) {
	if logger == nil {
		logger = log.New(os.Stderr)
	}
	for _, pat := range slices.Concat(cfg.Patterns, cfg.Ignore) {
		if !doublestar.ValidatePattern(pat) {
			return nil, fmt.Errorf("%w: %q", ErrInvalidPattern, pat)
		}
	}

	dir := cfg.Dir
	if dir == "" {
		dir = "."
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve watch directory: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("watch directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("watch directory %s is not a directory", abs)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}

	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	w := &Watcher{
		dir:      abs,
		patterns: slices.Clone(cfg.Patterns),
		ignores:  slices.Concat(defaultIgnores, cfg.Ignore),
		debounce: debounce,
		fsw:      fsw,
		logger:   logger,
	}
	if err := w.addTree(abs); err != nil {
		_ = fsw.Close()
		return nil, err
	}
	return w, nil
}

// Dir returns the absolute watched directory.
func (w *Watcher) Dir() string { return w.dir }

// Run delivers batches to fn until ctx is cancelled, then releases the
// watcher. It returns nil on cancellation and an error when the underlying
// watcher breaks. Run may only be called once.
func (w *Watcher) Run(ctx context.Context, fn Func) error {
	if !w.started.CompareAndSwap(false, true) {
		return errors.New("watcher already running")
	}
	defer func() {
		if err := w.fsw.Close(); err != nil {
			w.logger.Warn("close file watcher", "error", err)
		}
	}()

	var (
		pending = map[string]struct{}{}
		timer   *time.Timer
		fire    <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return errors.New("file watcher closed")
			}
			rel, relevant := w.relevant(ev)
			if !relevant {
				continue
			}
			pending[rel] = struct{}{}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			if len(pending) == 0 {
				continue
			}
			changed := slices.Sorted(maps.Keys(pending))
			clear(pending)
			w.logger.Debug("change batch", "files", len(changed))
			fn(ctx, changed)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return errors.New("file watcher closed")
			}
			if isFatalWatchError(err) {
				return fmt.Errorf("file watcher failed: %w", err)
			}
			w.logger.Warn("file watcher error", "error", err)
		}
	}
}

// relevant filters ev and extends the watch to directories created after
// startup. It returns the slash-separated path relative to the watched dir.
func (w *Watcher) relevant(ev fsnotify.Event) (string, bool) {
	if ev.Op == fsnotify.Chmod {
		return "", false
	}
	rel, err := filepath.Rel(w.dir, ev.Name)
	if err != nil {
		return "", false
	}
	rel = filepath.ToSlash(rel)
	if w.ignored(rel) {
		return "", false
	}
	if ev.Has(fsnotify.Create) {
		if info, statErr := os.Stat(ev.Name); statErr == nil && info.IsDir() {
			if err := w.addTree(ev.Name); err != nil {
				w.logger.Warn("watch new directory", "path", ev.Name, "error", err)
			}
			return "", false
		}
	}
	return rel, w.matches(rel)
}

// addTree registers root and every non-ignored directory below it.
// Unreadable directories are skipped.
func (w *Watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			w.logger.Debug("skipping unreadable path", "path", path, "error", err)
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(w.dir, path)
		if relErr != nil {
			return filepath.SkipDir
		}
		rel = filepath.ToSlash(rel)
		if rel != "." && (w.ignored(rel) || w.ignored(rel+"/")) {
			return filepath.SkipDir
		}
		if addErr := w.fsw.Add(path); addErr != nil {
			return fmt.Errorf("watch %s: %w", path, addErr)
		}
		return nil
	})
}

func (w *Watcher) ignored(rel string) bool {
	return matchAny(w.ignores, rel)
}

func (w *Watcher) matches(rel string) bool {
	return len(w.patterns) == 0 || matchAny(w.patterns, rel)
}

func matchAny(patterns []string, rel string) bool {
	for _, pat := range patterns {
		if ok, _ := doublestar.Match(pat, rel); ok {
			return true
		}
	}
	return false
}
