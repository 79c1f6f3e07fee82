// Package watch emits change signals for the tracked profile files.
package watch

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/rjeczalik/notify"
)

// Watcher watches the profile base directory recursively and forwards
// write events as labeled change signals. It is a producer only; all
// coalescing happens downstream in the debouncer.
type Watcher struct {
	baseDir string
	ignore  []string
	events  chan notify.EventInfo

	// Signal receives one label per observed write, e.g. "file:a.txt".
	Signal func(source string)
}

// New watches baseDir recursively. Directories in ignoreDirs produce no
// signals; the daemon passes its own state dir here, which by default
// lives under the watched base dir, so the engine's log writes would
// otherwise re-trigger the very sync that produced them.
func New(baseDir string, signal func(source string), ignoreDirs ...string) *Watcher {
	w := &Watcher{
		baseDir: baseDir,
		events:  make(chan notify.EventInfo, 16),
		Signal:  signal,
	}
	for _, dir := range ignoreDirs {
		if dir == "" {
			continue
		}
		w.ignore = append(w.ignore, filepath.Clean(dir))
	}
	return w
}

// Run watches until ctx is canceled.
func (w *Watcher) Run(ctx context.Context) error {
	recursivePath := filepath.Join(w.baseDir, "...")
	if err := notify.Watch(recursivePath, w.events, notify.Write, notify.Create, notify.Remove, notify.Rename); err != nil {
		return err
	}
	defer notify.Stop(w.events)

	slog.Info("file watcher started", "dir", w.baseDir)
	for {
		select {
		case <-ctx.Done():
			slog.Info("file watcher stopped")
			return ctx.Err()
		case ev, ok := <-w.events:
			if !ok {
				return nil
			}
			if w.ignored(ev.Path()) {
				continue
			}
			w.Signal("file:" + w.label(ev.Path()))
		}
	}
}

func (w *Watcher) ignored(path string) bool {
	for _, dir := range w.ignore {
		if path == dir || strings.HasPrefix(path, dir+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

func (w *Watcher) label(path string) string {
	rel, err := filepath.Rel(w.baseDir, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return filepath.Base(path)
	}
	return filepath.ToSlash(rel)
}
