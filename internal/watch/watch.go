// Package watch triggers pipeline runs when the live chat.db changes.
package watch

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch observes the directory holding chatDBPath and invokes run whenever
// the database (or its -wal/-shm sidecars) changes, debounced so a burst of
// writes produces one run. An initial run fires immediately. Blocks until
// ctx is cancelled.
func Watch(ctx context.Context, chatDBPath string, debounce time.Duration, logf func(format string, args ...any), run func(context.Context)) error {
	if logf == nil {
		logf = func(string, ...any) {}
	}

	// Watch the directory, not the file: SQLite swaps WAL sidecars in and
	// out, and watching chat.db alone misses those events.
	chatDBDir := filepath.Dir(chatDBPath)
	base := filepath.Base(chatDBPath)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(chatDBDir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", chatDBDir, err)
	}

	logf("Watching for changes in %s (debounce: %s)", chatDBDir, debounce)
	logf("Press Ctrl+C to stop")

	var debounceTimer *time.Timer

	doRun := func() {
		run(ctx)
	}

	logf("[%s] Running initial sync...", time.Now().Format("15:04:05"))
	doRun()

	trigger := func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
		debounceTimer = time.AfterFunc(debounce, doRun)
	}

	for {
		select {
		case <-ctx.Done():
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if strings.Contains(filepath.Base(event.Name), base) {
				trigger()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logf("watch error: %v", err)
		}
	}
}
