package ingest

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/teranos/intake/errors"
)

// watchDebounce coalesces the burst of write events editors and atomic
// renames produce for a single save.
const watchDebounce = 500 * time.Millisecond

// WatchSources watches the sources definition file and invokes onChange
// with the freshly loaded list after each modification. A file that
// fails to load keeps the previous source set running; the error is
// logged, never fatal. Blocks until ctx is cancelled.
func WatchSources(ctx context.Context, path string, log *zap.SugaredLogger, onChange func([]*Source)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "failed to create sources watcher")
	}
	defer watcher.Close()

	// Watch the directory, not the file: atomic save replaces the inode
	// and a file watch would silently go stale.
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return errors.Wrapf(err, "failed to watch %s", dir)
	}

	target := filepath.Clean(path)
	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(watchDebounce)
				timerC = timer.C
			} else {
				timer.Reset(watchDebounce)
			}

		case <-timerC:
			timer = nil
			timerC = nil

			sources, err := LoadSources(path)
			if err != nil {
				log.Errorw("Sources file changed but failed to load, keeping previous set",
					"path", path,
					"error", err,
				)
				continue
			}
			log.Infow("Sources file reloaded", "path", path, "sources", len(sources))
			onChange(sources)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warnw("Sources watcher error", "error", err)
		}
	}
}
