package config

import (
	"log/slog"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads path into the caller's config each time the file
// changes on disk, so the broker's ICE-server list and the agent's
// upstream map can be edited without restarting the process. reload
// is called immediately on every write or create event; it is the
// caller's responsibility to swap the new value in atomically.
//
// Watch blocks until done is closed; run it in its own goroutine.
func Watch(path string, log *slog.Logger, done <-chan struct{}, reload func()) error {
	if log == nil {
		log = slog.Default()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(path); err != nil {
		log.Warn("config watch: not watching, file missing", "path", path, "error", err)
		<-done
		return nil
	}

	for {
		select {
		case <-done:
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			// Editors commonly replace a file (write temp + rename) rather
			// than write it in place; Remove/Rename needs re-adding too.
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				reload()
			}
			if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				watcher.Add(path)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn("config watch error", "path", path, "error", err)
		}
	}
}
