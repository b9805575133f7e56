package config

import (
	"github.com/fsnotify/fsnotify"

	"github.com/codexdrive/core/internal/coreerr"
)

// Watcher hot-reloads config.toml, re-running Load and invoking onChange
// whenever the file is written or replaced. It watches the containing
// directory rather than the file itself, since editors commonly replace
// rather than truncate, and filters events down to the one path of
// interest.
type Watcher struct {
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// Watch starts watching home's config.toml. usingOverride is forwarded to
// Load on every reload so the legacy-fallback behavior stays consistent
// with how the caller originally loaded the file. onChange is invoked from
// a dedicated goroutine; it must not block long.
func Watch(home string, usingOverride bool, onChange func(Config, error)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, coreerr.Wrap(coreerr.Internal, err, "failed to create config watcher")
	}
	if err := fw.Add(home); err != nil {
		fw.Close()
		return nil, coreerr.Wrap(coreerr.Internal, err, "failed to watch config home directory")
	}

	target := Path(home)
	w := &Watcher{watcher: fw, done: make(chan struct{})}

	go func() {
		defer close(w.done)
		for {
			select {
			case ev, ok := <-fw.Events:
				if !ok {
					return
				}
				if ev.Name != target {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				cfg, loadErr := Load(home, usingOverride)
				onChange(cfg, loadErr)
			case _, ok := <-fw.Errors:
				if !ok {
					return
				}
			}
		}
	}()

	return w, nil
}

// Close stops the watcher and waits for its goroutine to exit.
func (w *Watcher) Close() error {
	err := w.watcher.Close()
	<-w.done
	return err
}
