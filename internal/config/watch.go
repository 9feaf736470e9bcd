package config

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounce absorbs the write bursts editors produce when saving a file.
const debounce = 200 * time.Millisecond

// Watch reloads the config whenever the file changes and delivers each
// valid new version on the returned channel. Invalid edits are logged and
// skipped, so a typo never takes the running config down. The stop func
// ends the watch and closes the channel.
func Watch(path string, log *slog.Logger) (<-chan Config, func(), error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "config")

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	// Watch the directory, not the file: editors that replace-on-save
	// (rename + create) would otherwise drop the watch after one change.
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, nil, fmt.Errorf("watch config dir: %w", err)
	}

	out := make(chan Config, 1)
	stop := make(chan struct{})

	go func() {
		defer close(out)
		var timer *time.Timer
		fire := make(chan struct{}, 1)
		target := filepath.Clean(path)

		for {
			select {
			case <-stop:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(debounce, func() {
					select {
					case fire <- struct{}{}:
					default:
					}
				})
			case <-fire:
				cfg, err := Load(path)
				if err != nil {
					log.Warn("config reload skipped", "err", err)
					continue
				}
				log.Info("config reloaded")
				select {
				case out <- cfg:
				case <-stop:
					return
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn("config watcher error", "err", err)
			}
		}
	}()

	return out, func() {
		close(stop)
		watcher.Close()
	}, nil
}
