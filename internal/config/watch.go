package config

import (
	"context"
	"flag"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// reloadDelay lets editors and ConfigMap symlink swaps finish writing.
const reloadDelay = 100 * time.Millisecond

// Watch reloads the file at path whenever it changes and hands the new
// configuration to onChange. Each reload resolves like startup, so flags set
// on fs keep winning over the file. Invalid files are logged and skipped.
// Watch blocks until ctx is done.
func Watch(ctx context.Context, logger *zap.SugaredLogger, path string, fs *flag.FlagSet, bind func(*flag.FlagSet, *Config), onChange func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = watcher.Close() }()

	// Watch the directory so ConfigMap ..data symlink swaps are seen.
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return err
	}

	logger.Infof("Watching %s for changes", path)

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !relevant(event, path) {
				continue
			}

			time.Sleep(reloadDelay)

			cfg, err := Resolve(path, fs, bind)
			if err != nil {
				logger.Errorf("Failed to reload config: %v", err)
				continue
			}
			logger.Info("Config reloaded")
			onChange(cfg)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Errorf("Config watcher error: %v", err)
		}
	}
}

func relevant(event fsnotify.Event, path string) bool {
	if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
		return false
	}
	base := filepath.Base(event.Name)
	return base == filepath.Base(path) || base == "..data"
}
