package classifier

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Invalidator is implemented by Cache.
type Invalidator interface {
	Invalidate()
}

// Watch invalidates target whenever the model file at path is replaced or removed,
// so a model written by another process is served before the TTL runs out. It blocks
// until ctx is done.
//
// The directory is watched rather than the file because saves rename over it.
func Watch(ctx context.Context, path string, target Invalidator, log *zap.Logger) error {
	if log == nil {
		log = zap.NewNop()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return err
	}
	log.Info("watching classifier file", zap.String("path", abs))

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			log.Info("classifier file changed, invalidating cache", zap.String("op", ev.Op.String()))
			target.Invalidate()
		case werr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn("classifier watch error", zap.Error(werr))
		}
	}
}
