package daemon

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/msageha/nightline/internal/logging"
	"github.com/msageha/nightline/internal/model"
)

// configWatcher reloads config.yaml when it changes. The directory is
// watched rather than the file so that atomic replaces are seen.
type configWatcher struct {
	dir     string
	watcher *fsnotify.Watcher
	log     *logging.Logger
}

func newConfigWatcher(dir string, log *logging.Logger) (*configWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}
	return &configWatcher{dir: dir, watcher: w, log: log.With("config")}, nil
}

// Run calls apply with every config that parses, until ctx ends. A config
// that fails to load is logged and the previous one stays in force.
func (cw *configWatcher) Run(ctx context.Context, apply func(model.Config)) error {
	defer cw.watcher.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != model.ConfigFileName {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			cw.log.Debugf("fsnotify event=%s file=%s", event.Op, event.Name)
			cfg, err := model.LoadConfig(cw.dir)
			if err != nil {
				cw.log.Warnf("ignoring config change: %v", err)
				continue
			}
			apply(cfg)
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return nil
			}
			cw.log.Errorf("fsnotify error=%v", err)
		}
	}
}

func (cw *configWatcher) Close() error {
	return cw.watcher.Close()
}
