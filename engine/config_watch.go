package engine

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// WatchBudget hot-reloads the cost ceiling from the config file while a run
// is in flight. Only raises are applied; everything else in the file is
// fixed at startup. Returns a stop function.
func (e *Engine) WatchBudget(ctx context.Context, configPath string) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory: editors replace files on save, which would drop a
	// direct file watch.
	if err := watcher.Add(filepath.Dir(configPath)); err != nil {
		_ = watcher.Close()
		return nil, err
	}
	done := make(chan struct{})
	go func() {
		defer func() { _ = watcher.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(configPath) {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				cfg, err := LoadConfig(configPath)
				if err != nil {
					e.logger.WarnCtx(ctx, "config reload skipped", "error", err)
					continue
				}
				if tracker := e.MaxCostTracker(); tracker != nil {
					if tracker.SetMaxCost(cfg.Costs.MaxPerRun) {
						e.logger.InfoCtx(ctx, "budget ceiling raised", "max_per_run", cfg.Costs.MaxPerRun)
					}
				}
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return func() { close(done) }, nil
}
