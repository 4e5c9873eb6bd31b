package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Dynamic exposes the guard thresholds with live reload. Operators tune
// drift bands by editing the .env file; the watcher re-reads it without
// a restart so a halt investigation never waits on a deploy.
type Dynamic struct {
	mu    sync.RWMutex
	guard GuardConfig
	log   *zap.Logger
}

func NewDynamic(cfg Config, log *zap.Logger) *Dynamic {
	return &Dynamic{
		guard: cfg.Guard,
		log:   log.Named("config.dynamic"),
	}
}

func (d *Dynamic) Guard() GuardConfig {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.guard
}

func (d *Dynamic) reload() {
	cfg := Load()
	d.mu.Lock()
	changed := cfg.Guard != d.guard
	d.guard = cfg.Guard
	d.mu.Unlock()
	if changed {
		d.log.Info("guard thresholds reloaded",
			zap.Int64("warn_bp", cfg.Guard.WarnBasisPoints),
			zap.Int64("trip_bp", cfg.Guard.TripBasisPoints),
		)
	}
}

// Watch starts an fsnotify watcher on the .env file if one exists.
func (d *Dynamic) Watch(lc fx.Lifecycle) {
	path := ".env"
	if _, err := os.Stat(path); err != nil {
		return
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		d.log.Warn("config watcher unavailable", zap.Error(err))
		return
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		d.log.Warn("config watcher unavailable", zap.Error(err))
		_ = watcher.Close()
		return
	}

	done := make(chan struct{})
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				for {
					select {
					case event, ok := <-watcher.Events:
						if !ok {
							return
						}
						if event.Name != abs {
							continue
						}
						if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
							d.reload()
						}
					case err, ok := <-watcher.Errors:
						if !ok {
							return
						}
						d.log.Warn("config watch error", zap.Error(err))
					}
				}
			}()
			return nil
		},
		OnStop: func(context.Context) error {
			err := watcher.Close()
			<-done
			return err
		},
	})
}
