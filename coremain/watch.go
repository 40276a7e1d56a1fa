package coremain

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const configReloadDelay = 2 * time.Second

// watchConfig reloads cfgFile when it changes and moves the worker to a
// new cache generation if worker.version was changed. Other fields need
// a restart.
func (m *Swcache) watchConfig(cfgFile string) {
	logger := m.logger
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Error("failed to create config watcher", zap.Error(err))
		return
	}
	// Watch the dir, editors replace the file.
	if err := watcher.Add(filepath.Dir(cfgFile)); err != nil {
		logger.Error("failed to watch config dir", zap.String("file", cfgFile), zap.Error(err))
		watcher.Close()
		return
	}
	abs, _ := filepath.Abs(cfgFile)

	m.sc.Attach(func(done func(), closeSignal <-chan struct{}) {
		defer done()
		defer watcher.Close()

		timer := time.NewTimer(0)
		if !timer.Stop() {
			<-timer.C
		}
		defer timer.Stop()

		for {
			select {
			case e, ok := <-watcher.Events:
				if !ok {
					return
				}
				if name, _ := filepath.Abs(e.Name); name != abs || e.Has(fsnotify.Chmod) {
					continue
				}
				timer.Reset(configReloadDelay)

			case <-timer.C:
				m.reloadVersion(cfgFile, closeSignal)

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Error("config watcher error", zap.Error(err))

			case <-closeSignal:
				return
			}
		}
	})
}

func (m *Swcache) reloadVersion(cfgFile string, closeSignal <-chan struct{}) {
	cfg, _, err := loadConfig(cfgFile)
	if err != nil {
		m.logger.Error("failed to reload config", zap.String("file", cfgFile), zap.Error(err))
		return
	}
	v := cfg.Worker.Version
	if len(v) == 0 || v == m.worker.Version() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), installTimeout)
	defer cancel()
	go func() {
		select {
		case <-closeSignal:
			cancel()
		case <-ctx.Done():
		}
	}()
	if err := m.worker.SetVersion(ctx, v); err != nil {
		m.logger.Error("failed to update version", zap.String("version", v), zap.Error(err))
		return
	}
	m.logger.Info("version updated", zap.String("version", v))
}
