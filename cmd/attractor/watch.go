package main

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"pkt.systems/pslog"
)

const configReloadDebounce = 250 * time.Millisecond

type pollIntervalSetter interface {
	SetPollInterval(time.Duration)
}

type configWatcher struct {
	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	done    chan struct{}
	once    sync.Once
}

// watchConfigFile reloads path whenever it changes and applies the log level
// and poll interval it names. The parent directory is watched so editors
// that replace the file are seen too.
func watchConfigFile(ctx context.Context, path string, levels *levelSwitch, target pollIntervalSetter, logger pslog.Logger) (*configWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch config: %w", err)
	}
	if err := w.Add(filepath.Dir(path)); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("watch config %s: %w", path, err)
	}
	ctx, cancel := context.WithCancel(ctx)
	cw := &configWatcher{watcher: w, cancel: cancel, done: make(chan struct{})}
	go cw.run(ctx, filepath.Clean(path), levels, target, logger)
	logger.Info("config.watch.start", "path", path)
	return cw, nil
}

func (cw *configWatcher) run(ctx context.Context, path string, levels *levelSwitch, target pollIntervalSetter, logger pslog.Logger) {
	defer close(cw.done)
	var debounce <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			debounce = time.After(configReloadDebounce)
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			logger.Warn("config.watch.error", "error", err)
		case <-debounce:
			debounce = nil
			if err := applyConfigReload(path, levels, target); err != nil {
				logger.Warn("config.reload.failed", "path", path, "error", err)
				continue
			}
			logger.Info("config.reload.applied",
				"path", path,
				"log_level", viper.GetString("log-level"),
				"poll_interval", viper.GetDuration("poll-interval"),
			)
		}
	}
}

func applyConfigReload(path string, levels *levelSwitch, target pollIntervalSetter) error {
	viper.SetConfigFile(path)
	if err := viper.ReadInConfig(); err != nil {
		return err
	}
	if level := strings.TrimSpace(viper.GetString("log-level")); level != "" {
		parsed, ok := pslog.ParseLevel(level)
		if !ok {
			return fmt.Errorf("unknown log level %q", level)
		}
		levels.Set(parsed)
	}
	if d := viper.GetDuration("poll-interval"); d > 0 && target != nil {
		target.SetPollInterval(d)
	}
	return nil
}

// Close stops watching.
func (cw *configWatcher) Close() error {
	var err error
	cw.once.Do(func() {
		cw.cancel()
		err = cw.watcher.Close()
		<-cw.done
	})
	return err
}
