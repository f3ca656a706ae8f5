package vaultcfg

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watcher monitors the config file via fsnotify and reports reloaded
// configs. Only the retention-policy fields are meant to change at runtime;
// the structural fields (roots, filenames) keep their startup values, which
// the consumer enforces by picking the fields it applies.
type Watcher struct {
	path     string
	base     Config
	onChange func(Config)
	log      zerolog.Logger

	mu       sync.Mutex
	debounce *time.Timer
}

// NewWatcher creates a watcher over the config file at path. base is the
// fully merged startup config; reloads re-apply the file on top of it.
// onChange runs after each successful reload with the new config.
func NewWatcher(path string, base Config, onChange func(Config), logger zerolog.Logger) *Watcher {
	return &Watcher{
		path:     path,
		base:     base,
		onChange: onChange,
		log:      logger.With().Str("component", "cfgwatch").Logger(),
	}
}

// Run blocks watching the config file's directory until the context is
// canceled. Watching the directory rather than the file survives editors
// that replace the file on save.
func (w *Watcher) Run(ctx context.Context) {
	if w.path == "" {
		return
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.log.Error().Err(err).Msg("config watcher: create failed")
		return
	}
	defer watcher.Close()

	dir := filepath.Dir(w.path)
	if err := watcher.Add(dir); err != nil {
		w.log.Error().Str("dir", dir).Err(err).Msg("config watcher: watch failed")
		return
	}

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.debounceReload(100 * time.Millisecond)

		case werr, ok := <-watcher.Errors:
			if !ok {
				return
			}
			w.log.Error().Err(werr).Msg("config watcher: error")
		}
	}
}

func (w *Watcher) debounceReload(delay time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.debounce != nil {
		w.debounce.Stop()
	}
	w.debounce = time.AfterFunc(delay, w.reload)
}

func (w *Watcher) reload() {
	fc, err := LoadFileConfig(w.path)
	if err != nil {
		w.log.Error().Str("path", w.path).Err(err).Msg("config reload: parse failed, keeping previous config")
		return
	}
	cfg := w.base
	if err := ApplyFileConfig(&cfg, fc, nil); err != nil {
		w.log.Error().Err(err).Msg("config reload: apply failed, keeping previous config")
		return
	}
	if err := cfg.Validate(); err != nil {
		w.log.Error().Err(err).Msg("config reload: invalid, keeping previous config")
		return
	}
	w.log.Info().Str("path", w.path).Msg("config reloaded")
	if w.onChange != nil {
		w.onChange(cfg)
	}
}
