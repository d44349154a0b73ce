package route

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// reloadDebounce is how long the reloader waits after the last change.
const reloadDebounce = 500 * time.Millisecond

// Reloader watches the configuration file and calls a reload function once
// writes settle. The parent directory is watched so editors that replace the
// file by rename are noticed too.
type Reloader struct {
	watcher  *fsnotify.Watcher
	path     string
	reload   func() error
	debounce time.Duration
	log      zerolog.Logger
}

// NewReloader creates a watcher for path.
func NewReloader(path string, reload func() error, log zerolog.Logger) (*Reloader, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watch %q: %w", filepath.Dir(abs), err)
	}
	return &Reloader{
		watcher:  watcher,
		path:     abs,
		reload:   reload,
		debounce: reloadDebounce,
		log:      log.With().Str("component", "reloader").Logger(),
	}, nil
}

// Run blocks until ctx is cancelled.
func (r *Reloader) Run(ctx context.Context) error {
	defer r.watcher.Close()

	var (
		timer *time.Timer
		fire  <-chan time.Time
	)
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case event, ok := <-r.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != r.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(r.debounce)
			} else {
				timer.Reset(r.debounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			if err := r.reload(); err != nil {
				r.log.Error().Err(err).Str("path", r.path).Msg("configuration reload failed, keeping current routes")
			} else {
				r.log.Info().Str("path", r.path).Msg("configuration reloaded")
			}

		case err, ok := <-r.watcher.Errors:
			if !ok {
				return nil
			}
			r.log.Warn().Err(err).Msg("file watcher error")
		}
	}
}
