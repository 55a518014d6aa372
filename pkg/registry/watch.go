package registry

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Load replaces the registered profiles with the contents of path. Profiles
// missing from the file are removed; changed ones drop their sessions. On a
// read or validation error the current set is kept.
func (r *Registry) Load(path string) error {
	profiles, err := LoadProfiles(path)
	if err != nil {
		return err
	}

	keep := make(map[string]bool, len(profiles))
	var errs []error
	for _, p := range profiles {
		keep[p.Name] = true
		if err := r.Register(p); err != nil {
			errs = append(errs, err)
		}
	}
	for _, name := range r.Names() {
		if keep[name] {
			continue
		}
		p, _ := r.Profile(name)
		timeout := time.Second
		if p != nil {
			timeout = p.Config.DisconnectTimeout
		}
		if err := r.Remove(name, timeout); err != nil && !errors.Is(err, ErrUnknownProfile) {
			errs = append(errs, err)
		}
	}

	r.logger.Info().
		Str("path", path).
		Int("profiles", len(profiles)).
		Msg("Profiles loaded")

	return errors.Join(errs...)
}

// Watch reloads path whenever it changes until ctx is done. The containing
// directory is watched so that editors replacing the file are noticed.
func (r *Registry) Watch(ctx context.Context, path string) error {
	path = filepath.Clean(path)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", path, err)
	}

	go r.processEvents(ctx, watcher, path)

	r.logger.Info().Str("path", path).Msg("Started watching profiles")
	return nil
}

// processEvents debounces file events into reloads.
func (r *Registry) processEvents(ctx context.Context, watcher *fsnotify.Watcher, path string) {
	defer watcher.Close()

	var reloadTimer *time.Timer
	defer func() {
		if reloadTimer != nil {
			reloadTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}

			r.logger.Debug().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("Profile file changed")

			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			reloadTimer = time.AfterFunc(r.reloadDelay, func() {
				if ctx.Err() != nil {
					return
				}
				if err := r.Load(path); err != nil {
					r.logger.Error().Err(err).Str("path", path).Msg("Failed to reload profiles")
				}
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			r.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}
