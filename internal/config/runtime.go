package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// runtimeDebounce coalesces editor save bursts (truncate, write, rename)
// into a single reload.
const runtimeDebounce = 250 * time.Millisecond

// Runtime holds settings that may change while the service is running.
type Runtime struct {
	Mode     Mode `yaml:"mode"`
	Interval int  `yaml:"interval"`
}

// LoadRuntime reads and validates a runtime settings file. Empty fields
// leave the environment values in place.
func LoadRuntime(path string) (Runtime, error) {
	var rt Runtime

	data, err := os.ReadFile(path)
	if err != nil {
		return rt, fmt.Errorf("reading runtime file: %w", err)
	}

	if err := yaml.Unmarshal(data, &rt); err != nil {
		return rt, fmt.Errorf("parsing runtime file: %w", err)
	}

	if rt.Mode != "" && !rt.Mode.Valid() {
		return rt, fmt.Errorf("runtime file: invalid mode %q", rt.Mode)
	}

	if rt.Interval < 0 {
		return rt, fmt.Errorf("runtime file: interval must not be negative")
	}

	return rt, nil
}

// ApplyRuntime overlays non-empty runtime values onto the config.
func (c *Config) ApplyRuntime(rt Runtime) {
	if rt.Mode != "" {
		c.Mode = rt.Mode
	}

	if rt.Interval > 0 {
		c.SyncIntervalSeconds = rt.Interval
	}
}

// WatchRuntime watches the runtime file and calls onChange with each
// successfully parsed revision until ctx is cancelled. The parent
// directory is watched so atomic-rename saves are seen.
func WatchRuntime(ctx context.Context, path string, logger *slog.Logger, onChange func(Runtime)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating runtime watcher: %w", err)
	}
	defer w.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolving runtime file path: %w", err)
	}

	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watching runtime file directory: %w", err)
	}

	var (
		timer  *time.Timer
		timerC <-chan time.Time
	)

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}

			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}

			if filepath.Clean(ev.Name) != abs {
				continue
			}

			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}

			if timer == nil {
				timer = time.NewTimer(runtimeDebounce)
			} else {
				timer.Reset(runtimeDebounce)
			}

			timerC = timer.C

		case <-timerC:
			timerC = nil

			rt, err := LoadRuntime(abs)
			if err != nil {
				logger.Warn("ignoring runtime file change", slog.String("error", err.Error()))
				continue
			}

			logger.Info("runtime settings changed",
				slog.String("mode", string(rt.Mode)),
				slog.Int("interval", rt.Interval),
			)
			onChange(rt)

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}

			logger.Warn("runtime watcher error", slog.String("error", err.Error()))
		}
	}
}
