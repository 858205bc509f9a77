package config

import (
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Watcher holds the current configuration and swaps it when the config file changes.
// Readers always see a complete, validated Config.
type Watcher struct {
	v       *viper.Viper
	logger  *slog.Logger
	current atomic.Pointer[Config]

	mu        sync.Mutex
	listeners []func(*Config)
}

// NewWatcher loads the configuration and returns a Watcher over it.
// A nil logger logs through slog.Default at the time of each event.
// Call Watch to start following file changes.
func NewWatcher(configPath string, logger *slog.Logger) (*Watcher, error) {
	v, err := newViper(configPath)
	if err != nil {
		return nil, err
	}
	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	w := &Watcher{v: v, logger: logger}
	w.current.Store(cfg)
	return w, nil
}

func (w *Watcher) log() *slog.Logger {
	if w.logger != nil {
		return w.logger
	}
	return slog.Default()
}

// Current returns the latest valid configuration.
func (w *Watcher) Current() *Config {
	return w.current.Load()
}

// ConfigFile returns the path of the config file in use, or "" when running on defaults.
func (w *Watcher) ConfigFile() string {
	return w.v.ConfigFileUsed()
}

// OnChange registers fn to be called with each newly applied configuration.
func (w *Watcher) OnChange(fn func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.listeners = append(w.listeners, fn)
}

// Watch follows the config file for changes. It is a no-op without a config file.
func (w *Watcher) Watch() {
	if w.ConfigFile() == "" {
		w.log().Debug("no config file in use, hot reload disabled")
		return
	}
	w.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		w.log().Info("config file changed", slog.String("file", e.Name))
		_ = w.Reload()
	})
	w.v.WatchConfig()
}

// Reload re-reads the config file and applies it if it validates.
// An invalid file leaves the current configuration in place.
func (w *Watcher) Reload() error {
	if err := w.v.ReadInConfig(); err != nil {
		w.log().Error("reloading config", slog.String("error", err.Error()))
		return err
	}
	cfg, err := decode(w.v)
	if err != nil {
		w.log().Error("rejected config change", slog.String("error", err.Error()))
		return err
	}
	w.current.Store(cfg)

	w.mu.Lock()
	listeners := slices.Clone(w.listeners)
	w.mu.Unlock()

	for _, fn := range listeners {
		fn(cfg)
	}
	w.log().Info("config reloaded")
	return nil
}
