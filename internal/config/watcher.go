package config

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// Watcher monitors the data directory for .env and license.json changes
// and invokes the registered callbacks. SIGHUP handling reuses the same
// reload paths via Reload.
type Watcher struct {
	config             *Config
	envPath            string
	licensePath        string
	watcher            *fsnotify.Watcher
	stopChan           chan struct{}
	envModTime         time.Time
	licenseModTime     time.Time
	mu                 sync.RWMutex
	onConfigReload     func()
	onLicenseReload    func()
}

// NewWatcher creates a watcher for the config's data directory
func NewWatcher(cfg *Config) (*Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		config:      cfg,
		envPath:     filepath.Join(cfg.DataPath, ".env"),
		licensePath: cfg.LicenseFilePath,
		watcher:     watcher,
		stopChan:    make(chan struct{}),
	}

	if stat, err := os.Stat(w.envPath); err == nil {
		w.envModTime = stat.ModTime()
	}
	if stat, err := os.Stat(w.licensePath); err == nil {
		w.licenseModTime = stat.ModTime()
	}

	return w, nil
}

// SetConfigReloadCallback registers the function run after a .env change
func (w *Watcher) SetConfigReloadCallback(callback func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onConfigReload = callback
}

// SetLicenseReloadCallback registers the function run after license.json changes
func (w *Watcher) SetLicenseReloadCallback(callback func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onLicenseReload = callback
}

// Start begins watching. Falls back to mtime polling when the directory
// cannot be watched (some container filesystems).
func (w *Watcher) Start() error {
	if err := w.watcher.Add(w.config.DataPath); err != nil {
		log.Warn().Err(err).Str("path", w.config.DataPath).
			Msg("Failed to watch data directory, falling back to polling")
		go w.pollForChanges()
		return nil
	}

	go w.watchForChanges()
	log.Info().
		Str("env", w.envPath).
		Str("license", w.licensePath).
		Msg("Watching configuration files for changes")
	return nil
}

// Stop stops the watcher
func (w *Watcher) Stop() {
	select {
	case <-w.stopChan:
		return
	default:
		close(w.stopChan)
	}
	w.watcher.Close()
}

// Reload triggers both reload paths, used by the SIGHUP handler
func (w *Watcher) Reload() {
	w.reloadConfig()
	w.reloadLicense()
}

func (w *Watcher) watchForChanges() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			switch filepath.Base(event.Name) {
			case ".env":
				// Debounce, editors write in several steps
				time.Sleep(100 * time.Millisecond)
				log.Info().Str("event", event.Op.String()).Msg("Detected .env change")
				w.reloadConfig()
			case "license.json":
				time.Sleep(100 * time.Millisecond)
				log.Info().Str("event", event.Op.String()).Msg("Detected license.json change")
				w.reloadLicense()
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("Config watcher error")

		case <-w.stopChan:
			return
		}
	}
}

func (w *Watcher) pollForChanges() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if stat, err := os.Stat(w.envPath); err == nil && stat.ModTime().After(w.envModTime) {
				w.envModTime = stat.ModTime()
				log.Info().Msg("Detected .env change via polling")
				w.reloadConfig()
			}
			if stat, err := os.Stat(w.licensePath); err == nil && stat.ModTime().After(w.licenseModTime) {
				w.licenseModTime = stat.ModTime()
				log.Info().Msg("Detected license.json change via polling")
				w.reloadLicense()
			}

		case <-w.stopChan:
			return
		}
	}
}

func (w *Watcher) reloadConfig() {
	w.mu.RLock()
	callback := w.onConfigReload
	w.mu.RUnlock()

	if callback != nil {
		callback()
	}
}

func (w *Watcher) reloadLicense() {
	w.mu.RLock()
	callback := w.onLicenseReload
	w.mu.RUnlock()

	if callback != nil {
		callback()
	}
}
