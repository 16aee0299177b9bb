// Package confighub holds the forward settings that may change while the
// gateway runs.
//
// The startup config (config file / env vars) seeds the settings. After
// that the latest write wins: a runtime update (PUT /api/config/forward) and
// a reload of the watched settings file each merge over whatever is current,
// so editing the file overrides an earlier PUT and the next PUT overrides the
// file.
package confighub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/titanous/json5"

	"github.com/dayuer/beacon-gateway/internal/forward"
)

// ForwardConfig is the hot-reloadable part of the forward settings.
type ForwardConfig struct {
	TimeoutMs int  `json:"timeoutMs"`
	AwaitMode bool `json:"awaitMode"`
}

// Validate rejects settings the coordinator cannot use.
func (c ForwardConfig) Validate() error {
	if c.TimeoutMs <= 0 {
		return fmt.Errorf("timeoutMs must be positive, got %d", c.TimeoutMs)
	}
	return nil
}

// ConfigHub serves the current ForwardConfig and notifies listeners when it
// changes.
type ConfigHub struct {
	mu       sync.RWMutex
	current  *ForwardConfig
	onChange []func(*ForwardConfig)
}

// New creates a ConfigHub seeded with the startup settings.
func New(fallback ForwardConfig) *ConfigHub {
	return &ConfigHub{current: &fallback}
}

// Current returns the currently-active config (thread-safe).
func (h *ConfigHub) Current() *ForwardConfig {
	h.mu.RLock()
	defer h.mu.RUnlock()
	cfg := *h.current
	return &cfg
}

// ForwardSettings implements forward.SettingsSource.
func (h *ConfigHub) ForwardSettings() forward.Settings {
	cfg := h.Current()
	return forward.Settings{
		Timeout: time.Duration(cfg.TimeoutMs) * time.Millisecond,
		Await:   cfg.AwaitMode,
	}
}

// OnChange registers a callback invoked when config changes.
// Callbacks are called synchronously in the order registered;
// long-running work should be spawned in a goroutine.
func (h *ConfigHub) OnChange(fn func(*ForwardConfig)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onChange = append(h.onChange, fn)
}

// Apply validates and sets a new config, then fires all onChange callbacks.
func (h *ConfigHub) Apply(cfg *ForwardConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	h.mu.Lock()
	old := h.current
	next := *cfg
	h.current = &next
	callbacks := make([]func(*ForwardConfig), len(h.onChange))
	copy(callbacks, h.onChange)
	h.mu.Unlock()

	if *old != next {
		log.Printf("[ConfigHub] ✅ Forward settings: timeoutMs %d → %d, awaitMode %t → %t",
			old.TimeoutMs, next.TimeoutMs, old.AwaitMode, next.AwaitMode)
	}
	for _, fn := range callbacks {
		fn(&next)
	}
	return nil
}

// HandleConfigUpdate merges a partial JSON update into the current config.
// Expected format: {"timeoutMs": 2000, "awaitMode": true}, both optional.
func (h *ConfigHub) HandleConfigUpdate(data json.RawMessage) error {
	// Start from current config so unset fields are preserved.
	merged := *h.Current()
	if err := json.Unmarshal(data, &merged); err != nil {
		return fmt.Errorf("unmarshal config update: %w", err)
	}
	return h.Apply(&merged)
}

// LoadFile applies the settings stored in a JSON5 file. A missing file is not
// an error and leaves the current settings alone.
func (h *ConfigHub) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read settings: %w", err)
	}

	merged := *h.Current()
	if err := json5.Unmarshal(data, &merged); err != nil {
		return fmt.Errorf("parse settings %s: %w", path, err)
	}
	return h.Apply(&merged)
}

// Watch loads path and re-applies it on every change until ctx is done. The
// parent directory is watched so editors that replace the file are seen.
func (h *ConfigHub) Watch(ctx context.Context, path string) error {
	if err := h.LoadFile(path); err != nil {
		log.Printf("[ConfigHub] ⚠️ %v (keeping current settings)", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}
	log.Printf("[ConfigHub] 👀 Watching %s", path)

	go func() {
		defer watcher.Close()
		target := filepath.Clean(path)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
					continue
				}
				if err := h.LoadFile(path); err != nil {
					log.Printf("[ConfigHub] ⚠️ Reload failed: %v", err)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("[ConfigHub] ⚠️ Watcher error: %v", err)
			}
		}
	}()
	return nil
}
