// Package config loads the server's TOML configuration file and watches
// it for live SizeThreshold changes.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"

	"github.com/pimd/pimd/internal/obs"
)

// DefaultSizeThreshold is the payload size above which PLD parts migrate
// to external storage.
const DefaultSizeThreshold = 4096

// File is the on-disk TOML shape.
type File struct {
	General struct {
		SizeThreshold int64 `toml:"SizeThreshold"`
	} `toml:"General"`
	Listener struct {
		UnixSocket string `toml:"UnixSocket"`
		TCPAddress string `toml:"TCPAddress"`
	} `toml:"Listener"`
	Storage struct {
		Path string `toml:"Path"`
	} `toml:"Storage"`
	Scheduler struct {
		MinimumIntervalMinutes int `toml:"MinimumIntervalMinutes"`
		DefaultIntervalMinutes int `toml:"DefaultIntervalMinutes"`
	} `toml:"Scheduler"`
	Observability struct {
		OTLPEndpoint string `toml:"OTLPEndpoint"`
	} `toml:"Observability"`
}

// Config is the live configuration handle. SizeThreshold is the one
// tunable that reloads while the server runs; everything else is fixed at
// startup.
type Config struct {
	mu   sync.RWMutex
	file File
	path string

	watcher *fsnotify.Watcher
	done    chan struct{}
}

func defaults() File {
	var f File
	f.General.SizeThreshold = DefaultSizeThreshold
	f.Listener.UnixSocket = defaultSocketPath()
	f.Listener.TCPAddress = ""
	f.Storage.Path = "pimd.db"
	f.Scheduler.MinimumIntervalMinutes = 5
	f.Scheduler.DefaultIntervalMinutes = 5
	return f
}

func defaultSocketPath() string {
	dir := os.TempDir()
	if xdg := os.Getenv("XDG_RUNTIME_DIR"); xdg != "" {
		dir = xdg
	}
	return filepath.Join(dir, "pimd.sock")
}

// Load reads path (or returns pure defaults when path is empty or the
// file does not exist).
func Load(path string) (*Config, error) {
	c := &Config{file: defaults(), path: path}
	if path == "" {
		return c, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return c, nil
	}
	if _, err := toml.DecodeFile(path, &c.file); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	c.applyDefaults()
	return c, nil
}

func (c *Config) applyDefaults() {
	if c.file.General.SizeThreshold <= 0 {
		c.file.General.SizeThreshold = DefaultSizeThreshold
	}
	if c.file.Scheduler.MinimumIntervalMinutes <= 0 {
		c.file.Scheduler.MinimumIntervalMinutes = 5
	}
	if c.file.Scheduler.DefaultIntervalMinutes <= 0 {
		c.file.Scheduler.DefaultIntervalMinutes = c.file.Scheduler.MinimumIntervalMinutes
	}
	if c.file.Listener.UnixSocket == "" {
		c.file.Listener.UnixSocket = defaultSocketPath()
	}
	if c.file.Storage.Path == "" {
		c.file.Storage.Path = "pimd.db"
	}
}

// SizeThreshold returns the current external-payload threshold.
func (c *Config) SizeThreshold() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.file.General.SizeThreshold
}

// SetSizeThreshold overrides the threshold (tests set it to the maximum
// int64 to disable external storage).
func (c *Config) SetSizeThreshold(n int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.file.General.SizeThreshold = n
}

// UnixSocket returns the unix listener path.
func (c *Config) UnixSocket() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.file.Listener.UnixSocket
}

// TCPAddress returns the optional TCP listener address ("" = disabled).
func (c *Config) TCPAddress() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.file.Listener.TCPAddress
}

// StoragePath returns the database path.
func (c *Config) StoragePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.file.Storage.Path
}

// MinimumInterval returns the scheduler clamp.
func (c *Config) MinimumInterval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Duration(c.file.Scheduler.MinimumIntervalMinutes) * time.Minute
}

// DefaultInterval returns the scheduler default check interval.
func (c *Config) DefaultInterval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Duration(c.file.Scheduler.DefaultIntervalMinutes) * time.Minute
}

// OTLPEndpoint returns the optional OTLP metric endpoint.
func (c *Config) OTLPEndpoint() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.file.Observability.OTLPEndpoint
}

// Watch starts an fsnotify watcher on the config file that re-reads the
// General section when the file changes. Only SizeThreshold is applied
// live.
func (c *Config) Watch() error {
	if c.path == "" {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: watcher: %w", err)
	}
	// Watch the directory; editors replace the file rather than writing
	// in place, which drops a file-level watch.
	if err := w.Add(filepath.Dir(c.path)); err != nil {
		w.Close()
		return fmt.Errorf("config: watch %s: %w", c.path, err)
	}
	c.watcher = w
	c.done = make(chan struct{})
	go c.watchLoop()
	return nil
}

func (c *Config) watchLoop() {
	defer close(c.done)
	base := filepath.Base(c.path)
	for {
		select {
		case ev, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			c.reload()
		case err, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			obs.Errorf("config: watch error: %v\n", err)
		}
	}
}

func (c *Config) reload() {
	var f File
	if _, err := toml.DecodeFile(c.path, &f); err != nil {
		obs.Errorf("config: reload %s: %v\n", c.path, err)
		return
	}
	if f.General.SizeThreshold <= 0 {
		f.General.SizeThreshold = DefaultSizeThreshold
	}
	c.mu.Lock()
	old := c.file.General.SizeThreshold
	c.file.General.SizeThreshold = f.General.SizeThreshold
	c.mu.Unlock()
	if old != f.General.SizeThreshold {
		obs.Logf("config: SizeThreshold %d -> %d\n", old, f.General.SizeThreshold)
	}
}

// Close stops the watcher.
func (c *Config) Close() {
	if c.watcher != nil {
		c.watcher.Close()
		<-c.done
	}
}
