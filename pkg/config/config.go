// Package config implements the two configuration layers §1/§6
// describe: a YAML bootstrap descriptor read once at process start,
// and the mutable, atomically-persisted JSON ClusterConfig watched
// for "config reload".
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/hearthnet/fleet/pkg/log"
	"github.com/hearthnet/fleet/pkg/types"
	"gopkg.in/yaml.v3"
)

// Bootstrap is the process-start-only descriptor: where to listen,
// where persisted state lives, and which runner/storage plug-ins to
// load. Unlike ClusterConfig, this is never rewritten by the running
// process.
type Bootstrap struct {
	ListenAddress      string `yaml:"listenAddress"`
	AgentListenAddress string `yaml:"agentListenAddress,omitempty"`
	AdminListenAddress string `yaml:"adminListenAddress,omitempty"`
	MetricsAddress     string `yaml:"metricsAddress,omitempty"`
	DataDir            string `yaml:"dataDir"`
	AutoServiceFile    string `yaml:"autoServiceFile,omitempty"`
	LogLevel           string `yaml:"logLevel"`
	LogJSON            bool   `yaml:"logJson"`
}

// LoadBootstrap reads and parses the YAML bootstrap descriptor.
func LoadBootstrap(path string) (Bootstrap, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Bootstrap{}, fmt.Errorf("config: read bootstrap %s: %w", path, err)
	}
	var b Bootstrap
	if err := yaml.Unmarshal(data, &b); err != nil {
		return Bootstrap{}, fmt.Errorf("config: %w: parse bootstrap %s: %v", types.ErrConfigInvalid, path, err)
	}
	if b.ListenAddress == "" || b.DataDir == "" {
		return Bootstrap{}, fmt.Errorf("config: %w: listenAddress and dataDir are required", types.ErrConfigInvalid)
	}
	return b, nil
}

// Store owns the on-disk ClusterConfig: atomic write-then-rename on
// save, and an fsnotify watch that invokes a reload callback when the
// file changes out from under the process (operator edit, "config
// reload" from another instance sharing the data dir, etc).
type Store struct {
	path string

	mu     sync.RWMutex
	config types.ClusterConfig

	watcher *fsnotify.Watcher
}

// Open loads path if it exists, or returns an empty Store ready for
// Save if it doesn't — the first node in a fresh cluster writes its
// own config into existence.
func Open(path string) (*Store, error) {
	s := &Store{path: path}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg types.ClusterConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: %w: parse %s: %v", types.ErrConfigInvalid, path, err)
	}
	s.config = cfg
	return s, nil
}

// Get returns a copy of the current in-memory config.
func (s *Store) Get() types.ClusterConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.config
}

// Save atomically persists cfg: write to a temp file in the same
// directory, then rename over the target (§6 "atomic write-then-rename
// is required").
func (s *Store) Save(cfg types.ClusterConfig) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".clusterconfig-*.tmp")
	if err != nil {
		return fmt.Errorf("config: create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("config: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("config: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("config: rename into place: %w", err)
	}

	s.mu.Lock()
	s.config = cfg
	s.mu.Unlock()
	return nil
}

// WatchReload starts an fsnotify watch on the config file's directory
// and invokes onReload whenever the file is written or renamed into
// place (covers both this process's own Save and an external editor
// doing the same). Call Close to stop watching.
func (s *Store) WatchReload(onReload func(types.ClusterConfig)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: create watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(s.path)); err != nil {
		w.Close()
		return fmt.Errorf("config: watch %s: %w", filepath.Dir(s.path), err)
	}
	s.watcher = w

	logger := log.WithComponent("config")
	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(s.path) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				reloaded, err := Open(s.path)
				if err != nil {
					logger.Error().Err(err).Msg("config reload failed")
					continue
				}
				s.mu.Lock()
				s.config = reloaded.config
				s.mu.Unlock()
				logger.Info().Msg("config reloaded")
				onReload(s.Get())
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				logger.Warn().Err(err).Msg("config watcher error")
			}
		}
	}()
	return nil
}

// Close stops the reload watch, if one was started.
func (s *Store) Close() error {
	if s.watcher == nil {
		return nil
	}
	return s.watcher.Close()
}
