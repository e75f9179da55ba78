package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hearthnet/fleet/pkg/types"
)

// EntityStore persists ServiceTask and GroupConfiguration as one JSON
// file per entity under a directory, atomically, mirroring Store's
// write-then-rename discipline.
type EntityStore struct {
	dir string
}

// NewEntityStore ensures dir exists and returns a store rooted there.
func NewEntityStore(dir string) (*EntityStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("config: create entity dir %s: %w", dir, err)
	}
	return &EntityStore{dir: dir}, nil
}

func (s *EntityStore) path(kind, name string) string {
	return filepath.Join(s.dir, kind, name+".json")
}

func (s *EntityStore) write(kind, name string, v any) error {
	path := s.path(kind, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("config: create %s dir: %w", kind, err)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshal %s %s: %w", kind, name, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("config: create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("config: write temp file: %w", err)
	}
	tmp.Close()
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("config: rename into place: %w", err)
	}
	return nil
}

func (s *EntityStore) read(kind, name string, v any) error {
	data, err := os.ReadFile(s.path(kind, name))
	if err != nil {
		return fmt.Errorf("config: read %s %s: %w", kind, name, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("config: %w: parse %s %s: %v", types.ErrConfigInvalid, kind, name, err)
	}
	return nil
}

func (s *EntityStore) list(kind string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.dir, kind))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: list %s: %w", kind, err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if filepath.Ext(name) == ".json" {
			names = append(names, name[:len(name)-len(".json")])
		}
	}
	return names, nil
}

// SaveTask persists a ServiceTask.
func (s *EntityStore) SaveTask(t types.ServiceTask) error { return s.write("tasks", t.Name, t) }

// LoadTask reads back a ServiceTask by name.
func (s *EntityStore) LoadTask(name string) (types.ServiceTask, error) {
	var t types.ServiceTask
	err := s.read("tasks", name, &t)
	return t, err
}

// ListTasks returns every persisted task name.
func (s *EntityStore) ListTasks() ([]string, error) { return s.list("tasks") }

// SaveGroup persists a GroupConfiguration.
func (s *EntityStore) SaveGroup(g types.GroupConfiguration) error {
	return s.write("groups", g.Name, g)
}

// LoadGroup reads back a GroupConfiguration by name.
func (s *EntityStore) LoadGroup(name string) (types.GroupConfiguration, error) {
	var g types.GroupConfiguration
	err := s.read("groups", name, &g)
	return g, err
}

// ListGroups returns every persisted group name.
func (s *EntityStore) ListGroups() ([]string, error) { return s.list("groups") }

// DeleteTask removes a task's persisted file.
func (s *EntityStore) DeleteTask(name string) error {
	if err := os.Remove(s.path("tasks", name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("config: delete task %s: %w", name, err)
	}
	return nil
}

// DeleteGroup removes a group's persisted file.
func (s *EntityStore) DeleteGroup(name string) error {
	if err := os.Remove(s.path("groups", name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("config: delete group %s: %w", name, err)
	}
	return nil
}
