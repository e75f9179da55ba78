package template

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// DefaultTemplatesPath is the base directory the "local" storage reads
// from and writes back to.
const DefaultTemplatesPath = "/var/lib/fleet/templates"

// LocalStorage implements Storage against a directory on the local
// node's disk — the only storage kind every install needs, regardless
// of what else gets wired in later.
type LocalStorage struct {
	basePath string
}

// NewLocalStorage ensures basePath (DefaultTemplatesPath if empty)
// exists and returns a Storage rooted there.
func NewLocalStorage(basePath string) (*LocalStorage, error) {
	if basePath == "" {
		basePath = DefaultTemplatesPath
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("template: create templates dir: %w", err)
	}
	return &LocalStorage{basePath: basePath}, nil
}

func (s *LocalStorage) resolve(path string) (string, error) {
	full := filepath.Join(s.basePath, path)
	rel, err := filepath.Rel(s.basePath, full)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("template: path %q escapes storage root", path)
	}
	return full, nil
}

// Copy recursively copies every file under basePath/path into destDir.
func (s *LocalStorage) Copy(ctx context.Context, path, destDir string) error {
	src, err := s.resolve(path)
	if err != nil {
		return err
	}
	info, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("template: stat source %s: %w", src, err)
	}
	// A single-file template lands in destDir under its own name.
	if !info.IsDir() {
		return copyFile(src, filepath.Join(destDir, filepath.Base(src)))
	}

	return filepath.WalkDir(src, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(destDir, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		return copyFile(p, target)
	})
}

// Push writes files (relative path -> content) into basePath/path,
// creating it if it doesn't exist yet.
func (s *LocalStorage) Push(ctx context.Context, path string, files map[string][]byte) error {
	dest, err := s.resolve(path)
	if err != nil {
		return err
	}
	for rel, content := range files {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		target := filepath.Join(dest, rel)
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("template: create dir for %s: %w", rel, err)
		}
		if err := os.WriteFile(target, content, 0o644); err != nil {
			return fmt.Errorf("template: write %s: %w", rel, err)
		}
	}
	return nil
}

// List enumerates the top-level template names under basePath.
func (s *LocalStorage) List(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, fmt.Errorf("template: list %s: %w", s.basePath, err)
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			out = append(out, e.Name())
		}
	}
	return out, nil
}

// Create makes an empty template directory at path, ready for Push or
// manual population.
func (s *LocalStorage) Create(ctx context.Context, path string) error {
	dest, err := s.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return fmt.Errorf("template: create %s: %w", dest, err)
	}
	return nil
}

// Delete removes a template and everything under it.
func (s *LocalStorage) Delete(ctx context.Context, path string) error {
	dest, err := s.resolve(path)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dest); err != nil {
		return fmt.Errorf("template: delete %s: %w", dest, err)
	}
	return nil
}

func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}
