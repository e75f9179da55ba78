// Package template implements the first two staging phases a service
// goes through before it is allowed to transition to STARTING: copying
// named templates into its working directory, and fetching remote
// inclusions by URL. Named template storages are pluggable (local disk
// today) behind the Storage interface, mirroring how the pack's
// volume drivers abstract over where a volume's bytes actually live.
package template

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hearthnet/fleet/pkg/types"
)

// Storage is a named template backend: "local", "s3", whatever a
// deployment wires up. Copy stages a template's files into dest;
// Push writes files back (used by pkg/deploy on stop).
type Storage interface {
	// Copy materializes the template at path into destDir.
	Copy(ctx context.Context, path, destDir string) error
	// Push writes files (relative path -> content, selected by the
	// caller) into the template's path.
	Push(ctx context.Context, path string, files map[string][]byte) error
	// List enumerates the templates this storage currently holds.
	List(ctx context.Context) ([]string, error)
	// Create makes an empty template ready for Push.
	Create(ctx context.Context, path string) error
	// Delete removes a template and its contents.
	Delete(ctx context.Context, path string) error
}

// Registry resolves a ServiceTemplate's Prefix to the Storage that
// owns it.
type Registry struct {
	mu       sync.RWMutex
	storages map[string]Storage

	// locks serializes copy/push per template path, per §5's "template
	// storage is single-writer per template path" resource policy.
	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewRegistry returns an empty registry; call Register to wire
// storages before use.
func NewRegistry() *Registry {
	return &Registry{
		storages: make(map[string]Storage),
		locks:    make(map[string]*sync.Mutex),
	}
}

// Register binds prefix (e.g. "local") to a Storage implementation.
func (r *Registry) Register(prefix string, s Storage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.storages[prefix] = s
}

func (r *Registry) storage(prefix string) (Storage, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.storages[prefix]
	if !ok {
		return nil, fmt.Errorf("template: unknown storage prefix %q", prefix)
	}
	return s, nil
}

func (r *Registry) pathLock(key string) *sync.Mutex {
	r.locksMu.Lock()
	defer r.locksMu.Unlock()
	l, ok := r.locks[key]
	if !ok {
		l = &sync.Mutex{}
		r.locks[key] = l
	}
	return l
}

// MaterializeTemplates runs staging phase 1: copies every configured
// ServiceTemplate into destDir, one at a time, in submission order.
func (r *Registry) MaterializeTemplates(ctx context.Context, destDir string, templates []types.ServiceTemplate) error {
	for _, t := range templates {
		s, err := r.storage(t.Prefix)
		if err != nil {
			return fmt.Errorf("template: materialize %s/%s: %w", t.Prefix, t.Name, err)
		}
		lock := r.pathLock(t.Prefix + ":" + t.Path)
		lock.Lock()
		err = s.Copy(ctx, t.Path, destDir)
		lock.Unlock()
		if err != nil {
			return fmt.Errorf("template: copy %s/%s: %w", t.Prefix, t.Name, err)
		}
	}
	return nil
}

// PushFiles runs the deployment push-back half of staging: writes
// files (relative path -> content) to the named storage at path,
// holding the same per-path lock MaterializeTemplates uses.
func (r *Registry) PushFiles(ctx context.Context, prefix, path string, files map[string][]byte) error {
	s, err := r.storage(prefix)
	if err != nil {
		return err
	}
	lock := r.pathLock(prefix + ":" + path)
	lock.Lock()
	defer lock.Unlock()
	return s.Push(ctx, path, files)
}

// List enumerates the templates held by the named storage.
func (r *Registry) List(ctx context.Context, prefix string) ([]string, error) {
	s, err := r.storage(prefix)
	if err != nil {
		return nil, err
	}
	return s.List(ctx)
}

// Create makes an empty template at path in the named storage.
func (r *Registry) Create(ctx context.Context, prefix, path string) error {
	s, err := r.storage(prefix)
	if err != nil {
		return err
	}
	lock := r.pathLock(prefix + ":" + path)
	lock.Lock()
	defer lock.Unlock()
	return s.Create(ctx, path)
}

// Delete removes a template at path from the named storage.
func (r *Registry) Delete(ctx context.Context, prefix, path string) error {
	s, err := r.storage(prefix)
	if err != nil {
		return err
	}
	lock := r.pathLock(prefix + ":" + path)
	lock.Lock()
	defer lock.Unlock()
	return s.Delete(ctx, path)
}

// CopyTemplate copies a template from one path to another within the
// same named storage — the `template copy` CLI verb.
func (r *Registry) CopyTemplate(ctx context.Context, prefix, from, to string) error {
	s, err := r.storage(prefix)
	if err != nil {
		return err
	}
	lock := r.pathLock(prefix + ":" + from)
	lock.Lock()
	defer lock.Unlock()

	tmp, err := os.MkdirTemp("", "fleet-template-copy-*")
	if err != nil {
		return fmt.Errorf("template: stage copy: %w", err)
	}
	defer os.RemoveAll(tmp)

	if err := s.Copy(ctx, from, tmp); err != nil {
		return err
	}
	files, err := collectFiles(tmp)
	if err != nil {
		return err
	}
	return s.Push(ctx, to, files)
}

func collectFiles(root string) (map[string][]byte, error) {
	files := make(map[string][]byte)
	err := filepath.WalkDir(root, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		files[rel] = data
		return nil
	})
	return files, err
}

// FetchInclusionHTTPTimeout bounds a single ServiceRemoteInclusion
// fetch.
const FetchInclusionHTTPTimeout = 2 * time.Minute

// FetchInclusions runs staging phase 2: downloads every
// ServiceRemoteInclusion's URL into destDir/Dest, in submission order.
func FetchInclusions(ctx context.Context, destDir string, inclusions []types.ServiceRemoteInclusion) error {
	client := &http.Client{Timeout: FetchInclusionHTTPTimeout}
	for _, inc := range inclusions {
		if err := fetchOne(ctx, client, destDir, inc); err != nil {
			return fmt.Errorf("template: fetch inclusion %s: %w", inc.URL, err)
		}
	}
	return nil
}

func fetchOne(ctx context.Context, client *http.Client, destDir string, inc types.ServiceRemoteInclusion) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, inc.URL, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("http get: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	dest := filepath.Join(destDir, inc.Dest)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("create dest dir: %w", err)
	}
	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("create dest file: %w", err)
	}
	defer out.Close()
	if _, err := io.Copy(out, resp.Body); err != nil {
		return fmt.Errorf("write dest file: %w", err)
	}
	return nil
}
