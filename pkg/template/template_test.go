package template

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/hearthnet/fleet/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalStorageCopyRoundTrip(t *testing.T) {
	storageDir := t.TempDir()
	local, err := NewLocalStorage(storageDir)
	require.NoError(t, err)

	require.NoError(t, os.MkdirAll(filepath.Join(storageDir, "lobby", "plugins"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(storageDir, "lobby", "server.properties"), []byte("motd=hi"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(storageDir, "lobby", "plugins", "a.jar"), []byte("jar"), 0o644))

	dest := t.TempDir()
	require.NoError(t, local.Copy(context.Background(), "lobby", dest))

	data, err := os.ReadFile(filepath.Join(dest, "server.properties"))
	require.NoError(t, err)
	assert.Equal(t, "motd=hi", string(data))

	data, err = os.ReadFile(filepath.Join(dest, "plugins", "a.jar"))
	require.NoError(t, err)
	assert.Equal(t, "jar", string(data))
}

func TestLocalStoragePushWritesFiles(t *testing.T) {
	storageDir := t.TempDir()
	local, err := NewLocalStorage(storageDir)
	require.NoError(t, err)

	files := map[string][]byte{"world/level.dat": []byte("world-data")}
	require.NoError(t, local.Push(context.Background(), "lobby-backup", files))

	data, err := os.ReadFile(filepath.Join(storageDir, "lobby-backup", "world", "level.dat"))
	require.NoError(t, err)
	assert.Equal(t, "world-data", string(data))
}

func TestLocalStorageRejectsPathEscape(t *testing.T) {
	local, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	err = local.Copy(context.Background(), "../../etc", t.TempDir())
	assert.Error(t, err)
}

func TestMaterializeTemplatesUnknownPrefix(t *testing.T) {
	r := NewRegistry()
	err := r.MaterializeTemplates(context.Background(), t.TempDir(), []types.ServiceTemplate{{Prefix: "s3", Name: "x", Path: "x"}})
	assert.Error(t, err)
}

func TestMaterializeTemplatesCopiesFileTemplates(t *testing.T) {
	storageDir := t.TempDir()
	local, err := NewLocalStorage(storageDir)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(storageDir, "a.txt"), []byte("A"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(storageDir, "b.txt"), []byte("B"), 0o644))

	r := NewRegistry()
	r.Register("local", local)

	dest := t.TempDir()
	templates := []types.ServiceTemplate{
		{Prefix: "local", Name: "a", Path: "a.txt"},
		{Prefix: "local", Name: "b", Path: "b.txt"},
	}
	require.NoError(t, r.MaterializeTemplates(context.Background(), dest, templates))

	a, err := os.ReadFile(filepath.Join(dest, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "A", string(a))
}

func TestFetchInclusionsWritesToDestPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("plugin-bytes"))
	}))
	defer srv.Close()

	dest := t.TempDir()
	inclusions := []types.ServiceRemoteInclusion{{URL: srv.URL, Dest: "plugins/downloaded.jar"}}
	require.NoError(t, FetchInclusions(context.Background(), dest, inclusions))

	data, err := os.ReadFile(filepath.Join(dest, "plugins", "downloaded.jar"))
	require.NoError(t, err)
	assert.Equal(t, "plugin-bytes", string(data))
}

func TestFetchInclusionsNonOKStatusErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	err := FetchInclusions(context.Background(), t.TempDir(), []types.ServiceRemoteInclusion{{URL: srv.URL, Dest: "x"}})
	assert.Error(t, err)
}

func TestLocalStorageListOnlyReportsDirectories(t *testing.T) {
	storageDir := t.TempDir()
	local, err := NewLocalStorage(storageDir)
	require.NoError(t, err)

	require.NoError(t, os.MkdirAll(filepath.Join(storageDir, "lobby"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(storageDir, "survival"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(storageDir, "stray-file"), []byte("x"), 0o644))

	names, err := local.List(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"lobby", "survival"}, names)
}

func TestLocalStorageCreateThenDelete(t *testing.T) {
	storageDir := t.TempDir()
	local, err := NewLocalStorage(storageDir)
	require.NoError(t, err)

	require.NoError(t, local.Create(context.Background(), "freshly-made"))
	info, err := os.Stat(filepath.Join(storageDir, "freshly-made"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	require.NoError(t, local.Delete(context.Background(), "freshly-made"))
	_, err = os.Stat(filepath.Join(storageDir, "freshly-made"))
	assert.True(t, os.IsNotExist(err))
}

func newTestRegistry(t *testing.T) (*Registry, string) {
	t.Helper()
	dir := t.TempDir()
	local, err := NewLocalStorage(dir)
	require.NoError(t, err)
	r := NewRegistry()
	r.Register("local", local)
	return r, dir
}

func TestRegistryListCreateDeleteRoundTrip(t *testing.T) {
	r, dir := newTestRegistry(t)

	require.NoError(t, r.Create(context.Background(), "local", "lobby"))
	names, err := r.List(context.Background(), "local")
	require.NoError(t, err)
	assert.Equal(t, []string{"lobby"}, names)

	require.NoError(t, r.Delete(context.Background(), "local", "lobby"))
	_, err = os.Stat(filepath.Join(dir, "lobby"))
	assert.True(t, os.IsNotExist(err))
}

func TestRegistryListUnknownPrefixErrors(t *testing.T) {
	r := NewRegistry()
	_, err := r.List(context.Background(), "missing")
	assert.Error(t, err)
}

func TestRegistryCopyTemplateDuplicatesFiles(t *testing.T) {
	r, dir := newTestRegistry(t)

	require.NoError(t, os.MkdirAll(filepath.Join(dir, "lobby", "plugins"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "lobby", "server.properties"), []byte("motd=hi"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "lobby", "plugins", "a.jar"), []byte("jar"), 0o644))

	require.NoError(t, r.CopyTemplate(context.Background(), "local", "lobby", "lobby-2"))

	data, err := os.ReadFile(filepath.Join(dir, "lobby-2", "server.properties"))
	require.NoError(t, err)
	assert.Equal(t, "motd=hi", string(data))

	data, err = os.ReadFile(filepath.Join(dir, "lobby-2", "plugins", "a.jar"))
	require.NoError(t, err)
	assert.Equal(t, "jar", string(data))

	// the original must survive the copy untouched
	data, err = os.ReadFile(filepath.Join(dir, "lobby", "server.properties"))
	require.NoError(t, err)
	assert.Equal(t, "motd=hi", string(data))
}
