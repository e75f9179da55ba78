package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/hearthnet/fleet/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cluster.json")
	s, err := Open(path)
	require.NoError(t, err)

	cfg := types.ClusterConfig{
		ClusterID: "c1",
		LocalNode: types.NodeIdentity{UniqueID: "n1", ListenAddresses: []string{"127.0.0.1:7777"}},
	}
	require.NoError(t, s.Save(cfg))

	reopened, err := Open(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, reopened.Get())
}

func TestOpenMissingFileReturnsEmptyStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.json")
	s, err := Open(path)
	require.NoError(t, err)
	assert.Equal(t, types.ClusterConfig{}, s.Get())
}

func TestWatchReloadFiresOnExternalSave(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cluster.json")
	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	reloaded := make(chan types.ClusterConfig, 1)
	require.NoError(t, s.WatchReload(func(cfg types.ClusterConfig) { reloaded <- cfg }))

	cfg := types.ClusterConfig{ClusterID: "c2"}
	require.NoError(t, s.Save(cfg))

	select {
	case got := <-reloaded:
		assert.Equal(t, "c2", got.ClusterID)
	case <-time.After(2 * time.Second):
		t.Fatal("reload callback never fired")
	}
}

func TestEntityStoreTaskRoundTrip(t *testing.T) {
	es, err := NewEntityStore(t.TempDir())
	require.NoError(t, err)

	task := types.ServiceTask{Name: "lobby", MinServices: 2}
	require.NoError(t, es.SaveTask(task))

	got, err := es.LoadTask("lobby")
	require.NoError(t, err)
	assert.Equal(t, task, got)

	names, err := es.ListTasks()
	require.NoError(t, err)
	assert.Equal(t, []string{"lobby"}, names)

	require.NoError(t, es.DeleteTask("lobby"))
	_, err = es.LoadTask("lobby")
	assert.Error(t, err)
}
