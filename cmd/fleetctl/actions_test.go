package main

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/hearthnet/fleet/pkg/adminapi"
	"github.com/hearthnet/fleet/pkg/config"
	"github.com/hearthnet/fleet/pkg/runner"
	"github.com/hearthnet/fleet/pkg/serviceman"
	"github.com/hearthnet/fleet/pkg/template"
	"github.com/hearthnet/fleet/pkg/transport"
	"github.com/hearthnet/fleet/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCluster struct{ self types.NodeIdentity }

func (c *fakeCluster) Self() types.NodeIdentity { return c.self }
func (c *fakeCluster) Ready() []types.NodeServer {
	return []types.NodeServer{{Identity: c.self, State: types.NodeReady}}
}
func (c *fakeCluster) IsHead() bool { return true }
func (c *fakeCluster) Head() string { return c.self.UniqueID }

type fakeBus struct{}

func (b *fakeBus) Subscribe(channel string, h func(types.ChannelMessage) []byte) {}
func (b *fakeBus) Publish(msg types.ChannelMessage) error                       { return nil }
func (b *fakeBus) Query(ctx context.Context, msg types.ChannelMessage, timeout time.Duration) ([]types.ChannelMessage, error) {
	return nil, nil
}

type fakeTaskLookup struct{ tasks map[string]types.ServiceTask }

func (l *fakeTaskLookup) LoadTask(name string) (types.ServiceTask, error) {
	t, ok := l.tasks[name]
	if !ok {
		return types.ServiceTask{}, fmt.Errorf("no such task: %s", name)
	}
	return t, nil
}

type fakeHandle struct{ id types.ServiceID }

func (h fakeHandle) ServiceID() types.ServiceID { return h.id }

type fakeRunner struct{}

func (r *fakeRunner) Start(ctx context.Context, spec runner.Spec) (runner.Handle, types.ProcessSnapshot, error) {
	return fakeHandle{id: spec.ServiceID}, types.ProcessSnapshot{PID: 1, StartedAt: time.Now()}, nil
}
func (r *fakeRunner) Stop(ctx context.Context, h runner.Handle) error        { return nil }
func (r *fakeRunner) Wait(ctx context.Context, h runner.Handle) (int, error) { return 0, nil }

// startTestNode stands up a real Manager/Registry/Store behind an
// adminapi.Server on a loopback listener and returns its address.
func startTestNode(t *testing.T, tasks map[string]types.ServiceTask) string {
	t.Helper()
	dir := t.TempDir()

	self := types.NodeIdentity{UniqueID: "n1"}
	registry := template.NewRegistry()
	local, err := template.NewLocalStorage(dir + "/storage")
	require.NoError(t, err)
	registry.Register("local", local)

	manager := serviceman.New(self, 10_000_000, "java", dir, &fakeCluster{self: self}, &fakeBus{}, &fakeRunner{}, registry, &fakeTaskLookup{tasks: tasks})

	cfgStore, err := config.Open(dir + "/cluster-config.json")
	require.NoError(t, err)

	server := adminapi.NewServer(manager, registry, cfgStore, nil)

	acc, err := transport.Listen("127.0.0.1:0")
	require.NoError(t, err)
	go acc.Serve(server.Attach)
	t.Cleanup(func() { acc.Close() })

	return acc.Addr().String()
}

func TestCreateByTaskActionThenServiceList(t *testing.T) {
	addr := startTestNode(t, map[string]types.ServiceTask{"lobby": {Name: "lobby"}})

	require.NoError(t, createByTask(addr, "lobby", 3, false, "", 0))

	snaps, err := fetchServices(addr)
	require.NoError(t, err)
	assert.Len(t, snaps, 3)
}

func TestMatchingServicesFiltersByGlob(t *testing.T) {
	addr := startTestNode(t, map[string]types.ServiceTask{
		"lobby":    {Name: "lobby"},
		"survival": {Name: "survival"},
	})
	require.NoError(t, createByTask(addr, "lobby", 2, false, "", 0))
	require.NoError(t, createByTask(addr, "survival", 1, false, "", 0))

	matches, err := matchingServices(addr, "lobby-*")
	require.NoError(t, err)
	assert.Len(t, matches, 2)
	for _, m := range matches {
		assert.Equal(t, "lobby", m.ServiceID.TaskName)
	}
}

func TestServiceActionStartStopByPattern(t *testing.T) {
	addr := startTestNode(t, map[string]types.ServiceTask{"lobby": {Name: "lobby"}})
	require.NoError(t, createByTask(addr, "lobby", 1, false, "", 0))

	require.NoError(t, serviceAction(addr, "lobby-*", "start"))

	snaps, err := fetchServices(addr)
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, types.LifeCycleRunning, snaps[0].LifeCycle)

	require.NoError(t, serviceAction(addr, "lobby-*", "stop"))
	snaps, err = fetchServices(addr)
	require.NoError(t, err)
	assert.Equal(t, types.LifeCycleStopped, snaps[0].LifeCycle)
}

func TestServiceActionNoMatchErrors(t *testing.T) {
	addr := startTestNode(t, map[string]types.ServiceTask{"lobby": {Name: "lobby"}})
	err := serviceAction(addr, "nonexistent-*", "start")
	assert.Error(t, err)
}
