package serviceman

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/hearthnet/fleet/pkg/runner"
	"github.com/hearthnet/fleet/pkg/template"
	"github.com/hearthnet/fleet/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeCluster is a minimal ClusterView with a fixed roster, used to
// drive placement and id-allocation routing in isolation.
type fakeCluster struct {
	self  types.NodeIdentity
	ready []types.NodeServer
	head  string
}

func (c *fakeCluster) Self() types.NodeIdentity   { return c.self }
func (c *fakeCluster) Ready() []types.NodeServer  { return c.ready }
func (c *fakeCluster) IsHead() bool               { return c.head == c.self.UniqueID }
func (c *fakeCluster) Head() string               { return c.head }

// fakeBus is an in-process Bus that only ever resolves to local
// subscribers — enough to exercise allocateID/placement/forwarding
// against a single Manager without standing up real transport.
type fakeBus struct {
	mu   sync.Mutex
	subs map[string][]func(types.ChannelMessage) []byte
}

func newFakeBus() *fakeBus { return &fakeBus{subs: make(map[string][]func(types.ChannelMessage) []byte)} }

func (b *fakeBus) Subscribe(channel string, h func(types.ChannelMessage) []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[channel] = append(b.subs[channel], h)
}

func (b *fakeBus) Publish(msg types.ChannelMessage) error {
	b.mu.Lock()
	hs := append([]func(types.ChannelMessage) []byte(nil), b.subs[msg.Channel]...)
	b.mu.Unlock()
	for _, h := range hs {
		h(msg)
	}
	return nil
}

func (b *fakeBus) Query(ctx context.Context, msg types.ChannelMessage, timeout time.Duration) ([]types.ChannelMessage, error) {
	b.mu.Lock()
	hs := append([]func(types.ChannelMessage) []byte(nil), b.subs[msg.Channel]...)
	b.mu.Unlock()

	var out []types.ChannelMessage
	for _, h := range hs {
		if r := h(msg); r != nil {
			out = append(out, types.ChannelMessage{Content: r})
		}
	}
	return out, nil
}

type fakeTaskLookup struct {
	tasks map[string]types.ServiceTask
}

func (l *fakeTaskLookup) LoadTask(name string) (types.ServiceTask, error) {
	t, ok := l.tasks[name]
	if !ok {
		return types.ServiceTask{}, fmt.Errorf("no such task: %s", name)
	}
	return t, nil
}

type fakeHandle struct{ id types.ServiceID }

func (h fakeHandle) ServiceID() types.ServiceID { return h.id }

// fakeRunner records Start/Stop calls and never actually spawns
// anything; Start can be made to fail via failNext.
type fakeRunner struct {
	mu       sync.Mutex
	started  []runner.Spec
	stopped  []types.ServiceID
	failNext bool
}

func (r *fakeRunner) Start(ctx context.Context, spec runner.Spec) (runner.Handle, types.ProcessSnapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failNext {
		r.failNext = false
		return nil, types.ProcessSnapshot{}, fmt.Errorf("launch failed")
	}
	r.started = append(r.started, spec)
	return fakeHandle{id: spec.ServiceID}, types.ProcessSnapshot{PID: 1234, StartedAt: time.Now()}, nil
}

func (r *fakeRunner) Stop(ctx context.Context, h runner.Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = append(r.stopped, h.ServiceID())
	return nil
}

func (r *fakeRunner) Wait(ctx context.Context, h runner.Handle) (int, error) {
	return 0, nil
}

func newTestManager(t *testing.T, selfID string, ready []types.NodeServer, head string) (*Manager, *fakeBus, *fakeRunner) {
	t.Helper()
	dir := t.TempDir()

	self := types.NodeIdentity{UniqueID: selfID}
	cluster := &fakeCluster{self: self, ready: ready, head: head}
	bus := newFakeBus()
	rn := &fakeRunner{}
	registry := template.NewRegistry()
	localStorage, err := template.NewLocalStorage(dir + "/storage")
	require.NoError(t, err)
	registry.Register("local", localStorage)
	tasks := &fakeTaskLookup{tasks: map[string]types.ServiceTask{}}

	// A deliberately huge ceiling keeps this node's memory ratio near
	// zero regardless of the sandbox's actual host memory usage, so
	// placement comparisons in tests are independent of the real
	// machine's load.
	m := New(self, 10_000_000, "java", dir, cluster, bus, rn, registry, tasks)
	return m, bus, rn
}

func TestCreateLocalAssignsLowestFreeID(t *testing.T) {
	self := types.NodeIdentity{UniqueID: "n1"}
	ready := []types.NodeServer{{Identity: self, State: types.NodeReady}}
	m, _, _ := newTestManager(t, "n1", ready, "n1")

	cfg := types.ServiceConfiguration{TaskName: "lobby"}
	first, err := m.Create(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, 1, first.ServiceID.NameSuffix)

	second, err := m.Create(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, 2, second.ServiceID.NameSuffix)

	require.NoError(t, m.deleteServiceForTest(first.ServiceID))
	third, err := m.Create(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, 1, third.ServiceID.NameSuffix, "the freed id 1 should be reused before allocating 3")
}

// deleteServiceForTest directly marks a service DELETED without going
// through the full Stop->Delete lifecycle, used only to free up an id
// for the allocator test above.
func (m *Manager) deleteServiceForTest(id types.ServiceID) error {
	snap, ok := m.Snapshot(id.UniqueID)
	if !ok {
		return fmt.Errorf("unknown service")
	}
	snap.LifeCycle = types.LifeCycleDeleted
	m.mu.Lock()
	m.snapshots[id.UniqueID] = snap
	m.mu.Unlock()
	return nil
}

func TestPickNodePrefersLowestWeightedLoad(t *testing.T) {
	selfID := types.NodeIdentity{UniqueID: "a"}
	peer := types.NodeIdentity{UniqueID: "b"}
	ready := []types.NodeServer{{Identity: selfID, State: types.NodeReady}, {Identity: peer, State: types.NodeReady}}
	m, bus, _ := newTestManager(t, "a", ready, "a")

	// peer "b" reports a heavier load than local "a" would ever report
	// under a fresh gopsutil read within this sandboxed test, so "a"
	// must win regardless of the live host's actual usage. fakeBus
	// ignores targets, so the manager's own usage handler is dropped
	// first; otherwise it would answer the query meant for "b".
	bus.subs[ChannelResourceUsage] = nil
	bus.Subscribe(ChannelResourceUsage, func(msg types.ChannelMessage) []byte {
		return nil // unreachable peer -> degrades to worst-case usage
	})

	node, err := m.pickNode(context.Background(), types.ServiceConfiguration{})
	require.NoError(t, err)
	assert.Equal(t, "a", node)
}

func TestPickNodePinnedNode(t *testing.T) {
	selfID := types.NodeIdentity{UniqueID: "a"}
	peer := types.NodeIdentity{UniqueID: "b"}
	ready := []types.NodeServer{{Identity: selfID, State: types.NodeReady}, {Identity: peer, State: types.NodeReady}}
	m, _, _ := newTestManager(t, "a", ready, "a")

	node, err := m.pickNode(context.Background(), types.ServiceConfiguration{Node: "b"})
	require.NoError(t, err)
	assert.Equal(t, "b", node)
}

func TestPickNodeNoCandidates(t *testing.T) {
	m, _, _ := newTestManager(t, "a", nil, "a")
	_, err := m.pickNode(context.Background(), types.ServiceConfiguration{})
	assert.ErrorIs(t, err, types.ErrPlacementNoCandidate)
}

func TestLifecycleStartRunStop(t *testing.T) {
	self := types.NodeIdentity{UniqueID: "n1"}
	ready := []types.NodeServer{{Identity: self, State: types.NodeReady}}
	m, _, rn := newTestManager(t, "n1", ready, "n1")

	snap, err := m.Create(context.Background(), types.ServiceConfiguration{TaskName: "lobby"})
	require.NoError(t, err)
	assert.Equal(t, types.LifeCyclePrepared, snap.LifeCycle)

	started, err := m.Start(context.Background(), snap.ServiceID)
	require.NoError(t, err)
	assert.Equal(t, types.LifeCycleRunning, started.LifeCycle)
	assert.Len(t, rn.started, 1)

	if _, err := os.Stat(m.workDir(snap.ServiceID) + "/" + ConnectionFile); err != nil {
		t.Fatalf("expected connection file to be written: %v", err)
	}

	stopped, err := m.Stop(context.Background(), snap.ServiceID)
	require.NoError(t, err)
	assert.Equal(t, types.LifeCycleStopped, stopped.LifeCycle)
	assert.Len(t, rn.stopped, 1)
}

func TestStartOnAlreadyRunningIsNoOp(t *testing.T) {
	self := types.NodeIdentity{UniqueID: "n1"}
	ready := []types.NodeServer{{Identity: self, State: types.NodeReady}}
	m, _, rn := newTestManager(t, "n1", ready, "n1")

	snap, err := m.Create(context.Background(), types.ServiceConfiguration{TaskName: "lobby"})
	require.NoError(t, err)
	_, err = m.Start(context.Background(), snap.ServiceID)
	require.NoError(t, err)

	again, err := m.Start(context.Background(), snap.ServiceID)
	require.NoError(t, err)
	assert.Equal(t, types.LifeCycleRunning, again.LifeCycle)
	assert.Len(t, rn.started, 1, "a second Start on a RUNNING service must not relaunch the process")
}

func TestStartLaunchFailureEndsStopped(t *testing.T) {
	self := types.NodeIdentity{UniqueID: "n1"}
	ready := []types.NodeServer{{Identity: self, State: types.NodeReady}}
	m, _, rn := newTestManager(t, "n1", ready, "n1")
	rn.failNext = true

	snap, err := m.Create(context.Background(), types.ServiceConfiguration{TaskName: "lobby"})
	require.NoError(t, err)

	failed, err := m.Start(context.Background(), snap.ServiceID)
	require.Error(t, err)
	assert.Equal(t, types.LifeCycleStopped, failed.LifeCycle)
	assert.Equal(t, "launch failed", failed.Properties["lastError"])
}

func TestRestartPreservesServiceID(t *testing.T) {
	self := types.NodeIdentity{UniqueID: "n1"}
	ready := []types.NodeServer{{Identity: self, State: types.NodeReady}}
	m, _, _ := newTestManager(t, "n1", ready, "n1")

	snap, err := m.Create(context.Background(), types.ServiceConfiguration{TaskName: "lobby"})
	require.NoError(t, err)
	_, err = m.Start(context.Background(), snap.ServiceID)
	require.NoError(t, err)

	restarted, err := m.Restart(context.Background(), snap.ServiceID)
	require.NoError(t, err)
	assert.Equal(t, snap.ServiceID, restarted.ServiceID)
	assert.Equal(t, types.LifeCycleRunning, restarted.LifeCycle)
}

func TestDeleteRequiresStoppedFirst(t *testing.T) {
	self := types.NodeIdentity{UniqueID: "n1"}
	ready := []types.NodeServer{{Identity: self, State: types.NodeReady}}
	m, _, _ := newTestManager(t, "n1", ready, "n1")

	snap, err := m.Create(context.Background(), types.ServiceConfiguration{TaskName: "lobby"})
	require.NoError(t, err)

	// PREPARED->DELETED is not a legal edge; Delete must be a no-op.
	unchanged, err := m.Delete(context.Background(), snap.ServiceID)
	require.NoError(t, err)
	assert.Equal(t, types.LifeCyclePrepared, unchanged.LifeCycle)

	_, err = m.Start(context.Background(), snap.ServiceID)
	require.NoError(t, err)
	_, err = m.Stop(context.Background(), snap.ServiceID)
	require.NoError(t, err)

	deleted, err := m.Delete(context.Background(), snap.ServiceID)
	require.NoError(t, err)
	assert.Equal(t, types.LifeCycleDeleted, deleted.LifeCycle)
}

func TestCreateByTaskCreatesAmountWithSequentialIDs(t *testing.T) {
	self := types.NodeIdentity{UniqueID: "n1"}
	ready := []types.NodeServer{{Identity: self, State: types.NodeReady}}
	m, _, _ := newTestManager(t, "n1", ready, "n1")
	m.tasks.(*fakeTaskLookup).tasks["lobby"] = types.ServiceTask{Name: "lobby"}

	created, err := m.CreateByTask(context.Background(), "lobby", 3)
	require.NoError(t, err)
	assert.Len(t, created, 3)
	assert.Equal(t, []int{1, 2, 3}, []int{created[0].ServiceID.NameSuffix, created[1].ServiceID.NameSuffix, created[2].ServiceID.NameSuffix})
}

func TestStopAllStopsOnlyLocallyOwnedRunningServices(t *testing.T) {
	self := types.NodeIdentity{UniqueID: "n1"}
	ready := []types.NodeServer{{Identity: self, State: types.NodeReady}}
	m, _, rn := newTestManager(t, "n1", ready, "n1")

	running, err := m.Create(context.Background(), types.ServiceConfiguration{TaskName: "lobby"})
	require.NoError(t, err)
	_, err = m.Start(context.Background(), running.ServiceID)
	require.NoError(t, err)

	prepared, err := m.Create(context.Background(), types.ServiceConfiguration{TaskName: "lobby"})
	require.NoError(t, err)

	foreign := types.ServiceInfoSnapshot{
		ServiceID: types.ServiceID{UniqueID: "foreign-1", TaskName: "lobby", NodeUniqueID: "other-node"},
		LifeCycle: types.LifeCycleRunning,
	}
	m.ApplyRemoteSnapshot(foreign)

	require.NoError(t, m.StopAll(context.Background()))

	stoppedSnap, ok := m.Snapshot(running.ServiceID.UniqueID)
	require.True(t, ok)
	assert.Equal(t, types.LifeCycleStopped, stoppedSnap.LifeCycle)
	assert.Len(t, rn.stopped, 1)

	preparedSnap, ok := m.Snapshot(prepared.ServiceID.UniqueID)
	require.True(t, ok)
	assert.Equal(t, types.LifeCyclePrepared, preparedSnap.LifeCycle, "StopAll must not touch a PREPARED service")

	foreignSnap, ok := m.Snapshot("foreign-1")
	require.True(t, ok)
	assert.Equal(t, types.LifeCycleRunning, foreignSnap.LifeCycle, "StopAll must never touch a foreign-owned service")
}

func TestCreateByTaskUnknownTaskErrors(t *testing.T) {
	m, _, _ := newTestManager(t, "n1", []types.NodeServer{{Identity: types.NodeIdentity{UniqueID: "n1"}, State: types.NodeReady}}, "n1")
	_, err := m.CreateByTask(context.Background(), "missing", 2)
	assert.Error(t, err)
}

func TestCreateByTaskPinnedOverridesNodeAndMemory(t *testing.T) {
	self := types.NodeIdentity{UniqueID: "n1"}
	other := types.NodeIdentity{UniqueID: "n2"}
	ready := []types.NodeServer{
		{Identity: self, State: types.NodeReady},
		{Identity: other, State: types.NodeReady},
	}
	m, bus, _ := newTestManager(t, "n1", ready, "n1")
	m.tasks.(*fakeTaskLookup).tasks["lobby"] = types.ServiceTask{
		Name:          "lobby",
		ProcessConfig: types.ProcessConfig{MaxMemoryMiB: 256},
	}

	// fakeBus ignores targets: drop the manager's own create handler so
	// only this stand-in for node "n2" answers the forwarded request.
	bus.subs[ChannelCreate] = nil
	var gotCfg types.ServiceConfiguration
	bus.Subscribe(ChannelCreate, func(msg types.ChannelMessage) []byte {
		require.NoError(t, json.Unmarshal(msg.Content, &gotCfg))
		snap := types.ServiceInfoSnapshot{
			ServiceID: types.ServiceID{UniqueID: "remote-1", TaskName: "lobby", NodeUniqueID: "n2"},
			LifeCycle: types.LifeCyclePrepared,
		}
		data, _ := json.Marshal(snap)
		return data
	})

	created, err := m.CreateByTaskPinned(context.Background(), "lobby", 1, "n2", 512)
	require.NoError(t, err)
	require.Len(t, created, 1)
	assert.Equal(t, "n2", created[0].ServiceID.NodeUniqueID)
	assert.Equal(t, "n2", gotCfg.Node)
	assert.Equal(t, 512, gotCfg.ProcessConfig.MaxMemoryMiB, "a positive override must replace the task's own memory budget")
}

func TestCreateByTaskPinnedZeroMemoryKeepsTaskDefault(t *testing.T) {
	self := types.NodeIdentity{UniqueID: "n1"}
	ready := []types.NodeServer{{Identity: self, State: types.NodeReady}}
	m, _, _ := newTestManager(t, "n1", ready, "n1")
	m.tasks.(*fakeTaskLookup).tasks["lobby"] = types.ServiceTask{
		Name:          "lobby",
		ProcessConfig: types.ProcessConfig{MaxMemoryMiB: 256},
	}

	created, err := m.CreateByTaskPinned(context.Background(), "lobby", 1, "", 0)
	require.NoError(t, err)
	require.Len(t, created, 1)
	snap, ok := m.Snapshot(created[0].ServiceID.UniqueID)
	require.True(t, ok)
	assert.Equal(t, "n1", snap.ServiceID.NodeUniqueID)
	assert.Equal(t, 256, snap.Configuration.ProcessConfig.MaxMemoryMiB)
}

func TestMarkNodeDisconnectedTombstonesOnlyThatNodesServices(t *testing.T) {
	self := types.NodeIdentity{UniqueID: "n1"}
	ready := []types.NodeServer{{Identity: self, State: types.NodeReady}}
	m, _, _ := newTestManager(t, "n1", ready, "n1")

	m.ApplyRemoteSnapshot(types.ServiceInfoSnapshot{
		ServiceID: types.ServiceID{UniqueID: "remote-1", TaskName: "lobby", NodeUniqueID: "n2"},
		LifeCycle: types.LifeCycleRunning,
	})
	m.ApplyRemoteSnapshot(types.ServiceInfoSnapshot{
		ServiceID: types.ServiceID{UniqueID: "remote-2", TaskName: "lobby", NodeUniqueID: "n3"},
		LifeCycle: types.LifeCycleRunning,
	})

	m.MarkNodeDisconnected("n2")

	snap1, ok := m.Snapshot("remote-1")
	require.True(t, ok)
	assert.Equal(t, types.LifeCycleDeleted, snap1.LifeCycle)

	snap2, ok := m.Snapshot("remote-2")
	require.True(t, ok)
	assert.Equal(t, types.LifeCycleRunning, snap2.LifeCycle, "a disconnect for n2 must never touch n3's services")
}

// TestAllocateIDLocallyConcurrentCallsNeverDuplicate drives many
// concurrent allocations before any of them has landed in
// m.snapshots — the reservation window allocateIDLocally must close
// itself rather than relying on the snapshot scan alone.
func TestAllocateIDLocallyConcurrentCallsNeverDuplicate(t *testing.T) {
	self := types.NodeIdentity{UniqueID: "n1"}
	ready := []types.NodeServer{{Identity: self, State: types.NodeReady}}
	m, _, _ := newTestManager(t, "n1", ready, "n1")

	const n = 50
	var wg sync.WaitGroup
	ids := make([]int, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i] = m.allocateIDLocally("lobby")
		}(i)
	}
	wg.Wait()

	seen := make(map[int]struct{}, n)
	for _, id := range ids {
		_, dup := seen[id]
		require.False(t, dup, "id %d handed out more than once", id)
		seen[id] = struct{}{}
	}
	assert.Len(t, seen, n)
}

func TestReleaseReservationClearsAfterStore(t *testing.T) {
	self := types.NodeIdentity{UniqueID: "n1"}
	ready := []types.NodeServer{{Identity: self, State: types.NodeReady}}
	m, _, _ := newTestManager(t, "n1", ready, "n1")

	first := m.allocateIDLocally("lobby")
	m.store(types.ServiceInfoSnapshot{
		ServiceID: types.ServiceID{UniqueID: "svc-1", TaskName: "lobby", NameSuffix: first},
		LifeCycle: types.LifeCyclePrepared,
	})

	m.allocMu.Lock()
	_, stillReserved := m.reserved["lobby"][first]
	m.allocMu.Unlock()
	assert.False(t, stillReserved, "a durable snapshot should clear its reservation")

	second := m.allocateIDLocally("lobby")
	assert.NotEqual(t, first, second)
}
