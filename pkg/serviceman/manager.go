// Package serviceman implements the Cloud Service Manager (C8): the
// central state machine for services — placement, id assignment,
// create/start/stop/restart/delete, deployment staging, the service
// agent channel, and screen forwarding.
package serviceman

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hearthnet/fleet/pkg/deploy"
	"github.com/hearthnet/fleet/pkg/log"
	"github.com/hearthnet/fleet/pkg/runner"
	"github.com/hearthnet/fleet/pkg/template"
	"github.com/hearthnet/fleet/pkg/transport"
	"github.com/hearthnet/fleet/pkg/types"
)

// QueryTimeout bounds every synchronous bus query serviceman issues
// (placement, id allocation, RPC forwarding).
const QueryTimeout = 20 * time.Second

// GCDelay is how long a DELETED tombstone is kept before it is purged
// from the local snapshot table, giving datasync time to propagate the
// tombstone cluster-wide first.
const GCDelay = 30 * time.Second

// Channel names used for forwarding a mutating RPC to a service's
// owning node, per §3's "mutating RPCs are forwarded to the owner".
const (
	ChannelCreate  = "serviceman.create"
	ChannelStart   = "serviceman.start"
	ChannelStop    = "serviceman.stop"
	ChannelRestart = "serviceman.restart"
	ChannelDelete  = "serviceman.delete"
)

// ClusterView is the slice of pkg/cluster.Provider serviceman needs:
// candidate nodes for placement and head identity for id allocation.
type ClusterView interface {
	Self() types.NodeIdentity
	Ready() []types.NodeServer
	IsHead() bool
	Head() string
}

// Bus is the slice of pkg/bus.Bus serviceman needs to route mutating
// RPCs to the owning node and answer placement/allocation queries.
type Bus interface {
	Publish(msg types.ChannelMessage) error
	Query(ctx context.Context, msg types.ChannelMessage, timeout time.Duration) ([]types.ChannelMessage, error)
	Subscribe(channel string, h func(msg types.ChannelMessage) []byte)
}

// TaskLookup resolves a named ServiceTask definition; satisfied by
// *pkg/config.EntityStore.
type TaskLookup interface {
	LoadTask(name string) (types.ServiceTask, error)
}

// SnapshotPublisher is the datasync-facing dependency: propagating a service
// snapshot change cluster-wide. Wired via WireDataSync.
type SnapshotPublisher interface {
	Publish(snapshot types.ServiceInfoSnapshot) error
}

// Manager is the Cloud Service Manager. Construct with New, wire its
// channel subscriptions are registered automatically during New.
type Manager struct {
	self         types.NodeIdentity
	maxMemoryMiB int
	javaCmd      string
	dataDir      string

	cluster   ClusterView
	bus       Bus
	runner    runner.Runner
	templates *template.Registry
	tasks     TaskLookup
	publisher SnapshotPublisher

	mu        sync.RWMutex
	snapshots map[string]types.ServiceInfoSnapshot
	handles   map[string]runner.Handle

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	allocMu  sync.Mutex
	reserved map[string]map[int]struct{} // taskName -> suffixes handed out but not yet durable in snapshots

	acceptor *transport.Acceptor

	pendingMu   sync.Mutex
	pendingAuth map[string]string // connectionKey -> serviceUniqueID

	agentMu  sync.Mutex
	agentChs map[string]*transport.Channel // serviceUniqueID -> bound agent channel

	screens *screenRegistry
}

// New constructs a Manager and wires its bus subscriptions (resource
// usage queries, id allocation, and forwarded create/start/stop/
// restart/delete RPCs).
func New(self types.NodeIdentity, maxMemoryMiB int, javaCmd, dataDir string, cluster ClusterView, bus Bus, rn runner.Runner, templates *template.Registry, tasks TaskLookup) *Manager {
	m := &Manager{
		self:         self,
		maxMemoryMiB: maxMemoryMiB,
		javaCmd:      javaCmd,
		dataDir:      dataDir,
		cluster:      cluster,
		bus:          bus,
		runner:       rn,
		templates:    templates,
		tasks:        tasks,
		snapshots:    make(map[string]types.ServiceInfoSnapshot),
		handles:      make(map[string]runner.Handle),
		locks:        make(map[string]*sync.Mutex),
		pendingAuth:  make(map[string]string),
		agentChs:     make(map[string]*transport.Channel),
		screens:      newScreenRegistry(),
		reserved:     make(map[string]map[int]struct{}),
	}

	bus.Subscribe(ChannelResourceUsage, m.handleResourceUsageQuery)
	bus.Subscribe(ChannelAllocateID, m.handleAllocateID)
	bus.Subscribe(ChannelCreate, m.handleRemoteCreate)
	bus.Subscribe(ChannelStart, m.handleRemoteTransition(m.Start))
	bus.Subscribe(ChannelStop, m.handleRemoteTransition(m.Stop))
	bus.Subscribe(ChannelRestart, m.handleRemoteTransition(m.Restart))
	bus.Subscribe(ChannelDelete, m.handleRemoteTransition(m.Delete))

	return m
}

// WireDataSync sets the publisher used to propagate snapshot changes
// cluster-wide; nil-safe (snapshots just stay local if never wired).
func (m *Manager) WireDataSync(p SnapshotPublisher) { m.publisher = p }

// ApplyRemoteSnapshot is called by pkg/datasync on a received delta or
// full-sync snapshot: it upserts the cluster-wide view this node holds
// for placement and id allocation, without touching local runner state.
func (m *Manager) ApplyRemoteSnapshot(snap types.ServiceInfoSnapshot) {
	m.mu.Lock()
	m.snapshots[snap.ServiceID.UniqueID] = snap
	m.mu.Unlock()
	m.releaseReservation(snap.ServiceID.TaskName, snap.ServiceID.NameSuffix)
}

// Snapshot returns the current known snapshot for a service id, if
// any.
func (m *Manager) Snapshot(serviceUniqueID string) (types.ServiceInfoSnapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.snapshots[serviceUniqueID]
	return s, ok
}

// AllSnapshots returns every known service snapshot, local or
// foreign-owned, for building a datasync full-sync payload.
func (m *Manager) AllSnapshots() []types.ServiceInfoSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.ServiceInfoSnapshot, 0, len(m.snapshots))
	for _, s := range m.snapshots {
		out = append(out, s)
	}
	return out
}

// MarkNodeDisconnected flips every known service owned by nodeUniqueID
// to DELETED, per §3's invariant that a disconnected node's services
// are presumed gone cluster-wide until it rejoins and republishes its
// own snapshots. Local runner state for this node's own services is
// untouched — that path only ever applies to the local owner.
func (m *Manager) MarkNodeDisconnected(nodeUniqueID string) {
	m.mu.Lock()
	var affected []types.ServiceInfoSnapshot
	for id, snap := range m.snapshots {
		if snap.ServiceID.NodeUniqueID != nodeUniqueID || snap.LifeCycle == types.LifeCycleDeleted {
			continue
		}
		snap.LifeCycle = types.LifeCycleDeleted
		m.snapshots[id] = snap
		affected = append(affected, snap)
	}
	m.mu.Unlock()

	if m.publisher == nil {
		return
	}
	for _, snap := range affected {
		if err := m.publisher.Publish(snap); err != nil {
			log.WithComponent("serviceman").Warn().Err(err).Str("service", snap.ServiceID.UniqueID).Msg("failed to propagate disconnect tombstone")
		}
	}
}

func (m *Manager) serviceLock(id string) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	l, ok := m.locks[id]
	if !ok {
		l = &sync.Mutex{}
		m.locks[id] = l
	}
	return l
}

func (m *Manager) store(snap types.ServiceInfoSnapshot) {
	m.mu.Lock()
	m.snapshots[snap.ServiceID.UniqueID] = snap
	m.mu.Unlock()
	m.releaseReservation(snap.ServiceID.TaskName, snap.ServiceID.NameSuffix)
	if m.publisher != nil {
		if err := m.publisher.Publish(snap); err != nil {
			log.WithComponent("serviceman").Warn().Err(err).Str("service", snap.ServiceID.Name()).Msg("failed to propagate snapshot")
		}
	}
}

func (m *Manager) workDir(id types.ServiceID) string {
	return fmt.Sprintf("%s/services/%s-%s", m.dataDir, id.Name(), id.UniqueID)
}

// Create runs placement, reserves a service id, and prepares the
// service in PREPARED state — either locally, or by forwarding the
// request to the chosen node's Manager.
func (m *Manager) Create(ctx context.Context, cfg types.ServiceConfiguration) (types.ServiceInfoSnapshot, error) {
	node, err := m.pickNode(ctx, cfg)
	if err != nil {
		return types.ServiceInfoSnapshot{}, err
	}

	if node == m.self.UniqueID {
		return m.createLocal(ctx, cfg)
	}

	data, err := json.Marshal(cfg)
	if err != nil {
		return types.ServiceInfoSnapshot{}, fmt.Errorf("serviceman: marshal configuration: %w", err)
	}
	replies, err := m.bus.Query(ctx, types.ChannelMessage{
		Sender:  m.self,
		Targets: []types.Target{{Type: types.TargetNode, Name: node}},
		Channel: ChannelCreate,
		Content: data,
	}, QueryTimeout)
	if err != nil {
		return types.ServiceInfoSnapshot{}, err
	}
	if len(replies) == 0 {
		return types.ServiceInfoSnapshot{}, types.ErrQueryTimeout
	}
	var snap types.ServiceInfoSnapshot
	if err := json.Unmarshal(replies[0].Content, &snap); err != nil {
		return types.ServiceInfoSnapshot{}, fmt.Errorf("serviceman: decode remote snapshot: %w", err)
	}
	m.store(snap)
	return snap, nil
}

func (m *Manager) createLocal(ctx context.Context, cfg types.ServiceConfiguration) (types.ServiceInfoSnapshot, error) {
	suffix := cfg.TaskID
	if suffix == 0 {
		n, err := m.allocateID(ctx, cfg.TaskName)
		if err != nil {
			return types.ServiceInfoSnapshot{}, err
		}
		suffix = n
	}

	id := types.ServiceID{
		UniqueID:     uuid.NewString(),
		TaskName:     cfg.TaskName,
		NameSuffix:   suffix,
		NodeUniqueID: m.self.UniqueID,
		Environment:  cfg.Environment,
	}
	snap := types.ServiceInfoSnapshot{
		ServiceID:      id,
		Configuration:  cfg,
		CreationTimeMs: time.Now().UnixMilli(),
		LifeCycle:      types.LifeCyclePrepared,
		Properties:     map[string]string{},
	}
	m.store(snap)
	return snap, nil
}

func (m *Manager) handleRemoteCreate(msg types.ChannelMessage) []byte {
	var cfg types.ServiceConfiguration
	if err := json.Unmarshal(msg.Content, &cfg); err != nil {
		return nil
	}
	snap, err := m.createLocal(context.Background(), cfg)
	if err != nil {
		return nil
	}
	data, _ := json.Marshal(snap)
	return data
}

// invokeOrForward runs localFn if serviceID is owned by this node, or
// forwards the request to the owning node's matching handler
// otherwise, per §3's "mutating RPCs are forwarded to the owner".
func (m *Manager) invokeOrForward(ctx context.Context, channel string, id types.ServiceID, localFn func(context.Context, types.ServiceID) (types.ServiceInfoSnapshot, error)) (types.ServiceInfoSnapshot, error) {
	if id.NodeUniqueID == "" || id.NodeUniqueID == m.self.UniqueID {
		return localFn(ctx, id)
	}

	data, err := json.Marshal(id)
	if err != nil {
		return types.ServiceInfoSnapshot{}, err
	}
	replies, err := m.bus.Query(ctx, types.ChannelMessage{
		Sender:  m.self,
		Targets: []types.Target{{Type: types.TargetNode, Name: id.NodeUniqueID}},
		Channel: channel,
		Content: data,
	}, QueryTimeout)
	if err != nil {
		return types.ServiceInfoSnapshot{}, err
	}
	if len(replies) == 0 {
		return types.ServiceInfoSnapshot{}, types.ErrQueryTimeout
	}
	var snap types.ServiceInfoSnapshot
	if err := json.Unmarshal(replies[0].Content, &snap); err != nil {
		return types.ServiceInfoSnapshot{}, err
	}
	m.store(snap)
	return snap, nil
}

func (m *Manager) handleRemoteTransition(fn func(context.Context, types.ServiceID) (types.ServiceInfoSnapshot, error)) func(types.ChannelMessage) []byte {
	return func(msg types.ChannelMessage) []byte {
		var id types.ServiceID
		if err := json.Unmarshal(msg.Content, &id); err != nil {
			return nil
		}
		snap, err := fn(context.Background(), id)
		if err != nil {
			return nil
		}
		data, _ := json.Marshal(snap)
		return data
	}
}

// Start stages templates/inclusions (idempotent), transitions
// PREPARED->STARTING, launches the runner process, and advances to
// RUNNING on success or STOPPED on launch failure. A transition that
// violates the allowed order is a no-op returning the current
// snapshot, per §4.7.
func (m *Manager) Start(ctx context.Context, id types.ServiceID) (types.ServiceInfoSnapshot, error) {
	return m.invokeOrForward(ctx, ChannelStart, id, m.startLocal)
}

func (m *Manager) startLocal(ctx context.Context, id types.ServiceID) (types.ServiceInfoSnapshot, error) {
	lock := m.serviceLock(id.UniqueID)
	lock.Lock()
	defer lock.Unlock()

	snap, ok := m.Snapshot(id.UniqueID)
	if !ok {
		return types.ServiceInfoSnapshot{}, fmt.Errorf("serviceman: unknown service %s", id.UniqueID)
	}
	if !types.CanTransition(snap.LifeCycle, types.LifeCycleStarting) {
		return snap, nil
	}

	dir := m.workDir(id)
	if err := m.templates.MaterializeTemplates(ctx, dir, snap.Configuration.Templates); err != nil {
		return m.failLaunch(snap, types.ErrStagingFailed)
	}
	if err := template.FetchInclusions(ctx, dir, snap.Configuration.Inclusions); err != nil {
		return m.failLaunch(snap, types.ErrStagingFailed)
	}

	snap.LifeCycle = types.LifeCycleStarting
	m.store(snap)

	if err := m.writeConnectionFile(dir, id); err != nil {
		return m.failLaunch(snap, types.ErrStagingFailed)
	}

	handle, procSnap, err := m.runner.Start(ctx, runner.Spec{
		ServiceID: id,
		WorkDir:   dir,
		Config:    snap.Configuration.ProcessConfig,
		JavaCmd:   m.javaCmd,
	})
	if err != nil {
		return m.failLaunch(snap, err)
	}

	m.mu.Lock()
	m.handles[id.UniqueID] = handle
	m.mu.Unlock()

	snap.ProcessSnapshot = procSnap
	snap.LifeCycle = types.LifeCycleRunning
	snap.ConnectedTimeMs = time.Now().UnixMilli()
	m.store(snap)
	return snap, nil
}

func (m *Manager) failLaunch(snap types.ServiceInfoSnapshot, cause error) (types.ServiceInfoSnapshot, error) {
	snap.LifeCycle = types.LifeCycleStopped
	if snap.Properties == nil {
		snap.Properties = map[string]string{}
	}
	snap.Properties["lastError"] = cause.Error()
	m.store(snap)
	return snap, fmt.Errorf("serviceman: launch failed: %w", cause)
}

// Stop stops the runner process then runs deployment push-back,
// transitioning RUNNING->STOPPED.
func (m *Manager) Stop(ctx context.Context, id types.ServiceID) (types.ServiceInfoSnapshot, error) {
	return m.invokeOrForward(ctx, ChannelStop, id, m.stopLocal)
}

func (m *Manager) stopLocal(ctx context.Context, id types.ServiceID) (types.ServiceInfoSnapshot, error) {
	lock := m.serviceLock(id.UniqueID)
	lock.Lock()
	defer lock.Unlock()

	snap, ok := m.Snapshot(id.UniqueID)
	if !ok {
		return types.ServiceInfoSnapshot{}, fmt.Errorf("serviceman: unknown service %s", id.UniqueID)
	}
	if !types.CanTransition(snap.LifeCycle, types.LifeCycleStopped) {
		return snap, nil
	}

	m.mu.Lock()
	handle, hasHandle := m.handles[id.UniqueID]
	delete(m.handles, id.UniqueID)
	m.mu.Unlock()

	if hasHandle {
		if err := m.runner.Stop(ctx, handle); err != nil {
			log.WithComponent("serviceman").Warn().Err(err).Str("service", id.Name()).Msg("runner stop reported an error")
		}
	}
	m.unbindAgent(id.UniqueID)

	if err := deploy.Run(ctx, m.templates, m.workDir(id), snap.Configuration.Deployments); err != nil {
		log.WithComponent("serviceman").Warn().Err(err).Str("service", id.Name()).Msg("deployment push-back failed")
	}

	snap.LifeCycle = types.LifeCycleStopped
	m.store(snap)
	return snap, nil
}

// Restart is stop-then-start, preserving serviceId, per §4.7.
func (m *Manager) Restart(ctx context.Context, id types.ServiceID) (types.ServiceInfoSnapshot, error) {
	return m.invokeOrForward(ctx, ChannelRestart, id, m.restartLocal)
}

func (m *Manager) restartLocal(ctx context.Context, id types.ServiceID) (types.ServiceInfoSnapshot, error) {
	if _, err := m.stopLocal(ctx, id); err != nil {
		return types.ServiceInfoSnapshot{}, err
	}
	return m.startLocal(ctx, id)
}

// Delete marks the service DELETED (a tombstone, published then
// garbage-collected after GCDelay), per §4.7/§3.
func (m *Manager) Delete(ctx context.Context, id types.ServiceID) (types.ServiceInfoSnapshot, error) {
	return m.invokeOrForward(ctx, ChannelDelete, id, m.deleteLocal)
}

func (m *Manager) deleteLocal(ctx context.Context, id types.ServiceID) (types.ServiceInfoSnapshot, error) {
	lock := m.serviceLock(id.UniqueID)
	lock.Lock()
	defer lock.Unlock()

	snap, ok := m.Snapshot(id.UniqueID)
	if !ok {
		return types.ServiceInfoSnapshot{}, fmt.Errorf("serviceman: unknown service %s", id.UniqueID)
	}
	if !types.CanTransition(snap.LifeCycle, types.LifeCycleDeleted) {
		return snap, nil
	}

	snap.LifeCycle = types.LifeCycleDeleted
	snap.ProcessSnapshot = types.ProcessSnapshot{}
	m.store(snap)

	time.AfterFunc(GCDelay, func() {
		m.mu.Lock()
		delete(m.snapshots, id.UniqueID)
		m.mu.Unlock()
	})
	return snap, nil
}

// StopAll stops every locally-owned service that is RUNNING or
// STARTING, best-effort — a single failure is logged and does not
// prevent the remaining services from being stopped, per §4.8's
// shutdown step 3.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.RLock()
	var ids []types.ServiceID
	for _, snap := range m.snapshots {
		if snap.ServiceID.NodeUniqueID != m.self.UniqueID {
			continue
		}
		if snap.LifeCycle == types.LifeCycleRunning || snap.LifeCycle == types.LifeCycleStarting {
			ids = append(ids, snap.ServiceID)
		}
	}
	m.mu.RUnlock()

	var firstErr error
	for _, id := range ids {
		if _, err := m.stopLocal(ctx, id); err != nil {
			log.WithComponent("serviceman").Warn().Err(err).Str("service", id.Name()).Msg("failed to stop service during shutdown")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// CreateByTask creates amount services from taskName's stored
// definition, stopping at the first create failure and leaving
// already-created services in place, per §4.7's bulk-create failure
// semantics.
func (m *Manager) CreateByTask(ctx context.Context, taskName string, amount int) ([]types.ServiceInfoSnapshot, error) {
	return m.CreateByTaskPinned(ctx, taskName, amount, "", 0)
}

// CreateByTaskPinned is CreateByTask with the `create by` CLI
// overrides: node pins placement to a specific node (empty lets the
// scheduler pick, same as CreateByTask) and maxMemoryMiB overrides the
// task's own ProcessConfig.MaxMemoryMiB when positive.
func (m *Manager) CreateByTaskPinned(ctx context.Context, taskName string, amount int, node string, maxMemoryMiB int) ([]types.ServiceInfoSnapshot, error) {
	task, err := m.tasks.LoadTask(taskName)
	if err != nil {
		return nil, fmt.Errorf("serviceman: load task %s: %w", taskName, err)
	}

	created := make([]types.ServiceInfoSnapshot, 0, amount)
	for i := 0; i < amount; i++ {
		processCfg := task.ProcessConfig
		if maxMemoryMiB > 0 {
			processCfg.MaxMemoryMiB = maxMemoryMiB
		}
		cfg := types.ServiceConfiguration{
			TaskName:      task.Name,
			Environment:   task.Environment,
			Groups:        task.Groups,
			Templates:     task.Templates,
			Inclusions:    task.Inclusions,
			Deployments:   task.Deployments,
			ProcessConfig: processCfg,
			PortHints:     task.PortHints,
			Node:          node,
		}
		snap, err := m.Create(ctx, cfg)
		if err != nil {
			return created, fmt.Errorf("serviceman: createByTask stopped after %d/%d: %w", i, amount, err)
		}
		created = append(created, snap)
	}
	return created, nil
}
