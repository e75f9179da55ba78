package serviceman

import (
	"context"
	"strconv"

	"github.com/hearthnet/fleet/pkg/types"
)

// allocateID picks the lowest positive integer not already used by a
// known service of taskName. If the local node is head, it decides
// directly; otherwise it routes the decision through the head via a
// synchronous query, per §4.7's "must route through it to avoid
// collisions".
func (m *Manager) allocateID(ctx context.Context, taskName string) (int, error) {
	if m.cluster.IsHead() {
		return m.allocateIDLocally(taskName), nil
	}

	head := m.cluster.Head()
	replies, err := m.bus.Query(ctx, types.ChannelMessage{
		Sender:  m.self,
		Targets: []types.Target{{Type: types.TargetNode, Name: head}},
		Channel: ChannelAllocateID,
		Message: taskName,
	}, QueryTimeout)
	if err != nil {
		return 0, err
	}
	for _, r := range replies {
		if n, parseErr := strconv.Atoi(string(r.Content)); parseErr == nil {
			return n, nil
		}
	}
	return 0, types.ErrQueryTimeout
}

// allocateIDLocally scans the cluster-wide snapshot view this node
// holds (replicated by pkg/datasync) for the lowest unused suffix.
// Guarded by allocMu end to end: the chosen suffix is recorded in
// m.reserved before the lock is released, so a second allocation
// racing the first — whether it's this node's own next create or a
// remote node's concurrent handleAllocateID query — sees it as taken
// even though it won't land in m.snapshots until the service this
// call is allocating for is actually stored. releaseReservation drops
// the entry once that happens.
func (m *Manager) allocateIDLocally(taskName string) int {
	m.allocMu.Lock()
	defer m.allocMu.Unlock()

	m.mu.RLock()
	used := make(map[int]struct{})
	for _, snap := range m.snapshots {
		if snap.ServiceID.TaskName == taskName && snap.LifeCycle != types.LifeCycleDeleted {
			used[snap.ServiceID.NameSuffix] = struct{}{}
		}
	}
	m.mu.RUnlock()

	for n := range m.reserved[taskName] {
		used[n] = struct{}{}
	}

	for n := 1; ; n++ {
		if _, ok := used[n]; ok {
			continue
		}
		if m.reserved[taskName] == nil {
			m.reserved[taskName] = make(map[int]struct{})
		}
		m.reserved[taskName][n] = struct{}{}
		return n
	}
}

// releaseReservation drops a held-but-not-yet-durable suffix once the
// corresponding snapshot lands in m.snapshots, whether via a local
// store or a replicated datasync update. Safe to call for a suffix
// that was never reserved (e.g. an explicit cfg.TaskID bypassing
// allocation entirely) — it's just a no-op map delete.
func (m *Manager) releaseReservation(taskName string, suffix int) {
	m.allocMu.Lock()
	defer m.allocMu.Unlock()
	delete(m.reserved[taskName], suffix)
}

// handleAllocateID answers a remote allocation request when this node
// is head.
func (m *Manager) handleAllocateID(msg types.ChannelMessage) []byte {
	n := m.allocateIDLocally(msg.Message)
	return []byte(strconv.Itoa(n))
}
