package serviceman

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/hearthnet/fleet/pkg/types"
)

// ChannelResourceUsage is the query channel placement asks each
// candidate node to answer on.
const ChannelResourceUsage = "serviceman.resource_usage"

// ChannelAllocateID is the channel the head answers service-id
// reservation requests on.
const ChannelAllocateID = "serviceman.allocate_id"

// pickNode implements §4.7 placement: if cfg.Node is set, it's the
// only candidate; otherwise every READY node (local + peers, minus
// drained) is asked for its current load, and the lowest weighted
// score wins, ties broken by head-first then smallest uniqueId.
func (m *Manager) pickNode(ctx context.Context, cfg types.ServiceConfiguration) (string, error) {
	if cfg.Node != "" {
		for _, n := range m.cluster.Ready() {
			if n.Identity.UniqueID == cfg.Node {
				return cfg.Node, nil
			}
		}
		return "", types.ErrPlacementNoCandidate
	}

	candidates := m.cluster.Ready()
	if len(candidates) == 0 {
		return "", types.ErrPlacementNoCandidate
	}

	usages := make([]ResourceUsage, 0, len(candidates))
	for _, n := range candidates {
		usages = append(usages, m.usageOf(ctx, n.Identity.UniqueID))
	}

	head := m.cluster.Head()
	sort.SliceStable(usages, func(i, j int) bool {
		li, lj := usages[i].weightedLoad(), usages[j].weightedLoad()
		if li != lj {
			return li < lj
		}
		if (usages[i].NodeUniqueID == head) != (usages[j].NodeUniqueID == head) {
			return usages[i].NodeUniqueID == head
		}
		return usages[i].NodeUniqueID < usages[j].NodeUniqueID
	})
	return usages[0].NodeUniqueID, nil
}

// usageOf returns a candidate's current load: computed directly if it
// is the local node, queried over the bus otherwise. Query failures
// (peer unreachable, timeout) degrade to a worst-case usage so a flaky
// node loses placement ties rather than winning them by default.
func (m *Manager) usageOf(ctx context.Context, nodeUniqueID string) ResourceUsage {
	if nodeUniqueID == m.self.UniqueID {
		return LocalResourceUsage(nodeUniqueID, m.maxMemoryMiB, m.localServiceCount())
	}

	replies, err := m.bus.Query(ctx, types.ChannelMessage{
		Sender:  m.self,
		Targets: []types.Target{{Type: types.TargetNode, Name: nodeUniqueID}},
		Channel: ChannelResourceUsage,
	}, QueryTimeout)
	if err != nil || len(replies) == 0 {
		return ResourceUsage{NodeUniqueID: nodeUniqueID, CPUPercent: 100, UsedMemoryMiB: 1, MaxMemoryMiB: 1}
	}

	var usage ResourceUsage
	if err := json.Unmarshal(replies[0].Content, &usage); err != nil {
		return ResourceUsage{NodeUniqueID: nodeUniqueID, CPUPercent: 100, UsedMemoryMiB: 1, MaxMemoryMiB: 1}
	}
	return usage
}

// handleResourceUsageQuery answers a remote placement query with this
// node's current load.
func (m *Manager) handleResourceUsageQuery(msg types.ChannelMessage) []byte {
	usage := LocalResourceUsage(m.self.UniqueID, m.maxMemoryMiB, m.localServiceCount())
	data, err := json.Marshal(usage)
	if err != nil {
		return nil
	}
	return data
}

func (m *Manager) localServiceCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, snap := range m.snapshots {
		if snap.ServiceID.NodeUniqueID == m.self.UniqueID && snap.LifeCycle != types.LifeCycleDeleted {
			n++
		}
	}
	return n
}
