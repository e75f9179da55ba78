// Package cluster implements C6: the node server provider — cluster
// roster, authorization handshake, head election, and the reconnect
// state machine for peers.
package cluster

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hearthnet/fleet/pkg/log"
	"github.com/hearthnet/fleet/pkg/transport"
	"github.com/hearthnet/fleet/pkg/types"
	"github.com/hearthnet/fleet/pkg/wire"
)

// HeadChangedChannel is the bus channel name used to announce a new
// head, per §8's testable "head_changed message observed on B and C".
const HeadChangedChannel = "cluster.head_changed"

type peer struct {
	server  types.NodeServer
	channel *transport.Channel

	backoff time.Duration
	stopped bool
}

// Publisher is the subset of pkg/bus.Bus the provider needs, kept as
// an interface so pkg/cluster never imports pkg/bus directly (bus
// already depends on cluster's Router shape the other direction).
type Publisher interface {
	Publish(msg types.ChannelMessage) error
}

// Provider owns the cluster roster: every known peer's NodeServer
// record plus (when connected) its transport channel.
type Provider struct {
	self      types.NodeIdentity
	clusterID string

	whitelistMu sync.RWMutex
	whitelist   map[string]struct{}

	mu    sync.RWMutex
	peers map[string]*peer // keyed by NodeIdentity.UniqueID
	head  string

	acceptor *transport.Acceptor
	bus      Publisher

	drained atomic.Bool

	// SnapshotProvider supplies the bytes sent back in the auth
	// response's initial-sync snapshot (wired to pkg/datasync).
	SnapshotProvider func() []byte
	// OnPeerDisconnected fires after a peer transitions to
	// DISCONNECTED, so pkg/serviceman can rewrite its owned services
	// to DELETED per §3's invariant.
	OnPeerDisconnected func(nodeID string)
	// OnPeerReady fires once a peer completes its handshake and
	// initial sync, so pkg/datasync can begin steady-state replication.
	OnPeerReady func(nodeID string)
	// OnInitialSnapshot fires on the dialing side once the accepting
	// peer's auth response carries an initial-sync snapshot.
	OnInitialSnapshot func(nodeID string, snapshot []byte)

	stopCh chan struct{}
}

// New creates a Provider for the local node. remoteNodes seeds the
// roster with UNAVAILABLE entries for every configured peer.
func New(self types.NodeIdentity, clusterID string, ipWhitelist []string, remoteNodes []types.NodeIdentity) *Provider {
	p := &Provider{
		self:      self,
		clusterID: clusterID,
		whitelist: make(map[string]struct{}, len(ipWhitelist)),
		peers:     make(map[string]*peer),
		stopCh:    make(chan struct{}),
	}
	for _, ip := range ipWhitelist {
		p.whitelist[ip] = struct{}{}
	}
	for _, n := range remoteNodes {
		p.peers[n.UniqueID] = &peer{server: types.NodeServer{Identity: n, State: types.NodeUnavailable, LastStateChangeAt: time.Now()}, backoff: time.Second}
	}
	p.recomputeHead()
	return p
}

// SetBus wires the publisher used for head_changed announcements.
func (p *Provider) SetBus(b Publisher) { p.bus = b }

// Self implements bus.Router.
func (p *Provider) Self() types.NodeIdentity { return p.self }

// Nodes returns a point-in-time copy of the roster, local node first.
func (p *Provider) Nodes() []types.NodeServer {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]types.NodeServer, 0, len(p.peers)+1)
	out = append(out, p.localServer())
	for _, pr := range p.peers {
		out = append(out, pr.server)
	}
	return out
}

func (p *Provider) localServer() types.NodeServer {
	return types.NodeServer{Identity: p.self, State: types.NodeReady, Head: p.head == p.self.UniqueID, Drain: p.drained.Load()}
}

// Drain marks the local node as draining (it stops being offered as a
// placement candidate by peers reading its NodeServer record, same as
// §4.7's "minus drained" candidate filter) and closes every peer
// channel, per shutdown step 2.
func (p *Provider) Drain() {
	p.drained.Store(true)

	p.mu.RLock()
	channels := make([]*transport.Channel, 0, len(p.peers))
	for _, pr := range p.peers {
		if pr.channel != nil {
			channels = append(channels, pr.channel)
		}
	}
	p.mu.RUnlock()

	for _, ch := range channels {
		ch.Close()
	}
}

// Ready returns the READY peers plus the local node, used for
// placement candidate evaluation in pkg/serviceman.
func (p *Provider) Ready() []types.NodeServer {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var out []types.NodeServer
	if !p.drained.Load() {
		out = append(out, p.localServer())
	}
	for _, pr := range p.peers {
		if pr.server.State == types.NodeReady && !pr.server.Drain {
			out = append(out, pr.server)
		}
	}
	return out
}

// IsHead reports whether the local node currently holds the head
// role.
func (p *Provider) IsHead() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.head == p.self.UniqueID
}

// Head returns the current head's unique id.
func (p *Provider) Head() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.head
}

// ChannelsFor implements bus.Router: NODE targets resolve to exactly
// one peer channel; ALL/ALL_NODES broadcast to every READY peer.
// Targets that name services/tasks/groups/environments can't be
// resolved at the cluster layer (the provider doesn't track service
// placement) so they're broadcast too, relying on each node's own
// pkg/bus subscribers to filter on arrival.
func (p *Provider) ChannelsFor(targets []types.Target) []*transport.Channel {
	p.mu.RLock()
	defer p.mu.RUnlock()

	seen := make(map[*transport.Channel]struct{})
	var out []*transport.Channel
	add := func(ch *transport.Channel) {
		if ch == nil {
			return
		}
		if _, ok := seen[ch]; ok {
			return
		}
		seen[ch] = struct{}{}
		out = append(out, ch)
	}

	for _, t := range targets {
		switch t.Type {
		case types.TargetNode:
			if pr, ok := p.peers[t.Name]; ok {
				add(pr.channel)
			}
		case types.TargetAll, types.TargetAllNodes, types.TargetAllServices,
			types.TargetTask, types.TargetGroup, types.TargetEnvironment, types.TargetService:
			for _, pr := range p.peers {
				if pr.server.State == types.NodeReady {
					add(pr.channel)
				}
			}
		}
	}
	return out
}

// Listen binds addr and registers the channel-0 authorization
// handler on every accepted connection.
func (p *Provider) Listen(addr string) error {
	acc, err := transport.Listen(addr)
	if err != nil {
		return err
	}
	p.acceptor = acc

	go acc.Serve(func(ch *transport.Channel) {
		ch.OnChannel(wire.ChannelAuth, p.handleAuthFrame)
	})
	return nil
}

// Close stops accepting connections and tears down the reconnect
// loops.
func (p *Provider) Close() error {
	close(p.stopCh)
	if p.acceptor != nil {
		return p.acceptor.Close()
	}
	return nil
}

func (p *Provider) handleAuthFrame(ch *transport.Channel, f wire.Frame) ([]byte, error) {
	logger := log.WithComponent("cluster")

	typ, decoded, err := wire.DecodeAuth(f.Payload)
	if err != nil {
		return nil, fmt.Errorf("cluster: decode auth: %w", err)
	}

	if typ != wire.AuthNodeToNode {
		// Service (agent) authorization is pkg/serviceman's concern; the
		// provider only ever claims node-to-node frames.
		return nil, nil
	}
	nodeAuth := decoded.(wire.AuthNodePayload)

	if !p.authorize(nodeAuth, ch) {
		logger.Warn().Str("cluster_id", nodeAuth.ClusterID).Str("peer", nodeAuth.UniqueID).Msg("rejected auth handshake")
		resp := wire.EncodeAuthResponse(wire.AuthResponse{Success: false})
		// A non-nil error here would make transport.Channel.Serve drop
		// this reply instead of sending it, leaving the dialer to block
		// out its full handshake timeout instead of seeing an immediate
		// rejection. The rejection itself is a handled outcome, not a
		// transport-layer error.
		return resp, nil
	}

	p.admit(nodeAuth.UniqueID, nodeAuth.ListenAddresses, ch)

	var snapshot []byte
	if p.SnapshotProvider != nil {
		snapshot = p.SnapshotProvider()
	}
	resp := wire.EncodeAuthResponse(wire.AuthResponse{Success: true, InitialSync: true, Snapshot: snapshot})
	return resp, nil
}

// authorize implements §4.3: reject on clusterId mismatch, reject if
// the source address isn't whitelisted, and reject if there's no
// known NodeServer entry for the identity (join-token admission,
// below, is what creates that entry ahead of time for a brand-new
// node).
func (p *Provider) authorize(auth wire.AuthNodePayload, ch *transport.Channel) bool {
	if auth.ClusterID != p.clusterID {
		return false
	}

	p.whitelistMu.RLock()
	whitelisted := len(p.whitelist) == 0
	if !whitelisted {
		_, whitelisted = p.whitelist[remoteHost(ch)]
	}
	p.whitelistMu.RUnlock()
	if !whitelisted {
		return false
	}

	p.mu.RLock()
	_, known := p.peers[auth.UniqueID]
	p.mu.RUnlock()
	return known
}

// AdmitJoinToken pre-registers a roster entry for identity, allowing
// its next AUTH_NODE handshake to succeed even though it was never
// part of the original ClusterConfig.RemoteNodes list (Supplemented
// feature: join-token node admission). Callers are expected to have
// already validated the presented types.JoinToken before calling this.
func (p *Provider) AdmitJoinToken(identity types.NodeIdentity) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.peers[identity.UniqueID]; ok {
		return
	}
	p.peers[identity.UniqueID] = &peer{
		server:  types.NodeServer{Identity: identity, State: types.NodeUnavailable, LastStateChangeAt: time.Now()},
		backoff: time.Second,
	}
}

// AllowIP adds an address to the runtime IP whitelist (used when
// ClusterConfig.IPWhitelist changes on "config reload").
func (p *Provider) AllowIP(addr string) {
	p.whitelistMu.Lock()
	defer p.whitelistMu.Unlock()
	p.whitelist[addr] = struct{}{}
}

func remoteHost(ch *transport.Channel) string {
	addr := ch.RemoteAddr()
	if addr == nil {
		return ""
	}
	return addr.String()
}

// admit records a freshly-authorized peer as SYNCING and wires its
// channel close callback to the disconnect path.
func (p *Provider) admit(uniqueID string, listenAddrs []string, ch *transport.Channel) {
	ch.RemoteNodeID = uniqueID

	p.mu.Lock()
	pr, ok := p.peers[uniqueID]
	if !ok {
		pr = &peer{backoff: time.Second}
		p.peers[uniqueID] = pr
	}
	pr.channel = ch
	if len(listenAddrs) > 0 || len(pr.server.Identity.ListenAddresses) == 0 {
		pr.server.Identity = types.NodeIdentity{UniqueID: uniqueID, ListenAddresses: listenAddrs}
	} else {
		pr.server.Identity.UniqueID = uniqueID
	}
	pr.server.State = types.NodeSyncing
	pr.server.LastStateChangeAt = time.Now()
	p.mu.Unlock()

	ch.OnClose(func(*transport.Channel) { p.handleDisconnect(uniqueID) })

	// The peer transitions to READY only once its sync-ack arrives on
	// ChannelServiceAck (§4.3) — acknowledging it has applied the
	// authoritative snapshot carried in the auth response.
	ch.OnChannel(wire.ChannelServiceAck, func(c *transport.Channel, f wire.Frame) ([]byte, error) {
		p.markReady(uniqueID)
		return nil, nil
	})

	log.WithComponent("cluster").Info().Str("peer", uniqueID).Msg("peer authorized, awaiting sync ack")
}

// markReady transitions a peer straight to READY and recomputes the
// head. Called when the peer's sync-ack arrives on ChannelServiceAck
// (acceptor side) and once the dialer's handshake has succeeded.
func (p *Provider) markReady(uniqueID string) {
	p.mu.Lock()
	pr, ok := p.peers[uniqueID]
	if !ok {
		p.mu.Unlock()
		return
	}
	pr.server.State = types.NodeReady
	pr.server.LastStateChangeAt = time.Now()
	pr.backoff = time.Second
	p.mu.Unlock()

	p.recomputeHead()

	if p.OnPeerReady != nil {
		p.OnPeerReady(uniqueID)
	}
}

func (p *Provider) handleDisconnect(uniqueID string) {
	p.mu.Lock()
	pr, ok := p.peers[uniqueID]
	if !ok {
		p.mu.Unlock()
		return
	}
	pr.server.State = types.NodeDisconnected
	pr.server.LastStateChangeAt = time.Now()
	pr.channel = nil
	p.mu.Unlock()

	log.WithComponent("cluster").Warn().Str("peer", uniqueID).Msg("peer disconnected")

	p.recomputeHead()

	if p.OnPeerDisconnected != nil {
		p.OnPeerDisconnected(uniqueID)
	}

	go p.reconnectLoop(uniqueID)
}

// recomputeHead picks the lexicographically smallest uniqueId among
// READY peers plus the local node (§4.3) and announces a change.
func (p *Provider) recomputeHead() {
	p.mu.Lock()
	candidates := []string{p.self.UniqueID}
	for _, pr := range p.peers {
		if pr.server.State == types.NodeReady {
			candidates = append(candidates, pr.server.Identity.UniqueID)
		}
	}
	sort.Strings(candidates)
	newHead := candidates[0]
	changed := newHead != p.head
	p.head = newHead
	p.mu.Unlock()

	if !changed {
		return
	}

	log.WithComponent("cluster").Info().Str("head", newHead).Msg("head changed")

	if p.bus != nil {
		p.bus.Publish(types.ChannelMessage{
			Sender:  p.self,
			Targets: []types.Target{{Type: types.TargetAllNodes}},
			Channel: HeadChangedChannel,
			Message: newHead,
		})
	}
}
