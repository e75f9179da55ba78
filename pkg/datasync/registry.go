// Package datasync implements C7: per-entity-kind push/pull
// reconciliation, with a full snapshot exchanged on reconnect and
// steady-state deltas propagated over pkg/bus.
package datasync

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/hearthnet/fleet/pkg/log"
	"github.com/hearthnet/fleet/pkg/types"
)

// Handler is the concrete, per-entity-kind descriptor: how to read
// the current value, write a resolved one, enumerate everything for
// a snapshot, and (de)serialize one value. T is erased behind the
// descriptor interface so a Registry can hold many unrelated kinds
// (ServiceTask, GroupConfiguration, ServiceInfoSnapshot, ...).
type Handler[T any] struct {
	// Key names this entity kind on the wire and on the bus
	// ("serviceTask", "group", "serviceInfo", ...).
	Key string

	// IDOf extracts the stable identity a value is keyed by.
	IDOf func(T) string
	// Get returns the current local value for an id, if any.
	Get func(id string) (T, bool)
	// Put writes a resolved value as the new current value.
	Put func(T) error
	// All enumerates every current value, for building a snapshot.
	All func() []T

	Serialize   func(T) ([]byte, error)
	Deserialize func([]byte) (T, error)

	// Resolve picks the winner between the local and an incoming
	// remote value. If nil, the remote value always wins (plain
	// last-write-wins, matching ServiceInfoSnapshot's spec'd semantics).
	Resolve func(local, remote T) T

	// AlwaysForceApply skips Resolve and Get entirely: the incoming
	// value is written unconditionally. Used for tombstones (DELETED
	// snapshots) that must win regardless of local state.
	AlwaysForceApply bool
}

func (h *Handler[T]) key() string { return h.Key }

func (h *Handler[T]) snapshot() ([][]byte, error) {
	values := h.All()
	out := make([][]byte, 0, len(values))
	for _, v := range values {
		b, err := h.Serialize(v)
		if err != nil {
			return nil, fmt.Errorf("datasync: serialize %s: %w", h.Key, err)
		}
		out = append(out, b)
	}
	return out, nil
}

func (h *Handler[T]) apply(data []byte) error {
	remote, err := h.Deserialize(data)
	if err != nil {
		return fmt.Errorf("datasync: deserialize %s: %w", h.Key, err)
	}

	if h.AlwaysForceApply {
		return h.Put(remote)
	}

	id := h.IDOf(remote)
	local, ok := h.Get(id)
	if !ok {
		return h.Put(remote)
	}

	winner := remote
	if h.Resolve != nil {
		winner = h.Resolve(local, remote)
	}
	return h.Put(winner)
}

// descriptor is the type-erased view of a Handler[T] a Registry
// stores.
type descriptor interface {
	key() string
	snapshot() ([][]byte, error)
	apply(data []byte) error
}

// Publisher is the subset of pkg/bus.Bus the registry needs to
// propagate deltas, mirroring pkg/cluster's seam of the same name.
type Publisher interface {
	Publish(msg types.ChannelMessage) error
}

// Registry holds every registered entity kind's descriptor and wires
// delta propagation over a Publisher.
type Registry struct {
	self types.NodeIdentity
	bus  Publisher

	mu       sync.RWMutex
	handlers map[string]descriptor
}

// NewRegistry creates an empty Registry for the local node.
func NewRegistry(self types.NodeIdentity) *Registry {
	return &Registry{self: self, handlers: make(map[string]descriptor)}
}

// SetBus wires the publisher used to broadcast deltas.
func (r *Registry) SetBus(b Publisher) { r.bus = b }

// Register adds a Handler[T] under its Key. Registering the same key
// twice replaces the previous descriptor.
func Register[T any](r *Registry, h *Handler[T]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[h.Key] = h
}

// BusChannel is the pkg/bus channel name a given entity kind's deltas
// travel on.
func BusChannel(key string) string { return "datasync." + key }

// Propagate serializes value with its kind's Handler and broadcasts
// it to every node, for the caller to invoke right after a local
// write. With no bus wired it serializes the value and returns nil.
func Propagate[T any](r *Registry, h *Handler[T], value T) error {
	payload, err := h.Serialize(value)
	if err != nil {
		return fmt.Errorf("datasync: serialize %s for propagation: %w", h.Key, err)
	}
	if r.bus == nil {
		return nil
	}
	return r.bus.Publish(types.ChannelMessage{
		Sender:  r.self,
		Targets: []types.Target{{Type: types.TargetAllNodes}},
		Channel: BusChannel(h.Key),
		Content: payload,
	})
}

// HandleDelta is a bus.Subscriber to register on BusChannel(key) for
// every registered kind (see WireSubscriptions).
func (r *Registry) HandleDelta(key string) func(msg types.ChannelMessage) []byte {
	return func(msg types.ChannelMessage) []byte {
		r.mu.RLock()
		d, ok := r.handlers[key]
		r.mu.RUnlock()
		if !ok {
			return nil
		}
		if err := d.apply(msg.Content); err != nil {
			log.WithComponent("datasync").Warn().Err(err).Str("key", key).Msg("failed to apply delta")
		}
		return nil
	}
}

// Subscribable is the subset of pkg/bus.Bus needed to wire every
// registered handler's delta channel at startup.
type Subscribable interface {
	Subscribe(channel string, h func(msg types.ChannelMessage) []byte)
}

// WireSubscriptions registers HandleDelta for every currently
// registered handler. Call once, after all Register calls, before
// the bus starts receiving traffic.
func (r *Registry) WireSubscriptions(b Subscribable) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for key := range r.handlers {
		b.Subscribe(BusChannel(key), r.HandleDelta(key))
	}
}

// PrepareClusterData builds the full-snapshot payload sent back in an
// auth response's Snapshot field: [handlerCount][key][itemCount][item...]...
func (r *Registry) PrepareClusterData() ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := binary.AppendUvarint(nil, uint64(len(r.handlers)))
	for key, d := range r.handlers {
		items, err := d.snapshot()
		if err != nil {
			return nil, err
		}
		out = appendString(out, key)
		out = binary.AppendUvarint(out, uint64(len(items)))
		for _, item := range items {
			out = binary.AppendUvarint(out, uint64(len(item)))
			out = append(out, item...)
		}
	}
	return out, nil
}

// ApplySnapshot decodes a PrepareClusterData payload and applies
// every item through its kind's Handler, per entity conflict rules.
// Unknown keys (e.g. a handler not registered on this node) are
// skipped and logged rather than failing the whole snapshot.
func (r *Registry) ApplySnapshot(data []byte) error {
	rem := data
	n, err := readUvarint(&rem)
	if err != nil {
		return fmt.Errorf("datasync: decode snapshot header: %w", err)
	}

	for i := uint64(0); i < n; i++ {
		key, err := readString(&rem)
		if err != nil {
			return fmt.Errorf("datasync: decode handler key: %w", err)
		}
		count, err := readUvarint(&rem)
		if err != nil {
			return fmt.Errorf("datasync: decode item count for %s: %w", key, err)
		}

		r.mu.RLock()
		d, ok := r.handlers[key]
		r.mu.RUnlock()

		for j := uint64(0); j < count; j++ {
			itemLen, err := readUvarint(&rem)
			if err != nil {
				return fmt.Errorf("datasync: decode item length for %s: %w", key, err)
			}
			if uint64(len(rem)) < itemLen {
				return fmt.Errorf("datasync: item for %s out of range", key)
			}
			item := rem[:itemLen]
			rem = rem[itemLen:]

			if !ok {
				continue
			}
			if err := d.apply(item); err != nil {
				log.WithComponent("datasync").Warn().Err(err).Str("key", key).Msg("failed to apply snapshot item")
			}
		}
	}
	return nil
}

func appendString(dst []byte, s string) []byte {
	dst = binary.AppendUvarint(dst, uint64(len(s)))
	return append(dst, s...)
}

func readUvarint(rem *[]byte) (uint64, error) {
	n, sz := binary.Uvarint(*rem)
	if sz <= 0 {
		return 0, fmt.Errorf("datasync: malformed varint")
	}
	*rem = (*rem)[sz:]
	return n, nil
}

func readString(rem *[]byte) (string, error) {
	n, err := readUvarint(rem)
	if err != nil {
		return "", err
	}
	if uint64(len(*rem)) < n {
		return "", fmt.Errorf("datasync: string out of range")
	}
	s := string((*rem)[:n])
	*rem = (*rem)[n:]
	return s, nil
}
