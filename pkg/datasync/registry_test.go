package datasync

import (
	"fmt"
	"testing"

	"github.com/hearthnet/fleet/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type record struct {
	ID      string
	Version int
}

func recordHandler(store map[string]record) *Handler[record] {
	return &Handler[record]{
		Key:  "record",
		IDOf: func(r record) string { return r.ID },
		Get:  func(id string) (record, bool) { r, ok := store[id]; return r, ok },
		Put:  func(r record) error { store[r.ID] = r; return nil },
		All: func() []record {
			out := make([]record, 0, len(store))
			for _, r := range store {
				out = append(out, r)
			}
			return out
		},
		Serialize: func(r record) ([]byte, error) { return []byte(fmt.Sprintf("%s|%d", r.ID, r.Version)), nil },
		Deserialize: func(b []byte) (record, error) {
			parts := splitOnce(string(b), '|')
			return record{ID: parts[0], Version: atoi(parts[1])}, nil
		},
		Resolve: func(local, remote record) record {
			if remote.Version > local.Version {
				return remote
			}
			return local
		},
	}
}

func splitOnce(s string, sep byte) [2]string {
	for i := 0; i < len(s); i++ {
		if s[i] == sep {
			return [2]string{s[:i], s[i+1:]}
		}
	}
	return [2]string{s, ""}
}

func atoi(s string) int {
	n := 0
	for _, c := range s {
		n = n*10 + int(c-'0')
	}
	return n
}

func TestSnapshotRoundTrip(t *testing.T) {
	store := map[string]record{"a": {ID: "a", Version: 1}, "b": {ID: "b", Version: 2}}
	h := recordHandler(store)

	r := NewRegistry(types.NodeIdentity{UniqueID: "n1"})
	Register(r, h)

	snap, err := r.PrepareClusterData()
	require.NoError(t, err)

	dest := map[string]record{}
	destHandler := recordHandler(dest)
	r2 := NewRegistry(types.NodeIdentity{UniqueID: "n2"})
	Register(r2, destHandler)

	require.NoError(t, r2.ApplySnapshot(snap))
	assert.Equal(t, store["a"], dest["a"])
	assert.Equal(t, store["b"], dest["b"])
}

func TestResolveKeepsHigherVersion(t *testing.T) {
	store := map[string]record{"a": {ID: "a", Version: 5}}
	h := recordHandler(store)

	require.NoError(t, h.apply([]byte("a|3")))
	assert.Equal(t, 5, store["a"].Version, "lower version must not overwrite")

	require.NoError(t, h.apply([]byte("a|9")))
	assert.Equal(t, 9, store["a"].Version, "higher version must win")
}

func TestAlwaysForceApplyBypassesResolve(t *testing.T) {
	store := map[string]record{"a": {ID: "a", Version: 100}}
	h := recordHandler(store)
	h.AlwaysForceApply = true

	require.NoError(t, h.apply([]byte("a|1")))
	assert.Equal(t, 1, store["a"].Version)
}

func TestPropagatePublishesOnDeltaChannel(t *testing.T) {
	store := map[string]record{}
	h := recordHandler(store)
	r := NewRegistry(types.NodeIdentity{UniqueID: "n1"})
	Register(r, h)

	var published types.ChannelMessage
	r.SetBus(publishFunc(func(msg types.ChannelMessage) error {
		published = msg
		return nil
	}))

	require.NoError(t, Propagate(r, h, record{ID: "x", Version: 1}))
	assert.Equal(t, BusChannel("record"), published.Channel)
	assert.Equal(t, []byte("x|1"), published.Content)
}

type publishFunc func(msg types.ChannelMessage) error

func (f publishFunc) Publish(msg types.ChannelMessage) error { return f(msg) }
