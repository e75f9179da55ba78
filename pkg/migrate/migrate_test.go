package migrate

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	docs         map[string][]byte
	chunkOffsets []int
}

func newFakeStore(n int) *fakeStore {
	s := &fakeStore{docs: make(map[string][]byte)}
	for i := 0; i < n; i++ {
		key := fmt.Sprintf("doc-%03d", i)
		s.docs[key] = []byte(fmt.Sprintf("value-%d", i))
	}
	return s
}

func (s *fakeStore) ReadChunk(_ context.Context, offset, limit int) ([]Document, error) {
	s.chunkOffsets = append(s.chunkOffsets, offset)

	keys := make([]string, 0, len(s.docs))
	for k := range s.docs {
		keys = append(keys, k)
	}
	// deterministic order
	sortStrings(keys)

	var out []Document
	for i := offset; i < len(keys) && len(out) < limit; i++ {
		out = append(out, Document{Key: keys[i], Value: s.docs[keys[i]]})
	}
	return out, nil
}

func (s *fakeStore) Insert(_ context.Context, docs []Document) error {
	for _, d := range docs {
		s.docs[d.Key] = d.Value
	}
	return nil
}

func sortStrings(ss []string) {
	for i := 1; i < len(ss); i++ {
		for j := i; j > 0 && ss[j-1] > ss[j]; j-- {
			ss[j-1], ss[j] = ss[j], ss[j-1]
		}
	}
}

func TestRunMigrates250DocumentsInThreeChunks(t *testing.T) {
	src := newFakeStore(250)
	tgt := &fakeStore{docs: make(map[string][]byte)}

	total, err := Run(context.Background(), src, tgt, 100)
	require.NoError(t, err)

	assert.Equal(t, 250, total)
	assert.Equal(t, []int{0, 100, 200}, src.chunkOffsets, "readChunk must be called at offsets 0, 100, 200")
	assert.Len(t, tgt.docs, 250)
	assert.Len(t, src.docs, 250, "source must be unchanged")
	assert.Equal(t, src.docs, tgt.docs)
}

func TestRunEmptySourceCopiesNothing(t *testing.T) {
	src := newFakeStore(0)
	tgt := &fakeStore{docs: make(map[string][]byte)}

	total, err := Run(context.Background(), src, tgt, 100)
	require.NoError(t, err)
	assert.Equal(t, 0, total)
	assert.Empty(t, tgt.docs)
}

func TestRunDefaultsChunkSizeWhenNonPositive(t *testing.T) {
	src := newFakeStore(5)
	tgt := &fakeStore{docs: make(map[string][]byte)}

	total, err := Run(context.Background(), src, tgt, 0)
	require.NoError(t, err)
	assert.Equal(t, 5, total)
}

type failingSource struct{}

func (failingSource) ReadChunk(context.Context, int, int) ([]Document, error) {
	return nil, assertErr
}

type assertError string

func (e assertError) Error() string { return string(e) }

var assertErr = assertError("read failed")

func TestRunStopsOnSourceError(t *testing.T) {
	tgt := &fakeStore{docs: make(map[string][]byte)}
	_, err := Run(context.Background(), failingSource{}, tgt, 10)
	assert.ErrorIs(t, err, assertErr)
}
