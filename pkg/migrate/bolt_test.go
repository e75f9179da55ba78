package migrate

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBoltStoreReadChunkAndInsertRoundTrip(t *testing.T) {
	dir := t.TempDir()

	src, err := OpenBoltStore(filepath.Join(dir, "src.db"), "docs")
	require.NoError(t, err)
	defer src.Close()

	for i := 0; i < 250; i++ {
		key := fmt.Sprintf("doc-%03d", i)
		require.NoError(t, src.Insert(context.Background(), []Document{{Key: key, Value: []byte("v")}}))
	}

	tgt, err := OpenBoltStore(filepath.Join(dir, "tgt.db"), "docs")
	require.NoError(t, err)
	defer tgt.Close()

	total, err := Run(context.Background(), src, tgt, 100)
	require.NoError(t, err)
	assert.Equal(t, 250, total)

	got, err := tgt.ReadChunk(context.Background(), 0, 300)
	require.NoError(t, err)
	assert.Len(t, got, 250)

	stillThere, err := src.ReadChunk(context.Background(), 0, 300)
	require.NoError(t, err)
	assert.Len(t, stillThere, 250, "source must be unchanged after migration")
}

func TestBoltStoreReadChunkOnEmptyBucketIsEmpty(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenBoltStore(filepath.Join(dir, "empty.db"), "docs")
	require.NoError(t, err)
	defer s.Close()

	docs, err := s.ReadChunk(context.Background(), 0, 10)
	require.NoError(t, err)
	assert.Empty(t, docs)
}
