package chunk

import (
	"bytes"
	"os"
	"testing"

	"github.com/hearthnet/fleet/pkg/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSplitter struct {
	frames []wire.Frame
}

func (s *recordingSplitter) Send(f wire.Frame) error {
	s.frames = append(s.frames, f)
	return nil
}

func TestSendStreamThreeChunksExactBoundary(t *testing.T) {
	data := bytes.Repeat([]byte("x"), 300)
	s := &recordingSplitter{}

	sessionID, err := SendStream(s, bytes.NewReader(data), 100)
	require.NoError(t, err)

	require.Len(t, s.frames, 3)
	for i, f := range s.frames {
		pkt, err := Decode(f.Payload)
		require.NoError(t, err)
		assert.Equal(t, sessionID, pkt.SessionID)
		assert.Equal(t, uint64(i), pkt.Index)
		assert.Equal(t, i == 2, pkt.Last)
		assert.Len(t, pkt.Payload, 100)
	}
}

func TestSendStreamUnevenRemainder(t *testing.T) {
	data := bytes.Repeat([]byte("y"), 120)
	s := &recordingSplitter{}

	_, err := SendStream(s, bytes.NewReader(data), 50)
	require.NoError(t, err)

	require.Len(t, s.frames, 3)
	last, err := Decode(s.frames[2].Payload)
	require.NoError(t, err)
	assert.True(t, last.Last)
	assert.Len(t, last.Payload, 20)
}

func TestReceiverReassemblesInOrder(t *testing.T) {
	dir := t.TempDir()
	completed := make(chan string, 1)

	r := NewReceiver(dir, func(sessionID string) SessionHandler {
		return completionFunc(func(_, path string) error {
			completed <- path
			return nil
		})
	})

	data := bytes.Repeat([]byte("z"), 250)
	s := &recordingSplitter{}
	_, err := SendStream(s, bytes.NewReader(data), 100)
	require.NoError(t, err)

	for _, f := range s.frames {
		pkt, err := Decode(f.Payload)
		require.NoError(t, err)
		require.NoError(t, r.accept(pkt))
	}

	path := <-completed
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestReceiverFailsOnOutOfOrderChunk(t *testing.T) {
	dir := t.TempDir()
	r := NewReceiver(dir, nil)

	require.NoError(t, r.accept(Packet{SessionID: "s1", Index: 0, Payload: []byte("a")}))
	err := r.accept(Packet{SessionID: "s1", Index: 2, Last: true, Payload: []byte("c")})
	require.Error(t, err)
}

type completionFunc func(sessionID, path string) error

func (f completionFunc) Complete(sessionID, path string) error { return f(sessionID, path) }
