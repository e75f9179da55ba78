package wire

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	in := Frame{ChannelID: ChannelMessage, PacketID: 42, Payload: []byte("hello")}
	require.NoError(t, WriteFrame(&buf, in))

	out, err := ReadFrame(bufio.NewReader(&buf))
	require.NoError(t, err)
	assert.Equal(t, in.ChannelID, out.ChannelID)
	assert.Equal(t, in.PacketID, out.PacketID)
	assert.Equal(t, in.Payload, out.Payload)
}

func TestFrameSequenceOnSharedReader(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, Frame{ChannelID: 1, Payload: []byte("a")}))
	require.NoError(t, WriteFrame(&buf, Frame{ChannelID: 2, Payload: []byte("b")}))

	r := bufio.NewReader(&buf)
	first, err := ReadFrame(r)
	require.NoError(t, err)
	second, err := ReadFrame(r)
	require.NoError(t, err)

	assert.Equal(t, []byte("a"), first.Payload)
	assert.Equal(t, []byte("b"), second.Payload)
}

func TestAuthNodeRoundTrip(t *testing.T) {
	p := AuthNodePayload{ClusterID: "c1", UniqueID: "n1", ListenAddresses: []string{"10.0.0.1:7777"}}
	typ, decoded, err := DecodeAuth(EncodeAuthNode(p))
	require.NoError(t, err)
	assert.Equal(t, AuthNodeToNode, typ)
	assert.Equal(t, p, decoded)
}

func TestAuthServiceRoundTrip(t *testing.T) {
	p := AuthServicePayload{ConnectionKey: "key-1", ServiceID: "svc-1"}
	typ, decoded, err := DecodeAuth(EncodeAuthService(p))
	require.NoError(t, err)
	assert.Equal(t, AuthWrapperToNode, typ)
	assert.Equal(t, p, decoded)
}

func TestAuthResponseRoundTrip(t *testing.T) {
	r := AuthResponse{Success: true, InitialSync: true, Snapshot: []byte("snap")}
	decoded, err := DecodeAuthResponse(EncodeAuthResponse(r))
	require.NoError(t, err)
	assert.Equal(t, r, decoded)
}
