package transport

import (
	"testing"
	"time"

	"github.com/hearthnet/fleet/pkg/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcceptorDialRoundTrip(t *testing.T) {
	acc, err := Listen("127.0.0.1:0")
	require.NoError(t, err)
	defer acc.Close()

	received := make(chan wire.Frame, 1)
	go acc.Serve(func(ch *Channel) {
		ch.OnChannel(wire.ChannelMessage, func(c *Channel, f wire.Frame) ([]byte, error) {
			received <- f
			return nil, nil
		})
	})

	ch, err := Dial(acc.Addr().String(), func(*Channel) {})
	require.NoError(t, err)
	defer ch.Close()

	require.NoError(t, ch.Send(wire.Frame{ChannelID: wire.ChannelMessage, Payload: []byte("ping")}))

	select {
	case f := <-received:
		assert.Equal(t, []byte("ping"), f.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
	}
}

func TestChannelReplyOnlyWhenPacketIDSet(t *testing.T) {
	acc, err := Listen("127.0.0.1:0")
	require.NoError(t, err)
	defer acc.Close()

	go acc.Serve(func(ch *Channel) {
		ch.OnChannel(wire.ChannelQueryReply, func(c *Channel, f wire.Frame) ([]byte, error) {
			return []byte("pong"), nil
		})
	})

	replies := make(chan wire.Frame, 1)
	ch, err := Dial(acc.Addr().String(), func(c *Channel) {
		c.OnChannel(wire.ChannelQueryReply, func(c *Channel, f wire.Frame) ([]byte, error) {
			replies <- f
			return nil, nil
		})
	})
	require.NoError(t, err)
	defer ch.Close()

	require.NoError(t, ch.Send(wire.Frame{ChannelID: wire.ChannelQueryReply, PacketID: 7, Payload: []byte("query")}))

	select {
	case f := <-replies:
		assert.Equal(t, []byte("pong"), f.Payload)
		assert.Equal(t, uint64(7), f.PacketID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reply")
	}
}

func TestChannelCloseFiresOnClose(t *testing.T) {
	acc, err := Listen("127.0.0.1:0")
	require.NoError(t, err)
	defer acc.Close()

	go acc.Serve(func(*Channel) {})

	closed := make(chan struct{})
	ch, err := Dial(acc.Addr().String(), func(c *Channel) {
		c.OnClose(func(*Channel) { close(closed) })
	})
	require.NoError(t, err)

	require.NoError(t, ch.Close())
	require.NoError(t, ch.Close()) // idempotent

	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("onClose never fired")
	}
}
