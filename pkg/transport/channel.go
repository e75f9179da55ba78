// Package transport implements C3: frame-oriented, bi-directional
// connections with a listener table keyed by channel id. Every node↔node
// and node↔service connection in Fleet is one *Channel.
package transport

import (
	"bufio"
	"fmt"
	"net"
	"sync"

	"github.com/hearthnet/fleet/pkg/log"
	"github.com/hearthnet/fleet/pkg/wire"
)

// Handler processes one decoded frame arriving on a channel id. A
// non-nil, non-empty return is written back as a reply when the
// caller used a packet id (query semantics live a layer up, in
// pkg/bus); returning nil means "no reply".
type Handler func(ch *Channel, f wire.Frame) ([]byte, error)

// Channel wraps one net.Conn with frame encode/decode and a per-channel-id
// handler table. Reads happen on a single goroutine per Channel so that
// ordering per connection (spec §5) falls out for free; writes take
// writeMu so concurrent senders don't interleave frame bytes.
type Channel struct {
	conn net.Conn
	br   *bufio.Reader

	writeMu sync.Mutex

	mu       sync.RWMutex
	handlers map[uint64]Handler
	closed   bool
	closeCh  chan struct{}

	onClose func(*Channel)

	// Identity is filled in once the auth handshake (channel 0)
	// completes; empty before that point.
	RemoteNodeID    string
	RemoteServiceID string
}

// New wraps an already-dialed or accepted connection. Call Serve to
// start its read loop.
func New(conn net.Conn) *Channel {
	return &Channel{
		conn:     conn,
		br:       bufio.NewReader(conn),
		handlers: make(map[uint64]Handler),
		closeCh:  make(chan struct{}),
	}
}

// OnChannel registers the handler invoked for frames with the given
// channel id. Registering replaces any previous handler for that id.
func (c *Channel) OnChannel(id uint64, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[id] = h
}

// OnClose registers a callback invoked exactly once when the
// connection closes, from whichever side detects it first.
func (c *Channel) OnClose(fn func(*Channel)) {
	c.mu.Lock()
	c.onClose = fn
	c.mu.Unlock()
}

// RemoteAddr returns the underlying connection's remote address.
func (c *Channel) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// Send writes a frame to the wire. Safe for concurrent use.
func (c *Channel) Send(f wire.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.isClosed() {
		return fmt.Errorf("transport: channel closed")
	}
	return wire.WriteFrame(c.conn, f)
}

func (c *Channel) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// Serve runs the read loop until the connection closes or an
// unrecoverable decode error occurs. It blocks; call it from its own
// goroutine. Every frame not claimed by a registered handler is
// dropped — spec §3 requires packets on non-auth channels to be
// dropped before authorization, which falls out naturally since only
// the auth handler is registered pre-handshake.
func (c *Channel) Serve() {
	logger := log.WithChannel(fmt.Sprintf("%v", c.conn.RemoteAddr()))
	defer c.Close()

	for {
		f, err := wire.ReadFrame(c.br)
		if err != nil {
			logger.Debug().Err(err).Msg("channel read loop ended")
			return
		}

		c.mu.RLock()
		h := c.handlers[f.ChannelID]
		c.mu.RUnlock()

		if h == nil {
			continue
		}

		reply, err := h(c, f)
		if err != nil {
			logger.Warn().Err(err).Uint64("channel_id", f.ChannelID).Msg("handler error")
			continue
		}
		if reply != nil && f.PacketID != 0 {
			if err := c.Send(wire.Frame{ChannelID: f.ChannelID, PacketID: f.PacketID, Payload: reply}); err != nil {
				logger.Warn().Err(err).Msg("failed to send reply")
			}
		}
	}
}

// Close closes the underlying connection and fires the close
// callback exactly once. Safe to call multiple times / concurrently.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	onClose := c.onClose
	c.mu.Unlock()

	close(c.closeCh)
	err := c.conn.Close()
	if onClose != nil {
		onClose(c)
	}
	return err
}

// Done returns a channel closed once this Channel has closed, for
// callers that want to select on connection loss.
func (c *Channel) Done() <-chan struct{} { return c.closeCh }
