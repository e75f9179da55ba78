package adminapi

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hearthnet/fleet/pkg/transport"
	"github.com/hearthnet/fleet/pkg/wire"
)

// DefaultCallTimeout bounds how long Call waits for a reply.
const DefaultCallTimeout = 30 * time.Second

// Client is a one-connection fleetctl-side handle to a node's admin
// channel. Each Call is a request/reply round trip correlated by the
// frame's packet id (pkg/bus queries over C5 instead correlate by the
// payload's queryUniqueId).
type Client struct {
	ch *transport.Channel

	nextID uint64

	mu      sync.Mutex
	pending map[uint64]chan wire.Frame
}

// Dial opens a connection to a node's admin listener and readies it
// for Call.
func Dial(addr string) (*Client, error) {
	c := &Client{pending: make(map[uint64]chan wire.Frame)}

	ch, err := transport.Dial(addr, func(ch *transport.Channel) {
		ch.OnChannel(wire.ChannelAdmin, c.onFrame)
	})
	if err != nil {
		return nil, fmt.Errorf("adminapi: dial %s: %w", addr, err)
	}
	c.ch = ch
	return c, nil
}

func (c *Client) onFrame(ch *transport.Channel, f wire.Frame) ([]byte, error) {
	c.mu.Lock()
	wait, ok := c.pending[f.PacketID]
	if ok {
		delete(c.pending, f.PacketID)
	}
	c.mu.Unlock()

	if ok {
		wait <- f
	}
	return nil, nil
}

// Call sends op with body JSON-marshaled (nil if body is nil), waits
// for the reply, and unmarshals its body into out (nil to discard).
func (c *Client) Call(op Op, body any, out any) error {
	var raw json.RawMessage
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("adminapi: encode %s request: %w", op, err)
		}
		raw = data
	}

	req, err := json.Marshal(Request{Op: op, Body: raw})
	if err != nil {
		return fmt.Errorf("adminapi: encode %s envelope: %w", op, err)
	}

	packetID := atomic.AddUint64(&c.nextID, 1)
	wait := make(chan wire.Frame, 1)
	c.mu.Lock()
	c.pending[packetID] = wait
	c.mu.Unlock()

	if err := c.ch.Send(wire.Frame{ChannelID: wire.ChannelAdmin, PacketID: packetID, Payload: req}); err != nil {
		c.mu.Lock()
		delete(c.pending, packetID)
		c.mu.Unlock()
		return fmt.Errorf("adminapi: send %s: %w", op, err)
	}

	select {
	case f := <-wait:
		var resp Response
		if err := json.Unmarshal(f.Payload, &resp); err != nil {
			return fmt.Errorf("adminapi: decode %s response: %w", op, err)
		}
		if !resp.OK {
			return fmt.Errorf("adminapi: %s: %s", op, resp.Error)
		}
		if out != nil && len(resp.Body) > 0 {
			if err := json.Unmarshal(resp.Body, out); err != nil {
				return fmt.Errorf("adminapi: decode %s body: %w", op, err)
			}
		}
		return nil
	case <-time.After(DefaultCallTimeout):
		c.mu.Lock()
		delete(c.pending, packetID)
		c.mu.Unlock()
		return fmt.Errorf("adminapi: %s timed out", op)
	}
}

// Close closes the underlying connection.
func (c *Client) Close() error { return c.ch.Close() }
