package cluster

import (
	"fmt"
	"time"

	"github.com/hearthnet/fleet/pkg/log"
	"github.com/hearthnet/fleet/pkg/transport"
	"github.com/hearthnet/fleet/pkg/types"
	"github.com/hearthnet/fleet/pkg/wire"
)

const maxReconnectBackoff = 30 * time.Second

// Connect dials a peer's listen addresses in order until one
// completes the NODE_TO_NODE handshake, and admits the resulting
// channel on success. Safe to call for an already-admitted peer; a
// double-connect just replaces the channel.
func (p *Provider) Connect(identity types.NodeIdentity) error {
	if len(identity.ListenAddresses) == 0 {
		return fmt.Errorf("cluster: peer %s has no listen addresses", identity.UniqueID)
	}

	var lastErr error
	for _, addr := range identity.ListenAddresses {
		if err := p.dialOnce(identity.UniqueID, addr); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return fmt.Errorf("cluster: connect to %s: %w", identity.UniqueID, lastErr)
}

func (p *Provider) dialOnce(remoteUniqueID, addr string) error {
	replyCh := make(chan wire.AuthResponse, 1)
	errCh := make(chan error, 1)

	ch, err := transport.Dial(addr, func(c *transport.Channel) {
		c.OnChannel(wire.ChannelAuth, func(c *transport.Channel, f wire.Frame) ([]byte, error) {
			resp, err := wire.DecodeAuthResponse(f.Payload)
			if err != nil {
				errCh <- err
				return nil, err
			}
			replyCh <- resp
			return nil, nil
		})
	})
	if err != nil {
		return fmt.Errorf("cluster: dial %s: %w", addr, err)
	}

	payload := wire.EncodeAuthNode(wire.AuthNodePayload{
		ClusterID:       p.clusterID,
		UniqueID:        p.self.UniqueID,
		ListenAddresses: p.self.ListenAddresses,
	})
	if err := ch.Send(wire.Frame{ChannelID: wire.ChannelAuth, PacketID: 1, Payload: payload}); err != nil {
		ch.Close()
		return fmt.Errorf("cluster: send auth: %w", err)
	}

	select {
	case resp := <-replyCh:
		if !resp.Success {
			ch.Close()
			return types.ErrAuthRejected
		}
		p.admit(remoteUniqueID, nil, ch)

		if resp.InitialSync && resp.Snapshot != nil && p.OnInitialSnapshot != nil {
			p.OnInitialSnapshot(remoteUniqueID, resp.Snapshot)
		}

		// Having applied the authoritative snapshot, the initiator
		// acknowledges so the acceptor can move the peer to READY, and
		// promotes itself the same way (§4.3's SYNCING -> READY edge).
		if err := ch.Send(wire.Frame{ChannelID: wire.ChannelServiceAck}); err != nil {
			ch.Close()
			return fmt.Errorf("cluster: send sync ack: %w", err)
		}
		p.markReady(remoteUniqueID)
		return nil
	case err := <-errCh:
		ch.Close()
		return err
	case <-time.After(10 * time.Second):
		ch.Close()
		return fmt.Errorf("cluster: auth handshake timed out dialing %s", addr)
	}
}

// reconnectLoop retries Connect for a disconnected peer with
// exponential backoff capped at 30s (§7 PeerUnreachable), stopping
// once the peer is READY again or the provider is closed.
func (p *Provider) reconnectLoop(uniqueID string) {
	p.mu.RLock()
	pr, ok := p.peers[uniqueID]
	p.mu.RUnlock()
	if !ok {
		return
	}

	logger := log.WithComponent("cluster").With().Str("peer", uniqueID).Logger()

	for {
		p.mu.RLock()
		state := pr.server.State
		identity := pr.server.Identity
		backoff := pr.backoff
		p.mu.RUnlock()

		if state == types.NodeReady {
			return
		}

		select {
		case <-p.stopCh:
			return
		case <-time.After(backoff):
		}

		if err := p.Connect(identity); err != nil {
			logger.Debug().Err(err).Dur("backoff", backoff).Msg("reconnect attempt failed")
			p.mu.Lock()
			next := pr.backoff * 2
			if next > maxReconnectBackoff {
				next = maxReconnectBackoff
			}
			pr.backoff = next
			p.mu.Unlock()
			continue
		}
		return
	}
}
