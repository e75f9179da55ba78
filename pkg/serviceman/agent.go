package serviceman

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/hearthnet/fleet/pkg/log"
	"github.com/hearthnet/fleet/pkg/transport"
	"github.com/hearthnet/fleet/pkg/types"
	"github.com/hearthnet/fleet/pkg/wire"
)

// ConnectionFile is the name of the file dropped into a service's
// working directory before launch, carrying the one-time key its
// in-process agent presents on the AUTH_SERVICE handshake (§4.7
// "agent channel binding").
const ConnectionFile = ".fleet-connection"

// DefaultScreenLines is how many trailing console lines are kept per
// service for screen forwarding, whether or not a live tail is
// attached.
const DefaultScreenLines = 128

// Listen binds addr and accepts service agent connections, handling
// the AUTH_SERVICE handshake on ChannelAuth for every accepted
// connection.
func (m *Manager) Listen(addr string) error {
	acc, err := transport.Listen(addr)
	if err != nil {
		return err
	}
	m.acceptor = acc

	go acc.Serve(func(ch *transport.Channel) {
		ch.OnChannel(wire.ChannelAuth, m.handleAgentAuth)
	})
	return nil
}

// Close stops accepting new agent connections.
func (m *Manager) Close() error {
	if m.acceptor != nil {
		return m.acceptor.Close()
	}
	return nil
}

// writeConnectionFile generates a one-time key for id, registers it as
// pending, and drops it into the service's working directory so its
// in-process agent can present it back on connect.
func (m *Manager) writeConnectionFile(workDir string, id types.ServiceID) error {
	key := uuid.NewString()

	m.pendingMu.Lock()
	m.pendingAuth[key] = id.UniqueID
	m.pendingMu.Unlock()

	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return fmt.Errorf("serviceman: create work dir: %w", err)
	}
	return os.WriteFile(filepath.Join(workDir, ConnectionFile), []byte(key), 0o600)
}

// handleAgentAuth answers an AUTH_SERVICE handshake: the presented
// connectionKey must match a pending entry recorded by a recent Start,
// and the serviceId it claims must match the one that key was issued
// for. A mismatch is answered with a failure response; the connection
// is not closed. A match binds the channel, registers its console-chunk
// handler, and acknowledges success. The service's lifecycle is not
// changed here; startLocal sets RUNNING once the runner has launched
// the process.
func (m *Manager) handleAgentAuth(ch *transport.Channel, f wire.Frame) ([]byte, error) {
	logger := log.WithComponent("serviceman")

	typ, decoded, err := wire.DecodeAuth(f.Payload)
	if err != nil {
		return nil, fmt.Errorf("serviceman: decode agent auth: %w", err)
	}
	if typ != wire.AuthWrapperToNode {
		return nil, nil
	}
	payload := decoded.(wire.AuthServicePayload)

	m.pendingMu.Lock()
	expected, ok := m.pendingAuth[payload.ConnectionKey]
	if ok {
		delete(m.pendingAuth, payload.ConnectionKey)
	}
	m.pendingMu.Unlock()

	if !ok || expected != payload.ServiceID {
		logger.Warn().Str("service", payload.ServiceID).Msg("rejected agent auth handshake")
		// Returned as a normal (non-error) reply so the rejection frame
		// actually reaches the caller; the channel is simply never bound
		// to a service, so every later frame on it is dropped.
		return wire.EncodeAuthResponse(wire.AuthResponse{Success: false}), nil
	}

	ch.RemoteServiceID = payload.ServiceID
	m.bindAgent(payload.ServiceID, ch)
	ch.OnChannel(wire.ChannelChunk, m.handleConsoleChunk(payload.ServiceID))
	ch.OnClose(func(*transport.Channel) { m.unbindAgent(payload.ServiceID) })

	logger.Info().Str("service", payload.ServiceID).Msg("service agent authorized")
	return wire.EncodeAuthResponse(wire.AuthResponse{Success: true}), nil
}

func (m *Manager) bindAgent(serviceUniqueID string, ch *transport.Channel) {
	m.agentMu.Lock()
	m.agentChs[serviceUniqueID] = ch
	m.agentMu.Unlock()
}

func (m *Manager) unbindAgent(serviceUniqueID string) {
	m.agentMu.Lock()
	delete(m.agentChs, serviceUniqueID)
	m.agentMu.Unlock()
}

// handleConsoleChunk returns a transport.Handler that appends every
// received console line to the service's screen ring buffer.
func (m *Manager) handleConsoleChunk(serviceUniqueID string) transport.Handler {
	return func(ch *transport.Channel, f wire.Frame) ([]byte, error) {
		m.screens.append(serviceUniqueID, string(f.Payload))
		return nil, nil
	}
}

// Screen returns the trailing console lines currently buffered for a
// service, most-recent last.
func (m *Manager) Screen(serviceUniqueID string) []string {
	return m.screens.lines(serviceUniqueID)
}

// ToggleScreen attaches or detaches a live tail subscriber for a
// service's console output. Passing a nil sink detaches.
func (m *Manager) ToggleScreen(serviceUniqueID string, sink func(line string)) {
	m.screens.setSink(serviceUniqueID, sink)
}
