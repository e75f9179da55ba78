// Package shutdown implements C9: the ordered, idempotent graceful
// stop sequence run across every other component on shutdown signal.
package shutdown

import (
	"context"
	"io"
	"os"
	"sync/atomic"

	"github.com/hearthnet/fleet/pkg/log"
)

// TickLoop is the slice of pkg/tick.Loop shutdown needs: flipping the
// running flag so no further ticks are scheduled.
type TickLoop interface {
	Stop()
}

// Cluster is the slice of pkg/cluster.Provider shutdown needs: marking
// the local node as draining and closing out peer channels, then
// tearing down its own acceptor.
type Cluster interface {
	Drain()
	Close() error
}

// ServiceManager is the slice of pkg/serviceman.Manager shutdown needs:
// stopping every locally-owned running service, then closing its own
// agent acceptor.
type ServiceManager interface {
	StopAll(ctx context.Context) error
	Close() error
}

// Plugin is anything with an Unload step. Fleet ships no plug-ins of
// its own today, but runner/storage backends loaded as plug-ins hook
// in here.
type Plugin interface {
	Unload() error
}

// Handler runs the 8-step ordered shutdown sequence described in §4.8,
// exactly once.
type Handler struct {
	tick     TickLoop
	cluster  Cluster
	services ServiceManager
	tempDir  string

	transports []io.Closer
	stores     []io.Closer
	plugins    []Plugin
	terminal   io.Closer

	done atomic.Bool
}

// New constructs a Handler. Register additional transports, data
// stores, plug-ins, and the terminal with Add*/SetTerminal before
// calling Shutdown.
func New(tick TickLoop, cluster Cluster, services ServiceManager, tempDir string) *Handler {
	return &Handler{tick: tick, cluster: cluster, services: services, tempDir: tempDir}
}

// AddTransport registers an additional transport (client connections,
// other listeners) to be closed at step 4.
func (h *Handler) AddTransport(c io.Closer) { h.transports = append(h.transports, c) }

// AddStore registers a data store or template storage to be closed at
// step 5.
func (h *Handler) AddStore(c io.Closer) { h.stores = append(h.stores, c) }

// AddPlugin registers a loaded plug-in to be unloaded at step 6.
func (h *Handler) AddPlugin(p Plugin) { h.plugins = append(h.plugins, p) }

// SetTerminal registers the interactive terminal/console to be closed
// at step 8.
func (h *Handler) SetTerminal(c io.Closer) { h.terminal = c }

// Shutdown runs the ordered sequence once; a second call is a no-op,
// per §4.8. Every step is best-effort: a failure is logged and the
// sequence continues rather than aborting partway through.
func (h *Handler) Shutdown(ctx context.Context) error {
	if !h.done.CompareAndSwap(false, true) {
		return nil
	}

	logger := log.WithComponent("shutdown")

	h.tick.Stop()

	h.cluster.Drain()

	if err := h.services.StopAll(ctx); err != nil {
		logger.Warn().Err(err).Msg("one or more services failed to stop cleanly")
	}

	if err := h.services.Close(); err != nil {
		logger.Warn().Err(err).Msg("failed to close service agent acceptor")
	}
	if err := h.cluster.Close(); err != nil {
		logger.Warn().Err(err).Msg("failed to close cluster acceptor")
	}
	for _, c := range h.transports {
		if err := c.Close(); err != nil {
			logger.Warn().Err(err).Msg("failed to close transport")
		}
	}

	for _, c := range h.stores {
		if err := c.Close(); err != nil {
			logger.Warn().Err(err).Msg("failed to close data store")
		}
	}

	for _, p := range h.plugins {
		if err := p.Unload(); err != nil {
			logger.Warn().Err(err).Msg("failed to unload plug-in")
		}
	}

	if h.tempDir != "" {
		if err := os.RemoveAll(h.tempDir); err != nil {
			logger.Warn().Err(err).Str("dir", h.tempDir).Msg("failed to remove temp directory")
		}
	}

	if h.terminal != nil {
		if err := h.terminal.Close(); err != nil {
			logger.Warn().Err(err).Msg("failed to close terminal")
		}
	}

	logger.Info().Msg("shutdown complete")
	return nil
}

// Done reports whether Shutdown has already run.
func (h *Handler) Done() bool { return h.done.Load() }
