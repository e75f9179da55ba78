// Package runner defines the external process-spawner abstraction
// (§1 "treated as an external runner abstraction", out of scope for
// the core spec itself) and ships two concrete adapters that
// pkg/serviceman drives through it: ExecRunner (plain host processes)
// and ContainerdRunner (containerd tasks).
package runner

import (
	"context"

	"github.com/hearthnet/fleet/pkg/types"
)

// Spec is everything a Runner needs to start one service's process:
// the materialized working directory (after template/inclusion
// staging, see pkg/template) and its process configuration.
type Spec struct {
	ServiceID types.ServiceID
	WorkDir   string
	Config    types.ProcessConfig
	JavaCmd   string // from ClusterConfig.JavaCommand; empty lets the runner pick its own default entrypoint
}

// Handle identifies one running process for later Stop/Wait calls.
// Opaque to callers outside the runner implementation.
type Handle interface {
	ServiceID() types.ServiceID
}

// Runner is the contract pkg/serviceman programs against. It never
// interprets game-server protocol or output beyond exit status — that
// belongs to the "bridge"/game-platform adapters, explicitly out of
// scope here too.
type Runner interface {
	// Start launches spec's process and returns a Handle plus its
	// initial types.ProcessSnapshot (pid, start time).
	Start(ctx context.Context, spec Spec) (Handle, types.ProcessSnapshot, error)
	// Stop requests graceful termination, escalating to a forced kill
	// if the process hasn't exited within the runner's own grace
	// period.
	Stop(ctx context.Context, h Handle) error
	// Wait blocks until the process exits and returns its exit code.
	Wait(ctx context.Context, h Handle) (int, error)
}
