package runner

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/hearthnet/fleet/pkg/types"
)

// ExecRunner launches each service as a plain host process, running
// spec.JavaCmd (or "java" if unset) with its JVM options and arguments
// in spec.WorkDir. It needs no container daemon, which makes it the
// default for single-node installs and for tests.
type ExecRunner struct {
	mu    sync.Mutex
	procs map[string]*os.Process
}

// NewExecRunner returns a ready-to-use ExecRunner.
func NewExecRunner() *ExecRunner {
	return &ExecRunner{procs: make(map[string]*os.Process)}
}

type execHandle struct {
	serviceID types.ServiceID
	cmd       *exec.Cmd
	done      chan struct{}
	exitCode  int
	waitErr   error
}

func (h *execHandle) ServiceID() types.ServiceID { return h.serviceID }

// Start spawns the process with stdout/stderr both written to
// WorkDir/logs/console.log.
func (r *ExecRunner) Start(ctx context.Context, spec Spec) (Handle, types.ProcessSnapshot, error) {
	cmd := spec.JavaCmd
	if cmd == "" {
		cmd = "java"
	}
	args := append(append([]string{}, spec.Config.JVMOptions...), spec.Config.Args...)

	c := exec.Command(cmd, args...)
	c.Dir = spec.WorkDir

	logDir := spec.WorkDir + "/logs"
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, types.ProcessSnapshot{}, fmt.Errorf("runner: create log dir: %w", err)
	}
	logFile, err := os.Create(logDir + "/console.log")
	if err != nil {
		return nil, types.ProcessSnapshot{}, fmt.Errorf("runner: create console log: %w", err)
	}
	c.Stdout = logFile
	c.Stderr = logFile

	if err := c.Start(); err != nil {
		logFile.Close()
		return nil, types.ProcessSnapshot{}, fmt.Errorf("runner: start process: %w", err)
	}

	r.mu.Lock()
	r.procs[spec.ServiceID.Name()] = c.Process
	r.mu.Unlock()

	eh := &execHandle{serviceID: spec.ServiceID, cmd: c, done: make(chan struct{})}
	go func() {
		err := c.Wait()
		if exitErr, ok := err.(*exec.ExitError); ok {
			eh.exitCode = exitErr.ExitCode()
		} else if err != nil {
			eh.waitErr = err
		}
		close(eh.done)
	}()

	return eh, types.ProcessSnapshot{PID: c.Process.Pid, StartedAt: time.Now()}, nil
}

// Stop sends SIGTERM, then SIGKILL if the process is still alive after
// StopGrace.
func (r *ExecRunner) Stop(ctx context.Context, h Handle) error {
	eh, ok := h.(*execHandle)
	if !ok {
		return fmt.Errorf("runner: handle not from ExecRunner")
	}
	if eh.cmd.Process == nil {
		return nil
	}
	if err := eh.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("runner: SIGTERM process: %w", err)
	}

	select {
	case <-eh.done:
	case <-time.After(StopGrace):
		if err := eh.cmd.Process.Kill(); err != nil {
			return fmt.Errorf("runner: kill process: %w", err)
		}
		<-eh.done
	}

	r.mu.Lock()
	delete(r.procs, eh.serviceID.Name())
	r.mu.Unlock()
	return nil
}

// Wait blocks until the process exits and returns its exit code.
func (r *ExecRunner) Wait(ctx context.Context, h Handle) (int, error) {
	eh, ok := h.(*execHandle)
	if !ok {
		return 0, fmt.Errorf("runner: handle not from ExecRunner")
	}
	select {
	case <-eh.done:
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	if eh.waitErr != nil {
		return 0, fmt.Errorf("runner: wait process: %w", eh.waitErr)
	}
	return eh.exitCode, nil
}
