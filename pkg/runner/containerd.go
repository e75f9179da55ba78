package runner

import (
	"context"
	"fmt"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	"github.com/hearthnet/fleet/pkg/log"
	"github.com/hearthnet/fleet/pkg/types"
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// DefaultNamespace is the containerd namespace every Fleet-managed
// service runs under, isolating it from any other tenant of the host's
// containerd daemon.
const DefaultNamespace = "fleet"

// DefaultSocketPath is where containerd listens by default.
const DefaultSocketPath = "/run/containerd/containerd.sock"

// DefaultImage is pulled for a service when its task doesn't request
// one explicitly. It only needs a JVM on PATH; the actual server
// distribution arrives via pkg/template staging into WorkDir.
const DefaultImage = "docker.io/library/eclipse-temurin:21-jre"

// StopGrace is how long ContainerdRunner waits for SIGTERM to take
// effect before escalating to SIGKILL.
const StopGrace = 10 * time.Second

// ContainerdRunner launches each service inside its own containerd
// task, with WorkDir bind-mounted in and the process command line
// built from Spec.JavaCmd/ProcessConfig rather than the image's own
// entrypoint.
type ContainerdRunner struct {
	client    *containerd.Client
	namespace string
	image     string
}

// NewContainerdRunner dials containerd at socketPath (DefaultSocketPath
// if empty).
func NewContainerdRunner(socketPath string) (*ContainerdRunner, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("runner: connect to containerd: %w", err)
	}
	return &ContainerdRunner{client: client, namespace: DefaultNamespace, image: DefaultImage}, nil
}

// Close releases the containerd client connection.
func (r *ContainerdRunner) Close() error {
	if r.client == nil {
		return nil
	}
	return r.client.Close()
}

type containerdHandle struct {
	serviceID types.ServiceID
	container containerd.Container
	task      containerd.Task
}

func (h *containerdHandle) ServiceID() types.ServiceID { return h.serviceID }

func (r *ContainerdRunner) ctx(ctx context.Context) context.Context {
	return namespaces.WithNamespace(ctx, r.namespace)
}

// Start pulls (or reuses) the runner image, creates a container whose
// process is the JVM invocation built from spec, binds WorkDir in as
// the container's working directory, and starts its task.
func (r *ContainerdRunner) Start(ctx context.Context, spec Spec) (Handle, types.ProcessSnapshot, error) {
	ctx = r.ctx(ctx)
	logger := log.WithComponent("runner")

	image, err := r.client.GetImage(ctx, r.image)
	if err != nil {
		image, err = r.client.Pull(ctx, r.image, containerd.WithPullUnpack)
		if err != nil {
			return nil, types.ProcessSnapshot{}, fmt.Errorf("runner: pull image %s: %w", r.image, err)
		}
	}

	args := processArgs(spec)
	containerID := spec.ServiceID.Name() + "-" + spec.ServiceID.UniqueID

	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithProcessArgs(args...),
		oci.WithProcessCwd("/srv/service"),
		oci.WithMounts([]specs.Mount{{
			Source:      spec.WorkDir,
			Destination: "/srv/service",
			Type:        "bind",
			Options:     []string{"rbind", "rw"},
		}}),
	}
	if spec.Config.MaxMemoryMiB > 0 {
		opts = append(opts, oci.WithMemoryLimit(uint64(spec.Config.MaxMemoryMiB)*1024*1024))
	}

	ctr, err := r.client.NewContainer(ctx, containerID,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(containerID+"-snapshot", image),
		containerd.WithNewSpec(opts...),
	)
	if err != nil {
		return nil, types.ProcessSnapshot{}, fmt.Errorf("runner: create container: %w", err)
	}

	task, err := ctr.NewTask(ctx, cio.NewCreator(cio.WithStdio))
	if err != nil {
		_ = ctr.Delete(ctx, containerd.WithSnapshotCleanup)
		return nil, types.ProcessSnapshot{}, fmt.Errorf("runner: create task: %w", err)
	}
	if err := task.Start(ctx); err != nil {
		_, _ = task.Delete(ctx)
		_ = ctr.Delete(ctx, containerd.WithSnapshotCleanup)
		return nil, types.ProcessSnapshot{}, fmt.Errorf("runner: start task: %w", err)
	}

	logger.Info().Str("service", spec.ServiceID.Name()).Int("pid", int(task.Pid())).Msg("service container started")
	return &containerdHandle{serviceID: spec.ServiceID, container: ctr, task: task},
		types.ProcessSnapshot{PID: int(task.Pid()), StartedAt: time.Now()}, nil
}

// Stop sends SIGTERM and waits up to StopGrace before SIGKILL,
// mirroring the graceful-then-forced shutdown every teacher runtime in
// this codebase uses.
func (r *ContainerdRunner) Stop(ctx context.Context, h Handle) error {
	ch, ok := h.(*containerdHandle)
	if !ok {
		return fmt.Errorf("runner: handle not from ContainerdRunner")
	}
	ctx = r.ctx(ctx)

	statusC, err := ch.task.Wait(ctx)
	if err != nil {
		return fmt.Errorf("runner: wait task: %w", err)
	}
	if err := ch.task.Kill(ctx, syscall.SIGTERM); err != nil {
		return fmt.Errorf("runner: SIGTERM task: %w", err)
	}

	stopCtx, cancel := context.WithTimeout(ctx, StopGrace)
	defer cancel()
	select {
	case <-statusC:
	case <-stopCtx.Done():
		if err := ch.task.Kill(ctx, syscall.SIGKILL); err != nil {
			return fmt.Errorf("runner: SIGKILL task: %w", err)
		}
		<-statusC
	}

	if _, err := ch.task.Delete(ctx); err != nil {
		return fmt.Errorf("runner: delete task: %w", err)
	}
	return ch.container.Delete(ctx, containerd.WithSnapshotCleanup)
}

// Wait blocks until the task exits and returns its exit status.
func (r *ContainerdRunner) Wait(ctx context.Context, h Handle) (int, error) {
	ch, ok := h.(*containerdHandle)
	if !ok {
		return 0, fmt.Errorf("runner: handle not from ContainerdRunner")
	}
	ctx = r.ctx(ctx)
	statusC, err := ch.task.Wait(ctx)
	if err != nil {
		return 0, fmt.Errorf("runner: wait task: %w", err)
	}
	status := <-statusC
	code, _, err := status.Result()
	if err != nil {
		return 0, fmt.Errorf("runner: task result: %w", err)
	}
	return int(code), nil
}

func processArgs(spec Spec) []string {
	cmd := spec.JavaCmd
	if cmd == "" {
		cmd = "java"
	}
	args := []string{cmd}
	args = append(args, spec.Config.JVMOptions...)
	args = append(args, spec.Config.Args...)
	return args
}
