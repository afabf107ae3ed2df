package sandbox

import (
	"context"
	"io"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
)

// ContainerSpec is the isolation profile of one sandbox container.
type ContainerSpec struct {
	Image       string
	Workspace   string
	MemoryBytes int64
	CPUQuota    int64
	CPUPeriod   int64
	PidsLimit   int64
	Cmd         []string
}

// Runtime is the narrow container API the executor needs.
type Runtime interface {
	ImageExists(ctx context.Context, ref string) (bool, error)
	PullImage(ctx context.Context, ref string) error
	// CreateAndStart returns the container id. A container that was created
	// but failed to start is removed before returning.
	CreateAndStart(ctx context.Context, spec ContainerSpec) (string, error)
	// StartExec creates argv as an exec in the container and attaches to
	// its output. The program starts once the session is returned.
	StartExec(ctx context.Context, containerID string, argv []string) (ExecSession, error)
	// ExecExitCode reports the exit code; running is true while the code is
	// not yet available.
	ExecExitCode(ctx context.Context, execID string) (code int, running bool, err error)
	Remove(ctx context.Context, containerID string) error
}

// ExecSession is one attached exec.
type ExecSession interface {
	ID() string
	// Wait copies output until the process closes its streams or ctx is done.
	Wait(ctx context.Context, stdout, stderr io.Writer) error
	Close()
}

// DockerRuntime talks to a Docker engine.
type DockerRuntime struct {
	cli *client.Client
}

// NewDockerRuntime connects using DOCKER_HOST and friends; host overrides
// the environment when set.
func NewDockerRuntime(host string) (*DockerRuntime, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if strings.TrimSpace(host) != "" {
		opts = append(opts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, err
	}
	return &DockerRuntime{cli: cli}, nil
}

// Ping checks the daemon is reachable.
func (d *DockerRuntime) Ping(ctx context.Context) error {
	_, err := d.cli.Ping(ctx)
	return err
}

func (d *DockerRuntime) Close() error {
	return d.cli.Close()
}

func (d *DockerRuntime) ImageExists(ctx context.Context, ref string) (bool, error) {
	_, _, err := d.cli.ImageInspectWithRaw(ctx, ref)
	if err == nil {
		return true, nil
	}
	if errdefs.IsNotFound(err) {
		return false, nil
	}
	return false, err
}

func (d *DockerRuntime) PullImage(ctx context.Context, ref string) error {
	rc, err := d.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return err
	}
	defer rc.Close()
	// The pull only completes once the progress stream is drained.
	_, err = io.Copy(io.Discard, rc)
	return err
}

func (d *DockerRuntime) CreateAndStart(ctx context.Context, spec ContainerSpec) (string, error) {
	cfg := &container.Config{
		Image:      spec.Image,
		Cmd:        spec.Cmd,
		WorkingDir: WorkspaceMount,
		Tty:        false,
	}
	pids := spec.PidsLimit
	hostCfg := &container.HostConfig{
		Binds:       []string{spec.Workspace + ":" + WorkspaceMount + ":rw"},
		NetworkMode: container.NetworkMode("none"),
		AutoRemove:  false,
		Resources: container.Resources{
			Memory:     spec.MemoryBytes,
			MemorySwap: spec.MemoryBytes,
			CPUQuota:   spec.CPUQuota,
			CPUPeriod:  spec.CPUPeriod,
			PidsLimit:  &pids,
		},
	}
	created, err := d.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, "")
	if err != nil {
		return "", err
	}
	if err := d.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		_ = d.cli.ContainerRemove(context.WithoutCancel(ctx), created.ID, container.RemoveOptions{Force: true})
		return "", err
	}
	return created.ID, nil
}

func (d *DockerRuntime) StartExec(ctx context.Context, containerID string, argv []string) (ExecSession, error) {
	created, err := d.cli.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd:          argv,
		AttachStdout: true,
		AttachStderr: true,
		WorkingDir:   WorkspaceMount,
	})
	if err != nil {
		return nil, err
	}
	attach, err := d.cli.ContainerExecAttach(ctx, created.ID, container.ExecStartOptions{})
	if err != nil {
		return nil, err
	}
	return &dockerExec{id: created.ID, attach: attach}, nil
}

type dockerExec struct {
	id     string
	attach types.HijackedResponse
}

func (e *dockerExec) ID() string { return e.id }

func (e *dockerExec) Wait(ctx context.Context, stdout, stderr io.Writer) error {
	done := make(chan error, 1)
	go func() {
		_, copyErr := stdcopy.StdCopy(stdout, stderr, e.attach.Reader)
		done <- copyErr
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		// Closing the hijacked connection unblocks the copier; wait for it so
		// the caller's buffers are no longer written to.
		e.attach.Close()
		<-done
		return ctx.Err()
	}
}

func (e *dockerExec) Close() {
	e.attach.Close()
}

func (d *DockerRuntime) ExecExitCode(ctx context.Context, execID string) (int, bool, error) {
	inspect, err := d.cli.ContainerExecInspect(ctx, execID)
	if err != nil {
		return -1, false, err
	}
	return inspect.ExitCode, inspect.Running, nil
}

func (d *DockerRuntime) Remove(ctx context.Context, containerID string) error {
	err := d.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
	if err != nil && errdefs.IsNotFound(err) {
		return nil
	}
	return err
}

var _ Runtime = (*DockerRuntime)(nil)
