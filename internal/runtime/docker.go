package runtime

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"

	"burstflare/internal/flare"
)

const (
	labelSession   = "burstflare.session"
	labelWorkspace = "burstflare.workspace"
)

// DockerOptions configures a Docker host.
type DockerOptions struct {
	Network     string
	SSHPort     int
	StopTimeout time.Duration
}

// Docker runs one container per session. Persisted paths become anonymous
// volumes, which survive stop and start and are removed with the container.
type Docker struct {
	cli     *client.Client
	opts    DockerOptions
	clock   flare.Clock
	logger  flare.Logger
	version atomic.Int64
}

// NewDocker connects to the daemon configured by the environment.
func NewDocker(ctx context.Context, opts DockerOptions, clock flare.Clock, logger flare.Logger) (*Docker, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	if _, err := cli.Ping(ctx); err != nil {
		cli.Close()
		return nil, fmt.Errorf("pinging docker daemon: %w", err)
	}
	if opts.SSHPort == 0 {
		opts.SSHPort = 22
	}
	if opts.StopTimeout == 0 {
		opts.StopTimeout = 10 * time.Second
	}
	if clock == nil {
		clock = flare.RealClock{}
	}
	if logger == nil {
		logger = flare.NewNopLogger()
	}
	return &Docker{cli: cli, opts: opts, clock: clock, logger: logger}, nil
}

func containerName(sessionID string) string {
	return "burstflare-" + sessionID
}

func (d *Docker) sshPort() nat.Port {
	return nat.Port(strconv.Itoa(d.opts.SSHPort) + "/tcp")
}

func (d *Docker) status(containerID, status, state, op string) flare.RuntimeStatus {
	n := d.version.Add(1)
	return flare.RuntimeStatus{
		Status:       status,
		RuntimeState: state,
		Version:      d.clock.Now().UnixNano() + n,
		OperationID:  fmt.Sprintf("%s:%s", op, shortID(containerID)),
	}
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func (d *Docker) Start(ctx context.Context, spec flare.RuntimeSpec) (flare.RuntimeStatus, error) {
	name := containerName(spec.SessionID)
	var id string
	info, err := d.cli.ContainerInspect(ctx, name)
	switch {
	case err == nil:
		id = info.ID
	case client.IsErrNotFound(err):
		id, err = d.create(ctx, spec)
		if err != nil {
			return flare.RuntimeStatus{}, err
		}
	default:
		return flare.RuntimeStatus{}, fmt.Errorf("inspecting container: %w", err)
	}
	if err := d.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return flare.RuntimeStatus{}, fmt.Errorf("starting container: %w", err)
	}
	d.logger.Info("session container started", "session", spec.SessionID, "container", shortID(id))
	return d.status(id, "running", "running", "start"), nil
}

func (d *Docker) create(ctx context.Context, spec flare.RuntimeSpec) (string, error) {
	reader, err := d.cli.ImagePull(ctx, spec.Image, image.PullOptions{})
	if err != nil {
		return "", fmt.Errorf("failed to pull image: %w", err)
	}
	_, _ = io.Copy(io.Discard, reader)
	reader.Close()

	cfg := &container.Config{
		Image: spec.Image,
		Labels: map[string]string{
			labelSession:   spec.SessionID,
			labelWorkspace: spec.WorkspaceID,
		},
	}
	host := &container.HostConfig{}
	if spec.SSH {
		cfg.ExposedPorts = nat.PortSet{d.sshPort(): struct{}{}}
		host.PortBindings = nat.PortMap{d.sshPort(): []nat.PortBinding{{HostIP: "127.0.0.1"}}}
	}
	for _, p := range spec.PersistedPaths {
		host.Mounts = append(host.Mounts, mount.Mount{Type: mount.TypeVolume, Target: p})
	}
	if d.opts.Network != "" {
		host.NetworkMode = container.NetworkMode(d.opts.Network)
	}

	resp, err := d.cli.ContainerCreate(ctx, cfg, host, nil, nil, containerName(spec.SessionID))
	if err != nil {
		return "", fmt.Errorf("failed to create container: %w", err)
	}
	return resp.ID, nil
}

func (d *Docker) Stop(ctx context.Context, sessionID string) (flare.RuntimeStatus, error) {
	name := containerName(sessionID)
	timeout := int(d.opts.StopTimeout / time.Second)
	err := d.cli.ContainerStop(ctx, name, container.StopOptions{Timeout: &timeout})
	if err != nil && !client.IsErrNotFound(err) {
		return flare.RuntimeStatus{}, fmt.Errorf("stopping container: %w", err)
	}
	return d.status(name, "stopped", "sleeping", "stop"), nil
}

func (d *Docker) Inspect(ctx context.Context, sessionID string) (flare.RuntimeStatus, error) {
	info, err := d.cli.ContainerInspect(ctx, containerName(sessionID))
	if err != nil {
		if client.IsErrNotFound(err) {
			return d.status(containerName(sessionID), "missing", "exited", "inspect"), nil
		}
		return flare.RuntimeStatus{}, fmt.Errorf("inspecting container: %w", err)
	}
	if info.State != nil && info.State.Running {
		return d.status(info.ID, "running", "running", "inspect"), nil
	}
	return d.status(info.ID, "stopped", "exited", "inspect"), nil
}

func (d *Docker) Destroy(ctx context.Context, sessionID string) error {
	err := d.cli.ContainerRemove(ctx, containerName(sessionID), container.RemoveOptions{Force: true, RemoveVolumes: true})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("failed to remove container: %w", err)
	}
	return nil
}

func (d *Docker) SSHAddress(ctx context.Context, sessionID string) (string, error) {
	info, err := d.cli.ContainerInspect(ctx, containerName(sessionID))
	if err != nil {
		return "", fmt.Errorf("inspecting container: %w", err)
	}
	if info.State == nil || !info.State.Running {
		return "", fmt.Errorf("session %s is not running", sessionID)
	}
	if info.NetworkSettings != nil {
		for _, b := range info.NetworkSettings.Ports[d.sshPort()] {
			if b.HostPort != "" {
				hostIP := b.HostIP
				if hostIP == "" || hostIP == "0.0.0.0" {
					hostIP = "127.0.0.1"
				}
				return net.JoinHostPort(hostIP, b.HostPort), nil
			}
		}
		if n, ok := info.NetworkSettings.Networks[d.opts.Network]; ok && n != nil && n.IPAddress != "" {
			return net.JoinHostPort(n.IPAddress, strconv.Itoa(d.opts.SSHPort)), nil
		}
	}
	return "", fmt.Errorf("session %s has no SSH listener", sessionID)
}

// Close releases the docker client.
func (d *Docker) Close() error {
	return d.cli.Close()
}

var _ flare.RuntimeHost = (*Docker)(nil)
