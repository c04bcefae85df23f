package launcher

import (
	"context"
	"fmt"
	"io"
	"slices"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
)

const devtoolsPort = "3000/tcp"

// containerSpec is what Launch asks the runtime to start
type containerSpec struct {
	Name    string
	Image   string
	Labels  map[string]string
	Env     []string
	DataDir string
}

// containerRuntime is the subset of container operations the launcher needs
type containerRuntime interface {
	Create(ctx context.Context, spec containerSpec) (string, error)
	Start(ctx context.Context, id string) error
	HostPort(ctx context.Context, id string) (string, error)
	Running(ctx context.Context, id string) bool
	Remove(ctx context.Context, id string) error
	EnsureImage(ctx context.Context, ref string) error
	Close() error
}

// dockerRuntime runs browsers as local Docker containers
type dockerRuntime struct {
	client *client.Client
}

func newDockerRuntime() (*dockerRuntime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &dockerRuntime{client: cli}, nil
}

func (d *dockerRuntime) Create(ctx context.Context, spec containerSpec) (string, error) {
	containerConfig := &container.Config{
		Image:  spec.Image,
		Labels: spec.Labels,
		Env:    spec.Env,
		ExposedPorts: nat.PortSet{
			devtoolsPort: struct{}{},
		},
	}

	hostConfig := &container.HostConfig{
		PortBindings: nat.PortMap{
			devtoolsPort: []nat.PortBinding{
				{HostIP: "127.0.0.1", HostPort: "0"},
			},
		},
	}
	if spec.DataDir != "" {
		hostConfig.Mounts = []mount.Mount{
			{Type: mount.TypeBind, Source: spec.DataDir, Target: "/data"},
		}
	}

	resp, err := d.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("failed to create container: %w", err)
	}
	return resp.ID, nil
}

func (d *dockerRuntime) Start(ctx context.Context, id string) error {
	if err := d.client.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return fmt.Errorf("failed to start container: %w", err)
	}
	return nil
}

func (d *dockerRuntime) HostPort(ctx context.Context, id string) (string, error) {
	inspect, err := d.client.ContainerInspect(ctx, id)
	if err != nil {
		return "", fmt.Errorf("failed to inspect container: %w", err)
	}

	bindings := inspect.NetworkSettings.Ports[devtoolsPort]
	if len(bindings) == 0 {
		return "", fmt.Errorf("container %s exposes no devtools port", id)
	}
	return bindings[0].HostPort, nil
}

func (d *dockerRuntime) Running(ctx context.Context, id string) bool {
	inspect, err := d.client.ContainerInspect(ctx, id)
	if err != nil {
		return false
	}
	return inspect.State.Running
}

func (d *dockerRuntime) Remove(ctx context.Context, id string) error {
	timeout := 10
	if err := d.client.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout}); err != nil {
		return fmt.Errorf("failed to stop container: %w", err)
	}
	if err := d.client.ContainerRemove(ctx, id, container.RemoveOptions{}); err != nil {
		return fmt.Errorf("failed to remove container: %w", err)
	}
	return nil
}

func (d *dockerRuntime) EnsureImage(ctx context.Context, ref string) error {
	images, err := d.client.ImageList(ctx, image.ListOptions{})
	if err != nil {
		return err
	}
	for _, img := range images {
		if slices.Contains(img.RepoTags, ref) {
			return nil
		}
	}

	reader, err := d.client.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image: %w", err)
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}

func (d *dockerRuntime) Close() error {
	return d.client.Close()
}
