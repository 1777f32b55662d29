// Package container runs executor containers for sessions: a thin Docker
// wrapper plus a session-keyed pool with idle eviction.
package container

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"go.uber.org/zap"

	"github.com/opencowork/opencowork/internal/common/config"
	"github.com/opencowork/opencowork/internal/common/logger"
)

// Labels stamped on every executor container.
const (
	LabelSessionID = "opencowork.session_id"
	LabelUserID    = "opencowork.user_id"
	LabelManaged   = "opencowork.managed"
)

// Spec describes an executor container to launch.
type Spec struct {
	Name          string
	Image         string
	Env           []string
	WorkspacePath string // host path bind-mounted at /workspace
	SessionID     string
	UserID        string
	Port          int
}

// Info is the observed state of a managed container.
type Info struct {
	ID        string
	SessionID string
	State     string
	IP        string
}

// Docker wraps the Docker SDK for executor lifecycle operations.
type Docker struct {
	cli    *client.Client
	cfg    config.DockerConfig
	logger *logger.Logger
}

// NewDocker creates a Docker client from config.
func NewDocker(cfg config.DockerConfig, log *logger.Logger) (*Docker, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	if cfg.APIVersion != "" {
		opts = append(opts, client.WithVersion(cfg.APIVersion))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &Docker{
		cli:    cli,
		cfg:    cfg,
		logger: log.WithFields(zap.String("component", "docker")),
	}, nil
}

// Close releases the Docker client.
func (d *Docker) Close() error {
	return d.cli.Close()
}

// Ping checks daemon availability.
func (d *Docker) Ping(ctx context.Context) error {
	if _, err := d.cli.Ping(ctx); err != nil {
		return fmt.Errorf("docker ping failed: %w", err)
	}
	return nil
}

// PullImage pulls the executor image if missing locally.
func (d *Docker) PullImage(ctx context.Context, imageName string) error {
	reader, err := d.cli.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", imageName, err)
	}
	defer func() { _ = reader.Close() }()
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("error reading image pull output: %w", err)
	}
	return nil
}

// Launch creates and starts an executor container from spec.
func (d *Docker) Launch(ctx context.Context, spec Spec) (string, error) {
	d.logger.Info("launching executor container",
		zap.String("name", spec.Name),
		zap.String("session_id", spec.SessionID),
		zap.String("image", spec.Image))

	containerCfg := &container.Config{
		Image: spec.Image,
		Env:   spec.Env,
		Labels: map[string]string{
			LabelSessionID: spec.SessionID,
			LabelUserID:    spec.UserID,
			LabelManaged:   "true",
		},
		WorkingDir: "/workspace",
	}
	hostCfg := &container.HostConfig{
		Mounts: []mount.Mount{{
			Type:   mount.TypeBind,
			Source: spec.WorkspacePath,
			Target: "/workspace",
		}},
		NetworkMode: container.NetworkMode(d.cfg.DefaultNetwork),
	}

	resp, err := d.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("failed to create container %s: %w", spec.Name, err)
	}
	if err := d.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = d.Remove(context.WithoutCancel(ctx), resp.ID, true)
		return "", fmt.Errorf("failed to start container %s: %w", spec.Name, err)
	}
	return resp.ID, nil
}

// Inspect returns the observed state of a container.
func (d *Docker) Inspect(ctx context.Context, containerID string) (*Info, error) {
	inspect, err := d.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect container %s: %w", containerID, err)
	}
	info := &Info{ID: inspect.ID, State: inspect.State.Status}
	if inspect.Config != nil {
		info.SessionID = inspect.Config.Labels[LabelSessionID]
	}
	if inspect.NetworkSettings != nil {
		if inspect.NetworkSettings.IPAddress != "" {
			info.IP = inspect.NetworkSettings.IPAddress
		} else {
			for _, netSettings := range inspect.NetworkSettings.Networks {
				if netSettings.IPAddress != "" {
					info.IP = netSettings.IPAddress
					break
				}
			}
		}
	}
	return info, nil
}

// Stop stops a container within timeout.
func (d *Docker) Stop(ctx context.Context, containerID string, timeout time.Duration) error {
	secs := int(timeout.Seconds())
	if err := d.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &secs}); err != nil {
		return fmt.Errorf("failed to stop container %s: %w", containerID, err)
	}
	return nil
}

// Remove deletes a container and its volumes.
func (d *Docker) Remove(ctx context.Context, containerID string, force bool) error {
	err := d.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{
		Force:         force,
		RemoveVolumes: true,
	})
	if err != nil {
		return fmt.Errorf("failed to remove container %s: %w", containerID, err)
	}
	return nil
}

// ListManaged lists all containers this dispatcher launched.
func (d *Docker) ListManaged(ctx context.Context) ([]Info, error) {
	filterArgs := filters.NewArgs()
	filterArgs.Add("label", LabelManaged+"=true")
	containers, err := d.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: filterArgs})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}
	infos := make([]Info, 0, len(containers))
	for _, ctr := range containers {
		infos = append(infos, Info{
			ID:        ctr.ID,
			SessionID: ctr.Labels[LabelSessionID],
			State:     ctr.State,
		})
	}
	return infos, nil
}
