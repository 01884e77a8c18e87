// Package docker implements the fabric driver against a local Docker daemon.
package docker

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	dockererrdefs "github.com/docker/docker/errdefs"
	"github.com/rs/zerolog/log"

	"github.com/RC-CHN/bay/internal/driver"
	"github.com/RC-CHN/bay/internal/errdefs"
)

const (
	// DriverName identifies this driver in configuration.
	DriverName = "docker"

	// WorkspacePath is where the cargo volume is mounted in every
	// runtime container.
	WorkspacePath = "/workspace"
)

// DockerDriver implements driver.Driver using the Docker engine API.
type DockerDriver struct {
	cli *client.Client
}

// New creates a DockerDriver. cfg["host"] overrides DOCKER_HOST.
func New(cfg map[string]any) (driver.Driver, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host, ok := cfg["host"].(string); ok && host != "" {
		opts = append(opts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &DockerDriver{cli: cli}, nil
}

func init() {
	driver.Register(DriverName, New)
}

func (d *DockerDriver) DriverName() string { return DriverName }

func (d *DockerDriver) Healthy(ctx context.Context) error {
	if _, err := d.cli.Ping(ctx); err != nil {
		return errdefs.Wrap(err, errdefs.KindFatal, "docker daemon unreachable")
	}
	return nil
}

func (d *DockerDriver) Close() error { return d.cli.Close() }

// mapErr translates Docker API failures into Bay's taxonomy. No retries
// happen here; a Transient surfaced to a manager is the manager's problem.
func mapErr(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	kind := errdefs.KindTransient
	switch {
	case dockererrdefs.IsNotFound(err):
		kind = errdefs.KindNotFound
	case dockererrdefs.IsConflict(err):
		kind = errdefs.KindConflict
	case dockererrdefs.IsInvalidParameter(err):
		kind = errdefs.KindInvariant
	}
	return errdefs.Wrap(err, kind, format, args...)
}

func (d *DockerDriver) CreateNetwork(ctx context.Context, sessionID string, labels map[string]string) (string, error) {
	name := "bay-net-" + sessionID
	resp, err := d.cli.NetworkCreate(ctx, name, types.NetworkCreate{
		Driver: "bridge",
		Labels: labels,
	})
	if err != nil {
		return "", mapErr(err, "create network %s", name)
	}
	return resp.ID, nil
}

func (d *DockerDriver) DeleteNetwork(ctx context.Context, networkRef string) error {
	err := d.cli.NetworkRemove(ctx, networkRef)
	if err != nil && !dockererrdefs.IsNotFound(err) {
		return mapErr(err, "delete network %s", networkRef)
	}
	return nil
}

func (d *DockerDriver) CreateVolume(ctx context.Context, name string, labels map[string]string) (string, error) {
	vol, err := d.cli.VolumeCreate(ctx, volume.CreateOptions{
		Name:   name,
		Labels: labels,
	})
	if err != nil {
		return "", mapErr(err, "create volume %s", name)
	}
	return vol.Name, nil
}

func (d *DockerDriver) DeleteVolume(ctx context.Context, driverRef string) error {
	err := d.cli.VolumeRemove(ctx, driverRef, true)
	if err != nil && !dockererrdefs.IsNotFound(err) {
		return mapErr(err, "delete volume %s", driverRef)
	}
	return nil
}

func (d *DockerDriver) VolumeExists(ctx context.Context, driverRef string) (bool, error) {
	_, err := d.cli.VolumeInspect(ctx, driverRef)
	if err != nil {
		if dockererrdefs.IsNotFound(err) {
			return false, nil
		}
		return false, mapErr(err, "inspect volume %s", driverRef)
	}
	return true, nil
}

func (d *DockerDriver) CreateContainer(ctx context.Context, cfg driver.ContainerConfig) (string, error) {
	if err := d.ensureImage(ctx, cfg.Image); err != nil {
		return "", err
	}

	env := make([]string, 0, len(cfg.Env))
	for k, v := range cfg.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	hostConfig := &container.HostConfig{
		Resources: container.Resources{
			NanoCPUs: int64(cfg.CPUCores * 1e9),
			Memory:   cfg.MemoryMB * 1024 * 1024,
		},
		Mounts: []mount.Mount{{
			Type:   mount.TypeVolume,
			Source: cfg.VolumeRef,
			Target: WorkspacePath,
		}},
	}

	// Endpoint alias equals the logical name so peers in the group reach
	// each other by container name.
	netConfig := &network.NetworkingConfig{
		EndpointsConfig: map[string]*network.EndpointSettings{
			cfg.NetworkRef: {
				NetworkID: cfg.NetworkRef,
				Aliases:   []string{cfg.Hostname},
			},
		},
	}

	resp, err := d.cli.ContainerCreate(ctx,
		&container.Config{
			Image:    cfg.Image,
			Hostname: cfg.Hostname,
			Env:      env,
			Labels:   cfg.Labels,
		},
		hostConfig, netConfig, nil, cfg.Name)
	if err != nil {
		return "", mapErr(err, "create container %s", cfg.Name)
	}
	return resp.ID, nil
}

func (d *DockerDriver) ensureImage(ctx context.Context, image string) error {
	_, _, err := d.cli.ImageInspectWithRaw(ctx, image)
	if err == nil {
		return nil
	}
	if !dockererrdefs.IsNotFound(err) {
		return mapErr(err, "inspect image %s", image)
	}
	log.Info().Str("image", image).Msg("Image not found locally, pulling")
	reader, err := d.cli.ImagePull(ctx, image, types.ImagePullOptions{})
	if err != nil {
		return mapErr(err, "pull image %s", image)
	}
	defer reader.Close()
	io.Copy(io.Discard, reader)
	return nil
}

func (d *DockerDriver) StartContainer(ctx context.Context, containerID string, runtimePort int) (string, error) {
	if err := d.cli.ContainerStart(ctx, containerID, types.ContainerStartOptions{}); err != nil {
		return "", mapErr(err, "start container %s", containerID)
	}
	info, err := d.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return "", mapErr(err, "inspect container %s", containerID)
	}
	for _, net := range info.NetworkSettings.Networks {
		if net.IPAddress != "" {
			return fmt.Sprintf("http://%s:%d", net.IPAddress, runtimePort), nil
		}
	}
	return "", errdefs.New(errdefs.KindInvariant, "container %s has no network address", containerID)
}

func (d *DockerDriver) StopContainer(ctx context.Context, containerID string) error {
	err := d.cli.ContainerStop(ctx, containerID, container.StopOptions{})
	if err != nil && !dockererrdefs.IsNotFound(err) {
		return mapErr(err, "stop container %s", containerID)
	}
	return nil
}

func (d *DockerDriver) DestroyContainer(ctx context.Context, containerID string) error {
	err := d.cli.ContainerRemove(ctx, containerID, types.ContainerRemoveOptions{Force: true})
	if err != nil && !dockererrdefs.IsNotFound(err) {
		return mapErr(err, "remove container %s", containerID)
	}
	return nil
}

func (d *DockerDriver) Status(ctx context.Context, containerID string) (driver.ContainerStatus, error) {
	info, err := d.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		if dockererrdefs.IsNotFound(err) {
			return driver.StatusUnknown, errdefs.New(errdefs.KindNotFound, "container %s not found", containerID)
		}
		return driver.StatusUnknown, mapErr(err, "inspect container %s", containerID)
	}
	switch {
	case info.State.Running:
		return driver.StatusRunning, nil
	case info.State.Dead || info.State.OOMKilled:
		return driver.StatusDead, nil
	case info.State.Status == "created":
		return driver.StatusCreated, nil
	default:
		return driver.StatusExited, nil
	}
}

func bayManagedFilter() filters.Args {
	return filters.NewArgs(filters.Arg("label", driver.LabelManaged+"=true"))
}

func (d *DockerDriver) ListResources(ctx context.Context) ([]driver.Resource, error) {
	var out []driver.Resource

	containers, err := d.cli.ContainerList(ctx, types.ContainerListOptions{
		All:     true,
		Filters: bayManagedFilter(),
	})
	if err != nil {
		return nil, mapErr(err, "list containers")
	}
	for _, c := range containers {
		out = append(out, driver.Resource{
			Type:      driver.ResourceContainer,
			Ref:       c.ID,
			Labels:    c.Labels,
			CreatedAt: time.Unix(c.Created, 0).UTC(),
		})
	}

	vols, err := d.cli.VolumeList(ctx, volume.ListOptions{Filters: bayManagedFilter()})
	if err != nil {
		return nil, mapErr(err, "list volumes")
	}
	for _, v := range vols.Volumes {
		created, _ := time.Parse(time.RFC3339, v.CreatedAt)
		out = append(out, driver.Resource{
			Type:      driver.ResourceVolume,
			Ref:       v.Name,
			Labels:    v.Labels,
			CreatedAt: created,
		})
	}

	nets, err := d.cli.NetworkList(ctx, types.NetworkListOptions{Filters: bayManagedFilter()})
	if err != nil {
		return nil, mapErr(err, "list networks")
	}
	for _, n := range nets {
		out = append(out, driver.Resource{
			Type:      driver.ResourceNetwork,
			Ref:       n.ID,
			Labels:    n.Labels,
			CreatedAt: n.Created.UTC(),
		})
	}
	return out, nil
}

func (d *DockerDriver) DestroyResource(ctx context.Context, r driver.Resource) error {
	switch r.Type {
	case driver.ResourceContainer:
		return d.DestroyContainer(ctx, r.Ref)
	case driver.ResourceVolume:
		return d.DeleteVolume(ctx, r.Ref)
	case driver.ResourceNetwork:
		return d.DeleteNetwork(ctx, r.Ref)
	default:
		return errdefs.New(errdefs.KindInvariant, "unknown resource type %q", r.Type)
	}
}
