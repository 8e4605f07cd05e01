package docker

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
	"github.com/zeebo/errs"

	"github.com/imedwei/docker-backup/internal/transfer"
)

const (
	helperMountPoint = "/volume"
	helperLabel      = "io.docker-backup.helper"
)

// Client implements Backend on the Docker Engine API.
type Client struct {
	api         client.APIClient
	helperImage string
	logger      *slog.Logger
}

// NewClient connects to the daemon at host, or DOCKER_HOST and the default
// socket when host is empty.
func NewClient(host, helperImage string, logger *slog.Logger) (*Client, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	api, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &Client{
		api:         api,
		helperImage: helperImage,
		logger:      logger.With("component", "docker"),
	}, nil
}

// Close releases the client's connections.
func (c *Client) Close() error {
	return c.api.Close()
}

// Ping checks that the daemon answers and reports its version.
func (c *Client) Ping(ctx context.Context) (ServerInfo, error) {
	ping, err := c.api.Ping(ctx)
	if err != nil {
		return ServerInfo{}, classify(err)
	}
	info := ServerInfo{APIVersion: ping.APIVersion}
	if v, err := c.api.ServerVersion(ctx); err == nil {
		info.Version = v.Version
	}
	return info, nil
}

// ListContainers returns every container, running or not, sorted by name.
func (c *Client) ListContainers(ctx context.Context) ([]ContainerInfo, error) {
	list, err := c.api.ContainerList(ctx, container.ListOptions{All: true})
	if err != nil {
		return nil, classify(err)
	}

	out := make([]ContainerInfo, 0, len(list))
	for _, s := range list {
		info := ContainerInfo{ID: s.ID, Image: s.Image, State: s.State}
		if len(s.Names) > 0 {
			info.Name = strings.TrimPrefix(s.Names[0], "/")
		}
		info.Volumes = volumeNames(s.Mounts)
		if s.NetworkSettings != nil {
			info.Networks = sortedKeys(s.NetworkSettings.Networks)
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// InspectContainer returns a container summary and its raw inspect JSON.
func (c *Client) InspectContainer(ctx context.Context, name string) (*ContainerInfo, []byte, error) {
	resp, raw, err := c.api.ContainerInspectWithRaw(ctx, name, false)
	if err != nil {
		return nil, nil, classify(err)
	}

	info := &ContainerInfo{ID: resp.ID, Volumes: volumeNames(resp.Mounts)}
	if resp.ContainerJSONBase != nil {
		info.Name = strings.TrimPrefix(resp.Name, "/")
		if resp.State != nil {
			info.State = resp.State.Status
		}
	}
	if resp.Config != nil {
		info.Image = resp.Config.Image
	}
	if resp.NetworkSettings != nil {
		info.Networks = sortedKeys(resp.NetworkSettings.Networks)
	}
	return info, raw, nil
}

// ContainerLogs returns the last tailLines lines of combined output.
func (c *Client) ContainerLogs(ctx context.Context, name string, tailLines int) ([]byte, error) {
	if tailLines <= 0 {
		return nil, nil
	}
	resp, _, err := c.api.ContainerInspectWithRaw(ctx, name, false)
	if err != nil {
		return nil, classify(err)
	}

	rc, err := c.api.ContainerLogs(ctx, name, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       strconv.Itoa(tailLines),
	})
	if err != nil {
		return nil, classify(err)
	}
	defer rc.Close()

	var buf bytes.Buffer
	if resp.Config != nil && resp.Config.Tty {
		_, err = io.Copy(&buf, rc)
	} else {
		_, err = stdcopy.StdCopy(&buf, &buf, rc)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read logs: %w", err)
	}
	return buf.Bytes(), nil
}

// ContainerExists reports whether a container with the name exists.
func (c *Client) ContainerExists(ctx context.Context, name string) (bool, error) {
	_, _, err := c.api.ContainerInspectWithRaw(ctx, name, false)
	return exists(err)
}

// CreateContainer creates (but does not start) a container.
func (c *Client) CreateContainer(ctx context.Context, spec *ContainerSpec) (string, error) {
	if spec.Config != nil && spec.Config.Image != "" {
		if err := c.ensureImage(ctx, spec.Config.Image); err != nil {
			return "", err
		}
	}
	resp, err := c.api.ContainerCreate(ctx, spec.Config, spec.HostConfig, spec.Networking, nil, spec.Name)
	if err != nil {
		return "", classify(err)
	}
	for _, w := range resp.Warnings {
		c.logger.Warn("Container create warning", "container", spec.Name, "warning", w)
	}
	return resp.ID, nil
}

// RemoveContainer stops and removes a container, keeping its volumes.
func (c *Client) RemoveContainer(ctx context.Context, name string) error {
	if err := c.api.ContainerStop(ctx, name, container.StopOptions{}); err != nil && !cerrdefs.IsNotFound(err) {
		c.logger.Warn("Failed to stop container", "container", name, "error", err)
	}
	return classify(c.api.ContainerRemove(ctx, name, container.RemoveOptions{Force: true}))
}

// ListVolumes returns all volume names, sorted.
func (c *Client) ListVolumes(ctx context.Context) ([]string, error) {
	resp, err := c.api.VolumeList(ctx, volume.ListOptions{})
	if err != nil {
		return nil, classify(err)
	}
	names := make([]string, 0, len(resp.Volumes))
	for _, v := range resp.Volumes {
		if v != nil {
			names = append(names, v.Name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// InspectVolume describes a volume.
func (c *Client) InspectVolume(ctx context.Context, name string) (*VolumeInfo, error) {
	v, err := c.api.VolumeInspect(ctx, name)
	if err != nil {
		return nil, classify(err)
	}
	return &VolumeInfo{Name: v.Name, Driver: v.Driver, DriverOpts: v.Options, Labels: v.Labels}, nil
}

// VolumeExists reports whether a volume exists.
func (c *Client) VolumeExists(ctx context.Context, name string) (bool, error) {
	_, err := c.api.VolumeInspect(ctx, name)
	return exists(err)
}

// CreateVolume creates a volume.
func (c *Client) CreateVolume(ctx context.Context, info VolumeInfo) error {
	_, err := c.api.VolumeCreate(ctx, volume.CreateOptions{
		Name:       info.Name,
		Driver:     info.Driver,
		DriverOpts: info.DriverOpts,
		Labels:     info.Labels,
	})
	return classify(err)
}

// VolumeIsEmpty reports whether a volume holds no entries.
func (c *Client) VolumeIsEmpty(ctx context.Context, name string) (bool, error) {
	empty := true
	err := c.withHelper(ctx, name, true, nil, func(id string) error {
		rc, _, err := c.api.CopyFromContainer(ctx, id, helperMountPoint)
		if err != nil {
			return classify(err)
		}
		defer rc.Close()

		tr := tar.NewReader(rc)
		for {
			hdr, err := tr.Next()
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return err
			}
			if strings.Trim(hdr.Name, "/") != strings.Trim(helperMountPoint, "/") {
				empty = false
				return nil
			}
		}
	})
	return empty, err
}

// ExportVolume streams the volume content through a helper container.
func (c *Client) ExportVolume(ctx context.Context, name string, w io.Writer) error {
	return c.withHelper(ctx, name, true, nil, func(id string) error {
		rc, _, err := c.api.CopyFromContainer(ctx, id, helperMountPoint)
		if err != nil {
			return classify(err)
		}
		defer rc.Close()

		stripped := transfer.StripComponents(rc)
		defer stripped.Close()
		if _, err := io.Copy(w, stripped); err != nil {
			return fmt.Errorf("failed to export volume %s: %w", name, err)
		}
		return nil
	})
}

// ImportVolume extracts a tar stream into the volume through a helper
// container.
func (c *Client) ImportVolume(ctx context.Context, name string, r io.Reader) error {
	return c.withHelper(ctx, name, false, nil, func(id string) error {
		err := c.api.CopyToContainer(ctx, id, helperMountPoint, r, container.CopyToContainerOptions{})
		return classify(err)
	})
}

// ClearVolume deletes every entry in the volume by running a helper
// container to completion. The volume itself survives, so containers that
// mount it keep working.
func (c *Client) ClearVolume(ctx context.Context, name string) error {
	cmd := []string{"find", helperMountPoint, "-mindepth", "1", "-delete"}
	return c.withHelper(ctx, name, false, cmd, func(id string) error {
		waitC, errC := c.api.ContainerWait(ctx, id, container.WaitConditionNextExit)
		if err := c.api.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
			return fmt.Errorf("failed to start helper container: %w", classify(err))
		}
		select {
		case res := <-waitC:
			if res.Error != nil {
				return fmt.Errorf("failed to clear volume %s: %s", name, res.Error.Message)
			}
			if res.StatusCode != 0 {
				return fmt.Errorf("failed to clear volume %s: helper exited with status %d", name, res.StatusCode)
			}
			return nil
		case err := <-errC:
			return fmt.Errorf("failed to clear volume %s: %w", name, classify(err))
		}
	})
}

// withHelper creates a helper container that mounts the volume, runs fn
// against it and removes it afterwards. fn decides whether to start it; a nil
// cmd gives a helper that does nothing.
func (c *Client) withHelper(ctx context.Context, volumeName string, readOnly bool, cmd []string, fn func(id string) error) (err error) {
	if err := c.ensureImage(ctx, c.helperImage); err != nil {
		return err
	}
	if cmd == nil {
		cmd = []string{"true"}
	}

	helperName := "docker-backup-helper-" + uuid.NewString()[:8]
	resp, err := c.api.ContainerCreate(ctx,
		&container.Config{
			Image:  c.helperImage,
			Cmd:    cmd,
			Labels: map[string]string{helperLabel: "true"},
		},
		&container.HostConfig{
			Mounts: []mount.Mount{{
				Type:     mount.TypeVolume,
				Source:   volumeName,
				Target:   helperMountPoint,
				ReadOnly: readOnly,
			}},
		},
		nil, nil, helperName)
	if err != nil {
		return fmt.Errorf("failed to create helper container: %w", classify(err))
	}

	defer func() {
		rmErr := c.api.ContainerRemove(context.WithoutCancel(ctx), resp.ID, container.RemoveOptions{Force: true})
		err = errs.Combine(err, classify(rmErr))
	}()
	return fn(resp.ID)
}

func (c *Client) ensureImage(ctx context.Context, ref string) error {
	_, _, err := c.api.ImageInspectWithRaw(ctx, ref)
	if err == nil {
		return nil
	}
	if !cerrdefs.IsNotFound(err) {
		return classify(err)
	}

	c.logger.Info("Pulling image", "image", ref)
	rc, err := c.api.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull %s: %w", ref, classify(err))
	}
	defer rc.Close()
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("failed to pull %s: %w", ref, err)
	}
	return nil
}

// ListNetworks returns user-defined network names, sorted.
func (c *Client) ListNetworks(ctx context.Context) ([]string, error) {
	list, err := c.api.NetworkList(ctx, network.ListOptions{})
	if err != nil {
		return nil, classify(err)
	}
	var names []string
	for _, n := range list {
		if BuiltinNetworks[n.Name] {
			continue
		}
		names = append(names, n.Name)
	}
	sort.Strings(names)
	return names, nil
}

// InspectNetwork returns the raw inspect JSON of a network.
func (c *Client) InspectNetwork(ctx context.Context, name string) ([]byte, error) {
	_, raw, err := c.api.NetworkInspectWithRaw(ctx, name, network.InspectOptions{})
	if err != nil {
		return nil, classify(err)
	}
	return raw, nil
}

// NetworkExists reports whether a network exists.
func (c *Client) NetworkExists(ctx context.Context, name string) (bool, error) {
	_, _, err := c.api.NetworkInspectWithRaw(ctx, name, network.InspectOptions{})
	return exists(err)
}

// CreateNetwork creates a network.
func (c *Client) CreateNetwork(ctx context.Context, spec *NetworkSpec) (string, error) {
	resp, err := c.api.NetworkCreate(ctx, spec.Name, spec.Options)
	if err != nil {
		return "", classify(err)
	}
	if resp.Warning != "" {
		c.logger.Warn("Network create warning", "network", spec.Name, "warning", resp.Warning)
	}
	return resp.ID, nil
}

// RemoveNetwork removes a network.
func (c *Client) RemoveNetwork(ctx context.Context, name string) error {
	return classify(c.api.NetworkRemove(ctx, name))
}

// classify wraps daemon errors with the backend's sentinel errors.
func classify(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case client.IsErrConnectionFailed(err):
		return fmt.Errorf("%w: %w", ErrUnreachable, err)
	case cerrdefs.IsNotFound(err):
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	case cerrdefs.IsPermissionDenied(err), cerrdefs.IsUnauthorized(err):
		return fmt.Errorf("%w: %w", ErrPermissionDenied, err)
	case cerrdefs.IsConflict(err), cerrdefs.IsAlreadyExists(err):
		return fmt.Errorf("%w: %w", ErrConflict, err)
	case cerrdefs.IsUnavailable(err):
		return fmt.Errorf("%w: %w", ErrUnreachable, err)
	}
	if strings.Contains(strings.ToLower(err.Error()), "permission denied") {
		return fmt.Errorf("%w: %w", ErrPermissionDenied, err)
	}
	return err
}

func exists(err error) (bool, error) {
	if err == nil {
		return true, nil
	}
	err = classify(err)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return false, err
}

func volumeNames(mounts []container.MountPoint) []string {
	var names []string
	for _, m := range mounts {
		if m.Type == mount.TypeVolume && m.Name != "" {
			names = append(names, m.Name)
		}
	}
	sort.Strings(names)
	return names
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
