// Package dockertest provides an in-memory docker.Backend for tests.
package dockertest

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/goccy/go-json"

	"github.com/imedwei/docker-backup/internal/docker"
)

// Epoch is the modification time given to files added without one.
var Epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// File is one regular file inside a fake volume.
type File struct {
	Data    []byte
	ModTime time.Time
}

// Volume is a fake named volume.
type Volume struct {
	Info  docker.VolumeInfo
	Files map[string]File
}

// Container is a fake container.
type Container struct {
	Info docker.ContainerInfo
	Spec *docker.ContainerSpec // set for containers created through the backend
	Logs []byte
}

// Backend is an in-memory docker.Backend. Failures can be injected per
// operation and resource with Fail.
type Backend struct {
	mu         sync.Mutex
	containers map[string]*Container
	volumes    map[string]*Volume
	networks   map[string]network.Inspect
	failures   map[string]error
	calls      []string

	// PingErr is returned by Ping.
	PingErr error
	// BeforeOp runs before every operation with its name and target; tests use
	// it to trigger control flags mid-run.
	BeforeOp func(op, name string)
}

// New returns an empty fake backend.
func New() *Backend {
	return &Backend{
		containers: make(map[string]*Container),
		volumes:    make(map[string]*Volume),
		networks:   make(map[string]network.Inspect),
		failures:   make(map[string]error),
	}
}

// AddContainer registers a container mounting the given volumes and attached
// to the given networks.
func (b *Backend) AddContainer(name, image string, volumes, networks []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.containers[name] = &Container{
		Info: docker.ContainerInfo{
			ID:       fmt.Sprintf("%064x", len(b.containers)+1),
			Name:     name,
			Image:    image,
			State:    "running",
			Volumes:  append([]string(nil), volumes...),
			Networks: append([]string(nil), networks...),
		},
		Logs: []byte("log line for " + name + "\n"),
	}
}

// AddVolume registers a volume with file contents keyed by slash path.
func (b *Backend) AddVolume(name string, files map[string]string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v := &Volume{Info: docker.VolumeInfo{Name: name, Driver: "local"}, Files: make(map[string]File)}
	for p, data := range files {
		v.Files[p] = File{Data: []byte(data), ModTime: Epoch}
	}
	b.volumes[name] = v
}

// SetVolumeInfo replaces the driver, options and labels of a volume.
func (b *Backend) SetVolumeInfo(name, driver string, opts, labels map[string]string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.volumes[name].Info = docker.VolumeInfo{Name: name, Driver: driver, DriverOpts: opts, Labels: labels}
}

// WriteFile changes one file of a volume.
func (b *Backend) WriteFile(volume, p, data string, modTime time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.volumes[volume].Files[p] = File{Data: []byte(data), ModTime: modTime}
}

// AddNetwork registers a user-defined network.
func (b *Backend) AddNetwork(name, driver string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.networks[name] = network.Inspect{Name: name, ID: name + "-id", Driver: driver, Labels: map[string]string{}}
}

// RemoveVolume deletes a volume.
func (b *Backend) RemoveVolume(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.volumes, name)
}

// Fail makes op on name return err. An empty name matches every target.
func (b *Backend) Fail(op, name string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures[op+":"+name] = err
}

// Container returns a container by name.
func (b *Backend) Container(name string) (*Container, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.containers[name]
	return c, ok
}

// Volume returns a copy of a volume's files.
func (b *Backend) Volume(name string) (map[string]string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.volumes[name]
	if !ok {
		return nil, false
	}
	out := make(map[string]string, len(v.Files))
	for p, f := range v.Files {
		out[p] = string(f.Data)
	}
	return out, true
}

// HasNetwork reports whether a network exists.
func (b *Backend) HasNetwork(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.networks[name]
	return ok
}

// Calls returns the recorded operations as "op:name".
func (b *Backend) Calls() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.calls...)
}

func (b *Backend) enter(op, name string) error {
	if b.BeforeOp != nil {
		b.BeforeOp(op, name)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, op+":"+name)
	if err, ok := b.failures[op+":"+name]; ok {
		return err
	}
	if err, ok := b.failures[op+":"]; ok {
		return err
	}
	return nil
}

func notFound(kind, name string) error {
	return fmt.Errorf("%w: %s %s", docker.ErrNotFound, kind, name)
}

// Ping implements docker.Backend.
func (b *Backend) Ping(ctx context.Context) (docker.ServerInfo, error) {
	if b.PingErr != nil {
		return docker.ServerInfo{}, b.PingErr
	}
	return docker.ServerInfo{Version: "28.5.2", APIVersion: "1.51"}, nil
}

// ListContainers implements docker.Backend.
func (b *Backend) ListContainers(ctx context.Context) ([]docker.ContainerInfo, error) {
	if err := b.enter("list-containers", ""); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]docker.ContainerInfo, 0, len(b.containers))
	for _, c := range b.containers {
		out = append(out, c.Info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// InspectContainer implements docker.Backend.
func (b *Backend) InspectContainer(ctx context.Context, name string) (*docker.ContainerInfo, []byte, error) {
	if err := b.enter("inspect-container", name); err != nil {
		return nil, nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.containers[name]
	if !ok {
		return nil, nil, notFound("container", name)
	}

	binds := make([]string, 0, len(c.Info.Volumes))
	for i, v := range c.Info.Volumes {
		binds = append(binds, fmt.Sprintf("%s:/mnt/%d", v, i))
	}
	endpoints := make(map[string]*network.EndpointSettings)
	for _, n := range c.Info.Networks {
		endpoints[n] = &network.EndpointSettings{Aliases: []string{c.Info.Name}}
	}
	resp := container.InspectResponse{
		ContainerJSONBase: &container.ContainerJSONBase{
			ID:         c.Info.ID,
			Name:       "/" + c.Info.Name,
			State:      &container.State{Status: c.Info.State},
			HostConfig: &container.HostConfig{Binds: binds},
		},
		Config:          &container.Config{Image: c.Info.Image, Env: []string{"NAME=" + c.Info.Name}},
		NetworkSettings: &container.NetworkSettings{Networks: endpoints},
	}
	raw, err := json.Marshal(resp)
	if err != nil {
		return nil, nil, err
	}
	info := c.Info
	return &info, raw, nil
}

// ContainerLogs implements docker.Backend.
func (b *Backend) ContainerLogs(ctx context.Context, name string, tailLines int) ([]byte, error) {
	if err := b.enter("logs", name); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.containers[name]
	if !ok {
		return nil, notFound("container", name)
	}
	return append([]byte(nil), c.Logs...), nil
}

// ContainerExists implements docker.Backend.
func (b *Backend) ContainerExists(ctx context.Context, name string) (bool, error) {
	if err := b.enter("container-exists", name); err != nil {
		return false, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.containers[name]
	return ok, nil
}

// CreateContainer implements docker.Backend.
func (b *Backend) CreateContainer(ctx context.Context, spec *docker.ContainerSpec) (string, error) {
	if err := b.enter("create-container", spec.Name); err != nil {
		return "", err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.containers[spec.Name]; ok {
		return "", fmt.Errorf("%w: container %s", docker.ErrConflict, spec.Name)
	}
	var networks []string
	if spec.Networking != nil {
		for n := range spec.Networking.EndpointsConfig {
			networks = append(networks, n)
		}
		sort.Strings(networks)
	}
	// like the daemon, named volumes the container mounts are created on the
	// fly with the default driver
	for _, v := range namedVolumes(spec.HostConfig) {
		if _, ok := b.volumes[v]; !ok {
			b.volumes[v] = &Volume{Info: docker.VolumeInfo{Name: v, Driver: "local"}, Files: make(map[string]File)}
		}
	}
	id := fmt.Sprintf("%064x", len(b.containers)+100)
	b.containers[spec.Name] = &Container{
		Info: docker.ContainerInfo{ID: id, Name: spec.Name, Image: spec.Config.Image, State: "created", Networks: networks},
		Spec: spec,
	}
	return id, nil
}

func namedVolumes(hc *container.HostConfig) []string {
	if hc == nil {
		return nil
	}
	var names []string
	for _, bind := range hc.Binds {
		src, _, ok := strings.Cut(bind, ":")
		if ok && src != "" && !strings.HasPrefix(src, "/") {
			names = append(names, src)
		}
	}
	for _, m := range hc.Mounts {
		if m.Type == mount.TypeVolume && m.Source != "" {
			names = append(names, m.Source)
		}
	}
	return names
}

// RemoveContainer implements docker.Backend.
func (b *Backend) RemoveContainer(ctx context.Context, name string) error {
	if err := b.enter("remove-container", name); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.containers[name]; !ok {
		return notFound("container", name)
	}
	delete(b.containers, name)
	return nil
}

// ListVolumes implements docker.Backend.
func (b *Backend) ListVolumes(ctx context.Context) ([]string, error) {
	if err := b.enter("list-volumes", ""); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	names := make([]string, 0, len(b.volumes))
	for n := range b.volumes {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

// InspectVolume implements docker.Backend.
func (b *Backend) InspectVolume(ctx context.Context, name string) (*docker.VolumeInfo, error) {
	if err := b.enter("inspect-volume", name); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.volumes[name]
	if !ok {
		return nil, notFound("volume", name)
	}
	info := v.Info
	return &info, nil
}

// VolumeExists implements docker.Backend.
func (b *Backend) VolumeExists(ctx context.Context, name string) (bool, error) {
	if err := b.enter("volume-exists", name); err != nil {
		return false, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.volumes[name]
	return ok, nil
}

// CreateVolume implements docker.Backend.
func (b *Backend) CreateVolume(ctx context.Context, info docker.VolumeInfo) error {
	if err := b.enter("create-volume", info.Name); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.volumes[info.Name]; !ok {
		b.volumes[info.Name] = &Volume{Info: info, Files: make(map[string]File)}
	}
	return nil
}

// VolumeIsEmpty implements docker.Backend.
func (b *Backend) VolumeIsEmpty(ctx context.Context, name string) (bool, error) {
	if err := b.enter("volume-is-empty", name); err != nil {
		return false, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.volumes[name]
	if !ok {
		return false, notFound("volume", name)
	}
	return len(v.Files) == 0, nil
}

// ExportVolume implements docker.Backend.
func (b *Backend) ExportVolume(ctx context.Context, name string, w io.Writer) error {
	if err := b.enter("export-volume", name); err != nil {
		return err
	}
	b.mu.Lock()
	v, ok := b.volumes[name]
	if !ok {
		b.mu.Unlock()
		return notFound("volume", name)
	}
	paths := make([]string, 0, len(v.Files))
	files := make(map[string]File, len(v.Files))
	for p, f := range v.Files {
		paths = append(paths, p)
		files[p] = f
	}
	b.mu.Unlock()
	sort.Strings(paths)

	tw := tar.NewWriter(w)
	dirs := make(map[string]bool)
	for _, p := range paths {
		for dir := path.Dir(p); dir != "." && !dirs[dir]; dir = path.Dir(dir) {
			dirs[dir] = true
		}
	}
	dirList := make([]string, 0, len(dirs))
	for d := range dirs {
		dirList = append(dirList, d)
	}
	sort.Strings(dirList)
	for _, d := range dirList {
		if err := tw.WriteHeader(&tar.Header{Typeflag: tar.TypeDir, Name: d + "/", Mode: 0o755, ModTime: Epoch}); err != nil {
			return err
		}
	}
	for _, p := range paths {
		f := files[p]
		hdr := &tar.Header{Typeflag: tar.TypeReg, Name: p, Mode: 0o644, Size: int64(len(f.Data)), ModTime: f.ModTime}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if _, err := tw.Write(f.Data); err != nil {
			return err
		}
	}
	return tw.Close()
}

// ImportVolume implements docker.Backend.
func (b *Backend) ImportVolume(ctx context.Context, name string, r io.Reader) error {
	if err := b.enter("import-volume", name); err != nil {
		return err
	}
	imported := make(map[string]File)
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return err
		}
		imported[strings.TrimPrefix(hdr.Name, "./")] = File{Data: data, ModTime: hdr.ModTime}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.volumes[name]
	if !ok {
		return notFound("volume", name)
	}
	for p, f := range imported {
		v.Files[p] = f
	}
	return nil
}

// ClearVolume implements docker.Backend.
func (b *Backend) ClearVolume(ctx context.Context, name string) error {
	if err := b.enter("clear-volume", name); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.volumes[name]
	if !ok {
		return notFound("volume", name)
	}
	v.Files = make(map[string]File)
	return nil
}

// ListNetworks implements docker.Backend.
func (b *Backend) ListNetworks(ctx context.Context) ([]string, error) {
	if err := b.enter("list-networks", ""); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	var names []string
	for n := range b.networks {
		if !docker.BuiltinNetworks[n] {
			names = append(names, n)
		}
	}
	sort.Strings(names)
	return names, nil
}

// InspectNetwork implements docker.Backend.
func (b *Backend) InspectNetwork(ctx context.Context, name string) ([]byte, error) {
	if err := b.enter("inspect-network", name); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	n, ok := b.networks[name]
	if !ok {
		return nil, notFound("network", name)
	}
	return json.Marshal(n)
}

// NetworkExists implements docker.Backend.
func (b *Backend) NetworkExists(ctx context.Context, name string) (bool, error) {
	if err := b.enter("network-exists", name); err != nil {
		return false, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.networks[name]
	return ok, nil
}

// CreateNetwork implements docker.Backend.
func (b *Backend) CreateNetwork(ctx context.Context, spec *docker.NetworkSpec) (string, error) {
	if err := b.enter("create-network", spec.Name); err != nil {
		return "", err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.networks[spec.Name]; ok {
		return "", fmt.Errorf("%w: network %s", docker.ErrConflict, spec.Name)
	}
	b.networks[spec.Name] = network.Inspect{Name: spec.Name, ID: spec.Name + "-id", Driver: spec.Options.Driver, Labels: spec.Options.Labels}
	return spec.Name + "-id", nil
}

// RemoveNetwork implements docker.Backend.
func (b *Backend) RemoveNetwork(ctx context.Context, name string) error {
	if err := b.enter("remove-network", name); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.networks[name]; !ok {
		return notFound("network", name)
	}
	delete(b.networks, name)
	return nil
}

var _ docker.Backend = (*Backend)(nil)
