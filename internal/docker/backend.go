// Package docker is the container backend: resource discovery, inspection and
// creation, plus the helper-container tunnel used to move volume data without
// touching host mount points.
package docker

import (
	"context"
	"errors"
	"io"
)

// Errors returned by the backend. Daemon errors are classified into one of
// these when recognized.
var (
	ErrNotFound         = errors.New("docker resource not found")
	ErrPermissionDenied = errors.New("docker permission denied")
	ErrUnreachable      = errors.New("docker daemon unreachable")
	ErrConflict         = errors.New("docker resource already exists")
)

// BuiltinNetworks are created by the daemon and never captured or restored.
var BuiltinNetworks = map[string]bool{"bridge": true, "host": true, "none": true}

// ServerInfo describes the daemon.
type ServerInfo struct {
	Version    string
	APIVersion string
}

// ContainerInfo summarizes a container.
type ContainerInfo struct {
	ID    string
	Name  string
	Image string
	State string
	// Volumes lists the named volumes mounted by the container.
	Volumes  []string
	Networks []string
}

// VolumeInfo describes a named volume.
type VolumeInfo struct {
	Name       string            `json:"name"`
	Driver     string            `json:"driver,omitempty"`
	DriverOpts map[string]string `json:"driver_opts,omitempty"`
	Labels     map[string]string `json:"labels,omitempty"`
}

// Backend is the set of daemon operations the drivers need.
type Backend interface {
	Ping(ctx context.Context) (ServerInfo, error)

	ListContainers(ctx context.Context) ([]ContainerInfo, error)
	// InspectContainer returns the summary and the raw inspect JSON.
	InspectContainer(ctx context.Context, name string) (*ContainerInfo, []byte, error)
	ContainerLogs(ctx context.Context, name string, tailLines int) ([]byte, error)
	ContainerExists(ctx context.Context, name string) (bool, error)
	CreateContainer(ctx context.Context, spec *ContainerSpec) (string, error)
	// RemoveContainer stops and removes a container, keeping its volumes.
	RemoveContainer(ctx context.Context, name string) error

	ListVolumes(ctx context.Context) ([]string, error)
	InspectVolume(ctx context.Context, name string) (*VolumeInfo, error)
	VolumeExists(ctx context.Context, name string) (bool, error)
	CreateVolume(ctx context.Context, info VolumeInfo) error
	VolumeIsEmpty(ctx context.Context, name string) (bool, error)
	// ExportVolume writes the volume content as a tar stream with names
	// relative to the volume root.
	ExportVolume(ctx context.Context, name string, w io.Writer) error
	// ImportVolume extracts a tar stream with names relative to the volume
	// root into the volume.
	ImportVolume(ctx context.Context, name string, r io.Reader) error
	// ClearVolume removes the volume's content, keeping the volume.
	ClearVolume(ctx context.Context, name string) error

	ListNetworks(ctx context.Context) ([]string, error)
	// InspectNetwork returns the raw inspect JSON.
	InspectNetwork(ctx context.Context, name string) ([]byte, error)
	NetworkExists(ctx context.Context, name string) (bool, error)
	CreateNetwork(ctx context.Context, spec *NetworkSpec) (string, error)
	RemoveNetwork(ctx context.Context, name string) error
}
