package docker

import (
	"errors"
	"fmt"
	"testing"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const containerID = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

func inspectJSON(t *testing.T) []byte {
	t.Helper()
	resp := container.InspectResponse{
		ContainerJSONBase: &container.ContainerJSONBase{
			ID:   containerID,
			Name: "/web",
			HostConfig: &container.HostConfig{
				Binds:         []string{"app_data:/data:rw", "/srv/conf:/etc/conf:ro"},
				NetworkMode:   "frontend",
				RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyUnlessStopped},
				Mounts: []mount.Mount{
					{Type: mount.TypeVolume, Source: "cache", Target: "/cache"},
					{Type: mount.TypeBind, Source: "/tmp", Target: "/tmp"},
				},
			},
		},
		Config: &container.Config{
			Hostname: containerID[:12],
			Image:    "nginx:1.27",
			Env:      []string{"A=1"},
		},
		NetworkSettings: &container.NetworkSettings{
			Networks: map[string]*network.EndpointSettings{
				"frontend": {Aliases: []string{"web", containerID[:12]}},
			},
		},
	}
	data, err := json.Marshal(resp)
	require.NoError(t, err)
	return data
}

func TestContainerSpecFromInspect(t *testing.T) {
	renames := Renames{
		Volumes:  map[string]string{"app_data": "app_data_restored", "cache": "cache2"},
		Networks: map[string]string{"frontend": "frontend2"},
	}
	spec, err := ContainerSpecFromInspect(inspectJSON(t), "web_restored", renames)
	require.NoError(t, err)

	assert.Equal(t, "web_restored", spec.Name)
	assert.Equal(t, "nginx:1.27", spec.Config.Image)
	assert.Empty(t, spec.Config.Hostname, "default hostname derived from the old id is dropped")
	assert.Equal(t, []string{"A=1"}, spec.Config.Env)
	assert.Equal(t, []string{"app_data_restored:/data:rw", "/srv/conf:/etc/conf:ro"}, spec.HostConfig.Binds)
	assert.Equal(t, "cache2", spec.HostConfig.Mounts[0].Source)
	assert.Equal(t, "/tmp", spec.HostConfig.Mounts[1].Source)
	assert.Equal(t, container.NetworkMode("frontend2"), spec.HostConfig.NetworkMode)
	assert.Equal(t, container.RestartPolicyUnlessStopped, spec.HostConfig.RestartPolicy.Name)

	require.NotNil(t, spec.Networking)
	ep, ok := spec.Networking.EndpointsConfig["frontend2"]
	require.True(t, ok)
	assert.Equal(t, []string{"web"}, ep.Aliases)
}

func TestContainerSpecFromInspect_KeepsNamesWithoutRenames(t *testing.T) {
	spec, err := ContainerSpecFromInspect(inspectJSON(t), "web", Renames{})
	require.NoError(t, err)
	assert.Equal(t, "app_data:/data:rw", spec.HostConfig.Binds[0])
	assert.Contains(t, spec.Networking.EndpointsConfig, "frontend")
}

func TestContainerSpecFromInspect_Invalid(t *testing.T) {
	_, err := ContainerSpecFromInspect([]byte("{"), "x", Renames{})
	assert.Error(t, err)
	_, err = ContainerSpecFromInspect([]byte("{}"), "x", Renames{})
	assert.Error(t, err)
}

func TestNetworkSpecFromInspect(t *testing.T) {
	raw, err := json.Marshal(network.Inspect{
		Name:       "frontend",
		Driver:     "bridge",
		Attachable: true,
		EnableIPv6: true,
		IPAM:       network.IPAM{Driver: "default", Config: []network.IPAMConfig{{Subnet: "172.30.0.0/16"}}},
		Labels:     map[string]string{"app": "web"},
		Options:    map[string]string{"com.docker.network.bridge.name": "br-web"},
	})
	require.NoError(t, err)

	spec, err := NetworkSpecFromInspect(raw, "frontend2")
	require.NoError(t, err)
	assert.Equal(t, "frontend2", spec.Name)
	assert.Equal(t, "bridge", spec.Options.Driver)
	assert.True(t, spec.Options.Attachable)
	require.NotNil(t, spec.Options.EnableIPv6)
	assert.True(t, *spec.Options.EnableIPv6)
	assert.Equal(t, "172.30.0.0/16", spec.Options.IPAM.Config[0].Subnet)
	assert.Equal(t, "web", spec.Options.Labels["app"])
	assert.Nil(t, spec.Options.ConfigFrom)

	spec, err = NetworkSpecFromInspect(raw, "")
	require.NoError(t, err)
	assert.Equal(t, "frontend", spec.Name)

	_, err = NetworkSpecFromInspect(raw, "bridge")
	assert.Error(t, err)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"not found", fmt.Errorf("no such container: %w", cerrdefs.ErrNotFound), ErrNotFound},
		{"permission", cerrdefs.ErrPermissionDenied, ErrPermissionDenied},
		{"unauthorized", cerrdefs.ErrUnauthenticated, ErrPermissionDenied},
		{"conflict", cerrdefs.ErrConflict, ErrConflict},
		{"unavailable", cerrdefs.ErrUnavailable, ErrUnreachable},
		{"socket permission", errors.New("dial unix /var/run/docker.sock: connect: permission denied"), ErrPermissionDenied},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, classify(tt.err), tt.want)
		})
	}

	assert.NoError(t, classify(nil))
	plain := errors.New("other")
	assert.Equal(t, plain, classify(plain))
}

func TestExists(t *testing.T) {
	ok, err := exists(nil)
	assert.True(t, ok)
	assert.NoError(t, err)

	ok, err = exists(cerrdefs.ErrNotFound)
	assert.False(t, ok)
	assert.NoError(t, err)

	_, err = exists(cerrdefs.ErrUnavailable)
	assert.ErrorIs(t, err, ErrUnreachable)
}
