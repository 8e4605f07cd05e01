package docker

import (
	"fmt"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/goccy/go-json"
)

// ContainerSpec is everything needed to create a container.
type ContainerSpec struct {
	Name       string
	Config     *container.Config
	HostConfig *container.HostConfig
	Networking *network.NetworkingConfig
}

// NetworkSpec is everything needed to create a network.
type NetworkSpec struct {
	Name    string
	Options network.CreateOptions
}

// Renames maps original volume and network names to restore targets. Names
// without an entry are kept.
type Renames struct {
	Volumes  map[string]string
	Networks map[string]string
}

func (r Renames) volume(name string) string {
	if to, ok := r.Volumes[name]; ok && to != "" {
		return to
	}
	return name
}

func (r Renames) network(name string) string {
	if to, ok := r.Networks[name]; ok && to != "" {
		return to
	}
	return name
}

// ContainerSpecFromInspect rebuilds a creation spec from captured inspect
// JSON. Volume mounts and network attachments are rewritten through renames.
func ContainerSpecFromInspect(raw []byte, name string, renames Renames) (*ContainerSpec, error) {
	var inspect container.InspectResponse
	if err := json.Unmarshal(raw, &inspect); err != nil {
		return nil, fmt.Errorf("failed to decode container configuration: %w", err)
	}
	if inspect.Config == nil || inspect.ContainerJSONBase == nil {
		return nil, fmt.Errorf("container configuration is incomplete")
	}

	cfg := *inspect.Config
	// The daemon defaults the hostname to the short container ID.
	if cfg.Hostname != "" && strings.HasPrefix(inspect.ID, cfg.Hostname) {
		cfg.Hostname = ""
	}

	hc := &container.HostConfig{}
	if inspect.HostConfig != nil {
		copied := *inspect.HostConfig
		hc = &copied
	}

	hc.Binds = renameBinds(hc.Binds, renames)
	mounts := make([]mount.Mount, 0, len(hc.Mounts))
	for _, m := range hc.Mounts {
		if m.Type == mount.TypeVolume && m.Source != "" {
			m.Source = renames.volume(m.Source)
		}
		mounts = append(mounts, m)
	}
	hc.Mounts = mounts

	mode := hc.NetworkMode
	if mode.IsUserDefined() {
		hc.NetworkMode = container.NetworkMode(renames.network(string(mode)))
	}

	var networking *network.NetworkingConfig
	if inspect.NetworkSettings != nil && !mode.IsHost() && !mode.IsNone() && !mode.IsContainer() {
		endpoints := make(map[string]*network.EndpointSettings)
		for netName, ep := range inspect.NetworkSettings.Networks {
			settings := &network.EndpointSettings{}
			if ep != nil {
				settings.Aliases = filterAliases(ep.Aliases, inspect.ID)
				settings.IPAMConfig = ep.IPAMConfig
				settings.Links = ep.Links
				settings.DriverOpts = ep.DriverOpts
			}
			endpoints[renames.network(netName)] = settings
		}
		if len(endpoints) > 0 {
			networking = &network.NetworkingConfig{EndpointsConfig: endpoints}
		}
	}

	return &ContainerSpec{
		Name:       name,
		Config:     &cfg,
		HostConfig: hc,
		Networking: networking,
	}, nil
}

// renameBinds rewrites named-volume binds of the form "name:/path[:opts]".
func renameBinds(binds []string, renames Renames) []string {
	out := make([]string, 0, len(binds))
	for _, b := range binds {
		src, rest, ok := strings.Cut(b, ":")
		if ok && src != "" && !strings.HasPrefix(src, "/") && !strings.HasPrefix(src, ".") {
			b = renames.volume(src) + ":" + rest
		}
		out = append(out, b)
	}
	return out
}

// filterAliases drops the short container ID the daemon adds as an alias.
func filterAliases(aliases []string, id string) []string {
	var out []string
	for _, a := range aliases {
		if len(a) >= 12 && strings.HasPrefix(id, a) {
			continue
		}
		out = append(out, a)
	}
	return out
}

// NetworkSpecFromInspect rebuilds a creation spec from captured inspect JSON.
func NetworkSpecFromInspect(raw []byte, name string) (*NetworkSpec, error) {
	var n network.Inspect
	if err := json.Unmarshal(raw, &n); err != nil {
		return nil, fmt.Errorf("failed to decode network configuration: %w", err)
	}
	if name == "" {
		name = n.Name
	}
	if BuiltinNetworks[name] {
		return nil, fmt.Errorf("network %s is built in and cannot be recreated", name)
	}

	ipv6 := n.EnableIPv6
	ipam := n.IPAM
	opts := network.CreateOptions{
		Driver:     n.Driver,
		Scope:      n.Scope,
		EnableIPv6: &ipv6,
		IPAM:       &ipam,
		Internal:   n.Internal,
		Attachable: n.Attachable,
		Ingress:    n.Ingress,
		ConfigOnly: n.ConfigOnly,
		Options:    n.Options,
		Labels:     n.Labels,
	}
	if n.ConfigFrom.Network != "" {
		from := n.ConfigFrom
		opts.ConfigFrom = &from
	}
	return &NetworkSpec{Name: name, Options: opts}, nil
}
