// Package generation models a backup generation: the staged directory of one
// backup run together with its manifest.
package generation

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/imedwei/docker-backup/internal/utils"
)

// ManifestFile is the name of the manifest inside a generation directory.
const ManifestFile = "manifest.json"

// Staging subdirectories.
const (
	ConfigsDir  = "configs"
	VolumesDir  = "volumes"
	NetworksDir = "networks"
)

// Kind identifies a Docker resource type.
type Kind string

// Resource kinds in capture order.
const (
	KindContainer Kind = "container"
	KindVolume    Kind = "volume"
	KindNetwork   Kind = "network"
)

// AllKinds lists every resource kind in backup phase order.
var AllKinds = []Kind{KindContainer, KindVolume, KindNetwork}

// Status is the per-resource outcome within a generation.
type Status string

// Resource statuses.
const (
	StatusPending Status = "pending"
	StatusSuccess Status = "success"
	StatusSkipped Status = "skipped"
	StatusFailed  Status = "failed"
)

// ResourceRef names one Docker resource.
type ResourceRef struct {
	Kind Kind   `json:"type"`
	Name string `json:"name"`
}

func (r ResourceRef) String() string {
	return string(r.Kind) + "/" + r.Name
}

// ResourceEntry records the outcome of one resource in a generation.
type ResourceEntry struct {
	Kind   Kind   `json:"type"`
	Name   string `json:"name"`
	Status Status `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Ref returns the entry's resource reference.
func (e ResourceEntry) Ref() ResourceRef {
	return ResourceRef{Kind: e.Kind, Name: e.Name}
}

// ContainerArtifact describes a captured container configuration.
type ContainerArtifact struct {
	Name       string   `json:"name"`
	Image      string   `json:"image,omitempty"`
	ConfigFile string   `json:"config_file"`
	LogsFile   string   `json:"logs_file,omitempty"`
	Volumes    []string `json:"volumes,omitempty"`
	Networks   []string `json:"networks,omitempty"`
}

// VolumeArtifact describes a captured volume.
type VolumeArtifact struct {
	VolumeName string `json:"volume_name"`
	SizeBytes  int64  `json:"size_bytes"`
	// PreviousGenerationRef is the generation whose tree this one was
	// hardlinked against. That generation must outlive this one.
	PreviousGenerationRef string `json:"previous_generation_ref,omitempty"`
	Compressed            bool   `json:"compressed"`
	Tree                  string `json:"tree"`
	Archive               string `json:"archive,omitempty"`
	FilesChanged          int    `json:"files_changed"`
	FilesLinked           int    `json:"files_linked"`

	Driver     string            `json:"driver,omitempty"`
	DriverOpts map[string]string `json:"driver_opts,omitempty"`
	Labels     map[string]string `json:"labels,omitempty"`
}

// NetworkArtifact describes a captured network configuration.
type NetworkArtifact struct {
	Name       string `json:"name"`
	Driver     string `json:"driver,omitempty"`
	ConfigFile string `json:"config_file"`
}

// Manifest is the persisted description of a generation.
type Manifest struct {
	ID               string                       `json:"id"`
	CreatedAt        time.Time                    `json:"created_at"`
	FinishedAt       *time.Time                   `json:"finished_at,omitempty"`
	Finalized        bool                         `json:"finalized"`
	Aborted          bool                         `json:"aborted,omitempty"`
	Resources        []ResourceEntry              `json:"resources"`
	Containers       map[string]ContainerArtifact `json:"containers,omitempty"`
	Volumes          map[string]VolumeArtifact    `json:"volumes,omitempty"`
	Networks         map[string]NetworkArtifact   `json:"networks,omitempty"`
	Encrypted        bool                         `json:"encrypted"`
	EncryptionMethod string                       `json:"encryption_method,omitempty"`
	EncryptionKeyID  string                       `json:"encryption_key_id,omitempty"`
	DockerVersion    string                       `json:"docker_version,omitempty"`
	ToolVersion      string                       `json:"tool_version,omitempty"`
}

// NewManifest creates an empty manifest for a generation created at createdAt.
func NewManifest(id string, createdAt time.Time) Manifest {
	return Manifest{
		ID:         id,
		CreatedAt:  createdAt.UTC(),
		Containers: make(map[string]ContainerArtifact),
		Volumes:    make(map[string]VolumeArtifact),
		Networks:   make(map[string]NetworkArtifact),
	}
}

// DecodeManifest parses manifest JSON.
func DecodeManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to decode manifest: %w", err)
	}
	if m.ID == "" {
		return nil, fmt.Errorf("manifest has no generation id")
	}
	if m.CreatedAt.IsZero() {
		if t, err := utils.ParseGenerationID(m.ID); err == nil {
			m.CreatedAt = t
		}
	}
	if m.Containers == nil {
		m.Containers = make(map[string]ContainerArtifact)
	}
	if m.Volumes == nil {
		m.Volumes = make(map[string]VolumeArtifact)
	}
	if m.Networks == nil {
		m.Networks = make(map[string]NetworkArtifact)
	}
	return &m, nil
}

// ReadManifest loads the manifest of the generation directory dir.
func ReadManifest(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		return nil, err
	}
	return DecodeManifest(data)
}

// Complete reports whether the run that produced the generation finished.
// Cancelled and failed runs leave an aborted manifest behind.
func (m *Manifest) Complete() bool {
	return m.Finalized && !m.Aborted
}

// Encode serializes the manifest.
func (m *Manifest) Encode() ([]byte, error) {
	return json.MarshalIndent(m, "", "  ")
}

// AddResource registers a resource as pending. Registering an already known
// resource is a no-op.
func (m *Manifest) AddResource(ref ResourceRef) {
	if m.entry(ref) != nil {
		return
	}
	m.Resources = append(m.Resources, ResourceEntry{Kind: ref.Kind, Name: ref.Name, Status: StatusPending})
}

// SetStatus records the outcome of a resource, registering it if needed.
func (m *Manifest) SetStatus(ref ResourceRef, status Status, cause error) {
	m.AddResource(ref)
	e := m.entry(ref)
	e.Status = status
	e.Error = ""
	if cause != nil {
		e.Error = cause.Error()
	}
}

// Status returns the status of a resource and whether it is known.
func (m *Manifest) Status(ref ResourceRef) (Status, bool) {
	if e := m.entry(ref); e != nil {
		return e.Status, true
	}
	return "", false
}

func (m *Manifest) entry(ref ResourceRef) *ResourceEntry {
	for i := range m.Resources {
		if m.Resources[i].Kind == ref.Kind && m.Resources[i].Name == ref.Name {
			return &m.Resources[i]
		}
	}
	return nil
}

// Succeeded lists the names of resources of a kind that were captured.
func (m *Manifest) Succeeded(kind Kind) []string {
	var names []string
	for _, e := range m.Resources {
		if e.Kind == kind && e.Status == StatusSuccess {
			names = append(names, e.Name)
		}
	}
	return names
}

// Counts tallies resource outcomes.
func (m *Manifest) Counts() (succeeded, failed, skipped int) {
	for _, e := range m.Resources {
		switch e.Status {
		case StatusSuccess:
			succeeded++
		case StatusFailed:
			failed++
		case StatusSkipped:
			skipped++
		}
	}
	return succeeded, failed, skipped
}

// References returns the distinct generations this one links against.
func (m *Manifest) References() []string {
	seen := make(map[string]struct{})
	var refs []string
	for _, v := range m.Volumes {
		if v.PreviousGenerationRef == "" || v.PreviousGenerationRef == m.ID {
			continue
		}
		if _, ok := seen[v.PreviousGenerationRef]; ok {
			continue
		}
		seen[v.PreviousGenerationRef] = struct{}{}
		refs = append(refs, v.PreviousGenerationRef)
	}
	sort.Strings(refs)
	return refs
}

// Uploadable reports whether the slash-separated path rel inside the
// generation belongs to the transfer set. Uncompressed trees of compressed
// volumes stay local as link references.
func (m *Manifest) Uploadable(rel string) bool {
	rel = path.Clean(strings.TrimPrefix(rel, "/"))
	for _, v := range m.Volumes {
		if !v.Compressed || v.Tree == "" {
			continue
		}
		if rel == v.Tree || strings.HasPrefix(rel, v.Tree+"/") {
			return false
		}
	}
	return true
}
