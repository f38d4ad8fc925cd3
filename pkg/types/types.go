// Package types defines the data model shared across the orchestrator:
// workspaces, their resolved configuration, port reservations, shared
// service state, and snapshot metadata.
package types

import (
	"time"

	"gopkg.in/yaml.v3"
)

// WorkspaceStatus is the lifecycle state of a Workspace.
type WorkspaceStatus string

const (
	WorkspaceCreating  WorkspaceStatus = "creating"
	WorkspaceRunning   WorkspaceStatus = "running"
	WorkspaceStopped   WorkspaceStatus = "stopped"
	WorkspaceFailed    WorkspaceStatus = "failed"
	WorkspaceDestroyed WorkspaceStatus = "destroyed"
)

// ProviderKind selects which backend provisions a Workspace.
type ProviderKind string

const (
	ProviderContainer ProviderKind = "container"
	ProviderNativeVM  ProviderKind = "native_vm"
)

// Workspace is a single provisioned dev environment.
type Workspace struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	Owner      string            `json:"owner"`
	Template   string            `json:"template,omitempty"`
	Provider   ProviderKind      `json:"provider"`
	Status     WorkspaceStatus   `json:"status"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
	TTLSeconds int64             `json:"ttl_seconds,omitempty"`
	ExpiresAt  *time.Time        `json:"expires_at,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`

	// ConnectionInfo mirrors the provisioner's last successful resolution:
	// container_id/instance_id, status snapshot, and an ssh command hint.
	ConnectionInfo map[string]string `json:"connection_info,omitempty"`
	FailureReason  string            `json:"failure_reason,omitempty"`

	PortRangeStart int `json:"port_range_start,omitempty"`
	PortRangeSize  int `json:"port_range_size,omitempty"`

	// Instance numbers this workspace among others sharing the same
	// owner/name, for providers whose SupportsMultiInstance() is true.
	// Zero means "unset"; callers treat it as 1.
	Instance int `json:"instance,omitempty"`
}

// WorkspaceFilters narrows a List query.
type WorkspaceFilters struct {
	Owner  string
	Status WorkspaceStatus
}

// CreateWorkspaceRequest is the input to Store.Create / the provisioner.
type CreateWorkspaceRequest struct {
	Name       string
	Owner      string
	Template   string
	Provider   ProviderKind
	TTLSeconds int64
	Metadata   map[string]string
}

// VmConfig is the fully merged, validated configuration for one workspace,
// produced by the config pipeline (defaults + preset + user overrides).
type VmConfig struct {
	Project   ProjectConfig          `yaml:"project" json:"project"`
	Provider  ProviderKind           `yaml:"provider" json:"provider"`
	VM        VMConfig               `yaml:"vm,omitempty" json:"vm,omitempty"`
	Versions  map[string]string      `yaml:"versions,omitempty" json:"versions,omitempty"`
	Services  map[string]ServiceSpec `yaml:"services,omitempty" json:"services,omitempty"`
	Ports     map[string]int         `yaml:"ports,omitempty" json:"ports,omitempty"`
	Resources ResourceConfig         `yaml:"resources" json:"resources"`
	Packages  PackageLists           `yaml:"packages,omitempty" json:"packages,omitempty"`
	Aliases   map[string]string      `yaml:"aliases,omitempty" json:"aliases,omitempty"`
	Env       map[string]string      `yaml:"environment,omitempty" json:"environment,omitempty"`
	Terminal  TerminalConfig         `yaml:"terminal,omitempty" json:"terminal,omitempty"`

	GitConfig        GitConfig `yaml:"git_config,omitempty" json:"git_config,omitempty"`
	PackageLinking   bool      `yaml:"package_linking,omitempty" json:"package_linking,omitempty"`
	ClaudeSync       bool      `yaml:"claude_sync,omitempty" json:"claude_sync,omitempty"`
	GeminiSync       bool      `yaml:"gemini_sync,omitempty" json:"gemini_sync,omitempty"`
	PersistDatabases bool      `yaml:"persist_databases,omitempty" json:"persist_databases,omitempty"`

	// ServiceOrder preserves the declaration order of the `services`
	// mapping as it appeared in the merged YAML, since Go map iteration
	// over Services is unspecified and config.EnsureServicePorts must
	// fall back to declaration order for services outside its fixed
	// priority list. Populated by config.Pipeline.Resolve; not part of
	// the on-disk schema.
	ServiceOrder []string `yaml:"-" json:"-"`
}

// ProjectConfig names the workspace and its detected framework.
type ProjectConfig struct {
	Name          string `yaml:"name" json:"name"`
	Hostname      string `yaml:"hostname,omitempty" json:"hostname,omitempty"`
	Template      string `yaml:"template,omitempty" json:"template,omitempty"`
	Image         string `yaml:"image,omitempty" json:"image,omitempty"`
	WorkspacePath string `yaml:"workspace_path,omitempty" json:"workspace_path,omitempty"`
	EnvTemplate   string `yaml:"env_template_path,omitempty" json:"env_template_path,omitempty"`
}

// VMConfig controls the base image/runtime environment a workspace is
// assembled from: box/image selection, the in-container user, resource
// shaping the provider-level ResourceConfig doesn't already cover, and
// cosmetic/runtime knobs (timezone, GUI forwarding, the interface ports
// bind to).
type VMConfig struct {
	Box         string `yaml:"box,omitempty" json:"box,omitempty"`
	User        string `yaml:"user,omitempty" json:"user,omitempty"`
	Swap        string `yaml:"swap,omitempty" json:"swap,omitempty"`
	Swappiness  int    `yaml:"swappiness,omitempty" json:"swappiness,omitempty"`
	Timezone    string `yaml:"timezone,omitempty" json:"timezone,omitempty"`
	PortBinding string `yaml:"port_binding,omitempty" json:"port_binding,omitempty"`
	GUI         bool   `yaml:"gui,omitempty" json:"gui,omitempty"`
}

// PackageLists are the four build-time package managers the container
// backend's image recipe substitutes into its base-image build args,
// each joined by spaces in the rendered Dockerfile-equivalent template.
type PackageLists struct {
	Apt   []string `yaml:"apt,omitempty" json:"apt,omitempty"`
	Npm   []string `yaml:"npm,omitempty" json:"npm,omitempty"`
	Pip   []string `yaml:"pip,omitempty" json:"pip,omitempty"`
	Cargo []string `yaml:"cargo,omitempty" json:"cargo,omitempty"`
}

// GitConfig carries the optional git identity baked into a workspace's
// image build args (user.name/user.email in the container's global
// gitconfig), so commits made inside the workspace attribute correctly
// without the developer re-running `git config` after every create.
type GitConfig struct {
	UserName  string `yaml:"user_name,omitempty" json:"user_name,omitempty"`
	UserEmail string `yaml:"user_email,omitempty" json:"user_email,omitempty"`
}

// ResourceConfig is the raw, unparsed memory/CPU grammar; config.ParseLimits
// resolves it into a concrete byte count / core count at provisioning time.
type ResourceConfig struct {
	Memory string `yaml:"memory,omitempty" json:"memory,omitempty"`
	CPUs   string `yaml:"cpus,omitempty" json:"cpus,omitempty"`
}

// TerminalConfig controls shell/PS1 personalization inside the workspace.
type TerminalConfig struct {
	Shell           string `yaml:"shell,omitempty" json:"shell,omitempty"`
	Theme           string `yaml:"theme,omitempty" json:"theme,omitempty"`
	Emoji           string `yaml:"emoji,omitempty" json:"emoji,omitempty"`
	Username        string `yaml:"username,omitempty" json:"username,omitempty"`
	Colors        bool   `yaml:"colors,omitempty" json:"colors,omitempty"`
	ShowGitBranch bool   `yaml:"show_git_branch,omitempty" json:"show_git_branch,omitempty"`
	ShowTimestamp bool   `yaml:"show_timestamp,omitempty" json:"show_timestamp,omitempty"`
}

// ServiceSpec is one entry of the `services` mapping: whether the shared
// service is enabled for this workspace, and (when it carries
// non-default values) the image/version/port/type/credentials the
// container backend needs to run and wire it up. Accepts either a bare
// boolean in YAML (shorthand for "enabled: <bool>", every other field
// left at its default) or a full mapping, so `postgresql: true` and
// `postgresql: {enabled: true, port: 5433}` both parse.
type ServiceSpec struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Image    string `yaml:"image,omitempty" json:"image,omitempty"`
	Version  string `yaml:"version,omitempty" json:"version,omitempty"`
	Port     int    `yaml:"port,omitempty" json:"port,omitempty"`
	Type     string `yaml:"type,omitempty" json:"type,omitempty"`
	User     string `yaml:"user,omitempty" json:"user,omitempty"`
	Password string `yaml:"password,omitempty" json:"password,omitempty"`
}

// UnmarshalYAML implements the bool-or-mapping shorthand documented on
// ServiceSpec.
func (s *ServiceSpec) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		var enabled bool
		if err := value.Decode(&enabled); err != nil {
			return err
		}
		*s = ServiceSpec{Enabled: enabled}
		return nil
	}
	type plain ServiceSpec
	var p plain
	if err := value.Decode(&p); err != nil {
		return err
	}
	*s = ServiceSpec(p)
	return nil
}

// PortRange is a contiguous block of host ports reserved for one workspace.
type PortRange struct {
	Owner string `json:"owner"`
	Name  string `json:"name"`
	Start int    `json:"start"`
	Size  int    `json:"size"`
}

// End returns the last port in the range, inclusive.
func (r PortRange) End() int { return r.Start + r.Size - 1 }

// Overlaps reports whether r and other share any port.
func (r PortRange) Overlaps(other PortRange) bool {
	return r.Start <= other.End() && other.Start <= r.End()
}

// Preset is a named, embeddable configuration fragment for a detected
// project type (e.g. "nodejs", "django").
type Preset struct {
	Name    string
	Content []byte
}

// ServiceKind identifies a shared infrastructure service.
type ServiceKind string

const (
	ServicePostgres ServiceKind = "postgresql"
	ServiceRedis    ServiceKind = "redis"
	ServiceMongo    ServiceKind = "mongodb"
	ServiceRegistry ServiceKind = "docker_registry"
)

// ServiceState tracks a shared service's lifecycle and reference count.
type ServiceState struct {
	Kind           ServiceKind `json:"kind"`
	ContainerID    string      `json:"container_id,omitempty"`
	ReferenceCount int         `json:"reference_count"`
	ReferencedBy   []string    `json:"referenced_by,omitempty"`
	PasswordFile   string      `json:"password_file,omitempty"`
	Port           int         `json:"port,omitempty"`
	StartedAt      time.Time   `json:"started_at,omitempty"`
}

// SnapshotMetadata describes one captured workspace archive, written as
// metadata.json inside the capture directory.
type SnapshotMetadata struct {
	Name           string               `json:"name"`
	CreatedAt      time.Time            `json:"created_at"`
	Description    string               `json:"description,omitempty"`
	ProjectName    string               `json:"project_name"`
	ProjectDir     string               `json:"project_dir,omitempty"`
	GitCommit      string               `json:"git_commit,omitempty"`
	GitDirty       bool                 `json:"git_dirty,omitempty"`
	GitBranch      string               `json:"git_branch,omitempty"`
	Services       []SnapshotServiceRef `json:"services,omitempty"`
	Volumes        []SnapshotVolumeRef  `json:"volumes,omitempty"`
	ComposeFile    string               `json:"compose_file,omitempty"`
	VmConfigFile   string               `json:"vm_config_file,omitempty"`
	TotalSizeBytes int64                `json:"total_size_bytes"`
}

// SnapshotServiceRef records one container image captured alongside a
// snapshot.
type SnapshotServiceRef struct {
	Name        string `json:"name"`
	ImageTag    string `json:"image_tag"`
	ImageFile   string `json:"image_file"`
	ImageDigest string `json:"image_digest,omitempty"`
}

// SnapshotVolumeRef records one volume archive captured alongside a
// snapshot.
type SnapshotVolumeRef struct {
	Name        string `json:"name"`
	ArchiveFile string `json:"archive_file"`
	SizeBytes   int64  `json:"size_bytes"`
}

// Volume is a named directory bound into a workspace instance, the unit
// the snapshot engine captures and restores.
type Volume struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	WorkspaceID string `json:"workspace_id"`
	Driver      string `json:"driver"`
	MountPath   string `json:"mount_path,omitempty"`
}

// InstanceInfo is what a Provider reports back after creating or
// inspecting a running instance.
type InstanceInfo struct {
	ID     string
	Name   string
	Status string
	IP     string
}

// StatusReport is the view of one instance that Provider.Status returns.
type StatusReport struct {
	InstanceInfo
	Healthy        bool
	LastCheckedAt  time.Time
	FailureMessage string
}
