// Package provider defines the backend abstraction that pkg/provisioner
// drives: create/start/stop/destroy/exec/ssh/logs against either a
// container runtime or a native VM, behind one interface.
package provider

import (
	"context"
	"io"

	"github.com/cuemby/vm/pkg/types"
)

// Context carries everything a Provider needs to act on one workspace:
// its resolved config, the host port range it was assigned, and the
// directories it may use for state.
type Context struct {
	Workspace *types.Workspace
	Config    *types.VmConfig
	Ports     types.PortRange
	DataDir   string

	// Instance numbers this container among others sharing the same
	// owner/name (1 if the workspace didn't request a specific one).
	// Only meaningful when the backend's SupportsMultiInstance() is true.
	Instance int
}

// ExecOptions controls an interactive or one-shot command inside a
// running instance.
type ExecOptions struct {
	Cmd    []string
	TTY    bool
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// Provider is the backend that actually creates and manages the
// process/VM/container backing a workspace. Implementations: pkg/provider/container
// (containerd, primary) and pkg/provider/nativevm (Lima VM, secondary,
// darwin-only).
type Provider interface {
	// Kind identifies the provider for logging, metrics and connection info.
	Kind() types.ProviderKind

	// CreateInstance builds the instance for ctx.Workspace without starting
	// it (the caller follows with StartInstance), returning enough info for
	// the caller to persist connection details.
	CreateInstance(ctx context.Context, pctx Context) (types.InstanceInfo, error)

	// StartInstance resumes a previously-stopped instance.
	StartInstance(ctx context.Context, instanceID string) error

	// StopInstance stops a running instance, sending SIGTERM then SIGKILL
	// after timeout elapses without exit.
	StopInstance(ctx context.Context, instanceID string) error

	// DestroyInstance stops (if needed) and irreversibly removes the instance
	// and, when purgeVolumes is set, any named volumes it owned.
	DestroyInstance(ctx context.Context, instanceID string, purgeVolumes bool) error

	// ListInstances returns info about all instances this provider knows of.
	ListInstances(ctx context.Context) ([]types.InstanceInfo, error)

	// Status reports the current health/lifecycle state of one instance.
	Status(ctx context.Context, instanceID string) (types.StatusReport, error)

	// Exec runs a command inside the instance, wiring opts.Stdin/Stdout/Stderr.
	Exec(ctx context.Context, instanceID string, opts ExecOptions) (exitCode int, err error)

	// Logs streams the instance's captured output to w. If follow is false,
	// Logs returns once the currently buffered output has been written.
	Logs(ctx context.Context, instanceID string, w io.Writer, follow bool) error

	// SSHCommand returns the shell command a human would run to reach the
	// instance interactively (used to populate connection info).
	SSHCommand(instanceID string, workspaceName string) string

	// Copy transfers a file or directory into or out of instanceID. One of
	// src/dst must carry a "container:" prefix on its path, naming which
	// side lives inside the instance; the other is a plain host path.
	Copy(ctx context.Context, instanceID, src, dst string) error

	// GetContainerMounts reports the destination paths bind-mounted into
	// instanceID, as recorded in its runtime spec.
	GetContainerMounts(ctx context.Context, instanceID string) ([]string, error)

	// SupportsMultiInstance reports whether this backend can run more than
	// one instance for the same owner/name, distinguished by instance number.
	SupportsMultiInstance() bool

	// ResolveInstanceName returns the concrete instance name for
	// owner/name/instance, erroring if no such instance exists.
	ResolveInstanceName(ctx context.Context, owner, name string, instance int) (string, error)
}

// Provisioner is an optional capability a Provider implements when it
// supports running a post-readiness provisioning playbook inside a
// freshly started instance (the container backend's embedded-interpreter
// step). pkg/provisioner type-asserts for it after StartInstance
// succeeds; backends that don't implement it (a bare native VM, say)
// simply skip that step.
type Provisioner interface {
	RunProvisioning(ctx context.Context, instanceID string, cfg *types.VmConfig, onEvent func(ProgressEvent)) (ProgressSummary, error)
}

// ProgressKind classifies one line of provisioning-playbook output.
type ProgressKind int

const (
	ProgressOther ProgressKind = iota
	ProgressTask
	ProgressOK
	ProgressChanged
	ProgressFailed
)

// ProgressEvent is one classified line from a provisioning run.
type ProgressEvent struct {
	Kind ProgressKind
	Line string
	Task string
}

// ProgressSummary tallies how many of each kind of line a run produced.
type ProgressSummary struct {
	Tasks, OK, Changed, Failed int
}
