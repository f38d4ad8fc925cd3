package container

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	ctrd "github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/cuemby/vm/pkg/config"
	"github.com/cuemby/vm/pkg/log"
	"github.com/cuemby/vm/pkg/provider"
	"github.com/cuemby/vm/pkg/types"
	"github.com/cuemby/vm/pkg/werrors"
)

const (
	// Namespace is the containerd namespace every workspace container lives in.
	Namespace = "vm"

	readinessAttempts = 30
	readinessInterval = time.Second
)

// Provider implements provider.Provider on top of a containerd daemon,
// reached either directly (Linux) or through a Lima-hosted socket
// (macOS) via ensureDaemon.
type Provider struct {
	dataDir     string
	useExternal bool

	mu     sync.Mutex
	client *ctrd.Client
	stopFn func() error
}

// New constructs a container Provider. Connect must be called before use.
func New(dataDir string, useExternal bool) *Provider {
	return &Provider{dataDir: dataDir, useExternal: useExternal}
}

// Connect starts (if needed) the containerd daemon and dials it.
func (p *Provider) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client != nil {
		return nil
	}

	socket, stopFn, err := ensureDaemon(ctx, p.dataDir, p.useExternal)
	if err != nil {
		return werrors.Wrap(err, werrors.CodeDependency, "ensure containerd daemon")
	}

	client, err := ctrd.New(socket)
	if err != nil {
		return werrors.Wrap(err, werrors.CodeDependency, "connect to containerd")
	}
	p.client = client
	p.stopFn = stopFn
	return nil
}

// Client returns the connected containerd client, dialing it first if
// necessary. Used by ServiceDriver so shared services run through the
// same client as workspace instances instead of opening a second one.
func (p *Provider) Client(ctx context.Context) (*ctrd.Client, error) {
	if err := p.Connect(ctx); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.client, nil
}

// Close disconnects the client and stops an embedded daemon if one was started.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client != nil {
		_ = p.client.Close()
		p.client = nil
	}
	if p.stopFn != nil {
		return p.stopFn()
	}
	return nil
}

// Kind identifies this backend.
func (p *Provider) Kind() types.ProviderKind { return types.ProviderContainer }

// CreateInstance pulls the base image and creates (but does not start) a
// container for pctx.Workspace, named "<owner>-<name>-<instance>".
func (p *Provider) CreateInstance(ctx context.Context, pctx provider.Context) (types.InstanceInfo, error) {
	if err := p.Connect(ctx); err != nil {
		return types.InstanceInfo{}, err
	}

	logger := log.WithWorkspaceID(pctx.Workspace.ID)
	ctx = namespaces.WithNamespace(ctx, Namespace)

	imageRef := pctx.Config.Project.Image
	if imageRef == "" {
		imageRef = "docker.io/library/ubuntu:24.04"
	}

	var image ctrd.Image
	if needsCustomImage(pctx.Config) {
		tag := "vm-workspace/" + pctx.Workspace.Owner + "-" + pctx.Workspace.Name + ":latest"
		buildCtx, err := prepareBuildContext(os.TempDir(), imageRef, pctx.Config)
		if err != nil {
			return types.InstanceInfo{}, err
		}
		defer buildCtx.cleanup()

		logger.Info().Str("tag", tag).Msg("building workspace image from generated recipe")
		if err := buildImage(ctx, p.client, buildCtx, tag); err != nil {
			return types.InstanceInfo{}, err
		}
		image, err = p.client.GetImage(ctx, tag)
		if err != nil {
			return types.InstanceInfo{}, werrors.Wrapf(err, werrors.CodeProvider, "load built image %s", tag)
		}
	} else {
		var err error
		image, err = p.client.GetImage(ctx, imageRef)
		if err != nil {
			logger.Info().Str("image", imageRef).Msg("pulling base image")
			image, err = p.client.Pull(ctx, imageRef, ctrd.WithPullUnpack)
			if err != nil {
				return types.InstanceInfo{}, werrors.Wrapf(err, werrors.CodeProvider, "pull image %s (registry rate limits may apply)", imageRef)
			}
		}
	}

	containerName := instanceName(pctx.Workspace, pctx.Instance)

	if compose, err := RenderCompose(pctx.Workspace, pctx.Config, pctx.DataDir); err != nil {
		logger.Warn().Err(err).Msg("render compose description")
	} else if err := os.WriteFile(filepath.Join(pctx.DataDir, "docker-compose.yaml"), compose, 0o644); err != nil {
		logger.Warn().Err(err).Msg("write compose description")
	}

	netns, err := setupContainerNetwork(ctx, containerName)
	if err != nil {
		return types.InstanceInfo{}, err
	}

	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithEnv(envSlice(pctx.Config)),
		oci.WithLinuxNamespace(specs.LinuxNamespace{Type: specs.NetworkNamespace, Path: netns.netnsPath}),
	}

	if mem, cpus, ok := resourceLimits(pctx.Config); ok {
		if mem > 0 {
			opts = append(opts, oci.WithMemoryLimit(uint64(mem)))
		}
		if cpus > 0 {
			period := uint64(100000)
			quota := int64(cpus * float64(period))
			opts = append(opts, oci.WithCPUCFS(quota, period))
		}
	}

	var mounts []specs.Mount
	if pctx.Config.Project.WorkspacePath != "" {
		mounts = append(mounts, specs.Mount{
			Source:      pctx.DataDir,
			Destination: pctx.Config.Project.WorkspacePath,
			Type:        "bind",
			Options:     []string{"rbind"},
		})
	}
	if len(mounts) > 0 {
		opts = append(opts, oci.WithMounts(mounts))
	}

	c, err := p.client.NewContainer(
		ctx,
		containerName,
		ctrd.WithImage(image),
		ctrd.WithNewSnapshot(containerName+"-snapshot", image),
		ctrd.WithNewSpec(opts...),
	)
	if err != nil {
		netns.teardown(ctx)
		return types.InstanceInfo{}, werrors.Wrapf(err, werrors.CodeProvider, "create container %s", containerName)
	}

	if mappings := portMappingsFor(pctx, netns.ip); len(mappings) > 0 {
		if err := ports.Publish(ctx, c.ID(), mappings); err != nil {
			_ = c.Delete(ctx, ctrd.WithSnapshotCleanup)
			netns.teardown(ctx)
			return types.InstanceInfo{}, err
		}
	}

	return types.InstanceInfo{ID: c.ID(), Name: containerName, Status: "created", IP: netns.ip}, nil
}

// portMappingsFor builds the host-port-to-container-port publications for
// pctx.Config.Ports, binding each to the workspace's configured
// vm.port_binding interface (127.0.0.1 by default). Container and host
// ports share the same number: the config pipeline already assigned each
// name a unique port from the workspace's own range, so no remapping is
// needed -- only a real address to forward it to instead of the host's own
// stack.
func portMappingsFor(pctx provider.Context, containerIP string) []PortMapping {
	bindAddr := pctx.Config.VM.PortBinding
	if bindAddr == "" {
		bindAddr = "127.0.0.1"
	}
	mappings := make([]PortMapping, 0, len(pctx.Config.Ports))
	for name, port := range pctx.Config.Ports {
		if port <= 0 {
			continue
		}
		mappings = append(mappings, PortMapping{
			Name:          name,
			BindAddr:      bindAddr,
			HostPort:      port,
			ContainerIP:   containerIP,
			ContainerPort: port,
		})
	}
	return mappings
}

// StartInstance starts the container's task and waits for the readiness
// probe (exec-ability) to succeed.
func (p *Provider) StartInstance(ctx context.Context, instanceID string) error {
	if err := p.Connect(ctx); err != nil {
		return err
	}
	ctx = namespaces.WithNamespace(ctx, Namespace)

	c, err := p.client.LoadContainer(ctx, instanceID)
	if err != nil {
		return werrors.Wrapf(err, werrors.CodeNotFound, "load container %s", instanceID)
	}

	task, err := c.NewTask(ctx, cio.NullIO)
	if err != nil {
		return werrors.Wrap(err, werrors.CodeProvider, "create task")
	}
	if err := task.Start(ctx); err != nil {
		return werrors.Wrap(err, werrors.CodeProvider, "start task")
	}

	return p.waitReady(ctx, instanceID)
}

func (p *Provider) waitReady(ctx context.Context, instanceID string) error {
	for attempt := 0; attempt < readinessAttempts; attempt++ {
		code, err := p.Exec(ctx, instanceID, provider.ExecOptions{Cmd: []string{"true"}})
		if err == nil && code == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return werrors.Wrap(ctx.Err(), werrors.CodeTimeout, "readiness probe cancelled")
		case <-time.After(readinessInterval):
		}
	}
	return werrors.New(werrors.CodeTimeout, "container did not become exec-able within budget; retry with --verbose")
}

// StopInstance stops the running task, escalating from SIGTERM to SIGKILL.
func (p *Provider) StopInstance(ctx context.Context, instanceID string) error {
	if err := p.Connect(ctx); err != nil {
		return err
	}
	ctx = namespaces.WithNamespace(ctx, Namespace)

	c, err := p.client.LoadContainer(ctx, instanceID)
	if err != nil {
		return werrors.Wrapf(err, werrors.CodeNotFound, "load container %s", instanceID)
	}

	task, err := c.Task(ctx, nil)
	if err != nil {
		return nil
	}

	stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := task.Kill(stopCtx, syscall.SIGTERM); err != nil {
		return werrors.Wrap(err, werrors.CodeProvider, "signal task")
	}

	statusC, err := task.Wait(stopCtx)
	if err != nil {
		return werrors.Wrap(err, werrors.CodeProvider, "wait for task")
	}

	select {
	case <-statusC:
	case <-stopCtx.Done():
		if err := task.Kill(ctx, syscall.SIGKILL); err != nil {
			return werrors.Wrap(err, werrors.CodeProvider, "force kill task")
		}
	}

	_, err = task.Delete(ctx)
	return err
}

// DestroyInstance stops (if running) and deletes the container and its snapshot.
func (p *Provider) DestroyInstance(ctx context.Context, instanceID string, purgeVolumes bool) error {
	if err := p.Connect(ctx); err != nil {
		return err
	}
	ctx = namespaces.WithNamespace(ctx, Namespace)

	c, err := p.client.LoadContainer(ctx, instanceID)
	if err != nil {
		return nil
	}

	_ = p.StopInstance(ctx, instanceID)

	ports.Unpublish(ctx, instanceID)
	teardownNetworkByName(ctx, instanceID)

	return c.Delete(ctx, ctrd.WithSnapshotCleanup)
}

// ListInstances returns every container in the vm namespace.
func (p *Provider) ListInstances(ctx context.Context) ([]types.InstanceInfo, error) {
	if err := p.Connect(ctx); err != nil {
		return nil, err
	}
	ctx = namespaces.WithNamespace(ctx, Namespace)

	containers, err := p.client.Containers(ctx)
	if err != nil {
		return nil, werrors.Wrap(err, werrors.CodeProvider, "list containers")
	}

	out := make([]types.InstanceInfo, 0, len(containers))
	for _, c := range containers {
		status, _ := p.containerStatus(ctx, c)
		out = append(out, types.InstanceInfo{ID: c.ID(), Name: c.ID(), Status: status})
	}
	return out, nil
}

// Status reports the instance's task state and bridge address.
func (p *Provider) Status(ctx context.Context, instanceID string) (types.StatusReport, error) {
	if err := p.Connect(ctx); err != nil {
		return types.StatusReport{}, err
	}
	ctx = namespaces.WithNamespace(ctx, Namespace)

	c, err := p.client.LoadContainer(ctx, instanceID)
	if err != nil {
		return types.StatusReport{}, werrors.Wrapf(err, werrors.CodeNotFound, "load container %s", instanceID)
	}

	status, healthy := p.containerStatus(ctx, c)
	ip, _ := p.containerIP(ctx, c)

	return types.StatusReport{
		InstanceInfo:  types.InstanceInfo{ID: c.ID(), Name: c.ID(), Status: status, IP: ip},
		Healthy:       healthy,
		LastCheckedAt: time.Now(),
	}, nil
}

func (p *Provider) containerStatus(ctx context.Context, c ctrd.Container) (string, bool) {
	task, err := c.Task(ctx, nil)
	if err != nil {
		return "stopped", false
	}
	st, err := task.Status(ctx)
	if err != nil {
		return "unknown", false
	}
	switch st.Status {
	case ctrd.Running:
		return "running", true
	case ctrd.Paused:
		return "paused", true
	case ctrd.Stopped:
		if st.ExitStatus == 0 {
			return "exited", false
		}
		return "failed", false
	default:
		return "pending", false
	}
}

// containerIP returns c's address on the private bridge network. The
// address is derived the same deterministic way setupContainerNetwork
// assigned it, so no namespace probing is needed to recover it later.
func (p *Provider) containerIP(ctx context.Context, c ctrd.Container) (string, error) {
	if _, err := c.Task(ctx, nil); err != nil {
		return "", err
	}
	return ipForName(c.ID()), nil
}

// Exec runs opts.Cmd inside instanceID via nsenter into its pid namespace,
// returning the process exit code.
func (p *Provider) Exec(ctx context.Context, instanceID string, opts provider.ExecOptions) (int, error) {
	if err := p.Connect(ctx); err != nil {
		return -1, err
	}
	ctx = namespaces.WithNamespace(ctx, Namespace)

	c, err := p.client.LoadContainer(ctx, instanceID)
	if err != nil {
		return -1, werrors.Wrapf(err, werrors.CodeNotFound, "load container %s", instanceID)
	}
	task, err := c.Task(ctx, nil)
	if err != nil {
		return -1, werrors.Wrap(err, werrors.CodeProvider, "container has no running task")
	}

	args := append([]string{"-t", strconv.Itoa(int(task.Pid())), "-m", "-u", "-i", "-n", "-p"}, opts.Cmd...)
	cmd := exec.CommandContext(ctx, "nsenter", args...)
	cmd.Stdin = opts.Stdin
	cmd.Stdout = opts.Stdout
	cmd.Stderr = opts.Stderr

	err = cmd.Run()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if ok := asExitError(err, &exitErr); ok {
		code := exitErr.ExitCode()
		if code == 0 || code == 2 || code == 127 || code == 130 {
			return code, nil
		}
		return code, werrors.Wrapf(err, werrors.CodeCommand, "exec %v", opts.Cmd)
	}
	return -1, werrors.Wrap(err, werrors.CodeCommand, "exec")
}

func asExitError(err error, target **exec.ExitError) bool {
	ee, ok := err.(*exec.ExitError)
	if !ok {
		return false
	}
	*target = ee
	return true
}

// Logs writes a one-line notice to w that task output is not available
// through this provider. Tasks run with cio.NullIO, so no output is
// captured and none is shown; follow is ignored.
func (p *Provider) Logs(ctx context.Context, instanceID string, w io.Writer, follow bool) error {
	_, err := fmt.Fprintf(w, "log streaming for containerd tasks is not implemented; use `ctr task logs` on the host\n")
	return err
}

// SSHCommand returns the canonical command used to reach a workspace
// shell, surfaced in connection_info and `vm status`.
func (p *Provider) SSHCommand(instanceID, workspaceName string) string {
	return fmt.Sprintf("vm ssh %s", workspaceName)
}

// Copy transfers a file or directory into or out of instanceID via tar
// streamed through nsenter, the same mount-namespace-entry technique Exec
// uses. Exactly one of src/dst must carry a "container:" prefix.
func (p *Provider) Copy(ctx context.Context, instanceID, src, dst string) error {
	if err := p.Connect(ctx); err != nil {
		return err
	}
	ctx = namespaces.WithNamespace(ctx, Namespace)

	c, err := p.client.LoadContainer(ctx, instanceID)
	if err != nil {
		return werrors.Wrapf(err, werrors.CodeNotFound, "load container %s", instanceID)
	}
	task, err := c.Task(ctx, nil)
	if err != nil {
		return werrors.Wrap(err, werrors.CodeProvider, "container has no running task")
	}
	pid := strconv.Itoa(int(task.Pid()))

	switch {
	case strings.HasPrefix(dst, "container:"):
		return tarPipe(ctx,
			exec.CommandContext(ctx, "tar", "-C", filepath.Dir(src), "-cf", "-", filepath.Base(src)),
			exec.CommandContext(ctx, "nsenter", "-t", pid, "-m", "--", "tar", "-xf", "-", "-C", strings.TrimPrefix(dst, "container:")),
		)
	case strings.HasPrefix(src, "container:"):
		return tarPipe(ctx,
			exec.CommandContext(ctx, "nsenter", "-t", pid, "-m", "--", "tar", "-C", filepath.Dir(strings.TrimPrefix(src, "container:")), "-cf", "-", filepath.Base(strings.TrimPrefix(src, "container:"))),
			exec.CommandContext(ctx, "tar", "-xf", "-", "-C", dst),
		)
	default:
		return werrors.New(werrors.CodeValidation, `copy requires a "container:" prefix on either src or dst`)
	}
}

// tarPipe runs producer and consumer with producer's stdout piped into
// consumer's stdin, the same shape docker cp uses to stream a tar archive
// across a namespace boundary without staging it on disk.
func tarPipe(ctx context.Context, producer, consumer *exec.Cmd) error {
	pr, pw := io.Pipe()
	producer.Stdout = pw
	consumer.Stdin = pr

	if err := producer.Start(); err != nil {
		return werrors.Wrap(err, werrors.CodeCommand, "start tar producer")
	}
	if err := consumer.Start(); err != nil {
		return werrors.Wrap(err, werrors.CodeCommand, "start tar consumer")
	}

	go func() {
		_ = producer.Wait()
		_ = pw.Close()
	}()

	if err := consumer.Wait(); err != nil {
		return werrors.Wrap(err, werrors.CodeCommand, "copy")
	}
	return nil
}

// GetContainerMounts reports the destination paths bind-mounted into
// instanceID, read back from its stored runtime spec.
func (p *Provider) GetContainerMounts(ctx context.Context, instanceID string) ([]string, error) {
	if err := p.Connect(ctx); err != nil {
		return nil, err
	}
	ctx = namespaces.WithNamespace(ctx, Namespace)

	c, err := p.client.LoadContainer(ctx, instanceID)
	if err != nil {
		return nil, werrors.Wrapf(err, werrors.CodeNotFound, "load container %s", instanceID)
	}
	spec, err := c.Spec(ctx)
	if err != nil {
		return nil, werrors.Wrap(err, werrors.CodeProvider, "read container spec")
	}
	out := make([]string, 0, len(spec.Mounts))
	for _, m := range spec.Mounts {
		out = append(out, m.Destination)
	}
	return out, nil
}

// SupportsMultiInstance reports that the containerd backend can run
// multiple numbered instances per owner/name (see instanceName).
func (p *Provider) SupportsMultiInstance() bool { return true }

// ResolveInstanceName returns the container name for owner/name/instance,
// erroring if no such container has actually been created.
func (p *Provider) ResolveInstanceName(ctx context.Context, owner, name string, instance int) (string, error) {
	if err := p.Connect(ctx); err != nil {
		return "", err
	}
	ctx = namespaces.WithNamespace(ctx, Namespace)

	candidate := instanceName(&types.Workspace{Owner: owner, Name: name}, instance)
	if _, err := p.client.LoadContainer(ctx, candidate); err != nil {
		return "", werrors.Wrapf(err, werrors.CodeNotFound, "no instance %d for %s/%s", instance, owner, name)
	}
	return candidate, nil
}

// instanceName derives the container name for instance N of ws. Instance 1
// (the common case) keeps the original "-dev" suffix so existing
// single-instance workspaces resolve to the same name as before
// multi-instance support existed; every other instance is numbered.
func instanceName(ws *types.Workspace, instance int) string {
	if instance <= 1 {
		return fmt.Sprintf("%s-%s-dev", ws.Owner, ws.Name)
	}
	return fmt.Sprintf("%s-%s-%d", ws.Owner, ws.Name, instance)
}

// envSlice merges cfg.Env with the shared package-registry variables
// (when that service is enabled for this workspace) into a flat
// KEY=VALUE list for the container's environment.
func envSlice(cfg *types.VmConfig) []string {
	out := make([]string, 0, len(cfg.Env)+6)
	for k, v := range cfg.Env {
		out = append(out, k+"="+v)
	}
	for k, v := range registryEnvFor(cfg) {
		out = append(out, k+"="+v)
	}
	return out
}

// resourceLimits resolves resources.memory/resources.cpus into concrete
// values the OCI spec can apply. Percentage and unlimited limits are not
// translatable to a fixed cgroup value here and are left unset, letting
// the container inherit the host's default cgroup allowance.
func resourceLimits(cfg *types.VmConfig) (memBytes int64, cpus float64, ok bool) {
	if mem, err := config.ParseLimitValue(cfg.Resources.Memory); err == nil && mem.Kind == config.LimitBytes {
		memBytes = int64(mem.Bytes)
		ok = true
	}
	if c, err := config.ParseLimitValue(cfg.Resources.CPUs); err == nil && c.Kind == config.LimitNumber {
		cpus = float64(c.Number)
		ok = true
	}
	return memBytes, cpus, ok
}
