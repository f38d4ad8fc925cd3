package container

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	ctrd "github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/cuemby/vm/pkg/log"
	"github.com/cuemby/vm/pkg/services"
	"github.com/cuemby/vm/pkg/types"
	"github.com/cuemby/vm/pkg/werrors"
)

// serviceImage, serviceInternalPort and serviceDataPath name the reference
// image, container-internal port and container-internal data directory
// (where a named volume lands when persist_databases is set) for each
// shared service kind this backend knows how to run. A native-VM
// equivalent would need its own tables.
var (
	serviceImage = map[types.ServiceKind]string{
		types.ServicePostgres: "docker.io/library/postgres:16-alpine",
		types.ServiceRedis:    "docker.io/library/redis:7-alpine",
		types.ServiceMongo:    "docker.io/library/mongo:7",
		types.ServiceRegistry: "docker.io/library/registry:2",
	}
	serviceInternalPort = map[types.ServiceKind]int{
		types.ServicePostgres: 5432,
		types.ServiceRedis:    6379,
		types.ServiceMongo:    27017,
		types.ServiceRegistry: 5000,
	}
	serviceDataPath = map[types.ServiceKind]string{
		types.ServicePostgres: "/var/lib/postgresql/data",
		types.ServiceRedis:    "/data",
		types.ServiceMongo:    "/data/db",
		types.ServiceRegistry: "/var/lib/registry",
	}
)

// ServiceImageRef returns the reference image for kind, for callers (the
// snapshot engine) that need to name a shared service's image without
// constructing a full ServiceDriver.
func ServiceImageRef(kind types.ServiceKind) (string, bool) {
	ref, ok := serviceImage[kind]
	return ref, ok
}

// ServiceDriver implements services.Driver for one ServiceKind on top of
// the same containerd client the dev-workspace Provider uses, so a
// shared postgres/redis/mongo/registry instance is just another container
// in the vm namespace, named "vm-<kind>-global" -- a fixed name so a
// restarted manager can find and reuse the same container across process
// restarts instead of losing track of it.
type ServiceDriver struct {
	kind   types.ServiceKind
	client func() (*ctrd.Client, error)

	// image overrides the package-level default reference image/version
	// for this kind, when config supplies one (ServiceSpec.Image/.Version).
	image string

	// dataDir is the host directory under which a named volume for this
	// service's data is created when a caller's Start asks to persist it.
	dataDir string
}

// NewServiceDriver builds a Driver for kind, dialing the containerd
// client lazily via connect (typically a closure over (*Provider).Client). If
// image is non-empty it takes precedence over the kind's built-in default.
// dataDir is the base directory persistent named volumes are created
// under (see Start's persist parameter); it may be empty if the caller
// never starts this driver with persist set.
func NewServiceDriver(kind types.ServiceKind, connect func() (*ctrd.Client, error), image, dataDir string) *ServiceDriver {
	return &ServiceDriver{kind: kind, client: connect, image: image, dataDir: dataDir}
}

// Kind reports the ServiceKind this driver manages.
func (d *ServiceDriver) Kind() types.ServiceKind { return d.kind }

// ImageRef returns the reference image this driver will start, honoring a
// config-supplied override before falling back to the built-in default.
func (d *ServiceDriver) ImageRef() string {
	if d.image != "" {
		return d.image
	}
	return serviceImage[d.kind]
}

func (d *ServiceDriver) containerName() string {
	return fmt.Sprintf("vm-%s-global", d.kind)
}

// volumeHostPath returns the host directory a named volume for this
// service's data should bind-mount from, creating it if necessary.
func (d *ServiceDriver) volumeHostPath() (string, error) {
	base := d.dataDir
	if base == "" {
		base = os.TempDir()
	}
	path := filepath.Join(base, "services", string(d.kind))
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", werrors.Wrap(err, werrors.CodeFilesystem, "create shared service data directory")
	}
	return path, nil
}

// Start pulls (if needed) the service's reference image and runs it,
// publishing password/port via environment variables the image expects.
// A non-empty imageOverride overrides the driver's built-in default. When
// persist is true (persist_databases in the workspace config), the
// service's data directory is bind-mounted from a named volume under
// dataDir so it survives the container being stopped and recreated;
// otherwise the data directory lives only in the container's own
// snapshot and is lost on recreation.
func (d *ServiceDriver) Start(ctx context.Context, password string, port int, imageOverride string, persist bool) (string, error) {
	client, err := d.client()
	if err != nil {
		return "", werrors.Wrap(err, werrors.CodeDependency, "connect to containerd")
	}
	ctx = namespaces.WithNamespace(ctx, Namespace)
	logger := log.WithService(string(d.kind))

	imageRef := imageOverride
	if imageRef == "" {
		imageRef = d.ImageRef()
	}
	if imageRef == "" {
		return "", werrors.New(werrors.CodeValidation, "no reference image for service "+string(d.kind))
	}

	image, err := client.GetImage(ctx, imageRef)
	if err != nil {
		logger.Info().Str("image", imageRef).Msg("pulling shared service image")
		image, err = client.Pull(ctx, imageRef, ctrd.WithPullUnpack)
		if err != nil {
			return "", werrors.Wrapf(err, werrors.CodeProvider, "pull image %s", imageRef)
		}
	}

	name := d.containerName()

	netns, err := setupContainerNetwork(ctx, name)
	if err != nil {
		return "", err
	}

	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithEnv(d.envFor(password)),
		oci.WithLinuxNamespace(specs.LinuxNamespace{Type: specs.NetworkNamespace, Path: netns.netnsPath}),
	}

	if persist {
		if dest, ok := serviceDataPath[d.kind]; ok {
			hostPath, err := d.volumeHostPath()
			if err != nil {
				netns.teardown(ctx)
				return "", err
			}
			opts = append(opts, oci.WithMounts([]specs.Mount{{
				Source:      hostPath,
				Destination: dest,
				Type:        "bind",
				Options:     []string{"rbind"},
			}}))
		}
	}

	c, err := client.NewContainer(
		ctx,
		name,
		ctrd.WithImage(image),
		ctrd.WithNewSnapshot(name+"-snapshot", image),
		ctrd.WithNewSpec(opts...),
	)
	if err != nil {
		netns.teardown(ctx)
		return "", werrors.Wrapf(err, werrors.CodeProvider, "create shared service container %s", name)
	}

	task, err := c.NewTask(ctx, cio.NullIO)
	if err != nil {
		netns.teardown(ctx)
		return "", werrors.Wrap(err, werrors.CodeProvider, "create shared service task")
	}
	if err := task.Start(ctx); err != nil {
		netns.teardown(ctx)
		return "", werrors.Wrap(err, werrors.CodeProvider, "start shared service task")
	}

	if port > 0 {
		mapping := []PortMapping{{
			Name:          string(d.kind),
			BindAddr:      "127.0.0.1",
			HostPort:      port,
			ContainerIP:   netns.ip,
			ContainerPort: serviceInternalPort[d.kind],
		}}
		if err := ports.Publish(ctx, c.ID(), mapping); err != nil {
			return "", err
		}
	}

	logger.Info().Str("container", c.ID()).Int("port", port).Msg("shared service started")
	return c.ID(), nil
}

// Stop stops and deletes the shared service's container and task.
func (d *ServiceDriver) Stop(ctx context.Context, containerID string) error {
	client, err := d.client()
	if err != nil {
		return werrors.Wrap(err, werrors.CodeDependency, "connect to containerd")
	}
	ctx = namespaces.WithNamespace(ctx, Namespace)

	c, err := client.LoadContainer(ctx, containerID)
	if err != nil {
		return nil
	}
	if task, err := c.Task(ctx, nil); err == nil {
		_, _ = task.Delete(ctx, ctrd.WithProcessKill)
	}

	ports.Unpublish(ctx, containerID)
	teardownNetworkByName(ctx, containerID)

	return c.Delete(ctx, ctrd.WithSnapshotCleanup)
}

// IsRunning reports whether containerID's task is currently running.
func (d *ServiceDriver) IsRunning(ctx context.Context, containerID string) (bool, error) {
	client, err := d.client()
	if err != nil {
		return false, werrors.Wrap(err, werrors.CodeDependency, "connect to containerd")
	}
	ctx = namespaces.WithNamespace(ctx, Namespace)

	c, err := client.LoadContainer(ctx, containerID)
	if err != nil {
		return false, nil
	}
	task, err := c.Task(ctx, nil)
	if err != nil {
		return false, nil
	}
	status, err := task.Status(ctx)
	if err != nil {
		return false, nil
	}
	return status.Status == ctrd.Running, nil
}

// Inspect looks for a container already running under this service's
// deterministic name (vm-<kind>-global), left behind by an earlier manager
// process. It reports the image it was created from and whether its task
// is currently running, so RegisterVM can decide to reuse, resume, or
// recreate without ever needing its own on-disk bookkeeping.
func (d *ServiceDriver) Inspect(ctx context.Context) (containerID, imageRef string, running, exists bool, err error) {
	client, cerr := d.client()
	if cerr != nil {
		return "", "", false, false, werrors.Wrap(cerr, werrors.CodeDependency, "connect to containerd")
	}
	ctx = namespaces.WithNamespace(ctx, Namespace)

	c, lerr := client.LoadContainer(ctx, d.containerName())
	if lerr != nil {
		return "", "", false, false, nil
	}

	info, ierr := c.Info(ctx)
	if ierr != nil {
		return "", "", false, false, werrors.Wrap(ierr, werrors.CodeProvider, "inspect shared service container")
	}

	isRunning, rerr := d.IsRunning(ctx, c.ID())
	if rerr != nil {
		return "", "", false, false, rerr
	}
	return c.ID(), info.Image, isRunning, true, nil
}

// Resume starts a new task on an existing, stopped container. It is a
// no-op if the container already has a running or exited-but-present task.
func (d *ServiceDriver) Resume(ctx context.Context, containerID string) error {
	client, err := d.client()
	if err != nil {
		return werrors.Wrap(err, werrors.CodeDependency, "connect to containerd")
	}
	ctx = namespaces.WithNamespace(ctx, Namespace)

	c, err := client.LoadContainer(ctx, containerID)
	if err != nil {
		return werrors.Wrapf(err, werrors.CodeProvider, "load shared service container %s", containerID)
	}
	if _, err := c.Task(ctx, nil); err == nil {
		return nil
	}

	task, err := c.NewTask(ctx, cio.NullIO)
	if err != nil {
		return werrors.Wrap(err, werrors.CodeProvider, "create shared service task")
	}
	return task.Start(ctx)
}

func (d *ServiceDriver) envFor(password string) []string {
	port := serviceInternalPort[d.kind]
	switch d.kind {
	case types.ServicePostgres:
		return []string{"POSTGRES_PASSWORD=" + password, "POSTGRES_USER=vm", "POSTGRES_DB=vm"}
	case types.ServiceRedis:
		return []string{"REDIS_PASSWORD=" + password}
	case types.ServiceMongo:
		return []string{"MONGO_INITDB_ROOT_USERNAME=vm", "MONGO_INITDB_ROOT_PASSWORD=" + password}
	case types.ServiceRegistry:
		return []string{fmt.Sprintf("REGISTRY_HTTP_ADDR=0.0.0.0:%d", port)}
	default:
		return nil
	}
}

// services.Driver is satisfied structurally; this line documents the
// intent for readers scanning the package.
var _ services.Driver = (*ServiceDriver)(nil)
