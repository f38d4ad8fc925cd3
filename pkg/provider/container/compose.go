package container

import (
	"bytes"
	"sort"
	"strconv"
	"text/template"

	"github.com/cuemby/vm/pkg/types"
)

var composeTemplate = template.Must(template.ParseFS(sharedResources, "resources/compose.tmpl"))

// composePort is one published port binding in the rendered compose file.
type composePort struct {
	Host      int
	Container int
}

// composeService is one enabled auxiliary service (postgres, redis, ...)
// alongside the dev service in the rendered compose file.
type composeService struct {
	Name   string
	Image  string
	Volume string // container-internal data path, empty when not persisted
}

// composeArgs is the substitution set for resources/compose.tmpl.
type composeArgs struct {
	ProjectName     string
	Instance        string
	Image           string
	PortBinding     string
	WorkspaceSource string
	WorkspacePath   string
	Ports           []composePort
	Services        []composeService
	Environment     map[string]string
	NamedVolumes    []string
}

// RenderCompose renders the compose-equivalent description of the
// topology CreateInstance builds directly against containerd: the dev
// service plus each enabled auxiliary service, port bindings from
// cfg.Ports under the global port_binding interface, the project-dir
// mount, named volumes for persisted service data, and the environment
// (merged cfg.Env plus the shared-registry variables when that service
// is enabled). dataDir is the host path bind-mounted as the project's
// workspace source.
func RenderCompose(ws *types.Workspace, cfg *types.VmConfig, dataDir string) ([]byte, error) {
	portBinding := cfg.VM.PortBinding
	if portBinding == "" {
		portBinding = "127.0.0.1"
	}

	image := cfg.Project.Image
	if image == "" {
		image = "docker.io/library/ubuntu:24.04"
	}

	workspacePath := cfg.Project.WorkspacePath
	if workspacePath == "" {
		workspacePath = "/workspace"
	}

	instance := "dev"
	if ws.Instance > 1 {
		instance = strconv.Itoa(ws.Instance)
	}

	args := composeArgs{
		ProjectName:     cfg.Project.Name,
		Instance:        instance,
		Image:           image,
		PortBinding:     portBinding,
		WorkspaceSource: dataDir,
		WorkspacePath:   workspacePath,
		Environment:     map[string]string{},
	}
	for k, v := range cfg.Env {
		args.Environment[k] = v
	}
	for k, v := range registryEnvFor(cfg) {
		args.Environment[k] = v
	}

	for _, kind := range cfg.ServiceOrder {
		spec, ok := cfg.Services[kind]
		if !ok || !spec.Enabled {
			continue
		}
		serviceKind := types.ServiceKind(kind)
		image, ok := serviceImage[serviceKind]
		if !ok {
			continue
		}
		if spec.Image != "" {
			image = "docker.io/library/" + spec.Image
			if spec.Version != "" {
				image += ":" + spec.Version
			}
		}
		svc := composeService{Name: kind, Image: image}
		if cfg.PersistDatabases {
			if path, ok := serviceDataPath[serviceKind]; ok {
				svc.Volume = path
				args.NamedVolumes = append(args.NamedVolumes, kind)
			}
		}
		args.Services = append(args.Services, svc)
	}

	// Every named port in cfg.Ports is published on the container's IP at
	// the same number host and guest side, mirroring portMappingsFor's
	// actual runtime mapping exactly (host==container, keyed by name).
	names := make([]string, 0, len(cfg.Ports))
	for name := range cfg.Ports {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		port := cfg.Ports[name]
		if port <= 0 {
			continue
		}
		args.Ports = append(args.Ports, composePort{Host: port, Container: port})
	}

	var buf bytes.Buffer
	if err := composeTemplate.Execute(&buf, args); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
