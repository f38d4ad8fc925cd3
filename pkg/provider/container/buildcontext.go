package container

import (
	"embed"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/cuemby/vm/pkg/types"
	"github.com/cuemby/vm/pkg/werrors"
)

//go:embed resources
var sharedResources embed.FS

var dockerfileTemplate = template.Must(template.ParseFS(sharedResources, "resources/Dockerfile.tmpl"))

// buildContext is a synthesized, disposable directory holding the
// generated image recipe and any shared resources it copies in, ready
// to be handed to an image builder.
type buildContext struct {
	Dir            string
	DockerfilePath string
}

// dockerfileArgs is the substitution set for resources/Dockerfile.tmpl,
// gathered from the workspace's merged config the way the original
// implementation's gather_build_args collected --build-arg flags.
type dockerfileArgs struct {
	BaseImage     string
	UID           int
	GID           int
	Username      string
	Timezone      string
	AptPackages   string
	NpmPackages   string
	PipPackages   string
	CargoPackages string
	GitUserName   string
	GitUserEmail  string
}

const (
	defaultUID = 1000
	defaultGID = 1000
)

// needsCustomImage reports whether cfg asks for anything the stock base
// image doesn't already provide, so CreateInstance can skip the build
// step entirely for the common case of an unmodified preset image.
func needsCustomImage(cfg *types.VmConfig) bool {
	pkgs := cfg.Packages
	return len(pkgs.Apt) > 0 || len(pkgs.Npm) > 0 || len(pkgs.Pip) > 0 || len(pkgs.Cargo) > 0 ||
		cfg.VM.User != "" || cfg.VM.Timezone != "" ||
		cfg.GitConfig.UserName != "" || cfg.GitConfig.UserEmail != ""
}

// prepareBuildContext renders the Dockerfile-equivalent image recipe and
// copies in the embedded shared resources it references, under a fresh
// directory below tempRoot. Callers are responsible for removing it once
// the build completes.
func prepareBuildContext(tempRoot string, baseImage string, cfg *types.VmConfig) (*buildContext, error) {
	dir, err := os.MkdirTemp(tempRoot, "vm-build-*")
	if err != nil {
		return nil, werrors.Wrap(err, werrors.CodeFilesystem, "create build context directory")
	}

	sharedDir := filepath.Join(dir, "shared")
	if err := os.MkdirAll(sharedDir, 0o755); err != nil {
		return nil, werrors.Wrap(err, werrors.CodeFilesystem, "create shared resources directory")
	}
	if err := copyEmbeddedResources(sharedResources, "resources", sharedDir); err != nil {
		return nil, err
	}

	username := cfg.VM.User
	if username == "" {
		username = "vm"
	}
	args := dockerfileArgs{
		BaseImage:     baseImage,
		UID:           defaultUID,
		GID:           defaultGID,
		Username:      username,
		Timezone:      firstNonEmpty(cfg.VM.Timezone, "UTC"),
		AptPackages:   strings.Join(cfg.Packages.Apt, " "),
		NpmPackages:   strings.Join(cfg.Packages.Npm, " "),
		PipPackages:   strings.Join(cfg.Packages.Pip, " "),
		CargoPackages: strings.Join(cfg.Packages.Cargo, " "),
		GitUserName:   cfg.GitConfig.UserName,
		GitUserEmail:  cfg.GitConfig.UserEmail,
	}

	dockerfilePath := filepath.Join(dir, "Dockerfile.generated")
	f, err := os.Create(dockerfilePath)
	if err != nil {
		return nil, werrors.Wrap(err, werrors.CodeFilesystem, "create generated Dockerfile")
	}
	defer f.Close()

	if err := dockerfileTemplate.Execute(f, args); err != nil {
		return nil, werrors.Wrap(err, werrors.CodeInternal, "render Dockerfile template")
	}

	return &buildContext{Dir: dir, DockerfilePath: dockerfilePath}, nil
}

func (b *buildContext) cleanup() {
	if b == nil {
		return
	}
	_ = os.RemoveAll(b.Dir)
}

func copyEmbeddedResources(src fs.FS, root, dst string) error {
	return fs.WalkDir(src, root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel := strings.TrimPrefix(strings.TrimPrefix(path, root), "/")
		if rel == "" || strings.HasSuffix(rel, ".tmpl") {
			return nil
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		data, err := fs.ReadFile(src, path)
		if err != nil {
			return werrors.Wrapf(err, werrors.CodeInternal, "read embedded resource %s", path)
		}
		return os.WriteFile(target, data, 0o644)
	})
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
