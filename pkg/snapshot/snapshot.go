package snapshot

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/cuemby/vm/pkg/events"
	"github.com/cuemby/vm/pkg/log"
	"github.com/cuemby/vm/pkg/types"
	"github.com/cuemby/vm/pkg/werrors"
)

// ImageStore saves and loads container images as portable tar streams.
// pkg/provider/container implements this over containerd; a provider
// that can't export images (e.g. a future native-VM backend) can return
// werrors.CodeDependency and snapshots simply omit that service's image.
type ImageStore interface {
	SaveImage(ctx context.Context, ref, destFile string) (digest string, err error)
	LoadImage(ctx context.Context, srcFile string) (ref string, err error)
}

// ServiceRef names one container (the dev instance or an enabled shared
// service) and the image reference it's currently running, the unit
// Capture saves and Restore reloads.
type ServiceRef struct {
	Name     string
	ImageRef string
}

// CaptureRequest is everything Engine.Capture needs to materialize one
// workspace's snapshot.
type CaptureRequest struct {
	Name           string // "@template" for a global snapshot, else a plain name
	Description    string
	Workspace      *types.Workspace
	ProjectDir     string
	Services       []ServiceRef
	Volumes        []types.Volume
	VolumeHostPath func(types.Volume) (string, error)
	ComposeFile    []byte
	VmConfigYAML   []byte
	GitCommit      string
	GitDirty       bool
	GitBranch      string
}

// RestoreRequest is everything Engine.Restore needs to put a captured
// workspace back: where its volumes live now, and how to recreate them
// and bring the provider instance back up.
type RestoreRequest struct {
	Name          string
	ProjectName   string
	ProjectDir    string
	CreateVolume  func(types.Volume) error
	VolumeHostPath func(types.Volume) (string, error)
	BeforeLoad    func(meta *types.SnapshotMetadata) error // e.g. stop the current compose project
	AfterLoad     func(meta *types.SnapshotMetadata) error // e.g. bring the project back up
}

// Engine captures, restores, exports and imports workspace snapshots
// under Root (the snapshot store's base directory).
type Engine struct {
	Root   string
	Images ImageStore
	Broker *events.Broker
}

// New constructs an Engine rooted at root, using images to save/load
// container image tarballs.
func New(root string, images ImageStore) *Engine {
	return &Engine{Root: root, Images: images}
}

// WithBroker attaches an event broker so Capture/Restore publish
// snapshot.captured/snapshot.restored events, mirroring the provisioner
// loop's nil-tolerant broker field.
func (e *Engine) WithBroker(broker *events.Broker) *Engine {
	e.Broker = broker
	return e
}

func (e *Engine) publish(t events.EventType, project, name string) {
	if e.Broker == nil {
		return
	}
	e.Broker.Publish(&events.Event{
		Type: t,
		Metadata: map[string]string{
			"project":  project,
			"snapshot": name,
		},
	})
}

// Capture materializes req into a new capture directory under e.Root and
// returns its metadata. Image saves and volume archives run concurrently
// (bounded per spec.md §4.9), so a single slow volume doesn't serialize
// behind the others.
func (e *Engine) Capture(ctx context.Context, req CaptureRequest) (*types.SnapshotMetadata, error) {
	project := req.Workspace.Name
	dir := Dir(e.Root, project, req.Name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, werrors.Wrap(err, werrors.CodeFilesystem, "create snapshot directory")
	}
	if err := os.MkdirAll(imagesDir(dir), 0o755); err != nil {
		return nil, werrors.Wrap(err, werrors.CodeFilesystem, "create images directory")
	}
	if err := os.MkdirAll(volumesDir(dir), 0o755); err != nil {
		return nil, werrors.Wrap(err, werrors.CodeFilesystem, "create volumes directory")
	}
	if err := os.MkdirAll(composeDir(dir), 0o755); err != nil {
		return nil, werrors.Wrap(err, werrors.CodeFilesystem, "create compose directory")
	}

	logger := log.WithWorkspaceID(req.Workspace.ID)

	serviceRefs := make([]types.SnapshotServiceRef, len(req.Services))
	if err := runBounded(indices(len(req.Services)), func(i int) error {
		svc := req.Services[i]
		imageFile := filepath.Join("images", svc.Name+".tar")
		digest, err := e.Images.SaveImage(ctx, svc.ImageRef, filepath.Join(dir, imageFile))
		if err != nil {
			return werrors.Wrapf(err, werrors.CodeProvider, "save image for service %s", svc.Name)
		}
		serviceRefs[i] = types.SnapshotServiceRef{Name: svc.Name, ImageTag: svc.ImageRef, ImageFile: imageFile, ImageDigest: digest}
		return nil
	}); err != nil {
		return nil, err
	}

	volumeRefs := make([]types.SnapshotVolumeRef, len(req.Volumes))
	if err := runBounded(indices(len(req.Volumes)), func(i int) error {
		vol := req.Volumes[i]
		hostPath, err := req.VolumeHostPath(vol)
		if err != nil {
			return err
		}
		fileName, size, err := ArchiveVolume(hostPath, volumesDir(dir), vol.Name)
		if err != nil {
			return werrors.Wrapf(err, werrors.CodeFilesystem, "archive volume %s", vol.Name)
		}
		volumeRefs[i] = types.SnapshotVolumeRef{Name: vol.Name, ArchiveFile: filepath.Join("volumes", fileName), SizeBytes: size}
		return nil
	}); err != nil {
		return nil, err
	}

	composeFile := ""
	if len(req.ComposeFile) > 0 {
		composeFile = filepath.Join("compose", "docker-compose.yaml")
		if err := os.WriteFile(filepath.Join(dir, composeFile), req.ComposeFile, 0o644); err != nil {
			return nil, werrors.Wrap(err, werrors.CodeFilesystem, "write compose file")
		}
	}
	vmConfigFile := ""
	if len(req.VmConfigYAML) > 0 {
		vmConfigFile = filepath.Join("compose", "vm.yaml")
		if err := os.WriteFile(filepath.Join(dir, vmConfigFile), req.VmConfigYAML, 0o644); err != nil {
			return nil, werrors.Wrap(err, werrors.CodeFilesystem, "write vm.yaml")
		}
	}

	var total int64
	for _, s := range volumeRefs {
		total += s.SizeBytes
	}

	meta := &types.SnapshotMetadata{
		Name:           req.Name,
		CreatedAt:      time.Now(),
		Description:    req.Description,
		ProjectName:    project,
		ProjectDir:     req.ProjectDir,
		GitCommit:      req.GitCommit,
		GitDirty:       req.GitDirty,
		GitBranch:      req.GitBranch,
		Services:       serviceRefs,
		Volumes:        volumeRefs,
		ComposeFile:    composeFile,
		VmConfigFile:   vmConfigFile,
		TotalSizeBytes: total,
	}
	if err := writeJSON(metadataPath(dir), meta); err != nil {
		return nil, err
	}

	logger.Info().Str("snapshot", req.Name).Int("services", len(serviceRefs)).Int("volumes", len(volumeRefs)).Msg("snapshot captured")
	e.publish(events.EventSnapshotCaptured, project, req.Name)
	return meta, nil
}

// indices is a small helper so runBounded's generic item type can be a
// plain index instead of requiring every caller to build a throwaway
// struct slice just to close over i.
func indices(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

// Export wraps the capture directory for (project, name) into a single
// *.snapshot.tar.gz at destTarGz, with a manifest.json summarizing its
// contents alongside metadata.json.
func (e *Engine) Export(project, name, destTarGz string) error {
	dir := Dir(e.Root, project, name)
	meta, err := ReadMetadata(dir)
	if err != nil {
		return err
	}
	if err := writeJSON(manifestPath(dir), manifestFromMetadata(meta)); err != nil {
		return err
	}
	return ArchiveCapture(dir, destTarGz)
}

// Import extracts srcTarGz under e.Root at its manifest-declared location
// and loads every image in parallel (bounded per spec.md §4.9). It
// refuses to overwrite an existing capture directory unless force is set.
func (e *Engine) Import(ctx context.Context, srcTarGz string, force bool) (*Manifest, error) {
	tmp, err := os.MkdirTemp("", "vm-snapshot-import-*")
	if err != nil {
		return nil, werrors.Wrap(err, werrors.CodeFilesystem, "create import staging directory")
	}
	defer os.RemoveAll(tmp)

	if err := ExtractCapture(srcTarGz, tmp); err != nil {
		return nil, err
	}
	manifest, err := ReadManifest(tmp)
	if err != nil {
		return nil, err
	}

	project := manifest.ProjectName
	if manifest.IsGlobal {
		project = "global"
	}
	dest := Dir(e.Root, project, manifest.SnapshotName)
	if _, err := os.Stat(dest); err == nil && !force {
		return nil, werrors.New(werrors.CodeConflict, "snapshot already exists at "+dest+"; use --force to overwrite")
	}

	if err := runBounded(manifest.Services, func(s types.SnapshotServiceRef) error {
		_, err := e.Images.LoadImage(ctx, filepath.Join(tmp, s.ImageFile))
		if err != nil {
			return werrors.Wrapf(err, werrors.CodeProvider, "load image for service %s", s.Name)
		}
		return nil
	}); err != nil {
		return nil, err
	}

	if err := os.RemoveAll(dest); err != nil {
		return nil, werrors.Wrap(err, werrors.CodeFilesystem, "remove existing snapshot directory")
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return nil, werrors.Wrap(err, werrors.CodeFilesystem, "create snapshot store directory")
	}
	if err := os.Rename(tmp, dest); err != nil {
		return nil, werrors.Wrap(err, werrors.CodeFilesystem, "install snapshot into store")
	}
	return manifest, nil
}

// Restore stops the current workspace (via req.BeforeLoad), recreates
// and repopulates every captured volume in parallel, loads every image
// in parallel, copies the captured compose file and vm.yaml over the
// project's own (backing up existing files with .bak), and finally
// brings the project back up (via req.AfterLoad).
func (e *Engine) Restore(ctx context.Context, req RestoreRequest) error {
	dir := Dir(e.Root, req.ProjectName, req.Name)
	meta, err := ReadMetadata(dir)
	if err != nil {
		return err
	}

	if req.BeforeLoad != nil {
		if err := req.BeforeLoad(meta); err != nil {
			return werrors.Wrap(err, werrors.CodeProvider, "stop current workspace before restore")
		}
	}

	volumes := make([]types.Volume, 0, len(meta.Volumes))
	for _, v := range meta.Volumes {
		volumes = append(volumes, types.Volume{Name: v.Name, WorkspaceID: req.ProjectName, Driver: "local"})
	}
	if err := runBounded(volumes, func(vol types.Volume) error {
		if req.CreateVolume != nil {
			if err := req.CreateVolume(vol); err != nil {
				return err
			}
		}
		hostPath, err := req.VolumeHostPath(vol)
		if err != nil {
			return err
		}
		var archiveFile string
		for _, v := range meta.Volumes {
			if v.Name == vol.Name {
				archiveFile = v.ArchiveFile
			}
		}
		if archiveFile == "" {
			return werrors.New(werrors.CodeInternal, "no archive recorded for volume "+vol.Name)
		}
		return ExtractVolumeArchive(filepath.Join(dir, archiveFile), hostPath)
	}); err != nil {
		return err
	}

	if err := runBounded(meta.Services, func(s types.SnapshotServiceRef) error {
		_, err := e.Images.LoadImage(ctx, filepath.Join(dir, s.ImageFile))
		return err
	}); err != nil {
		return err
	}

	if meta.ComposeFile != "" {
		if err := restoreProjectFile(filepath.Join(dir, meta.ComposeFile), filepath.Join(req.ProjectDir, "docker-compose.yaml")); err != nil {
			return err
		}
	}
	if meta.VmConfigFile != "" {
		if err := restoreProjectFile(filepath.Join(dir, meta.VmConfigFile), filepath.Join(req.ProjectDir, "vm.yaml")); err != nil {
			return err
		}
	}

	if req.AfterLoad != nil {
		if err := req.AfterLoad(meta); err != nil {
			return werrors.Wrap(err, werrors.CodeProvider, "bring project back up after restore")
		}
	}
	e.publish(events.EventSnapshotRestored, req.ProjectName, req.Name)
	return nil
}

// restoreProjectFile copies src over dst, first backing up an existing
// dst to dst+".bak" (spec.md §4.9).
func restoreProjectFile(src, dst string) error {
	if _, err := os.Stat(dst); err == nil {
		if err := os.Rename(dst, dst+".bak"); err != nil {
			return werrors.Wrapf(err, werrors.CodeFilesystem, "back up %s", dst)
		}
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return werrors.Wrapf(err, werrors.CodeFilesystem, "read %s", src)
	}
	if err := os.WriteFile(dst, data, 0o644); err != nil {
		return werrors.Wrapf(err, werrors.CodeFilesystem, "write %s", dst)
	}
	return nil
}

// Delete removes a capture directory entirely.
func (e *Engine) Delete(project, name string) error {
	dir := Dir(e.Root, project, name)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return werrors.New(werrors.CodeNotFound, "snapshot not found: "+name)
	}
	return os.RemoveAll(dir)
}

// List returns the metadata of every snapshot under project's directory
// (or every global snapshot when project == "global"), sorted by name.
func (e *Engine) List(project string) ([]*types.SnapshotMetadata, error) {
	base := filepath.Join(e.Root, project)
	entries, err := os.ReadDir(base)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, werrors.Wrapf(err, werrors.CodeFilesystem, "list %s", base)
	}
	var out []*types.SnapshotMetadata
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		meta, err := ReadMetadata(filepath.Join(base, entry.Name()))
		if err != nil {
			return nil, err
		}
		out = append(out, meta)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
