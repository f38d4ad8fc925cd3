package snapshot

import (
	"encoding/json"
	"os"
	"time"

	"github.com/cuemby/vm/pkg/types"
	"github.com/cuemby/vm/pkg/werrors"
)

// manifestVersion is the Manifest schema version written to every export.
const manifestVersion = "1.0"

// Manifest summarizes an exported snapshot's contents (spec.md §6), read
// by Import before any image or volume data is touched.
type Manifest struct {
	Version        string    `json:"version"`
	SnapshotName   string    `json:"snapshot_name"`
	IsGlobal       bool      `json:"is_global"`
	CreatedAt      time.Time `json:"created_at"`
	Description    string    `json:"description,omitempty"`
	ProjectName    string    `json:"project_name,omitempty"`
	TotalSizeBytes int64     `json:"total_size_bytes"`

	Services []types.SnapshotServiceRef `json:"services,omitempty"`
	Volumes  []types.SnapshotVolumeRef  `json:"volumes,omitempty"`
}

func manifestFromMetadata(meta *types.SnapshotMetadata) *Manifest {
	return &Manifest{
		Version:        manifestVersion,
		SnapshotName:   meta.Name,
		IsGlobal:       IsGlobal(meta.Name),
		CreatedAt:      meta.CreatedAt,
		Description:    meta.Description,
		ProjectName:    meta.ProjectName,
		TotalSizeBytes: meta.TotalSizeBytes,
		Services:       meta.Services,
		Volumes:        meta.Volumes,
	}
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return werrors.Wrap(err, werrors.CodeInternal, "marshal "+path)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return werrors.Wrapf(err, werrors.CodeFilesystem, "write %s", path)
	}
	return nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return werrors.Wrapf(err, werrors.CodeFilesystem, "read %s", path)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return werrors.Wrapf(err, werrors.CodeValidation, "parse %s", path)
	}
	return nil
}

// ReadMetadata loads metadata.json from a capture directory.
func ReadMetadata(captureDir string) (*types.SnapshotMetadata, error) {
	var meta types.SnapshotMetadata
	if err := readJSON(metadataPath(captureDir), &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

// ReadManifest loads manifest.json from an extracted export.
func ReadManifest(dir string) (*Manifest, error) {
	var m Manifest
	if err := readJSON(manifestPath(dir), &m); err != nil {
		return nil, err
	}
	if m.Version != manifestVersion {
		return nil, werrors.New(werrors.CodeValidation, "unsupported manifest version: "+m.Version)
	}
	return &m, nil
}
