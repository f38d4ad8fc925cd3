// Package snapshot captures, restores, exports and imports a workspace's
// images, volumes and configuration as a self-contained archive under
// the snapshot store. Global (template) snapshots are stored under
// <root>/global/ and carried in the CLI as a "@"-prefixed name; project
// snapshots live under <root>/<project>/.
package snapshot

import (
	"path/filepath"
	"strings"
)

// GlobalPrefix marks a snapshot name as a global (template) snapshot
// rather than a project-scoped one.
const GlobalPrefix = "@"

// IsGlobal reports whether name carries the global-snapshot prefix.
func IsGlobal(name string) bool {
	return strings.HasPrefix(name, GlobalPrefix)
}

// TrimGlobalPrefix strips the leading "@" from a global snapshot name,
// leaving project-scoped names untouched.
func TrimGlobalPrefix(name string) string {
	return strings.TrimPrefix(name, GlobalPrefix)
}

// Dir resolves the on-disk capture directory for a snapshot name, given
// its project (ignored for global snapshots). root is the snapshot
// store's base path (e.g. <data>/snapshots, Platform.SnapshotsDir).
func Dir(root, project, name string) string {
	if IsGlobal(name) {
		return filepath.Join(root, "global", TrimGlobalPrefix(name))
	}
	return filepath.Join(root, project, name)
}

// imagesDir, volumesDir and composeDir are the fixed subdirectories of a
// capture directory, per spec.md §6.
func imagesDir(captureDir string) string  { return filepath.Join(captureDir, "images") }
func volumesDir(captureDir string) string { return filepath.Join(captureDir, "volumes") }
func composeDir(captureDir string) string { return filepath.Join(captureDir, "compose") }

func metadataPath(captureDir string) string { return filepath.Join(captureDir, "metadata.json") }
func manifestPath(captureDir string) string { return filepath.Join(captureDir, "manifest.json") }
