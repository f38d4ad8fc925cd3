package snapshot

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/cuemby/vm/pkg/types"
)

// fakeImages is an ImageStore that just copies bytes, standing in for a
// real containerd image export/import during tests that don't need a
// daemon.
type fakeImages struct{}

func (fakeImages) SaveImage(_ context.Context, ref, destFile string) (string, error) {
	if err := os.WriteFile(destFile, []byte("image:"+ref), 0o644); err != nil {
		return "", err
	}
	return "sha256:deadbeef", nil
}

func (fakeImages) LoadImage(_ context.Context, srcFile string) (string, error) {
	data, err := os.ReadFile(srcFile)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func writeVolumeFixture(t *testing.T, dir string) {
	t.Helper()
	files := map[string]string{
		"a.txt":         "aaaaaaaaaa",
		"nested/b.txt":  "bbbbbbbbbb",
		"nested/c.bin":  string(make([]byte, 1<<20)), // >1MB total across the tree
	}
	for rel, content := range files {
		full := filepath.Join(dir, rel)
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func readTree(t *testing.T, dir string) map[string]string {
	t.Helper()
	out := map[string]string{}
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		out[rel] = string(data)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	return out
}

func TestCaptureRestore_VolumeByteIdentical(t *testing.T) {
	root := t.TempDir()
	volSrc := t.TempDir()
	writeVolumeFixture(t, volSrc)
	original := readTree(t, volSrc)

	e := New(root, fakeImages{})
	ws := &types.Workspace{ID: "ws-1", Owner: "alice", Name: "proj"}
	req := CaptureRequest{
		Name:      "snap-1",
		Workspace: ws,
		Services:  []ServiceRef{{Name: "dev", ImageRef: "ubuntu:24.04"}},
		Volumes:   []types.Volume{{Name: "data", WorkspaceID: ws.ID}},
		VolumeHostPath: func(v types.Volume) (string, error) {
			return volSrc, nil
		},
	}
	meta, err := e.Capture(context.Background(), req)
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if len(meta.Volumes) != 1 || meta.Volumes[0].SizeBytes == 0 {
		t.Fatalf("unexpected volume metadata: %+v", meta.Volumes)
	}

	restoreDest := t.TempDir()
	projectDir := t.TempDir()
	err = e.Restore(context.Background(), RestoreRequest{
		Name:        "snap-1",
		ProjectName: "proj",
		ProjectDir:  projectDir,
		VolumeHostPath: func(v types.Volume) (string, error) {
			return restoreDest, nil
		},
	})
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}

	restored := readTree(t, restoreDest)
	if len(restored) != len(original) {
		t.Fatalf("restored %d files, want %d", len(restored), len(original))
	}
	for rel, content := range original {
		if restored[rel] != content {
			t.Errorf("file %s differs after restore", rel)
		}
	}
}

func TestExportImport_RoundTrip(t *testing.T) {
	root := t.TempDir()
	volSrc := t.TempDir()
	writeVolumeFixture(t, volSrc)

	e := New(root, fakeImages{})
	ws := &types.Workspace{ID: "ws-2", Owner: "bob", Name: "widget"}
	_, err := e.Capture(context.Background(), CaptureRequest{
		Name:           "snap-2",
		Workspace:      ws,
		Services:       []ServiceRef{{Name: "dev", ImageRef: "ubuntu:24.04"}},
		Volumes:        []types.Volume{{Name: "data", WorkspaceID: ws.ID}},
		VolumeHostPath: func(v types.Volume) (string, error) { return volSrc, nil },
	})
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}

	archive := filepath.Join(t.TempDir(), "widget.snapshot.tar.gz")
	if err := e.Export("widget", "snap-2", archive); err != nil {
		t.Fatalf("Export: %v", err)
	}

	other := New(t.TempDir(), fakeImages{})
	manifest, err := other.Import(context.Background(), archive, false)
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if manifest.SnapshotName != "snap-2" || manifest.ProjectName != "widget" {
		t.Errorf("manifest = %+v, want snap-2/widget", manifest)
	}

	if _, err := other.Import(context.Background(), archive, false); err == nil {
		t.Error("re-import without --force should fail")
	}
	if _, err := other.Import(context.Background(), archive, true); err != nil {
		t.Errorf("re-import with --force should succeed: %v", err)
	}
}

func TestDir_GlobalVsProject(t *testing.T) {
	root := "/snapshots"
	if got := Dir(root, "widget", "@template"); got != filepath.Join(root, "global", "template") {
		t.Errorf("global snapshot dir = %q", got)
	}
	if got := Dir(root, "widget", "backup-1"); got != filepath.Join(root, "widget", "backup-1") {
		t.Errorf("project snapshot dir = %q", got)
	}
}

func TestList_SortedByName(t *testing.T) {
	root := t.TempDir()
	e := New(root, fakeImages{})
	for _, name := range []string{"zeta", "alpha", "mid"} {
		ws := &types.Workspace{ID: name, Owner: "x", Name: "proj"}
		if _, err := e.Capture(context.Background(), CaptureRequest{Name: name, Workspace: ws}); err != nil {
			t.Fatalf("Capture(%s): %v", name, err)
		}
	}
	list, err := e.List("proj")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 3 || list[0].Name != "alpha" || list[1].Name != "mid" || list[2].Name != "zeta" {
		t.Errorf("List order = %v, want [alpha mid zeta]", list)
	}
}
