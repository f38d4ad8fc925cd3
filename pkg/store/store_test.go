package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/cuemby/vm/pkg/types"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "vm.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateAndGet(t *testing.T) {
	s := newTestStore(t)
	ws := &types.Workspace{ID: "ws-1", Owner: "alice", Name: "proj", Status: types.WorkspaceCreating, CreatedAt: time.Now()}
	if err := s.Create(ws); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := s.Get("ws-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Name != "proj" {
		t.Errorf("Name = %q, want proj", got.Name)
	}
}

func TestCreate_DuplicateOwnerName(t *testing.T) {
	s := newTestStore(t)
	ws := &types.Workspace{ID: "ws-1", Owner: "alice", Name: "proj", CreatedAt: time.Now()}
	if err := s.Create(ws); err != nil {
		t.Fatalf("Create: %v", err)
	}
	dup := &types.Workspace{ID: "ws-2", Owner: "alice", Name: "proj", CreatedAt: time.Now()}
	if err := s.Create(dup); err == nil {
		t.Fatal("expected conflict error for duplicate owner/name")
	}
}

func TestListExpired(t *testing.T) {
	s := newTestStore(t)
	past := time.Now().Add(-time.Hour)
	future := time.Now().Add(time.Hour)

	expired := &types.Workspace{ID: "ws-1", Owner: "a", Name: "x", CreatedAt: time.Now(), ExpiresAt: &past}
	alive := &types.Workspace{ID: "ws-2", Owner: "a", Name: "y", CreatedAt: time.Now(), ExpiresAt: &future}
	if err := s.Create(expired); err != nil {
		t.Fatal(err)
	}
	if err := s.Create(alive); err != nil {
		t.Fatal(err)
	}

	got, err := s.ListExpired(time.Now())
	if err != nil {
		t.Fatalf("ListExpired: %v", err)
	}
	if len(got) != 1 || got[0].ID != "ws-1" {
		t.Errorf("ListExpired = %+v, want only ws-1", got)
	}
}

func TestGetByOwnerAndName_NotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.GetByOwnerAndName("nobody", "nothing"); err == nil {
		t.Fatal("expected not-found error")
	}
}
