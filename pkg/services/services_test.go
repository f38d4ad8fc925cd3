package services

import (
	"context"
	"testing"

	"github.com/cuemby/vm/pkg/types"
)

type fakeDriver struct {
	kind    types.ServiceKind
	image   string
	started int
	stopped int
	resumed int

	// existing simulates a container left running by a prior process,
	// as Inspect would find it after a manager restart.
	existing        bool
	existingImage   string
	existingRunning bool
}

func (f *fakeDriver) Kind() types.ServiceKind { return f.kind }
func (f *fakeDriver) ImageRef() string {
	if f.image != "" {
		return f.image
	}
	return "default:" + string(f.kind)
}
func (f *fakeDriver) Start(ctx context.Context, password string, port int, imageRef string, persist bool) (string, error) {
	f.started++
	f.existing = true
	f.existingImage = f.ImageRef()
	f.existingRunning = true
	return "container-1", nil
}
func (f *fakeDriver) Stop(ctx context.Context, containerID string) error {
	f.stopped++
	f.existing = false
	return nil
}
func (f *fakeDriver) IsRunning(ctx context.Context, containerID string) (bool, error) {
	return f.started > f.stopped, nil
}
func (f *fakeDriver) Inspect(ctx context.Context) (containerID, imageRef string, running, exists bool, err error) {
	if !f.existing {
		return "", "", false, false, nil
	}
	return "container-1", f.existingImage, f.existingRunning, true, nil
}
func (f *fakeDriver) Resume(ctx context.Context, containerID string) error {
	f.resumed++
	f.existingRunning = true
	return nil
}

func TestReferenceCounting_StopsOnlyWhenLastReferentGone(t *testing.T) {
	driver := &fakeDriver{kind: types.ServicePostgres}
	m := NewManager(t.TempDir(), "", driver)
	ctx := context.Background()

	if _, err := m.RegisterVM(ctx, types.ServicePostgres, "ws-a", 5432, "", false); err != nil {
		t.Fatalf("RegisterVM a: %v", err)
	}
	if _, err := m.RegisterVM(ctx, types.ServicePostgres, "ws-b", 5432, "", false); err != nil {
		t.Fatalf("RegisterVM b: %v", err)
	}
	if driver.started != 1 {
		t.Errorf("started = %d, want 1 (shared across referents)", driver.started)
	}

	if err := m.UnregisterVM(ctx, types.ServicePostgres, "ws-a"); err != nil {
		t.Fatalf("UnregisterVM a: %v", err)
	}
	if driver.stopped != 0 {
		t.Errorf("stopped = %d, want 0 (ws-b still referencing)", driver.stopped)
	}

	if err := m.UnregisterVM(ctx, types.ServicePostgres, "ws-b"); err != nil {
		t.Fatalf("UnregisterVM b: %v", err)
	}
	if driver.stopped != 1 {
		t.Errorf("stopped = %d, want 1 after last referent gone", driver.stopped)
	}
}

func TestPassword_RoundTripsThroughSecretBox(t *testing.T) {
	driver := &fakeDriver{kind: types.ServiceRedis}
	m := NewManager(t.TempDir(), "correct horse battery staple", driver)
	ctx := context.Background()

	if _, err := m.RegisterVM(ctx, types.ServiceRedis, "ws-a", 6379, "", false); err != nil {
		t.Fatalf("RegisterVM: %v", err)
	}
	pw, err := m.Password(types.ServiceRedis)
	if err != nil {
		t.Fatalf("Password: %v", err)
	}
	if len(pw) != 32 { // 16 random bytes, hex-encoded
		t.Errorf("password length = %d, want 32", len(pw))
	}
}

// A fresh Manager (as after a `vm serve` restart) must find the container
// a previous process already started and reuse it, rather than attempting
// to create a second container under the same deterministic name.
func TestRegisterVM_ReusesExistingRunningContainerAfterRestart(t *testing.T) {
	driver := &fakeDriver{
		kind:            types.ServicePostgres,
		existing:        true,
		existingImage:   "default:postgresql",
		existingRunning: true,
	}
	m := NewManager(t.TempDir(), "", driver)
	ctx := context.Background()

	st, err := m.RegisterVM(ctx, types.ServicePostgres, "ws-a", 5432, "", false)
	if err != nil {
		t.Fatalf("RegisterVM: %v", err)
	}
	if st.ContainerID != "container-1" {
		t.Errorf("ContainerID = %q, want container-1 (reused)", st.ContainerID)
	}
	if driver.started != 0 {
		t.Errorf("started = %d, want 0 (no new container created)", driver.started)
	}
}

// A stopped container left by a prior process is resumed in place, not
// recreated.
func TestRegisterVM_ResumesStoppedContainerAfterRestart(t *testing.T) {
	driver := &fakeDriver{
		kind:            types.ServicePostgres,
		existing:        true,
		existingImage:   "default:postgresql",
		existingRunning: false,
	}
	m := NewManager(t.TempDir(), "", driver)
	ctx := context.Background()

	if _, err := m.RegisterVM(ctx, types.ServicePostgres, "ws-a", 5432, "", false); err != nil {
		t.Fatalf("RegisterVM: %v", err)
	}
	if driver.resumed != 1 {
		t.Errorf("resumed = %d, want 1", driver.resumed)
	}
	if driver.started != 0 {
		t.Errorf("started = %d, want 0 (resumed, not recreated)", driver.started)
	}
}

// An existing container running the wrong image is stopped and recreated.
func TestRegisterVM_RecreatesOnImageMismatch(t *testing.T) {
	driver := &fakeDriver{
		kind:            types.ServicePostgres,
		existing:        true,
		existingImage:   "postgres:15-alpine",
		existingRunning: true,
	}
	m := NewManager(t.TempDir(), "", driver)
	ctx := context.Background()

	if _, err := m.RegisterVM(ctx, types.ServicePostgres, "ws-a", 5432, "", false); err != nil {
		t.Fatalf("RegisterVM: %v", err)
	}
	if driver.stopped != 1 {
		t.Errorf("stopped = %d, want 1 (mismatched image torn down)", driver.stopped)
	}
	if driver.started != 1 {
		t.Errorf("started = %d, want 1 (recreated with correct image)", driver.started)
	}
}
