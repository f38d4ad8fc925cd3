// Package services manages shared infrastructure services (PostgreSQL,
// Redis, MongoDB, a local Docker registry) that multiple workspaces can
// reference, reference-counting each to decide when it's safe to stop.
package services

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"os"
	"path/filepath"
	"sync"

	"github.com/cuemby/vm/pkg/log"
	"github.com/cuemby/vm/pkg/types"
	"github.com/cuemby/vm/pkg/werrors"
)

// Driver starts, stops and reports the status of one shared service kind.
// pkg/provider/container implements this for the containerd backend; a
// native-VM equivalent can be added the same way.
type Driver interface {
	Kind() types.ServiceKind
	ImageRef() string
	// Start pulls and runs the service's container. imageRef overrides the
	// driver's built-in default when the workspace config names one
	// (ServiceSpec.Image/.Version); empty keeps the default. persist asks
	// the driver to bind-mount the service's data directory from a named
	// volume (persist_databases) instead of leaving it ephemeral.
	Start(ctx context.Context, password string, port int, imageRef string, persist bool) (containerID string, err error)
	Stop(ctx context.Context, containerID string) error
	IsRunning(ctx context.Context, containerID string) (bool, error)

	// Inspect looks for a container already running under this driver's
	// deterministic name (e.g. vm-<service>-global). exists is false if
	// none was found; otherwise imageRef and running report what's
	// actually there, for RegisterVM to decide reuse vs. recreate.
	Inspect(ctx context.Context) (containerID, imageRef string, running, exists bool, err error)

	// Resume starts a new task on an existing, stopped container created
	// by a previous Start. It is a no-op if a task is already running.
	Resume(ctx context.Context, containerID string) error
}

// Manager tracks ServiceState per kind and reference-counts workspaces
// against it, starting a service lazily on first reference and stopping
// it only once the last referent unregisters (see RegisterVM/UnregisterVM).
type Manager struct {
	secretsDir string
	box        *secretBox

	drivers map[types.ServiceKind]Driver

	mu    sync.Mutex
	state map[types.ServiceKind]*types.ServiceState
}

// NewManager constructs a Manager whose password files live under
// secretsDir, sealed with a key derived from passphrase (empty disables
// at-rest sealing and password files are written in the clear, mode 0600).
func NewManager(secretsDir, passphrase string, drivers ...Driver) *Manager {
	m := &Manager{
		secretsDir: secretsDir,
		drivers:    map[types.ServiceKind]Driver{},
		state:      map[types.ServiceKind]*types.ServiceState{},
	}
	if passphrase != "" {
		m.box = newSecretBoxFromPassphrase(passphrase)
	}
	for _, d := range drivers {
		m.drivers[d.Kind()] = d
	}
	return m
}

// RegisterVM ensures kind is running and adds workspaceID as a referent.
// imageRef, when non-empty, names the image a workspace's config wants for
// this service (ServiceSpec.Image/.Version); empty keeps the driver's
// built-in default. It is idempotent across process restarts: the
// Manager's reference-count state is in-memory only, so on every miss it
// first asks the driver whether a container already exists under the
// service's deterministic name. A match on image is reused (starting it
// if stopped); a mismatch is recreated; no container at all starts fresh
// with a new password. persist is threaded into a freshly-started
// driver's Start as persist_databases, so a fresh container mounts a
// named volume for its data directory instead of an ephemeral one; it has
// no effect when the service is reused, resumed, or already running.
func (m *Manager) RegisterVM(ctx context.Context, kind types.ServiceKind, workspaceID string, port int, imageRef string, persist bool) (*types.ServiceState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	logger := log.WithService(string(kind))

	st, ok := m.state[kind]
	if !ok {
		driver, ok := m.drivers[kind]
		if !ok {
			return nil, werrors.New(werrors.CodeValidation, "no driver registered for service "+string(kind))
		}
		desiredImage := imageRef
		if desiredImage == "" {
			desiredImage = driver.ImageRef()
		}

		containerID, existingImage, running, exists, err := driver.Inspect(ctx)
		if err != nil {
			return nil, werrors.Wrapf(err, werrors.CodeProvider, "inspect shared service %s", kind)
		}

		if exists && existingImage != desiredImage {
			logger.Info().Str("container_id", containerID).Str("image", existingImage).
				Msg("shared service image mismatch, recreating")
			if err := driver.Stop(ctx, containerID); err != nil {
				return nil, werrors.Wrapf(err, werrors.CodeProvider, "stop mismatched shared service %s", kind)
			}
			exists = false
		}

		switch {
		case exists && running:
			logger.Info().Str("container_id", containerID).Msg("reusing running shared service container")
			st = &types.ServiceState{Kind: kind, ContainerID: containerID, Port: port, PasswordFile: m.passwordPath(kind)}

		case exists && !running:
			logger.Info().Str("container_id", containerID).Msg("restarting stopped shared service container")
			if err := driver.Resume(ctx, containerID); err != nil {
				return nil, werrors.Wrapf(err, werrors.CodeProvider, "resume shared service %s", kind)
			}
			st = &types.ServiceState{Kind: kind, ContainerID: containerID, Port: port, PasswordFile: m.passwordPath(kind)}

		default:
			password, err := randomPassword()
			if err != nil {
				return nil, err
			}
			newID, err := driver.Start(ctx, password, port, imageRef, persist)
			if err != nil {
				return nil, werrors.Wrapf(err, werrors.CodeProvider, "start shared service %s", kind)
			}
			passwordFile, err := m.writePassword(kind, password)
			if err != nil {
				return nil, err
			}
			st = &types.ServiceState{Kind: kind, ContainerID: newID, Port: port, PasswordFile: passwordFile}
			logger.Info().Str("container_id", newID).Msg("started shared service")
		}

		m.state[kind] = st
	}

	if !containsStr(st.ReferencedBy, workspaceID) {
		st.ReferencedBy = append(st.ReferencedBy, workspaceID)
		st.ReferenceCount = len(st.ReferencedBy)
	}
	return st, nil
}

// UnregisterVM removes workspaceID as a referent of kind. The service is
// only actually stopped once ReferenceCount drops to zero. No workspace
// destroy path in this module calls it.
func (m *Manager) UnregisterVM(ctx context.Context, kind types.ServiceKind, workspaceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.state[kind]
	if !ok {
		return nil
	}
	st.ReferencedBy = removeStr(st.ReferencedBy, workspaceID)
	st.ReferenceCount = len(st.ReferencedBy)
	if st.ReferenceCount > 0 {
		return nil
	}

	driver, ok := m.drivers[kind]
	if !ok {
		return werrors.New(werrors.CodeInternal, "no driver registered for service "+string(kind))
	}
	if err := driver.Stop(ctx, st.ContainerID); err != nil {
		return werrors.Wrapf(err, werrors.CodeProvider, "stop shared service %s", kind)
	}
	delete(m.state, kind)
	log.WithService(string(kind)).Info().Msg("stopped shared service, no remaining referents")
	return nil
}

// State returns the current ServiceState for kind, or nil if not running.
func (m *Manager) State(kind types.ServiceKind) *types.ServiceState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state[kind]
}

// Password reads and decrypts the password file for kind.
func (m *Manager) Password(kind types.ServiceKind) (string, error) {
	m.mu.Lock()
	st, ok := m.state[kind]
	m.mu.Unlock()
	if !ok {
		return "", werrors.New(werrors.CodeNotFound, "service "+string(kind)+" is not running")
	}

	data, err := os.ReadFile(st.PasswordFile)
	if err != nil {
		return "", werrors.Wrap(err, werrors.CodeFilesystem, "read password file")
	}
	if m.box == nil {
		return string(data), nil
	}
	plain, err := m.box.Open(data)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

// passwordPath returns the deterministic password-file path for kind,
// without requiring the password to have been written by this process --
// used when reusing or resuming a container started by an earlier run.
func (m *Manager) passwordPath(kind types.ServiceKind) string {
	return filepath.Join(m.secretsDir, string(kind)+".env")
}

func (m *Manager) writePassword(kind types.ServiceKind, password string) (string, error) {
	if err := os.MkdirAll(m.secretsDir, 0o700); err != nil {
		return "", werrors.Wrap(err, werrors.CodeFilesystem, "create secrets directory")
	}
	path := m.passwordPath(kind)

	payload := []byte(password)
	if m.box != nil {
		sealed, err := m.box.Seal(payload)
		if err != nil {
			return "", err
		}
		payload = sealed
	}
	if err := os.WriteFile(path, payload, 0o400); err != nil {
		return "", werrors.Wrap(err, werrors.CodeFilesystem, "write password file")
	}
	return path, nil
}

func randomPassword() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", werrors.Wrap(err, werrors.CodeInternal, "generate service password")
	}
	return hex.EncodeToString(buf), nil
}

func containsStr(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func removeStr(list []string, s string) []string {
	out := list[:0]
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}
