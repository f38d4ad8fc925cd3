// Package portregistry tracks the host port ranges reserved by each
// workspace in a single JSON file, guarding against overlapping
// allocations across concurrent `vm create` invocations.
package portregistry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/cuemby/vm/pkg/log"
	"github.com/cuemby/vm/pkg/types"
	"github.com/cuemby/vm/pkg/werrors"
)

const (
	// DefaultRangeSize is how many host ports a workspace gets by default.
	DefaultRangeSize = 10
	// DefaultRangeStart is the first port ever suggested when the
	// registry is empty.
	DefaultRangeStart = 3000
	// MaxPort is the upper end of the non-ephemeral range.
	// SuggestNextRange does not check candidates against it.
	MaxPort = 60000
)

// Registry is a file-backed, mutex-guarded set of reserved PortRanges.
type Registry struct {
	path string

	mu     sync.Mutex
	ranges []types.PortRange
}

// Load reads the registry file at path, tolerating a missing file (treated
// as empty) but surfacing malformed JSON as a werrors.CodeFilesystem error.
func Load(path string) (*Registry, error) {
	r := &Registry{path: path}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return r, nil
	}
	if err != nil {
		return nil, werrors.Wrap(err, werrors.CodeFilesystem, "read port registry")
	}
	if len(data) == 0 {
		return r, nil
	}
	if err := json.Unmarshal(data, &r.ranges); err != nil {
		return nil, werrors.Wrap(err, werrors.CodeFilesystem, "parse port registry")
	}
	return r, nil
}

// List returns a copy of all currently reserved ranges.
func (r *Registry) List() []types.PortRange {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.PortRange, len(r.ranges))
	copy(out, r.ranges)
	return out
}

// CheckConflicts returns the subset of existing ranges that overlap rng.
func (r *Registry) CheckConflicts(rng types.PortRange) []types.PortRange {
	r.mu.Lock()
	defer r.mu.Unlock()
	var conflicts []types.PortRange
	for _, existing := range r.ranges {
		if existing.Owner == rng.Owner && existing.Name == rng.Name {
			continue
		}
		if existing.Overlaps(rng) {
			conflicts = append(conflicts, existing)
		}
	}
	return conflicts
}

// Register reserves rng, persisting the updated registry to disk. It
// rejects the reservation if rng overlaps any existing range owned by a
// different (owner, name) pair.
func (r *Registry) Register(rng types.PortRange) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, existing := range r.ranges {
		if existing.Owner == rng.Owner && existing.Name == rng.Name {
			r.ranges[i] = rng
			return r.persistLocked()
		}
		if existing.Overlaps(rng) {
			return werrors.New(werrors.CodeConflict,
				"port range "+rangeString(rng)+" overlaps reservation held by "+existing.Owner+"/"+existing.Name)
		}
	}

	r.ranges = append(r.ranges, rng)
	return r.persistLocked()
}

// Release removes the reservation for (owner, name), if any.
func (r *Registry) Release(owner, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := r.ranges[:0]
	for _, existing := range r.ranges {
		if existing.Owner == owner && existing.Name == name {
			continue
		}
		kept = append(kept, existing)
	}
	r.ranges = kept
	return r.persistLocked()
}

// SuggestNextRange walks non-overlapping strides of size starting at
// DefaultRangeStart and returns the first stride boundary past every
// existing reservation. It never reclaims a hole left by a released range:
// once a stride has been handed out, later suggestions only advance past it,
// keeping suggestions deterministic and stable across releases.
func (r *Registry) SuggestNextRange(size int) types.PortRange {
	r.mu.Lock()
	defer r.mu.Unlock()

	maxEnd := DefaultRangeStart - 1
	for _, existing := range r.ranges {
		if existing.End() > maxEnd {
			maxEnd = existing.End()
		}
	}

	candidate := DefaultRangeStart
	for candidate <= maxEnd {
		candidate += size
	}
	return types.PortRange{Start: candidate, Size: size}
}

func (r *Registry) persistLocked() error {
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return werrors.Wrap(err, werrors.CodeFilesystem, "create port registry directory")
	}
	data, err := json.MarshalIndent(r.ranges, "", "  ")
	if err != nil {
		return werrors.Wrap(err, werrors.CodeInternal, "marshal port registry")
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return werrors.Wrap(err, werrors.CodeFilesystem, "write port registry")
	}
	if err := os.Rename(tmp, r.path); err != nil {
		return werrors.Wrap(err, werrors.CodeFilesystem, "rename port registry into place")
	}
	log.WithComponent("portregistry").Debug().Int("count", len(r.ranges)).Msg("persisted port registry")
	return nil
}

func rangeString(r types.PortRange) string {
	return r.Owner + "/" + r.Name
}
