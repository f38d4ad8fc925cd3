package portregistry

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/cuemby/vm/pkg/types"
)

func TestSuggestNextRange_EmptyRegistryStartsAtDefault(t *testing.T) {
	r, err := Load(filepath.Join(t.TempDir(), "ports.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	got := r.SuggestNextRange(10)
	if got.Start != 3000 || got.Size != 10 {
		t.Errorf("SuggestNextRange(10) = %+v, want {Start:3000 Size:10}", got)
	}
}

func TestSuggestNextRange_AdvancesPastReservations(t *testing.T) {
	r, err := Load(filepath.Join(t.TempDir(), "ports.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := r.Register(types.PortRange{Owner: "alice", Name: "a", Start: 3000, Size: 10}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	got := r.SuggestNextRange(10)
	if got.Start != 3010 {
		t.Errorf("SuggestNextRange after one reservation = %+v, want Start:3010", got)
	}
}

// A released range leaves a hole. Suggestion never reclaims it: behavior
// must stay deterministic regardless of destroy/recreate history.
func TestSuggestNextRange_NeverReclaimsReleasedHole(t *testing.T) {
	r, err := Load(filepath.Join(t.TempDir(), "ports.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := r.Register(types.PortRange{Owner: "alice", Name: "a", Start: 3000, Size: 10}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register(types.PortRange{Owner: "bob", Name: "b", Start: 3010, Size: 10}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	before := r.SuggestNextRange(10)
	if before.Start != 3020 {
		t.Fatalf("suggestion before release = %+v, want Start:3020", before)
	}

	if err := r.Release("alice", "a"); err != nil {
		t.Fatalf("Release: %v", err)
	}

	after := r.SuggestNextRange(10)
	if after.Start != 3020 {
		t.Errorf("suggestion after releasing the 3000-3009 hole = %+v, want Start:3020 (no reclaim)", after)
	}
}

func TestSuggestNextRange_ConcurrentCreatesDoNotCollide(t *testing.T) {
	r, err := Load(filepath.Join(t.TempDir(), "ports.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	const workers = 16
	var wg sync.WaitGroup
	seen := make([]types.PortRange, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := filepath.Base(filepath.Join("ws", string(rune('a'+i))))
			// Suggest and Register aren't a single atomic step, so two
			// racing callers can be handed the same candidate; retry with
			// a fresh suggestion on conflict, the way a real create
			// command would.
			for {
				rng := r.SuggestNextRange(10)
				rng.Owner = "owner"
				rng.Name = name
				if err := r.Register(rng); err != nil {
					continue
				}
				seen[i] = rng
				return
			}
		}(i)
	}
	wg.Wait()

	starts := map[int]int{}
	for _, rng := range seen {
		starts[rng.Start]++
	}
	for start, count := range starts {
		if count > 1 {
			t.Errorf("port range starting at %d was handed to %d concurrent callers, want 1", start, count)
		}
	}
	if len(r.List()) != workers {
		t.Errorf("registry holds %d ranges after %d concurrent registrations, want %d", len(r.List()), workers, workers)
	}
}
