// Package store persists Workspace rows in a single BoltDB file, the
// orchestrator's only durable state besides the port registry.
package store

import (
	"encoding/json"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/vm/pkg/log"
	"github.com/cuemby/vm/pkg/types"
	"github.com/cuemby/vm/pkg/werrors"
)

var workspacesBucket = []byte("workspaces")

// Store persists Workspace rows.
type Store interface {
	Create(ws *types.Workspace) error
	Get(id string) (*types.Workspace, error)
	GetByOwnerAndName(owner, name string) (*types.Workspace, error)
	List(filters types.WorkspaceFilters) ([]*types.Workspace, error)
	Update(ws *types.Workspace) error
	Delete(id string) error
	ListExpired(now time.Time) ([]*types.Workspace, error)
	Close() error
}

// BoltStore is the Store implementation backing the orchestrator.
type BoltStore struct {
	db *bolt.DB
}

// Open creates (if absent) and opens the BoltDB file at path, ensuring
// the workspaces bucket exists.
func Open(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, werrors.Wrap(err, werrors.CodeFilesystem, "open workspace store")
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(workspacesBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, werrors.Wrap(err, werrors.CodeFilesystem, "create workspaces bucket")
	}

	log.WithComponent("store").Info().Str("path", path).Msg("workspace store opened")
	return &BoltStore{db: db}, nil
}

// Close releases the underlying file lock.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Create inserts ws, rejecting a duplicate (owner, name) pair.
func (s *BoltStore) Create(ws *types.Workspace) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(workspacesBucket)
		existing, err := s.findByOwnerAndNameLocked(b, ws.Owner, ws.Name)
		if err != nil {
			return err
		}
		if existing != nil {
			return werrors.New(werrors.CodeConflict, "workspace "+ws.Owner+"/"+ws.Name+" already exists")
		}
		return putWorkspace(b, ws)
	})
}

// Update overwrites an existing row.
func (s *BoltStore) Update(ws *types.Workspace) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putWorkspace(tx.Bucket(workspacesBucket), ws)
	})
}

// Get fetches a workspace by ID.
func (s *BoltStore) Get(id string) (*types.Workspace, error) {
	var ws *types.Workspace
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(workspacesBucket).Get([]byte(id))
		if data == nil {
			return werrors.New(werrors.CodeNotFound, "workspace "+id+" not found")
		}
		var w types.Workspace
		if err := json.Unmarshal(data, &w); err != nil {
			return werrors.Wrap(err, werrors.CodeInternal, "decode workspace row")
		}
		ws = &w
		return nil
	})
	return ws, err
}

// GetByOwnerAndName fetches a workspace by its unique (owner, name) pair.
func (s *BoltStore) GetByOwnerAndName(owner, name string) (*types.Workspace, error) {
	var ws *types.Workspace
	err := s.db.View(func(tx *bolt.Tx) error {
		found, err := s.findByOwnerAndNameLocked(tx.Bucket(workspacesBucket), owner, name)
		if err != nil {
			return err
		}
		if found == nil {
			return werrors.New(werrors.CodeNotFound, "workspace "+owner+"/"+name+" not found")
		}
		ws = found
		return nil
	})
	return ws, err
}

// List returns workspaces matching filters, newest first.
func (s *BoltStore) List(filters types.WorkspaceFilters) ([]*types.Workspace, error) {
	var out []*types.Workspace
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(workspacesBucket).ForEach(func(_, data []byte) error {
			var w types.Workspace
			if err := json.Unmarshal(data, &w); err != nil {
				return werrors.Wrap(err, werrors.CodeInternal, "decode workspace row")
			}
			if filters.Owner != "" && w.Owner != filters.Owner {
				return nil
			}
			if filters.Status != "" && w.Status != filters.Status {
				return nil
			}
			out = append(out, &w)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// ListExpired returns workspaces whose ExpiresAt has passed.
func (s *BoltStore) ListExpired(now time.Time) ([]*types.Workspace, error) {
	all, err := s.List(types.WorkspaceFilters{})
	if err != nil {
		return nil, err
	}
	var expired []*types.Workspace
	for _, w := range all {
		if w.ExpiresAt != nil && w.ExpiresAt.Before(now) {
			expired = append(expired, w)
		}
	}
	return expired, nil
}

// Delete removes a workspace row.
func (s *BoltStore) Delete(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(workspacesBucket)
		if b.Get([]byte(id)) == nil {
			return werrors.New(werrors.CodeNotFound, "workspace "+id+" not found")
		}
		return b.Delete([]byte(id))
	})
}

func (s *BoltStore) findByOwnerAndNameLocked(b *bolt.Bucket, owner, name string) (*types.Workspace, error) {
	var found *types.Workspace
	err := b.ForEach(func(_, data []byte) error {
		if found != nil {
			return nil
		}
		var w types.Workspace
		if err := json.Unmarshal(data, &w); err != nil {
			return werrors.Wrap(err, werrors.CodeInternal, "decode workspace row")
		}
		if w.Owner == owner && w.Name == name {
			found = &w
		}
		return nil
	})
	return found, err
}

func putWorkspace(b *bolt.Bucket, ws *types.Workspace) error {
	data, err := json.Marshal(ws)
	if err != nil {
		return werrors.Wrap(err, werrors.CodeInternal, "marshal workspace")
	}
	if err := b.Put([]byte(ws.ID), data); err != nil {
		return werrors.Wrap(err, werrors.CodeFilesystem, "write workspace row")
	}
	return nil
}
