package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"

	"github.com/forgeml/forge/internal/domain/apperr"
)

// Kind names one entity family. Each entity lives in its own directory with
// one JSON document at a fixed path.
type Kind string

const (
	KindJobs        Kind = "jobs"
	KindTasks       Kind = "tasks"
	KindExperiments Kind = "experiments"
	KindTemplates   Kind = "templates"
)

const documentName = "index.json"

// Store is the generic document store. All writes take a per-entity lock
// file so concurrent writers never interleave; acquisition is bounded so a
// stuck lock cannot wedge the service.
type Store struct {
	backend     Backend
	locksDir    string
	lockTimeout time.Duration
}

// New builds a store over the backend. Lock files always live on local
// disk under locksDir, regardless of where the documents themselves live.
func New(backend Backend, locksDir string, lockTimeout time.Duration) (*Store, error) {
	if err := os.MkdirAll(locksDir, 0o755); err != nil {
		return nil, fmt.Errorf("create locks dir: %w", err)
	}
	if lockTimeout <= 0 {
		lockTimeout = 5 * time.Second
	}
	return &Store{backend: backend, locksDir: locksDir, lockTimeout: lockTimeout}, nil
}

func docKey(kind Kind, id string) string {
	return fmt.Sprintf("%s/%s/%s", kind, id, documentName)
}

func auxKey(kind Kind, id, name string) string {
	return fmt.Sprintf("%s/%s/%s", kind, id, name)
}

// withLock runs fn while holding the entity's lock file.
func (s *Store) withLock(ctx context.Context, kind Kind, id string, fn func() error) error {
	lock := flock.New(filepath.Join(s.locksDir, fmt.Sprintf("%s-%s.lock", kind, id)))
	lockCtx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	defer cancel()

	ok, err := lock.TryLockContext(lockCtx, 50*time.Millisecond)
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("acquire lock %s/%s: %w", kind, id, err)
	}
	if !ok {
		return fmt.Errorf("lock %s/%s: %w", kind, id, apperr.ErrLockTimeout)
	}
	defer lock.Unlock()

	return fn()
}

// Create writes the default document, failing if one already exists.
func (s *Store) Create(ctx context.Context, kind Kind, id string, doc any) error {
	return s.withLock(ctx, kind, id, func() error {
		_, err := s.backend.Read(ctx, docKey(kind, id))
		if err == nil {
			return apperr.AlreadyExistsf("%s %s", kind, id)
		}
		if !errors.Is(err, apperr.ErrNotFound) {
			return err
		}
		return s.write(ctx, docKey(kind, id), doc)
	})
}

// Get reads the document into out.
func (s *Store) Get(ctx context.Context, kind Kind, id string, out any) error {
	data, err := s.backend.Read(ctx, docKey(kind, id))
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s %s: %w", kind, id, err)
	}
	return nil
}

// Put fully replaces the document under the entity lock.
func (s *Store) Put(ctx context.Context, kind Kind, id string, doc any) error {
	return s.withLock(ctx, kind, id, func() error {
		return s.write(ctx, docKey(kind, id), doc)
	})
}

// SetMetadata merges the given top-level fields into the existing document
// and rewrites it atomically. The merge is shallow: nested values are
// replaced wholesale.
func (s *Store) SetMetadata(ctx context.Context, kind Kind, id string, fields map[string]any) error {
	return s.withLock(ctx, kind, id, func() error {
		data, err := s.backend.Read(ctx, docKey(kind, id))
		if err != nil {
			return err
		}
		var doc map[string]any
		if err := json.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("decode %s %s: %w", kind, id, err)
		}
		for k, v := range fields {
			doc[k] = v
		}
		return s.write(ctx, docKey(kind, id), doc)
	})
}

// Delete removes the document and everything else under the entity
// directory. Deleting twice is not an error.
func (s *Store) Delete(ctx context.Context, kind Kind, id string) error {
	return s.withLock(ctx, kind, id, func() error {
		return s.backend.DeleteAll(ctx, fmt.Sprintf("%s/%s/", kind, id))
	})
}

// Exists reports whether the entity has a document.
func (s *Store) Exists(ctx context.Context, kind Kind, id string) (bool, error) {
	_, err := s.backend.Read(ctx, docKey(kind, id))
	if errors.Is(err, apperr.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ListIDs scans the directory tree and returns every entity id of the kind.
func (s *Store) ListIDs(ctx context.Context, kind Kind) ([]string, error) {
	keys, err := s.backend.List(ctx, string(kind)+"/")
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, key := range keys {
		if !strings.HasSuffix(key, "/"+documentName) {
			continue
		}
		parts := strings.Split(key, "/")
		if len(parts) == 3 {
			ids = append(ids, parts[1])
		}
	}
	return ids, nil
}

// ReadAux reads a secondary document (index files and the like) from the
// entity directory.
func (s *Store) ReadAux(ctx context.Context, kind Kind, id, name string, out any) error {
	data, err := s.backend.Read(ctx, auxKey(kind, id, name))
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s %s/%s: %w", kind, id, name, err)
	}
	return nil
}

// WriteAux writes a secondary document under the entity lock.
func (s *Store) WriteAux(ctx context.Context, kind Kind, id, name string, doc any) error {
	return s.withLock(ctx, kind, id, func() error {
		return s.write(ctx, auxKey(kind, id, name), doc)
	})
}

func (s *Store) write(ctx context.Context, key string, doc any) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return s.backend.Write(ctx, key, data)
}
