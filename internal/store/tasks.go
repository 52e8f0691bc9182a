package store

import (
	"context"
	"log"
	"time"

	"github.com/forgeml/forge/internal/domain/task"
)

// TaskStore is the typed view over task template documents.
type TaskStore struct {
	store *Store
}

// NewTaskStore creates a typed task store.
func NewTaskStore(s *Store) *TaskStore {
	return &TaskStore{store: s}
}

// Create persists a new task, failing on a duplicate id.
func (ts *TaskStore) Create(ctx context.Context, t *task.Task) error {
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	return ts.store.Create(ctx, KindTasks, t.ID, t)
}

// Get loads one task.
func (ts *TaskStore) Get(ctx context.Context, id string) (*task.Task, error) {
	var t task.Task
	if err := ts.store.Get(ctx, KindTasks, id, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// Save fully replaces the task document.
func (ts *TaskStore) Save(ctx context.Context, t *task.Task) error {
	t.UpdatedAt = time.Now().UTC()
	return ts.store.Put(ctx, KindTasks, t.ID, t)
}

// List scans all task documents.
func (ts *TaskStore) List(ctx context.Context) ([]task.Task, error) {
	ids, err := ts.store.ListIDs(ctx, KindTasks)
	if err != nil {
		return nil, err
	}
	tasks := make([]task.Task, 0, len(ids))
	for _, id := range ids {
		var t task.Task
		if err := ts.store.Get(ctx, KindTasks, id, &t); err != nil {
			log.Printf("skipping unreadable task %s: %v", id, err)
			continue
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// Delete removes the task document; idempotent.
func (ts *TaskStore) Delete(ctx context.Context, id string) error {
	return ts.store.Delete(ctx, KindTasks, id)
}
