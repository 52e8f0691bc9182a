package store

import (
	"context"
	"log"
	"time"

	"github.com/forgeml/forge/internal/domain/job"
)

// JobStore is the typed view over job documents.
type JobStore struct {
	store *Store
}

// NewJobStore creates a typed job store.
func NewJobStore(s *Store) *JobStore {
	return &JobStore{store: s}
}

// Create persists a new job document, failing on a duplicate id.
func (js *JobStore) Create(ctx context.Context, j *job.Job) error {
	now := time.Now().UTC()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	j.UpdatedAt = now
	if j.JobData == nil {
		j.JobData = job.JobData{}
	}
	return js.store.Create(ctx, KindJobs, j.ID, j)
}

// Get loads one job.
func (js *JobStore) Get(ctx context.Context, id string) (*job.Job, error) {
	var j job.Job
	if err := js.store.Get(ctx, KindJobs, id, &j); err != nil {
		return nil, err
	}
	return &j, nil
}

// Save fully replaces the job document.
func (js *JobStore) Save(ctx context.Context, j *job.Job) error {
	j.UpdatedAt = time.Now().UTC()
	return js.store.Put(ctx, KindJobs, j.ID, j)
}

// SetFields shallow-merges top-level fields into the job document.
func (js *JobStore) SetFields(ctx context.Context, id string, fields map[string]any) error {
	fields["updated_at"] = time.Now().UTC()
	return js.store.SetMetadata(ctx, KindJobs, id, fields)
}

// List scans all job documents. Jobs that fail to decode are skipped with a
// log line rather than failing the whole listing.
func (js *JobStore) List(ctx context.Context) ([]job.Job, error) {
	ids, err := js.store.ListIDs(ctx, KindJobs)
	if err != nil {
		return nil, err
	}
	jobs := make([]job.Job, 0, len(ids))
	for _, id := range ids {
		var j job.Job
		if err := js.store.Get(ctx, KindJobs, id, &j); err != nil {
			log.Printf("skipping unreadable job %s: %v", id, err)
			continue
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

// ListByStatus returns jobs currently in the given status.
func (js *JobStore) ListByStatus(ctx context.Context, status job.JobStatus) ([]job.Job, error) {
	all, err := js.List(ctx)
	if err != nil {
		return nil, err
	}
	var out []job.Job
	for _, j := range all {
		if j.Status == status {
			out = append(out, j)
		}
	}
	return out, nil
}

// ListByExperiment returns jobs belonging to the experiment, scanning the
// authoritative documents.
func (js *JobStore) ListByExperiment(ctx context.Context, experimentID string) ([]job.Job, error) {
	all, err := js.List(ctx)
	if err != nil {
		return nil, err
	}
	var out []job.Job
	for _, j := range all {
		if j.ExperimentID == experimentID {
			out = append(out, j)
		}
	}
	return out, nil
}

// Delete removes the job document; idempotent.
func (js *JobStore) Delete(ctx context.Context, id string) error {
	return js.store.Delete(ctx, KindJobs, id)
}
