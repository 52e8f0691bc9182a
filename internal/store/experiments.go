package store

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/forgeml/forge/internal/domain/apperr"
	"github.com/forgeml/forge/internal/domain/experiment"
)

const jobsIndexName = "jobs_index.json"

// ExperimentStore is the typed view over experiment documents plus the
// per-experiment jobs index. The index is a cache: losing it only costs a
// rebuild from the authoritative job documents.
type ExperimentStore struct {
	store *Store
	jobs  *JobStore
}

// NewExperimentStore creates a typed experiment store.
func NewExperimentStore(s *Store, jobs *JobStore) *ExperimentStore {
	return &ExperimentStore{store: s, jobs: jobs}
}

// Create persists a new experiment, failing on a duplicate id.
func (es *ExperimentStore) Create(ctx context.Context, e *experiment.Experiment) error {
	now := time.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now
	return es.store.Create(ctx, KindExperiments, e.ID, e)
}

// Get loads one experiment.
func (es *ExperimentStore) Get(ctx context.Context, id string) (*experiment.Experiment, error) {
	var e experiment.Experiment
	if err := es.store.Get(ctx, KindExperiments, id, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// Save fully replaces the experiment document.
func (es *ExperimentStore) Save(ctx context.Context, e *experiment.Experiment) error {
	e.UpdatedAt = time.Now().UTC()
	return es.store.Put(ctx, KindExperiments, e.ID, e)
}

// List scans all experiment documents.
func (es *ExperimentStore) List(ctx context.Context) ([]experiment.Experiment, error) {
	ids, err := es.store.ListIDs(ctx, KindExperiments)
	if err != nil {
		return nil, err
	}
	exps := make([]experiment.Experiment, 0, len(ids))
	for _, id := range ids {
		var e experiment.Experiment
		if err := es.store.Get(ctx, KindExperiments, id, &e); err != nil {
			log.Printf("skipping unreadable experiment %s: %v", id, err)
			continue
		}
		exps = append(exps, e)
	}
	return exps, nil
}

// Delete removes the experiment directory including its index; idempotent.
func (es *ExperimentStore) Delete(ctx context.Context, id string) error {
	return es.store.Delete(ctx, KindExperiments, id)
}

// JobsIndex returns the experiment's job-id index partitioned by job type.
// A missing or corrupt index is rebuilt from the job documents; rebuild can
// also be forced.
func (es *ExperimentStore) JobsIndex(ctx context.Context, id string, rebuild bool) (*experiment.JobsIndex, error) {
	if !rebuild {
		var idx experiment.JobsIndex
		err := es.store.ReadAux(ctx, KindExperiments, id, jobsIndexName, &idx)
		if err == nil {
			return &idx, nil
		}
		if !errors.Is(err, apperr.ErrNotFound) {
			log.Printf("experiment %s: jobs index unreadable, rebuilding: %v", id, err)
		}
	}
	return es.RebuildJobsIndex(ctx, id)
}

// RebuildJobsIndex reconstructs the index from the authoritative job
// documents and persists it.
func (es *ExperimentStore) RebuildJobsIndex(ctx context.Context, id string) (*experiment.JobsIndex, error) {
	jobs, err := es.jobs.ListByExperiment(ctx, id)
	if err != nil {
		return nil, err
	}
	idx := &experiment.JobsIndex{
		ExperimentID: id,
		JobsByType:   map[string][]string{},
		RebuiltAt:    time.Now().UTC(),
	}
	for _, j := range jobs {
		t := string(j.Type)
		idx.JobsByType[t] = append(idx.JobsByType[t], j.ID)
	}
	if err := es.store.WriteAux(ctx, KindExperiments, id, jobsIndexName, idx); err != nil {
		return nil, err
	}
	return idx, nil
}

// AddJobToIndex appends a job id to the cached index, best-effort. Failures
// are tolerable because the index is rebuildable.
func (es *ExperimentStore) AddJobToIndex(ctx context.Context, experimentID, jobID, jobType string) {
	idx, err := es.JobsIndex(ctx, experimentID, false)
	if err != nil {
		log.Printf("experiment %s: index update skipped: %v", experimentID, err)
		return
	}
	for _, existing := range idx.JobsByType[jobType] {
		if existing == jobID {
			return
		}
	}
	idx.JobsByType[jobType] = append(idx.JobsByType[jobType], jobID)
	if err := es.store.WriteAux(ctx, KindExperiments, experimentID, jobsIndexName, idx); err != nil {
		log.Printf("experiment %s: index write skipped: %v", experimentID, err)
	}
}
