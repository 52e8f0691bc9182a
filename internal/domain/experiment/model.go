package experiment

import "time"

// Experiment groups jobs and carries free-form configuration.
type Experiment struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Config    map[string]any `json:"config,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// JobsIndex is the per-experiment secondary index document, partitioned by
// job type. It is a cache over the authoritative job documents and is
// rebuilt whenever it is missing, corrupt, or explicitly requested.
type JobsIndex struct {
	ExperimentID string              `json:"experiment_id"`
	JobsByType   map[string][]string `json:"jobs_by_type"`
	RebuiltAt    time.Time           `json:"rebuilt_at"`
}
