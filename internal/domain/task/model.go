package task

import "time"

// Task is a reusable launch template. Jobs are instantiated from tasks but
// stay independent once created; editing a task never rewrites past jobs.
type Task struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Type         string         `json:"type"`
	Plugin       string         `json:"plugin"`
	Inputs       map[string]any `json:"inputs,omitempty"`
	Config       map[string]any `json:"config,omitempty"`
	Outputs      map[string]any `json:"outputs,omitempty"`
	ExperimentID string         `json:"experiment_id,omitempty"`
	RemoteTask   bool           `json:"remote_task"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}
