package providers

import (
	"context"
)

// ClusterStatus is the uniform status enum reported for clusters across all
// backend kinds.
type ClusterStatus string

const (
	ClusterPending   ClusterStatus = "PENDING"
	ClusterLaunching ClusterStatus = "LAUNCHING"
	ClusterRunning   ClusterStatus = "RUNNING"
	ClusterStopped   ClusterStatus = "STOPPED"
	ClusterFailed    ClusterStatus = "FAILED"
	ClusterUnknown   ClusterStatus = "UNKNOWN"
)

// ResourceShape is the requested or available compute shape.
type ResourceShape struct {
	CPUs         int    `json:"cpus"`
	Memory       string `json:"memory"`
	Accelerators string `json:"accelerators"`
	NumNodes     int    `json:"num_nodes"`
}

// LaunchClusterRequest asks a backend to bring up a named cluster.
type LaunchClusterRequest struct {
	ClusterName string            `json:"cluster_name"`
	Resources   ResourceShape     `json:"resources"`
	EnvVars     map[string]string `json:"env_vars,omitempty"`
}

// ClusterInfo describes a launched or existing cluster.
type ClusterInfo struct {
	Name    string        `json:"name"`
	Status  ClusterStatus `json:"status"`
	Message string        `json:"message,omitempty"`
}

// ClusterResources reports what a cluster currently offers.
type ClusterResources struct {
	Total     ResourceShape `json:"total"`
	Available ResourceShape `json:"available"`
}

// FileMount instructs the backend to stage a local path onto the remote
// workdir before the command runs.
type FileMount struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

// SubmitJobRequest dispatches one command to a cluster.
type SubmitJobRequest struct {
	JobID       string            `json:"job_id"`
	ClusterName string            `json:"cluster_name"`
	Command     string            `json:"command"`
	Resources   ResourceShape     `json:"resources"`
	EnvVars     map[string]string `json:"env_vars,omitempty"`
	Mount       *FileMount        `json:"mount,omitempty"`
	WorkDir     string            `json:"work_dir,omitempty"`
}

// JobHandle identifies a dispatched job on the backend.
type JobHandle struct {
	ProviderJobID string `json:"provider_job_id"`
	Message       string `json:"message,omitempty"`
}

// JobSummary is one row of a backend job listing.
type JobSummary struct {
	ProviderJobID string `json:"provider_job_id"`
	Name          string `json:"name"`
	State         string `json:"state"`
	SubmittedAt   int64  `json:"submitted_at,omitempty"`
}

// JobLogsRequest fetches log output for one dispatched job.
type JobLogsRequest struct {
	ClusterName   string `json:"cluster_name"`
	ProviderJobID string `json:"provider_job_id"`
	TailLines     int    `json:"tail_lines,omitempty"`
}

// Provider is the single capability interface every backend implements.
// Implementations translate their native failures into the apperr taxonomy
// and never let SDK error types cross this boundary.
type Provider interface {
	LaunchCluster(ctx context.Context, req LaunchClusterRequest) (*ClusterInfo, error)
	GetClusterStatus(ctx context.Context, clusterName string) (*ClusterInfo, error)
	GetClusterResources(ctx context.Context, clusterName string) (*ClusterResources, error)
	SubmitJob(ctx context.Context, req SubmitJobRequest) (*JobHandle, error)
	ListJobs(ctx context.Context, clusterName string) ([]JobSummary, error)
	GetJobLogs(ctx context.Context, req JobLogsRequest) (string, error)
	CancelJob(ctx context.Context, clusterName, providerJobID string) error
	StopCluster(ctx context.Context, clusterName string) error
}
