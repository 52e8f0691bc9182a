package providers

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/forgeml/forge/internal/domain/provider"
)

// BatchRESTClient drives an HPC batch scheduler through its REST daemon
// (slurmrestd-style endpoints). The "cluster" is the scheduler partition.
type BatchRESTClient struct {
	name      string
	partition string
	rest      *restClient
}

// NewBatchRESTClient validates the config and builds the client.
func NewBatchRESTClient(name string, cfg provider.Config) (*BatchRESTClient, error) {
	if cfg.ServerURL == "" {
		return nil, fmt.Errorf("batch scheduler %q: server_url is required in rest mode", name)
	}
	headers := map[string]string{}
	if cfg.Token != "" {
		headers["X-SLURM-USER-TOKEN"] = cfg.Token
	}
	return &BatchRESTClient{
		name:      name,
		partition: cfg.Partition,
		rest:      newRESTClient(name, cfg.ServerURL, headers),
	}, nil
}

func batchState(s string) ClusterStatus {
	switch strings.ToUpper(s) {
	case "IDLE", "MIXED", "ALLOCATED", "UP":
		return ClusterRunning
	case "DOWN", "DRAINED":
		return ClusterStopped
	case "FAIL", "FAILING", "ERROR":
		return ClusterFailed
	default:
		return ClusterUnknown
	}
}

func (c *BatchRESTClient) partitionName(clusterName string) string {
	if c.partition != "" {
		return c.partition
	}
	return clusterName
}

// LaunchCluster is a no-op for batch schedulers: the partition already
// exists. It answers with the partition's current state.
func (c *BatchRESTClient) LaunchCluster(ctx context.Context, req LaunchClusterRequest) (*ClusterInfo, error) {
	return c.GetClusterStatus(ctx, req.ClusterName)
}

func (c *BatchRESTClient) GetClusterStatus(ctx context.Context, clusterName string) (*ClusterInfo, error) {
	var out struct {
		Partitions []struct {
			Name  string `json:"name"`
			State string `json:"state"`
		} `json:"partitions"`
	}
	if err := c.rest.doJSON(ctx, "GetClusterStatus", http.MethodGet, "/slurm/v0.0.39/partitions", nil, &out); err != nil {
		return nil, err
	}
	want := c.partitionName(clusterName)
	for _, p := range out.Partitions {
		if p.Name == want {
			return &ClusterInfo{Name: clusterName, Status: batchState(p.State), Message: "partition " + p.State}, nil
		}
	}
	return &ClusterInfo{Name: clusterName, Status: ClusterUnknown, Message: "partition not listed"}, nil
}

func (c *BatchRESTClient) GetClusterResources(ctx context.Context, clusterName string) (*ClusterResources, error) {
	var out struct {
		Nodes []struct {
			CPUs     int `json:"cpus"`
			IdleCPUs int `json:"idle_cpus"`
		} `json:"nodes"`
	}
	if err := c.rest.doJSON(ctx, "GetClusterResources", http.MethodGet, "/slurm/v0.0.39/nodes", nil, &out); err != nil {
		return nil, err
	}
	res := &ClusterResources{}
	for _, n := range out.Nodes {
		res.Total.CPUs += n.CPUs
		res.Available.CPUs += n.IdleCPUs
		res.Total.NumNodes++
	}
	res.Available.NumNodes = res.Total.NumNodes
	return res, nil
}

func (c *BatchRESTClient) SubmitJob(ctx context.Context, req SubmitJobRequest) (*JobHandle, error) {
	script := "#!/bin/bash\n" + req.Command + "\n"
	env := make([]string, 0, len(req.EnvVars))
	for k, v := range req.EnvVars {
		env = append(env, k+"="+v)
	}
	body := map[string]any{
		"script": script,
		"job": map[string]any{
			"name":        req.JobID,
			"partition":   c.partitionName(req.ClusterName),
			"tasks":       1,
			"nodes":       max(req.Resources.NumNodes, 1),
			"cpus_per_task": max(req.Resources.CPUs, 1),
			"environment": env,
			"current_working_directory": req.WorkDir,
		},
	}
	var out struct {
		JobID int `json:"job_id"`
	}
	if err := c.rest.doJSON(ctx, "SubmitJob", http.MethodPost, "/slurm/v0.0.39/job/submit", body, &out); err != nil {
		return nil, err
	}
	return &JobHandle{ProviderJobID: fmt.Sprint(out.JobID)}, nil
}

func (c *BatchRESTClient) ListJobs(ctx context.Context, clusterName string) ([]JobSummary, error) {
	var out struct {
		Jobs []struct {
			JobID      int    `json:"job_id"`
			Name       string `json:"name"`
			JobState   string `json:"job_state"`
			SubmitTime int64  `json:"submit_time"`
			Partition  string `json:"partition"`
		} `json:"jobs"`
	}
	if err := c.rest.doJSON(ctx, "ListJobs", http.MethodGet, "/slurm/v0.0.39/jobs", nil, &out); err != nil {
		return nil, err
	}
	want := c.partitionName(clusterName)
	var jobs []JobSummary
	for _, j := range out.Jobs {
		if j.Partition != want {
			continue
		}
		jobs = append(jobs, JobSummary{
			ProviderJobID: fmt.Sprint(j.JobID),
			Name:          j.Name,
			State:         j.JobState,
			SubmittedAt:   j.SubmitTime,
		})
	}
	return jobs, nil
}

// GetJobLogs reads the job's stdout file through the scheduler; schedulers
// without that endpoint report an empty log rather than an error.
func (c *BatchRESTClient) GetJobLogs(ctx context.Context, req JobLogsRequest) (string, error) {
	var out struct {
		Output string `json:"output"`
	}
	path := "/slurm/v0.0.39/job/" + req.ProviderJobID + "/output"
	if err := c.rest.doJSON(ctx, "GetJobLogs", http.MethodGet, path, nil, &out); err != nil {
		return "", err
	}
	return out.Output, nil
}

func (c *BatchRESTClient) CancelJob(ctx context.Context, clusterName, providerJobID string) error {
	return c.rest.doJSON(ctx, "CancelJob", http.MethodDelete, "/slurm/v0.0.39/job/"+providerJobID, nil, nil)
}

// StopCluster is not meaningful for a shared batch partition; it succeeds
// without side effects.
func (c *BatchRESTClient) StopCluster(ctx context.Context, clusterName string) error {
	return nil
}
