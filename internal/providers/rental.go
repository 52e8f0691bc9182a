package providers

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/forgeml/forge/internal/domain/provider"
)

// RentalClient talks to a GPU-rental marketplace API. A "cluster" maps to a
// rented instance (or pod) identified by name; jobs run as commands on it.
type RentalClient struct {
	name         string
	region       string
	instanceType string
	rest         *restClient
}

// NewRentalClient validates the config and builds the client.
func NewRentalClient(name string, cfg provider.Config) (*RentalClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gpu rental %q: api_key is required", name)
	}
	baseURL := cfg.ServerURL
	if baseURL == "" {
		baseURL = "https://api.runpod.io/v2"
	}
	return &RentalClient{
		name:         name,
		region:       cfg.Region,
		instanceType: cfg.InstanceType,
		rest:         newRESTClient(name, baseURL, map[string]string{"Authorization": "Bearer " + cfg.APIKey}),
	}, nil
}

type rentalInstance struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	DesiredStatus string `json:"desiredStatus"`
	GPUCount      int    `json:"gpuCount"`
	VCPUCount     int    `json:"vcpuCount"`
	MemoryInGB    int    `json:"memoryInGb"`
}

func rentalStatus(s string) ClusterStatus {
	switch strings.ToUpper(s) {
	case "CREATED", "PENDING":
		return ClusterPending
	case "STARTING":
		return ClusterLaunching
	case "RUNNING":
		return ClusterRunning
	case "EXITED", "TERMINATED", "STOPPED":
		return ClusterStopped
	case "FAILED", "DEAD":
		return ClusterFailed
	default:
		return ClusterUnknown
	}
}

func (c *RentalClient) LaunchCluster(ctx context.Context, req LaunchClusterRequest) (*ClusterInfo, error) {
	body := map[string]any{
		"name":         req.ClusterName,
		"region":       c.region,
		"instanceType": c.instanceType,
		"gpuCount":     max(req.Resources.NumNodes, 1),
	}
	var out rentalInstance
	if err := c.rest.doJSON(ctx, "LaunchCluster", http.MethodPost, "/pods", body, &out); err != nil {
		return nil, err
	}
	return &ClusterInfo{Name: req.ClusterName, Status: rentalStatus(out.DesiredStatus)}, nil
}

func (c *RentalClient) GetClusterStatus(ctx context.Context, clusterName string) (*ClusterInfo, error) {
	var out rentalInstance
	if err := c.rest.doJSON(ctx, "GetClusterStatus", http.MethodGet, "/pods/"+clusterName, nil, &out); err != nil {
		return nil, err
	}
	return &ClusterInfo{Name: clusterName, Status: rentalStatus(out.DesiredStatus)}, nil
}

func (c *RentalClient) GetClusterResources(ctx context.Context, clusterName string) (*ClusterResources, error) {
	var out rentalInstance
	if err := c.rest.doJSON(ctx, "GetClusterResources", http.MethodGet, "/pods/"+clusterName, nil, &out); err != nil {
		return nil, err
	}
	shape := ResourceShape{
		CPUs:         out.VCPUCount,
		Memory:       fmt.Sprintf("%dGi", out.MemoryInGB),
		Accelerators: fmt.Sprint(out.GPUCount),
		NumNodes:     1,
	}
	return &ClusterResources{Total: shape, Available: shape}, nil
}

type rentalRun struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

func (c *RentalClient) SubmitJob(ctx context.Context, req SubmitJobRequest) (*JobHandle, error) {
	body := map[string]any{
		"input": map[string]any{
			"command": req.Command,
			"env":     req.EnvVars,
		},
	}
	var out rentalRun
	if err := c.rest.doJSON(ctx, "SubmitJob", http.MethodPost, "/pods/"+req.ClusterName+"/run", body, &out); err != nil {
		return nil, err
	}
	return &JobHandle{ProviderJobID: out.ID}, nil
}

func (c *RentalClient) ListJobs(ctx context.Context, clusterName string) ([]JobSummary, error) {
	var out struct {
		Runs []rentalRun `json:"runs"`
	}
	if err := c.rest.doJSON(ctx, "ListJobs", http.MethodGet, "/pods/"+clusterName+"/runs", nil, &out); err != nil {
		return nil, err
	}
	jobs := make([]JobSummary, 0, len(out.Runs))
	for _, r := range out.Runs {
		jobs = append(jobs, JobSummary{ProviderJobID: r.ID, State: r.Status})
	}
	return jobs, nil
}

func (c *RentalClient) GetJobLogs(ctx context.Context, req JobLogsRequest) (string, error) {
	var out struct {
		Logs string `json:"logs"`
	}
	path := fmt.Sprintf("/pods/%s/runs/%s/logs", req.ClusterName, req.ProviderJobID)
	if err := c.rest.doJSON(ctx, "GetJobLogs", http.MethodGet, path, nil, &out); err != nil {
		return "", err
	}
	return out.Logs, nil
}

func (c *RentalClient) CancelJob(ctx context.Context, clusterName, providerJobID string) error {
	path := fmt.Sprintf("/pods/%s/runs/%s/cancel", clusterName, providerJobID)
	return c.rest.doJSON(ctx, "CancelJob", http.MethodPost, path, nil, nil)
}

func (c *RentalClient) StopCluster(ctx context.Context, clusterName string) error {
	return c.rest.doJSON(ctx, "StopCluster", http.MethodPost, "/pods/"+clusterName+"/stop", nil, nil)
}
