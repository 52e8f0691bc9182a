package providers

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/forgeml/forge/internal/domain/provider"
)

// BrokerClient talks to a cloud-cluster broker over its REST API: a service
// that provisions and tears down managed clusters and forwards jobs to them.
type BrokerClient struct {
	name string
	rest *restClient
}

// NewBrokerClient validates the config and builds the client. Construction
// fails loudly on missing connection settings so a misconfigured provider is
// distinguishable from a transient network failure.
func NewBrokerClient(name string, cfg provider.Config) (*BrokerClient, error) {
	if cfg.ServerURL == "" {
		return nil, fmt.Errorf("cluster broker %q: server_url is required", name)
	}
	headers := map[string]string{}
	if cfg.Token != "" {
		headers["Authorization"] = "Bearer " + cfg.Token
	}
	return &BrokerClient{name: name, rest: newRESTClient(name, cfg.ServerURL, headers)}, nil
}

type brokerCluster struct {
	Name      string `json:"name"`
	Status    string `json:"status"`
	StatusMsg string `json:"status_message"`
	CPUs      int    `json:"cpus"`
	Memory    string `json:"memory"`
	GPUs      string `json:"accelerators"`
	NumNodes  int    `json:"num_nodes"`
	FreeCPUs  int    `json:"free_cpus"`
}

func brokerStatus(s string) ClusterStatus {
	switch strings.ToUpper(s) {
	case "INIT", "PENDING":
		return ClusterPending
	case "LAUNCHING", "PROVISIONING":
		return ClusterLaunching
	case "UP", "RUNNING":
		return ClusterRunning
	case "STOPPED", "DOWN":
		return ClusterStopped
	case "FAILED", "ERROR":
		return ClusterFailed
	default:
		return ClusterUnknown
	}
}

func (c *BrokerClient) LaunchCluster(ctx context.Context, req LaunchClusterRequest) (*ClusterInfo, error) {
	var out brokerCluster
	body := map[string]any{
		"name":         req.ClusterName,
		"cpus":         req.Resources.CPUs,
		"memory":       req.Resources.Memory,
		"accelerators": req.Resources.Accelerators,
		"num_nodes":    req.Resources.NumNodes,
		"env_vars":     req.EnvVars,
	}
	if err := c.rest.doJSON(ctx, "LaunchCluster", http.MethodPost, "/api/v1/clusters", body, &out); err != nil {
		return nil, err
	}
	return &ClusterInfo{Name: out.Name, Status: brokerStatus(out.Status), Message: out.StatusMsg}, nil
}

func (c *BrokerClient) GetClusterStatus(ctx context.Context, clusterName string) (*ClusterInfo, error) {
	var out brokerCluster
	if err := c.rest.doJSON(ctx, "GetClusterStatus", http.MethodGet, "/api/v1/clusters/"+clusterName, nil, &out); err != nil {
		return nil, err
	}
	return &ClusterInfo{Name: clusterName, Status: brokerStatus(out.Status), Message: out.StatusMsg}, nil
}

func (c *BrokerClient) GetClusterResources(ctx context.Context, clusterName string) (*ClusterResources, error) {
	var out brokerCluster
	if err := c.rest.doJSON(ctx, "GetClusterResources", http.MethodGet, "/api/v1/clusters/"+clusterName+"/resources", nil, &out); err != nil {
		return nil, err
	}
	total := ResourceShape{CPUs: out.CPUs, Memory: out.Memory, Accelerators: out.GPUs, NumNodes: out.NumNodes}
	avail := total
	avail.CPUs = out.FreeCPUs
	return &ClusterResources{Total: total, Available: avail}, nil
}

type brokerJob struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	State       string `json:"state"`
	SubmittedAt int64  `json:"submitted_at"`
}

func (c *BrokerClient) SubmitJob(ctx context.Context, req SubmitJobRequest) (*JobHandle, error) {
	var out brokerJob
	body := map[string]any{
		"name":     req.JobID,
		"command":  req.Command,
		"env_vars": req.EnvVars,
		"cpus":     req.Resources.CPUs,
		"memory":   req.Resources.Memory,
		"gpus":     req.Resources.Accelerators,
		"nodes":    req.Resources.NumNodes,
	}
	if req.Mount != nil {
		body["mount"] = map[string]string{"source": req.Mount.Source, "target": req.Mount.Target}
	}
	path := "/api/v1/clusters/" + req.ClusterName + "/jobs"
	if err := c.rest.doJSON(ctx, "SubmitJob", http.MethodPost, path, body, &out); err != nil {
		return nil, err
	}
	return &JobHandle{ProviderJobID: out.ID}, nil
}

func (c *BrokerClient) ListJobs(ctx context.Context, clusterName string) ([]JobSummary, error) {
	var out []brokerJob
	if err := c.rest.doJSON(ctx, "ListJobs", http.MethodGet, "/api/v1/clusters/"+clusterName+"/jobs", nil, &out); err != nil {
		return nil, err
	}
	jobs := make([]JobSummary, 0, len(out))
	for _, j := range out {
		jobs = append(jobs, JobSummary{ProviderJobID: j.ID, Name: j.Name, State: j.State, SubmittedAt: j.SubmittedAt})
	}
	return jobs, nil
}

func (c *BrokerClient) GetJobLogs(ctx context.Context, req JobLogsRequest) (string, error) {
	var out struct {
		Logs string `json:"logs"`
	}
	path := fmt.Sprintf("/api/v1/clusters/%s/jobs/%s/logs?tail=%d", req.ClusterName, req.ProviderJobID, req.TailLines)
	if err := c.rest.doJSON(ctx, "GetJobLogs", http.MethodGet, path, nil, &out); err != nil {
		return "", err
	}
	return out.Logs, nil
}

func (c *BrokerClient) CancelJob(ctx context.Context, clusterName, providerJobID string) error {
	path := fmt.Sprintf("/api/v1/clusters/%s/jobs/%s", clusterName, providerJobID)
	return c.rest.doJSON(ctx, "CancelJob", http.MethodDelete, path, nil, nil)
}

func (c *BrokerClient) StopCluster(ctx context.Context, clusterName string) error {
	return c.rest.doJSON(ctx, "StopCluster", http.MethodPost, "/api/v1/clusters/"+clusterName+"/stop", nil, nil)
}
