package providers

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/forgeml/forge/internal/domain/apperr"
	"github.com/forgeml/forge/internal/domain/provider"
)

const sshDialTimeout = 30 * time.Second

// BatchSSHClient drives an HPC batch scheduler by running its command-line
// tools (sbatch/squeue/scancel) over SSH. Every call opens a session bounded
// by the caller's context, because SSH-backed schedulers are the ones that
// hang.
type BatchSSHClient struct {
	name      string
	addr      string
	partition string
	sshConfig *ssh.ClientConfig
}

// NewBatchSSHClient parses the private key up front so bad credentials fail
// at construction, not at first use.
func NewBatchSSHClient(name string, cfg provider.Config) (*BatchSSHClient, error) {
	if cfg.SSHHost == "" || cfg.SSHUser == "" {
		return nil, fmt.Errorf("batch scheduler %q: ssh_host and ssh_user are required in ssh mode", name)
	}
	keyData, err := os.ReadFile(cfg.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("batch scheduler %q: read private key: %w", name, err)
	}
	signer, err := ssh.ParsePrivateKey(keyData)
	if err != nil {
		return nil, fmt.Errorf("batch scheduler %q: parse private key: %w", name, err)
	}

	port := cfg.SSHPort
	if port == 0 {
		port = 22
	}
	return &BatchSSHClient{
		name:      name,
		addr:      fmt.Sprintf("%s:%d", cfg.SSHHost, port),
		partition: cfg.Partition,
		sshConfig: &ssh.ClientConfig{
			User:            cfg.SSHUser,
			Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
			HostKeyCallback: ssh.InsecureIgnoreHostKey(),
			Timeout:         sshDialTimeout,
		},
	}, nil
}

// run executes one remote command. The connection is torn down when the
// context expires so a wedged scheduler cannot pin the caller.
func (c *BatchSSHClient) run(ctx context.Context, op, command string) (string, error) {
	conn, err := ssh.Dial("tcp", c.addr, c.sshConfig)
	if err != nil {
		return "", &apperr.ProviderCallFailedError{Op: op, Provider: c.name, Retryable: true, Cause: err}
	}
	defer conn.Close()

	session, err := conn.NewSession()
	if err != nil {
		return "", &apperr.ProviderCallFailedError{Op: op, Provider: c.name, Retryable: true, Cause: err}
	}
	defer session.Close()

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()
	defer close(done)

	out, err := session.CombinedOutput(command)
	if ctx.Err() != nil {
		return "", &apperr.ProviderCallFailedError{Op: op, Provider: c.name, Retryable: true, Cause: ctx.Err()}
	}
	if err != nil {
		return "", &apperr.ProviderCallFailedError{
			Op: op, Provider: c.name,
			Cause: fmt.Errorf("%w: %s", err, strings.TrimSpace(string(out))),
		}
	}
	return string(out), nil
}

func (c *BatchSSHClient) partitionName(clusterName string) string {
	if c.partition != "" {
		return c.partition
	}
	return clusterName
}

func (c *BatchSSHClient) LaunchCluster(ctx context.Context, req LaunchClusterRequest) (*ClusterInfo, error) {
	return c.GetClusterStatus(ctx, req.ClusterName)
}

func (c *BatchSSHClient) GetClusterStatus(ctx context.Context, clusterName string) (*ClusterInfo, error) {
	part := c.partitionName(clusterName)
	out, err := c.run(ctx, "GetClusterStatus", fmt.Sprintf("sinfo -h -p %s -o %%a", part))
	if err != nil {
		return nil, err
	}
	state := strings.TrimSpace(out)
	status := ClusterUnknown
	switch strings.ToLower(state) {
	case "up":
		status = ClusterRunning
	case "down", "inact", "inactive":
		status = ClusterStopped
	}
	return &ClusterInfo{Name: clusterName, Status: status, Message: "partition " + state}, nil
}

func (c *BatchSSHClient) GetClusterResources(ctx context.Context, clusterName string) (*ClusterResources, error) {
	part := c.partitionName(clusterName)
	out, err := c.run(ctx, "GetClusterResources", fmt.Sprintf("sinfo -h -p %s -o %%C", part))
	if err != nil {
		return nil, err
	}
	// %C prints allocated/idle/other/total CPUs
	fields := strings.Split(strings.TrimSpace(out), "/")
	res := &ClusterResources{}
	if len(fields) == 4 {
		fmt.Sscanf(fields[1], "%d", &res.Available.CPUs)
		fmt.Sscanf(fields[3], "%d", &res.Total.CPUs)
	}
	return res, nil
}

func (c *BatchSSHClient) SubmitJob(ctx context.Context, req SubmitJobRequest) (*JobHandle, error) {
	var exports []string
	for k, v := range req.EnvVars {
		exports = append(exports, fmt.Sprintf("%s=%s", k, v))
	}
	sort.Strings(exports)

	cmd := fmt.Sprintf("sbatch --parsable --job-name=%s --partition=%s", req.JobID, c.partitionName(req.ClusterName))
	if req.Resources.NumNodes > 0 {
		cmd += fmt.Sprintf(" --nodes=%d", req.Resources.NumNodes)
	}
	if req.Resources.CPUs > 0 {
		cmd += fmt.Sprintf(" --cpus-per-task=%d", req.Resources.CPUs)
	}
	if len(exports) > 0 {
		cmd += " --export=ALL," + strings.Join(exports, ",")
	}
	cmd += fmt.Sprintf(" --wrap=%q", req.Command)

	out, err := c.run(ctx, "SubmitJob", cmd)
	if err != nil {
		return nil, err
	}
	// --parsable prints "<jobid>[;cluster]"
	id := strings.TrimSpace(strings.SplitN(out, ";", 2)[0])
	if id == "" {
		return nil, &apperr.ProviderCallFailedError{Op: "SubmitJob", Provider: c.name, Cause: fmt.Errorf("sbatch returned no job id")}
	}
	return &JobHandle{ProviderJobID: id}, nil
}

func (c *BatchSSHClient) ListJobs(ctx context.Context, clusterName string) ([]JobSummary, error) {
	part := c.partitionName(clusterName)
	out, err := c.run(ctx, "ListJobs", fmt.Sprintf("squeue -h -p %s -o %%i|%%j|%%T", part))
	if err != nil {
		return nil, err
	}
	var jobs []JobSummary
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line == "" {
			continue
		}
		fields := strings.SplitN(line, "|", 3)
		if len(fields) != 3 {
			continue
		}
		jobs = append(jobs, JobSummary{ProviderJobID: fields[0], Name: fields[1], State: fields[2]})
	}
	return jobs, nil
}

func (c *BatchSSHClient) GetJobLogs(ctx context.Context, req JobLogsRequest) (string, error) {
	tail := req.TailLines
	if tail <= 0 {
		tail = 1000
	}
	return c.run(ctx, "GetJobLogs", fmt.Sprintf("tail -n %d slurm-%s.out", tail, req.ProviderJobID))
}

func (c *BatchSSHClient) CancelJob(ctx context.Context, clusterName, providerJobID string) error {
	_, err := c.run(ctx, "CancelJob", "scancel "+providerJobID)
	return err
}

// StopCluster is not meaningful for a shared batch partition.
func (c *BatchSSHClient) StopCluster(ctx context.Context, clusterName string) error {
	return nil
}
