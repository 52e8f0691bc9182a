package providers

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"

	"github.com/forgeml/forge/internal/domain/apperr"
	"github.com/forgeml/forge/internal/domain/provider"
)

// LocalProvider runs jobs as subprocesses on the control plane host. The
// "cluster" is the machine itself; cluster operations answer from local
// facts.
type LocalProvider struct {
	name    string
	workDir string

	mu   sync.Mutex
	jobs map[string]*localJob
}

type localJob struct {
	cmd     *exec.Cmd
	logPath string
	done    chan struct{}
	state   string
}

// NewLocalProvider builds the local backend. workDir defaults to a
// directory under the OS temp dir.
func NewLocalProvider(name string, cfg provider.Config) (*LocalProvider, error) {
	workDir := filepath.Join(os.TempDir(), "forge-local")
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, fmt.Errorf("create local workdir: %w", err)
	}
	return &LocalProvider{name: name, workDir: workDir, jobs: map[string]*localJob{}}, nil
}

func (p *LocalProvider) LaunchCluster(ctx context.Context, req LaunchClusterRequest) (*ClusterInfo, error) {
	return &ClusterInfo{Name: req.ClusterName, Status: ClusterRunning, Message: "local machine"}, nil
}

func (p *LocalProvider) GetClusterStatus(ctx context.Context, clusterName string) (*ClusterInfo, error) {
	return &ClusterInfo{Name: clusterName, Status: ClusterRunning, Message: "local machine"}, nil
}

func (p *LocalProvider) GetClusterResources(ctx context.Context, clusterName string) (*ClusterResources, error) {
	shape := ResourceShape{CPUs: runtime.NumCPU(), NumNodes: 1}
	return &ClusterResources{Total: shape, Available: shape}, nil
}

func (p *LocalProvider) SubmitJob(ctx context.Context, req SubmitJobRequest) (*JobHandle, error) {
	logPath := filepath.Join(p.workDir, req.JobID+".log")
	logFile, err := os.Create(logPath)
	if err != nil {
		return nil, &apperr.ProviderCallFailedError{Op: "SubmitJob", Provider: p.name, Cause: err}
	}

	cmd := exec.Command("sh", "-c", req.Command)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Env = os.Environ()
	for k, v := range req.EnvVars {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	if req.WorkDir != "" {
		cmd.Dir = req.WorkDir
	}

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return nil, &apperr.ProviderCallFailedError{Op: "SubmitJob", Provider: p.name, Cause: err}
	}

	lj := &localJob{cmd: cmd, logPath: logPath, done: make(chan struct{}), state: "RUNNING"}
	p.mu.Lock()
	p.jobs[req.JobID] = lj
	p.mu.Unlock()

	go func() {
		defer logFile.Close()
		err := cmd.Wait()
		p.mu.Lock()
		if err != nil {
			lj.state = "FAILED"
		} else {
			lj.state = "COMPLETED"
		}
		p.mu.Unlock()
		close(lj.done)
	}()

	return &JobHandle{ProviderJobID: strconv.Itoa(cmd.Process.Pid)}, nil
}

func (p *LocalProvider) ListJobs(ctx context.Context, clusterName string) ([]JobSummary, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]JobSummary, 0, len(p.jobs))
	for id, lj := range p.jobs {
		out = append(out, JobSummary{ProviderJobID: strconv.Itoa(lj.cmd.Process.Pid), Name: id, State: lj.state})
	}
	return out, nil
}

func (p *LocalProvider) GetJobLogs(ctx context.Context, req JobLogsRequest) (string, error) {
	p.mu.Lock()
	var logPath string
	for _, lj := range p.jobs {
		if strconv.Itoa(lj.cmd.Process.Pid) == req.ProviderJobID {
			logPath = lj.logPath
			break
		}
	}
	p.mu.Unlock()
	if logPath == "" {
		return "", apperr.NotFoundf("local job %s", req.ProviderJobID)
	}
	data, err := os.ReadFile(logPath)
	if err != nil {
		return "", &apperr.ProviderCallFailedError{Op: "GetJobLogs", Provider: p.name, Cause: err}
	}
	return string(data), nil
}

func (p *LocalProvider) CancelJob(ctx context.Context, clusterName, providerJobID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, lj := range p.jobs {
		if strconv.Itoa(lj.cmd.Process.Pid) == providerJobID {
			if lj.state == "RUNNING" {
				lj.state = "CANCELLED"
				return lj.cmd.Process.Kill()
			}
			return nil
		}
	}
	return apperr.NotFoundf("local job %s", providerJobID)
}

func (p *LocalProvider) StopCluster(ctx context.Context, clusterName string) error {
	// nothing to stop; the machine stays up
	return nil
}
