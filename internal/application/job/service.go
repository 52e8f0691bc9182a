package job

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/forgeml/forge/internal/domain/apperr"
	"github.com/forgeml/forge/internal/domain/job"
	"github.com/forgeml/forge/internal/providers"
	"github.com/forgeml/forge/internal/quota"
	"github.com/forgeml/forge/internal/store"
)

// LaunchRequest is the inbound launch record handed over by the web layer.
type LaunchRequest struct {
	// set by the sweep orchestrator, never by clients
	ID            string         `json:"-"`
	SweepParentID string         `json:"-"`
	SweepParams   map[string]any `json:"-"`

	JobType          string                  `json:"job_type"`
	ExperimentID     string                  `json:"experiment_id"`
	TaskID           string                  `json:"task_id"`
	ClusterName      string                  `json:"cluster_name"`
	Command          string                  `json:"command"`
	Resources        providers.ResourceShape `json:"resources"`
	EnvVars          map[string]string       `json:"env_vars"`
	Mount            *providers.FileMount    `json:"mount,omitempty"`
	ProviderName     string                  `json:"provider_name"`
	MinutesRequested int64                   `json:"minutes_requested"`
	Plugin           string                  `json:"plugin,omitempty"`
	Config           map[string]any          `json:"config,omitempty"`

	SweepConfig   map[string][]any `json:"sweep_config,omitempty"`
	SweepMetric   string           `json:"sweep_metric,omitempty"`
	LowerIsBetter bool             `json:"lower_is_better"`
}

// Service is the orchestration entry point: it owns the job state machine,
// consults the quota ledger before dispatch, and routes work to providers.
type Service struct {
	jobs        *store.JobStore
	tasks       *store.TaskStore
	experiments *store.ExperimentStore
	router      *providers.Router
	ledger      *quota.Ledger

	clock func() time.Time

	mu       sync.Mutex
	jobLocks map[string]*sync.Mutex

	// onTerminal is invoked after a job reaches a terminal state. The sweep
	// orchestrator hooks in here.
	onTerminal func(ctx context.Context, j *job.Job)
}

// NewService wires the scheduler.
func NewService(jobs *store.JobStore, tasks *store.TaskStore, experiments *store.ExperimentStore,
	router *providers.Router, ledger *quota.Ledger) *Service {
	return &Service{
		jobs:        jobs,
		tasks:       tasks,
		experiments: experiments,
		router:      router,
		ledger:      ledger,
		clock:       time.Now,
		jobLocks:    map[string]*sync.Mutex{},
	}
}

// SetClock overrides the wall clock, for tests.
func (s *Service) SetClock(now func() time.Time) { s.clock = now }

// OnTerminal registers the terminal-transition hook.
func (s *Service) OnTerminal(fn func(ctx context.Context, j *job.Job)) { s.onTerminal = fn }

// jobLock serializes state transitions for a single job.
func (s *Service) jobLock(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.jobLocks[id]
	if !ok {
		m = &sync.Mutex{}
		s.jobLocks[id] = m
	}
	return m
}

// Launch creates a job and dispatches it. Remote targets reserve quota
// first; a denied admission leaves the job in FAILED with a readable reason
// and never reaches the provider.
func (s *Service) Launch(ctx context.Context, userID, teamID uint, req LaunchRequest) (*job.Job, error) {
	jobType := job.JobType(req.JobType)
	if jobType == "" {
		jobType = job.JobTypeRemote
	}
	if req.ProviderName == "" {
		req.ProviderName = "local"
	}

	id := req.ID
	if id == "" {
		id = uuid.New().String()
	}
	j := &job.Job{
		ID:           id,
		Type:         jobType,
		Status:       job.StatusCreated,
		ExperimentID: req.ExperimentID,
		TeamID:       teamID,
		UserID:       userID,
		JobData: job.JobData{
			job.DataClusterName:  req.ClusterName,
			job.DataProviderName: req.ProviderName,
		},
	}
	if req.Plugin != "" {
		j.JobData[job.DataPlugin] = req.Plugin
	}
	if req.Config != nil {
		j.JobData["config"] = req.Config
	}
	if req.SweepParentID != "" {
		j.JobData[job.DataSweepParentID] = req.SweepParentID
		if req.SweepParams != nil {
			j.JobData[job.DataSweepParams] = req.SweepParams
		}
	}

	// Launch parameters come either inline or from a task template; the job
	// is independent of the task once created.
	command := req.Command
	if req.TaskID != "" {
		t, err := s.tasks.Get(ctx, req.TaskID)
		if err != nil {
			return nil, fmt.Errorf("resolve task %s: %w", req.TaskID, err)
		}
		j.JobData[job.DataTaskName] = t.Name
		if t.Plugin != "" {
			j.JobData[job.DataPlugin] = t.Plugin
		}
		if j.ExperimentID == "" {
			j.ExperimentID = t.ExperimentID
		}
		if cmd, ok := t.Config["command"].(string); ok && command == "" {
			command = cmd
		}
	}

	if err := s.jobs.Create(ctx, j); err != nil {
		return nil, err
	}
	if j.ExperimentID != "" {
		s.experiments.AddJobToIndex(ctx, j.ExperimentID, j.ID, string(j.Type))
	}

	remote := req.ProviderName != "" && req.ProviderName != "local"
	if remote {
		if err := s.ledger.Reserve(j.ID, userID, teamID, req.MinutesRequested); err != nil {
			var qe *apperr.QuotaExceededError
			if errors.As(err, &qe) {
				s.failJob(ctx, j, job.CompletionQuotaExceeded, qe.Error())
				return j, nil
			}
			s.failJob(ctx, j, job.CompletionFailed, err.Error())
			return nil, err
		}
		j.JobData[job.DataMinutesReserved] = req.MinutesRequested
	}

	client, err := s.router.Resolve(ctx, teamID, req.ProviderName)
	if err != nil {
		s.ledger.Release(j.ID)
		s.failJob(ctx, j, job.CompletionFailed, fmt.Sprintf("provider resolution: %v", err))
		return nil, err
	}
	if typ, rerr := s.router.ResolveType(teamID, req.ProviderName); rerr == nil {
		j.JobData[job.DataProviderType] = string(typ)
	}

	lock := s.jobLock(j.ID)
	lock.Lock()
	if err := s.transition(ctx, j, job.StatusQueued, nil); err != nil {
		lock.Unlock()
		s.ledger.Release(j.ID)
		return nil, err
	}
	lock.Unlock()

	// the dispatch itself runs unlocked so a slow provider cannot block Stop
	handle, err := client.SubmitJob(ctx, providers.SubmitJobRequest{
		JobID:       j.ID,
		ClusterName: req.ClusterName,
		Command:     command,
		Resources:   req.Resources,
		EnvVars:     s.jobEnv(j.ID, req.EnvVars),
		Mount:       req.Mount,
	})

	lock.Lock()
	defer lock.Unlock()
	if cur, gerr := s.jobs.Get(ctx, j.ID); gerr == nil {
		j = cur
	}

	if err != nil {
		if !j.Status.IsTerminal() {
			s.ledger.Release(j.ID)
			s.failJob(ctx, j, job.CompletionFailed, fmt.Sprintf("dispatch: %v", err))
		}
		return nil, err
	}

	if j.Status != job.StatusQueued {
		// the job was concluded (stopped, recovered) while the dispatch was in
		// flight; the remote side must not keep running it
		j.JobData[job.DataProviderJobID] = handle.ProviderJobID
		if serr := s.jobs.Save(ctx, j); serr != nil {
			log.Printf("job %s: record provider job after conclusion failed: %v", j.ID, serr)
		}
		if cerr := client.CancelJob(ctx, req.ClusterName, handle.ProviderJobID); cerr != nil {
			log.Printf("job %s: cancel after concurrent conclusion failed: %v", j.ID, cerr)
		}
		return j, nil
	}

	if err := s.transition(ctx, j, job.StatusRunning, map[string]any{
		job.DataProviderJobID: handle.ProviderJobID,
		job.DataStartedAt:     s.clock().UTC().Format(time.RFC3339),
	}); err != nil {
		return nil, err
	}
	log.Printf("job %s dispatched to %s (provider job %s)", j.ID, req.ProviderName, handle.ProviderJobID)
	return j, nil
}

// jobEnv injects the reporting key the remote wrapper needs.
func (s *Service) jobEnv(jobID string, env map[string]string) map[string]string {
	out := make(map[string]string, len(env)+1)
	for k, v := range env {
		out[k] = v
	}
	out["FORGE_JOB_ID"] = jobID
	return out
}

// transition applies a state change plus extra job_data fields and persists
// the document. Edges outside the state machine are refused, never written.
// Caller must hold the job lock for contended paths.
func (s *Service) transition(ctx context.Context, j *job.Job, to job.JobStatus, extra map[string]any) error {
	if !job.CanTransition(j.Status, to) {
		return &apperr.InvalidTransitionError{JobID: j.ID, From: string(j.Status), To: string(to)}
	}
	j.Status = to
	for k, v := range extra {
		j.JobData[k] = v
	}
	if err := s.jobs.Save(ctx, j); err != nil {
		log.Printf("job %s: persist %s failed: %v", j.ID, to, err)
	}
	if to.IsTerminal() && s.onTerminal != nil {
		s.onTerminal(ctx, j)
	}
	return nil
}

func (s *Service) failJob(ctx context.Context, j *job.Job, completionStatus, details string) {
	if err := s.transition(ctx, j, job.StatusFailed, map[string]any{
		job.DataCompletionStatus:  completionStatus,
		job.DataCompletionDetails: details,
	}); err != nil {
		log.Printf("job %s: %v", j.ID, err)
	}
}

// Get loads one job.
func (s *Service) Get(ctx context.Context, id string) (*job.Job, error) {
	return s.jobs.Get(ctx, id)
}

// List returns all jobs.
func (s *Service) List(ctx context.Context) ([]job.Job, error) {
	return s.jobs.List(ctx)
}

// Delete removes a job document on explicit user action. Usage rows are
// kept for audit.
func (s *Service) Delete(ctx context.Context, id string) error {
	return s.jobs.Delete(ctx, id)
}

// UpdateProgress records percent completion. On a terminal job it is a
// no-op, never an error: reporting code cannot assume the job is still
// running.
func (s *Service) UpdateProgress(ctx context.Context, id string, percent int) error {
	lock := s.jobLock(id)
	lock.Lock()
	defer lock.Unlock()

	j, err := s.jobs.Get(ctx, id)
	if err != nil {
		return err
	}
	if j.Status.IsTerminal() {
		return nil
	}
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	return s.jobs.SetFields(ctx, id, map[string]any{"progress": percent})
}

// Stop moves a QUEUED or RUNNING job to STOPPED. The remote cancel is
// best-effort: local state stays authoritative so an unreachable provider
// cannot leak the quota hold forever.
func (s *Service) Stop(ctx context.Context, id string) error {
	lock := s.jobLock(id)
	lock.Lock()
	defer lock.Unlock()

	j, err := s.jobs.Get(ctx, id)
	if err != nil {
		return err
	}
	if !job.CanTransition(j.Status, job.StatusStopped) {
		return &apperr.InvalidTransitionError{JobID: id, From: string(j.Status), To: string(job.StatusStopped)}
	}

	if j.IsRemote() {
		if client, rerr := s.router.Resolve(ctx, j.TeamID, j.JobData.String(job.DataProviderName)); rerr == nil {
			cluster := j.JobData.String(job.DataClusterName)
			providerJobID := j.JobData.String(job.DataProviderJobID)
			if providerJobID != "" {
				if cerr := client.CancelJob(ctx, cluster, providerJobID); cerr != nil {
					log.Printf("job %s: remote cancel failed, stopping locally anyway: %v", id, cerr)
				}
			}
		} else {
			log.Printf("job %s: provider unavailable for cancel, stopping locally: %v", id, rerr)
		}
	}

	if err := s.transition(ctx, j, job.StatusStopped, map[string]any{
		job.DataCompletionStatus: job.CompletionStopped,
	}); err != nil {
		return err
	}
	s.settleQuota(j)
	return nil
}

// Report handles the live_status side channel from inside the remote
// command. It is ahead of, and independent from, the polled status; only a
// crash report is allowed to conclude the authoritative state.
func (s *Service) Report(ctx context.Context, id string, status job.LiveStatus, details string) error {
	lock := s.jobLock(id)
	lock.Lock()
	defer lock.Unlock()

	j, err := s.jobs.Get(ctx, id)
	if err != nil {
		return err
	}
	j.JobData[job.DataLiveStatus] = string(status)

	switch status {
	case job.LiveFinished:
		if j.Status == job.StatusRunning {
			j.Progress = 100
			if err := s.transition(ctx, j, job.StatusComplete, map[string]any{
				job.DataCompletionStatus: job.CompletionSuccess,
			}); err != nil {
				return err
			}
			s.settleQuota(j)
			return nil
		}
	case job.LiveCrashed:
		if j.Status == job.StatusRunning {
			if err := s.transition(ctx, j, job.StatusFailed, map[string]any{
				job.DataCompletionStatus:  job.CompletionFailed,
				job.DataCompletionDetails: details,
			}); err != nil {
				return err
			}
			s.settleQuota(j)
			return nil
		}
	}
	return s.jobs.Save(ctx, j)
}

// ReportMetrics merges reported metric values into the job document.
func (s *Service) ReportMetrics(ctx context.Context, id string, metrics map[string]float64) error {
	lock := s.jobLock(id)
	lock.Lock()
	defer lock.Unlock()

	j, err := s.jobs.Get(ctx, id)
	if err != nil {
		return err
	}
	existing := j.JobData.Map(job.DataMetrics)
	if existing == nil {
		existing = map[string]any{}
	}
	for k, v := range metrics {
		existing[k] = v
	}
	j.JobData[job.DataMetrics] = existing
	return s.jobs.Save(ctx, j)
}

// settleQuota converts the hold into a usage row for work that ran, or
// releases it when nothing billable happened.
func (s *Service) settleQuota(j *job.Job) {
	if !j.IsRemote() {
		return
	}
	minutes := s.elapsedMinutes(j)
	if minutes <= 0 {
		s.ledger.Release(j.ID)
		return
	}
	if reserved, ok := j.JobData.Float(job.DataMinutesReserved); ok && minutes > int64(reserved) {
		minutes = int64(reserved)
	}
	if err := s.ledger.Commit(j.ID, j.UserID, j.TeamID, minutes); err != nil {
		log.Printf("job %s: quota commit failed: %v", j.ID, err)
	}
}

func (s *Service) elapsedMinutes(j *job.Job) int64 {
	startedAt := j.JobData.String(job.DataStartedAt)
	if startedAt == "" {
		return 0
	}
	start, err := time.Parse(time.RFC3339, startedAt)
	if err != nil {
		return 0
	}
	return int64(s.clock().UTC().Sub(start).Minutes())
}

// RecoverOnStartup forces every RUNNING job to CANCELLED: the process that
// would have completed them no longer exists. The recorded completion
// status keeps these distinguishable from user-stopped jobs.
func (s *Service) RecoverOnStartup(ctx context.Context) error {
	running, err := s.jobs.ListByStatus(ctx, job.StatusRunning)
	if err != nil {
		return err
	}
	for i := range running {
		j := &running[i]
		if err := s.transition(ctx, j, job.StatusCancelled, map[string]any{
			job.DataCompletionStatus:  job.CompletionOnRestart,
			job.DataCompletionDetails: "control plane restarted while job was running",
		}); err != nil {
			return err
		}
		s.ledger.Release(j.ID)
		log.Printf("job %s: cancelled on startup recovery", j.ID)
	}
	return nil
}
