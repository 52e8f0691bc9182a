package job

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeml/forge/internal/domain/apperr"
	"github.com/forgeml/forge/internal/domain/job"
	"github.com/forgeml/forge/internal/domain/provider"
	domquota "github.com/forgeml/forge/internal/domain/quota"
	"github.com/forgeml/forge/internal/domain/task"
	"github.com/forgeml/forge/internal/providers"
	"github.com/forgeml/forge/internal/quota"
	"github.com/forgeml/forge/internal/store"
)

// stubProvider is a scriptable providers.Provider for scheduler tests.
type stubProvider struct {
	mu         sync.Mutex
	submitErr  error
	submitGate chan struct{} // when set, SubmitJob blocks until closed
	submitted  []providers.SubmitJobRequest
	cancelled  []string
	nextHandle string
}

func (p *stubProvider) SubmitJob(ctx context.Context, req providers.SubmitJobRequest) (*providers.JobHandle, error) {
	p.mu.Lock()
	gate := p.submitGate
	p.mu.Unlock()
	if gate != nil {
		<-gate
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.submitErr != nil {
		return nil, p.submitErr
	}
	p.submitted = append(p.submitted, req)
	handle := p.nextHandle
	if handle == "" {
		handle = "prov-1"
	}
	return &providers.JobHandle{ProviderJobID: handle}, nil
}

func (p *stubProvider) CancelJob(ctx context.Context, clusterName, providerJobID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancelled = append(p.cancelled, providerJobID)
	return nil
}

func (p *stubProvider) cancelledIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.cancelled...)
}

func (p *stubProvider) LaunchCluster(ctx context.Context, req providers.LaunchClusterRequest) (*providers.ClusterInfo, error) {
	return &providers.ClusterInfo{Name: req.ClusterName, Status: providers.ClusterRunning}, nil
}

func (p *stubProvider) GetClusterStatus(ctx context.Context, clusterName string) (*providers.ClusterInfo, error) {
	return &providers.ClusterInfo{Name: clusterName, Status: providers.ClusterRunning}, nil
}

func (p *stubProvider) GetClusterResources(ctx context.Context, clusterName string) (*providers.ClusterResources, error) {
	return &providers.ClusterResources{}, nil
}

func (p *stubProvider) ListJobs(ctx context.Context, clusterName string) ([]providers.JobSummary, error) {
	return nil, nil
}

func (p *stubProvider) GetJobLogs(ctx context.Context, req providers.JobLogsRequest) (string, error) {
	return "", nil
}

func (p *stubProvider) StopCluster(ctx context.Context, clusterName string) error { return nil }

// memQuotaRepo is the minimal in-memory quota.Repository the ledger needs.
type memQuotaRepo struct {
	mu    sync.Mutex
	team  domquota.TeamQuota
	usage []domquota.QuotaUsage
}

func (m *memQuotaRepo) GetTeamQuota(teamID uint) (*domquota.TeamQuota, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.team.TeamID != teamID {
		return nil, apperr.NotFoundf("team quota for team %d", teamID)
	}
	cp := m.team
	return &cp, nil
}

func (m *memQuotaRepo) SaveTeamQuota(q *domquota.TeamQuota) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.team = *q
	return nil
}

func (m *memQuotaRepo) GetUserOverride(userID, teamID uint) (*domquota.UserQuotaOverride, error) {
	return nil, apperr.NotFoundf("override for user %d", userID)
}

func (m *memQuotaRepo) SaveUserOverride(o *domquota.UserQuotaOverride) error { return nil }

func (m *memQuotaRepo) CreateUsage(u *domquota.QuotaUsage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ex := range m.usage {
		if ex.JobID == u.JobID && ex.TeamID == u.TeamID {
			return nil
		}
	}
	m.usage = append(m.usage, *u)
	return nil
}

func (m *memQuotaRepo) SumTeamUsage(teamID uint, periodStart time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var sum int64
	for _, u := range m.usage {
		if u.TeamID == teamID && u.PeriodStart.Equal(periodStart) {
			sum += u.MinutesUsed
		}
	}
	return sum, nil
}

func (m *memQuotaRepo) ListTeamUsage(teamID uint, periodStart time.Time) ([]domquota.QuotaUsage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domquota.QuotaUsage(nil), m.usage...), nil
}

type fixture struct {
	svc      *Service
	jobs     *store.JobStore
	tasks    *store.TaskStore
	ledger   *quota.Ledger
	repo     *memQuotaRepo
	provider *stubProvider
	now      time.Time
}

func newFixture(t *testing.T, quotaMinutes int64) *fixture {
	t.Helper()
	root := t.TempDir()
	backend, err := store.NewLocalBackend(root)
	require.NoError(t, err)
	st, err := store.New(backend, filepath.Join(root, ".locks"), time.Second)
	require.NoError(t, err)
	jobs := store.NewJobStore(st)
	tasks := store.NewTaskStore(st)
	experiments := store.NewExperimentStore(st, jobs)

	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	repo := &memQuotaRepo{team: domquota.TeamQuota{
		TeamID:              1,
		MonthlyQuotaMinutes: quotaMinutes,
		CurrentPeriodStart:  time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
	}}
	ledger := quota.NewLedger(repo)
	ledger.SetClock(func() time.Time { return now })

	prov := &stubProvider{}
	static := &providers.StaticConfig{Providers: []providers.StaticDeclaration{
		{Name: "remote-1", Type: provider.TypeClusterBroker},
	}}
	router := providers.NewRouter(nil, static)
	router.SetFactory(func(name string, typ provider.ProviderType, cfg provider.Config) (providers.Provider, error) {
		return prov, nil
	})

	svc := NewService(jobs, tasks, experiments, router, ledger)
	f := &fixture{svc: svc, jobs: jobs, tasks: tasks, ledger: ledger, repo: repo, provider: prov, now: now}
	svc.SetClock(func() time.Time { return f.now })
	return f
}

func TestLaunch(t *testing.T) {
	ctx := context.Background()

	t.Run("remote launch reserves quota and runs", func(t *testing.T) {
		f := newFixture(t, 100)

		j, err := f.svc.Launch(ctx, 10, 1, LaunchRequest{
			JobType:          "TRAIN",
			ProviderName:     "remote-1",
			ClusterName:      "c1",
			Command:          "python train.py",
			MinutesRequested: 60,
		})
		require.NoError(t, err)
		assert.Equal(t, job.StatusRunning, j.Status)
		assert.Equal(t, "prov-1", j.JobData.String(job.DataProviderJobID))
		assert.True(t, f.ledger.Held(j.ID))

		require.Len(t, f.provider.submitted, 1)
		assert.Equal(t, j.ID, f.provider.submitted[0].EnvVars["FORGE_JOB_ID"])
	})

	t.Run("quota denial fails the job without dispatch", func(t *testing.T) {
		f := newFixture(t, 30)

		j, err := f.svc.Launch(ctx, 10, 1, LaunchRequest{
			ProviderName:     "remote-1",
			MinutesRequested: 60,
		})
		require.NoError(t, err, "quota denial is a job outcome, not a transport error")
		require.NotNil(t, j)
		assert.Equal(t, job.StatusFailed, j.Status)
		assert.Equal(t, job.CompletionQuotaExceeded, j.JobData.String(job.DataCompletionStatus))
		assert.Empty(t, f.provider.submitted)
		assert.False(t, f.ledger.Held(j.ID))
	})

	t.Run("dispatch failure releases the hold", func(t *testing.T) {
		f := newFixture(t, 100)
		f.provider.submitErr = errors.New("cluster unreachable")

		j, err := f.svc.Launch(ctx, 10, 1, LaunchRequest{
			ProviderName:     "remote-1",
			MinutesRequested: 60,
		})
		require.Error(t, err)
		require.NotNil(t, j)
		assert.False(t, f.ledger.Held(j.ID))

		persisted, err := f.jobs.Get(ctx, j.ID)
		require.NoError(t, err)
		assert.Equal(t, job.StatusFailed, persisted.Status)
	})

	t.Run("unknown provider fails the job", func(t *testing.T) {
		f := newFixture(t, 100)

		_, err := f.svc.Launch(ctx, 10, 1, LaunchRequest{
			ProviderName:     "nope",
			MinutesRequested: 10,
		})
		require.ErrorIs(t, err, apperr.ErrNotFound)
	})

	t.Run("local launch skips quota entirely", func(t *testing.T) {
		f := newFixture(t, 0)

		j, err := f.svc.Launch(ctx, 10, 1, LaunchRequest{
			Command: "echo hi",
		})
		require.NoError(t, err)
		assert.Equal(t, job.StatusRunning, j.Status)
		assert.False(t, f.ledger.Held(j.ID))
	})

	t.Run("task template fills in launch parameters", func(t *testing.T) {
		f := newFixture(t, 100)
		require.NoError(t, f.tasks.Create(ctx, &task.Task{
			ID:           "tmpl",
			Name:         "sft-train",
			Plugin:       "sft",
			ExperimentID: "e1",
			Config:       map[string]any{"command": "python sft.py"},
		}))

		j, err := f.svc.Launch(ctx, 10, 1, LaunchRequest{
			TaskID:           "tmpl",
			ProviderName:     "remote-1",
			MinutesRequested: 10,
		})
		require.NoError(t, err)
		assert.Equal(t, "sft-train", j.JobData.String(job.DataTaskName))
		assert.Equal(t, "sft", j.JobData.String(job.DataPlugin))
		assert.Equal(t, "e1", j.ExperimentID)
		require.Len(t, f.provider.submitted, 1)
		assert.Equal(t, "python sft.py", f.provider.submitted[0].Command)
	})
}

func TestUpdateProgress(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 100)

	j, err := f.svc.Launch(ctx, 10, 1, LaunchRequest{ProviderName: "remote-1", MinutesRequested: 10})
	require.NoError(t, err)

	t.Run("clamps to 0-100", func(t *testing.T) {
		require.NoError(t, f.svc.UpdateProgress(ctx, j.ID, 150))
		got, err := f.jobs.Get(ctx, j.ID)
		require.NoError(t, err)
		assert.Equal(t, 100, got.Progress)
	})

	t.Run("no-op on terminal job", func(t *testing.T) {
		require.NoError(t, f.svc.Stop(ctx, j.ID))
		require.NoError(t, f.svc.UpdateProgress(ctx, j.ID, 10))
		got, err := f.jobs.Get(ctx, j.ID)
		require.NoError(t, err)
		assert.Equal(t, 100, got.Progress)
	})
}

func TestStop(t *testing.T) {
	ctx := context.Background()

	t.Run("cancels remotely and commits elapsed minutes", func(t *testing.T) {
		f := newFixture(t, 100)
		j, err := f.svc.Launch(ctx, 10, 1, LaunchRequest{ProviderName: "remote-1", MinutesRequested: 60})
		require.NoError(t, err)

		f.now = f.now.Add(30 * time.Minute)
		require.NoError(t, f.svc.Stop(ctx, j.ID))

		got, err := f.jobs.Get(ctx, j.ID)
		require.NoError(t, err)
		assert.Equal(t, job.StatusStopped, got.Status)
		assert.Equal(t, job.CompletionStopped, got.JobData.String(job.DataCompletionStatus))
		assert.Equal(t, []string{"prov-1"}, f.provider.cancelled)

		assert.False(t, f.ledger.Held(j.ID))
		require.Len(t, f.repo.usage, 1)
		assert.Equal(t, int64(30), f.repo.usage[0].MinutesUsed)
	})

	t.Run("billing is capped at the reservation", func(t *testing.T) {
		f := newFixture(t, 100)
		j, err := f.svc.Launch(ctx, 10, 1, LaunchRequest{ProviderName: "remote-1", MinutesRequested: 60})
		require.NoError(t, err)

		f.now = f.now.Add(5 * time.Hour)
		require.NoError(t, f.svc.Stop(ctx, j.ID))

		require.Len(t, f.repo.usage, 1)
		assert.Equal(t, int64(60), f.repo.usage[0].MinutesUsed)
	})

	t.Run("stop during dispatch wins over the in-flight launch", func(t *testing.T) {
		f := newFixture(t, 100)
		gate := make(chan struct{})
		f.provider.submitGate = gate

		launched := make(chan *job.Job, 1)
		go func() {
			j, err := f.svc.Launch(ctx, 10, 1, LaunchRequest{
				ProviderName:     "remote-1",
				ClusterName:      "c1",
				MinutesRequested: 60,
			})
			assert.NoError(t, err)
			launched <- j
		}()

		// wait for the launch to park inside the provider call
		var jobID string
		require.Eventually(t, func() bool {
			all, err := f.jobs.List(ctx)
			if err != nil || len(all) != 1 || all[0].Status != job.StatusQueued {
				return false
			}
			jobID = all[0].ID
			return true
		}, 5*time.Second, 10*time.Millisecond)

		require.NoError(t, f.svc.Stop(ctx, jobID))
		close(gate)
		<-launched

		// STOPPED is terminal: the returning dispatch must not resurrect the
		// job, and the remote side gets cancelled instead
		got, err := f.jobs.Get(ctx, jobID)
		require.NoError(t, err)
		assert.Equal(t, job.StatusStopped, got.Status)
		assert.Equal(t, "prov-1", got.JobData.String(job.DataProviderJobID))
		assert.Contains(t, f.provider.cancelledIDs(), "prov-1")
		assert.False(t, f.ledger.Held(jobID))
	})

	t.Run("stopping a terminal job is an invalid transition", func(t *testing.T) {
		f := newFixture(t, 100)
		j, err := f.svc.Launch(ctx, 10, 1, LaunchRequest{ProviderName: "remote-1", MinutesRequested: 10})
		require.NoError(t, err)
		require.NoError(t, f.svc.Stop(ctx, j.ID))

		err = f.svc.Stop(ctx, j.ID)
		var ite *apperr.InvalidTransitionError
		require.True(t, errors.As(err, &ite))
		assert.Equal(t, string(job.StatusStopped), ite.From)
	})
}

func TestReport(t *testing.T) {
	ctx := context.Background()

	t.Run("finished concludes a running job", func(t *testing.T) {
		f := newFixture(t, 100)
		j, err := f.svc.Launch(ctx, 10, 1, LaunchRequest{ProviderName: "remote-1", MinutesRequested: 60})
		require.NoError(t, err)

		f.now = f.now.Add(10 * time.Minute)
		require.NoError(t, f.svc.Report(ctx, j.ID, job.LiveFinished, ""))

		got, err := f.jobs.Get(ctx, j.ID)
		require.NoError(t, err)
		assert.Equal(t, job.StatusComplete, got.Status)
		assert.Equal(t, 100, got.Progress)
		assert.Equal(t, string(job.LiveFinished), got.JobData.String(job.DataLiveStatus))
		assert.False(t, f.ledger.Held(j.ID))
		require.Len(t, f.repo.usage, 1)
		assert.Equal(t, int64(10), f.repo.usage[0].MinutesUsed)
	})

	t.Run("crashed fails a running job with details", func(t *testing.T) {
		f := newFixture(t, 100)
		j, err := f.svc.Launch(ctx, 10, 1, LaunchRequest{ProviderName: "remote-1", MinutesRequested: 60})
		require.NoError(t, err)

		require.NoError(t, f.svc.Report(ctx, j.ID, job.LiveCrashed, "exit status 137"))

		got, err := f.jobs.Get(ctx, j.ID)
		require.NoError(t, err)
		assert.Equal(t, job.StatusFailed, got.Status)
		assert.Equal(t, "exit status 137", got.JobData.String(job.DataCompletionDetails))
	})

	t.Run("late report on a terminal job only records the mark", func(t *testing.T) {
		f := newFixture(t, 100)
		j, err := f.svc.Launch(ctx, 10, 1, LaunchRequest{ProviderName: "remote-1", MinutesRequested: 60})
		require.NoError(t, err)
		require.NoError(t, f.svc.Stop(ctx, j.ID))

		require.NoError(t, f.svc.Report(ctx, j.ID, job.LiveFinished, ""))
		got, err := f.jobs.Get(ctx, j.ID)
		require.NoError(t, err)
		assert.Equal(t, job.StatusStopped, got.Status)
		assert.Equal(t, string(job.LiveFinished), got.JobData.String(job.DataLiveStatus))
	})
}

func TestReportMetrics(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 100)
	j, err := f.svc.Launch(ctx, 10, 1, LaunchRequest{ProviderName: "remote-1", MinutesRequested: 60})
	require.NoError(t, err)

	require.NoError(t, f.svc.ReportMetrics(ctx, j.ID, map[string]float64{"loss": 0.8}))
	require.NoError(t, f.svc.ReportMetrics(ctx, j.ID, map[string]float64{"loss": 0.5, "acc": 0.9}))

	got, err := f.jobs.Get(ctx, j.ID)
	require.NoError(t, err)
	metrics := got.JobData.Map(job.DataMetrics)
	require.NotNil(t, metrics)
	assert.EqualValues(t, 0.5, metrics["loss"])
	assert.EqualValues(t, 0.9, metrics["acc"])
}

func TestRecoverOnStartup(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 100)

	running, err := f.svc.Launch(ctx, 10, 1, LaunchRequest{ProviderName: "remote-1", MinutesRequested: 60})
	require.NoError(t, err)
	done, err := f.svc.Launch(ctx, 10, 1, LaunchRequest{ProviderName: "remote-1", MinutesRequested: 10})
	require.NoError(t, err)
	require.NoError(t, f.svc.Stop(ctx, done.ID))

	require.NoError(t, f.svc.RecoverOnStartup(ctx))

	got, err := f.jobs.Get(ctx, running.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusCancelled, got.Status)
	assert.Equal(t, job.CompletionOnRestart, got.JobData.String(job.DataCompletionStatus))
	assert.False(t, f.ledger.Held(running.ID))

	// the already-terminal job is untouched
	got, err = f.jobs.Get(ctx, done.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusStopped, got.Status)
}
