package sweep

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appjob "github.com/forgeml/forge/internal/application/job"
	"github.com/forgeml/forge/internal/domain/apperr"
	"github.com/forgeml/forge/internal/domain/job"
	"github.com/forgeml/forge/internal/domain/provider"
	domquota "github.com/forgeml/forge/internal/domain/quota"
	"github.com/forgeml/forge/internal/providers"
	"github.com/forgeml/forge/internal/quota"
	"github.com/forgeml/forge/internal/store"
)

// noQuotaRepo satisfies quota.Repository for sweeps running on the local
// provider, where admission is never consulted.
type noQuotaRepo struct{}

func (noQuotaRepo) GetTeamQuota(teamID uint) (*domquota.TeamQuota, error) {
	return nil, apperr.NotFoundf("team quota for team %d", teamID)
}
func (noQuotaRepo) SaveTeamQuota(q *domquota.TeamQuota) error { return nil }
func (noQuotaRepo) GetUserOverride(userID, teamID uint) (*domquota.UserQuotaOverride, error) {
	return nil, apperr.NotFoundf("override for user %d", userID)
}
func (noQuotaRepo) SaveUserOverride(o *domquota.UserQuotaOverride) error { return nil }
func (noQuotaRepo) CreateUsage(u *domquota.QuotaUsage) error             { return nil }
func (noQuotaRepo) SumTeamUsage(teamID uint, periodStart time.Time) (int64, error) {
	return 0, nil
}
func (noQuotaRepo) ListTeamUsage(teamID uint, periodStart time.Time) ([]domquota.QuotaUsage, error) {
	return nil, nil
}

// sinkProvider accepts every submission and records the configs it saw.
type sinkProvider struct {
	submitted []providers.SubmitJobRequest
}

func (p *sinkProvider) SubmitJob(ctx context.Context, req providers.SubmitJobRequest) (*providers.JobHandle, error) {
	p.submitted = append(p.submitted, req)
	return &providers.JobHandle{ProviderJobID: "local-" + req.JobID}, nil
}
func (p *sinkProvider) LaunchCluster(ctx context.Context, req providers.LaunchClusterRequest) (*providers.ClusterInfo, error) {
	return &providers.ClusterInfo{Name: req.ClusterName, Status: providers.ClusterRunning}, nil
}
func (p *sinkProvider) GetClusterStatus(ctx context.Context, clusterName string) (*providers.ClusterInfo, error) {
	return &providers.ClusterInfo{Name: clusterName, Status: providers.ClusterRunning}, nil
}
func (p *sinkProvider) GetClusterResources(ctx context.Context, clusterName string) (*providers.ClusterResources, error) {
	return &providers.ClusterResources{}, nil
}
func (p *sinkProvider) ListJobs(ctx context.Context, clusterName string) ([]providers.JobSummary, error) {
	return nil, nil
}
func (p *sinkProvider) GetJobLogs(ctx context.Context, req providers.JobLogsRequest) (string, error) {
	return "", nil
}
func (p *sinkProvider) CancelJob(ctx context.Context, clusterName, providerJobID string) error {
	return nil
}
func (p *sinkProvider) StopCluster(ctx context.Context, clusterName string) error { return nil }

// flakyProvider fails the first submission and behaves like sinkProvider
// afterwards.
type flakyProvider struct {
	sinkProvider
	failFirst bool
}

func (p *flakyProvider) SubmitJob(ctx context.Context, req providers.SubmitJobRequest) (*providers.JobHandle, error) {
	if p.failFirst {
		p.failFirst = false
		return nil, errors.New("node offline")
	}
	return p.sinkProvider.SubmitJob(ctx, req)
}

func newSweepFixture(t *testing.T) (*Service, *appjob.Service, *store.JobStore) {
	return newSweepFixtureWith(t, &sinkProvider{})
}

func newSweepFixtureWith(t *testing.T, prov providers.Provider) (*Service, *appjob.Service, *store.JobStore) {
	t.Helper()
	root := t.TempDir()
	backend, err := store.NewLocalBackend(root)
	require.NoError(t, err)
	st, err := store.New(backend, filepath.Join(root, ".locks"), time.Second)
	require.NoError(t, err)
	jobs := store.NewJobStore(st)
	tasks := store.NewTaskStore(st)
	experiments := store.NewExperimentStore(st, jobs)

	router := providers.NewRouter(nil, &providers.StaticConfig{})
	router.SetFactory(func(name string, typ provider.ProviderType, cfg provider.Config) (providers.Provider, error) {
		return prov, nil
	})
	ledger := quota.NewLedger(noQuotaRepo{})

	scheduler := appjob.NewService(jobs, tasks, experiments, router, ledger)
	svc := NewService(jobs, scheduler)
	return svc, scheduler, jobs
}

func TestExpand(t *testing.T) {
	t.Run("cartesian product in sorted parameter order", func(t *testing.T) {
		combos := Expand(map[string][]any{
			"lr":         {0.1, 0.01},
			"batch_size": {16, 32},
		})
		require.Len(t, combos, 4)
		// batch_size varies slowest because parameter names iterate sorted
		assert.Equal(t, map[string]any{"batch_size": 16, "lr": 0.1}, combos[0])
		assert.Equal(t, map[string]any{"batch_size": 16, "lr": 0.01}, combos[1])
		assert.Equal(t, map[string]any{"batch_size": 32, "lr": 0.1}, combos[2])
		assert.Equal(t, map[string]any{"batch_size": 32, "lr": 0.01}, combos[3])
	})

	t.Run("empty value lists are skipped", func(t *testing.T) {
		combos := Expand(map[string][]any{"lr": {0.1}, "unused": {}})
		require.Len(t, combos, 1)
		assert.Equal(t, map[string]any{"lr": 0.1}, combos[0])
	})

	t.Run("no parameters expands to nothing", func(t *testing.T) {
		assert.Nil(t, Expand(nil))
		assert.Nil(t, Expand(map[string][]any{"empty": {}}))
	})
}

func TestSweepLaunch(t *testing.T) {
	ctx := context.Background()
	svc, _, jobs := newSweepFixture(t)

	parent, err := svc.Launch(ctx, 10, 1, appjob.LaunchRequest{
		JobType: "TRAIN",
		Command: "python train.py",
		Config:  map[string]any{"epochs": 3},
		SweepConfig: map[string][]any{
			"lr":         {0.1, 0.01},
			"batch_size": {16, 32},
		},
		SweepMetric:   "loss",
		LowerIsBetter: true,
	})
	require.NoError(t, err)

	childIDs := parent.JobData.StringSlice(job.DataSweepChildren)
	require.Len(t, childIDs, 4)

	for _, id := range childIDs {
		child, err := jobs.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, parent.ID, child.JobData.String(job.DataSweepParentID))
		params := child.JobData.Map(job.DataSweepParams)
		require.NotNil(t, params)
		assert.Contains(t, params, "lr")
		assert.Contains(t, params, "batch_size")
	}

	t.Run("empty sweep config is rejected", func(t *testing.T) {
		_, err := svc.Launch(ctx, 10, 1, appjob.LaunchRequest{SweepConfig: map[string][]any{}})
		assert.Error(t, err)
	})
}

func TestSweepEvaluate(t *testing.T) {
	ctx := context.Background()

	launch := func(t *testing.T, svc *Service, lowerIsBetter bool) *job.Job {
		parent, err := svc.Launch(ctx, 10, 1, appjob.LaunchRequest{
			JobType:       "TRAIN",
			Command:       "python train.py",
			SweepConfig:   map[string][]any{"lr": {0.1, 0.01, 0.001}},
			SweepMetric:   "loss",
			LowerIsBetter: lowerIsBetter,
		})
		require.NoError(t, err)
		return parent
	}

	finish := func(t *testing.T, scheduler *appjob.Service, id string, loss float64) {
		require.NoError(t, scheduler.ReportMetrics(ctx, id, map[string]float64{"loss": loss}))
		require.NoError(t, scheduler.Report(ctx, id, job.LiveFinished, ""))
	}

	t.Run("winner picked once the last child finishes", func(t *testing.T) {
		svc, scheduler, jobs := newSweepFixture(t)
		parent := launch(t, svc, true)
		childIDs := parent.JobData.StringSlice(job.DataSweepChildren)

		finish(t, scheduler, childIDs[0], 0.9)
		finish(t, scheduler, childIDs[1], 0.6)

		// two of three done: no winner yet
		p, err := jobs.Get(ctx, parent.ID)
		require.NoError(t, err)
		assert.Empty(t, p.JobData.String(job.DataSweepWinner))
		assert.Equal(t, job.StatusRunning, p.Status)

		finish(t, scheduler, childIDs[2], 0.7)

		p, err = jobs.Get(ctx, parent.ID)
		require.NoError(t, err)
		assert.Equal(t, childIDs[1], p.JobData.String(job.DataSweepWinner))
		assert.Equal(t, job.StatusComplete, p.Status)
		v, ok := p.JobData.Float(job.DataSweepWinnerValue)
		require.True(t, ok)
		assert.Equal(t, 0.6, v)
	})

	t.Run("higher is better flips the comparison", func(t *testing.T) {
		svc, scheduler, jobs := newSweepFixture(t)
		parent := launch(t, svc, false)
		childIDs := parent.JobData.StringSlice(job.DataSweepChildren)

		finish(t, scheduler, childIDs[0], 0.9)
		finish(t, scheduler, childIDs[1], 0.6)
		finish(t, scheduler, childIDs[2], 0.7)

		p, err := jobs.Get(ctx, parent.ID)
		require.NoError(t, err)
		assert.Equal(t, childIDs[0], p.JobData.String(job.DataSweepWinner))
	})

	t.Run("ties break toward the earliest created child", func(t *testing.T) {
		svc, scheduler, jobs := newSweepFixture(t)
		parent := launch(t, svc, true)
		childIDs := parent.JobData.StringSlice(job.DataSweepChildren)

		// make creation order unambiguous
		for i, id := range childIDs {
			c, err := jobs.Get(ctx, id)
			require.NoError(t, err)
			c.CreatedAt = time.Date(2025, 6, 1, 0, i, 0, 0, time.UTC)
			require.NoError(t, jobs.Save(ctx, c))
		}

		finish(t, scheduler, childIDs[2], 0.5)
		finish(t, scheduler, childIDs[0], 0.5)
		finish(t, scheduler, childIDs[1], 0.5)

		p, err := jobs.Get(ctx, parent.ID)
		require.NoError(t, err)
		assert.Equal(t, childIDs[0], p.JobData.String(job.DataSweepWinner))
	})

	t.Run("dispatch-failed children stay tracked and do not block the winner", func(t *testing.T) {
		prov := &flakyProvider{failFirst: true}
		svc, scheduler, jobs := newSweepFixtureWith(t, prov)
		parent := launch(t, svc, true)
		childIDs := parent.JobData.StringSlice(job.DataSweepChildren)
		require.Len(t, childIDs, 3, "one job per combination, launch failures included")

		failed, err := jobs.Get(ctx, childIDs[0])
		require.NoError(t, err)
		assert.Equal(t, job.StatusFailed, failed.Status)
		assert.Equal(t, parent.ID, failed.JobData.String(job.DataSweepParentID))

		finish(t, scheduler, childIDs[1], 0.4)
		finish(t, scheduler, childIDs[2], 0.2)

		p, err := jobs.Get(ctx, parent.ID)
		require.NoError(t, err)
		assert.Equal(t, childIDs[2], p.JobData.String(job.DataSweepWinner))
		assert.Equal(t, job.StatusComplete, p.Status)
	})

	t.Run("children that never launched are recorded as failed", func(t *testing.T) {
		svc, _, jobs := newSweepFixture(t)
		parent, err := svc.Launch(ctx, 10, 1, appjob.LaunchRequest{
			TaskID:      "no-such-task",
			SweepConfig: map[string][]any{"lr": {0.1, 0.01}},
			SweepMetric: "loss",
		})
		require.NoError(t, err)

		childIDs := parent.JobData.StringSlice(job.DataSweepChildren)
		require.Len(t, childIDs, 2)
		for _, id := range childIDs {
			c, err := jobs.Get(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, job.StatusFailed, c.Status)
			assert.Equal(t, parent.ID, c.JobData.String(job.DataSweepParentID))
			assert.NotEmpty(t, c.JobData.String(job.DataCompletionDetails))
		}
	})

	t.Run("children without the metric are skipped", func(t *testing.T) {
		svc, scheduler, jobs := newSweepFixture(t)
		parent := launch(t, svc, true)
		childIDs := parent.JobData.StringSlice(job.DataSweepChildren)

		require.NoError(t, scheduler.Report(ctx, childIDs[0], job.LiveCrashed, "oom"))
		finish(t, scheduler, childIDs[1], 0.4)
		finish(t, scheduler, childIDs[2], 0.8)

		p, err := jobs.Get(ctx, parent.ID)
		require.NoError(t, err)
		assert.Equal(t, childIDs[1], p.JobData.String(job.DataSweepWinner))
	})
}
