package sweep

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"

	"github.com/google/uuid"

	appjob "github.com/forgeml/forge/internal/application/job"
	"github.com/forgeml/forge/internal/domain/apperr"
	"github.com/forgeml/forge/internal/domain/job"
	"github.com/forgeml/forge/internal/store"
)

// Service fans a launch request out over the cartesian product of its sweep
// parameters and selects the best run once every child is terminal.
type Service struct {
	jobs      *store.JobStore
	scheduler *appjob.Service
}

// NewService wires the orchestrator and hooks it into the scheduler's
// terminal transitions so winner selection runs as children finish.
func NewService(jobs *store.JobStore, scheduler *appjob.Service) *Service {
	s := &Service{jobs: jobs, scheduler: scheduler}
	scheduler.OnTerminal(s.onChildTerminal)
	return s
}

// Expand computes the cartesian product of the sweep parameters. Parameter
// names are iterated in sorted order so the expansion is deterministic.
func Expand(sweepConfig map[string][]any) []map[string]any {
	names := make([]string, 0, len(sweepConfig))
	for name := range sweepConfig {
		if len(sweepConfig[name]) == 0 {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	if len(names) == 0 {
		return nil
	}

	combos := []map[string]any{{}}
	for _, name := range names {
		var next []map[string]any
		for _, combo := range combos {
			for _, value := range sweepConfig[name] {
				merged := make(map[string]any, len(combo)+1)
				for k, v := range combo {
					merged[k] = v
				}
				merged[name] = value
				next = append(next, merged)
			}
		}
		combos = next
	}
	return combos
}

// Launch creates the parent job and one child job per parameter
// combination. Children go through the normal state machine independently.
// The full children list is persisted on the parent before any child is
// dispatched, and children are created already tagged with the parent id,
// so a child that concludes mid-launch still reaches winner selection.
func (s *Service) Launch(ctx context.Context, userID, teamID uint, req appjob.LaunchRequest) (*job.Job, error) {
	combos := Expand(req.SweepConfig)
	if len(combos) == 0 {
		return nil, fmt.Errorf("sweep_config expands to no combinations")
	}

	childIDs := make([]string, len(combos))
	for i := range combos {
		childIDs[i] = uuid.New().String()
	}

	parent := &job.Job{
		ID:           uuid.New().String(),
		Type:         job.JobType(req.JobType),
		Status:       job.StatusRunning,
		ExperimentID: req.ExperimentID,
		TeamID:       teamID,
		UserID:       userID,
		JobData: job.JobData{
			job.DataSweepMetric:      req.SweepMetric,
			job.DataSweepLowerBetter: req.LowerIsBetter,
			job.DataSweepChildren:    childIDs,
			job.DataProviderName:     "local",
		},
	}
	if parent.Type == "" {
		parent.Type = job.JobTypeTrain
	}
	if err := s.jobs.Create(ctx, parent); err != nil {
		return nil, err
	}

	for i, combo := range combos {
		childReq := req
		childReq.ID = childIDs[i]
		childReq.SweepConfig = nil
		childReq.SweepParentID = parent.ID
		childReq.SweepParams = combo
		childReq.Config = mergeConfig(req.Config, combo)

		child, err := s.scheduler.Launch(ctx, userID, teamID, childReq)
		if child == nil && err != nil {
			log.Printf("sweep %s: child launch failed: %v", parent.ID, err)
			// the parent tracks one job per combination, launch failures
			// included
			s.recordFailedChild(ctx, childIDs[i], parent, combo, err)
		}
	}

	// winner selection may already have concluded the parent
	return s.jobs.Get(ctx, parent.ID)
}

// recordFailedChild ensures a child that could not launch still exists as a
// FAILED document. The scheduler persists the job itself on most failure
// paths; only pre-creation failures need the placeholder.
func (s *Service) recordFailedChild(ctx context.Context, id string, parent *job.Job, combo map[string]any, cause error) {
	if _, err := s.jobs.Get(ctx, id); err == nil {
		return
	}
	child := &job.Job{
		ID:           id,
		Type:         parent.Type,
		Status:       job.StatusFailed,
		ExperimentID: parent.ExperimentID,
		TeamID:       parent.TeamID,
		UserID:       parent.UserID,
		JobData: job.JobData{
			job.DataSweepParentID:     parent.ID,
			job.DataSweepParams:       combo,
			job.DataCompletionStatus:  job.CompletionFailed,
			job.DataCompletionDetails: cause.Error(),
			job.DataProviderName:      "local",
		},
	}
	if err := s.jobs.Create(ctx, child); err != nil {
		log.Printf("sweep %s: record failed child %s: %v", parent.ID, id, err)
		return
	}
	// no terminal hook fires for a placeholder, so evaluate explicitly
	if err := s.Evaluate(ctx, parent.ID); err != nil {
		log.Printf("sweep %s: evaluation failed: %v", parent.ID, err)
	}
}

func mergeConfig(base map[string]any, combo map[string]any) map[string]any {
	merged := make(map[string]any, len(base)+len(combo))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range combo {
		merged[k] = v
	}
	return merged
}

// onChildTerminal runs winner selection once the last child of a sweep
// reaches a terminal state.
func (s *Service) onChildTerminal(ctx context.Context, child *job.Job) {
	parentID := child.JobData.String(job.DataSweepParentID)
	if parentID == "" {
		return
	}
	if err := s.Evaluate(ctx, parentID); err != nil {
		log.Printf("sweep %s: evaluation failed: %v", parentID, err)
	}
}

// Evaluate checks whether all children are terminal and, if so, records the
// winning child on the parent. Non-winning children are kept for
// inspection.
func (s *Service) Evaluate(ctx context.Context, parentID string) error {
	parent, err := s.jobs.Get(ctx, parentID)
	if err != nil {
		return err
	}
	childIDs := parent.JobData.StringSlice(job.DataSweepChildren)
	if len(childIDs) == 0 {
		return nil
	}

	metric := parent.JobData.String(job.DataSweepMetric)
	lowerIsBetter := true
	if v, ok := parent.JobData[job.DataSweepLowerBetter].(bool); ok {
		lowerIsBetter = v
	}

	children := make([]*job.Job, 0, len(childIDs))
	for _, id := range childIDs {
		c, err := s.jobs.Get(ctx, id)
		if err != nil {
			// a sibling the launch loop has not created yet
			if errors.Is(err, apperr.ErrNotFound) {
				return nil
			}
			return fmt.Errorf("sweep child %s: %w", id, err)
		}
		if !c.Status.IsTerminal() {
			return nil
		}
		children = append(children, c)
	}

	// ties break toward the earliest-created child
	sort.SliceStable(children, func(i, k int) bool {
		return children[i].CreatedAt.Before(children[k].CreatedAt)
	})

	var winner *job.Job
	var best float64
	for _, c := range children {
		metrics := c.JobData.Map(job.DataMetrics)
		if metrics == nil {
			continue
		}
		value, ok := job.JobData(metrics).Float(metric)
		if !ok {
			continue
		}
		if winner == nil ||
			(lowerIsBetter && value < best) ||
			(!lowerIsBetter && value > best) {
			winner = c
			best = value
		}
	}
	if winner == nil {
		return nil
	}

	parent.JobData[job.DataSweepWinner] = winner.ID
	parent.JobData[job.DataSweepWinnerValue] = best
	if parent.Status == job.StatusRunning {
		parent.Status = job.StatusComplete
		parent.Progress = 100
		parent.JobData[job.DataCompletionStatus] = job.CompletionSuccess
	}
	if err := s.jobs.Save(ctx, parent); err != nil {
		return err
	}
	log.Printf("sweep %s: winner %s (%s=%v)", parentID, winner.ID, metric, best)
	return nil
}
