package quota

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/forgeml/forge/internal/domain/apperr"
	"github.com/forgeml/forge/internal/domain/quota"
)

// hold is one admitted-but-not-terminal reservation.
type hold struct {
	UserID  uint
	TeamID  uint
	Minutes int64
}

// Ledger enforces per-team compute-minute quotas. Admission is serialized
// per team, because availability is computed against the shared team pool;
// different teams admit fully in parallel. Holds are in-memory only: after a
// restart the startup recovery cancels every RUNNING job, so no hold can
// outlive the process that took it.
type Ledger struct {
	repo quota.Repository
	now  func() time.Time

	mu    sync.Mutex
	locks map[uint]*sync.Mutex

	holdsMu sync.RWMutex
	holds   map[string]hold
}

// NewLedger builds a ledger over the quota repository.
func NewLedger(repo quota.Repository) *Ledger {
	return &Ledger{
		repo:  repo,
		now:   time.Now,
		locks: map[uint]*sync.Mutex{},
		holds: map[string]hold{},
	}
}

// SetClock overrides the wall clock, for tests.
func (l *Ledger) SetClock(now func() time.Time) { l.now = now }

func (l *Ledger) admissionLock(teamID uint) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.locks[teamID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[teamID] = m
	}
	return m
}

// periodStart returns the wall-clock month boundary containing t.
func periodStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// rollover advances the team quota's period if the month has turned. Usage
// rows outside the window fall out of the sum; they are never deleted.
func (l *Ledger) rollover(tq *quota.TeamQuota) error {
	current := periodStart(l.now())
	if tq.CurrentPeriodStart.Before(current) {
		tq.CurrentPeriodStart = current
		if err := l.repo.SaveTeamQuota(tq); err != nil {
			return fmt.Errorf("advance quota period: %w", err)
		}
	}
	return nil
}

// totalQuota is team quota plus the user's additive override (0 if absent).
func (l *Ledger) totalQuota(userID uint, tq *quota.TeamQuota) (int64, error) {
	total := tq.MonthlyQuotaMinutes
	override, err := l.repo.GetUserOverride(userID, tq.TeamID)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return total, nil
		}
		return 0, err
	}
	return total + override.MonthlyQuotaMinutes, nil
}

// heldMinutes sums reservations currently held against the team.
func (l *Ledger) heldMinutes(teamID uint) int64 {
	l.holdsMu.RLock()
	defer l.holdsMu.RUnlock()
	var sum int64
	for _, h := range l.holds {
		if h.TeamID == teamID {
			sum += h.Minutes
		}
	}
	return sum
}

// Status is the quota position of a (user, team) pair at one instant.
type Status struct {
	TotalMinutes     int64 `json:"total_minutes"`
	UsedMinutes      int64 `json:"used_minutes"`
	HeldMinutes      int64 `json:"held_minutes"`
	AvailableMinutes int64 `json:"available_minutes"`
	OverusedMinutes  int64 `json:"overused_minutes"`
}

// available computes the signed remaining minutes; callers floor it for
// display.
func (l *Ledger) available(userID, teamID uint) (int64, error) {
	tq, err := l.repo.GetTeamQuota(teamID)
	if err != nil {
		return 0, err
	}
	if err := l.rollover(tq); err != nil {
		return 0, err
	}
	total, err := l.totalQuota(userID, tq)
	if err != nil {
		return 0, err
	}
	used, err := l.repo.SumTeamUsage(teamID, tq.CurrentPeriodStart)
	if err != nil {
		return 0, err
	}
	return total - used - l.heldMinutes(teamID), nil
}

// GetStatus reports the quota position for display. Available is floored at
// zero; the overrun amount is reported separately.
func (l *Ledger) GetStatus(userID, teamID uint) (*Status, error) {
	tq, err := l.repo.GetTeamQuota(teamID)
	if err != nil {
		return nil, err
	}
	if err := l.rollover(tq); err != nil {
		return nil, err
	}
	total, err := l.totalQuota(userID, tq)
	if err != nil {
		return nil, err
	}
	used, err := l.repo.SumTeamUsage(teamID, tq.CurrentPeriodStart)
	if err != nil {
		return nil, err
	}
	held := l.heldMinutes(teamID)
	avail := total - used - held
	st := &Status{TotalMinutes: total, UsedMinutes: used, HeldMinutes: held, AvailableMinutes: avail}
	if avail < 0 {
		st.AvailableMinutes = 0
		st.OverusedMinutes = -avail
	}
	return st, nil
}

// Reserve admits minutes against the (user, team) allowance, recording a
// hold keyed by job id. Concurrent Reserve calls against the same team are
// mutually exclusive, so two launches cannot both take the last slot even
// when they come from different users.
func (l *Ledger) Reserve(jobID string, userID, teamID uint, minutes int64) error {
	lock := l.admissionLock(teamID)
	lock.Lock()
	defer lock.Unlock()

	avail, err := l.available(userID, teamID)
	if err != nil {
		return err
	}
	if minutes > avail {
		floored := avail
		if floored < 0 {
			floored = 0
		}
		return &apperr.QuotaExceededError{UserID: userID, TeamID: teamID, Requested: minutes, Available: floored}
	}

	l.holdsMu.Lock()
	l.holds[jobID] = hold{UserID: userID, TeamID: teamID, Minutes: minutes}
	l.holdsMu.Unlock()
	return nil
}

// Commit converts the job's hold into exactly one usage row. The unique
// (job_id, team_id) constraint makes retries harmless. The hold is dropped
// even when billing fails: a broken quota store must not pin reservations
// until the next restart.
func (l *Ledger) Commit(jobID string, userID, teamID uint, minutesUsed int64) error {
	defer l.Release(jobID)

	tq, err := l.repo.GetTeamQuota(teamID)
	if err != nil {
		return err
	}
	if err := l.rollover(tq); err != nil {
		return err
	}

	err = l.repo.CreateUsage(&quota.QuotaUsage{
		JobID:       jobID,
		TeamID:      teamID,
		UserID:      userID,
		MinutesUsed: minutesUsed,
		PeriodStart: tq.CurrentPeriodStart,
	})
	if err != nil {
		return fmt.Errorf("commit usage for job %s: %w", jobID, err)
	}
	return nil
}

// Release drops the job's hold without billing. Safe to call for jobs that
// never reserved.
func (l *Ledger) Release(jobID string) {
	l.holdsMu.Lock()
	if _, ok := l.holds[jobID]; ok {
		delete(l.holds, jobID)
	} else {
		l.holdsMu.Unlock()
		return
	}
	l.holdsMu.Unlock()
	log.Printf("quota hold released for job %s", jobID)
}

// Held reports whether a hold exists for the job, for tests and status.
func (l *Ledger) Held(jobID string) bool {
	l.holdsMu.RLock()
	defer l.holdsMu.RUnlock()
	_, ok := l.holds[jobID]
	return ok
}
