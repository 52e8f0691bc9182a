package repository

import (
	"errors"
	"time"

	"github.com/forgeml/forge/internal/domain/apperr"
	"github.com/forgeml/forge/internal/domain/quota"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DBQuotaRepo is the gorm implementation of quota.Repository.
type DBQuotaRepo struct {
	db *gorm.DB
}

func NewQuotaRepo(db *gorm.DB) *DBQuotaRepo {
	return &DBQuotaRepo{
		db: db,
	}
}

func (r *DBQuotaRepo) GetTeamQuota(teamID uint) (*quota.TeamQuota, error) {
	var q quota.TeamQuota
	err := r.db.First(&q, "team_id = ?", teamID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFoundf("team quota %d", teamID)
	}
	return &q, err
}

func (r *DBQuotaRepo) SaveTeamQuota(q *quota.TeamQuota) error {
	return r.db.Save(q).Error
}

func (r *DBQuotaRepo) GetUserOverride(userID, teamID uint) (*quota.UserQuotaOverride, error) {
	var o quota.UserQuotaOverride
	err := r.db.Where("user_id = ? AND team_id = ?", userID, teamID).First(&o).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFoundf("quota override user %d team %d", userID, teamID)
	}
	return &o, err
}

func (r *DBQuotaRepo) SaveUserOverride(o *quota.UserQuotaOverride) error {
	return r.db.Save(o).Error
}

// CreateUsage inserts at most one usage row per (job_id, team_id). A retry
// hits the unique index and is treated as success.
func (r *DBQuotaRepo) CreateUsage(u *quota.QuotaUsage) error {
	return r.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "job_id"}, {Name: "team_id"}},
		DoNothing: true,
	}).Create(u).Error
}

func (r *DBQuotaRepo) SumTeamUsage(teamID uint, periodStart time.Time) (int64, error) {
	var total int64
	err := r.db.Model(&quota.QuotaUsage{}).
		Where("team_id = ? AND period_start = ?", teamID, periodStart).
		Select("COALESCE(SUM(minutes_used), 0)").
		Scan(&total).Error
	return total, err
}

func (r *DBQuotaRepo) ListTeamUsage(teamID uint, periodStart time.Time) ([]quota.QuotaUsage, error) {
	var rows []quota.QuotaUsage
	err := r.db.Where("team_id = ? AND period_start = ?", teamID, periodStart).
		Order("created_at").Find(&rows).Error
	return rows, err
}
