package quota

import "time"

// TeamQuota is the monthly compute-minutes allowance of one team.
// CurrentPeriodStart rolls forward when the wall-clock month has elapsed.
type TeamQuota struct {
	TeamID              uint      `gorm:"primaryKey;column:team_id" json:"team_id"`
	MonthlyQuotaMinutes int64     `gorm:"not null;default:0" json:"monthly_quota_minutes"`
	CurrentPeriodStart  time.Time `gorm:"column:current_period_start" json:"current_period_start"`
	CreatedAt           time.Time `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt           time.Time `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

// TableName specifies the database table name
func (TeamQuota) TableName() string {
	return "team_quotas"
}

// UserQuotaOverride grants a user additional minutes beyond the team quota.
type UserQuotaOverride struct {
	ID                  uint      `gorm:"primaryKey;column:id" json:"id"`
	UserID              uint      `gorm:"not null;uniqueIndex:idx_user_team_override" json:"user_id"`
	TeamID              uint      `gorm:"not null;uniqueIndex:idx_user_team_override" json:"team_id"`
	MonthlyQuotaMinutes int64     `gorm:"not null;default:0" json:"monthly_quota_minutes"`
	CurrentPeriodStart  time.Time `gorm:"column:current_period_start" json:"current_period_start"`
	CreatedAt           time.Time `gorm:"column:created_at;autoCreateTime" json:"created_at"`
}

// TableName specifies the database table name
func (UserQuotaOverride) TableName() string {
	return "user_quota_overrides"
}

// QuotaUsage is one committed usage row per (job, team). The unique index
// makes commit idempotent; rows outlive the job for audit.
type QuotaUsage struct {
	ID          uint      `gorm:"primaryKey;column:id" json:"id"`
	JobID       string    `gorm:"size:64;not null;uniqueIndex:idx_job_team_usage" json:"job_id"`
	TeamID      uint      `gorm:"not null;uniqueIndex:idx_job_team_usage" json:"team_id"`
	UserID      uint      `gorm:"not null" json:"user_id"`
	MinutesUsed int64     `gorm:"not null" json:"minutes_used"`
	PeriodStart time.Time `gorm:"column:period_start" json:"period_start"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime" json:"created_at"`
}

// TableName specifies the database table name
func (QuotaUsage) TableName() string {
	return "quota_usages"
}

// Repository defines data access for quota records. The gorm implementation
// enforces the (job_id, team_id) uniqueness; fakes in tests mirror it.
type Repository interface {
	GetTeamQuota(teamID uint) (*TeamQuota, error)
	SaveTeamQuota(q *TeamQuota) error
	GetUserOverride(userID, teamID uint) (*UserQuotaOverride, error)
	SaveUserOverride(o *UserQuotaOverride) error
	// CreateUsage inserts the row unless one already exists for the same
	// (job_id, team_id); it never creates a second row.
	CreateUsage(u *QuotaUsage) error
	SumTeamUsage(teamID uint, periodStart time.Time) (int64, error)
	ListTeamUsage(teamID uint, periodStart time.Time) ([]QuotaUsage, error)
}
