package repository

import (
	"errors"

	"github.com/forgeml/forge/internal/domain/apperr"
	"github.com/forgeml/forge/internal/domain/provider"
	"gorm.io/gorm"
)

// DBProviderRepo is the gorm implementation of provider.Repository.
type DBProviderRepo struct {
	db *gorm.DB
}

func NewProviderRepo(db *gorm.DB) *DBProviderRepo {
	return &DBProviderRepo{
		db: db,
	}
}

func (r *DBProviderRepo) Create(p *provider.ComputeProvider) error {
	err := r.db.Create(p).Error
	if err != nil && errors.Is(err, gorm.ErrDuplicatedKey) {
		return apperr.AlreadyExistsf("provider %q for team %d", p.Name, p.TeamID)
	}
	return err
}

func (r *DBProviderRepo) FindByID(id uint) (*provider.ComputeProvider, error) {
	var p provider.ComputeProvider
	err := r.db.First(&p, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFoundf("provider %d", id)
	}
	return &p, err
}

func (r *DBProviderRepo) FindByTeamAndName(teamID uint, name string) (*provider.ComputeProvider, error) {
	var p provider.ComputeProvider
	err := r.db.Where("team_id = ? AND name = ?", teamID, name).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFoundf("provider %q for team %d", name, teamID)
	}
	return &p, err
}

func (r *DBProviderRepo) FindByTeam(teamID uint) ([]provider.ComputeProvider, error) {
	var providers []provider.ComputeProvider
	err := r.db.Where("team_id = ?", teamID).Find(&providers).Error
	return providers, err
}

func (r *DBProviderRepo) Update(p *provider.ComputeProvider) error {
	return r.db.Save(p).Error
}

func (r *DBProviderRepo) Delete(id uint) error {
	return r.db.Delete(&provider.ComputeProvider{}, id).Error
}
