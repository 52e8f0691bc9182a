package repository

import (
	"github.com/forgeml/forge/internal/domain/provider"
	"github.com/forgeml/forge/internal/domain/quota"
	"gorm.io/gorm"
)

// Repos bundles the relational repositories wired at startup.
type Repos struct {
	Provider provider.Repository
	Quota    quota.Repository
}

// New builds the gorm-backed repository set.
func New(db *gorm.DB) *Repos {
	return &Repos{
		Provider: NewProviderRepo(db),
		Quota:    NewQuotaRepo(db),
	}
}
