package provider

import (
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"
)

// ProviderType is the closed set of supported backend kinds. Adding a kind
// means handling it in the router's client factory.
type ProviderType string

const (
	TypeLocal          ProviderType = "local"
	TypeClusterBroker  ProviderType = "cluster_broker"
	TypeBatchScheduler ProviderType = "batch_scheduler"
	TypeGPURental      ProviderType = "gpu_rental"
)

// Valid reports whether t is a known provider type.
func (t ProviderType) Valid() bool {
	switch t {
	case TypeLocal, TypeClusterBroker, TypeBatchScheduler, TypeGPURental:
		return true
	}
	return false
}

// Batch scheduler transport modes.
const (
	BatchModeREST = "rest"
	BatchModeSSH  = "ssh"
)

// ComputeProvider is a team-scoped provider registration. Name is unique
// within a team.
type ComputeProvider struct {
	ID        uint           `gorm:"primaryKey;column:id" json:"id"`
	TeamID    uint           `gorm:"not null;uniqueIndex:idx_team_provider_name;column:team_id" json:"team_id"`
	Name      string         `gorm:"size:100;not null;uniqueIndex:idx_team_provider_name" json:"name"`
	Type      ProviderType   `gorm:"size:50;not null" json:"type"`
	Config    datatypes.JSON `gorm:"type:jsonb" json:"config"`
	CreatedBy uint           `gorm:"column:created_by" json:"created_by"`
	CreatedAt time.Time      `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt time.Time      `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

// TableName specifies the database table name
func (ComputeProvider) TableName() string {
	return "compute_providers"
}

// Config holds the connection settings of one provider. The zero values of
// fields that do not apply to a given type are ignored by its client.
type Config struct {
	// cluster broker / batch scheduler REST mode
	ServerURL string `json:"server_url,omitempty" yaml:"server_url"`
	Token     string `json:"token,omitempty" yaml:"token"`

	// batch scheduler
	Mode           string `json:"mode,omitempty" yaml:"mode"` // rest | ssh
	SSHHost        string `json:"ssh_host,omitempty" yaml:"ssh_host"`
	SSHPort        int    `json:"ssh_port,omitempty" yaml:"ssh_port"`
	SSHUser        string `json:"ssh_user,omitempty" yaml:"ssh_user"`
	PrivateKeyPath string `json:"private_key_path,omitempty" yaml:"private_key_path"`
	Partition      string `json:"partition,omitempty" yaml:"partition"`

	// gpu rental
	APIKey       string `json:"api_key,omitempty" yaml:"api_key"`
	Region       string `json:"region,omitempty" yaml:"region"`
	InstanceType string `json:"instance_type,omitempty" yaml:"instance_type"`

	// default resource shape
	DefaultCPUs   int    `json:"default_cpus,omitempty" yaml:"default_cpus"`
	DefaultMemory string `json:"default_memory,omitempty" yaml:"default_memory"`
	DefaultGPUs   int    `json:"default_gpus,omitempty" yaml:"default_gpus"`
}

// ParseConfig decodes the stored JSON config column.
func (p *ComputeProvider) ParseConfig() (Config, error) {
	var cfg Config
	if len(p.Config) == 0 {
		return cfg, nil
	}
	if err := json.Unmarshal(p.Config, &cfg); err != nil {
		return cfg, fmt.Errorf("provider %q: decode config: %w", p.Name, err)
	}
	return cfg, nil
}

// Repository defines data access for provider registrations.
type Repository interface {
	Create(p *ComputeProvider) error
	FindByID(id uint) (*ComputeProvider, error)
	FindByTeamAndName(teamID uint, name string) (*ComputeProvider, error)
	FindByTeam(teamID uint) ([]ComputeProvider, error)
	Update(p *ComputeProvider) error
	Delete(id uint) error
}
