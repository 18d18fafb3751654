package storage

import (
	"errors"

	"github.com/cuemby/rollout/pkg/types"
)

// ErrNotFound is returned when no record exists for the requested key
var ErrNotFound = errors.New("not found")

// Store defines the interface for deployment history storage
type Store interface {
	// SaveDeployment inserts or replaces the record with the same ID
	SaveDeployment(record *types.DeploymentRecord) error
	GetDeployment(id string) (*types.DeploymentRecord, error)

	// ListDeployments returns all records, most recently started first
	ListDeployments() ([]*types.DeploymentRecord, error)
	ListDeploymentsByService(serviceName string) ([]*types.DeploymentRecord, error)

	DeleteDeployment(id string) error

	Close() error
}
